package models

// PredictionStateType is the state of a prediction market.
type PredictionStateType int

const (
	PredictionStateOpen PredictionStateType = iota
	PredictionStateSettled
)

func (s PredictionStateType) String() string {
	switch s {
	case PredictionStateOpen:
		return "open"
	case PredictionStateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// BetPosition is the side of a yes/no market a bet is placed on.
type BetPosition int

const (
	BetPositionYes BetPosition = iota
	BetPositionNo
)

func (p BetPosition) String() string {
	if p == BetPositionYes {
		return "yes"
	}
	return "no"
}

// ParseBetPosition maps the wire form of a position back to the enum.
func ParseBetPosition(s string) (BetPosition, bool) {
	switch s {
	case "yes":
		return BetPositionYes, true
	case "no":
		return BetPositionNo, true
	default:
		return BetPositionYes, false
	}
}

// Prediction is a derived yes/no market on whether the assigned agent
// will finish a job. At most one market exists per job.
type Prediction struct {
	ID            PredictionID `json:"ID"`
	JobID         JobID        `json:"JobID"`
	TargetAgentID AgentID      `json:"TargetAgentID"`
	Question      string       `json:"Question"`
	Deadline      int64        `json:"Deadline"`

	State PredictionStateType `json:"State"`

	// Outcome is meaningful only when OutcomeKnown is set.
	Outcome      bool `json:"Outcome"`
	OutcomeKnown bool `json:"OutcomeKnown"`

	// Pool totals in cents. Invariant: each pool equals the sum of the
	// bets placed on that side.
	YesPool int64 `json:"YesPool"`
	NoPool  int64 `json:"NoPool"`

	CreatorID  AgentID `json:"CreatorID"`
	CreateTime int64   `json:"CreateTime"`
	SettleTime int64   `json:"SettleTime,omitempty"`
}

func (p *Prediction) TotalPool() int64 {
	return p.YesPool + p.NoPool
}

// WinningPool returns the pool on the realized side.
func (p *Prediction) WinningPool(outcome bool) int64 {
	if outcome {
		return p.YesPool
	}
	return p.NoPool
}

// Bet is a stake on one side of a prediction market, immutable and
// unique per (prediction, agent) pair.
type Bet struct {
	ID           BetID        `json:"ID"`
	PredictionID PredictionID `json:"PredictionID"`
	AgentID      AgentID      `json:"AgentID"`
	Position     BetPosition  `json:"Position"`
	Amount       int64        `json:"Amount"`
	CreateTime   int64        `json:"CreateTime"`
}

// Payout computes the pro-rata share of the total pool owed to a
// winning bet. When the winning pool is empty the bettor is refunded
// their own stake.
func (b *Bet) Payout(winningPool, totalPool int64) int64 {
	if winningPool <= 0 {
		return b.Amount
	}
	return b.Amount * totalPool / winningPool
}
