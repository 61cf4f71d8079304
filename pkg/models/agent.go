package models

// AgentStatusType is the lifecycle status of a registered agent.
type AgentStatusType int

const (
	AgentStatusActive AgentStatusType = iota
	AgentStatusInactive
)

func (s AgentStatusType) String() string {
	switch s {
	case AgentStatusActive:
		return "active"
	case AgentStatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

const (
	MinReputation = 0
	MaxReputation = 100

	// DefaultReputation is the score a freshly registered agent starts with.
	DefaultReputation = 50
)

// Agent is a registered marketplace participant. Agents are never
// deleted; re-registration refreshes status and skills in place.
type Agent struct {
	ID         AgentID  `json:"ID"`
	Name       string   `json:"Name"`
	Skills     []string `json:"Skills"`
	Reputation int      `json:"Reputation"`
	// Completions is the lifetime count of jobs this agent finished.
	Completions int `json:"Completions"`
	Failures    int `json:"Failures"`
	// TimeBonuses counts completions delivered ahead of the deadline.
	TimeBonuses   int             `json:"TimeBonuses"`
	LastHeartbeat int64           `json:"LastHeartbeat"`
	Status        AgentStatusType `json:"Status"`
	CreateTime    int64           `json:"CreateTime"`
}

// Normalize ensures the agent holds well-formed values.
func (a *Agent) Normalize() {
	if a.Skills == nil {
		a.Skills = []string{}
	}
	a.Reputation = ClampReputation(a.Reputation)
}

// ClampReputation bounds a reputation score to the legal range.
func ClampReputation(rep int) int {
	if rep < MinReputation {
		return MinReputation
	}
	if rep > MaxReputation {
		return MaxReputation
	}
	return rep
}
