package models

// TransferStatusType is the state of a settlement payment.
type TransferStatusType int

const (
	TransferStatusPending TransferStatusType = iota
	TransferStatusCompleted
)

func (s TransferStatusType) String() string {
	switch s {
	case TransferStatusPending:
		return "pending"
	case TransferStatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Transfer records the settlement payment for a completed job. At most
// one transfer exists per job; its presence is the settlement
// idempotency check.
type Transfer struct {
	ID          TransferID `json:"ID"`
	JobID       JobID      `json:"JobID"`
	FromAgentID AgentID    `json:"FromAgentID"`
	ToAgentID   AgentID    `json:"ToAgentID"`
	Amount      int64      `json:"Amount"`

	// TokenID names the ledger-side token used for payment.
	TokenID string `json:"TokenID"`
	// LedgerTxID is the external transaction reference, synthetic in
	// degraded mode.
	LedgerTxID string `json:"LedgerTxID"`

	// Invoice and Receipt are the generated commerce documents,
	// serialized at the boundary.
	Invoice []byte `json:"Invoice,omitempty"`
	Receipt []byte `json:"Receipt,omitempty"`

	Status     TransferStatusType `json:"Status"`
	CreateTime int64              `json:"CreateTime"`
}
