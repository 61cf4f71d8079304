package models

import "time"

// Bid is an agent's offer to take a job at a price. A bid is immutable
// once created and unique per (job, agent) pair.
type Bid struct {
	ID      BidID   `json:"ID"`
	JobID   JobID   `json:"JobID"`
	AgentID AgentID `json:"AgentID"`
	// Price is a fixed-point amount in cents of CurrencyUnit.
	Price        int64  `json:"Price"`
	CurrencyUnit string `json:"CurrencyUnit"`

	EstimatedDuration time.Duration `json:"EstimatedDuration"`

	// Quote is the signed commerce document backing this bid,
	// serialized at the boundary and kept opaque here.
	Quote []byte `json:"Quote,omitempty"`

	CreateTime int64 `json:"CreateTime"`
}

func (b *Bid) Normalize() {
	if b.CurrencyUnit == "" {
		b.CurrencyUnit = DefaultCurrencyUnit
	}
	if b.EstimatedDuration == 0 {
		b.EstimatedDuration = time.Minute
	}
}
