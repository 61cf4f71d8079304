package models

import (
	"github.com/google/uuid"
)

// Typed identifiers for the marketplace entities. Keeping these as
// distinct types stops a job id from being handed to an agent lookup
// and makes the store's map keys self-describing.
type (
	AgentID      string
	JobID        string
	BidID        string
	PredictionID string
	BetID        string
	TransferID   string
	PostID       string
	ReplyID      string
)

func NewJobID() JobID               { return JobID(uuid.NewString()) }
func NewBidID() BidID               { return BidID(uuid.NewString()) }
func NewAgentID() AgentID           { return AgentID(uuid.NewString()) }
func NewPredictionID() PredictionID { return PredictionID(uuid.NewString()) }
func NewBetID() BetID               { return BetID(uuid.NewString()) }
func NewTransferID() TransferID     { return TransferID(uuid.NewString()) }
func NewPostID() PostID             { return PostID(uuid.NewString()) }
func NewReplyID() ReplyID           { return ReplyID(uuid.NewString()) }

func (id AgentID) String() string      { return string(id) }
func (id JobID) String() string        { return string(id) }
func (id BidID) String() string        { return string(id) }
func (id PredictionID) String() string { return string(id) }
func (id BetID) String() string        { return string(id) }
func (id TransferID) String() string   { return string(id) }
func (id PostID) String() string       { return string(id) }
func (id ReplyID) String() string      { return string(id) }

const shortIDLength = 8

// ShortID returns a log-friendly prefix of an entity id.
func ShortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength]
}
