package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EventType tags an attestation event kind on the wire.
type EventType string

const (
	EventAgentRegistered   EventType = "agent.registered"
	EventReputationUpdated EventType = "reputation.updated"
	EventJobCreated        EventType = "job.created"
	EventBidPlaced         EventType = "bid.placed"
	EventJobAssigned       EventType = "job.assigned"
	EventJobCompleted      EventType = "job.completed"
	EventPaymentSettled    EventType = "payment.settled"
	EventPredictionCreated EventType = "prediction.created"
	EventBetPlaced         EventType = "prediction.bet"
	EventPredictionSettled EventType = "prediction.settled"
	EventForumPostCreated  EventType = "forum.post"
	EventForumReplyCreated EventType = "forum.reply"
	EventForumPostUpvoted  EventType = "forum.upvote"
)

// Event is one member of the closed set of attestation payloads. Each
// kind carries its own strongly typed fields; decoding from the wire
// happens exactly once, at the ledger-read boundary.
type Event interface {
	// EventType returns the wire tag for this event kind.
	EventType() EventType
	// JobRef returns the correlated job id, or empty if none.
	JobRef() JobID
	// AgentRef returns the correlated agent id, or empty if none.
	AgentRef() AgentID
}

type AgentRegisteredEvent struct {
	AgentID AgentID  `json:"agent_id"`
	Name    string   `json:"name"`
	Skills  []string `json:"skills"`
}

func (AgentRegisteredEvent) EventType() EventType { return EventAgentRegistered }
func (AgentRegisteredEvent) JobRef() JobID        { return "" }
func (e AgentRegisteredEvent) AgentRef() AgentID  { return e.AgentID }

type ReputationUpdatedEvent struct {
	AgentID       AgentID `json:"agent_id"`
	NewReputation int     `json:"new_reputation"`
	Change        int     `json:"change"`
}

func (ReputationUpdatedEvent) EventType() EventType { return EventReputationUpdated }
func (ReputationUpdatedEvent) JobRef() JobID        { return "" }
func (e ReputationUpdatedEvent) AgentRef() AgentID  { return e.AgentID }

type JobCreatedEvent struct {
	JobID         JobID   `json:"job_id"`
	CreatorID     AgentID `json:"creator_agent_id"`
	Title         string  `json:"title"`
	RequiredSkill string  `json:"required_skill"`
	Budget        int64   `json:"budget"`
	Deadline      int64   `json:"deadline"`
}

func (JobCreatedEvent) EventType() EventType { return EventJobCreated }
func (e JobCreatedEvent) JobRef() JobID      { return e.JobID }
func (e JobCreatedEvent) AgentRef() AgentID  { return e.CreatorID }

type BidPlacedEvent struct {
	JobID             JobID   `json:"job_id"`
	AgentID           AgentID `json:"agent_id"`
	Price             int64   `json:"price"`
	EstimatedDuration int64   `json:"estimated_duration_ms"`
}

func (BidPlacedEvent) EventType() EventType { return EventBidPlaced }
func (e BidPlacedEvent) JobRef() JobID      { return e.JobID }
func (e BidPlacedEvent) AgentRef() AgentID  { return e.AgentID }

type JobAssignedEvent struct {
	JobID   JobID   `json:"job_id"`
	AgentID AgentID `json:"agent_id"`
	Price   int64   `json:"price"`
}

func (JobAssignedEvent) EventType() EventType { return EventJobAssigned }
func (e JobAssignedEvent) JobRef() JobID      { return e.JobID }
func (e JobAssignedEvent) AgentRef() AgentID  { return e.AgentID }

type JobCompletedEvent struct {
	JobID   JobID   `json:"job_id"`
	AgentID AgentID `json:"agent_id"`
	// ArtifactPreview is a bounded prefix of the result artifact; the
	// full artifact stays in the local store.
	ArtifactPreview string `json:"artifact_preview"`
}

func (JobCompletedEvent) EventType() EventType { return EventJobCompleted }
func (e JobCompletedEvent) JobRef() JobID      { return e.JobID }
func (e JobCompletedEvent) AgentRef() AgentID  { return e.AgentID }

type PaymentSettledEvent struct {
	JobID      JobID   `json:"job_id"`
	AgentID    AgentID `json:"agent_id"`
	Amount     int64   `json:"amount"`
	LedgerTxID string  `json:"tx_id"`
}

func (PaymentSettledEvent) EventType() EventType { return EventPaymentSettled }
func (e PaymentSettledEvent) JobRef() JobID      { return e.JobID }
func (e PaymentSettledEvent) AgentRef() AgentID  { return e.AgentID }

type PredictionCreatedEvent struct {
	PredictionID  PredictionID `json:"prediction_id"`
	JobID         JobID        `json:"job_id"`
	TargetAgentID AgentID      `json:"target_agent_id"`
	Question      string       `json:"question"`
	Deadline      int64        `json:"deadline"`
}

func (PredictionCreatedEvent) EventType() EventType { return EventPredictionCreated }
func (e PredictionCreatedEvent) JobRef() JobID      { return e.JobID }
func (e PredictionCreatedEvent) AgentRef() AgentID  { return e.TargetAgentID }

type BetPlacedEvent struct {
	PredictionID PredictionID `json:"prediction_id"`
	AgentID      AgentID      `json:"agent_id"`
	Yes          bool         `json:"is_yes"`
	Amount       int64        `json:"amount"`
}

func (BetPlacedEvent) EventType() EventType { return EventBetPlaced }
func (BetPlacedEvent) JobRef() JobID        { return "" }
func (e BetPlacedEvent) AgentRef() AgentID  { return e.AgentID }

type PredictionSettledEvent struct {
	PredictionID PredictionID `json:"prediction_id"`
	JobID        JobID        `json:"job_id"`
	Outcome      bool         `json:"outcome"`
	TotalPool    int64        `json:"total_pool"`
	Winners      int          `json:"winners"`
}

func (PredictionSettledEvent) EventType() EventType { return EventPredictionSettled }
func (e PredictionSettledEvent) JobRef() JobID      { return e.JobID }
func (PredictionSettledEvent) AgentRef() AgentID    { return "" }

type ForumPostCreatedEvent struct {
	PostID  PostID  `json:"post_id"`
	AgentID AgentID `json:"agent_id"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	Tag     string  `json:"tag"`
}

func (ForumPostCreatedEvent) EventType() EventType { return EventForumPostCreated }
func (ForumPostCreatedEvent) JobRef() JobID        { return "" }
func (e ForumPostCreatedEvent) AgentRef() AgentID  { return e.AgentID }

type ForumReplyCreatedEvent struct {
	ReplyID ReplyID `json:"reply_id"`
	PostID  PostID  `json:"post_id"`
	AgentID AgentID `json:"agent_id"`
}

func (ForumReplyCreatedEvent) EventType() EventType { return EventForumReplyCreated }
func (ForumReplyCreatedEvent) JobRef() JobID        { return "" }
func (e ForumReplyCreatedEvent) AgentRef() AgentID  { return e.AgentID }

type ForumPostUpvotedEvent struct {
	PostID   PostID  `json:"post_id"`
	AgentID  AgentID `json:"agent_id"`
	NewScore int     `json:"new_score"`
}

func (ForumPostUpvotedEvent) EventType() EventType { return EventForumPostUpvoted }
func (ForumPostUpvotedEvent) JobRef() JobID        { return "" }
func (e ForumPostUpvotedEvent) AgentRef() AgentID  { return e.AgentID }

// ErrUnknownEventType is returned by Envelope.Decode for event kinds
// this build does not know about. Callers replaying history are
// expected to skip these rather than fail.
var ErrUnknownEventType = errors.New("unknown event type")

// Envelope is a raw attestation as read back from the ledger: the wire
// tag, the undecoded payload, and the ledger-side ordering metadata.
type Envelope struct {
	Type        EventType       `json:"Type"`
	Payload     json.RawMessage `json:"Payload"`
	TxRef       string          `json:"TxRef"`
	Sequence    uint64          `json:"Sequence"`
	BlockNumber uint64          `json:"BlockNumber"`
	// Timestamp is the ledger-assigned event time in UnixNano.
	Timestamp int64 `json:"Timestamp"`
}

// NewEnvelope wraps a typed event for submission.
func NewEnvelope(event Event, timestamp int64) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshaling event payload")
	}
	return Envelope{
		Type:      event.EventType(),
		Payload:   payload,
		Timestamp: timestamp,
	}, nil
}

// Decode parses the payload into its typed event. Unknown tags return
// ErrUnknownEventType so replay can skip forward-compatible kinds.
func (e Envelope) Decode() (Event, error) {
	var event Event
	switch e.Type {
	case EventAgentRegistered:
		event = &AgentRegisteredEvent{}
	case EventReputationUpdated:
		event = &ReputationUpdatedEvent{}
	case EventJobCreated:
		event = &JobCreatedEvent{}
	case EventBidPlaced:
		event = &BidPlacedEvent{}
	case EventJobAssigned:
		event = &JobAssignedEvent{}
	case EventJobCompleted:
		event = &JobCompletedEvent{}
	case EventPaymentSettled:
		event = &PaymentSettledEvent{}
	case EventPredictionCreated:
		event = &PredictionCreatedEvent{}
	case EventBetPlaced:
		event = &BetPlacedEvent{}
	case EventPredictionSettled:
		event = &PredictionSettledEvent{}
	case EventForumPostCreated:
		event = &ForumPostCreatedEvent{}
	case EventForumReplyCreated:
		event = &ForumReplyCreatedEvent{}
	case EventForumPostUpvoted:
		event = &ForumPostUpvotedEvent{}
	default:
		return nil, errors.Wrapf(ErrUnknownEventType, "%s", e.Type)
	}
	if err := json.Unmarshal(e.Payload, event); err != nil {
		return nil, errors.Wrapf(err, "decoding %s payload", e.Type)
	}
	return event, nil
}

// EventRecord is the locally persisted copy of a published attestation,
// the unit the event log lists for auditing.
type EventRecord struct {
	ID        uint64          `json:"ID"`
	Type      EventType       `json:"Type"`
	Payload   json.RawMessage `json:"Payload"`
	JobID     JobID           `json:"JobID,omitempty"`
	AgentID   AgentID         `json:"AgentID,omitempty"`
	TxRef     string          `json:"TxRef"`
	Sequence  uint64          `json:"Sequence"`
	CreatedAt int64           `json:"CreatedAt"`
}
