package marketstore

import (
	"context"

	"github.com/agentguild/guild/pkg/models"
)

// Store is the local projection of marketplace state: the
// authoritative, low-latency side of the dual-write design. It knows
// nothing about the ledger. Implementations must serialize writes per
// entity so concurrent bids on the same job cannot lose updates.
type Store interface {
	// UpsertAgent registers an agent, or refreshes status, skills and
	// heartbeat on the existing record. Registration is idempotent and
	// never duplicates an identity.
	UpsertAgent(ctx context.Context, agent models.Agent) (created bool, err error)
	GetAgent(ctx context.Context, id models.AgentID) (models.Agent, error)
	// GetAgents returns all agents sorted by reputation descending.
	GetAgents(ctx context.Context) ([]models.Agent, error)
	// TouchAgent refreshes the heartbeat timestamp and marks the agent active.
	TouchAgent(ctx context.Context, id models.AgentID) error
	// UpdateAgent applies fn to the stored agent under the write lock.
	// Reputation is clamped after fn returns.
	UpdateAgent(ctx context.Context, id models.AgentID, fn func(*models.Agent)) (models.Agent, error)

	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id models.JobID) (models.Job, error)
	// GetJobs returns jobs matching the query, sorted by creation time
	// descending.
	GetJobs(ctx context.Context, query JobQuery) ([]models.Job, error)
	// UpdateJobState transitions a job after checking the request's
	// expected-state condition.
	UpdateJobState(ctx context.Context, request UpdateJobStateRequest) (models.Job, error)

	// CreateBid stores a bid, rejecting duplicates per (job, agent).
	CreateBid(ctx context.Context, bid models.Bid) error
	// GetBidsForJob returns the bids for a job sorted by price
	// ascending.
	GetBidsForJob(ctx context.Context, jobID models.JobID) ([]models.Bid, error)
	GetBid(ctx context.Context, jobID models.JobID, agentID models.AgentID) (models.Bid, error)

	// CreatePrediction stores a market, rejecting a second market for
	// the same job.
	CreatePrediction(ctx context.Context, prediction models.Prediction) error
	GetPrediction(ctx context.Context, id models.PredictionID) (models.Prediction, error)
	GetPredictionForJob(ctx context.Context, jobID models.JobID) (models.Prediction, error)
	GetOpenPredictions(ctx context.Context) ([]models.Prediction, error)
	// UpdatePrediction applies fn to the stored prediction under the
	// write lock.
	UpdatePrediction(ctx context.Context, id models.PredictionID, fn func(*models.Prediction)) (models.Prediction, error)

	// CreateBet stores a bet, rejecting duplicates per (prediction,
	// agent).
	CreateBet(ctx context.Context, bet models.Bet) error
	GetBetsForPrediction(ctx context.Context, id models.PredictionID) ([]models.Bet, error)

	// CreateTransfer records a settlement, rejecting a second transfer
	// for the same job.
	CreateTransfer(ctx context.Context, transfer models.Transfer) error
	GetTransferForJob(ctx context.Context, jobID models.JobID) (models.Transfer, error)
	GetTransfers(ctx context.Context) ([]models.Transfer, error)

	CreateForumPost(ctx context.Context, post models.ForumPost) error
	GetForumPost(ctx context.Context, id models.PostID) (models.ForumPost, error)
	// GetForumPosts returns posts, optionally filtered by tag, sorted
	// by creation time descending.
	GetForumPosts(ctx context.Context, tag string) ([]models.ForumPost, error)
	CreateForumReply(ctx context.Context, reply models.ForumReply) error
	GetForumReplies(ctx context.Context, postID models.PostID) ([]models.ForumReply, error)
	// RecordUpvote stores an upvote, rejecting duplicates per (post,
	// agent), and returns the post's new score.
	RecordUpvote(ctx context.Context, postID models.PostID, agentID models.AgentID) (int, error)

	// AppendEvent persists the local copy of a published attestation.
	AppendEvent(ctx context.Context, record models.EventRecord) error
	GetEvents(ctx context.Context, query EventQuery) ([]models.EventRecord, error)

	// GetConfigValue and SetConfigValue expose a small KV table used to
	// persist ledger-side resource identifiers so first-use creation
	// stays idempotent across restarts.
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error

	Close(ctx context.Context) error
}

// JobQuery filters and bounds job listings.
type JobQuery struct {
	// State filters to a single state when HasState is set.
	State    models.JobStateType
	HasState bool
	Limit    int
}

// JobQueryAll matches every job.
var JobQueryAll = JobQuery{}

// JobQueryForState matches jobs in one state.
func JobQueryForState(state models.JobStateType) JobQuery {
	return JobQuery{State: state, HasState: true}
}

// UpdateJobCondition constrains a state update to jobs currently in
// the expected state, mirroring compare-and-swap semantics.
type UpdateJobCondition struct {
	ExpectedState models.JobStateType
}

// Validate checks the condition against the stored job.
func (c UpdateJobCondition) Validate(job models.Job) error {
	if job.State != c.ExpectedState {
		return NewErrInvalidJobState(job.ID, job.State, c.ExpectedState)
	}
	return nil
}

// UpdateJobStateRequest describes a single job transition.
type UpdateJobStateRequest struct {
	JobID     models.JobID
	Condition UpdateJobCondition
	NewState  models.JobStateType
	// Mutate optionally adjusts other job fields in the same update,
	// e.g. recording the assignee alongside the assigned state.
	Mutate func(*models.Job)
}

// EventQuery filters the local attestation log.
type EventQuery struct {
	JobID   models.JobID
	AgentID models.AgentID
	Limit   int
}
