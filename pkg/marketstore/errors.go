package marketstore

import (
	"fmt"

	"github.com/agentguild/guild/pkg/models"
)

// ErrAgentNotFound is returned when the agent is not found.
type ErrAgentNotFound struct {
	AgentID models.AgentID
}

func NewErrAgentNotFound(id models.AgentID) ErrAgentNotFound {
	return ErrAgentNotFound{AgentID: id}
}

func (e ErrAgentNotFound) Error() string {
	return "agent not found: " + e.AgentID.String()
}

// ErrJobNotFound is returned when the job is not found.
type ErrJobNotFound struct {
	JobID models.JobID
}

func NewErrJobNotFound(id models.JobID) ErrJobNotFound {
	return ErrJobNotFound{JobID: id}
}

func (e ErrJobNotFound) Error() string {
	return "job not found: " + e.JobID.String()
}

// ErrJobAlreadyExists is returned when a job with the same id already
// exists.
type ErrJobAlreadyExists struct {
	JobID models.JobID
}

func NewErrJobAlreadyExists(id models.JobID) ErrJobAlreadyExists {
	return ErrJobAlreadyExists{JobID: id}
}

func (e ErrJobAlreadyExists) Error() string {
	return "job already exists: " + e.JobID.String()
}

// ErrInvalidJobState is returned when a job is not in the state a
// transition expects.
type ErrInvalidJobState struct {
	JobID    models.JobID
	Actual   models.JobStateType
	Expected models.JobStateType
}

func NewErrInvalidJobState(id models.JobID, actual, expected models.JobStateType) ErrInvalidJobState {
	return ErrInvalidJobState{JobID: id, Actual: actual, Expected: expected}
}

func (e ErrInvalidJobState) Error() string {
	return fmt.Sprintf("job %s is in state %s but expected %s",
		e.JobID, e.Actual.String(), e.Expected.String())
}

// ErrJobAlreadyTerminal is returned when a job in a terminal state is
// asked to transition again.
type ErrJobAlreadyTerminal struct {
	JobID    models.JobID
	Actual   models.JobStateType
	NewState models.JobStateType
}

func NewErrJobAlreadyTerminal(id models.JobID, actual, newState models.JobStateType) ErrJobAlreadyTerminal {
	return ErrJobAlreadyTerminal{JobID: id, Actual: actual, NewState: newState}
}

func (e ErrJobAlreadyTerminal) Error() string {
	return fmt.Sprintf("job %s is in terminal state %s and cannot transition to %s",
		e.JobID, e.Actual.String(), e.NewState.String())
}

// ErrBidExists is returned on a second bid for the same (job, agent)
// pair.
type ErrBidExists struct {
	JobID   models.JobID
	AgentID models.AgentID
}

func NewErrBidExists(jobID models.JobID, agentID models.AgentID) ErrBidExists {
	return ErrBidExists{JobID: jobID, AgentID: agentID}
}

func (e ErrBidExists) Error() string {
	return fmt.Sprintf("agent %s already bid on job %s", e.AgentID, e.JobID)
}

// ErrBidNotFound is returned when no bid exists for the pair.
type ErrBidNotFound struct {
	JobID   models.JobID
	AgentID models.AgentID
}

func NewErrBidNotFound(jobID models.JobID, agentID models.AgentID) ErrBidNotFound {
	return ErrBidNotFound{JobID: jobID, AgentID: agentID}
}

func (e ErrBidNotFound) Error() string {
	return fmt.Sprintf("no bid by agent %s on job %s", e.AgentID, e.JobID)
}

// ErrPredictionNotFound is returned when the prediction is not found.
type ErrPredictionNotFound struct {
	PredictionID models.PredictionID
}

func NewErrPredictionNotFound(id models.PredictionID) ErrPredictionNotFound {
	return ErrPredictionNotFound{PredictionID: id}
}

func (e ErrPredictionNotFound) Error() string {
	return "prediction not found: " + e.PredictionID.String()
}

// ErrPredictionExists is returned when a second market is created for
// the same job.
type ErrPredictionExists struct {
	JobID models.JobID
}

func NewErrPredictionExists(jobID models.JobID) ErrPredictionExists {
	return ErrPredictionExists{JobID: jobID}
}

func (e ErrPredictionExists) Error() string {
	return "prediction already exists for job " + e.JobID.String()
}

// ErrBetExists is returned on a second bet for the same (prediction,
// agent) pair.
type ErrBetExists struct {
	PredictionID models.PredictionID
	AgentID      models.AgentID
}

func NewErrBetExists(id models.PredictionID, agentID models.AgentID) ErrBetExists {
	return ErrBetExists{PredictionID: id, AgentID: agentID}
}

func (e ErrBetExists) Error() string {
	return fmt.Sprintf("agent %s already bet on prediction %s", e.AgentID, e.PredictionID)
}

// ErrTransferExists is returned when a job already carries a
// settlement record.
type ErrTransferExists struct {
	JobID models.JobID
}

func NewErrTransferExists(jobID models.JobID) ErrTransferExists {
	return ErrTransferExists{JobID: jobID}
}

func (e ErrTransferExists) Error() string {
	return "transfer already exists for job " + e.JobID.String()
}

// ErrTransferNotFound is returned when a job has no settlement record.
type ErrTransferNotFound struct {
	JobID models.JobID
}

func NewErrTransferNotFound(jobID models.JobID) ErrTransferNotFound {
	return ErrTransferNotFound{JobID: jobID}
}

func (e ErrTransferNotFound) Error() string {
	return "no transfer for job " + e.JobID.String()
}

// ErrPostNotFound is returned when the forum post is not found.
type ErrPostNotFound struct {
	PostID models.PostID
}

func NewErrPostNotFound(id models.PostID) ErrPostNotFound {
	return ErrPostNotFound{PostID: id}
}

func (e ErrPostNotFound) Error() string {
	return "forum post not found: " + e.PostID.String()
}

// ErrUpvoteExists is returned on a second upvote by the same agent.
type ErrUpvoteExists struct {
	PostID  models.PostID
	AgentID models.AgentID
}

func NewErrUpvoteExists(postID models.PostID, agentID models.AgentID) ErrUpvoteExists {
	return ErrUpvoteExists{PostID: postID, AgentID: agentID}
}

func (e ErrUpvoteExists) Error() string {
	return fmt.Sprintf("agent %s already upvoted post %s", e.AgentID, e.PostID)
}

// ErrConfigNotFound is returned when a config key has no stored value.
type ErrConfigNotFound struct {
	Key string
}

func NewErrConfigNotFound(key string) ErrConfigNotFound {
	return ErrConfigNotFound{Key: key}
}

func (e ErrConfigNotFound) Error() string {
	return "config value not found: " + e.Key
}
