package orchestrator

import (
	"fmt"

	"github.com/agentguild/guild/pkg/models"
)

// ErrJobNotOpen is returned when an operation requires an open job.
type ErrJobNotOpen struct {
	JobID models.JobID
	State models.JobStateType
}

func NewErrJobNotOpen(id models.JobID, state models.JobStateType) ErrJobNotOpen {
	return ErrJobNotOpen{JobID: id, State: state}
}

func (e ErrJobNotOpen) Error() string {
	return fmt.Sprintf("job %s is not open (state %s)", models.ShortID(e.JobID.String()), e.State)
}

// ErrJobNotCompleted is returned when settlement is requested for a
// job that has not produced a result yet.
type ErrJobNotCompleted struct {
	JobID models.JobID
	State models.JobStateType
}

func NewErrJobNotCompleted(id models.JobID, state models.JobStateType) ErrJobNotCompleted {
	return ErrJobNotCompleted{JobID: id, State: state}
}

func (e ErrJobNotCompleted) Error() string {
	return fmt.Sprintf("job %s is not completed (state %s)", models.ShortID(e.JobID.String()), e.State)
}

// ErrNoBids is returned when assignment finds no bids to pick from.
type ErrNoBids struct {
	JobID models.JobID
}

func NewErrNoBids(id models.JobID) ErrNoBids {
	return ErrNoBids{JobID: id}
}

func (e ErrNoBids) Error() string {
	return fmt.Sprintf("no bids placed on job %s", models.ShortID(e.JobID.String()))
}

// ErrNotAssigned is returned when an agent submits a result for a job
// assigned to someone else.
type ErrNotAssigned struct {
	JobID   models.JobID
	AgentID models.AgentID
}

func NewErrNotAssigned(jobID models.JobID, agentID models.AgentID) ErrNotAssigned {
	return ErrNotAssigned{JobID: jobID, AgentID: agentID}
}

func (e ErrNotAssigned) Error() string {
	return fmt.Sprintf("agent %s is not assigned to job %s",
		models.ShortID(e.AgentID.String()), models.ShortID(e.JobID.String()))
}

// ErrPredictionClosed is returned for bets or settlement attempts on
// an already-settled market.
type ErrPredictionClosed struct {
	PredictionID models.PredictionID
}

func NewErrPredictionClosed(id models.PredictionID) ErrPredictionClosed {
	return ErrPredictionClosed{PredictionID: id}
}

func (e ErrPredictionClosed) Error() string {
	return fmt.Sprintf("prediction %s is closed", models.ShortID(e.PredictionID.String()))
}

// ErrInvalidPosition is returned for bet positions outside yes/no.
type ErrInvalidPosition struct {
	Position string
}

func NewErrInvalidPosition(position string) ErrInvalidPosition {
	return ErrInvalidPosition{Position: position}
}

func (e ErrInvalidPosition) Error() string {
	return fmt.Sprintf("bet position must be yes or no, got %q", e.Position)
}
