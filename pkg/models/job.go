package models

// JobStateType is the state of a job in the marketplace lifecycle.
type JobStateType int

const (
	JobStateOpen JobStateType = iota // must be first

	// Job has a winning bid and an assigned agent.
	JobStateAssigned

	// The assigned agent delivered a result artifact.
	JobStateCompleted

	// Payment was issued for the completed job.
	JobStateSettled

	// Reserved. Nothing transitions a job here today, but the state is
	// part of the wire contract so reconstruction can represent it.
	JobStateFailed
)

func (s JobStateType) String() string {
	switch s {
	case JobStateOpen:
		return "open"
	case JobStateAssigned:
		return "assigned"
	case JobStateCompleted:
		return "completed"
	case JobStateSettled:
		return "settled"
	case JobStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further transition is expected from
// the given state.
func (s JobStateType) IsTerminal() bool {
	return s == JobStateSettled || s == JobStateFailed
}

// IsFinal reports whether the job has finished its working life. A
// completed job still awaits settlement but its outcome is decided,
// which is what prediction markets settle against.
func (s JobStateType) IsFinal() bool {
	return s == JobStateCompleted || s == JobStateSettled || s == JobStateFailed
}

func (s JobStateType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobStateType) UnmarshalText(text []byte) error {
	name := string(text)
	for typ := JobStateOpen; typ <= JobStateFailed; typ++ {
		if typ.String() == name {
			*s = typ
			return nil
		}
	}
	return nil
}

// Job is a unit of work offered on the marketplace. Jobs are
// append-only history: they are never deleted, only moved through
// their state machine.
type Job struct {
	ID            JobID  `json:"ID"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	RequiredSkill string `json:"RequiredSkill"`
	// Budget is a fixed-point amount in cents of CurrencyUnit.
	Budget       int64  `json:"Budget"`
	CurrencyUnit string `json:"CurrencyUnit"`

	State           JobStateType `json:"State"`
	CreatorID       AgentID      `json:"CreatorID"`
	AssignedAgentID AgentID      `json:"AssignedAgentID,omitempty"`
	ResultArtifact  string       `json:"ResultArtifact,omitempty"`

	// Deadline is the completion deadline in UnixNano. Completions
	// before this instant earn the time bonus.
	Deadline     int64 `json:"Deadline"`
	CreateTime   int64 `json:"CreateTime"`
	AssignTime   int64 `json:"AssignTime,omitempty"`
	CompleteTime int64 `json:"CompleteTime,omitempty"`

	// Revision is incremented on every state update.
	Revision int `json:"Revision"`
}

func (j *Job) Normalize() {
	if j.CurrencyUnit == "" {
		j.CurrencyUnit = DefaultCurrencyUnit
	}
	if j.CreatorID == "" {
		j.CreatorID = SystemAgentID
	}
}

func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

func (j *Job) IsFinal() bool {
	return j.State.IsFinal()
}

const (
	// DefaultCurrencyUnit is the marketplace credit token symbol.
	DefaultCurrencyUnit = "GUILD"

	// SystemAgentID identifies jobs and markets created by the
	// scheduler rather than a registered agent.
	SystemAgentID AgentID = "system"
)
