package types

import "github.com/google/uuid"

// SyntheticStageOwner marks a machinery-inserted stage and where it sits
// relative to its parent.
type SyntheticStageOwner string

const (
	StageBefore SyntheticStageOwner = "STAGE_BEFORE"
	StageAfter  SyntheticStageOwner = "STAGE_AFTER"
)

// Task is an opaque unit of work inside a stage; the repository persists and
// restores it whole.
type Task map[string]any

// Stage is one ordered node of an execution.
type Stage struct {
	ID                   string              `json:"id"`
	RefID                string              `json:"refId,omitempty"`
	Type                 string              `json:"type"`
	Name                 string              `json:"name,omitempty"`
	StartTime            *int64              `json:"startTime,omitempty"`
	EndTime              *int64              `json:"endTime,omitempty"`
	Status               Status              `json:"status"`
	SyntheticStageOwner  SyntheticStageOwner `json:"syntheticStageOwner,omitempty"`
	ParentStageID        string              `json:"parentStageId,omitempty"`
	RequisiteStageRefIDs []string            `json:"requisiteStageRefIds,omitempty"`
	ScheduledTime        *int64              `json:"scheduledTime,omitempty"`
	Context              map[string]any      `json:"context,omitempty"`
	Outputs              map[string]any      `json:"outputs,omitempty"`
	Tasks                []Task              `json:"tasks,omitempty"`
	LastModified         map[string]any      `json:"lastModified,omitempty"`

	// Non-owning back-reference, reconstructed on load. The persisted form is
	// a tree; serializing this would cycle.
	execution *Execution
}

func NewStage(e *Execution, stageType, name string, context map[string]any) *Stage {
	s := &Stage{
		ID:        uuid.NewString(),
		Type:      stageType,
		Name:      name,
		Status:    StatusNotStarted,
		Context:   context,
		execution: e,
	}
	if e != nil {
		e.Stages = append(e.Stages, s)
	}
	return s
}

func (s *Stage) Execution() *Execution { return s.execution }

func (s *Stage) SetExecution(e *Execution) { s.execution = e }
