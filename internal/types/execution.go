package types

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionType distinguishes the two workflow record kinds the repository
// stores: long-running versioned pipelines and ad-hoc orchestrations.
type ExecutionType string

const (
	PipelineType      ExecutionType = "PIPELINE"
	OrchestrationType ExecutionType = "ORCHESTRATION"
)

// DefaultExecutionEngine is assumed for records whose engine tag is missing
// (written by versions that predate the field).
const DefaultExecutionEngine = "v3"

// Execution is the root aggregate: one run of a pipeline or orchestration,
// together with its ordered stages.
type Execution struct {
	ID          string        `json:"id"`
	Type        ExecutionType `json:"type"`
	Application string        `json:"application"`

	// Pipeline-only fields.
	Name             string           `json:"name,omitempty"`
	PipelineConfigID string           `json:"pipelineConfigId,omitempty"`
	Notifications    []map[string]any `json:"notifications,omitempty"`
	InitialConfig    map[string]any   `json:"initialConfig,omitempty"`

	// Orchestration-only field.
	Description string `json:"description,omitempty"`

	BuildTime int64  `json:"buildTime"`
	StartTime *int64 `json:"startTime,omitempty"`
	EndTime   *int64 `json:"endTime,omitempty"`
	Status    Status `json:"status"`

	Canceled           bool   `json:"canceled"`
	CanceledBy         string `json:"canceledBy,omitempty"`
	CancellationReason string `json:"cancellationReason,omitempty"`

	LimitConcurrent      bool `json:"limitConcurrent"`
	KeepWaitingPipelines bool `json:"keepWaitingPipelines"`

	Authentication  map[string]any `json:"authentication,omitempty"`
	Paused          *PausedDetails `json:"paused,omitempty"`
	ExecutionEngine string         `json:"executionEngine,omitempty"`
	Origin          string         `json:"origin,omitempty"`

	// Context is execution-global state merged in by the runner as stages
	// complete.
	Context map[string]any `json:"context,omitempty"`

	// Trigger is an opaque dictionary. Two keys carry repository semantics:
	// "correlationId" (indexes in-flight orchestrations) and "parentExecution"
	// (reified into an *Execution on decode).
	Trigger map[string]any `json:"trigger,omitempty"`

	Stages []*Stage `json:"stages,omitempty"`
}

// PausedDetails records who paused/resumed an execution and when (ms epoch).
type PausedDetails struct {
	PausedBy   string `json:"pausedBy,omitempty"`
	ResumedBy  string `json:"resumedBy,omitempty"`
	PauseTime  int64  `json:"pauseTime,omitempty"`
	ResumeTime int64  `json:"resumeTime,omitempty"`
}

func (p *PausedDetails) IsPaused() bool {
	if p == nil {
		return false
	}
	return p.PauseTime > 0 && p.ResumeTime == 0
}

func NewPipeline(application string) *Execution {
	return newExecution(PipelineType, application)
}

func NewOrchestration(application string) *Execution {
	return newExecution(OrchestrationType, application)
}

func newExecution(t ExecutionType, application string) *Execution {
	return &Execution{
		ID:              uuid.NewString(),
		Type:            t,
		Application:     application,
		BuildTime:       time.Now().UnixMilli(),
		Status:          StatusNotStarted,
		ExecutionEngine: DefaultExecutionEngine,
	}
}

// StageByID returns the stage with the given id, or nil.
func (e *Execution) StageByID(id string) *Stage {
	for _, s := range e.Stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// CorrelationID returns trigger["correlationId"] when present and a string.
func (e *Execution) CorrelationID() string {
	if e.Trigger == nil {
		return ""
	}
	if v, ok := e.Trigger["correlationId"].(string); ok {
		return v
	}
	return ""
}
