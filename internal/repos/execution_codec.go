package repos

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/yungbote/conductor-backend/internal/types"
)

// errMalformedRecord marks decode failures so streaming readers can skip a
// bad record without treating it as a backend fault.
var errMalformedRecord = errors.New("malformed execution record")

// The persisted form of an execution is a flat field-addressed hash plus an
// ordered stage-id list. Top-level scalars sit under fixed names; each stage
// contributes a fixed set of namespaced "stage.<id>.<suffix>" fields.

var stageFieldSuffixes = []string{
	"refId",
	"type",
	"name",
	"startTime",
	"endTime",
	"status",
	"syntheticStageOwner",
	"parentStageId",
	"requisiteStageRefIds",
	"scheduledTime",
	"context",
	"outputs",
	"tasks",
	"lastModified",
}

func stageFieldPrefix(stageID string) string {
	return "stage." + stageID + "."
}

// encodeExecution flattens an execution into its hash fields and the
// authoritative ordered stage-id list. Absent optional values are simply not
// emitted; the hash never holds the literal string "null".
func encodeExecution(e *types.Execution) (map[string]string, []string, error) {
	m := map[string]string{}

	m["application"] = e.Application
	status := e.Status
	if status == "" {
		status = types.StatusNotStarted
	}
	m["status"] = string(status)
	m["buildTime"] = strconv.FormatInt(e.BuildTime, 10)
	putInt64(m, "startTime", e.StartTime)
	putInt64(m, "endTime", e.EndTime)
	m["canceled"] = strconv.FormatBool(e.Canceled)
	putString(m, "canceledBy", e.CanceledBy)
	putString(m, "cancellationReason", e.CancellationReason)
	m["limitConcurrent"] = strconv.FormatBool(e.LimitConcurrent)
	m["keepWaitingPipelines"] = strconv.FormatBool(e.KeepWaitingPipelines)

	engine := e.ExecutionEngine
	if engine == "" {
		engine = types.DefaultExecutionEngine
	}
	m["executionEngine"] = engine
	putString(m, "origin", e.Origin)

	if e.Authentication != nil {
		if err := putJSON(m, "authentication", e.Authentication); err != nil {
			return nil, nil, err
		}
	}
	if e.Paused != nil {
		if err := putJSON(m, "paused", e.Paused); err != nil {
			return nil, nil, err
		}
	}
	if e.Trigger != nil {
		if err := putJSON(m, "trigger", e.Trigger); err != nil {
			return nil, nil, err
		}
	}
	if e.Context != nil {
		if err := putJSON(m, "context", e.Context); err != nil {
			return nil, nil, err
		}
	}

	switch e.Type {
	case types.PipelineType:
		putString(m, "name", e.Name)
		putString(m, "pipelineConfigId", e.PipelineConfigID)
		if len(e.Notifications) > 0 {
			if err := putJSON(m, "notifications", e.Notifications); err != nil {
				return nil, nil, err
			}
		}
		if e.InitialConfig != nil {
			if err := putJSON(m, "initialConfig", e.InitialConfig); err != nil {
				return nil, nil, err
			}
		}
	case types.OrchestrationType:
		putString(m, "description", e.Description)
	}

	order := make([]string, 0, len(e.Stages))
	for _, s := range e.Stages {
		order = append(order, s.ID)
		fields, _, err := encodeStage(s)
		if err != nil {
			return nil, nil, err
		}
		for k, v := range fields {
			m[k] = v
		}
	}
	if len(order) > 0 {
		m["stageIndex"] = strings.Join(order, ",")
	}

	return m, order, nil
}

// encodeStage returns the stage's namespaced present fields and the namespaced
// field names whose values are absent (callers delete those on incremental
// writes).
func encodeStage(s *types.Stage) (map[string]string, []string, error) {
	prefix := stageFieldPrefix(s.ID)
	m := map[string]string{}

	putString(m, prefix+"refId", s.RefID)
	putString(m, prefix+"type", s.Type)
	putString(m, prefix+"name", s.Name)
	putInt64(m, prefix+"startTime", s.StartTime)
	putInt64(m, prefix+"endTime", s.EndTime)
	status := s.Status
	if status == "" {
		status = types.StatusNotStarted
	}
	m[prefix+"status"] = string(status)
	putString(m, prefix+"syntheticStageOwner", string(s.SyntheticStageOwner))
	putString(m, prefix+"parentStageId", s.ParentStageID)
	if len(s.RequisiteStageRefIDs) > 0 {
		m[prefix+"requisiteStageRefIds"] = strings.Join(s.RequisiteStageRefIDs, ",")
	}
	putInt64(m, prefix+"scheduledTime", s.ScheduledTime)
	if s.Context != nil {
		if err := putJSON(m, prefix+"context", s.Context); err != nil {
			return nil, nil, err
		}
	}
	if s.Outputs != nil {
		if err := putJSON(m, prefix+"outputs", s.Outputs); err != nil {
			return nil, nil, err
		}
	}
	if len(s.Tasks) > 0 {
		if err := putJSON(m, prefix+"tasks", s.Tasks); err != nil {
			return nil, nil, err
		}
	}
	if s.LastModified != nil {
		if err := putJSON(m, prefix+"lastModified", s.LastModified); err != nil {
			return nil, nil, err
		}
	}

	var absent []string
	for _, suffix := range stageFieldSuffixes {
		if _, ok := m[prefix+suffix]; !ok {
			absent = append(absent, prefix+suffix)
		}
	}
	return m, absent, nil
}

// decodeExecution rebuilds the aggregate from its hash and ordered stage ids.
// The ordered list is authoritative; records written before the list existed
// fall back to the comma-joined stageIndex field.
func decodeExecution(t types.ExecutionType, id string, hash map[string]string, order []string) (*types.Execution, error) {
	e := &types.Execution{
		ID:          id,
		Type:        t,
		Application: hash["application"],
	}

	e.Status = types.Status(hash["status"])
	if e.Status == "" {
		e.Status = types.StatusNotStarted
	}

	var err error
	if e.BuildTime, err = parseInt64(hash["buildTime"]); err != nil {
		return nil, decodeErr(id, "buildTime", err)
	}
	if e.StartTime, err = parseInt64Opt(hash["startTime"]); err != nil {
		return nil, decodeErr(id, "startTime", err)
	}
	if e.EndTime, err = parseInt64Opt(hash["endTime"]); err != nil {
		return nil, decodeErr(id, "endTime", err)
	}
	e.Canceled = hash["canceled"] == "true"
	e.CanceledBy = hash["canceledBy"]
	e.CancellationReason = hash["cancellationReason"]
	e.LimitConcurrent = hash["limitConcurrent"] == "true"
	e.KeepWaitingPipelines = hash["keepWaitingPipelines"] == "true"

	e.ExecutionEngine = hash["executionEngine"]
	if e.ExecutionEngine == "" {
		e.ExecutionEngine = types.DefaultExecutionEngine
	}
	e.Origin = hash["origin"]

	if raw := hash["authentication"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Authentication); err != nil {
			return nil, decodeErr(id, "authentication", err)
		}
	}
	if raw := hash["paused"]; raw != "" {
		e.Paused = &types.PausedDetails{}
		if err := json.Unmarshal([]byte(raw), e.Paused); err != nil {
			return nil, decodeErr(id, "paused", err)
		}
	}
	if raw := hash["trigger"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Trigger); err != nil {
			return nil, decodeErr(id, "trigger", err)
		}
		e.Trigger = reifyTrigger(e.Trigger)
	}
	if raw := hash["context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Context); err != nil {
			return nil, decodeErr(id, "context", err)
		}
	}

	switch t {
	case types.PipelineType:
		e.Name = hash["name"]
		e.PipelineConfigID = hash["pipelineConfigId"]
		if raw := hash["notifications"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &e.Notifications); err != nil {
				return nil, decodeErr(id, "notifications", err)
			}
		}
		if raw := hash["initialConfig"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &e.InitialConfig); err != nil {
				return nil, decodeErr(id, "initialConfig", err)
			}
		}
	case types.OrchestrationType:
		e.Description = hash["description"]
	}

	if len(order) == 0 && hash["stageIndex"] != "" {
		order = strings.Split(hash["stageIndex"], ",")
	}
	for _, stageID := range order {
		if stageID == "" {
			continue
		}
		s, err := decodeStage(stageID, hash)
		if err != nil {
			return nil, err
		}
		s.SetExecution(e)
		e.Stages = append(e.Stages, s)
	}

	return e, nil
}

func decodeStage(stageID string, hash map[string]string) (*types.Stage, error) {
	prefix := stageFieldPrefix(stageID)
	s := &types.Stage{
		ID:            stageID,
		RefID:         hash[prefix+"refId"],
		Type:          hash[prefix+"type"],
		Name:          hash[prefix+"name"],
		ParentStageID: hash[prefix+"parentStageId"],
	}

	s.Status = types.Status(hash[prefix+"status"])
	if s.Status == "" {
		s.Status = types.StatusNotStarted
	}
	s.SyntheticStageOwner = types.SyntheticStageOwner(hash[prefix+"syntheticStageOwner"])

	var err error
	if s.StartTime, err = parseInt64Opt(hash[prefix+"startTime"]); err != nil {
		return nil, decodeErr(stageID, "startTime", err)
	}
	if s.EndTime, err = parseInt64Opt(hash[prefix+"endTime"]); err != nil {
		return nil, decodeErr(stageID, "endTime", err)
	}
	if s.ScheduledTime, err = parseInt64Opt(hash[prefix+"scheduledTime"]); err != nil {
		return nil, decodeErr(stageID, "scheduledTime", err)
	}

	if raw := hash[prefix+"requisiteStageRefIds"]; raw != "" {
		s.RequisiteStageRefIDs = strings.Split(raw, ",")
	}
	if raw := hash[prefix+"context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Context); err != nil {
			return nil, decodeErr(stageID, "context", err)
		}
	}
	if raw := hash[prefix+"outputs"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Outputs); err != nil {
			return nil, decodeErr(stageID, "outputs", err)
		}
	}
	if raw := hash[prefix+"tasks"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Tasks); err != nil {
			return nil, decodeErr(stageID, "tasks", err)
		}
	}
	if raw := hash[prefix+"lastModified"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.LastModified); err != nil {
			return nil, decodeErr(stageID, "lastModified", err)
		}
	}

	return s, nil
}

// reifyTrigger turns a nested "parentExecution" dictionary back into a typed
// execution, recursively: the parent's own trigger may carry a grandparent.
func reifyTrigger(trigger map[string]any) map[string]any {
	if trigger == nil {
		return nil
	}
	raw, ok := trigger["parentExecution"].(map[string]any)
	if !ok {
		return trigger
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return trigger
	}
	parent := &types.Execution{}
	if err := json.Unmarshal(b, parent); err != nil {
		return trigger
	}
	for _, s := range parent.Stages {
		s.SetExecution(parent)
	}
	parent.Trigger = reifyTrigger(parent.Trigger)
	trigger["parentExecution"] = parent
	return trigger
}

func putString(m map[string]string, field, v string) {
	if v == "" {
		return
	}
	m[field] = v
}

func putInt64(m map[string]string, field string, v *int64) {
	if v == nil {
		return
	}
	m[field] = strconv.FormatInt(*v, 10)
}

func putJSON(m map[string]string, field string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", field, err)
	}
	if string(b) == "null" {
		return nil
	}
	m[field] = string(b)
	return nil
}

func parseInt64(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func parseInt64Opt(v string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func decodeErr(id, field string, err error) error {
	return fmt.Errorf("%w: %s of %s: %v", errMalformedRecord, field, id, err)
}
