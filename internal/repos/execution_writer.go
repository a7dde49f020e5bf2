package repos

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	apperrors "github.com/yungbote/conductor-backend/internal/pkg/errors"
	"github.com/yungbote/conductor-backend/internal/types"
)

// Store writes the full aggregate and its secondary indices in one backend
// transaction, then (outside it) refreshes the correlation pointer when the
// trigger carries one. Correlation readers self-heal, so the pointer does not
// need the transaction.
func (r *redisExecutionRepository) Store(ctx context.Context, execution *types.Execution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution with id required: %w", apperrors.ErrInvalidArgument)
	}
	if execution.Type != types.PipelineType && execution.Type != types.OrchestrationType {
		return fmt.Errorf("unknown execution type %q: %w", execution.Type, apperrors.ErrInvalidArgument)
	}

	key := executionKey(execution.Type, execution.ID)
	client, err := r.backendFor(ctx, key)
	if err != nil {
		return err
	}

	fields, order, err := encodeExecution(execution)
	if err != nil {
		return err
	}
	fields = dropNullValues(fields)

	indexKey := stageIndexKey(execution.Type, execution.ID)
	_, err = client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, allJobsKey(execution.Type), execution.ID)
		pipe.SAdd(ctx, appKey(execution.Type, execution.Application), execution.ID)
		if execution.Type == types.PipelineType {
			pipe.ZAdd(ctx, executionsByPipelineKey(execution.PipelineConfigID), goredis.Z{
				Score:  float64(execution.BuildTime),
				Member: execution.ID,
			})
		}
		// Records written by old versions carried a serialized "config" field.
		pipe.HDel(ctx, key, "config")
		pipe.HSet(ctx, key, fields)
		pipe.Del(ctx, indexKey)
		if len(order) > 0 {
			pipe.RPush(ctx, indexKey, toMembers(order)...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if cid := execution.CorrelationID(); cid != "" {
		if err := client.Set(ctx, correlationKey(cid), execution.ID, 0).Err(); err != nil {
			return err
		}
	}
	return nil
}

// StoreStage rewrites one stage's namespaced fields; fields whose value is
// now absent are deleted in the same transaction.
func (r *redisExecutionRepository) StoreStage(ctx context.Context, stage *types.Stage) error {
	key, client, err := r.stageOwnerKey(ctx, stage)
	if err != nil {
		return err
	}

	fields, absent, err := encodeStage(stage)
	if err != nil {
		return err
	}
	fields = dropNullValues(fields)

	_, err = client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if len(absent) > 0 {
			pipe.HDel(ctx, key, absent...)
		}
		return nil
	})
	return err
}

// UpdateStageContext overwrites only the stage's context field.
func (r *redisExecutionRepository) UpdateStageContext(ctx context.Context, stage *types.Stage) error {
	key, client, err := r.stageOwnerKey(ctx, stage)
	if err != nil {
		return err
	}
	m := map[string]string{}
	if err := putJSON(m, stageFieldPrefix(stage.ID)+"context", stage.Context); err != nil {
		return err
	}
	if len(m) == 0 {
		return nil
	}
	return client.HSet(ctx, key, m).Err()
}

// AddStage inserts a synthetic stage next to its parent: the stage fields and
// the ordered-list splice commit together, then the denormalized stageIndex
// field is rewritten from a fresh read of the list.
func (r *redisExecutionRepository) AddStage(ctx context.Context, stage *types.Stage) error {
	if stage == nil || stage.SyntheticStageOwner == "" || stage.ParentStageID == "" {
		return fmt.Errorf("only synthetic stages can be inserted ad-hoc: %w", apperrors.ErrInvalidArgument)
	}

	key, client, err := r.stageOwnerKey(ctx, stage)
	if err != nil {
		return err
	}
	execution := stage.Execution()
	indexKey := stageIndexKey(execution.Type, execution.ID)

	fields, _, err := encodeStage(stage)
	if err != nil {
		return err
	}
	fields = dropNullValues(fields)

	_, err = client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if stage.SyntheticStageOwner == types.StageBefore {
			pipe.LInsertBefore(ctx, indexKey, stage.ParentStageID, stage.ID)
		} else {
			pipe.LInsertAfter(ctx, indexKey, stage.ParentStageID, stage.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	order, err := client.LRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return err
	}
	return client.HSet(ctx, key, "stageIndex", strings.Join(order, ",")).Err()
}

// RemoveStage drops a stage from the order and deletes its fields. The known
// suffix list is enumerated deterministically rather than scanning the hash.
func (r *redisExecutionRepository) RemoveStage(ctx context.Context, execution *types.Execution, stageID string) error {
	if execution == nil || execution.ID == "" || stageID == "" {
		return fmt.Errorf("execution and stage id required: %w", apperrors.ErrInvalidArgument)
	}

	key := executionKey(execution.Type, execution.ID)
	client, err := r.backendFor(ctx, key)
	if err != nil {
		return err
	}
	indexKey := stageIndexKey(execution.Type, execution.ID)

	listExists, err := client.Exists(ctx, indexKey).Result()
	if err != nil {
		return err
	}
	var current []string
	if listExists > 0 {
		if current, err = client.LRange(ctx, indexKey, 0, -1).Result(); err != nil {
			return err
		}
	} else {
		raw, err := client.HGet(ctx, key, "stageIndex").Result()
		if err != nil && err != goredis.Nil {
			return err
		}
		if raw != "" {
			current = strings.Split(raw, ",")
		}
	}

	remaining := make([]string, 0, len(current))
	for _, id := range current {
		if id != stageID {
			remaining = append(remaining, id)
		}
	}

	prefix := stageFieldPrefix(stageID)
	fields := make([]string, 0, len(stageFieldSuffixes))
	for _, suffix := range stageFieldSuffixes {
		fields = append(fields, prefix+suffix)
	}

	_, err = client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, "stageIndex", strings.Join(remaining, ","))
		if listExists > 0 {
			pipe.LRem(ctx, indexKey, 0, stageID)
		} else if len(remaining) > 0 {
			pipe.Del(ctx, indexKey)
			pipe.RPush(ctx, indexKey, toMembers(remaining)...)
		}
		pipe.HDel(ctx, key, fields...)
		return nil
	})
	return err
}

// stageOwnerKey resolves the stage's parent execution key and backend. All of
// one call's operations stay on the backend chosen here.
func (r *redisExecutionRepository) stageOwnerKey(ctx context.Context, stage *types.Stage) (string, *goredis.Client, error) {
	if stage == nil || stage.ID == "" {
		return "", nil, fmt.Errorf("stage with id required: %w", apperrors.ErrInvalidArgument)
	}
	execution := stage.Execution()
	if execution == nil || execution.ID == "" {
		return "", nil, fmt.Errorf("stage %s has no parent execution: %w", stage.ID, apperrors.ErrInvalidArgument)
	}
	key := executionKey(execution.Type, execution.ID)
	client, err := r.backendFor(ctx, key)
	if err != nil {
		return "", nil, err
	}
	return key, client, nil
}

// dropNullValues strips any field that would persist the literal "null".
func dropNullValues(fields map[string]string) map[string]string {
	for k, v := range fields {
		if v == "null" {
			delete(fields, k)
		}
	}
	return fields
}

func toMembers(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
