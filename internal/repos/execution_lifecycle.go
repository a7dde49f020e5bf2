package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	apperrors "github.com/yungbote/conductor-backend/internal/pkg/errors"
	"github.com/yungbote/conductor-backend/internal/types"
)

// Cancel flags the execution as canceled. A NOT_STARTED execution is moved to
// CANCELED outright; a running one keeps its status and the runner observes
// the flag and stops.
func (r *redisExecutionRepository) Cancel(ctx context.Context, id, user, reason string) error {
	key, client, err := r.fetchKey(ctx, id)
	if err != nil {
		return err
	}
	status, err := r.currentStatus(ctx, client, key)
	if err != nil {
		return err
	}

	fields := map[string]string{"canceled": "true"}
	if user != "" {
		fields["canceledBy"] = user
	}
	if reason != "" {
		fields["cancellationReason"] = reason
	}
	if status == types.StatusNotStarted {
		fields["status"] = string(types.StatusCanceled)
	}
	return client.HSet(ctx, key, fields).Err()
}

func (r *redisExecutionRepository) IsCanceled(ctx context.Context, id string) (bool, error) {
	key, client, err := r.fetchKey(ctx, id)
	if err != nil {
		return false, err
	}
	v, err := client.HGet(ctx, key, "canceled").Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// Pause suspends a running execution.
func (r *redisExecutionRepository) Pause(ctx context.Context, id, user string) error {
	key, client, err := r.fetchKey(ctx, id)
	if err != nil {
		return err
	}
	status, err := r.currentStatus(ctx, client, key)
	if err != nil {
		return err
	}
	if status != types.StatusRunning {
		return fmt.Errorf("unable to pause execution %s with status %s: %w", id, status, apperrors.ErrInvalidState)
	}

	paused := &types.PausedDetails{
		PausedBy:  user,
		PauseTime: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(paused)
	if err != nil {
		return err
	}
	return client.HSet(ctx, key, map[string]string{
		"paused": string(raw),
		"status": string(types.StatusPaused),
	}).Err()
}

// Resume restarts a paused execution. ignoreCurrentStatus skips the PAUSED
// precondition for crash-recovery callers.
func (r *redisExecutionRepository) Resume(ctx context.Context, id, user string, ignoreCurrentStatus bool) error {
	key, client, err := r.fetchKey(ctx, id)
	if err != nil {
		return err
	}
	if !ignoreCurrentStatus {
		status, err := r.currentStatus(ctx, client, key)
		if err != nil {
			return err
		}
		if status != types.StatusPaused {
			return fmt.Errorf("unable to resume execution %s with status %s: %w", id, status, apperrors.ErrInvalidState)
		}
	}

	paused := &types.PausedDetails{}
	if raw, err := client.HGet(ctx, key, "paused").Result(); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), paused); err != nil {
			return fmt.Errorf("decode paused of %s: %w", id, err)
		}
	} else if err != nil && err != goredis.Nil {
		return err
	}
	paused.ResumedBy = user
	paused.ResumeTime = time.Now().UnixMilli()

	raw, err := json.Marshal(paused)
	if err != nil {
		return err
	}
	return client.HSet(ctx, key, map[string]string{
		"paused": string(raw),
		"status": string(types.StatusRunning),
	}).Err()
}

// UpdateStatus writes the status and the timestamps it implies. RUNNING also
// clears the canceled flag (a restarted execution is no longer canceled).
func (r *redisExecutionRepository) UpdateStatus(ctx context.Context, id string, status types.Status) error {
	key, client, err := r.fetchKey(ctx, id)
	if err != nil {
		return err
	}

	fields := map[string]string{"status": string(status)}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if status == types.StatusRunning {
		fields["canceled"] = "false"
		fields["startTime"] = now
	} else if status.Complete() {
		fields["endTime"] = now
	}
	return client.HSet(ctx, key, fields).Err()
}

// Delete removes the execution and its index memberships. Index lookups are
// best-effort; the per-execution hash and the allJobs membership are removed
// even when those lookups fail.
func (r *redisExecutionRepository) Delete(ctx context.Context, executionType types.ExecutionType, id string) error {
	key := executionKey(executionType, id)
	client, err := r.backendFor(ctx, key)
	if err != nil {
		return err
	}

	var firstErr error
	app, err := client.HGet(ctx, key, "application").Result()
	if err != nil && err != goredis.Nil {
		firstErr = err
	} else if app != "" {
		if err := client.SRem(ctx, appKey(executionType, app), id).Err(); err != nil {
			firstErr = err
		}
	}

	if executionType == types.PipelineType {
		cfg, err := client.HGet(ctx, key, "pipelineConfigId").Result()
		if err != nil && err != goredis.Nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if err := client.ZRem(ctx, executionsByPipelineKey(cfg), id).Err(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := client.Del(ctx, key, stageIndexKey(executionType, id)).Err(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := client.SRem(ctx, allJobsKey(executionType), id).Err(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// StoreExecutionContext merges a delta into the execution-level context field
// under an optimistic watch/multi/exec loop: concurrent writers restart each
// other, and every committed write is a merge over the latest value.
func (r *redisExecutionRepository) StoreExecutionContext(ctx context.Context, id string, content map[string]any) error {
	if len(content) == 0 {
		return nil
	}
	key, client, err := r.fetchKey(ctx, id)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < r.opts.ContextRetryLimit; attempt++ {
		err := client.Watch(ctx, func(tx *goredis.Tx) error {
			existing := map[string]any{}
			raw, err := tx.HGet(ctx, key, "context").Result()
			if err != nil && err != goredis.Nil {
				return err
			}
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &existing); err != nil {
					return fmt.Errorf("decode context of %s: %w", id, err)
				}
			}
			for k, v := range content {
				existing[k] = v
			}
			merged, err := json.Marshal(existing)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, key, "context", string(merged))
				return nil
			})
			return err
		}, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		r.log.Debug("execution context write contended, retrying", "id", id, "attempt", attempt+1)
	}
	return fmt.Errorf("gave up storing context for %s after %d contended attempts", id, r.opts.ContextRetryLimit)
}

func (r *redisExecutionRepository) currentStatus(ctx context.Context, client *goredis.Client, key string) (types.Status, error) {
	v, err := client.HGet(ctx, key, "status").Result()
	if err == goredis.Nil {
		return types.StatusNotStarted, nil
	}
	if err != nil {
		return "", err
	}
	if v == "" {
		return types.StatusNotStarted, nil
	}
	return types.Status(v), nil
}
