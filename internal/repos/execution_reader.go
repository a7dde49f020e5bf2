package repos

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	apperrors "github.com/yungbote/conductor-backend/internal/pkg/errors"
	"github.com/yungbote/conductor-backend/internal/types"
)

// Retrieve loads one execution from whichever backend holds it.
func (r *redisExecutionRepository) Retrieve(ctx context.Context, executionType types.ExecutionType, id string) (*types.Execution, error) {
	key := executionKey(executionType, id)
	client, err := r.backendFor(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.readExecution(ctx, client, executionType, id)
}

// readExecution reads the hash and the ordered stage-id list in one
// transaction, so a concurrent stage write cannot leave the index and the
// stage fields visibly out of step, and decodes the aggregate.
func (r *redisExecutionRepository) readExecution(ctx context.Context, client *goredis.Client, executionType types.ExecutionType, id string) (*types.Execution, error) {
	key := executionKey(executionType, id)

	var hashCmd *goredis.MapStringStringCmd
	var orderCmd *goredis.StringSliceCmd
	_, err := client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		hashCmd = pipe.HGetAll(ctx, key)
		orderCmd = pipe.LRange(ctx, stageIndexKey(executionType, id), 0, -1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	hash := hashCmd.Val()
	if len(hash) == 0 {
		return nil, fmt.Errorf("execution not found: %s %s: %w", executionType, id, apperrors.ErrNotFound)
	}
	return decodeExecution(executionType, id, hash, orderCmd.Val())
}
