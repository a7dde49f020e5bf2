package repos

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	apperrors "github.com/yungbote/conductor-backend/internal/pkg/errors"
	"github.com/yungbote/conductor-backend/internal/types"
)

// RetrieveOrchestrationForCorrelationID resolves a correlation key to the
// in-flight orchestration it points at. A pointer to a completed
// orchestration is stale: it is deleted on discovery and the lookup misses.
func (r *redisExecutionRepository) RetrieveOrchestrationForCorrelationID(ctx context.Context, correlationID string) (*types.Execution, error) {
	key := correlationKey(correlationID)
	for _, client := range r.backends() {
		id, err := client.Get(ctx, key).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}

		orchestration, err := r.Retrieve(ctx, types.OrchestrationType, id)
		if err != nil {
			return nil, err
		}
		if !orchestration.Status.Complete() {
			return orchestration, nil
		}
		if err := client.Del(ctx, key).Err(); err != nil {
			return nil, err
		}
		break
	}
	return nil, fmt.Errorf("no in-flight orchestration for correlation id %s: %w", correlationID, apperrors.ErrNotFound)
}
