package repos

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	apperrors "github.com/yungbote/conductor-backend/internal/pkg/errors"
)

// backends returns the stores in routing order: primary first, then the
// previous store when a migration is in flight.
func (r *redisExecutionRepository) backends() []*goredis.Client {
	if r.previous == nil {
		return []*goredis.Client{r.primary}
	}
	return []*goredis.Client{r.primary, r.previous}
}

// backendFor locates the store currently holding key. The primary wins when
// both hold it; a record nobody holds routes to the primary (new writes land
// there). Results are deliberately uncached: records move as executions are
// migrated or cleared.
func (r *redisExecutionRepository) backendFor(ctx context.Context, key string) (*goredis.Client, error) {
	for _, client := range r.backends() {
		n, err := client.Exists(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return client, nil
		}
	}
	return r.primary, nil
}

// fetchKey resolves a bare execution id (or an already-qualified key) to the
// qualified key and the backend holding it. Both key forms are probed on both
// backends; ErrNotFound when nothing holds the id.
func (r *redisExecutionRepository) fetchKey(ctx context.Context, id string) (string, *goredis.Client, error) {
	var candidates []string
	if strings.HasPrefix(id, "pipeline:") || strings.HasPrefix(id, "orchestration:") {
		candidates = []string{id}
	} else {
		candidates = []string{"pipeline:" + id, "orchestration:" + id}
	}
	for _, client := range r.backends() {
		for _, key := range candidates {
			n, err := client.Exists(ctx, key).Result()
			if err != nil {
				return "", nil, err
			}
			if n > 0 {
				return key, client, nil
			}
		}
	}
	return "", nil, fmt.Errorf("no execution for id %s: %w", id, apperrors.ErrNotFound)
}
