package repos

import (
	"context"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/yungbote/conductor-backend/internal/pkg/errors"
	"github.com/yungbote/conductor-backend/internal/types"
)

// Streaming queries share one algorithm: resolve seed ids from an index key
// on each backend, optionally pre-filter by status in one pipelined batch,
// apply the limit, dedupe across backends (the previous store's seed is
// reduced by the primary's chosen ids), then decode in chunks on a bounded
// worker pool, merging into a single channel. Stale seed ids are removed from
// their index on discovery.

type seedResult struct {
	ids      []string
	indexKey string
	// limited marks seeds whose limit was already applied at the index fetch.
	limited bool
}

type seedFunc func(ctx context.Context, client *goredis.Client) (seedResult, error)

// RetrieveAll streams every execution of a type, unfiltered, on the small
// whole-table-scan pool.
func (r *redisExecutionRepository) RetrieveAll(ctx context.Context, executionType types.ExecutionType) (<-chan *types.Execution, <-chan error) {
	seed := func(ctx context.Context, client *goredis.Client) (seedResult, error) {
		key := allJobsKey(executionType)
		ids, err := client.SMembers(ctx, key).Result()
		return seedResult{ids: ids, indexKey: key}, err
	}
	return r.streamExecutions(ctx, executionType, ExecutionCriteria{}, r.queryAllSem, seed)
}

func (r *redisExecutionRepository) RetrievePipelinesForApplication(ctx context.Context, application string) (<-chan *types.Execution, <-chan error) {
	seed := func(ctx context.Context, client *goredis.Client) (seedResult, error) {
		key := appKey(types.PipelineType, application)
		ids, err := client.SMembers(ctx, key).Result()
		return seedResult{ids: ids, indexKey: key}, err
	}
	return r.streamExecutions(ctx, types.PipelineType, ExecutionCriteria{}, r.queryByAppSem, seed)
}

func (r *redisExecutionRepository) RetrieveOrchestrationsForApplication(ctx context.Context, application string, criteria ExecutionCriteria) (<-chan *types.Execution, <-chan error) {
	seed := func(ctx context.Context, client *goredis.Client) (seedResult, error) {
		key := appKey(types.OrchestrationType, application)
		ids, err := client.SMembers(ctx, key).Result()
		return seedResult{ids: ids, indexKey: key}, err
	}
	return r.streamExecutions(ctx, types.OrchestrationType, criteria, r.queryByAppSem, seed)
}

// RetrievePipelinesForPipelineConfigID streams a pipeline config's executions
// newest-first. With no status filter and a single backend the limit is
// pushed down into the sorted-set range read; otherwise the full range is
// fetched so filtering and cross-backend dedup happen before the limit.
func (r *redisExecutionRepository) RetrievePipelinesForPipelineConfigID(ctx context.Context, pipelineConfigID string, criteria ExecutionCriteria) (<-chan *types.Execution, <-chan error) {
	seed := func(ctx context.Context, client *goredis.Client) (seedResult, error) {
		key := executionsByPipelineKey(pipelineConfigID)
		if len(criteria.Statuses) == 0 && criteria.Limit > 0 && r.previous == nil {
			ids, err := client.ZRevRange(ctx, key, 0, int64(criteria.Limit-1)).Result()
			return seedResult{ids: ids, indexKey: key, limited: true}, err
		}
		ids, err := client.ZRevRange(ctx, key, 0, -1).Result()
		return seedResult{ids: ids, indexKey: key}, err
	}
	return r.streamExecutions(ctx, types.PipelineType, criteria, r.queryByAppSem, seed)
}

type chunkWork struct {
	client   *goredis.Client
	indexKey string
	ids      []string
}

func (r *redisExecutionRepository) streamExecutions(ctx context.Context, executionType types.ExecutionType, criteria ExecutionCriteria, sem *semaphore.Weighted, seed seedFunc) (<-chan *types.Execution, <-chan error) {
	out := make(chan *types.Execution)
	errc := make(chan error, 8)

	go func() {
		defer close(out)
		defer close(errc)

		chosen := map[string]struct{}{}
		var work []chunkWork
		for _, client := range r.backends() {
			res, err := seed(ctx, client)
			if err != nil {
				pushErr(errc, err)
				continue
			}
			ids := subtract(res.ids, chosen)
			ids, err = r.applyCriteria(ctx, client, executionType, ids, criteria, res.limited)
			if err != nil {
				pushErr(errc, err)
				continue
			}
			for _, id := range ids {
				chosen[id] = struct{}{}
			}
			for start := 0; start < len(ids); start += r.opts.ChunkSize {
				end := start + r.opts.ChunkSize
				if end > len(ids) {
					end = len(ids)
				}
				work = append(work, chunkWork{client: client, indexKey: res.indexKey, ids: ids[start:end]})
			}
		}

		var wg sync.WaitGroup
		for _, w := range work {
			wg.Add(1)
			go func(w chunkWork) {
				defer wg.Done()
				r.processChunk(ctx, executionType, w, sem, out, errc)
			}(w)
		}
		wg.Wait()
	}()

	return out, errc
}

func (r *redisExecutionRepository) processChunk(ctx context.Context, executionType types.ExecutionType, w chunkWork, sem *semaphore.Weighted, out chan<- *types.Execution, errc chan error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	for _, id := range w.ids {
		if ctx.Err() != nil {
			return
		}
		execution, err := r.readExecution(ctx, w.client, executionType, id)
		switch {
		case err == nil:
			select {
			case out <- execution:
			case <-ctx.Done():
				return
			}
		case errors.Is(err, apperrors.ErrNotFound):
			r.healIndex(ctx, w.client, w.indexKey, id)
		case errors.Is(err, errMalformedRecord):
			r.log.Warn("skipping undecodable execution", "id", id, "error", err)
		default:
			r.log.Warn("failed reading execution during stream", "id", id, "error", err)
			pushErr(errc, err)
		}
	}
}

// applyCriteria narrows seed ids: when a status filter is present, all status
// fields are read in one pipelined batch per backend and the limit applies
// only to the survivors.
func (r *redisExecutionRepository) applyCriteria(ctx context.Context, client *goredis.Client, executionType types.ExecutionType, ids []string, criteria ExecutionCriteria, alreadyLimited bool) ([]string, error) {
	wanted := criteria.statusSet()
	if wanted == nil {
		if alreadyLimited {
			return ids, nil
		}
		return limitIDs(ids, criteria.Limit), nil
	}

	cmds := make([]*goredis.StringCmd, len(ids))
	_, err := client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, executionKey(executionType, id), "status")
		}
		return nil
	})
	if err != nil && err != goredis.Nil {
		return nil, err
	}

	kept := ids[:0:0]
	for i, id := range ids {
		status, err := cmds[i].Result()
		if err != nil {
			continue
		}
		if _, ok := wanted[types.Status(status)]; ok {
			kept = append(kept, id)
		}
	}
	return limitIDs(kept, criteria.Limit), nil
}

// healIndex removes a stale id from the seed index it came out of, choosing
// the remove command by the key's runtime type. Removes are idempotent, so
// concurrent readers racing on the same ghost are harmless.
func (r *redisExecutionRepository) healIndex(ctx context.Context, client *goredis.Client, indexKey, id string) {
	kind, err := client.Type(ctx, indexKey).Result()
	if err != nil {
		r.log.Warn("unable to type index for healing", "index", indexKey, "id", id, "error", err)
		return
	}
	switch kind {
	case "zset":
		err = client.ZRem(ctx, indexKey, id).Err()
	default:
		err = client.SRem(ctx, indexKey, id).Err()
	}
	if err != nil {
		r.log.Warn("unable to remove stale id from index", "index", indexKey, "id", id, "error", err)
		return
	}
	r.log.Debug("removed stale execution id from index", "index", indexKey, "id", id)
}

func subtract(ids []string, taken map[string]struct{}) []string {
	if len(taken) == 0 {
		return ids
	}
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := taken[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func limitIDs(ids []string, limit int) []string {
	if limit > 0 && len(ids) > limit {
		return ids[:limit]
	}
	return ids
}

func pushErr(errc chan error, err error) {
	select {
	case errc <- err:
	default:
	}
}
