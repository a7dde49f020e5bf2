package repos

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/conductor-backend/internal/pkg/logger"
	"github.com/yungbote/conductor-backend/internal/types"
)

func newBackend(t *testing.T) *goredis.Client {
	t.Helper()
	m := miniredis.RunT(t)
	c := goredis.NewClient(&goredis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newRepo(t *testing.T) (ExecutionRepository, *goredis.Client) {
	t.Helper()
	c := newBackend(t)
	repo, err := NewExecutionRepository(c, nil, logger.NewNop(), Options{})
	if err != nil {
		t.Fatalf("build repository: %v", err)
	}
	return repo, c
}

func newDualRepo(t *testing.T) (ExecutionRepository, *goredis.Client, *goredis.Client) {
	t.Helper()
	primary := newBackend(t)
	previous := newBackend(t)
	repo, err := NewExecutionRepository(primary, previous, logger.NewNop(), Options{})
	if err != nil {
		t.Fatalf("build repository: %v", err)
	}
	return repo, primary, previous
}

func pipelineFixture(id, application, configID string, buildTime int64) *types.Execution {
	e := types.NewPipeline(application)
	e.ID = id
	e.PipelineConfigID = configID
	e.BuildTime = buildTime
	return e
}

func orchestrationFixture(id, application string) *types.Execution {
	e := types.NewOrchestration(application)
	e.ID = id
	return e
}

func addStageFixture(e *types.Execution, id, stageType string) *types.Stage {
	s := types.NewStage(e, stageType, stageType, nil)
	s.ID = id
	return s
}

// drain consumes a stream to completion and fails the test on any error the
// stream surfaced.
func drain(t *testing.T, executions <-chan *types.Execution, errs <-chan error) []*types.Execution {
	t.Helper()
	var out []*types.Execution
	timeout := time.After(5 * time.Second)
	for executions != nil || errs != nil {
		select {
		case e, ok := <-executions:
			if !ok {
				executions = nil
				continue
			}
			out = append(out, e)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.Fatalf("stream error: %v", err)
		case <-timeout:
			t.Fatalf("stream did not complete")
		}
	}
	return out
}

func idsOf(executions []*types.Execution) map[string]bool {
	out := map[string]bool{}
	for _, e := range executions {
		out[e.ID] = true
	}
	return out
}

func mustStore(t *testing.T, repo ExecutionRepository, e *types.Execution) {
	t.Helper()
	if err := repo.Store(context.Background(), e); err != nil {
		t.Fatalf("store %s: %v", e.ID, err)
	}
}
