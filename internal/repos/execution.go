package repos

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/yungbote/conductor-backend/internal/pkg/logger"
	"github.com/yungbote/conductor-backend/internal/platform/envutil"
	"github.com/yungbote/conductor-backend/internal/types"
)

// ExecutionCriteria narrows a streaming query. A zero Limit means unbounded;
// an empty Statuses set disables the status pre-filter.
type ExecutionCriteria struct {
	Statuses []types.Status
	Limit    int
}

func (c ExecutionCriteria) statusSet() map[types.Status]struct{} {
	if len(c.Statuses) == 0 {
		return nil
	}
	set := make(map[types.Status]struct{}, len(c.Statuses))
	for _, s := range c.Statuses {
		set[s] = struct{}{}
	}
	return set
}

// ExecutionRepository is the durable state layer for pipeline and
// orchestration executions: the aggregate store, lifecycle transitions, and
// streaming queries over the secondary indices.
type ExecutionRepository interface {
	Store(ctx context.Context, execution *types.Execution) error
	StoreStage(ctx context.Context, stage *types.Stage) error
	UpdateStageContext(ctx context.Context, stage *types.Stage) error
	AddStage(ctx context.Context, stage *types.Stage) error
	RemoveStage(ctx context.Context, execution *types.Execution, stageID string) error

	Cancel(ctx context.Context, id, user, reason string) error
	IsCanceled(ctx context.Context, id string) (bool, error)
	Pause(ctx context.Context, id, user string) error
	Resume(ctx context.Context, id, user string, ignoreCurrentStatus bool) error
	UpdateStatus(ctx context.Context, id string, status types.Status) error
	StoreExecutionContext(ctx context.Context, id string, content map[string]any) error

	Retrieve(ctx context.Context, executionType types.ExecutionType, id string) (*types.Execution, error)
	Delete(ctx context.Context, executionType types.ExecutionType, id string) error

	RetrieveAll(ctx context.Context, executionType types.ExecutionType) (<-chan *types.Execution, <-chan error)
	RetrievePipelinesForApplication(ctx context.Context, application string) (<-chan *types.Execution, <-chan error)
	RetrievePipelinesForPipelineConfigID(ctx context.Context, pipelineConfigID string, criteria ExecutionCriteria) (<-chan *types.Execution, <-chan error)
	RetrieveOrchestrationsForApplication(ctx context.Context, application string, criteria ExecutionCriteria) (<-chan *types.Execution, <-chan error)

	RetrieveOrchestrationForCorrelationID(ctx context.Context, correlationID string) (*types.Execution, error)
}

// Options tunes the repository's query fan-out.
type Options struct {
	// ChunkSize is how many execution ids one query worker decodes at a time.
	ChunkSize int
	// QueryAllPoolSize bounds workers for whole-table scans.
	QueryAllPoolSize int
	// QueryByAppPoolSize bounds workers for application/pipeline-scoped queries.
	QueryByAppPoolSize int
	// ContextRetryLimit caps the optimistic StoreExecutionContext loop.
	ContextRetryLimit int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 75
	}
	if o.QueryAllPoolSize <= 0 {
		o.QueryAllPoolSize = 10
	}
	if o.QueryByAppPoolSize <= 0 {
		o.QueryByAppPoolSize = 150
	}
	if o.ContextRetryLimit <= 0 {
		o.ContextRetryLimit = 10
	}
	return o
}

// OptionsFromEnv reads the recognized tuning knobs from the environment.
func OptionsFromEnv() Options {
	return Options{
		ChunkSize:          envutil.Int("EXECUTION_REPOSITORY_CHUNK_SIZE", 75),
		QueryByAppPoolSize: envutil.Int("EXECUTION_REPOSITORY_APP_QUERY_POOL", 150),
	}.withDefaults()
}

type redisExecutionRepository struct {
	log      *logger.Logger
	primary  *goredis.Client
	previous *goredis.Client
	opts     Options

	queryAllSem   *semaphore.Weighted
	queryByAppSem *semaphore.Weighted
}

// NewExecutionRepository builds the repository over a primary backend and an
// optional previous backend (nil when there is no migration in flight).
func NewExecutionRepository(primary, previous *goredis.Client, baseLog *logger.Logger, opts Options) (ExecutionRepository, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary redis client required")
	}
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	opts = opts.withDefaults()
	return &redisExecutionRepository{
		log:           baseLog.With("repo", "ExecutionRepository"),
		primary:       primary,
		previous:      previous,
		opts:          opts,
		queryAllSem:   semaphore.NewWeighted(int64(opts.QueryAllPoolSize)),
		queryByAppSem: semaphore.NewWeighted(int64(opts.QueryByAppPoolSize)),
	}, nil
}

// Key layout. Executions live in one hash per record; the stage order lives
// in a sibling list; sets and a per-config sorted set are the query indices.

const missingConfigSentinel = "---"

func executionKey(t types.ExecutionType, id string) string {
	return keyPrefix(t) + ":" + id
}

func stageIndexKey(t types.ExecutionType, id string) string {
	return executionKey(t, id) + ":stageIndex"
}

func allJobsKey(t types.ExecutionType) string {
	return "allJobs:" + keyPrefix(t)
}

func appKey(t types.ExecutionType, application string) string {
	return keyPrefix(t) + ":app:" + application
}

func executionsByPipelineKey(pipelineConfigID string) string {
	if pipelineConfigID == "" {
		pipelineConfigID = missingConfigSentinel
	}
	return "pipeline:executions:" + pipelineConfigID
}

func correlationKey(correlationID string) string {
	return "correlation:" + correlationID
}

func keyPrefix(t types.ExecutionType) string {
	return strings.ToLower(string(t))
}
