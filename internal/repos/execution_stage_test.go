package repos

import (
	"context"
	"errors"
	"strings"
	"testing"

	apperrors "github.com/yungbote/conductor-backend/internal/pkg/errors"
	"github.com/yungbote/conductor-backend/internal/types"
)

func storedOrder(t *testing.T, repo ExecutionRepository, executionType types.ExecutionType, id string) []string {
	t.Helper()
	got, err := repo.Retrieve(context.Background(), executionType, id)
	if err != nil {
		t.Fatalf("retrieve %s: %v", id, err)
	}
	order := make([]string, 0, len(got.Stages))
	for _, s := range got.Stages {
		order = append(order, s.ID)
	}
	return order
}

func TestAddStageBefore(t *testing.T) {
	repo, client := newRepo(t)
	ctx := context.Background()

	e := orchestrationFixture("o1", "demo")
	addStageFixture(e, "A", "wait")
	parent := addStageFixture(e, "B", "wait")
	addStageFixture(e, "C", "wait")
	mustStore(t, repo, e)

	x := types.NewStage(e, "wait", "injected", nil)
	x.ID = "X"
	x.SyntheticStageOwner = types.StageBefore
	x.ParentStageID = parent.ID
	if err := repo.AddStage(ctx, x); err != nil {
		t.Fatalf("addStage: %v", err)
	}

	order := storedOrder(t, repo, types.OrchestrationType, "o1")
	if strings.Join(order, ",") != "A,X,B,C" {
		t.Fatalf("order = %v, want A,X,B,C", order)
	}
	field, err := client.HGet(ctx, "orchestration:o1", "stageIndex").Result()
	if err != nil {
		t.Fatalf("hget stageIndex: %v", err)
	}
	if field != "A,X,B,C" {
		t.Fatalf("stageIndex field = %q, want A,X,B,C", field)
	}
}

func TestAddStageAfter(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	e := orchestrationFixture("o1", "demo")
	addStageFixture(e, "A", "wait")
	addStageFixture(e, "B", "wait")
	addStageFixture(e, "C", "wait")
	mustStore(t, repo, e)

	x := types.NewStage(e, "wait", "injected", nil)
	x.ID = "X"
	x.SyntheticStageOwner = types.StageAfter
	x.ParentStageID = "B"
	if err := repo.AddStage(ctx, x); err != nil {
		t.Fatalf("addStage: %v", err)
	}

	order := storedOrder(t, repo, types.OrchestrationType, "o1")
	if strings.Join(order, ",") != "A,B,X,C" {
		t.Fatalf("order = %v, want A,B,X,C", order)
	}
}

func TestAddStageRejectsNonSynthetic(t *testing.T) {
	repo, _ := newRepo(t)

	e := orchestrationFixture("o1", "demo")
	addStageFixture(e, "A", "wait")
	mustStore(t, repo, e)

	plain := types.NewStage(e, "wait", "plain", nil)
	plain.ID = "P"
	if err := repo.AddStage(context.Background(), plain); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}

	orphan := types.NewStage(e, "wait", "orphan", nil)
	orphan.ID = "Q"
	orphan.SyntheticStageOwner = types.StageBefore
	if err := repo.AddStage(context.Background(), orphan); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument for missing parent", err)
	}
}

func TestStoreStageDeletesAbsentFields(t *testing.T) {
	repo, client := newRepo(t)
	ctx := context.Background()

	e := orchestrationFixture("o1", "demo")
	s := addStageFixture(e, "s1", "wait")
	s.Outputs = map[string]any{"result": "ok"}
	mustStore(t, repo, e)

	s.Outputs = nil
	s.Context = map[string]any{"retries": float64(2)}
	if err := repo.StoreStage(ctx, s); err != nil {
		t.Fatalf("storeStage: %v", err)
	}

	exists, err := client.HExists(ctx, "orchestration:o1", "stage.s1.outputs").Result()
	if err != nil {
		t.Fatalf("hexists: %v", err)
	}
	if exists {
		t.Fatalf("absent outputs field should have been deleted")
	}
	got, err := repo.Retrieve(ctx, types.OrchestrationType, "o1")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.Stages[0].Outputs != nil {
		t.Fatalf("outputs = %v, want nil", got.Stages[0].Outputs)
	}
	if got.Stages[0].Context["retries"] != float64(2) {
		t.Fatalf("context lost: %v", got.Stages[0].Context)
	}
}

func TestUpdateStageContextOnly(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	e := orchestrationFixture("o1", "demo")
	s := addStageFixture(e, "s1", "wait")
	s.Name = "original"
	s.Context = map[string]any{"a": "1"}
	mustStore(t, repo, e)

	s.Name = "renamed locally, not persisted by this op"
	s.Context = map[string]any{"a": "2", "b": "3"}
	if err := repo.UpdateStageContext(ctx, s); err != nil {
		t.Fatalf("updateStageContext: %v", err)
	}

	got, err := repo.Retrieve(ctx, types.OrchestrationType, "o1")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	gs := got.Stages[0]
	if gs.Name != "original" {
		t.Fatalf("name = %q; updateStageContext must only touch context", gs.Name)
	}
	if gs.Context["a"] != "2" || gs.Context["b"] != "3" {
		t.Fatalf("context = %v", gs.Context)
	}
}

func TestRemoveStage(t *testing.T) {
	repo, client := newRepo(t)
	ctx := context.Background()

	e := orchestrationFixture("o1", "demo")
	addStageFixture(e, "A", "wait")
	b := addStageFixture(e, "B", "wait")
	b.Context = map[string]any{"x": "y"}
	addStageFixture(e, "C", "wait")
	mustStore(t, repo, e)

	if err := repo.RemoveStage(ctx, e, "B"); err != nil {
		t.Fatalf("removeStage: %v", err)
	}

	order := storedOrder(t, repo, types.OrchestrationType, "o1")
	if strings.Join(order, ",") != "A,C" {
		t.Fatalf("order = %v, want A,C", order)
	}
	field, err := client.HGet(ctx, "orchestration:o1", "stageIndex").Result()
	if err != nil || field != "A,C" {
		t.Fatalf("stageIndex field = %q (err=%v), want A,C", field, err)
	}

	fields, err := client.HKeys(ctx, "orchestration:o1").Result()
	if err != nil {
		t.Fatalf("hkeys: %v", err)
	}
	for _, f := range fields {
		if strings.HasPrefix(f, "stage.B.") {
			t.Fatalf("residual field %s after removeStage", f)
		}
	}
}

func TestRemoveStageLegacyRecord(t *testing.T) {
	repo, client := newRepo(t)
	ctx := context.Background()

	e := orchestrationFixture("o1", "demo")
	addStageFixture(e, "A", "wait")
	addStageFixture(e, "B", "wait")
	addStageFixture(e, "C", "wait")
	mustStore(t, repo, e)

	// Legacy record: order only in the denormalized field.
	if err := client.Del(ctx, "orchestration:o1:stageIndex").Err(); err != nil {
		t.Fatalf("del: %v", err)
	}

	if err := repo.RemoveStage(ctx, e, "B"); err != nil {
		t.Fatalf("removeStage: %v", err)
	}

	list, err := client.LRange(ctx, "orchestration:o1:stageIndex", 0, -1).Result()
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if strings.Join(list, ",") != "A,C" {
		t.Fatalf("re-materialized list = %v, want A,C", list)
	}
}

func TestStageIndexAgreementAfterWrites(t *testing.T) {
	repo, client := newRepo(t)
	ctx := context.Background()

	agreement := func(step string) {
		t.Helper()
		list, err := client.LRange(ctx, "orchestration:o1:stageIndex", 0, -1).Result()
		if err != nil {
			t.Fatalf("%s: lrange: %v", step, err)
		}
		field, err := client.HGet(ctx, "orchestration:o1", "stageIndex").Result()
		if err != nil {
			t.Fatalf("%s: hget: %v", step, err)
		}
		if strings.Join(list, ",") != field {
			t.Fatalf("%s: list %v != field %q", step, list, field)
		}
	}

	e := orchestrationFixture("o1", "demo")
	addStageFixture(e, "A", "wait")
	addStageFixture(e, "B", "wait")
	mustStore(t, repo, e)
	agreement("store")

	x := types.NewStage(e, "wait", "x", nil)
	x.ID = "X"
	x.SyntheticStageOwner = types.StageAfter
	x.ParentStageID = "A"
	if err := repo.AddStage(ctx, x); err != nil {
		t.Fatalf("addStage: %v", err)
	}
	agreement("addStage")

	if err := repo.RemoveStage(ctx, e, "B"); err != nil {
		t.Fatalf("removeStage: %v", err)
	}
	agreement("removeStage")
}
