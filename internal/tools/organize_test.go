package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cayde/coworker-server/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	testStore, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = testStore.Close() })
	return testStore
}

func TestOrganizePlanByExtIsDeterministic(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.txt"), "hello")
	mustWriteFile(t, filepath.Join(root, "b.jpg"), "image-bytes")

	params, _ := json.Marshal(organizePlanParams{Root: root, Policy: PolicyByExt})
	toolCtx := Context{Params: params, AllowedRoots: []string{root}}

	first, err := handleOrganizePlan(context.Background(), toolCtx)
	if err != nil {
		t.Fatalf("handleOrganizePlan: %v", err)
	}
	second, err := handleOrganizePlan(context.Background(), toolCtx)
	if err != nil {
		t.Fatalf("handleOrganizePlan (second): %v", err)
	}
	if string(first.Bytes) != string(second.Bytes) {
		t.Fatalf("expected re-planning over unchanged inputs to be byte-identical")
	}

	var plan organizePlan
	if err := json.Unmarshal(first.Bytes, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if len(plan.Moves) != 2 {
		t.Fatalf("expected 2 moves, got %d", len(plan.Moves))
	}
}

func TestExecutePlanMovesFilesAndRecognizesPriorMoveOnRetry(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.txt"), "hello")

	testStore := openTestStore(t)
	ctx := context.Background()

	planParams, _ := json.Marshal(organizePlanParams{Root: root, Policy: PolicyByExt})
	planOutput, err := handleOrganizePlan(ctx, Context{Params: planParams, AllowedRoots: []string{root}})
	if err != nil {
		t.Fatalf("handleOrganizePlan: %v", err)
	}

	planJob, _, err := testStore.SubmitJob(ctx, store.SubmitJobArgs{DedupeKey: "plan", Type: "organize_plan", AllowedRoots: []string{root}})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, _, err := testStore.ClaimNextJob(ctx, "worker-a", time.Now(), time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := testStore.CompleteJob(ctx, planJob.ID, "worker-a", store.JobSucceeded, planOutput.Bytes, planOutput.ContentType, ""); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	execParams, _ := json.Marshal(executePlanParams{PlanJobID: planJob.ID})
	execCtx := Context{Params: execParams, AllowedRoots: []string{root}, Store: testStore}

	firstRun, err := handleExecutePlan(ctx, execCtx)
	if err != nil {
		t.Fatalf("handleExecutePlan (first): %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "txt", "a.txt")); err != nil {
		t.Fatalf("expected a.txt to be moved into txt/, got %v", err)
	}

	// Re-run against the same plan without recreating the source: this is
	// what a real lease-reclaim retry looks like (spec.md §4.3) — the
	// crashed worker's earlier attempt already renamed the file away, so
	// `from` genuinely no longer exists. The retry must recognize the
	// pre-existing destination as a successful prior move, not hard-error
	// trying to re-read a source that's gone.
	secondRun, err := handleExecutePlan(ctx, execCtx)
	if err != nil {
		t.Fatalf("handleExecutePlan (second, reclaim retry): %v", err)
	}

	var outcomes struct {
		Outcomes []moveOutcome `json:"outcomes"`
	}
	if err := json.Unmarshal(secondRun.Bytes, &outcomes); err != nil {
		t.Fatalf("unmarshal outcomes: %v", err)
	}
	if len(outcomes.Outcomes) != 1 || outcomes.Outcomes[0].Outcome != "already_moved" {
		t.Fatalf("expected already_moved outcome, got %+v", outcomes.Outcomes)
	}
	_ = firstRun
}

// TestExecutePlanSkipsIdenticalPreexistingDestination covers the other
// destination-exists branch: the source file is still present (this plan
// never actually ran before), but something unrelated already put an
// identical copy at the destination path. That must still be skipped as
// a no-op rather than treated as a conflict.
func TestExecutePlanSkipsIdenticalPreexistingDestination(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.txt"), "hello")
	if err := os.MkdirAll(filepath.Join(root, "txt"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	mustWriteFile(t, filepath.Join(root, "txt", "a.txt"), "hello")

	testStore := openTestStore(t)
	ctx := context.Background()

	planParams, _ := json.Marshal(organizePlanParams{Root: root, Policy: PolicyByExt})
	planOutput, err := handleOrganizePlan(ctx, Context{Params: planParams, AllowedRoots: []string{root}})
	if err != nil {
		t.Fatalf("handleOrganizePlan: %v", err)
	}

	planJob, _, err := testStore.SubmitJob(ctx, store.SubmitJobArgs{DedupeKey: "plan-identical", Type: "organize_plan", AllowedRoots: []string{root}})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, _, err := testStore.ClaimNextJob(ctx, "worker-a", time.Now(), time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := testStore.CompleteJob(ctx, planJob.ID, "worker-a", store.JobSucceeded, planOutput.Bytes, planOutput.ContentType, ""); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	execParams, _ := json.Marshal(executePlanParams{PlanJobID: planJob.ID})
	execOutput, err := handleExecutePlan(ctx, Context{Params: execParams, AllowedRoots: []string{root}, Store: testStore})
	if err != nil {
		t.Fatalf("handleExecutePlan: %v", err)
	}

	var outcomes struct {
		Outcomes []moveOutcome `json:"outcomes"`
	}
	if err := json.Unmarshal(execOutput.Bytes, &outcomes); err != nil {
		t.Fatalf("unmarshal outcomes: %v", err)
	}
	if len(outcomes.Outcomes) != 1 || outcomes.Outcomes[0].Outcome != "skipped_identical" {
		t.Fatalf("expected skipped_identical outcome, got %+v", outcomes.Outcomes)
	}
}

func mustWriteFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}
