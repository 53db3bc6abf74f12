package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	testStore, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = testStore.Close() })
	return testStore
}

func TestCreateSessionAndAuthenticate(t *testing.T) {
	testStore := openTestStore(t)
	ctx := context.Background()

	session, err := testStore.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.ID == "" || session.Token == "" {
		t.Fatalf("expected non-empty session id/token, got %+v", session)
	}

	if !testStore.Authenticate(ctx, session.ID, session.Token) {
		t.Fatalf("expected authenticate to succeed with correct credentials")
	}
	if testStore.Authenticate(ctx, session.ID, "wrong-token") {
		t.Fatalf("expected authenticate to fail with wrong token")
	}
	if testStore.Authenticate(ctx, "unknown-session", session.Token) {
		t.Fatalf("expected authenticate to fail with unknown session")
	}
	if testStore.Authenticate(ctx, "", "") {
		t.Fatalf("expected authenticate to fail with empty credentials")
	}
}

func TestSubmitJobIsIdempotentOverDedupeKey(t *testing.T) {
	testStore := openTestStore(t)
	ctx := context.Background()

	args := SubmitJobArgs{
		DedupeKey:    "k1",
		Type:         "dir_scan",
		AllowedRoots: []string{"/W"},
		Params:       json.RawMessage(`{"root":"/W"}`),
	}

	first, created, err := testStore.SubmitJob(ctx, args)
	if err != nil {
		t.Fatalf("SubmitJob (first): %v", err)
	}
	if !created {
		t.Fatalf("expected first submission to be created")
	}

	second, created, err := testStore.SubmitJob(ctx, args)
	if err != nil {
		t.Fatalf("SubmitJob (second): %v", err)
	}
	if created {
		t.Fatalf("expected second submission to be deduped, not created")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same job_id on dedupe, got %s vs %s", first.ID, second.ID)
	}
}

func TestSubmitJobAllowsReuseAfterTerminal(t *testing.T) {
	testStore := openTestStore(t)
	ctx := context.Background()

	args := SubmitJobArgs{DedupeKey: "k2", Type: "dir_scan", AllowedRoots: []string{"/W"}}
	job, _, err := testStore.SubmitJob(ctx, args)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	claimed, found, err := testStore.ClaimNextJob(ctx, "worker-1", time.Now(), time.Minute)
	if err != nil || !found || claimed.ID != job.ID {
		t.Fatalf("ClaimNextJob: found=%v err=%v", found, err)
	}
	if err := testStore.CompleteJob(ctx, job.ID, "worker-1", JobSucceeded, []byte("ok"), "text/plain", ""); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	second, created, err := testStore.SubmitJob(ctx, args)
	if err != nil {
		t.Fatalf("SubmitJob (after terminal): %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh job to be created after the prior one went terminal")
	}
	if second.ID == job.ID {
		t.Fatalf("expected a distinct job_id for the re-run")
	}
}

func TestSubmitJobRequiresApprovalTokenForMutatingType(t *testing.T) {
	testStore := openTestStore(t)
	ctx := context.Background()

	_, _, err := testStore.SubmitJob(ctx, SubmitJobArgs{
		DedupeKey:    "k3",
		Type:         "execute_plan",
		AllowedRoots: []string{"/W"},
		Mutating:     true,
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestClaimNextJobReclaimsExpiredLease(t *testing.T) {
	testStore := openTestStore(t)
	ctx := context.Background()

	job, _, err := testStore.SubmitJob(ctx, SubmitJobArgs{DedupeKey: "k4", Type: "dir_scan", AllowedRoots: []string{"/W"}})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	start := time.Now()
	claimed, found, err := testStore.ClaimNextJob(ctx, "worker-a", start, 10*time.Millisecond)
	if err != nil || !found || claimed.ID != job.ID {
		t.Fatalf("first claim failed: found=%v err=%v", found, err)
	}

	// worker-a "crashes" without completing. After the lease window, a
	// second worker should be able to reclaim the same row.
	laterTime := start.Add(50 * time.Millisecond)
	reclaimed, found, err := testStore.ClaimNextJob(ctx, "worker-b", laterTime, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob (reclaim): %v", err)
	}
	if !found || reclaimed.ID != job.ID {
		t.Fatalf("expected worker-b to reclaim job %s, found=%v reclaimed=%+v", job.ID, found, reclaimed)
	}

	if err := testStore.RenewLease(ctx, job.ID, "worker-a", laterTime, time.Minute); !errors.Is(err, ErrPreempted) {
		t.Fatalf("expected worker-a's renew to be Preempted, got %v", err)
	}

	if err := testStore.CompleteJob(ctx, job.ID, "worker-b", JobSucceeded, []byte("done"), "text/plain", ""); err != nil {
		t.Fatalf("CompleteJob by reclaiming worker: %v", err)
	}
}

// TestReclaimExpiredLeases covers the maintenance scheduler's proactive
// sweep: unlike ClaimNextJob's lazy reclaim, this runs with no other worker
// trying to claim anything, and must still requeue the expired job.
func TestReclaimExpiredLeases(t *testing.T) {
	testStore := openTestStore(t)
	ctx := context.Background()

	running, _, err := testStore.SubmitJob(ctx, SubmitJobArgs{DedupeKey: "k5a", Type: "dir_scan", AllowedRoots: []string{"/W"}})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	stillFresh, _, err := testStore.SubmitJob(ctx, SubmitJobArgs{DedupeKey: "k5b", Type: "dir_scan", AllowedRoots: []string{"/W"}})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	start := time.Now()
	if _, _, err := testStore.ClaimNextJob(ctx, "worker-a", start, 10*time.Millisecond); err != nil {
		t.Fatalf("ClaimNextJob (running): %v", err)
	}
	if _, _, err := testStore.ClaimNextJob(ctx, "worker-b", start, time.Minute); err != nil {
		t.Fatalf("ClaimNextJob (still fresh): %v", err)
	}

	later := start.Add(50 * time.Millisecond)
	reclaimed, err := testStore.ReclaimExpiredLeases(ctx, later)
	if err != nil {
		t.Fatalf("ReclaimExpiredLeases: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected exactly 1 job reclaimed, got %d", reclaimed)
	}

	expiredJob, err := testStore.GetJob(ctx, running.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if expiredJob.Status != JobQueued {
		t.Fatalf("expected reclaimed job to be requeued, status=%d", expiredJob.Status)
	}
	if expiredJob.LeaseOwner != nil || expiredJob.LeaseExpiresAt != nil {
		t.Fatalf("expected reclaimed job's lease fields cleared, got owner=%v expires=%v", expiredJob.LeaseOwner, expiredJob.LeaseExpiresAt)
	}

	freshJob, err := testStore.GetJob(ctx, stillFresh.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if freshJob.Status != JobRunning {
		t.Fatalf("expected still-leased job to remain RUNNING, status=%d", freshJob.Status)
	}
}

func TestCompleteJobRejectsPreemptedOwner(t *testing.T) {
	testStore := openTestStore(t)
	ctx := context.Background()

	job, _, err := testStore.SubmitJob(ctx, SubmitJobArgs{DedupeKey: "k5", Type: "dir_scan", AllowedRoots: []string{"/W"}})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, _, err := testStore.ClaimNextJob(ctx, "worker-a", time.Now(), time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	err = testStore.CompleteJob(ctx, job.ID, "worker-imposter", JobSucceeded, nil, "", "")
	if !errors.Is(err, ErrPreempted) {
		t.Fatalf("expected ErrPreempted for a non-owning worker, got %v", err)
	}
}

// TestCompleteJobClearsLease enforces the invariant that lease_owner and
// lease_expires_at are non-null iff status = RUNNING: a terminal job must
// not leak a stale lease through GetJob.
func TestCompleteJobClearsLease(t *testing.T) {
	testStore := openTestStore(t)
	ctx := context.Background()

	job, _, err := testStore.SubmitJob(ctx, SubmitJobArgs{DedupeKey: "k6", Type: "dir_scan", AllowedRoots: []string{"/W"}})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, _, err := testStore.ClaimNextJob(ctx, "worker-a", time.Now(), time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := testStore.CompleteJob(ctx, job.ID, "worker-a", JobSucceeded, []byte("done"), "text/plain", ""); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	completed, err := testStore.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if completed.LeaseOwner != nil {
		t.Fatalf("expected lease_owner to be cleared on completion, got %v", *completed.LeaseOwner)
	}
	if completed.LeaseExpiresAt != nil {
		t.Fatalf("expected lease_expires_at to be cleared on completion, got %v", *completed.LeaseExpiresAt)
	}
}

func TestMintAndConsumeApproval(t *testing.T) {
	testStore := openTestStore(t)
	ctx := context.Background()

	plan, _, err := testStore.SubmitJob(ctx, SubmitJobArgs{DedupeKey: "plan1", Type: "organize_plan", AllowedRoots: []string{"/W"}})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, _, err := testStore.ClaimNextJob(ctx, "worker-a", time.Now(), time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	planBytes := []byte(`{"moves":[]}`)
	if err := testStore.CompleteJob(ctx, plan.ID, "worker-a", JobSucceeded, planBytes, "application/json", ""); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	approval, err := testStore.MintApproval(ctx, plan.ID, time.Minute)
	if err != nil {
		t.Fatalf("MintApproval: %v", err)
	}
	if approval.PlanHash != PlanHash(planBytes) {
		t.Fatalf("expected plan_hash to match the stored result bytes")
	}

	consumed, err := testStore.ConsumeApproval(ctx, approval.Token, plan.ID, time.Now())
	if err != nil {
		t.Fatalf("ConsumeApproval: %v", err)
	}
	if consumed.PlanHash != approval.PlanHash {
		t.Fatalf("expected consumed approval to carry the same plan_hash")
	}
}

// TestConsumeApprovalRejectsInvalidAttempts exercises every way a consume
// can legitimately be rejected: unknown token, already-consumed token,
// wrong plan binding, and expiry — each against its own freshly minted
// approval, table-driven per case.
func TestConsumeApprovalRejectsInvalidAttempts(t *testing.T) {
	cases := []struct {
		name          string
		ttl           time.Duration
		wait          time.Duration
		preconsume    bool
		tokenOverride string
		planIDOverride string
		wantErr       error
	}{
		{
			name:    "unknown token",
			ttl:     time.Minute,
			tokenOverride: "does-not-exist",
			wantErr: ErrNotFound,
		},
		{
			name:       "already consumed",
			ttl:        time.Minute,
			preconsume: true,
			wantErr:    ErrExpired,
		},
		{
			name:           "mismatched plan",
			ttl:            time.Minute,
			planIDOverride: "some-other-job",
			wantErr:        ErrMismatch,
		},
		{
			name:    "expired token",
			ttl:     time.Millisecond,
			wait:    time.Second,
			wantErr: ErrExpired,
		},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			testStore := openTestStore(t)
			ctx := context.Background()

			plan, _, err := testStore.SubmitJob(ctx, SubmitJobArgs{
				DedupeKey:    "plan-" + testCase.name,
				Type:         "organize_plan",
				AllowedRoots: []string{"/W"},
			})
			if err != nil {
				t.Fatalf("SubmitJob: %v", err)
			}
			if _, _, err := testStore.ClaimNextJob(ctx, "worker-a", time.Now(), time.Minute); err != nil {
				t.Fatalf("ClaimNextJob: %v", err)
			}
			if err := testStore.CompleteJob(ctx, plan.ID, "worker-a", JobSucceeded, []byte("{}"), "application/json", ""); err != nil {
				t.Fatalf("CompleteJob: %v", err)
			}

			approval, err := testStore.MintApproval(ctx, plan.ID, testCase.ttl)
			if err != nil {
				t.Fatalf("MintApproval: %v", err)
			}

			token := approval.Token
			if testCase.tokenOverride != "" {
				token = testCase.tokenOverride
			}
			expectedPlanID := plan.ID
			if testCase.planIDOverride != "" {
				expectedPlanID = testCase.planIDOverride
			}

			if testCase.preconsume {
				if _, err := testStore.ConsumeApproval(ctx, token, expectedPlanID, time.Now()); err != nil {
					t.Fatalf("precondition consume: %v", err)
				}
			}

			now := time.Now().Add(testCase.wait)
			if _, err := testStore.ConsumeApproval(ctx, token, expectedPlanID, now); !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}
