// Package worker implements the Worker Pool: N concurrent executors that
// lease queued jobs, invoke the registered tool, persist the result, and
// append audit entries, per the CP Store's claim/renew/complete contract.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cayde/coworker-server/internal/approval"
	"github.com/cayde/coworker-server/internal/audit"
	"github.com/cayde/coworker-server/internal/logging"
	"github.com/cayde/coworker-server/internal/registry"
	"github.com/cayde/coworker-server/internal/store"
	"github.com/cayde/coworker-server/internal/tools"
)

const (
	minBackoff = 50 * time.Millisecond
	maxBackoff = 200 * time.Millisecond
)

// Pool owns the worker goroutines sharing one CP Store instance.
type Pool struct {
	store         *store.Store
	audit         *audit.Log
	handlers      tools.Registry
	signer        *approval.Signer
	leaseDuration time.Duration
	workerCount   int
}

// New builds a Pool ready to Run.
func New(cpStore *store.Store, auditLog *audit.Log, handlers tools.Registry, signer *approval.Signer, leaseDuration time.Duration, workerCount int) *Pool {
	return &Pool{
		store:         cpStore,
		audit:         auditLog,
		handlers:      handlers,
		signer:        signer,
		leaseDuration: leaseDuration,
		workerCount:   workerCount,
	}
}

// Run starts workerCount goroutines and blocks until ctx is cancelled.
func (pool *Pool) Run(ctx context.Context) {
	var waitGroup sync.WaitGroup
	for i := 0; i < pool.workerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		waitGroup.Add(1)
		go func(workerID string) {
			defer waitGroup.Done()
			pool.loop(ctx, workerID)
		}(workerID)
	}
	waitGroup.Wait()
}

func (pool *Pool) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, found, err := pool.store.ClaimNextJob(ctx, workerID, time.Now(), pool.leaseDuration)
		if err != nil {
			logging.Logger.WithError(err).Error("claim_next_job failed")
			sleepBackoff(ctx)
			continue
		}
		if !found {
			sleepBackoff(ctx)
			continue
		}

		pool.process(ctx, workerID, job)
	}
}

func sleepBackoff(ctx context.Context) {
	jitterRange := maxBackoff - minBackoff
	delay := minBackoff + time.Duration(rand.Int63n(int64(jitterRange)))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (pool *Pool) process(ctx context.Context, workerID string, job store.Job) {
	logEntry := logging.Logger.WithField("job_id", job.ID).WithField("type", job.Type).WithField("worker", workerID)

	if registry.IsMutating(job.Type) {
		if err := pool.verifyApproval(ctx, job); err != nil {
			logEntry.WithError(err).Warn("approval verification failed")
			pool.completeOrLog(ctx, job.ID, workerID, store.JobFailed, nil, "", err.Error())
			return
		}
	}

	handler, ok := pool.handlers[job.Type]
	if !ok {
		pool.completeOrLog(ctx, job.ID, workerID, store.JobFailed, nil, "", fmt.Sprintf("unknown job type %q", job.Type))
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	preempted := make(chan struct{}, 1)
	go pool.heartbeat(heartbeatCtx, job.ID, workerID, preempted)

	output, err := handler(ctx, tools.Context{
		JobID:        job.ID,
		Params:       job.Params,
		AllowedRoots: job.AllowedRoots,
		Audit:        pool.audit,
		Store:        pool.store,
	})
	stopHeartbeat()

	select {
	case <-preempted:
		logEntry.Warn("lease preempted mid-execution; discarding result")
		return
	default:
	}

	if err != nil {
		logEntry.WithError(err).Warn("tool handler failed")
		pool.completeOrLog(ctx, job.ID, workerID, store.JobFailed, nil, "", err.Error())
		return
	}

	pool.completeOrLog(ctx, job.ID, workerID, store.JobSucceeded, output.Bytes, output.ContentType, "")
}

func (pool *Pool) completeOrLog(ctx context.Context, jobID string, workerID string, outcome int, bytes []byte, contentType string, errorMessage string) {
	if err := pool.store.CompleteJob(ctx, jobID, workerID, outcome, bytes, contentType, errorMessage); err != nil {
		if err == store.ErrPreempted {
			logging.Logger.WithField("job_id", jobID).Warn("complete_job rejected: lease was preempted")
			return
		}
		logging.Logger.WithField("job_id", jobID).WithError(err).Error("complete_job failed")
	}
}

func (pool *Pool) heartbeat(ctx context.Context, jobID string, workerID string, preempted chan<- struct{}) {
	interval := pool.leaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pool.store.RenewLease(ctx, jobID, workerID, time.Now(), pool.leaseDuration); err != nil {
				select {
				case preempted <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

type executeParams struct {
	PlanJobID string `json:"plan_job_id"`
}

// verifyApproval implements the Approval Binding protocol. execute_plan is
// the one mutating type derived from a preceding plan job, so its approval
// binds to that plan job's id and is re-checked for drift against the
// plan's current result. Every other mutating type (docx_write,
// code_execute, soft_delete, ...) has no such plan job to bind against, so
// its approval binds directly to the job's own dedupe_key and a hash of
// its own type/params pair instead.
func (pool *Pool) verifyApproval(ctx context.Context, job store.Job) error {
	if job.ApprovalToken == nil || *job.ApprovalToken == "" {
		return fmt.Errorf("approval_token is required for mutating job type %q", job.Type)
	}

	claims, err := pool.signer.Verify(*job.ApprovalToken)
	if err != nil {
		return fmt.Errorf("approval token failed verification: %w", err)
	}

	if job.Type == registry.TypeExecutePlan {
		return pool.verifyPlanDerivedApproval(ctx, job, claims)
	}
	return pool.verifyDirectApproval(ctx, job, claims)
}

func (pool *Pool) verifyPlanDerivedApproval(ctx context.Context, job store.Job, claims *approval.Claims) error {
	var params executeParams
	if err := json.Unmarshal(job.Params, &params); err != nil || params.PlanJobID == "" {
		return fmt.Errorf("params.plan_job_id is required to bind an approval")
	}
	if claims.PlanJobID != params.PlanJobID {
		return fmt.Errorf("approval token is bound to a different plan job")
	}

	consumed, err := pool.store.ConsumeApproval(ctx, claims.ID, params.PlanJobID, time.Now())
	if err != nil {
		return err
	}

	planResult, err := pool.store.GetResult(ctx, params.PlanJobID)
	if err != nil {
		return fmt.Errorf("failed to re-read plan result for drift check: %w", err)
	}
	currentHash := store.PlanHash(planResult.Bytes)
	if currentHash != consumed.PlanHash {
		return fmt.Errorf("plan drift detected: plan result changed since approval")
	}

	return nil
}

// verifyDirectApproval handles every mutating type that isn't
// plan-derived. The approval is bound to the submitting job's own
// dedupe_key (the only identifier known at /approve time, before the job
// row exists) and to a hash of the exact type/params the caller intends
// to submit, so it can't be replayed against a different job or with
// different params.
func (pool *Pool) verifyDirectApproval(ctx context.Context, job store.Job, claims *approval.Claims) error {
	bindingKey := store.DirectBindingKey(job.DedupeKey)
	if claims.PlanJobID != bindingKey {
		return fmt.Errorf("approval token is bound to a different job")
	}

	consumed, err := pool.store.ConsumeApproval(ctx, claims.ID, bindingKey, time.Now())
	if err != nil {
		return err
	}

	expectedHash, err := store.DirectApprovalHash(job.Type, job.Params)
	if err != nil {
		return fmt.Errorf("failed to hash submitted params: %w", err)
	}
	if expectedHash != consumed.PlanHash {
		return fmt.Errorf("approval does not match the submitted job's type/params")
	}

	return nil
}
