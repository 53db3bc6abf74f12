package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubmitJob atomically de-duplicates against non-terminal jobs sharing the
// same dedupe_key, or inserts a fresh QUEUED job.
func (store *Store) SubmitJob(ctx context.Context, args SubmitJobArgs) (job Job, created bool, err error) {
	if args.DedupeKey == "" || args.Type == "" {
		return Job{}, false, fmt.Errorf("%w: dedupe_key and type are required", ErrInvalidArgument)
	}
	if args.Mutating && args.ApprovalToken == "" {
		return Job{}, false, fmt.Errorf("%w: approval_token required for mutating job type %q", ErrInvalidArgument, args.Type)
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer transaction.Rollback()

	existingRow := transaction.QueryRowContext(
		ctx,
		`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN (1, 2) LIMIT 1`,
		args.DedupeKey,
	)
	var existingID string
	switch scanErr := existingRow.Scan(&existingID); scanErr {
	case nil:
		if err := transaction.Commit(); err != nil {
			return Job{}, false, err
		}
		existing, getErr := store.GetJob(ctx, existingID)
		if getErr != nil {
			return Job{}, false, getErr
		}
		return existing, false, nil
	case sql.ErrNoRows:
		// fall through to insert
	default:
		return Job{}, false, scanErr
	}

	rootsJSON, err := json.Marshal(args.AllowedRoots)
	if err != nil {
		return Job{}, false, err
	}
	paramsJSON := args.Params
	if len(paramsJSON) == 0 {
		paramsJSON = json.RawMessage(`{}`)
	}

	jobID := uuid.NewString()
	now := nowTimestamp()
	_, err = transaction.ExecContext(
		ctx,
		`INSERT INTO jobs(id, dedupe_key, type, status, session_id, params_json, allowed_roots_json, approval_token, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, args.DedupeKey, args.Type, JobQueued, args.SessionID,
		string(paramsJSON), string(rootsJSON), nullableText(args.ApprovalToken), now,
	)
	if err != nil {
		return Job{}, false, err
	}
	if err := transaction.Commit(); err != nil {
		return Job{}, false, err
	}

	return Job{
		ID:           jobID,
		DedupeKey:    args.DedupeKey,
		Type:         args.Type,
		Status:       JobQueued,
		CreatedAt:    now,
		Params:       paramsJSON,
		AllowedRoots: args.AllowedRoots,
		SessionID:    args.SessionID,
	}, true, nil
}

// ClaimNextJob selects one eligible job — the oldest QUEUED row, or a
// RUNNING row whose lease has expired — and assigns it to workerID.
func (store *Store) ClaimNextJob(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (Job, bool, error) {
	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer transaction.Rollback()

	nowMs := now.UTC().Format(time.RFC3339Nano)
	row := transaction.QueryRowContext(
		ctx,
		`SELECT id, status, started_at FROM jobs
		 WHERE status = ?
		    OR (status = ? AND lease_expires_at < ?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		JobQueued, JobRunning, nowMs,
	)

	var jobID string
	var currentStatus int
	var startedAt *string
	switch scanErr := row.Scan(&jobID, &currentStatus, &startedAt); scanErr {
	case nil:
	case sql.ErrNoRows:
		return Job{}, false, nil
	default:
		return Job{}, false, scanErr
	}

	leaseExpires := now.UTC().Add(leaseDuration).Format(time.RFC3339Nano)
	var startedAtValue string
	if startedAt != nil {
		startedAtValue = *startedAt
	} else {
		startedAtValue = nowMs
	}

	_, err = transaction.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = ?, lease_owner = ?, lease_expires_at = ?, started_at = ?
		 WHERE id = ?`,
		JobRunning, workerID, leaseExpires, startedAtValue, jobID,
	)
	if err != nil {
		return Job{}, false, err
	}

	if err := transaction.Commit(); err != nil {
		return Job{}, false, err
	}

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// RenewLease extends a held lease. Returns ErrPreempted if workerID is no
// longer the owner (lease was reclaimed by another worker).
func (store *Store) RenewLease(ctx context.Context, jobID string, workerID string, now time.Time, leaseDuration time.Duration) error {
	leaseExpires := now.UTC().Add(leaseDuration).Format(time.RFC3339Nano)
	result, err := store.database.ExecContext(
		ctx,
		`UPDATE jobs SET lease_expires_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = ?`,
		leaseExpires, jobID, workerID, JobRunning,
	)
	if err != nil {
		return err
	}
	if changed, _ := result.RowsAffected(); changed == 0 {
		return ErrPreempted
	}
	return nil
}

// CompleteJob records the terminal outcome of a claimed job, but only if
// workerID still holds the lease; otherwise the job was reclaimed and the
// caller must discard its result (ErrPreempted).
func (store *Store) CompleteJob(ctx context.Context, jobID string, workerID string, outcome int, resultBytes []byte, contentType string, errorMessage string) error {
	if outcome != JobSucceeded && outcome != JobFailed {
		return fmt.Errorf("%w: outcome must be SUCCEEDED or FAILED", ErrInvalidArgument)
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer transaction.Rollback()

	row := transaction.QueryRowContext(
		ctx,
		`SELECT lease_owner FROM jobs WHERE id = ? AND status = ?`,
		jobID, JobRunning,
	)
	var currentOwner *string
	switch scanErr := row.Scan(&currentOwner); scanErr {
	case nil:
	case sql.ErrNoRows:
		return ErrPreempted
	default:
		return scanErr
	}
	if currentOwner == nil || *currentOwner != workerID {
		return ErrPreempted
	}

	now := nowTimestamp()
	_, err = transaction.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, finished_at = ?, error_message = ?, lease_owner = NULL, lease_expires_at = NULL WHERE id = ?`,
		outcome, now, nullableText(errorMessage), jobID,
	)
	if err != nil {
		return err
	}

	if outcome == JobSucceeded {
		_, err = transaction.ExecContext(
			ctx,
			`INSERT INTO results(job_id, bytes, content_type) VALUES(?, ?, ?)
			 ON CONFLICT(job_id) DO UPDATE SET bytes = excluded.bytes, content_type = excluded.content_type`,
			jobID, resultBytes, contentType,
		)
		if err != nil {
			return err
		}
	}

	return transaction.Commit()
}

// ReclaimExpiredLeases resets every RUNNING job whose lease has already
// expired back to QUEUED, clearing lease_owner/lease_expires_at so it is
// immediately eligible for ClaimNextJob again. ClaimNextJob already reclaims
// expired leases lazily (any claim attempt may select an expired RUNNING
// row), but while every worker is busy or no worker is polling, an expired
// job would stay RUNNING; this lets the maintenance scheduler reclaim it
// proactively.
func (store *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	nowMs := now.UTC().Format(time.RFC3339Nano)
	result, err := store.database.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, lease_owner = NULL, lease_expires_at = NULL
		 WHERE status = ? AND lease_expires_at < ?`,
		JobQueued, JobRunning, nowMs,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetJob fetches a job row by id.
func (store *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := store.database.QueryRowContext(
		ctx,
		`SELECT id, dedupe_key, type, status, session_id, params_json, allowed_roots_json,
		        approval_token, lease_owner, lease_expires_at, error_message,
		        created_at, started_at, finished_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return job, nil
}

// GetResult fetches the Result row for a job, if present.
func (store *Store) GetResult(ctx context.Context, jobID string) (Result, error) {
	row := store.database.QueryRowContext(
		ctx,
		`SELECT job_id, bytes, content_type FROM results WHERE job_id = ?`,
		jobID,
	)
	var result Result
	if err := row.Scan(&result.JobID, &result.Bytes, &result.ContentType); err != nil {
		if err == sql.ErrNoRows {
			return Result{}, ErrNotFound
		}
		return Result{}, err
	}
	return result, nil
}

// DistinctAllowedRoots returns the union of every allowed_roots entry ever
// submitted with a job, for the maintenance scheduler's trash sweep (which
// has no other source of workspace roots: allowed_roots is supplied
// per-job by the caller, not configured once at server startup).
func (store *Store) DistinctAllowedRoots(ctx context.Context) ([]string, error) {
	rows, err := store.database.QueryContext(ctx, `SELECT DISTINCT allowed_roots_json FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var roots []string
	for rows.Next() {
		var rootsJSON string
		if err := rows.Scan(&rootsJSON); err != nil {
			return nil, err
		}
		var parsed []string
		if err := json.Unmarshal([]byte(rootsJSON), &parsed); err != nil {
			continue
		}
		for _, root := range parsed {
			if !seen[root] {
				seen[root] = true
				roots = append(roots, root)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roots, nil
}

func scanJob(scanner rowScanner) (Job, error) {
	var job Job
	var paramsJSON, rootsJSON string
	var approvalToken, leaseOwner, leaseExpires, errorMessage, startedAt, finishedAt *string

	err := scanner.Scan(
		&job.ID, &job.DedupeKey, &job.Type, &job.Status, &job.SessionID,
		&paramsJSON, &rootsJSON, &approvalToken, &leaseOwner, &leaseExpires,
		&errorMessage, &job.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return Job{}, err
	}

	job.Params = json.RawMessage(paramsJSON)
	if rootsJSON != "" {
		_ = json.Unmarshal([]byte(rootsJSON), &job.AllowedRoots)
	}
	job.ApprovalToken = approvalToken
	job.LeaseOwner = leaseOwner
	job.LeaseExpiresAt = leaseExpires
	job.ErrorMessage = errorMessage
	job.StartedAt = startedAt
	job.FinishedAt = finishedAt
	return job, nil
}
