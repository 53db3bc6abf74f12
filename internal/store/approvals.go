package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MintApproval binds a fresh single-use token to a SUCCEEDED plan job's
// current result hash. The hash is computed here from the plan's stored
// result bytes; the caller does not supply one, so no hash comparison
// happens at mint time.
func (store *Store) MintApproval(ctx context.Context, planJobID string, ttl time.Duration) (Approval, error) {
	plan, err := store.GetJob(ctx, planJobID)
	if err != nil {
		return Approval{}, err
	}
	if plan.Status != JobSucceeded {
		return Approval{}, fmt.Errorf("%w: plan job %s is not SUCCEEDED", ErrBadState, planJobID)
	}

	planResult, err := store.GetResult(ctx, planJobID)
	if err != nil {
		return Approval{}, err
	}
	planHash := PlanHash(planResult.Bytes)

	token := uuid.NewString()
	expiresAtMs := time.Now().UTC().Add(ttl).UnixMilli()

	_, err = store.database.ExecContext(
		ctx,
		`INSERT INTO approvals(token, plan_job_id, plan_hash, expires_at_ms, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		token, planJobID, planHash, expiresAtMs, nowTimestamp(),
	)
	if err != nil {
		return Approval{}, err
	}

	return Approval{
		Token:       token,
		PlanJobID:   planJobID,
		PlanHash:    planHash,
		ExpiresAtMs: expiresAtMs,
	}, nil
}

// ConsumeApproval atomically marks a token used, enforcing single-use,
// expiry and plan-id binding. Callers must still recompute the plan's hash
// after this call and compare against the returned Approval.PlanHash to
// detect drift (the plan's result may have changed since mint time).
func (store *Store) ConsumeApproval(ctx context.Context, token string, expectedPlanJobID string, now time.Time) (Approval, error) {
	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return Approval{}, err
	}
	defer transaction.Rollback()

	row := transaction.QueryRowContext(
		ctx,
		`SELECT plan_job_id, plan_hash, expires_at_ms, consumed_at_ms FROM approvals WHERE token = ?`,
		token,
	)
	var approval Approval
	var consumedAtMs *int64
	switch scanErr := row.Scan(&approval.PlanJobID, &approval.PlanHash, &approval.ExpiresAtMs, &consumedAtMs); scanErr {
	case nil:
	case sql.ErrNoRows:
		return Approval{}, fmt.Errorf("%w: unknown approval token", ErrNotFound)
	default:
		return Approval{}, scanErr
	}
	approval.Token = token

	if consumedAtMs != nil {
		return Approval{}, fmt.Errorf("%w: approval token already consumed", ErrExpired)
	}
	if approval.PlanJobID != expectedPlanJobID {
		return Approval{}, fmt.Errorf("%w: approval token bound to a different plan job", ErrMismatch)
	}
	if now.UTC().UnixMilli() > approval.ExpiresAtMs {
		return Approval{}, fmt.Errorf("%w: approval token has expired", ErrExpired)
	}

	nowMs := now.UTC().UnixMilli()
	_, err = transaction.ExecContext(
		ctx,
		`UPDATE approvals SET consumed_at_ms = ? WHERE token = ? AND consumed_at_ms IS NULL`,
		nowMs, token,
	)
	if err != nil {
		return Approval{}, err
	}

	if err := transaction.Commit(); err != nil {
		return Approval{}, err
	}

	approval.ConsumedAtMs = &nowMs
	return approval, nil
}

// PlanHash computes the approval hash commitment: SHA-256 over the plan
// result's verbatim stored bytes, never re-serialized.
func PlanHash(planResultBytes []byte) string {
	sum := sha256.Sum256(planResultBytes)
	return hex.EncodeToString(sum[:])
}

// directBindingKeyPrefix marks an approvals.plan_job_id value as a
// dedupe_key binding rather than a real plan job id (a bare uuid), so the
// two can never collide.
const directBindingKeyPrefix = "dedupe:"

// DirectBindingKey derives the approvals.plan_job_id value for a direct
// (non-plan-derived) approval from the job's own dedupe_key.
func DirectBindingKey(dedupeKey string) string {
	return directBindingKeyPrefix + dedupeKey
}

// MintDirectApproval binds a fresh single-use token to a specific
// (type, params) pair for mutating job types that have no preceding plan
// job to approve — docx_write, pdf_write, code_execute, soft_delete,
// restore_from_trash and the like. Unlike MintApproval, the binding key is
// the future job's own dedupe_key (there is no job row yet to reference
// by id) and the hash commits to the type and params the caller intends
// to submit, not a stored result.
func (store *Store) MintDirectApproval(ctx context.Context, dedupeKey string, typeID string, params json.RawMessage, ttl time.Duration) (Approval, error) {
	if dedupeKey == "" {
		return Approval{}, fmt.Errorf("%w: dedupe_key is required to bind a direct approval", ErrInvalidArgument)
	}
	hash, err := DirectApprovalHash(typeID, params)
	if err != nil {
		return Approval{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	bindingKey := DirectBindingKey(dedupeKey)
	token := uuid.NewString()
	expiresAtMs := time.Now().UTC().Add(ttl).UnixMilli()

	_, err = store.database.ExecContext(
		ctx,
		`INSERT INTO approvals(token, plan_job_id, plan_hash, expires_at_ms, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		token, bindingKey, hash, expiresAtMs, nowTimestamp(),
	)
	if err != nil {
		return Approval{}, err
	}

	return Approval{
		Token:       token,
		PlanJobID:   bindingKey,
		PlanHash:    hash,
		ExpiresAtMs: expiresAtMs,
	}, nil
}

// DirectApprovalHash computes the commitment hash for a direct approval:
// SHA-256 over the type id and a canonical re-encoding of params, so two
// requests that mean the same params (the /approve call and the later
// submit_job call) hash identically regardless of key order or
// whitespace in their respective JSON bodies.
func DirectApprovalHash(typeID string, params json.RawMessage) (string, error) {
	canonical, err := canonicalizeJSON(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(typeID+"\x00"), canonical...))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
