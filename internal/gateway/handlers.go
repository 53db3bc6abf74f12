package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cayde/coworker-server/internal/apperror"
	"github.com/cayde/coworker-server/internal/httpkit"
	"github.com/cayde/coworker-server/internal/pathscope"
	"github.com/cayde/coworker-server/internal/registry"
	"github.com/cayde/coworker-server/internal/store"
)

var errInvalidParams = errors.New("params must be a JSON object")

func errUnknownParamKey(key string) error {
	return fmt.Errorf("unknown params key %q", key)
}

func errMissingParamKey(key string) error {
	return fmt.Errorf("missing required params key %q", key)
}

func (gateway *Gateway) handleHandshake(w http.ResponseWriter, r *http.Request) {
	session, err := gateway.store.CreateSession(r.Context())
	if err != nil {
		httpkit.HandleError(w, apperror.Internal(err))
		return
	}
	httpkit.RespondWithJSON(w, http.StatusOK, map[string]string{
		"session_id": session.ID,
		"token":      session.Token,
	})
}

func (gateway *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	httpkit.RespondWithJSON(w, http.StatusOK, map[string]any{"tools": registry.All()})
}

type submitJobRequest struct {
	DedupeKey     string          `json:"dedupe_key"`
	Type          string          `json:"type"`
	AllowedRoots  []string        `json:"allowed_roots"`
	Params        json.RawMessage `json:"params"`
	ApprovalToken string          `json:"approval_token"`
}

type jobResponse struct {
	JobID     string `json:"job_id"`
	DedupeKey string `json:"dedupe_key"`
	Type      string `json:"type"`
	Status    int    `json:"status"`
	CreatedAt string `json:"created_at"`
}

func jobToResponse(job store.Job) jobResponse {
	return jobResponse{JobID: job.ID, DedupeKey: job.DedupeKey, Type: job.Type, Status: job.Status, CreatedAt: job.CreatedAt}
}

func (gateway *Gateway) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var request submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		httpkit.HandleError(w, apperror.InvalidArgument("malformed JSON body", err))
		return
	}

	descriptor, ok := registry.Lookup(request.Type)
	if !ok {
		httpkit.HandleError(w, apperror.InvalidArgument("unknown job type", nil))
		return
	}
	if descriptor.Mutating && request.ApprovalToken == "" {
		httpkit.HandleError(w, apperror.ApprovalRequired("this job type requires an approval_token"))
		return
	}
	if err := validateParamShape(descriptor, request.Params); err != nil {
		httpkit.HandleError(w, apperror.InvalidArgument(err.Error(), nil))
		return
	}

	canonicalRoots, err := canonicalizeRoots(request.AllowedRoots)
	if err != nil {
		httpkit.HandleError(w, apperror.Forbidden(err.Error()))
		return
	}
	if err := validateParamPaths(request.Params, canonicalRoots); err != nil {
		httpkit.HandleError(w, apperror.Forbidden(err.Error()))
		return
	}

	job, _, err := gateway.store.SubmitJob(r.Context(), store.SubmitJobArgs{
		DedupeKey:     request.DedupeKey,
		Type:          request.Type,
		AllowedRoots:  canonicalRoots,
		Params:        request.Params,
		ApprovalToken: request.ApprovalToken,
		SessionID:     sessionIDFromContext(r),
		Mutating:      descriptor.Mutating,
	})
	if err != nil {
		httpkit.HandleError(w, translateStoreError(err))
		return
	}

	httpkit.RespondWithJSON(w, http.StatusOK, jobToResponse(job))
}

func (gateway *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := gateway.store.GetJob(r.Context(), jobID)
	if err != nil {
		httpkit.HandleError(w, translateStoreError(err))
		return
	}
	httpkit.RespondWithJSON(w, http.StatusOK, jobToResponse(job))
}

func (gateway *Gateway) handleGetResult(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := gateway.store.GetJob(r.Context(), jobID)
	if err != nil {
		httpkit.HandleError(w, translateStoreError(err))
		return
	}
	if job.Status != store.JobSucceeded {
		httpkit.HandleError(w, apperror.NotReady("job has not reached SUCCEEDED"))
		return
	}

	result, err := gateway.store.GetResult(r.Context(), jobID)
	if err != nil {
		httpkit.HandleError(w, translateStoreError(err))
		return
	}

	httpkit.RespondWithJSON(w, http.StatusOK, map[string]string{
		"bytes_base64": base64.StdEncoding.EncodeToString(result.Bytes),
		"content_type": result.ContentType,
	})
}

type approveRequest struct {
	PlanJobID  string          `json:"plan_job_id"`
	Type       string          `json:"type"`
	DedupeKey  string          `json:"dedupe_key"`
	Params     json.RawMessage `json:"params"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// handleApprove mints an approval token either of two ways: against a
// preceding plan job's id (execute_plan's plan-derived binding), or
// against a dedupe_key/type/params triple for every other mutating type,
// which has no preceding plan job to reference.
func (gateway *Gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	var request approveRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		httpkit.HandleError(w, apperror.InvalidArgument("malformed JSON body", err))
		return
	}
	ttl := time.Duration(request.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	var approvalRow store.Approval
	var err error
	switch {
	case request.PlanJobID != "":
		approvalRow, err = gateway.store.MintApproval(r.Context(), request.PlanJobID, ttl)
	case request.Type != "" && request.DedupeKey != "":
		if request.Type == registry.TypeExecutePlan {
			httpkit.HandleError(w, apperror.InvalidArgument("execute_plan requires plan_job_id, not type/dedupe_key/params", nil))
			return
		}
		descriptor, ok := registry.Lookup(request.Type)
		if !ok {
			httpkit.HandleError(w, apperror.InvalidArgument("unknown job type", nil))
			return
		}
		if !descriptor.Mutating {
			httpkit.HandleError(w, apperror.InvalidArgument("job type does not require approval", nil))
			return
		}
		if shapeErr := validateParamShape(descriptor, request.Params); shapeErr != nil {
			httpkit.HandleError(w, apperror.InvalidArgument(shapeErr.Error(), nil))
			return
		}
		approvalRow, err = gateway.store.MintDirectApproval(r.Context(), request.DedupeKey, request.Type, request.Params, ttl)
	default:
		httpkit.HandleError(w, apperror.InvalidArgument("either plan_job_id, or type+dedupe_key+params, is required", nil))
		return
	}
	if err != nil {
		httpkit.HandleError(w, translateStoreError(err))
		return
	}

	token, err := gateway.signer.Sign(approvalRow)
	if err != nil {
		httpkit.HandleError(w, apperror.Internal(err))
		return
	}

	httpkit.RespondWithJSON(w, http.StatusOK, map[string]any{
		"approval_token": token,
		"plan_hash":      approvalRow.PlanHash,
		"expires_at_ms":  approvalRow.ExpiresAtMs,
	})
}

func canonicalizeRoots(roots []string) ([]string, error) {
	canonical := make([]string, 0, len(roots))
	for _, root := range roots {
		resolved, err := pathscope.Canonicalize(root)
		if err != nil {
			return nil, err
		}
		canonical = append(canonical, resolved)
	}
	return canonical, nil
}

// validateParamShape rejects unknown params keys and checks that every key
// the descriptor declares is present, per the Gateway's pre-submit
// validation contract.
func validateParamShape(descriptor registry.Descriptor, params json.RawMessage) error {
	decoded := map[string]json.RawMessage{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return errInvalidParams
		}
	}

	allowed := make(map[string]bool, len(descriptor.ParamKeys))
	for _, key := range descriptor.ParamKeys {
		allowed[key] = true
	}
	for key := range decoded {
		if !allowed[key] {
			return errUnknownParamKey(key)
		}
	}
	for _, key := range descriptor.ParamKeys {
		if _, ok := decoded[key]; !ok {
			return errMissingParamKey(key)
		}
	}
	return nil
}

// validateParamPaths canonicalizes the well-known path-shaped param keys
// and confirms each resolves under one of the job's allowed roots.
func validateParamPaths(params json.RawMessage, canonicalRoots []string) error {
	decoded := map[string]any{}
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, &decoded); err != nil {
		return nil
	}

	for _, key := range []string{"root", "path", "cwd", "trash_path", "restore_to"} {
		raw, ok := decoded[key]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}
		if _, err := pathscope.EnsureWithinAllowedRoots(value, canonicalRoots); err != nil {
			return err
		}
	}
	return nil
}

func translateStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperror.NotFound("resource not found")
	case errors.Is(err, store.ErrBadState):
		return apperror.BadState("resource is in an unexpected state", err)
	case errors.Is(err, store.ErrExpired):
		return apperror.Expired("approval has expired or was already consumed", err)
	case errors.Is(err, store.ErrMismatch):
		return apperror.Mismatch("approval does not match the referenced plan", err)
	case errors.Is(err, store.ErrInvalidArgument):
		return apperror.InvalidArgument(err.Error(), err)
	default:
		if appErr, ok := apperror.As(err); ok {
			return appErr
		}
		return apperror.Internal(err)
	}
}
