package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cayde/coworker-server/internal/apperror"
	"github.com/cayde/coworker-server/internal/audit"
	"github.com/cayde/coworker-server/internal/pathscope"
	"github.com/cayde/coworker-server/internal/store"
)

// Closed set of organize_plan policies, per the original source's fixed
// sorting-rule enumeration.
const (
	PolicyByExt  = "by_ext"
	PolicyByDate = "by_date"
	PolicyByType = "by_type"
)

type organizePlanParams struct {
	Root   string `json:"root"`
	Policy string `json:"policy"`
}

type planMove struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type organizePlan struct {
	Root   string     `json:"root"`
	Policy string     `json:"policy"`
	Moves  []planMove `json:"moves"`
}

func handleOrganizePlan(_ context.Context, toolCtx Context) (Output, error) {
	var params organizePlanParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}
	switch params.Policy {
	case PolicyByExt, PolicyByDate, PolicyByType:
	default:
		return Output{}, apperror.InvalidArgument(fmt.Sprintf("unknown organize policy %q", params.Policy), nil)
	}

	root, err := pathscope.EnsureWithinAllowedRoots(params.Root, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	direntries, err := os.ReadDir(root)
	if err != nil {
		return Output{}, err
	}

	moves := make([]planMove, 0, len(direntries))
	for _, direntry := range direntries {
		if direntry.IsDir() {
			continue
		}
		info, infoErr := direntry.Info()
		if infoErr != nil {
			return Output{}, infoErr
		}
		destinationDir := destinationFor(params.Policy, direntry.Name(), info.ModTime())
		moves = append(moves, planMove{
			From: filepath.Join(root, direntry.Name()),
			To:   filepath.Join(root, destinationDir, direntry.Name()),
		})
	}
	// deterministic ordering so re-planning over unchanged inputs produces
	// a stable plan_hash, per the tool dispatch contract.
	sort.Slice(moves, func(i, j int) bool { return moves[i].From < moves[j].From })

	plan := organizePlan{Root: root, Policy: params.Policy, Moves: moves}
	body, err := json.Marshal(plan)
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "application/json"}, nil
}

func destinationFor(policy string, name string, modTime time.Time) string {
	switch policy {
	case PolicyByExt:
		ext := strings.TrimPrefix(filepath.Ext(name), ".")
		if ext == "" {
			ext = "noext"
		}
		return ext
	case PolicyByDate:
		return modTime.UTC().Format("2006-01")
	case PolicyByType:
		return broadTypeFor(filepath.Ext(name))
	default:
		return "other"
	}
}

func broadTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return "images"
	case ".mp4", ".mov", ".avi", ".mkv":
		return "videos"
	case ".mp3", ".wav", ".flac", ".m4a":
		return "audio"
	case ".doc", ".docx", ".pdf", ".txt", ".md":
		return "documents"
	default:
		return "other"
	}
}

type executePlanParams struct {
	PlanJobID string `json:"plan_job_id"`
}

type moveOutcome struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Outcome string `json:"outcome"`
}

// handleExecutePlan re-reads the plan's stored result (never trusting the
// caller's copy) and performs each move. Partial pre-existing destinations
// are handled per the decided policy: skip-if-identical, fail-if-different.
func handleExecutePlan(ctx context.Context, toolCtx Context) (Output, error) {
	var params executePlanParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}
	if params.PlanJobID == "" {
		return Output{}, apperror.InvalidArgument("plan_job_id is required", nil)
	}

	planJob, err := toolCtx.Store.GetJob(ctx, params.PlanJobID)
	if err != nil {
		return Output{}, err
	}
	if planJob.Status != store.JobSucceeded {
		return Output{}, apperror.BadState("referenced plan job is not SUCCEEDED", nil)
	}
	planResult, err := toolCtx.Store.GetResult(ctx, params.PlanJobID)
	if err != nil {
		return Output{}, err
	}

	var plan organizePlan
	if err := json.Unmarshal(planResult.Bytes, &plan); err != nil {
		return Output{}, fmt.Errorf("plan result is not a valid organize plan: %w", err)
	}

	outcomes := make([]moveOutcome, 0, len(plan.Moves))
	for _, move := range plan.Moves {
		if _, err := pathscope.EnsureWithinAllowedRoots(move.From, toolCtx.AllowedRoots); err != nil {
			return Output{}, err
		}
		destination, err := pathscope.EnsureWithinAllowedRoots(move.To, toolCtx.AllowedRoots)
		if err != nil {
			return Output{}, err
		}

		outcome, err := applyMove(move.From, destination)
		if err != nil {
			if appErr, ok := apperror.As(err); ok && appErr.Code == apperror.CodeBadState && toolCtx.Audit != nil {
				_ = toolCtx.Audit.Append(plan.Root, audit.Entry{
					TimestampMs: audit.NowMs(),
					JobID:       toolCtx.JobID,
					Action:      "execute_plan.move",
					Path:        destination,
					Extra:       map[string]string{"from": move.From, "outcome": "conflict"},
				})
			}
			return Output{}, err
		}
		outcomes = append(outcomes, moveOutcome{From: move.From, To: destination, Outcome: outcome})

		if toolCtx.Audit != nil {
			_ = toolCtx.Audit.Append(plan.Root, audit.Entry{
				TimestampMs: audit.NowMs(),
				JobID:       toolCtx.JobID,
				Action:      "execute_plan.move",
				Path:        destination,
				Extra:       map[string]string{"from": move.From, "outcome": outcome},
			})
		}
	}

	body, err := json.Marshal(map[string]any{"plan_job_id": params.PlanJobID, "outcomes": outcomes})
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "application/json"}, nil
}

func applyMove(from string, to string) (string, error) {
	if _, err := os.Stat(to); err == nil {
		// The destination already exists. Either a genuinely conflicting
		// file was sitting there before this plan ever ran (from still
		// exists, so compare contents), or this is a lease-reclaim retry
		// of a move the crashed worker already completed (from is gone —
		// the destination's presence is itself the evidence the move
		// already happened, since nothing else in this plan could have
		// put a file there).
		if _, statErr := os.Stat(from); os.IsNotExist(statErr) {
			return "already_moved", nil
		} else if statErr != nil {
			return "", statErr
		}

		identical, err := filesIdentical(from, to)
		if err != nil {
			return "", err
		}
		if identical {
			return "skipped_identical", nil
		}
		return "", apperror.New(409, apperror.CodeBadState,
			fmt.Sprintf("destination %s already exists with different content", to), nil)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(from, to); err != nil {
		return "", err
	}
	return "moved", nil
}

func filesIdentical(leftPath string, rightPath string) (bool, error) {
	leftBytes, err := os.ReadFile(leftPath)
	if err != nil {
		return false, err
	}
	rightBytes, err := os.ReadFile(rightPath)
	if err != nil {
		return false, err
	}
	return bytes.Equal(leftBytes, rightBytes), nil
}
