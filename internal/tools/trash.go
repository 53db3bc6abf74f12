package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cayde/coworker-server/internal/audit"
	"github.com/cayde/coworker-server/internal/pathscope"
)

type softDeleteParams struct {
	Path string `json:"path"`
}

// handleSoftDelete moves a file into <workspace_root>/.coworker_trash/<job_id>/
// rather than removing it, per the never-hard-delete posture. Keying the
// trash subdirectory by job_id makes a lease-reclaim re-execution of the
// same job idempotent: a retry finds its own prior move already applied.
func handleSoftDelete(_ context.Context, toolCtx Context) (Output, error) {
	var params softDeleteParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}

	sourcePath, err := pathscope.EnsureWithinAllowedRoots(params.Path, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	workspaceRoot := firstAllowedRoot(toolCtx.AllowedRoots)
	trashDir := filepath.Join(workspaceRoot, ".coworker_trash", toolCtx.JobID)
	destination := filepath.Join(trashDir, filepath.Base(sourcePath))

	if _, err := os.Stat(destination); err == nil {
		return softDeleteResult(sourcePath, destination, "already_trashed")
	}

	if _, err := os.Stat(sourcePath); err != nil {
		if os.IsNotExist(err) {
			return Output{}, fmt.Errorf("soft_delete: %s does not exist and no trash entry was found for job %s", sourcePath, toolCtx.JobID)
		}
		return Output{}, err
	}

	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return Output{}, err
	}
	if err := os.Rename(sourcePath, destination); err != nil {
		return Output{}, err
	}

	if toolCtx.Audit != nil {
		_ = toolCtx.Audit.Append(workspaceRoot, audit.Entry{
			TimestampMs: audit.NowMs(),
			JobID:       toolCtx.JobID,
			Action:      "soft_delete",
			Path:        destination,
			Extra:       map[string]string{"from": sourcePath},
		})
	}

	return softDeleteResult(sourcePath, destination, "trashed")
}

func softDeleteResult(sourcePath string, trashPath string, outcome string) (Output, error) {
	body, err := json.Marshal(map[string]string{
		"path":       sourcePath,
		"trash_path": trashPath,
		"outcome":    outcome,
	})
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "application/json"}, nil
}

type restoreFromTrashParams struct {
	TrashPath string `json:"trash_path"`
	RestoreTo string `json:"restore_to"`
}

// handleRestoreFromTrash reverses a soft_delete: moves a trashed file back
// to a caller-chosen destination. Refuses to overwrite an existing
// destination, and treats a destination that already holds the restored
// file as a no-op success (the same retry-safety soft_delete provides).
func handleRestoreFromTrash(_ context.Context, toolCtx Context) (Output, error) {
	var params restoreFromTrashParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}

	trashPath, err := pathscope.EnsureWithinAllowedRoots(params.TrashPath, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}
	restoreTo, err := pathscope.EnsureWithinAllowedRoots(params.RestoreTo, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	if _, err := os.Stat(restoreTo); err == nil {
		// The destination exists. If the trash entry is gone, a prior
		// attempt already restored it; if it is still there, the
		// destination holds an unrelated file that must not be overwritten.
		if _, statErr := os.Stat(trashPath); os.IsNotExist(statErr) {
			return restoreResult(restoreTo, "already_restored")
		} else if statErr != nil {
			return Output{}, statErr
		}
		return Output{}, fmt.Errorf("restore_from_trash: destination %s already exists", restoreTo)
	}

	if _, err := os.Stat(trashPath); err != nil {
		if os.IsNotExist(err) {
			return Output{}, fmt.Errorf("restore_from_trash: %s does not exist and restore destination %s is also missing", trashPath, restoreTo)
		}
		return Output{}, err
	}

	if err := os.MkdirAll(filepath.Dir(restoreTo), 0o755); err != nil {
		return Output{}, err
	}
	if err := os.Rename(trashPath, restoreTo); err != nil {
		return Output{}, err
	}

	if toolCtx.Audit != nil {
		workspaceRoot := firstAllowedRoot(toolCtx.AllowedRoots)
		_ = toolCtx.Audit.Append(workspaceRoot, audit.Entry{
			TimestampMs: audit.NowMs(),
			JobID:       toolCtx.JobID,
			Action:      "restore",
			Path:        restoreTo,
			Extra:       map[string]string{"from": trashPath},
		})
	}

	return restoreResult(restoreTo, "restored")
}

func restoreResult(restoreTo string, outcome string) (Output, error) {
	body, err := json.Marshal(map[string]string{
		"restored_to": restoreTo,
		"outcome":     outcome,
	})
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "application/json"}, nil
}
