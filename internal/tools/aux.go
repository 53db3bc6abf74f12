package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cayde/coworker-server/internal/audit"
	"github.com/cayde/coworker-server/internal/pathscope"
)

type webBrowseParams struct {
	URL string `json:"url"`
}

// handleWebBrowse is a minimal stand-in for the real external collaborator
// (a headless browser). It performs a plain GET and returns the response
// body as text; no JS execution, no rendering.
func handleWebBrowse(ctx context.Context, toolCtx Context) (Output, error) {
	var params webBrowseParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return Output{}, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		return Output{}, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 10<<20))
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "text/plain"}, nil
}

type writeFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// handleDocxWrite and handlePDFWrite stand in for the real document
// writers (out of scope per the orchestrator's spec); they write the
// caller's content verbatim to the destination path (not a real .docx or
// .pdf file), record the mutation in the audit log, and return the
// written path as JSON.
func handleDocxWrite(_ context.Context, toolCtx Context) (Output, error) {
	return writeTextEnvelope(toolCtx, "docx_write")
}

func handlePDFWrite(_ context.Context, toolCtx Context) (Output, error) {
	return writeTextEnvelope(toolCtx, "pdf_write")
}

func writeTextEnvelope(toolCtx Context, action string) (Output, error) {
	var params writeFileParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}

	destination, err := pathscope.EnsureWithinAllowedRoots(params.Path, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return Output{}, err
	}
	if err := os.WriteFile(destination, []byte(params.Content), 0o644); err != nil {
		return Output{}, err
	}

	if toolCtx.Audit != nil {
		workspaceRoot := firstAllowedRoot(toolCtx.AllowedRoots)
		_ = toolCtx.Audit.Append(workspaceRoot, audit.Entry{
			TimestampMs: audit.NowMs(),
			JobID:       toolCtx.JobID,
			Action:      action,
			Path:        destination,
		})
	}

	body, err := json.Marshal(map[string]string{"path": destination})
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "application/json"}, nil
}

type createExcelParams struct {
	Path string           `json:"path"`
	Data []map[string]any `json:"data"`
}

// handleCreateExcel is a stand-in for the real spreadsheet writer (no
// grounding library for xlsx in the retrieval pack, mirroring docx_write
// and pdf_write above): it records the tabular data as a JSON envelope at
// the destination path rather than a real .xlsx workbook.
func handleCreateExcel(_ context.Context, toolCtx Context) (Output, error) {
	var params createExcelParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}

	destination, err := pathscope.EnsureWithinAllowedRoots(params.Path, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	envelope, err := json.Marshal(map[string]any{"rows": params.Data})
	if err != nil {
		return Output{}, err
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return Output{}, err
	}
	if err := os.WriteFile(destination, envelope, 0o644); err != nil {
		return Output{}, err
	}

	if toolCtx.Audit != nil {
		workspaceRoot := firstAllowedRoot(toolCtx.AllowedRoots)
		_ = toolCtx.Audit.Append(workspaceRoot, audit.Entry{
			TimestampMs: audit.NowMs(),
			JobID:       toolCtx.JobID,
			Action:      "create_excel",
			Path:        destination,
		})
	}

	body, err := json.Marshal(map[string]string{"path": destination})
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "application/json"}, nil
}

type searchPastActionsParams struct {
	Query string `json:"query"`
	Root  string `json:"root"`
}

// handleSearchPastActions greps the workspace's own append-only audit log
// for prior mutations matching query — the one original job type that
// needed no external collaborator to implement for real, since
// internal/audit already writes the file it searches.
func handleSearchPastActions(_ context.Context, toolCtx Context) (Output, error) {
	var params searchPastActionsParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}
	if params.Query == "" {
		return Output{}, fmt.Errorf("query is required")
	}

	root, err := pathscope.EnsureWithinAllowedRoots(params.Root, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	matches, err := audit.Search(root, params.Query)
	if err != nil {
		return Output{}, err
	}

	body, err := json.Marshal(map[string]any{"matches": matches})
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "application/json"}, nil
}

type codeExecuteParams struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

// handleCodeExecute runs the submitted command as a subprocess rooted at
// one of the allowed workspace roots. It does not sandbox the command
// beyond that; real isolation is an external collaborator's concern.
func handleCodeExecute(ctx context.Context, toolCtx Context) (Output, error) {
	var params codeExecuteParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}
	if params.Command == "" {
		return Output{}, fmt.Errorf("command is required")
	}

	cwd, err := pathscope.EnsureWithinAllowedRoots(params.Cwd, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	command := exec.CommandContext(ctx, "/bin/sh", "-c", params.Command)
	command.Dir = cwd
	output, runErr := command.CombinedOutput()

	result := map[string]any{
		"exit_code": command.ProcessState.ExitCode(),
		"output":    string(output),
	}
	if runErr != nil {
		result["error"] = runErr.Error()
	}

	body, err := json.Marshal(result)
	if err != nil {
		return Output{}, err
	}

	if toolCtx.Audit != nil {
		_ = toolCtx.Audit.Append(cwd, audit.Entry{
			TimestampMs: audit.NowMs(),
			JobID:       toolCtx.JobID,
			Action:      "code_execute",
			Extra:       map[string]string{"command": params.Command},
		})
	}

	return Output{Bytes: body, ContentType: "application/json"}, nil
}

// handleAudioCapture, handleTranscriptAnalyze and handleListenMeeting have
// no grounding library in the retrieval pack for a real audio device/ASR
// pipeline; they are registered (so their schema and mutating bit are
// known to the orchestrator) but return a typed not-implemented tool
// error, per DESIGN.md. handleSearchGoogleDrive is the same: the original
// implementation is itself an unauthenticated stub pending an
// out-of-workspace OAuth credential file, so there is nothing to ground a
// real implementation on.
func handleAudioCapture(_ context.Context, _ Context) (Output, error) {
	return Output{}, ErrNotImplemented
}

func handleTranscriptAnalyze(_ context.Context, _ Context) (Output, error) {
	return Output{}, ErrNotImplemented
}

func handleListenMeeting(_ context.Context, _ Context) (Output, error) {
	return Output{}, ErrNotImplemented
}

func handleSearchGoogleDrive(_ context.Context, _ Context) (Output, error) {
	return Output{}, ErrNotImplemented
}

func firstAllowedRoot(allowedRoots []string) string {
	if len(allowedRoots) == 0 {
		return ""
	}
	return allowedRoots[0]
}
