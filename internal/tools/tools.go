// Package tools implements the concrete tool handlers the Worker Pool
// dispatches jobs to, keyed by registry.Descriptor.TypeID.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cayde/coworker-server/internal/audit"
	"github.com/cayde/coworker-server/internal/store"
)

// ErrNotImplemented marks a registered tool whose real implementation is
// an out-of-scope external collaborator per the orchestrator's spec.
var ErrNotImplemented = errors.New("tool not implemented in this orchestrator")

// Output is what a handler returns on success: the job's Result payload.
type Output struct {
	Bytes       []byte
	ContentType string
}

// Context is everything a handler needs to execute one job: its id,
// params, allowed roots, the audit log and the CP Store. It carries no
// clock; handlers read the current time themselves.
type Context struct {
	JobID        string
	Params       json.RawMessage
	AllowedRoots []string
	Audit        *audit.Log
	Store        *store.Store
}

// Handler executes one tool invocation. Handlers must re-validate every
// path they touch against AllowedRoots and must be safe to re-run after a
// lease reclaim (at-least-once execution).
type Handler func(ctx context.Context, toolCtx Context) (Output, error)

// Registry maps a job type id to its handler.
type Registry map[string]Handler

// Default wires every known job type to its concrete implementation.
func Default() Registry {
	return Registry{
		typeDirScan:           handleDirScan,
		typeDirList:           handleDirList,
		typeFileRead:          handleFileRead,
		typeOrganizePlan:      handleOrganizePlan,
		typeExecutePlan:       handleExecutePlan,
		typeWebBrowse:         handleWebBrowse,
		typeDocxWrite:         handleDocxWrite,
		typePDFWrite:          handlePDFWrite,
		typeCodeExecute:       handleCodeExecute,
		typeAudioCapture:      handleAudioCapture,
		typeTranscriptAnalyze: handleTranscriptAnalyze,
		typeSoftDelete:        handleSoftDelete,
		typeRestoreFromTrash:  handleRestoreFromTrash,
		typeCreateExcel:       handleCreateExcel,
		typeSearchPastActions: handleSearchPastActions,
		typeSearchGoogleDrive: handleSearchGoogleDrive,
		typeListenMeeting:     handleListenMeeting,
	}
}

// these mirror registry.Type* without importing registry, keeping tools
// decoupled from the descriptor catalog's package (handlers only need the
// string ids, not the full descriptor).
const (
	typeDirScan           = "dir_scan"
	typeDirList           = "dir_list"
	typeFileRead          = "file_read"
	typeOrganizePlan      = "organize_plan"
	typeExecutePlan       = "execute_plan"
	typeWebBrowse         = "web_browse"
	typeDocxWrite         = "docx_write"
	typePDFWrite          = "pdf_write"
	typeCodeExecute       = "code_execute"
	typeAudioCapture      = "audio_capture"
	typeTranscriptAnalyze = "transcript_analyze"
	typeSoftDelete        = "soft_delete"
	typeRestoreFromTrash  = "restore_from_trash"
	typeCreateExcel       = "create_excel"
	typeSearchPastActions = "search_past_actions"
	typeSearchGoogleDrive = "search_google_drive"
	typeListenMeeting     = "listen_meeting"
)

func decodeParams(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	return json.Unmarshal(raw, target)
}
