// Package audit implements the append-only, workspace-anchored audit log
// from the CP Store spec: one flushed JSON line per mutation, never
// rewritten, tagged with the originating job_id for post-hoc dedup after a
// lease-reclaim re-execution.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cayde/coworker-server/internal/logging"
)

const fileName = ".coworker_audit.jsonl"

// Entry is one append-only audit record.
type Entry struct {
	TimestampMs int64  `json:"ts_ms"`
	JobID       string `json:"job_id"`
	Action      string `json:"action"`
	Path        string `json:"path,omitempty"`
	Extra       any    `json:"extra,omitempty"`
}

// Log manages one open append-mode file handle per workspace root. Workers
// share a Log instance; writes are serialized with a mutex since the JSONL
// contract only requires the file never be rewritten, not that Go-level
// callers avoid interleaving partial writes under concurrency.
type Log struct {
	mutex   sync.Mutex
	handles map[string]*os.File
}

// New returns an empty Log; files are opened lazily per workspace root.
func New() *Log {
	return &Log{handles: make(map[string]*os.File)}
}

// Append writes one flushed JSONL record under workspaceRoot.
func (log *Log) Append(workspaceRoot string, entry Entry) error {
	log.mutex.Lock()
	defer log.mutex.Unlock()

	handle, err := log.handleFor(workspaceRoot)
	if err != nil {
		return err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if _, err := handle.Write(line); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return handle.Sync()
}

func (log *Log) handleFor(workspaceRoot string) (*os.File, error) {
	if handle, ok := log.handles[workspaceRoot]; ok {
		return handle, nil
	}

	path := filepath.Join(workspaceRoot, fileName)
	handle, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.Logger.WithField("path", path).WithError(err).Error("failed to open audit log")
		return nil, err
	}
	log.handles[workspaceRoot] = handle
	return handle, nil
}

// Close releases every open file handle.
func (log *Log) Close() error {
	log.mutex.Lock()
	defer log.mutex.Unlock()

	var firstErr error
	for _, handle := range log.handles {
		if err := handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NowMs is the timestamp helper entries are stamped with.
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// maxSearchMatches bounds search_past_actions the same way the audit
// log's original search helper did: the most recent matches only, not an
// unbounded scan result.
const maxSearchMatches = 20

// Search scans workspaceRoot's audit log for entries whose raw JSONL line
// contains query as a case-insensitive substring, returning the most
// recent matches oldest-first. A missing audit log is not an error — a
// workspace with no mutations yet simply has no matches.
func Search(workspaceRoot string, query string) ([]string, error) {
	path := filepath.Join(workspaceRoot, fileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	needle := strings.ToLower(query)
	var matches []string
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		if line == "" {
			continue
		}
		if strings.Contains(strings.ToLower(line), needle) {
			matches = append(matches, line)
		}
	}
	if len(matches) > maxSearchMatches {
		matches = matches[len(matches)-maxSearchMatches:]
	}
	return matches, nil
}
