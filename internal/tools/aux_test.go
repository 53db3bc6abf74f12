package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cayde/coworker-server/internal/audit"
)

func TestHandleCreateExcel(t *testing.T) {
	cases := []struct {
		name string
		data []map[string]any
	}{
		{name: "writes an envelope for tabular rows", data: []map[string]any{{"name": "a", "qty": "1"}}},
		{name: "writes an empty envelope for no rows", data: nil},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			root := t.TempDir()
			destination := filepath.Join(root, "out.xlsx")
			params, _ := json.Marshal(createExcelParams{Path: destination, Data: testCase.data})

			output, err := handleCreateExcel(context.Background(), Context{
				Params:       params,
				AllowedRoots: []string{root},
				Audit:        audit.New(),
				JobID:        "job-1",
			})
			if err != nil {
				t.Fatalf("handleCreateExcel: %v", err)
			}
			if _, err := os.Stat(destination); err != nil {
				t.Fatalf("expected %s to be written, got %v", destination, err)
			}

			var body struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(output.Bytes, &body); err != nil {
				t.Fatalf("unmarshal output: %v", err)
			}
			if body.Path != destination {
				t.Fatalf("expected output path %s, got %s", destination, body.Path)
			}
		})
	}
}

func TestHandleSearchPastActions(t *testing.T) {
	root := t.TempDir()
	auditLog := audit.New()
	t.Cleanup(func() { _ = auditLog.Close() })

	if err := auditLog.Append(root, audit.Entry{TimestampMs: 1, JobID: "job-1", Action: "soft_delete", Path: filepath.Join(root, "a.txt")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := auditLog.Append(root, audit.Entry{TimestampMs: 2, JobID: "job-2", Action: "docx_write", Path: filepath.Join(root, "report.docx")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	cases := []struct {
		name      string
		query     string
		wantCount int
	}{
		{name: "matches by action", query: "soft_delete", wantCount: 1},
		{name: "matches by path substring case-insensitively", query: "REPORT.DOCX", wantCount: 1},
		{name: "no match returns empty", query: "nonexistent", wantCount: 0},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			params, _ := json.Marshal(searchPastActionsParams{Query: testCase.query, Root: root})
			output, err := handleSearchPastActions(context.Background(), Context{
				Params:       params,
				AllowedRoots: []string{root},
			})
			if err != nil {
				t.Fatalf("handleSearchPastActions: %v", err)
			}

			var body struct {
				Matches []string `json:"matches"`
			}
			if err := json.Unmarshal(output.Bytes, &body); err != nil {
				t.Fatalf("unmarshal output: %v", err)
			}
			if len(body.Matches) != testCase.wantCount {
				t.Fatalf("expected %d matches, got %d (%v)", testCase.wantCount, len(body.Matches), body.Matches)
			}
		})
	}
}

func TestHandleSearchPastActionsWithNoAuditLogYet(t *testing.T) {
	root := t.TempDir()
	params, _ := json.Marshal(searchPastActionsParams{Query: "anything", Root: root})

	output, err := handleSearchPastActions(context.Background(), Context{
		Params:       params,
		AllowedRoots: []string{root},
	})
	if err != nil {
		t.Fatalf("handleSearchPastActions: %v", err)
	}

	var body struct {
		Matches []string `json:"matches"`
	}
	if err := json.Unmarshal(output.Bytes, &body); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(body.Matches) != 0 {
		t.Fatalf("expected no matches against a workspace with no audit log, got %v", body.Matches)
	}
}
