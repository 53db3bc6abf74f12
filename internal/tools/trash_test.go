package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestHandleSoftDelete(t *testing.T) {
	cases := []struct {
		name        string
		seedFile    bool
		seedTrashed bool
		wantOutcome string
		wantErr     bool
	}{
		{name: "moves an existing file into trash", seedFile: true, wantOutcome: "trashed"},
		{name: "is idempotent against a retry after the file already moved", seedTrashed: true, wantOutcome: "already_trashed"},
		{name: "fails when neither the source nor a trash entry exists", wantErr: true},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			root := t.TempDir()
			jobID := "job-1"
			sourcePath := filepath.Join(root, "a.txt")
			trashPath := filepath.Join(root, ".coworker_trash", jobID, "a.txt")

			if testCase.seedFile {
				mustWriteFile(t, sourcePath, "hello")
			}
			if testCase.seedTrashed {
				if err := os.MkdirAll(filepath.Dir(trashPath), 0o755); err != nil {
					t.Fatalf("MkdirAll: %v", err)
				}
				mustWriteFile(t, trashPath, "hello")
			}

			params, _ := json.Marshal(softDeleteParams{Path: sourcePath})
			toolCtx := Context{JobID: jobID, Params: params, AllowedRoots: []string{root}}

			output, err := handleSoftDelete(context.Background(), toolCtx)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("handleSoftDelete: %v", err)
			}

			var result struct {
				TrashPath string `json:"trash_path"`
				Outcome   string `json:"outcome"`
			}
			if err := json.Unmarshal(output.Bytes, &result); err != nil {
				t.Fatalf("unmarshal result: %v", err)
			}
			if result.Outcome != testCase.wantOutcome {
				t.Fatalf("expected outcome %q, got %q", testCase.wantOutcome, result.Outcome)
			}
			if _, err := os.Stat(trashPath); err != nil {
				t.Fatalf("expected trash entry to exist at %s, got %v", trashPath, err)
			}
			if _, err := os.Stat(sourcePath); !os.IsNotExist(err) {
				t.Fatalf("expected source to no longer exist at its original path")
			}
		})
	}
}

func TestHandleRestoreFromTrash(t *testing.T) {
	cases := []struct {
		name              string
		seedTrash         bool
		seedRestoredAlready bool
		wantOutcome       string
		wantErr           bool
	}{
		{name: "restores a trashed file to its original location", seedTrash: true, wantOutcome: "restored"},
		{name: "is idempotent against a retry after the file already restored", seedRestoredAlready: true, wantOutcome: "already_restored"},
		{name: "fails when neither the trash entry nor the destination exists", wantErr: true},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			root := t.TempDir()
			jobID := "job-2"
			trashPath := filepath.Join(root, ".coworker_trash", jobID, "a.txt")
			restoreTo := filepath.Join(root, "a.txt")

			if testCase.seedTrash {
				if err := os.MkdirAll(filepath.Dir(trashPath), 0o755); err != nil {
					t.Fatalf("MkdirAll: %v", err)
				}
				mustWriteFile(t, trashPath, "hello")
			}
			if testCase.seedRestoredAlready {
				mustWriteFile(t, restoreTo, "hello")
			}

			params, _ := json.Marshal(restoreFromTrashParams{TrashPath: trashPath, RestoreTo: restoreTo})
			toolCtx := Context{JobID: jobID, Params: params, AllowedRoots: []string{root}}

			output, err := handleRestoreFromTrash(context.Background(), toolCtx)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("handleRestoreFromTrash: %v", err)
			}

			var result struct {
				RestoredTo string `json:"restored_to"`
				Outcome    string `json:"outcome"`
			}
			if err := json.Unmarshal(output.Bytes, &result); err != nil {
				t.Fatalf("unmarshal result: %v", err)
			}
			if result.Outcome != testCase.wantOutcome {
				t.Fatalf("expected outcome %q, got %q", testCase.wantOutcome, result.Outcome)
			}
			if _, err := os.Stat(restoreTo); err != nil {
				t.Fatalf("expected restored file to exist at %s, got %v", restoreTo, err)
			}
		})
	}
}
