package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cayde/coworker-server/internal/pathscope"
)

type dirScanParams struct {
	Root string `json:"root"`
}

type scanEntry struct {
	Path    string `json:"path"`
	IsDir   bool   `json:"is_dir"`
	SizeB   int64  `json:"size_bytes"`
	ModTime string `json:"mod_time"`
}

func handleDirScan(_ context.Context, toolCtx Context) (Output, error) {
	var params dirScanParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}

	root, err := pathscope.EnsureWithinAllowedRoots(params.Root, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	var entries []scanEntry
	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		entries = append(entries, scanEntry{
			Path:    path,
			IsDir:   info.IsDir(),
			SizeB:   info.Size(),
			ModTime: info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return Output{}, err
	}

	body, err := json.Marshal(map[string]any{"root": root, "entries": entries})
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "application/json"}, nil
}

func handleDirList(_ context.Context, toolCtx Context) (Output, error) {
	var params dirScanParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}

	root, err := pathscope.EnsureWithinAllowedRoots(params.Root, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	direntries, err := os.ReadDir(root)
	if err != nil {
		return Output{}, err
	}

	entries := make([]scanEntry, 0, len(direntries))
	for _, direntry := range direntries {
		info, infoErr := direntry.Info()
		if infoErr != nil {
			return Output{}, infoErr
		}
		entries = append(entries, scanEntry{
			Path:    filepath.Join(root, direntry.Name()),
			IsDir:   direntry.IsDir(),
			SizeB:   info.Size(),
			ModTime: info.ModTime().UTC().Format(time.RFC3339),
		})
	}

	body, err := json.Marshal(map[string]any{"root": root, "entries": entries})
	if err != nil {
		return Output{}, err
	}
	return Output{Bytes: body, ContentType: "application/json"}, nil
}
