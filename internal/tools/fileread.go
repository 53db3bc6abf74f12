package tools

import (
	"context"
	"net/http"
	"os"

	"github.com/cayde/coworker-server/internal/pathscope"
)

type fileReadParams struct {
	Path string `json:"path"`
}

func handleFileRead(_ context.Context, toolCtx Context) (Output, error) {
	var params fileReadParams
	if err := decodeParams(toolCtx.Params, &params); err != nil {
		return Output{}, err
	}

	canonicalPath, err := pathscope.EnsureWithinAllowedRoots(params.Path, toolCtx.AllowedRoots)
	if err != nil {
		return Output{}, err
	}

	bytes, err := os.ReadFile(canonicalPath)
	if err != nil {
		return Output{}, err
	}

	contentType := http.DetectContentType(bytes)
	return Output{Bytes: bytes, ContentType: contentType}, nil
}
