package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	operator "github.com/aiop/operator"
	"github.com/aiop/operator/store"
	"github.com/aiop/operator/tool"
)

// Handler runs one task's payload and returns its result fields. The
// Worker normalizes whatever it returns into the task's result column.
type Handler func(ctx context.Context, task *store.Task) (map[string]any, error)

// ToolCallHandler dispatches tool.call tasks to registry, validating the
// {tool, args} payload shape first.
func ToolCallHandler(registry *tool.Registry) Handler {
	return func(ctx context.Context, task *store.Task) (map[string]any, error) {
		name, ok := task.Payload["tool"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: tool.call payload missing string \"tool\"", operator.ErrInvalidArgument)
		}

		args, _ := task.Payload["args"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}

		return registry.Run(ctx, name, args)
	}
}

// RepoChangeHandler writes the payload's "patch" field to
// artifactsDir/patches/<ts>_<name>.patch and returns the artifact metadata.
func RepoChangeHandler(artifactsDir string) Handler {
	return func(ctx context.Context, task *store.Task) (map[string]any, error) {
		name, _ := task.Payload["name"].(string)
		patch, ok := task.Payload["patch"].(string)
		if name == "" || !ok {
			return nil, fmt.Errorf("%w: repo.change payload requires string \"name\" and \"patch\"", operator.ErrInvalidArgument)
		}

		path, err := writeArtifact(artifactsDir, "patches", name, "patch", patch)
		if err != nil {
			return nil, err
		}

		return map[string]any{"artifact_path": path, "name": name, "bytes": len(patch)}, nil
	}
}

// DocBuildHandler writes the payload's "markdown" field to
// artifactsDir/docs/<ts>_<name>.md and returns the artifact metadata.
func DocBuildHandler(artifactsDir string) Handler {
	return func(ctx context.Context, task *store.Task) (map[string]any, error) {
		name, _ := task.Payload["name"].(string)
		markdown, ok := task.Payload["markdown"].(string)
		if name == "" || !ok {
			return nil, fmt.Errorf("%w: doc.build payload requires string \"name\" and \"markdown\"", operator.ErrInvalidArgument)
		}

		path, err := writeArtifact(artifactsDir, "docs", name, "md", markdown)
		if err != nil {
			return nil, err
		}

		return map[string]any{"artifact_path": path, "name": name, "bytes": len(markdown)}, nil
	}
}

// PatchApplyHandler is a stand-in for the out-of-scope patch-apply
// collaborator (§1 Non-goals): it validates the payload shape and returns a
// structured result without touching any working tree, defaulting
// require_clean to true per the source's documented policy.
func PatchApplyHandler() Handler {
	return func(ctx context.Context, task *store.Task) (map[string]any, error) {
		repoPath, _ := task.Payload["repo_path"].(string)
		patchPath, _ := task.Payload["patch_path"].(string)
		if repoPath == "" || patchPath == "" {
			return nil, fmt.Errorf("%w: patch.apply payload requires string \"repo_path\" and \"patch_path\"", operator.ErrInvalidArgument)
		}

		requireClean := true
		if v, ok := task.Payload["require_clean"].(bool); ok {
			requireClean = v
		}
		checkOnly, _ := task.Payload["check_only"].(bool)

		return map[string]any{
			"repo_path":     repoPath,
			"patch_path":    patchPath,
			"require_clean": requireClean,
			"check_only":    checkOnly,
			"applied":       false,
			"note":          "patch application is an out-of-scope collaborator; this handler only validates and echoes the request",
		}, nil
	}
}

func writeArtifact(artifactsDir, kind, name, ext, content string) (string, error) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	dir := filepath.Join(artifactsDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s", ts, name, ext))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	return path, nil
}

// DefaultHandlers builds the closed dispatch table keyed by task type.
func DefaultHandlers(registry *tool.Registry, artifactsDir string) map[string]Handler {
	return map[string]Handler{
		store.TypeToolCall:   ToolCallHandler(registry),
		store.TypeRepoChange: RepoChangeHandler(artifactsDir),
		store.TypeDocBuild:   DocBuildHandler(artifactsDir),
		store.TypePatchApply: PatchApplyHandler(),
	}
}
