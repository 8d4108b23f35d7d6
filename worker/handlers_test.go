package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aiop/operator/store"
)

func TestRepoChangeHandler_WritesPatchArtifact(t *testing.T) {
	dir := t.TempDir()
	h := RepoChangeHandler(dir)

	task := &store.Task{Payload: map[string]any{"name": "feature-x", "patch": "diff --git a b\n"}}
	result, err := h(context.Background(), task)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	path, _ := result["artifact_path"].(string)
	if path == "" {
		t.Fatal("expected non-empty artifact_path")
	}
	if filepath.Dir(path) != filepath.Join(dir, "patches") {
		t.Fatalf("artifact written to %s, want under %s/patches", path, dir)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(contents) != "diff --git a b\n" {
		t.Fatalf("unexpected artifact contents: %q", contents)
	}
}

func TestDocBuildHandler_WritesMarkdownArtifact(t *testing.T) {
	dir := t.TempDir()
	h := DocBuildHandler(dir)

	task := &store.Task{Payload: map[string]any{"name": "readme", "markdown": "# Title\n"}}
	result, err := h(context.Background(), task)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	path, _ := result["artifact_path"].(string)
	if filepath.Dir(path) != filepath.Join(dir, "docs") {
		t.Fatalf("artifact written to %s, want under %s/docs", path, dir)
	}
}

func TestRepoChangeHandler_MissingFieldsIsInvalidArgument(t *testing.T) {
	h := RepoChangeHandler(t.TempDir())
	_, err := h(context.Background(), &store.Task{Payload: map[string]any{}})
	if err == nil {
		t.Fatal("expected error for missing name/patch")
	}
}

func TestPatchApplyHandler_DefaultsRequireCleanTrue(t *testing.T) {
	h := PatchApplyHandler()
	task := &store.Task{Payload: map[string]any{"repo_path": "/repo", "patch_path": "/tmp/x.patch"}}
	result, err := h(context.Background(), task)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result["require_clean"] != true {
		t.Fatalf("expected require_clean to default true, got %+v", result["require_clean"])
	}
	if result["applied"] != false {
		t.Fatalf("expected applied=false (out-of-scope collaborator), got %+v", result["applied"])
	}
}

func TestPatchApplyHandler_RespectsExplicitRequireClean(t *testing.T) {
	h := PatchApplyHandler()
	task := &store.Task{Payload: map[string]any{
		"repo_path": "/repo", "patch_path": "/tmp/x.patch", "require_clean": false,
	}}
	result, err := h(context.Background(), task)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result["require_clean"] != false {
		t.Fatalf("expected require_clean=false, got %+v", result["require_clean"])
	}
}
