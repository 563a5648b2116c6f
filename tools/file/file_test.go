package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	manta "github.com/rheza/manta"
)

func TestWriteThenRead(t *testing.T) {
	tool := New()
	inv := manta.Invocation{Workdir: t.TempDir()}
	ctx := context.Background()

	res, err := tool.HandleWrite(ctx, map[string]any{
		"path":    "notes/summary.txt",
		"content": "three key findings",
	}, inv)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 || res.Files[0] != "notes/summary.txt" {
		t.Errorf("files = %v", res.Files)
	}

	res, err = tool.HandleRead(ctx, map[string]any{"path": "notes/summary.txt"}, inv)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "three key findings" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestReadTruncatesLargeFiles(t *testing.T) {
	tool := New()
	dir := t.TempDir()
	big := strings.Repeat("x", maxReadContent+500)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := tool.HandleRead(context.Background(), map[string]any{"path": "big.txt"}, manta.Invocation{Workdir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(res.Content, "... (truncated)") {
		t.Error("truncation marker missing")
	}
	if len(res.Content) > maxReadContent+len("\n... (truncated)") {
		t.Errorf("content length = %d", len(res.Content))
	}
}

func TestReadMissingFile(t *testing.T) {
	tool := New()
	_, err := tool.HandleRead(context.Background(), map[string]any{"path": "nope.txt"}, manta.Invocation{Workdir: t.TempDir()})
	if err == nil {
		t.Fatal("missing file read succeeded")
	}
}

func TestResolvePathRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{
		"/etc/passwd",
		"../outside.txt",
		"a/../../outside.txt",
	} {
		if _, err := resolvePath(dir, p); err == nil {
			t.Errorf("%q accepted", p)
		}
	}
	// Dotdot that stays inside the workdir is fine.
	if _, err := resolvePath(dir, "a/../b.txt"); err != nil {
		t.Errorf("internal dotdot rejected: %v", err)
	}
	if _, err := resolvePath("", "b.txt"); err == nil {
		t.Error("empty workdir accepted")
	}
}

func TestWriteRejectsEscape(t *testing.T) {
	tool := New()
	inv := manta.Invocation{Workdir: t.TempDir()}
	_, err := tool.HandleWrite(context.Background(), map[string]any{
		"path":    "../escape.txt",
		"content": "x",
	}, inv)
	if err == nil {
		t.Fatal("escape write succeeded")
	}
}
