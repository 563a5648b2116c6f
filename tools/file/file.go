// Package file provides file_read and file_write tools confined to the
// conversation working directory. Reading a PDF extracts its plain text.
package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	manta "github.com/rheza/manta"
)

const maxReadContent = 8000

// Tool provides file read/write within the conversation workdir.
type Tool struct{}

// New creates a file Tool.
func New() *Tool {
	return &Tool{}
}

// Descriptors returns descriptors for both operations.
func (t *Tool) Descriptors() []manta.Descriptor {
	return []manta.Descriptor{
		{
			Name:        "file_read",
			Description: "Read a file from the working directory. PDFs are returned as extracted plain text. Content is truncated to 8000 chars if large.",
			Parameters: []byte(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path relative to the working directory"}
				},
				"required": ["path"]
			}`),
			Required: []string{"path"},
			Pure:     true,
		},
		{
			Name:        "file_write",
			Description: "Write content to a file in the working directory. Creates parent directories if needed.",
			Parameters: []byte(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path relative to the working directory"},
					"content": {"type": "string", "description": "Content to write"}
				},
				"required": ["path", "content"]
			}`),
			Required: []string{"path", "content"},
		},
	}
}

// Register adds both tools to a registry.
func (t *Tool) Register(reg *manta.Registry) error {
	descs := t.Descriptors()
	if err := reg.Register(descs[0], t.HandleRead); err != nil {
		return err
	}
	return reg.Register(descs[1], t.HandleWrite)
}

// HandleRead runs one file_read invocation.
func (t *Tool) HandleRead(ctx context.Context, args map[string]any, inv manta.Invocation) (manta.ToolResult, error) {
	path, _ := args["path"].(string)
	resolved, err := resolvePath(inv.Workdir, path)
	if err != nil {
		return manta.ToolResult{}, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return manta.ToolResult{}, fmt.Errorf("read error: %w", err)
	}

	var content string
	if strings.EqualFold(filepath.Ext(resolved), ".pdf") {
		content, err = extractPDFText(data)
		if err != nil {
			return manta.ToolResult{}, fmt.Errorf("pdf extract error: %w", err)
		}
	} else {
		content = string(data)
	}

	if len(content) > maxReadContent {
		content = content[:maxReadContent] + "\n... (truncated)"
	}
	return manta.ToolResult{Content: content}, nil
}

// HandleWrite runs one file_write invocation.
func (t *Tool) HandleWrite(ctx context.Context, args map[string]any, inv manta.Invocation) (manta.ToolResult, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := resolvePath(inv.Workdir, path)
	if err != nil {
		return manta.ToolResult{}, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return manta.ToolResult{}, fmt.Errorf("mkdir error: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return manta.ToolResult{}, fmt.Errorf("write error: %w", err)
	}

	rel, _ := filepath.Rel(inv.Workdir, resolved)
	return manta.ToolResult{
		Content: fmt.Sprintf("Written %d bytes to %s", len(content), rel),
		Files:   []string{manta.NormalizeFilename(filepath.ToSlash(rel))},
	}, nil
}

// resolvePath joins path against the workdir and rejects escapes.
func resolvePath(workdir, path string) (string, error) {
	if workdir == "" {
		return "", fmt.Errorf("no working directory for this conversation")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	resolved := filepath.Join(workdir, path)
	rel, err := filepath.Rel(workdir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", path)
	}
	return resolved, nil
}

func extractPDFText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		text.WriteString(pageText)
		text.WriteString("\n\n")
	}
	return strings.TrimSpace(text.String()), nil
}
