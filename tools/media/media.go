// Package media provides the generate_image tool. Generated images land in
// the conversation working directory and are reported through the change set.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	manta "github.com/rheza/manta"
)

// Generator produces images from a text prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]GeneratedImage, error)
}

// GeneratedImage is one image returned by a Generator.
type GeneratedImage struct {
	MimeType string
	Data     []byte
}

// Tool generates images and writes them into the workdir.
type Tool struct {
	gen Generator
}

// New creates a media Tool backed by the given generator.
func New(gen Generator) *Tool {
	return &Tool{gen: gen}
}

// Descriptor returns the registry descriptor. Generation runs under the long
// media deadline.
func (t *Tool) Descriptor() manta.Descriptor {
	return manta.Descriptor{
		Name:        "generate_image",
		Description: "Generate an image from a text prompt. The image is saved to the working directory and its filename is returned.",
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string", "description": "Detailed description of the image to generate"},
				"filename": {"type": "string", "description": "Optional output filename without extension"}
			},
			"required": ["prompt"]
		}`),
		Required: []string{"prompt"},
		Timeout:  manta.MediaToolTimeout,
	}
}

// Register adds the tool to a registry.
func (t *Tool) Register(reg *manta.Registry) error {
	return reg.Register(t.Descriptor(), t.Handle)
}

// Handle runs one generation invocation.
func (t *Tool) Handle(ctx context.Context, args map[string]any, inv manta.Invocation) (manta.ToolResult, error) {
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return manta.ToolResult{}, fmt.Errorf("empty prompt")
	}
	if inv.Workdir == "" {
		return manta.ToolResult{}, fmt.Errorf("no working directory for this conversation")
	}

	base, _ := args["filename"].(string)
	base = sanitizeBase(base)
	if base == "" {
		base = "image_" + manta.NewID()[:8]
	}

	images, err := t.gen.Generate(ctx, prompt)
	if err != nil {
		return manta.ToolResult{}, err
	}
	if len(images) == 0 {
		return manta.ToolResult{}, fmt.Errorf("model returned no images")
	}

	var files []string
	for i, img := range images {
		name := base + extForMime(img.MimeType)
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", base, i+1, extForMime(img.MimeType))
		}
		if err := os.WriteFile(filepath.Join(inv.Workdir, name), img.Data, 0o644); err != nil {
			return manta.ToolResult{}, fmt.Errorf("save image: %w", err)
		}
		files = append(files, name)
	}

	return manta.ToolResult{
		Content: fmt.Sprintf("Generated %d image(s): %s", len(files), strings.Join(files, ", ")),
		Files:   files,
	}, nil
}

// sanitizeBase strips path separators and extensions from a model-provided
// filename.
func sanitizeBase(s string) string {
	s = strings.TrimSpace(s)
	s = filepath.Base(s)
	if s == "." || s == string(filepath.Separator) {
		return ""
	}
	if ext := filepath.Ext(s); ext != "" {
		s = strings.TrimSuffix(s, ext)
	}
	return s
}

func extForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
