package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	manta "github.com/rheza/manta"
)

// ImageClient generates images via generateContent with image response
// modalities. It backs the media generation tool; chat traffic goes through
// the Gemini provider instead.
type ImageClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// ImageOption configures an ImageClient.
type ImageOption func(*ImageClient)

// WithImageHTTPClient sets a custom HTTP client (timeouts, proxies).
func WithImageHTTPClient(c *http.Client) ImageOption {
	return func(ic *ImageClient) { ic.httpClient = c }
}

// NewImageClient creates an image generation client for the given model
// (e.g. "gemini-2.5-flash-image").
func NewImageClient(apiKey, model string, opts ...ImageOption) *ImageClient {
	c := &ImageClient{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GeneratedImage is one decoded image from a generation response.
type GeneratedImage struct {
	MimeType string
	Data     []byte
}

// Generate produces images for a prompt. Returns every inlineData part of
// the first candidate.
func (c *ImageClient) Generate(ctx context.Context, prompt string) ([]GeneratedImage, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{
				"role": "user",
				"parts": []map[string]any{
					{"text": prompt},
				},
			},
		},
		"generationConfig": map[string]any{
			"responseModalities": []string{"TEXT", "IMAGE"},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &manta.ErrLLM{Provider: "gemini", Message: "marshal image body: " + err.Error()}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, &manta.ErrLLM{Provider: "gemini", Message: "create image request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &manta.ErrLLM{Provider: "gemini", Message: "image request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &manta.ErrLLM{Provider: "gemini", Message: "read image response: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpErr(resp, string(respBody))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &manta.ErrProtocol{Provider: "gemini", Detail: "parse image response: " + err.Error()}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &manta.ErrProtocol{Provider: "gemini", Detail: "image response has no candidates"}
	}

	var images []GeneratedImage
	for _, raw := range parsed.Candidates[0].Content.Parts {
		var part geminiPart
		if err := json.Unmarshal(raw, &part); err != nil {
			continue
		}
		if part.InlineData == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, &manta.ErrProtocol{Provider: "gemini", Detail: "decode inline image data: " + err.Error()}
		}
		images = append(images, GeneratedImage{MimeType: part.InlineData.MimeType, Data: data})
	}
	return images, nil
}
