package gemini

import "net/http"

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithHTTPClient sets a custom HTTP client (timeouts, proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithThinking enables the model's thinking budget. Thinking models attach
// thoughtSignature tokens to tool calls, which this provider round-trips.
func WithThinking() Option {
	return func(g *Gemini) { g.thinkingEnabled = true }
}
