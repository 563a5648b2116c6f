// Package config loads server configuration: defaults, then a TOML file,
// then MANTA_* environment overrides (env wins).
package config

import (
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Media    MediaConfig    `toml:"media"`
	Store    StoreConfig    `toml:"store"`
	Tools    ToolsConfig    `toml:"tools"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// KeepAliveSeconds is the write deadline for streaming responses. It
	// must exceed the longest tool timeout or SSE connections drop while a
	// tool is still running.
	KeepAliveSeconds int `toml:"keep_alive_seconds"`
	// ProxyBypass lists hosts that skip the outbound proxy (internal
	// endpoints). Comma-separated in the env override.
	ProxyBypass []string `toml:"proxy_bypass"`
	// SystemPrompt overrides the orchestrator's built-in system prompt.
	SystemPrompt string `toml:"system_prompt"`
	// MaxIterations caps tool-call rounds per turn. Zero keeps the default.
	MaxIterations int `toml:"max_iterations"`
}

type LLMConfig struct {
	Provider    string   `toml:"provider"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url"`
	Thinking    bool     `toml:"thinking"`
	Retries     int      `toml:"retries"`
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`
}

type MediaConfig struct {
	// ImageModel is the Gemini image generation model. Empty disables the
	// generate_image tool.
	ImageModel string `toml:"image_model"`
	APIKey     string `toml:"api_key"`
}

type StoreConfig struct {
	// Backend selects the store implementation: "file", "sqlite", "postgres".
	Backend string `toml:"backend"`
	// DataDir holds transcripts and indexes (file backend).
	DataDir string `toml:"data_dir"`
	// OutputsDir holds per-conversation working directories.
	OutputsDir string `toml:"outputs_dir"`
	// SQLitePath is the database file (sqlite backend).
	SQLitePath string `toml:"sqlite_path"`
	// PostgresURL is the pool connection string (postgres backend).
	PostgresURL string `toml:"postgres_url"`
}

type ToolsConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
	// Per-tool timeout overrides in seconds; zero keeps the class default.
	DefaultTimeoutSeconds int `toml:"default_timeout_seconds"`
	CodeTimeoutSeconds    int `toml:"code_timeout_seconds"`
	MediaTimeoutSeconds   int `toml:"media_timeout_seconds"`
}

type SandboxConfig struct {
	PythonBin string `toml:"python_bin"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
	// Endpoint is the OTLP/HTTP collector address.
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
			// 650 s keeps SSE alive across the 600 s media tool budget.
			KeepAliveSeconds: 650,
		},
		LLM:   LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash", Retries: 3},
		Store: StoreConfig{Backend: "file", DataDir: "data", OutputsDir: "outputs", SQLitePath: "manta.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "manta.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MANTA_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MANTA_KEEP_ALIVE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.KeepAliveSeconds = n
		}
	}
	if v := os.Getenv("MANTA_PROXY_BYPASS"); v != "" {
		cfg.Server.ProxyBypass = splitCSV(v)
	}
	if v := os.Getenv("MANTA_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("MANTA_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MANTA_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MANTA_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("MANTA_MEDIA_API_KEY"); v != "" {
		cfg.Media.APIKey = v
	}
	if v := os.Getenv("MANTA_MEDIA_IMAGE_MODEL"); v != "" {
		cfg.Media.ImageModel = v
	}
	if v := os.Getenv("MANTA_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("MANTA_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("MANTA_OUTPUTS_DIR"); v != "" {
		cfg.Store.OutputsDir = v
	}
	if v := os.Getenv("MANTA_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("MANTA_BRAVE_API_KEY"); v != "" {
		cfg.Tools.BraveAPIKey = v
	}
	if v := os.Getenv("MANTA_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("MANTA_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}

	// Fallbacks
	if cfg.Media.APIKey == "" {
		cfg.Media.APIKey = cfg.LLM.APIKey
	}

	return cfg
}

// ProxyBypassed reports whether a host is on the proxy-bypass list.
func (c *Config) ProxyBypassed(host string) bool {
	for _, h := range c.Server.ProxyBypass {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// ProxyFunc returns the proxy selector for outbound transports: bypass-listed
// hosts connect directly, everything else follows the environment settings.
func (c *Config) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		if c.ProxyBypassed(req.URL.Hostname()) {
			return nil, nil
		}
		return http.ProxyFromEnvironment(req)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
