// Package code executes model-supplied Python and shell in confined
// subprocesses, capturing output and the working-directory change set.
package code

import "time"

// Option configures an Executor.
type Option func(*execConfig)

type execConfig struct {
	timeout   time.Duration
	grace     time.Duration
	maxStream int
	envVars   map[string]string
}

func defaultConfig() execConfig {
	return execConfig{
		timeout:   300 * time.Second,
		grace:     2 * time.Second,
		maxStream: 1 << 20, // 1 MiB per stream
		envVars:   map[string]string{},
	}
}

// WithTimeout sets the default execution deadline. Per-call timeouts
// override it. Default: 300s.
func WithTimeout(d time.Duration) Option {
	return func(c *execConfig) { c.timeout = d }
}

// WithGrace sets the window between the termination signal and forced kill.
// Default: 2s.
func WithGrace(d time.Duration) Option {
	return func(c *execConfig) { c.grace = d }
}

// WithMaxStream caps captured bytes per stream (stdout, stderr); excess is
// truncated with a marker. Default: 1 MiB.
func WithMaxStream(n int) Option {
	return func(c *execConfig) { c.maxStream = n }
}

// WithEnv adds an environment variable to every subprocess.
func WithEnv(key, value string) Option {
	return func(c *execConfig) { c.envVars[key] = value }
}
