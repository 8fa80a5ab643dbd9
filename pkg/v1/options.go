package v1

import "log/slog"

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	configPath string
	dataDir    string
	dimension  int
	branch     string
	policy     string
	logger     *slog.Logger
}

// WithConfigFile loads settings from a YAML or TOML file.
func WithConfigFile(path string) Option {
	return func(c *clientConfig) {
		c.configPath = path
	}
}

// WithDataDir overrides the directory holding events, journal and vectors.
func WithDataDir(dir string) Option {
	return func(c *clientConfig) {
		c.dataDir = dir
	}
}

// WithDimension sets the embedding dimension.
func WithDimension(dim int) Option {
	return func(c *clientConfig) {
		c.dimension = dim
	}
}

// WithBranch sets the branch used when a call does not name one.
func WithBranch(name string) Option {
	return func(c *clientConfig) {
		c.branch = name
	}
}

// WithPolicy sets the policy used by Retrieve when none is given. Without
// it every Retrieve must name a policy.
func WithPolicy(id string) Option {
	return func(c *clientConfig) {
		c.policy = id
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}
