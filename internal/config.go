package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as "90s" or "168h" in
// both YAML and TOML.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) *Duration {
	return &Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return goerr.Wrap(err, "parse duration", goerr.V("value", string(b)))
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

type EmbeddingsConfig struct {
	Backend   string   `yaml:"backend" toml:"backend"`
	Model     string   `yaml:"model,omitempty" toml:"model,omitempty"`
	Dimension int      `yaml:"dimension" toml:"dimension"`
	APIKey    string   `yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	Project   string   `yaml:"project,omitempty" toml:"project,omitempty"`
	Location  string   `yaml:"location,omitempty" toml:"location,omitempty"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

type IndexConfig struct {
	Backend         string   `yaml:"backend" toml:"backend"`
	Trees           int      `yaml:"trees" toml:"trees"`
	ExactThreshold  int      `yaml:"exact_threshold" toml:"exact_threshold"`
	RefreshInterval Duration `yaml:"refresh_interval" toml:"refresh_interval"`
	BatchSize       int      `yaml:"batch_size" toml:"batch_size"`
	QueueSize       int      `yaml:"queue_size" toml:"queue_size"`
}

type RetrievalConfig struct {
	Alpha              float64  `yaml:"alpha" toml:"alpha"`
	RecencyWeight      float64  `yaml:"recency_weight" toml:"recency_weight"`
	RecencyHalfLife    Duration `yaml:"recency_half_life" toml:"recency_half_life"`
	CommitWindow       int      `yaml:"commit_window" toml:"commit_window"`
	IndexTimeout       Duration `yaml:"index_timeout" toml:"index_timeout"`
	IndexRetries       int      `yaml:"index_retries" toml:"index_retries"`
	Concurrency        int      `yaml:"concurrency" toml:"concurrency"`
	DefaultTokenBudget int      `yaml:"default_token_budget" toml:"default_token_budget"`
}

type RollupSettings struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Interval       Duration `yaml:"interval" toml:"interval"`
	MaxLiveCommits int      `yaml:"max_live_commits" toml:"max_live_commits"`
	KeepRecent     int      `yaml:"keep_recent" toml:"keep_recent"`
	MaxAge         Duration `yaml:"max_age" toml:"max_age"`
}

type SummarizerConfig struct {
	Provider string `yaml:"provider,omitempty" toml:"provider,omitempty"`
	APIKey   string `yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	Model    string `yaml:"model,omitempty" toml:"model,omitempty"`
}

type CacheConfig struct {
	MaxCost     int64 `yaml:"max_cost" toml:"max_cost"`
	NumCounters int64 `yaml:"num_counters" toml:"num_counters"`
}

type RedactConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Pattern     string `yaml:"pattern" toml:"pattern"`
	Replacement string `yaml:"replacement" toml:"replacement"`
}

type ScopeConfig struct {
	Branches []string `yaml:"branches,omitempty" toml:"branches,omitempty"`
	Tags     []string `yaml:"tags,omitempty" toml:"tags,omitempty"`
}

type PolicyConfig struct {
	Scope         ScopeConfig        `yaml:"scope,omitempty" toml:"scope,omitempty"`
	MaxAge        *Duration          `yaml:"max_age,omitempty" toml:"max_age,omitempty"`
	Redact        []RedactConfig     `yaml:"redact,omitempty" toml:"redact,omitempty"`
	TokenBudget   int                `yaml:"token_budget,omitempty" toml:"token_budget,omitempty"`
	PriorityBoost map[string]float64 `yaml:"priority_boost,omitempty" toml:"priority_boost,omitempty"`
}

// Policy converts the config entry into an unversioned Policy.
func (pc PolicyConfig) Policy(id string) Policy {
	p := Policy{
		ID:            id,
		Scope:         Scope{Branches: pc.Scope.Branches, Tags: pc.Scope.Tags},
		TokenBudget:   pc.TokenBudget,
		PriorityBoost: pc.PriorityBoost,
	}
	if pc.MaxAge != nil {
		d := pc.MaxAge.Duration
		p.MaxAge = &d
	}
	for _, r := range pc.Redact {
		p.Redact = append(p.Redact, RedactRule{Name: r.Name, Pattern: r.Pattern, Replacement: r.Replacement})
	}
	return p
}

// PolicyConfigOf renders a registered policy back into its config form.
func PolicyConfigOf(p *Policy) PolicyConfig {
	pc := PolicyConfig{
		Scope:         ScopeConfig{Branches: p.Scope.Branches, Tags: p.Scope.Tags},
		TokenBudget:   p.TokenBudget,
		PriorityBoost: p.PriorityBoost,
	}
	if p.MaxAge != nil {
		pc.MaxAge = NewDuration(*p.MaxAge)
	}
	for _, r := range p.Redact {
		pc.Redact = append(pc.Redact, RedactConfig{Name: r.Name, Pattern: r.Pattern, Replacement: r.Replacement})
	}
	return pc
}

type Config struct {
	DataDir       string                  `yaml:"data_dir" toml:"data_dir"`
	LogLevel      string                  `yaml:"log_level" toml:"log_level"`
	DefaultBranch string                  `yaml:"default_branch" toml:"default_branch"`
	Embeddings    EmbeddingsConfig        `yaml:"embeddings" toml:"embeddings"`
	Index         IndexConfig             `yaml:"index" toml:"index"`
	Retrieval     RetrievalConfig         `yaml:"retrieval" toml:"retrieval"`
	Rollup        RollupSettings          `yaml:"rollup" toml:"rollup"`
	Summarizer    SummarizerConfig        `yaml:"summarizer,omitempty" toml:"summarizer,omitempty"`
	Cache         CacheConfig             `yaml:"cache" toml:"cache"`
	Policies      map[string]PolicyConfig `yaml:"policies,omitempty" toml:"policies,omitempty"`
	// PolicyFile, when set, is watched and reloaded into new policy versions.
	PolicyFile string `yaml:"policy_file,omitempty" toml:"policy_file,omitempty"`
}

const DefaultPolicyID = "default"

func DefaultConfig() *Config {
	retrieval := DefaultRetrieverConfig()
	rollup := DefaultRollupConfig()

	return &Config{
		DataDir:       ".ctxmem",
		LogLevel:      "info",
		DefaultBranch: "main",
		Embeddings: EmbeddingsConfig{
			Backend:   "hash",
			Dimension: 256,
			Timeout:   Duration{5 * time.Second},
		},
		Index: IndexConfig{
			Backend:         "annoy",
			Trees:           defaultTrees,
			ExactThreshold:  defaultExactThreshold,
			RefreshInterval: Duration{time.Second},
			BatchSize:       256,
			QueueSize:       1024,
		},
		Retrieval: RetrievalConfig{
			Alpha:              retrieval.Alpha,
			RecencyWeight:      retrieval.RecencyWeight,
			RecencyHalfLife:    Duration{retrieval.RecencyHalfLife},
			CommitWindow:       retrieval.CommitWindow,
			IndexTimeout:       Duration{retrieval.IndexTimeout},
			IndexRetries:       retrieval.IndexRetries,
			Concurrency:        retrieval.Concurrency,
			DefaultTokenBudget: 2048,
		},
		Rollup: RollupSettings{
			Enabled:        true,
			Interval:       Duration{rollup.Interval},
			MaxLiveCommits: rollup.MaxLiveCommits,
			KeepRecent:     rollup.KeepRecent,
		},
		Cache: CacheConfig{
			MaxCost:     64 << 20,
			NumCounters: 1e6,
		},
		Policies: map[string]PolicyConfig{
			DefaultPolicyID: {},
		},
	}
}

// LoadConfig reads a YAML or TOML file, chosen by extension, over the
// defaults. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "read config", goerr.V("path", path))
	}

	if err := decodeConfig(path, data, cfg); err != nil {
		return nil, err
	}
	if cfg.Policies == nil {
		cfg.Policies = make(map[string]PolicyConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeConfig(path string, data []byte, out any) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, out); err != nil {
			return goerr.Wrap(err, "parse toml config", goerr.V("path", path))
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, out); err != nil {
			return goerr.Wrap(err, "parse yaml config", goerr.V("path", path))
		}
	default:
		return goerr.Wrap(ErrInvalidArgument, "unsupported config format", goerr.V("path", path), goerr.V("ext", ext))
	}
	return nil
}

// SaveConfig writes cfg in the format implied by the path extension.
func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return goerr.Wrap(err, "marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return goerr.Wrap(err, "create config directory", goerr.V("path", path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return goerr.Wrap(err, "write config", goerr.V("path", path))
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.DataDir == "" {
		add("data_dir is empty")
	}
	if err := validateRefName("branch", c.DefaultBranch); err != nil {
		add("default_branch %q is not a valid branch name", c.DefaultBranch)
	}
	switch c.Embeddings.Backend {
	case "hash", "gemini", "none":
	default:
		add("embeddings.backend %q is not one of hash, gemini, none", c.Embeddings.Backend)
	}
	if c.Embeddings.Dimension <= 0 {
		add("embeddings.dimension must be positive")
	}
	switch c.Index.Backend {
	case "annoy", "chromem":
	default:
		add("index.backend %q is not one of annoy, chromem", c.Index.Backend)
	}
	if c.Retrieval.Alpha < 0 || c.Retrieval.Alpha > 1 {
		add("retrieval.alpha must be within [0, 1]")
	}
	if c.Retrieval.RecencyWeight < 0 {
		add("retrieval.recency_weight must not be negative")
	}
	if c.Retrieval.DefaultTokenBudget < 0 {
		add("retrieval.default_token_budget must not be negative")
	}
	if c.Retrieval.IndexRetries < 0 {
		add("retrieval.index_retries must not be negative")
	}
	if c.Rollup.KeepRecent < 0 {
		add("rollup.keep_recent must not be negative")
	}
	if c.Rollup.MaxLiveCommits > 0 && c.Rollup.KeepRecent > c.Rollup.MaxLiveCommits {
		add("rollup.keep_recent must not exceed rollup.max_live_commits")
	}

	ids := make([]string, 0, len(c.Policies))
	for id := range c.Policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := c.Policies[id].Policy(id)
		if err := p.compile(); err != nil {
			add("policy %q: %v", id, err)
		}
	}

	if len(problems) > 0 {
		return goerr.Wrap(ErrInvalidArgument, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) RetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		Alpha:           c.Retrieval.Alpha,
		RecencyWeight:   c.Retrieval.RecencyWeight,
		RecencyHalfLife: c.Retrieval.RecencyHalfLife.Duration,
		CommitWindow:    c.Retrieval.CommitWindow,
		IndexTimeout:    c.Retrieval.IndexTimeout.Duration,
		IndexRetries:    c.Retrieval.IndexRetries,
		Concurrency:     c.Retrieval.Concurrency,
	}
}

func (c *Config) RollupConfig() RollupConfig {
	return RollupConfig{
		Interval:       c.Rollup.Interval.Duration,
		MaxLiveCommits: c.Rollup.MaxLiveCommits,
		KeepRecent:     c.Rollup.KeepRecent,
		MaxAge:         c.Rollup.MaxAge.Duration,
	}
}
