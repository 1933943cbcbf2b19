// Package config loads the YAML settings file: server options, storage
// paths, retention, and named execution profiles.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/orchestra-go/workflow"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultAddr                   = ":8420"
	DefaultDatabasePath           = "orchestra.db"
	DefaultMaxConcurrent          = 4
	DefaultEventRetentionDays     = 30
	DefaultMaxReviewIterations    = 3
	DefaultCommandTimeoutSeconds  = 120
	DefaultProfileName            = "default"
	DefaultPlanPathPattern        = "docs/plans/{date}-{issue_key}.md"
	DefaultRetentionSweepInterval = time.Hour
)

// Settings is the root of the YAML settings file.
type Settings struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// DatabasePath is the SQLite file for workflow records and events.
	DatabasePath string `yaml:"database_path"`

	// CheckpointDriver selects the checkpoint store backend: "sqlite"
	// (default, shares DatabasePath's directory) or "mysql".
	CheckpointDriver string `yaml:"checkpoint_driver"`

	// CheckpointDSN is the DSN for the mysql checkpoint store, or the
	// file path for sqlite. Empty sqlite reuses DatabasePath.
	CheckpointDSN string `yaml:"checkpoint_dsn"`

	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows"`

	// TraceRetentionDays enables persistence of stream events when > 0.
	TraceRetentionDays int `yaml:"trace_retention_days"`

	// IncludeToolResults opts tool-result stream events into persistence.
	IncludeToolResults bool `yaml:"include_tool_results"`

	// EventRetentionDays bounds how long debug/trace events are kept.
	EventRetentionDays int `yaml:"event_retention_days"`

	DefaultProfile string             `yaml:"default_profile"`
	Profiles       map[string]Profile `yaml:"profiles"`
}

// Profile names one way to run workflows: which driver and model, how
// much autonomy, and the shell guardrails.
type Profile struct {
	// Driver selects the LLM adapter: anthropic, openai, google, mock.
	Driver string `yaml:"driver"`

	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the key. Empty
	// uses the adapter's default variable.
	APIKeyEnv string `yaml:"api_key_env"`

	// Tracker selects the issue tracker adapter. "noop" synthesizes
	// issues from their ids.
	Tracker string `yaml:"tracker"`

	TrustLevel workflow.TrustLevel `yaml:"trust_level"`

	// BatchCheckpoint gates each batch behind approval. Nil means true.
	BatchCheckpoint *bool `yaml:"batch_checkpoint"`

	PlanPathPattern     string `yaml:"plan_path_pattern"`
	MaxReviewIterations int    `yaml:"max_review_iterations"`

	// Allowlist restricts shell execution to the named executables.
	Allowlist []string `yaml:"allowlist"`

	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
}

// BatchCheckpointEnabled resolves the nil-means-true default.
func (p Profile) BatchCheckpointEnabled() bool {
	return p.BatchCheckpoint == nil || *p.BatchCheckpoint
}

// CommandTimeout resolves the profile's shell timeout.
func (p Profile) CommandTimeout() time.Duration {
	if p.CommandTimeoutSeconds <= 0 {
		return DefaultCommandTimeoutSeconds * time.Second
	}
	return time.Duration(p.CommandTimeoutSeconds) * time.Second
}

// Load reads and validates a settings file. A missing file returns
// Default() untouched.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Default returns settings with every field at its documented default
// and a single mock profile.
func Default() *Settings {
	s := &Settings{
		Addr:                   DefaultAddr,
		DatabasePath:           DefaultDatabasePath,
		CheckpointDriver:       "sqlite",
		MaxConcurrentWorkflows: DefaultMaxConcurrent,
		EventRetentionDays:     DefaultEventRetentionDays,
		DefaultProfile:         DefaultProfileName,
		Profiles: map[string]Profile{
			DefaultProfileName: {
				Driver:     "anthropic",
				Tracker:    "noop",
				TrustLevel: workflow.TrustStandard,
			},
		},
	}
	s.applyDefaults()
	return s
}

// Profile resolves a profile by id, falling back to the default profile
// when id is empty.
func (s *Settings) Profile(id string) (Profile, error) {
	if id == "" {
		id = s.DefaultProfile
	}
	p, ok := s.Profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile: %s", id)
	}
	return p, nil
}

func (s *Settings) applyDefaults() {
	if s.Addr == "" {
		s.Addr = DefaultAddr
	}
	if s.DatabasePath == "" {
		s.DatabasePath = DefaultDatabasePath
	}
	if s.CheckpointDriver == "" {
		s.CheckpointDriver = "sqlite"
	}
	if s.MaxConcurrentWorkflows <= 0 {
		s.MaxConcurrentWorkflows = DefaultMaxConcurrent
	}
	if s.EventRetentionDays <= 0 {
		s.EventRetentionDays = DefaultEventRetentionDays
	}
	if s.DefaultProfile == "" {
		s.DefaultProfile = DefaultProfileName
	}
	for id, p := range s.Profiles {
		if p.TrustLevel == "" {
			p.TrustLevel = workflow.TrustStandard
		}
		if p.Tracker == "" {
			p.Tracker = "noop"
		}
		if p.PlanPathPattern == "" {
			p.PlanPathPattern = DefaultPlanPathPattern
		}
		if p.MaxReviewIterations <= 0 {
			p.MaxReviewIterations = DefaultMaxReviewIterations
		}
		s.Profiles[id] = p
	}
}

func (s *Settings) validate() error {
	switch s.CheckpointDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown checkpoint driver: %s", s.CheckpointDriver)
	}
	if s.CheckpointDriver == "mysql" && s.CheckpointDSN == "" {
		return fmt.Errorf("checkpoint_dsn is required for the mysql checkpoint driver")
	}
	if _, ok := s.Profiles[s.DefaultProfile]; !ok {
		return fmt.Errorf("default profile %q is not defined", s.DefaultProfile)
	}
	for id, p := range s.Profiles {
		switch p.Driver {
		case "anthropic", "openai", "google", "mock":
		default:
			return fmt.Errorf("profile %s: unknown driver %q", id, p.Driver)
		}
		switch p.TrustLevel {
		case workflow.TrustStandard, workflow.TrustAutonomous:
		default:
			return fmt.Errorf("profile %s: unknown trust level %q", id, p.TrustLevel)
		}
	}
	return nil
}
