// Package config provides the programmatic and YAML-loadable form of
// run_task's options (spec §6), covering every tunable named there plus
// the cache and hierarchical memory manager tunables those components
// need but the external interface does not enumerate directly.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the full set of tunables accepted by run_task, either
// supplied programmatically or loaded from YAML via Load.
type Options struct {
	MaxStepsPerMilestone int           `yaml:"max_steps_per_milestone"`
	MaxRetries           int           `yaml:"max_retries"`
	MaxMilestoneAttempts int           `yaml:"max_milestone_attempts"`
	ActiveContextBudget  int           `yaml:"active_context_budget"`
	CheckpointEvery      int           `yaml:"checkpoint_every"`
	EnablePlanner        bool          `yaml:"enable_planner"`
	EnableVerification   bool          `yaml:"enable_verification"`
	AppAllowlist         []string      `yaml:"app_allowlist"`

	CacheCapacity int           `yaml:"cache_capacity"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`

	MemoryWeightLRU      float64 `yaml:"memory_weight_lru"`
	MemoryWeightPriority float64 `yaml:"memory_weight_priority"`

	ConsecutiveFailureThreshold int `yaml:"consecutive_failure_threshold"`
}

// Default returns the documented spec §6 defaults.
func Default() Options {
	return Options{
		MaxStepsPerMilestone:        15,
		MaxRetries:                  3,
		MaxMilestoneAttempts:        2,
		ActiveContextBudget:         8192,
		CheckpointEvery:             5,
		EnablePlanner:               true,
		EnableVerification:          true,
		CacheCapacity:               256,
		CacheTTL:                    2 * time.Second,
		MemoryWeightLRU:             0.5,
		MemoryWeightPriority:        0.5,
		ConsecutiveFailureThreshold: 5,
	}
}

// Load reads a YAML file at path and overlays it onto Default(), so a
// file only needs to specify the fields it overrides.
func Load(path string) (Options, error) {
	opts := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	if err := yaml.Unmarshal(b, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}
