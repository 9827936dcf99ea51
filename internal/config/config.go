// Package config loads the hub's single configuration structure from a
// YAML file, matching the recognized keys enumerated in the specification.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the hub's single recognized configuration structure.
type Config struct {
	ListenAddr                 string   `yaml:"listen_addr"`
	DataDir                    string   `yaml:"data_dir"`
	AdminAgents                []string `yaml:"admin_agents"`
	HeartbeatTimeoutMS         int64    `yaml:"heartbeat_timeout_ms"`
	AcceptanceTimeoutMS        int64    `yaml:"acceptance_timeout_ms"`
	DefaultDeadlineMS          int64    `yaml:"default_deadline_ms"`
	ReclaimSweepMS             int64    `yaml:"reclaim_sweep_ms"`
	SchedulerTickMS            int64    `yaml:"scheduler_tick_ms"`
	HistoryCap                 int      `yaml:"history_cap"`
	ValidationFailureThreshold int      `yaml:"validation_failure_threshold"`
}

// Default returns the configuration defaults named in the specification.
func Default() *Config {
	return &Config{
		ListenAddr:                 ":4000",
		DataDir:                    "./data",
		AdminAgents:                []string{},
		HeartbeatTimeoutMS:         90_000,
		AcceptanceTimeoutMS:        60_000,
		DefaultDeadlineMS:          30 * 60 * 1000,
		ReclaimSweepMS:             30_000,
		SchedulerTickMS:            1_000,
		HistoryCap:                 50,
		ValidationFailureThreshold: 10,
	}
}

// Load reads a YAML config file at path, applying it on top of Default().
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) HeartbeatTimeout() time.Duration  { return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond }
func (c *Config) AcceptanceTimeout() time.Duration { return time.Duration(c.AcceptanceTimeoutMS) * time.Millisecond }
func (c *Config) DefaultDeadline() time.Duration   { return time.Duration(c.DefaultDeadlineMS) * time.Millisecond }
func (c *Config) ReclaimSweep() time.Duration      { return time.Duration(c.ReclaimSweepMS) * time.Millisecond }
func (c *Config) SchedulerTick() time.Duration     { return time.Duration(c.SchedulerTickMS) * time.Millisecond }

// IsAdmin reports whether agentID is in the statically configured admin list.
func (c *Config) IsAdmin(agentID string) bool {
	for _, a := range c.AdminAgents {
		if a == agentID {
			return true
		}
	}
	return false
}
