// Package config loads the validator's YAML configuration file, covering every
// option named in the external-interfaces configuration table.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CongestionMode selects how the congestion tracker estimates transaction
// duration. Mirrors internal/congestion.Mode without importing it, so this
// package stays a leaf the way the teacher's config loading does.
type CongestionMode string

const (
	CongestionModeNone           CongestionMode = "None"
	CongestionModeTotalGasBudget CongestionMode = "TotalGasBudget"
	CongestionModeTotalTxCount   CongestionMode = "TotalTxCount"
)

// Config is the validator's runtime configuration, unmarshalled from YAML.
type Config struct {
	DataDir string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	// Component A
	IndirectObjectsThreshold         int  `yaml:"indirect_objects_threshold"`
	EnableEpochIotaConservationCheck bool `yaml:"enable_epoch_iota_conservation_check"`

	// Component C
	PerObjectCongestionControlMode CongestionMode `yaml:"per_object_congestion_control_mode"`
	AssignMinFreeExecutionSlot     bool           `yaml:"assign_min_free_execution_slot"`
	MaxExecutionDurationPerCommit  uint64         `yaml:"max_execution_duration_per_commit"`

	// Component D
	ProcessedCacheCapacity      int `yaml:"processed_cache_capacity"`
	PostConsensusChannelDepth   int `yaml:"post_consensus_channel_depth"`
	JWKFetchIntervalSeconds     int `yaml:"jwk_fetch_interval_seconds"`

	// Raft wiring (internal/raftengine)
	RaftBindAddr string   `yaml:"raft_bind_addr"`
	RaftNodeID   string   `yaml:"raft_node_id"`
	RaftPeers    []string `yaml:"raft_peers"`
}

// Default returns the configuration defaults named in the specification:
// processed_cache_capacity defaults to 2^20, post_consensus_channel_depth to 16.
func Default() Config {
	return Config{
		DataDir:                           "/var/lib/corestate",
		LogLevel:                          "info",
		IndirectObjectsThreshold:          256 * 1024,
		EnableEpochIotaConservationCheck:  false,
		PerObjectCongestionControlMode:    CongestionModeTotalGasBudget,
		AssignMinFreeExecutionSlot:        false,
		MaxExecutionDurationPerCommit:     1_000_000,
		ProcessedCacheCapacity:            1 << 20,
		PostConsensusChannelDepth:         16,
		JWKFetchIntervalSeconds:           60,
	}
}

// JWKFetchInterval returns the configured poll cadence as a time.Duration.
func (c Config) JWKFetchInterval() time.Duration {
	return time.Duration(c.JWKFetchIntervalSeconds) * time.Second
}

// Load reads and parses a YAML config file, starting from Default() so any
// field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
