// Package model defines the data structures for the factory's configuration,
// queue entries, and identifiers.
package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Queue     QueueConfig     `yaml:"queue"`
	Retry     RetryConfig     `yaml:"retry"`
	Gate      GateConfig      `yaml:"gate"`
	Implement ImplementConfig `yaml:"implement"`
	Review    ReviewConfig    `yaml:"review"`
	Ship      ShipConfig      `yaml:"ship"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProjectConfig struct {
	Name     string `yaml:"name"`
	RepoRoot string `yaml:"repo_root"`
}

type QueueConfig struct {
	ClaimLeaseSec int `yaml:"claim_lease_sec"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type GateConfig struct {
	Contract        string `yaml:"contract"`
	CheckTimeoutSec int    `yaml:"check_timeout_sec"`
}

type ImplementConfig struct {
	Command    string `yaml:"command"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type ReviewConfig struct {
	Command    string `yaml:"command"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type ShipConfig struct {
	DefaultMode       ShipMode  `yaml:"default_mode"`
	DefaultBranch     string    `yaml:"default_branch"`
	ProtectedBranches []string  `yaml:"protected_branches"`
	AutoMerge         AutoMerge `yaml:"auto_merge"`
	BranchPRCommand   string    `yaml:"branch_pr_command"`
	AutoMergeCommand  string    `yaml:"auto_merge_command"`
}

type AutoMerge struct {
	AllowedTiers   []RiskTier `yaml:"allowed_tiers"`
	AllowProtected bool       `yaml:"allow_protected"`
}

type AnomalyConfig struct {
	PauseThreshold int `yaml:"pause_threshold"`
}

type DaemonConfig struct {
	ScanIntervalSec    int     `yaml:"scan_interval_sec"`
	DebounceSec        float64 `yaml:"debounce_sec"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
