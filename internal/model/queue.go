package model

type ShipMode string

const (
	ShipModeReportOnly      ShipMode = "report_only"
	ShipModeBranchPR        ShipMode = "branch_pr"
	ShipModeAutoMergeGuard  ShipMode = "auto_merge_guarded"
)

func (m ShipMode) Valid() bool {
	switch m {
	case ShipModeReportOnly, ShipModeBranchPR, ShipModeAutoMergeGuard:
		return true
	}
	return false
}

type RiskTier string

const (
	RiskTierLow      RiskTier = "low"
	RiskTierMedium   RiskTier = "medium"
	RiskTierHigh     RiskTier = "high"
	RiskTierCritical RiskTier = "critical"
)

func (r RiskTier) Valid() bool {
	switch r {
	case RiskTierLow, RiskTierMedium, RiskTierHigh, RiskTierCritical:
		return true
	}
	return false
}

type TaskQueue struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Tasks         []Task `yaml:"tasks"`
}

type Task struct {
	ID               string   `yaml:"id"`
	Description      string   `yaml:"description"`
	Priority         int      `yaml:"priority"`
	Status           Status   `yaml:"status"`
	Attempts         int      `yaml:"attempts"`
	MaxAttempts      int      `yaml:"max_attempts"`
	ShipMode         ShipMode `yaml:"ship_mode"`
	RiskTier         RiskTier `yaml:"risk_tier"`
	TargetBranch     string   `yaml:"target_branch,omitempty"`
	LastError        *string  `yaml:"last_error"`
	ClaimOwner       *string  `yaml:"claim_owner"`
	ClaimExpiresAt   *string  `yaml:"claim_expires_at"`
	ClaimEpoch       int      `yaml:"claim_epoch"`
	DeadLetteredAt   *string  `yaml:"dead_lettered_at"`
	DeadLetterReason *string  `yaml:"dead_letter_reason"`
	CreatedAt        string   `yaml:"created_at"`
	UpdatedAt        string   `yaml:"updated_at"`
}
