// Package contract loads and validates the factory contract document: the
// risk-tier to required-check mapping, docs-drift rules, and check command
// definitions that drive the preflight gate.
package contract

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	goyaml "gopkg.in/yaml.v3"

	"github.com/ytakagi/factory/internal/model"
	"github.com/ytakagi/factory/internal/yaml"
)

const (
	// CheckContractValidate is always the first required check.
	CheckContractValidate = "contract_validate"
	// CheckReviewerSubagent is resolved by the loop, never executed by the gate.
	CheckReviewerSubagent = "reviewer_subagent"

	DefaultCheckTimeoutSec = 300
)

// ValidationError reports a contract schema violation with a JSON-path style
// location.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("contract validation: %s: %s", e.Path, e.Message)
}

func validationErrorf(path, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// Contract is the persisted factory-contract.yaml document.
type Contract struct {
	SchemaVersion  int                 `yaml:"schema_version"`
	FileType       string              `yaml:"file_type"`
	RiskTiers      []RiskTierRule      `yaml:"risk_tiers"`
	DocsDriftRules []DocsDriftRule     `yaml:"docs_drift_rules,omitempty"`
	Checks         map[string]CheckDef `yaml:"checks"`
}

// RiskTierRule binds path globs to the checks they require.
type RiskTierRule struct {
	Tier           model.RiskTier `yaml:"tier"`
	PathGlobs      []string       `yaml:"path_globs"`
	RequiredChecks []string       `yaml:"required_checks"`
}

// DocsDriftRule requires documentation files to change alongside matched code.
type DocsDriftRule struct {
	PathGlob    string   `yaml:"path_glob"`
	MustUpdate  []string `yaml:"must_update"`
	HumanNotify bool     `yaml:"human_notify,omitempty"`
}

// CheckDef is a runnable check command.
type CheckDef struct {
	Command    string `yaml:"command"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
}

// DriftViolation records a docs-drift rule that triggered without its
// required documentation updates.
type DriftViolation struct {
	PathGlob    string   `yaml:"path_glob" json:"path_glob"`
	Missing     []string `yaml:"missing" json:"missing"`
	HumanNotify bool     `yaml:"human_notify" json:"human_notify"`
}

// Load reads and validates a contract document. Parse and validation
// failures are both validation errors: a contract that cannot be trusted
// must never drive the gate.
func Load(path string) (*Contract, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract %s: %w", path, err)
	}

	if err := yaml.ValidateSchemaHeaderFromBytes(content, "factory_contract"); err != nil {
		return nil, validationErrorf("$", "%v", err)
	}

	var c Contract
	if err := goyaml.Unmarshal(content, &c); err != nil {
		return nil, validationErrorf("$", "invalid YAML content: %v", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the structural constraints the gate depends on.
func (c *Contract) Validate() error {
	if len(c.RiskTiers) < 1 {
		return validationErrorf("$.risk_tiers", "expected at least 1 item(s), got %d", len(c.RiskTiers))
	}

	for i, tier := range c.RiskTiers {
		p := fmt.Sprintf("$.risk_tiers[%d]", i)
		if !tier.Tier.Valid() {
			return validationErrorf(p+".tier", "value %q is not a known risk tier", tier.Tier)
		}
		if len(tier.PathGlobs) < 1 {
			return validationErrorf(p+".path_globs", "expected at least 1 item(s), got %d", len(tier.PathGlobs))
		}
		for j, pattern := range tier.PathGlobs {
			if _, err := glob.Compile(pattern); err != nil {
				return validationErrorf(fmt.Sprintf("%s.path_globs[%d]", p, j), "invalid glob %q: %v", pattern, err)
			}
		}
		if len(tier.RequiredChecks) < 1 {
			return validationErrorf(p+".required_checks", "expected at least 1 item(s), got %d", len(tier.RequiredChecks))
		}
	}

	for i, rule := range c.DocsDriftRules {
		p := fmt.Sprintf("$.docs_drift_rules[%d]", i)
		if rule.PathGlob == "" {
			return validationErrorf(p+".path_glob", "missing required key 'path_glob'")
		}
		if _, err := glob.Compile(rule.PathGlob); err != nil {
			return validationErrorf(p+".path_glob", "invalid glob %q: %v", rule.PathGlob, err)
		}
		if len(rule.MustUpdate) < 1 {
			return validationErrorf(p+".must_update", "expected at least 1 item(s), got %d", len(rule.MustUpdate))
		}
	}

	for name, def := range c.Checks {
		p := fmt.Sprintf("$.checks.%s", name)
		if def.Command == "" {
			return validationErrorf(p+".command", "missing required key 'command'")
		}
		if def.TimeoutSec < 0 {
			return validationErrorf(p+".timeout_sec", "value %d is lower than minimum 0", def.TimeoutSec)
		}
	}

	return nil
}

// RequiredChecksForFiles returns the ordered, de-duplicated checks required
// by every risk tier matching the changed files. CheckContractValidate is
// always first.
func (c *Contract) RequiredChecksForFiles(changedFiles []string) []string {
	checks := []string{CheckContractValidate}
	seen := map[string]bool{CheckContractValidate: true}

	for _, changed := range changedFiles {
		for _, tier := range c.RiskTiers {
			for _, pattern := range tier.PathGlobs {
				g, err := glob.Compile(pattern)
				if err != nil {
					continue
				}
				if g.Match(changed) {
					for _, check := range tier.RequiredChecks {
						if !seen[check] {
							seen[check] = true
							checks = append(checks, check)
						}
					}
					break
				}
			}
		}
	}

	return checks
}

// DocsDriftViolations evaluates the docs-drift rules against a changed-file
// set. A rule triggers when any changed file matches its glob; it is
// violated when any must_update path is absent from the set.
func (c *Contract) DocsDriftViolations(changedFiles []string) []DriftViolation {
	changedSet := make(map[string]bool, len(changedFiles))
	for _, path := range changedFiles {
		changedSet[path] = true
	}

	var violations []DriftViolation
	for _, rule := range c.DocsDriftRules {
		g, err := glob.Compile(rule.PathGlob)
		if err != nil {
			continue
		}
		triggered := false
		for _, path := range changedFiles {
			if g.Match(path) {
				triggered = true
				break
			}
		}
		if !triggered {
			continue
		}

		var missing []string
		for _, doc := range rule.MustUpdate {
			if !changedSet[doc] {
				missing = append(missing, doc)
			}
		}
		if len(missing) > 0 {
			violations = append(violations, DriftViolation{
				PathGlob:    rule.PathGlob,
				Missing:     missing,
				HumanNotify: rule.HumanNotify,
			})
		}
	}

	return violations
}

// TimeoutFor returns the effective timeout for a check definition.
func (d CheckDef) TimeoutFor() int {
	if d.TimeoutSec > 0 {
		return d.TimeoutSec
	}
	return DefaultCheckTimeoutSec
}
