package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.dependencies"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.timelock"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.validation"
)

// PipelineConfig is the bootstrap state applied to empty stores at startup.
type PipelineConfig struct {
	Authority    AuthorityConfig    `yaml:"authority"`
	Proposals    ProposalsConfig    `yaml:"proposals"`
	Validation   ValidationConfig   `yaml:"validation"`
	Timelock     TimelockConfig     `yaml:"timelock"`
	Dependencies DependenciesConfig `yaml:"dependencies"`
	Registry     RegistryConfig     `yaml:"registry"`
}

// AuthorityConfig names the role holders. Empty roles fall back to Admin.
type AuthorityConfig struct {
	Admin          string `yaml:"admin"`
	EmergencyAdmin string `yaml:"emergency_admin"`
	UpgradeManager string `yaml:"upgrade_manager"`
}

type ProposalsConfig struct {
	Approvers []string `yaml:"approvers"`
	// Threshold of 0 keeps the component default.
	Threshold int `yaml:"threshold"`
}

type ValidationConfig struct {
	// ThresholdPercent of 0 keeps the component default.
	ThresholdPercent int               `yaml:"threshold_percent"`
	Validators       []ValidatorConfig `yaml:"validators"`
	Rules            []RuleConfig      `yaml:"rules"`
}

type ValidatorConfig struct {
	Principal string `yaml:"principal"`
	Type      string `yaml:"type"`
}

type RuleConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Critical    bool   `yaml:"critical"`
	Inactive    bool   `yaml:"inactive"`
}

type TimelockConfig struct {
	Delay time.Duration `yaml:"delay"`
}

type DependenciesConfig struct {
	CycleCheck string       `yaml:"cycle_check"`
	Edges      []EdgeConfig `yaml:"edges"`
}

type EdgeConfig struct {
	Dependent  string `yaml:"dependent"`
	Dependency string `yaml:"dependency"`
	Invalid    bool   `yaml:"invalid"`
}

type RegistryConfig struct {
	Modules []ModuleConfig `yaml:"modules"`
}

type ModuleConfig struct {
	Code           string `yaml:"code"`
	Proxy          string `yaml:"proxy"`
	Implementation string `yaml:"implementation"`
	Version        string `yaml:"version"`
}

// DefaultPipelineConfig is a single-operator setup: one admin holding every
// role and approving alone.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Authority: AuthorityConfig{Admin: "admin"},
		Proposals: ProposalsConfig{Approvers: []string{"admin"}, Threshold: 1},
		Validation: ValidationConfig{
			ThresholdPercent: validation.DefaultThresholdPercent,
			Validators:       []ValidatorConfig{{Principal: "admin", Type: string(validation.ValidatorSecurity)}},
		},
		Timelock:     TimelockConfig{Delay: timelock.DefaultTimeDelay},
		Dependencies: DependenciesConfig{CycleCheck: string(dependencies.CycleCheckDirect)},
	}
}

// LoadPipelineConfig reads path. An empty path returns DefaultPipelineConfig.
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPipelineConfig(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("read pipeline config: %w", err)
	}
	return ParsePipelineConfig(data)
}

// ParsePipelineConfig decodes and validates YAML.
func ParsePipelineConfig(data []byte) (PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PipelineConfig{}, fmt.Errorf("parse pipeline config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}

// Validate rejects bootstrap state the components would refuse.
func (c PipelineConfig) Validate() error {
	if _, err := kernel.ParsePrincipal(c.Authority.Admin); err != nil {
		return fmt.Errorf("authority.admin: %w", err)
	}

	if err := unique("proposals.approvers", c.Proposals.Approvers); err != nil {
		return err
	}
	if t := c.Proposals.Threshold; t < 0 || (t > 0 && t > len(c.Proposals.Approvers)) {
		return fmt.Errorf("proposals.threshold %d must be between 1 and %d", t, len(c.Proposals.Approvers))
	}

	if p := c.Validation.ThresholdPercent; p != 0 && (p < validation.MinThresholdPercent || p > validation.MaxThresholdPercent) {
		return fmt.Errorf("validation.threshold_percent %d out of range", p)
	}
	principals := make([]string, len(c.Validation.Validators))
	for i, v := range c.Validation.Validators {
		if _, err := validation.ParseValidatorType(v.Type); err != nil {
			return fmt.Errorf("validation.validators[%d]: %w", i, err)
		}
		principals[i] = v.Principal
	}
	if err := unique("validation.validators", principals); err != nil {
		return err
	}
	names := make([]string, len(c.Validation.Rules))
	for i, r := range c.Validation.Rules {
		names[i] = strings.ToLower(strings.TrimSpace(r.Name))
	}
	if err := unique("validation.rules", names); err != nil {
		return err
	}

	if d := c.Timelock.Delay; d != 0 && d < timelock.MinTimeDelay {
		return fmt.Errorf("timelock.delay %s is below %s", d, timelock.MinTimeDelay)
	}

	if _, err := dependencies.ParseCycleCheck(c.Dependencies.CycleCheck); err != nil {
		return fmt.Errorf("dependencies.cycle_check: %w", err)
	}
	for i, e := range c.Dependencies.Edges {
		from, err := kernel.ParseModuleCode(e.Dependent)
		if err != nil {
			return fmt.Errorf("dependencies.edges[%d].dependent: %w", i, err)
		}
		to, err := kernel.ParseModuleCode(e.Dependency)
		if err != nil {
			return fmt.Errorf("dependencies.edges[%d].dependency: %w", i, err)
		}
		if from == to {
			return fmt.Errorf("dependencies.edges[%d]: %s depends on itself", i, from)
		}
	}

	for i, m := range c.Registry.Modules {
		if _, err := kernel.ParseModuleCode(m.Code); err != nil {
			return fmt.Errorf("registry.modules[%d].code: %w", i, err)
		}
		if _, err := kernel.ParseAddress(m.Proxy); err != nil {
			return fmt.Errorf("registry.modules[%d].proxy: %w", i, err)
		}
		if _, err := kernel.ParseAddress(m.Implementation); err != nil {
			return fmt.Errorf("registry.modules[%d].implementation: %w", i, err)
		}
	}
	return nil
}

func unique(field string, values []string) error {
	seen := make(map[string]struct{}, len(values))
	for i, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
		if _, ok := seen[v]; ok {
			return fmt.Errorf("%s: duplicate %q", field, v)
		}
		seen[v] = struct{}{}
	}
	return nil
}
