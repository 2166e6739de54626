package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/router"
)

// GatePolicyProfile is a named, versioned gate configuration loaded from
// YAML. Profiles let an operator run the same kernel with stricter or
// looser human oversight without recompiling.
type GatePolicyProfile struct {
	Name    string `yaml:"name" json:"name"`
	Code    string `yaml:"code" json:"code"`
	Version string `yaml:"version" json:"version"`
	// Checkpoints maps phase names to the approval type required there.
	Checkpoints map[string]string `yaml:"checkpoints" json:"checkpoints"`
	Guards      []router.Guard    `yaml:"guards" json:"guards"`
	Budget      BudgetDefaults    `yaml:"budget" json:"budget"`
	// MaxPivots is the default pivot budget for projects started under
	// this profile.
	MaxPivots int `yaml:"max_pivots" json:"max_pivots"`
}

// BudgetDefaults seeds spend limits for new projects.
type BudgetDefaults struct {
	DailyLimitCents int64 `yaml:"daily_limit_cents" json:"daily_limit_cents"`
	TotalLimitCents int64 `yaml:"total_limit_cents" json:"total_limit_cents"`
}

// ToPolicy compiles the profile into a validated router policy.
func (p *GatePolicyProfile) ToPolicy() (router.Policy, error) {
	checkpoints := make(map[contracts.Phase]contracts.ApprovalType, len(p.Checkpoints))
	for phase, approval := range p.Checkpoints {
		checkpoints[contracts.Phase(strings.ToUpper(phase))] = contracts.ApprovalType(strings.ToUpper(approval))
	}
	policy, err := router.NewPolicy(p.Version, checkpoints, p.Guards)
	if err != nil {
		return router.Policy{}, fmt.Errorf("profile %q: %w", p.Code, err)
	}
	return policy, nil
}

// LoadProfile loads a gate-policy profile by code. It reads
// profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*GatePolicyProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile GatePolicyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if profile.Version == "" {
		return nil, fmt.Errorf("profile %q: missing version", code)
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory,
// keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*GatePolicyProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*GatePolicyProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile GatePolicyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}
