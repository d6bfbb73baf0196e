package core

import (
	"fmt"
	"strings"
)

// ProfileDefaults holds environment-specific default configuration values.
// Profiles provide defaults only; the config file and env vars always override.
type ProfileDefaults struct {
	Name                        string
	PathPolicyForbiddenPrefixes string
	CLITimeoutSeconds           int
	APITimeoutSeconds           int
	PoolWorkers                 int
	PoolQueueDepth              int

	// StageAttempts is the default bound applied to every retrying healing stage.
	StageAttempts     int
	MaxHealingCycles  int
	MinConfidence     float64
	MaxActiveSessions int
}

var profiles = map[string]*ProfileDefaults{
	"dev": {
		Name:                        "dev",
		PathPolicyForbiddenPrefixes: ".github/,.git/,secrets/,.env",
		CLITimeoutSeconds:           30,
		APITimeoutSeconds:           30,
		PoolWorkers:                 10,
		PoolQueueDepth:              100,
		StageAttempts:               3,
		MaxHealingCycles:            3,
		MinConfidence:               0.6,
		MaxActiveSessions:           10,
	},
	"staging": {
		Name:                        "staging",
		PathPolicyForbiddenPrefixes: ".github/,.git/,secrets/,.env,infra/",
		CLITimeoutSeconds:           30,
		APITimeoutSeconds:           30,
		PoolWorkers:                 8,
		PoolQueueDepth:              64,
		StageAttempts:               3,
		MaxHealingCycles:            2,
		MinConfidence:               0.7,
		MaxActiveSessions:           5,
	},
	"prod": {
		Name:                        "prod",
		PathPolicyForbiddenPrefixes: ".github/,.git/,secrets/,.env,infra/,deploy/,terraform/",
		CLITimeoutSeconds:           20,
		APITimeoutSeconds:           20,
		PoolWorkers:                 8,
		PoolQueueDepth:              64,
		StageAttempts:               2,
		MaxHealingCycles:            2,
		MinConfidence:               0.8,
		MaxActiveSessions:           5,
	},
}

// LoadProfile returns profile defaults for the given name.
// Empty name defaults to "dev". Unknown names return an error.
func LoadProfile(name string) (*ProfileDefaults, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		name = "dev"
	}
	p, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (valid: dev, staging, prod)", name)
	}
	copy := *p
	return &copy, nil
}
