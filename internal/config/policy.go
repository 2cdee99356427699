package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// PolicyConfig grants roles a set of actions on resources matching glob
// patterns.
type PolicyConfig struct {
	ID        string   `yaml:"id"`
	Roles     []string `yaml:"roles"`
	Actions   []string `yaml:"actions"`   // "*" grants every action
	Resources []string `yaml:"resources"` // Glob patterns over resource ids
}

// DefaultPolicies grants members the image workflow and the upload log, and
// admins everything, including delete, audit and key rotation.
func DefaultPolicies() []*PolicyConfig {
	return []*PolicyConfig{
		{
			ID:        "member",
			Roles:     []string{"member"},
			Actions:   []string{"view", "download", "upload", "decrypt", "list"},
			Resources: []string{"*"},
		},
		{
			ID:        "admin",
			Roles:     []string{"admin"},
			Actions:   []string{"*"},
			Resources: []string{"*"},
		},
	}
}

// PolicyManager manages loading and matching policies
type PolicyManager struct {
	policies []*PolicyConfig
	mu       sync.RWMutex
}

// NewPolicyManager creates a policy manager seeded with DefaultPolicies.
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: DefaultPolicies(),
	}
}

// LoadPolicies replaces the active policies with those found in files
// matching the given patterns. With no matching files the defaults stay.
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	var loaded []*PolicyConfig

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PolicyConfig
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Roles) == 0 {
				return fmt.Errorf("policy %s must name at least one role", policy.ID)
			}
			if len(policy.Actions) == 0 {
				return fmt.Errorf("policy %s must grant at least one action", policy.ID)
			}
			if len(policy.Resources) == 0 {
				policy.Resources = []string{"*"}
			}

			loaded = append(loaded, &policy)
		}
	}

	if len(loaded) == 0 {
		return nil
	}

	pm.mu.Lock()
	pm.policies = loaded
	pm.mu.Unlock()
	return nil
}

// Allowed reports whether any of roles may perform action on resourceID.
func (pm *PolicyManager) Allowed(roles []string, action, resourceID string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		if policy.grants(roles, action, resourceID) {
			return true
		}
	}
	return false
}

// PolicyFor returns the first policy granting the request, or nil.
func (pm *PolicyManager) PolicyFor(roles []string, action, resourceID string) *PolicyConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		if policy.grants(roles, action, resourceID) {
			return policy
		}
	}
	return nil
}

func (p *PolicyConfig) grants(roles []string, action, resourceID string) bool {
	if !containsAny(p.Roles, roles) {
		return false
	}
	if !contains(p.Actions, "*") && !contains(p.Actions, action) {
		return false
	}
	for _, pattern := range p.Resources {
		if glob.Glob(pattern, resourceID) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsAny(list, candidates []string) bool {
	for _, c := range candidates {
		if contains(list, c) {
			return true
		}
	}
	return false
}
