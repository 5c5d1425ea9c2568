package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the operator-tunable decision policy. It ships with defaults and
// can be overridden by a YAML profile (POLICY_PROFILE).
type Policy struct {
	// ExcludedSKUs are sentinel SKUs dropped during kit explosion, top-level
	// or component (e.g. BUILDBAG).
	ExcludedSKUs []string `yaml:"excluded_skus"`

	// DisallowedRateServices are carrier service names never proposed as
	// rate-check candidates.
	DisallowedRateServices []string `yaml:"disallowed_rate_services"`

	// LockedCustomerServices are customer-chosen services the rate check may
	// not replace; matching shipments are marked skipped.
	LockedCustomerServices []string `yaml:"locked_customer_services"`

	// StationTypePriority orders station-type groups during session builds.
	// Unlisted types sort last.
	StationTypePriority map[string]int `yaml:"station_type_priority"`

	// SessionCapacity caps shipments per fulfillment session.
	SessionCapacity int `yaml:"session_capacity"`
}

// DefaultPolicy returns the shipped defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		ExcludedSKUs:           []string{"BUILDBAG"},
		DisallowedRateServices: nil,
		LockedCustomerServices: nil,
		StationTypePriority: map[string]int{
			"boxing_machine": 1,
			"poly_bag":       2,
			"hand_pack":      3,
		},
		SessionCapacity: 28,
	}
}

// LoadPolicy loads the policy profile YAML at path, layered over defaults.
// An empty path returns the defaults unchanged.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("parse policy profile %q: %w", path, err)
	}
	if policy.SessionCapacity <= 0 {
		return nil, fmt.Errorf("policy profile %q: session_capacity must be positive", path)
	}
	return policy, nil
}

// SKUExcluded reports whether sku is in the explosion exclusion set.
func (p *Policy) SKUExcluded(sku string) bool {
	for _, s := range p.ExcludedSKUs {
		if s == sku {
			return true
		}
	}
	return false
}

// ServiceDisallowed reports whether a carrier service name may not be used
// as a rate-check candidate.
func (p *Policy) ServiceDisallowed(service string) bool {
	for _, s := range p.DisallowedRateServices {
		if s == service {
			return true
		}
	}
	return false
}

// CustomerServiceLocked reports whether the customer's chosen service may
// not be replaced.
func (p *Policy) CustomerServiceLocked(service string) bool {
	for _, s := range p.LockedCustomerServices {
		if s == service {
			return true
		}
	}
	return false
}

// StationPriority returns the sort rank for a station type; unlisted types
// rank 99.
func (p *Policy) StationPriority(stationType string) int {
	if rank, ok := p.StationTypePriority[stationType]; ok {
		return rank
	}
	return 99
}
