package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile tunes the pipeline's timing behavior per deployment.
type Profile struct {
	Claims ClaimProfile `yaml:"claims" json:"claims"`
	Retry  RetryProfile `yaml:"retry" json:"retry"`
	Events EventProfile `yaml:"events" json:"events"`
}

// ClaimProfile tunes claim-record TTLs.
type ClaimProfile struct {
	// PendingSeconds must be strictly shorter than any plausible
	// processing time would tolerate, but long enough to cover normal
	// processing.
	PendingSeconds   int `yaml:"pending_seconds" json:"pending_seconds"`
	CompletedMinutes int `yaml:"completed_minutes" json:"completed_minutes"`
	FailedSeconds    int `yaml:"failed_seconds" json:"failed_seconds"`
}

// RetryProfile bounds the orchestrator's transient-error retries.
type RetryProfile struct {
	MaxRetries uint64 `yaml:"max_retries" json:"max_retries"`
}

// EventProfile tunes event-bus delivery behavior.
type EventProfile struct {
	ReclaimSeconds int `yaml:"reclaim_seconds" json:"reclaim_seconds"`
}

// DefaultProfile returns production defaults.
func DefaultProfile() *Profile {
	return &Profile{
		Claims: ClaimProfile{PendingSeconds: 30, CompletedMinutes: 10, FailedSeconds: 5},
		Retry:  RetryProfile{MaxRetries: 3},
		Events: EventProfile{ReclaimSeconds: 30},
	}
}

// LoadProfile reads a YAML profile from path. Missing fields keep
// their defaults.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate rejects profiles that would break the claim contract.
func (p *Profile) Validate() error {
	if p.Claims.PendingSeconds <= 0 {
		return fmt.Errorf("config: pending_seconds must be positive")
	}
	if p.Claims.CompletedMinutes <= 0 {
		return fmt.Errorf("config: completed_minutes must be positive")
	}
	if p.Claims.FailedSeconds <= 0 {
		return fmt.Errorf("config: failed_seconds must be positive")
	}
	if p.Claims.FailedSeconds >= p.Claims.PendingSeconds {
		return fmt.Errorf("config: failed_seconds must be shorter than pending_seconds")
	}
	return nil
}

// ClaimTTLs converts the profile into claim-store durations.
func (p *Profile) ClaimTTLs() (pending, completed, failed time.Duration) {
	return time.Duration(p.Claims.PendingSeconds) * time.Second,
		time.Duration(p.Claims.CompletedMinutes) * time.Minute,
		time.Duration(p.Claims.FailedSeconds) * time.Second
}
