package config

import (
	"fmt"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

// Validator checks semantic correctness of a loaded Config (spec §6 "1 fatal
// startup error: config invalid").
type Validator struct{}

// NewValidator constructs a Validator.
func NewValidator() *Validator { return &Validator{} }

// Validate reports the first structural problem it finds in cfg, or nil if
// cfg is fit to start a server from.
func (*Validator) Validate(cfg *Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("config: \"name\" is required")
	}
	if cfg.Ingress.ListenAddr == "" {
		return fmt.Errorf("config: ingress.listenAddr is required")
	}
	if cfg.Ingress.MaxInFlight <= 0 {
		return fmt.Errorf("config: ingress.maxInFlight must be positive, got %d", cfg.Ingress.MaxInFlight)
	}
	if cfg.Ingress.RatePerSecond < 0 {
		return fmt.Errorf("config: ingress.ratePerSecond must not be negative")
	}

	switch cfg.Router.Policy {
	case router.PolicyConsistentHash, router.PolicyLeastConnections, router.PolicyRoundRobin, router.PolicyWeightedRandom:
	default:
		return fmt.Errorf("config: router.policy %q is not a recognized selection policy", cfg.Router.Policy)
	}
	if cfg.Router.FailureThreshold <= 0 {
		return fmt.Errorf("config: router.failureThreshold must be positive")
	}
	if cfg.Router.HashKey != "auto" && cfg.Router.HashKey != "tool_name" && cfg.Router.HashKey != "client_id" {
		return fmt.Errorf("config: router.hashKey %q must be one of auto, tool_name, client_id", cfg.Router.HashKey)
	}

	if cfg.Registry.VirtualNodes <= 0 {
		return fmt.Errorf("config: registry.virtualNodes must be positive")
	}
	switch cfg.Registry.DefaultStrategy {
	case "immediate", "graceful", "progressive", "":
	default:
		return fmt.Errorf("config: registry.defaultDrainStrategy %q is not recognized", cfg.Registry.DefaultStrategy)
	}

	if cfg.Aggregation.CacheTTL < 0 {
		return fmt.Errorf("config: aggregation.cacheTtl must not be negative")
	}

	seen := make(map[string]struct{}, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if b.ID == "" {
			return fmt.Errorf("config: every backend must have a non-empty id")
		}
		if _, dup := seen[string(b.ID)]; dup {
			return fmt.Errorf("config: duplicate backend id %q", b.ID)
		}
		seen[string(b.ID)] = struct{}{}
		if err := b.Transport.Validate(); err != nil {
			return fmt.Errorf("config: backend %q: %w", b.ID, err)
		}
	}

	return nil
}
