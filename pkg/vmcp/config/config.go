// Package config loads, merges, and validates Only1MCP's YAML configuration
// (spec §6, SPEC_FULL "Configuration").
package config

import (
	"time"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/drain"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/registry"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
)

// Config is Only1MCP's root configuration surface. Auth/RBAC/audit are
// referenced by name only (external-collaborator references, spec §1
// Non-goals); the core never implements them.
type Config struct {
	Name  string `yaml:"name"`
	Group string `yaml:"group"`

	Ingress     IngressConfig     `yaml:"ingress"`
	Router      RouterConfig      `yaml:"router"`
	Registry    RegistryConfig    `yaml:"registry"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Health      HealthConfig      `yaml:"health"`
	Audit       AuditConfig       `yaml:"audit"`

	Backends []vmcp.BackendDescriptor `yaml:"backends"`
}

// IngressConfig configures C1's HTTP listener and admission gate.
type IngressConfig struct {
	ListenAddr    string        `yaml:"listenAddr"`
	MaxInFlight   int64         `yaml:"maxInFlight"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
	Burst         int           `yaml:"burst"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
}

// RouterConfig configures C3's selection policy and circuit breaker
// thresholds.
type RouterConfig struct {
	Policy           router.Policy `yaml:"policy"`
	HashKey          string        `yaml:"hashKey"` // "auto" (default), "tool_name", or "client_id"
	FailureThreshold int           `yaml:"failureThreshold"`
	OpenTimeout      time.Duration `yaml:"openTimeout"`
}

// RegistryConfig describes C2's default update behavior. It is loaded and
// validated and handed to server.Config, but server.New does not read it:
// the registry is built with 150 virtual nodes and no update defaults.
type RegistryConfig struct {
	VirtualNodes     int            `yaml:"virtualNodes"`
	DefaultMode      registry.Mode  `yaml:"defaultMode"`
	DefaultStrategy  drain.Strategy `yaml:"defaultDrainStrategy"`
	DrainTimeout     time.Duration  `yaml:"drainTimeout"`
	ProbeTimeout     time.Duration  `yaml:"probeTimeout"`
	BlueGreenOverlap time.Duration  `yaml:"blueGreenOverlap"`
}

// AggregationConfig describes C1's list-aggregation cache (10-minute
// default TTL). It is loaded and validated only: the serve command does not
// pass it to server.New, which always uses an in-process cache with
// aggregator.DefaultTTL, so neither CacheTTL nor RedisURL takes effect.
type AggregationConfig struct {
	CacheTTL time.Duration `yaml:"cacheTtl"`
	RedisURL string        `yaml:"redisUrl,omitempty"`
}

// HealthConfig describes the shared health monitor's classification
// thresholds. It is loaded only: server.New builds the monitor from
// health.DefaultConfig() and does not read this section.
type HealthConfig struct {
	CheckInterval      time.Duration `yaml:"checkInterval"`
	UnhealthyThreshold int           `yaml:"unhealthyThreshold"`
	DegradedThreshold  int           `yaml:"degradedThreshold"`
	Timeout            time.Duration `yaml:"timeout"`
}

// AuditConfig references an external audit sink by name only; the core
// never implements audit-log storage or chaining (spec §1 Non-goals).
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	SinkRef string `yaml:"sinkRef,omitempty"`
}

// Default returns Only1MCP's documented configuration defaults.
func Default() *Config {
	return &Config{
		Name:  "only1mcp",
		Group: "default",
		Ingress: IngressConfig{
			ListenAddr:    ":8080",
			MaxInFlight:   256,
			RatePerSecond: 500,
			Burst:         100,
			ShutdownGrace: 30 * time.Second,
		},
		Router: RouterConfig{
			Policy:           router.PolicyConsistentHash,
			HashKey:          "auto",
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Registry: RegistryConfig{
			VirtualNodes:     150,
			DefaultMode:      registry.ModeInstant,
			DefaultStrategy:  drain.Graceful,
			DrainTimeout:     30 * time.Second,
			ProbeTimeout:     5 * time.Second,
			BlueGreenOverlap: 10 * time.Second,
		},
		Aggregation: AggregationConfig{
			CacheTTL: 10 * time.Minute,
		},
		Health: HealthConfig{
			CheckInterval:      10 * time.Second,
			UnhealthyThreshold: 3,
			DegradedThreshold:  1,
			Timeout:            5 * time.Second,
		},
	}
}
