package health

import (
	"sync"
	"time"
)

// MonitorConfig configures the default Monitor implementation (mirrors the
// teacher's cmd/vmcp/app/commands.go MonitorConfig fields).
type MonitorConfig struct {
	CheckInterval      time.Duration
	UnhealthyThreshold int
	DegradedThreshold  int
	Timeout            time.Duration
}

// DefaultConfig returns the package's baseline monitor configuration.
func DefaultConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:      30 * time.Second,
		UnhealthyThreshold: 3,
		DegradedThreshold:  1,
		Timeout:            5 * time.Second,
	}
}

// Monitor is the collaborator interface the router consumes for live
// backend health (spec §6 "Health monitor"). The core never performs
// health probing itself beyond on-change connectivity probes during
// registry updates (§4.2 step 3); a Monitor is expected to be fed by an
// external prober or by transport-observed call outcomes.
type Monitor interface {
	// Record returns (creating if absent) the Record for id.
	Record(id string) *Record
	// Status reports the current classification for id, Unknown if never
	// observed.
	Status(id string) Status
	// RecordSuccess feeds a successful call's latency into id's record and
	// reclassifies its Status.
	RecordSuccess(id string, latency time.Duration)
	// RecordFailure feeds a failed call into id's record and reclassifies
	// its Status.
	RecordFailure(id string)
}

// KeyedMonitor is a sharded-map Monitor implementation: per-key locking so
// operations never contend with the router hot path as a whole (spec §5
// "Shared resources & mutation policy").
type KeyedMonitor struct {
	cfg MonitorConfig

	mu      sync.RWMutex
	records map[string]*Record
}

// NewKeyedMonitor constructs a Monitor using cfg's thresholds to derive
// Status from rolling success/failure counts.
func NewKeyedMonitor(cfg MonitorConfig) *KeyedMonitor {
	return &KeyedMonitor{cfg: cfg, records: make(map[string]*Record)}
}

func (m *KeyedMonitor) Record(id string) *Record {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		return r
	}
	r = NewRecord()
	m.records[id] = r
	return r
}

func (m *KeyedMonitor) Status(id string) Status {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Unknown
	}
	return r.Snapshot().Status
}

// RecordSuccess feeds a successful call's latency into id's record and
// reclassifies its Status from the resulting consecutive-failure streak
// (zero, by construction).
func (m *KeyedMonitor) RecordSuccess(id string, latency time.Duration) {
	r := m.Record(id)
	r.RecordSuccess(latency)
	r.setStatus(m.classify(r.Snapshot()))
}

// RecordFailure feeds a failed call into id's record and reclassifies its
// Status from the updated consecutive-failure streak.
func (m *KeyedMonitor) RecordFailure(id string) {
	r := m.Record(id)
	r.RecordFailure()
	r.setStatus(m.classify(r.Snapshot()))
}

// classify derives a Status from a snapshot's consecutive-failure streak
// against the monitor's configured thresholds (spec §3 HealthRecord
// lifecycle: Unknown until first observation, Unhealthy once the streak
// reaches UnhealthyThreshold, Degraded once it reaches DegradedThreshold).
func (m *KeyedMonitor) classify(snap Snapshot) Status {
	if snap.LastSuccess.IsZero() && snap.FailureCount == 0 {
		return Unknown
	}
	if m.cfg.UnhealthyThreshold > 0 && snap.ConsecutiveFailures >= uint64(m.cfg.UnhealthyThreshold) {
		return Unhealthy
	}
	if m.cfg.DegradedThreshold > 0 && snap.ConsecutiveFailures >= uint64(m.cfg.DegradedThreshold) {
		return Degraded
	}
	return Healthy
}
