package aggregator

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/health"
)

// SnapshotSource supplies the currently-pinned registry snapshot.
type SnapshotSource interface {
	CurrentSnapshot() *vmcp.RegistrySnapshot
}

// NotifyFunc is invoked once per observed generation change, after the
// aggregated caches for that generation are known to be cold (spec §4.1
// "emit notifications/tools/listChanged to all connected clients").
type NotifyFunc func(method string, gen vmcp.Generation)

// Service aggregates tools/list, resources/list, and prompts/list against
// the current registry snapshot, each through its own Fetcher and a shared
// generation-keyed Cache.
type Service struct {
	snapshots SnapshotSource
	monitor   health.Monitor
	cache     Cache
	notify    NotifyFunc

	fetchers map[string]Fetcher

	lastGen atomic.Uint64
}

// Config configures a Service's collaborators.
type Config struct {
	Snapshots SnapshotSource
	Monitor   health.Monitor
	Cache     Cache
	Notify    NotifyFunc
}

// NewService constructs a Service with no fetchers registered; call
// RegisterFetcher for each aggregated method ("tools/list",
// "resources/list", "prompts/list").
func NewService(cfg Config) *Service {
	if cfg.Cache == nil {
		cfg.Cache = NewInMemoryCache(DefaultTTL)
	}
	return &Service{
		snapshots: cfg.Snapshots,
		monitor:   cfg.Monitor,
		cache:     cfg.Cache,
		notify:    cfg.Notify,
		fetchers:  make(map[string]Fetcher),
	}
}

// RegisterFetcher binds a Fetcher to an aggregated method name.
func (s *Service) RegisterFetcher(method string, fetch Fetcher) {
	s.fetchers[method] = fetch
}

// List returns method's aggregated, collision-resolved result as marshaled
// JSON, serving from cache when the current generation's entry is warm.
func (s *Service) List(ctx context.Context, method string) (json.RawMessage, []Warning, error) {
	fetch, ok := s.fetchers[method]
	if !ok {
		return nil, nil, &UnregisteredMethodError{Method: method}
	}

	snap := s.snapshots.CurrentSnapshot()
	s.observeGeneration(method, snap.Generation)

	if cached, ok := s.cache.Get(ctx, method, snap.Generation); ok {
		return cached, nil, nil
	}

	items, warnings, err := FanOut(ctx, snap, s.monitor, fetch)
	if err != nil {
		return nil, warnings, err
	}

	resolved := ResolveCollisions(items)
	payload := make([]interface{}, 0, len(resolved))
	for _, it := range resolved {
		payload = append(payload, renderItem(it))
	}
	marshaled, err := json.Marshal(payload)
	if err != nil {
		return nil, warnings, err
	}

	_ = s.cache.Set(ctx, method, snap.Generation, marshaled)
	return marshaled, warnings, nil
}

// observeGeneration fires notify exactly once per generation transition,
// the first time any List call observes the new generation.
func (s *Service) observeGeneration(method string, gen vmcp.Generation) {
	if s.notify == nil {
		return
	}
	for {
		prev := s.lastGen.Load()
		if uint64(gen) <= prev {
			return
		}
		if s.lastGen.CompareAndSwap(prev, uint64(gen)) {
			s.notify(method, gen)
			return
		}
	}
}

// renderItem shapes an Item back into the wire object a client expects: its
// Payload with Name overwritten to the (possibly disambiguated) resolved
// name.
func renderItem(it Item) interface{} {
	if m, ok := it.Payload.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		out["name"] = it.Name
		return out
	}
	return map[string]interface{}{"name": it.Name, "backendId": it.BackendID}
}

// UnregisteredMethodError reports a List call for a method with no bound
// Fetcher.
type UnregisteredMethodError struct {
	Method string
}

func (e *UnregisteredMethodError) Error() string {
	return "aggregator: no fetcher registered for method " + e.Method
}
