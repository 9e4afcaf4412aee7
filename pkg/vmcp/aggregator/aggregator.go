// Package aggregator implements the list-aggregation half of C1: fan-out to
// every eligible backend, merge with deterministic collision handling, and
// cache the result per registry generation (spec §4.1 "Aggregated list
// operations").
package aggregator

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/doublegate/Only1MCP-sub001/pkg/logger"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/health"
)

// Item is one tool/resource/prompt as a backend reported it, keyed by its
// natural name (tool name, resource URI, or prompt name per spec §4.1).
type Item struct {
	Name      string
	BackendID vmcp.BackendID
	Priority  int
	Payload   interface{}
}

// Fetcher retrieves one backend's contribution to an aggregated list.
type Fetcher func(ctx context.Context, backendID vmcp.BackendID) ([]Item, error)

// Warning records one backend's failure to respond to a fan-out (spec §4.1
// "failed backends are reported on a side-channel").
type Warning struct {
	BackendID vmcp.BackendID
	Err       error
}

// DefaultFanOutTimeout bounds each backend's independent contribution to a
// fan-out so one slow backend cannot stall the aggregate (spec §4.1).
const DefaultFanOutTimeout = 5 * time.Second

// FanOut calls fetch for every Healthy or Degraded backend in snap
// concurrently, tolerating partial failures. It escalates to an error only
// if every backend failed and at least one was attempted (spec §4.1
// "partial failures ... do not fail the aggregate unless zero backends
// responded").
func FanOut(ctx context.Context, snap *vmcp.RegistrySnapshot, monitor health.Monitor, fetch Fetcher) ([]Item, []Warning, error) {
	ids := eligibleBackends(snap, monitor)
	if len(ids) == 0 {
		return nil, nil, nil
	}

	type outcome struct {
		items   []Item
		warning *Warning
	}
	outcomes := make([]outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, DefaultFanOutTimeout)
			defer cancel()
			items, err := fetch(callCtx, id)
			if err != nil {
				outcomes[i].warning = &Warning{BackendID: id, Err: err}
				logger.Warnw("aggregator: backend fan-out failed", "backend_id", string(id), "error", err.Error())
				return nil // a single backend's failure never fails the group
			}
			outcomes[i].items = items
			return nil
		})
	}
	// errgroup.Go never returns an error here by construction.
	_ = g.Wait()

	var items []Item
	var warnings []Warning
	failures := 0
	for _, o := range outcomes {
		if o.warning != nil {
			warnings = append(warnings, *o.warning)
			failures++
			continue
		}
		items = append(items, o.items...)
	}

	if failures == len(ids) {
		return nil, warnings, &AllBackendsFailedError{Warnings: warnings}
	}
	return items, warnings, nil
}

func eligibleBackends(snap *vmcp.RegistrySnapshot, monitor health.Monitor) []vmcp.BackendID {
	ids := make([]vmcp.BackendID, 0, len(snap.Descriptors))
	for id := range snap.Descriptors {
		if snap.IsDraining(id) {
			continue
		}
		if monitor != nil {
			status := monitor.Status(string(id))
			if status != health.Healthy && status != health.Degraded {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllBackendsFailedError reports that every eligible backend failed to
// respond to a fan-out (spec §4.1 escalation condition).
type AllBackendsFailedError struct {
	Warnings []Warning
}

func (e *AllBackendsFailedError) Error() string {
	return "aggregator: all backends failed to respond"
}

// ResolveCollisions deterministically disambiguates duplicate natural names:
// the highest-priority contributor keeps the unqualified name; all others
// are renamed "<backendId>.<name>". Ties are broken by BackendId
// lexicographic order, and the result order is independent of fan-out
// timing (spec §4.1, §8 "Name-collision determinism").
func ResolveCollisions(items []Item) []Item {
	byName := make(map[string][]Item, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		if _, seen := byName[it.Name]; !seen {
			order = append(order, it.Name)
		}
		byName[it.Name] = append(byName[it.Name], it)
	}
	sort.Strings(order)

	out := make([]Item, 0, len(items))
	for _, name := range order {
		group := byName[name]
		sort.Slice(group, func(i, j int) bool {
			if group[i].Priority != group[j].Priority {
				return group[i].Priority > group[j].Priority // highest priority first
			}
			return group[i].BackendID < group[j].BackendID
		})
		for i, it := range group {
			if i > 0 {
				it.Name = string(it.BackendID) + "." + it.Name
			}
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
