// Package server wires C1-C5 into one process: ingress HTTP listener,
// router, registry, drain coordinator, and the transport pool, matching the
// teacher's cmd/vmcp/app/commands.go runServe wiring shape
// (vmcpserver.New(...).Start(ctx)).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/doublegate/Only1MCP-sub001/pkg/logger"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/aggregator"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/config"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/drain"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/health"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/ingress"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/metrics"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/registry"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/router"
	"github.com/doublegate/Only1MCP-sub001/pkg/vmcp/transport"
)

// ErrDrainTimeout is returned by Start when graceful shutdown did not
// finish draining in-flight work within its grace window (spec §6 "exit
// code 2: shutdown timeout").
var ErrDrainTimeout = fmt.Errorf("server: shutdown grace window exceeded before drain completed")

// Config configures a Server's components. Name/Version/Group mirror the
// teacher's vmcpserver.Config (identity fields reported by the validate
// command); the rest wires this repository's own C1-C5 components.
type Config struct {
	Name    string
	Version string
	Group   string

	Backends []vmcp.BackendDescriptor

	Router   config.RouterConfig
	Registry config.RegistryConfig
	Ingress  config.IngressConfig

	Metrics metrics.Sink
}

// Server owns the HTTP listener and every C1-C5 component it fronts.
type Server struct {
	cfg        Config
	httpServer *http.Server
	registry   *registry.DefaultRegistry
	coord      *drain.Coordinator
	monitor    health.Monitor
	pool       *transport.Pool
	sink       metrics.Sink
}

// New constructs a Server: builds the transport pool and caller, the drain
// coordinator, the health monitor, the registry (seeded with the initial
// backends without probing them), and the router, then wires ingress's HTTP
// handler on top.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopSink()
	}

	pool := transport.NewPool(nil)

	var reg *registry.DefaultRegistry
	lookup := func(id vmcp.BackendID) (vmcp.BackendDescriptor, bool) {
		if reg == nil {
			return vmcp.BackendDescriptor{}, false
		}
		d, ok := reg.CurrentSnapshot().Descriptors[id]
		return d, ok
	}
	caller := transport.NewCallerAdapter(pool, lookup)

	coord := drain.NewCoordinator(nil)

	var err error
	reg, err = registry.New(cfg.Backends, caller, coord)
	if err != nil {
		return nil, fmt.Errorf("server: building registry: %w", err)
	}

	monitor := health.NewKeyedMonitor(health.DefaultConfig())

	rtr := router.NewDefaultRouter(router.Config{
		Snapshots:        reg,
		Caller:           caller,
		Coordinator:      coord,
		Monitor:          monitor,
		Policy:           cfg.Router.Policy,
		FailureThreshold: cfg.Router.FailureThreshold,
		OpenTimeout:      cfg.Router.OpenTimeout,
	})

	dispatcher := ingress.NewDispatcher(rtr)
	registerLocalMethods(dispatcher, reg, caller, monitor, cfg)

	admission := ingress.NewAdmission(ingress.AdmissionConfig{
		MaxInFlight:   cfg.Ingress.MaxInFlight,
		RatePerSecond: cfg.Ingress.RatePerSecond,
		Burst:         cfg.Ingress.Burst,
	})
	httpSrv := ingress.NewHTTPServer(dispatcher, admission)

	addr := cfg.Ingress.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		coord:    coord,
		monitor:  monitor,
		pool:     pool,
		sink:     cfg.Metrics,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           httpSrv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return s, nil
}

// registerLocalMethods binds the methods Only1MCP answers itself rather
// than routing to a backend (spec §4.1 "addressed at Only1MCP itself"):
// tools/list and friends are served from the aggregation cache, fanned out
// directly over the transport caller to every eligible backend.
func registerLocalMethods(d *ingress.Dispatcher, reg *registry.DefaultRegistry, caller *transport.CallerAdapter, monitor health.Monitor, cfg Config) {
	d.RegisterLocal("initialize", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		body, _ := json.Marshal(map[string]any{
			"protocolVersion": "2025-06-18",
			"serverInfo":      map[string]string{"name": cfg.Name, "version": cfg.Version},
		})
		return body, nil
	})

	agg := aggregator.NewService(aggregator.Config{Snapshots: reg, Monitor: monitor})
	agg.RegisterFetcher("tools/list", listFetcher(caller, reg, "tools/list", "tools"))
	agg.RegisterFetcher("resources/list", listFetcher(caller, reg, "resources/list", "resources"))
	agg.RegisterFetcher("prompts/list", listFetcher(caller, reg, "prompts/list", "prompts"))

	for _, method := range []string{"tools/list", "resources/list", "prompts/list"} {
		method := method
		d.RegisterLocal(method, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			body, _, err := agg.List(ctx, method)
			return body, err
		})
	}
}

// listFetcher builds an aggregator.Fetcher that calls method directly on one
// backend (bypassing the router's selection policy, since aggregation needs
// every eligible backend's answer, not one) and unpacks its named array
// field ("tools", "resources", or "prompts") into aggregator.Items.
func listFetcher(caller *transport.CallerAdapter, reg *registry.DefaultRegistry, method, field string) aggregator.Fetcher {
	return func(ctx context.Context, backendID vmcp.BackendID) ([]aggregator.Item, error) {
		env := &vmcp.RequestEnvelope{Method: method, ArrivedAt: time.Now()}
		result, err := caller.Call(ctx, backendID, env)
		if err != nil {
			return nil, err
		}
		var wrapper map[string][]map[string]any
		if err := json.Unmarshal(result.Body, &wrapper); err != nil {
			return nil, fmt.Errorf("server: decoding %s response from %s: %w", method, backendID, err)
		}
		priority := reg.CurrentSnapshot().Descriptors[backendID].Priority
		entries := wrapper[field]
		items := make([]aggregator.Item, 0, len(entries))
		for _, e := range entries {
			name, _ := e["name"].(string)
			items = append(items, aggregator.Item{Name: name, BackendID: backendID, Priority: priority, Payload: e})
		}
		return items, nil
	}
}

// Address reports the configured listen address.
func (s *Server) Address() string { return s.httpServer.Addr }

// Registry exposes the live registry for administrative callers (config
// reload, CLI "validate"-style introspection).
func (s *Server) Registry() *registry.DefaultRegistry { return s.registry }

// Start serves HTTP until ctx is canceled, then drains in-flight work within
// the configured shutdown grace period (spec §6 "graceful transitions").
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("only1mcp listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := s.cfg.Ingress.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	logger.Info("only1mcp shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrDrainTimeout
		}
		return fmt.Errorf("server: graceful shutdown: %w", err)
	}
	return <-errCh
}
