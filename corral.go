package corral

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/cascade"
	"github.com/corralhq/corral/internal/completion"
	cfg "github.com/corralhq/corral/internal/config"
	"github.com/corralhq/corral/internal/dispatch"
	"github.com/corralhq/corral/internal/history"
	"github.com/corralhq/corral/internal/history/factory"
	"github.com/corralhq/corral/internal/host"
	"github.com/corralhq/corral/internal/metrics"
	"github.com/corralhq/corral/internal/registry"
	iapi "github.com/corralhq/corral/internal/server"
	"github.com/corralhq/corral/internal/spawn"
	"github.com/corralhq/corral/internal/tracker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Agent = agent.Agent

type Status = agent.Status

const (
	StatusActive     = agent.StatusActive
	StatusCompleting = agent.StatusCompleting
	StatusCompleted  = agent.StatusCompleted
	StatusFailed     = agent.StatusFailed
	StatusAbandoned  = agent.StatusAbandoned
)

type Handle = agent.Handle

type Host = host.Host

type Tracker = tracker.Tracker

type HistorySink = history.Sink

type DispatchReport = dispatch.Report

type CompleteOptions = completion.Options

type SpawnOptions = spawn.Options

// Registry is a thin facade over the internal registry for embedding.
type Registry struct{ inner *registry.Registry }

// OpenRegistry opens (creating if needed) the shared registry file.
func OpenRegistry(path string) (*Registry, error) {
	r, err := registry.Open(path)
	if err != nil {
		return nil, err
	}
	return &Registry{inner: r}, nil
}

func (r *Registry) Close() error                          { return r.inner.Close() }
func (r *Registry) Path() string                          { return r.inner.Path() }
func (r *Registry) SetSinks(sinks ...HistorySink)         { r.inner.SetSinks(sinks...) }
func (r *Registry) Register(a *Agent) error               { return r.inner.Register(a) }
func (r *Registry) Find(id string) (*Agent, error)        { return r.inner.Find(id) }
func (r *Registry) List(st ...Status) ([]*Agent, error)   { return r.inner.List(st...) }
func (r *Registry) Reconcile(live []string) ([]string, error) {
	return r.inner.Reconcile(live)
}
func (r *Registry) Update(id string, mutate func(*Agent) error) (*Agent, error) {
	return r.inner.Update(id, mutate)
}

// NewTmuxHost returns the tmux-backed process host.
func NewTmuxHost() Host { return host.NewTmux() }

// NewGitHubTracker returns the gh-backed issue tracker.
func NewGitHubTracker(readyLabel string) Tracker { return tracker.NewGitHub(readyLabel) }

// NewSinkFromDSN builds a history sink from a DSN
// (sqlite://, postgres://, clickhouse://, opensearch://).
func NewSinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Engine is the completion engine facade.
type Engine struct{ inner *completion.Engine }

func NewEngine(r *Registry, h Host, trk Tracker, workspacesDir string, logger *slog.Logger) *Engine {
	runner := cascade.NewRunner(r.inner, h, workspacesDir, logger)
	return &Engine{inner: completion.NewEngine(r.inner, trk, runner, logger)}
}

func (e *Engine) Complete(ctx context.Context, id string, opts CompleteOptions) (completion.Result, error) {
	return e.inner.Complete(ctx, id, opts)
}

func (e *Engine) Discover(ctx context.Context, id string, titles []string) ([]string, []error) {
	return e.inner.Discover(ctx, id, titles)
}

// Dispatcher is the work dispatcher facade.
type Dispatcher struct{ inner *dispatch.Dispatcher }

type DispatchConfig = dispatch.Config

type Project = dispatch.Project

func NewDispatcher(r *Registry, trk Tracker, h Host, c DispatchConfig, workspacesDir string, logger *slog.Logger) *Dispatcher {
	sp := spawn.New(r.inner, h, "corral", workspacesDir)
	return &Dispatcher{inner: dispatch.New(r.inner, trk, sp, c, logger)}
}

func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchReport, error) {
	return d.inner.RunOnce(ctx)
}

func (d *Dispatcher) Run(ctx context.Context) error { return d.inner.Run(ctx) }

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*cfg.FileConfig, error) { return cfg.Load(path) }

// NewHTTPServer starts the status API server on addr.
func NewHTTPServer(addr, basePath string, r *Registry, h Host, group string) *http.Server {
	return iapi.NewServer(addr, basePath, r.inner, h, group)
}

// Metrics helpers (public facade)

func RegisterMetrics(reg prometheus.Registerer) error { return metrics.Register(reg) }
func RegisterMetricsDefault() error                   { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
