package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/metrics"
	"github.com/corralhq/corral/internal/spawn"
	"github.com/corralhq/corral/internal/tracker"
)

const (
	defaultMaxConcurrent = 3
	defaultPollInterval  = time.Minute
	defaultSkill         = "general"
)

// Project is one repository the dispatcher polls for work.
type Project struct {
	Name string
	Dir  string
}

// Config controls admission and candidate selection.
type Config struct {
	Projects            []Project
	RequiredLabel       string
	MaxConcurrentAgents int
	PollInterval        time.Duration
	// Skills maps a work item's declared type to the skill an agent is
	// spawned with. Unknown types fall back to DefaultSkill.
	Skills       map[string]string
	DefaultSkill string
	DryRun       bool
}

func (c Config) maxConcurrent() int {
	if c.MaxConcurrentAgents <= 0 {
		return defaultMaxConcurrent
	}
	return c.MaxConcurrentAgents
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return defaultPollInterval
	}
	return c.PollInterval
}

// Store is the slice of the registry admission control needs.
type Store interface {
	List(statuses ...agent.Status) ([]*agent.Agent, error)
}

// Spawner creates one agent for a candidate.
type Spawner interface {
	Spawn(ctx context.Context, opts spawn.Options) (*agent.Agent, error)
}

// Report is the outcome of one dispatch cycle.
type Report struct {
	Candidates     int
	Spawned        []string // agent ids
	Planned        []string // item ids that would spawn (dry-run)
	SkippedAtLimit int
	Errors         []string
}

type candidate struct {
	project Project
	item    tracker.Item
}

// Dispatcher polls the issue source across the configured projects and
// spawns agents under admission control. Per-candidate failures are counted
// and never abort the rest of a batch.
type Dispatcher struct {
	Store   Store
	Tracker tracker.Tracker
	Spawner Spawner
	Config  Config
	Logger  *slog.Logger
}

func New(store Store, trk tracker.Tracker, sp Spawner, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Store: store, Tracker: trk, Spawner: sp, Config: cfg, Logger: logger}
}

// skillFor is the closed type-to-skill mapping with an explicit default.
func (d *Dispatcher) skillFor(itemType string) string {
	if skill, ok := d.Config.Skills[itemType]; ok {
		return skill
	}
	if d.Config.DefaultSkill != "" {
		return d.Config.DefaultSkill
	}
	return defaultSkill
}

// RunOnce performs a single dispatch cycle.
func (d *Dispatcher) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	// Candidate order is stable: projects in configured order, items in the
	// adapter's own order within each.
	var candidates []candidate
	for _, p := range d.Config.Projects {
		items, err := d.Tracker.ListReady(ctx, p.Dir, d.Config.RequiredLabel)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("list %s: %v", p.Name, err))
			metrics.IncDispatchError()
			continue
		}
		for _, it := range items {
			candidates = append(candidates, candidate{project: p, item: it})
		}
	}
	rep.Candidates = len(candidates)

	active, err := d.Store.List(agent.StatusActive)
	if err != nil {
		return rep, fmt.Errorf("dispatch: count active: %w", err)
	}
	load := len(active)
	metrics.SetActiveAgents(load)
	limit := d.Config.maxConcurrent()

	for _, c := range candidates {
		if load >= limit {
			rep.SkippedAtLimit++
			continue
		}
		if d.Config.DryRun {
			rep.Planned = append(rep.Planned, c.item.ID)
			load++
			continue
		}
		if err := d.Tracker.SetStatus(ctx, c.project.Dir, c.item.ID, tracker.StatusInProgress); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("mark %s/%s: %v", c.project.Name, c.item.ID, err))
			metrics.IncDispatchError()
			continue
		}
		a, err := d.Spawner.Spawn(ctx, spawn.Options{
			Task:       c.item.Title,
			Skill:      d.skillFor(c.item.Type),
			ProjectDir: c.project.Dir,
			TrackerRef: c.item.ID,
		})
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("spawn %s/%s: %v", c.project.Name, c.item.ID, err))
			metrics.IncDispatchError()
			continue
		}
		rep.Spawned = append(rep.Spawned, a.ID)
		metrics.IncSpawned(c.project.Name)
		load++
		d.Logger.Info("agent spawned", "agent", a.ID, "project", c.project.Name, "item", c.item.ID)
	}
	metrics.AddSkippedAtLimit(rep.SkippedAtLimit)
	if rep.SkippedAtLimit > 0 {
		d.Logger.Info("candidates skipped at limit", "skipped", rep.SkippedAtLimit, "limit", limit)
	}
	return rep, nil
}

// Run polls on the configured interval until ctx is done. The first cycle
// runs immediately.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Config.pollInterval())
	defer ticker.Stop()
	for {
		if rep, err := d.RunOnce(ctx); err != nil {
			d.Logger.Error("dispatch cycle failed", "err", err)
		} else if len(rep.Spawned) > 0 || len(rep.Errors) > 0 {
			d.Logger.Info("dispatch cycle",
				"candidates", rep.Candidates, "spawned", len(rep.Spawned),
				"skipped_at_limit", rep.SkippedAtLimit, "errors", len(rep.Errors))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
