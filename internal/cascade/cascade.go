package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/host"
	"github.com/corralhq/corral/internal/metrics"
)

// Step timeouts are fixed constants, not configurable, so the cascade's
// worst-case duration stays predictable: grace + cooperative + one host call.
const (
	graceWait       = 30 * time.Second
	cooperativeWait = 30 * time.Second
)

// exitCommand is typed into the agent's pane at the cooperative step.
const exitCommand = "exit"

// Step identifies which shutdown strategy resolved the cascade.
type Step int

const (
	StepNone Step = iota
	StepGraceful
	StepCooperative
	StepForce
)

func (s Step) String() string {
	switch s {
	case StepGraceful:
		return "graceful"
	case StepCooperative:
		return "cooperative"
	case StepForce:
		return "force"
	}
	return "none"
}

// Store is the slice of the registry the cascade needs.
type Store interface {
	Find(id string) (*agent.Agent, error)
	Update(id string, mutate func(*agent.Agent) error) (*agent.Agent, error)
}

// Result reports how a cascade run ended.
type Result struct {
	Step             Step
	Status           agent.Status
	WorkspaceCleaned bool
	Error            string
}

// Runner drives the shutdown cascade for one agent. It is what a detached
// cleanup daemon executes, but it is equally callable inline for synchronous
// completion.
type Runner struct {
	Store Store
	Host  host.Host
	// WorkspacesDir is the scratch root; only workspaces under it are
	// ephemeral and deleted after success. Empty disables cleanup.
	WorkspacesDir string
	Logger        *slog.Logger

	sleep func(time.Duration)
}

func NewRunner(store Store, h host.Host, workspacesDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Store: store, Host: h, WorkspacesDir: workspacesDir, Logger: logger, sleep: time.Sleep}
}

// Run visits the shutdown strategies in order and stops at the first that
// succeeds; it never re-enters an earlier step. Host failures inside a step
// mean that step failed and the next one is tried. Only a failed force
// destroy marks the agent failed.
func (r *Runner) Run(ctx context.Context, id string) (Result, error) {
	a, err := r.Store.Find(id)
	if err != nil {
		return Result{}, err
	}
	if a.Status.Terminal() {
		return Result{Status: a.Status}, nil
	}
	h := a.Handle

	// Step 1: graceful. An agent with no live children has already exited.
	alive, err := r.alive(ctx, h)
	if err == nil && !alive {
		return r.finish(ctx, a, StepGraceful)
	}
	if err != nil {
		r.Logger.Warn("liveness check failed", "agent", id, "err", err)
	} else {
		if err := r.Host.SendInterrupt(ctx, h); err != nil {
			r.Logger.Warn("interrupt failed", "agent", id, "err", err)
		} else {
			r.sleep(graceWait)
			if alive, err = r.alive(ctx, h); err == nil && !alive {
				return r.finish(ctx, a, StepGraceful)
			}
		}
	}

	// Step 2: cooperative exit through the agent's own input channel.
	if err := r.Host.SendKeys(ctx, h, exitCommand); err != nil {
		r.Logger.Warn("exit command failed", "agent", id, "err", err)
	} else {
		r.sleep(cooperativeWait)
		if alive, err := r.alive(ctx, h); err == nil && !alive {
			return r.finish(ctx, a, StepCooperative)
		}
	}

	// Step 3: force destroy. The host closes empty groups, so when this is
	// the last session in its group a placeholder keeps the group open.
	group := host.GroupOf(h)
	if sessions, err := r.Host.ListSessions(ctx, group); err == nil && countSessions(sessions) <= 1 {
		if _, err := r.Host.CreateSession(ctx, host.SessionSpec{Group: group, Name: group + "-keep"}); err != nil {
			r.Logger.Warn("placeholder session failed", "group", group, "err", err)
		}
	}
	if err := r.Host.DestroySession(ctx, h); err != nil {
		// All strategies exhausted. Keep the pane tail in the log while the
		// session still exists to read from.
		if tail, terr := r.Host.CaptureRecentOutput(ctx, h, 20); terr == nil && tail != "" {
			r.Logger.Warn("pane output before failure", "agent", id, "tail", strings.TrimSpace(tail))
		}
		diag := fmt.Sprintf("%v: destroy failed: %v", agent.ErrAllStrategiesExhausted, err)
		if _, uerr := r.Store.Update(id, func(cur *agent.Agent) error {
			cur.Status = agent.StatusFailed
			if cur.Completion == nil {
				cur.Completion = &agent.Completion{Mode: agent.ModeSync, StartedAt: time.Now().UTC()}
			}
			cur.Completion.Error = diag
			return nil
		}); uerr != nil {
			return Result{Step: StepForce, Status: agent.StatusFailed, Error: diag}, uerr
		}
		metrics.IncCascadeStep(StepForce.String())
		return Result{Step: StepForce, Status: agent.StatusFailed, Error: diag}, nil
	}
	// Destruction is authoritative; no liveness re-check.
	return r.finish(ctx, a, StepForce)
}

// alive reports whether the agent's pane still has child processes.
func (r *Runner) alive(ctx context.Context, h agent.Handle) (bool, error) {
	return r.Host.HasChildren(ctx, h)
}

// countSessions counts distinct sessions; ListSessions reports one entry per
// pane, and a session with split panes is still a single session.
func countSessions(sessions []host.Session) int {
	names := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		names[s.SessionName] = struct{}{}
	}
	return len(names)
}

func (r *Runner) finish(ctx context.Context, a *agent.Agent, step Step) (Result, error) {
	cleaned := false
	if r.ephemeral(a) {
		if err := os.RemoveAll(a.WorkspacePath); err != nil {
			r.Logger.Warn("workspace cleanup failed", "agent", a.ID, "path", a.WorkspacePath, "err", err)
		} else {
			cleaned = true
		}
	}
	updated, err := r.Store.Update(a.ID, func(cur *agent.Agent) error {
		cur.Status = agent.StatusCompleted
		if cur.Completion == nil {
			cur.Completion = &agent.Completion{Mode: agent.ModeSync, StartedAt: time.Now().UTC()}
		}
		cur.Completion.WorkspaceCleaned = cleaned
		return nil
	})
	if err != nil {
		return Result{Step: step, WorkspaceCleaned: cleaned}, err
	}
	metrics.IncCascadeStep(step.String())
	r.Logger.Info("cascade finished", "agent", a.ID, "step", step.String(), "workspace_cleaned", cleaned)
	return Result{Step: step, Status: updated.Status, WorkspaceCleaned: cleaned}, nil
}

// ephemeral reports whether the agent's workspace is scratch space: under
// the configured workspaces root and not the project directory itself.
func (r *Runner) ephemeral(a *agent.Agent) bool {
	if r.WorkspacesDir == "" || a.WorkspacePath == "" {
		return false
	}
	if a.WorkspacePath == a.ProjectDir {
		return false
	}
	rel, err := filepath.Rel(r.WorkspacesDir, a.WorkspacePath)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}
