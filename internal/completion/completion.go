package completion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/cascade"
	"github.com/corralhq/corral/internal/tracker"
)

// deliverableFile is the task sheet each agent maintains in its workspace;
// it must carry doneMarker before completion verifies cleanly.
const (
	deliverableFile = "TASK.md"
	doneMarker      = "status: done"
)

// Store is the slice of the registry the engine needs.
type Store interface {
	Find(id string) (*agent.Agent, error)
	Update(id string, mutate func(*agent.Agent) error) (*agent.Agent, error)
	Path() string
}

// Options controls one completion call.
type Options struct {
	// Async hands the shutdown cascade to a detached cleanup daemon and
	// returns immediately; otherwise the cascade runs inline.
	Async bool
	// Force proceeds past verification failures.
	Force bool
}

// Result reports what a completion call did.
type Result struct {
	Status agent.Status
	// FailedChecks lists verification findings; populated even when forced.
	FailedChecks []string
	Synced       bool
	DaemonPID    int
	Cascade      *cascade.Result
}

// Engine drives the terminal state transition for an agent: verify the
// deliverable, sync the workspace back when owed, then run or delegate the
// shutdown cascade.
type Engine struct {
	Store   Store
	Tracker tracker.Tracker
	Cascade *cascade.Runner
	Logger  *slog.Logger
	// Exclusions are workspace paths allowed to stay dirty.
	Exclusions []string

	run    func(ctx context.Context, dir, name string, args ...string) (string, error)
	detach func(id, registryPath string) (int, error)
}

func NewEngine(store Store, trk tracker.Tracker, runner *cascade.Runner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		Store:      store,
		Tracker:    trk,
		Cascade:    runner,
		Logger:     logger,
		Exclusions: []string{deliverableFile},
	}
	e.run = runCmd
	e.detach = detachCleanup
	return e
}

func runCmd(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// detachCleanup re-executes the current binary as a detached cleanup daemon
// for the given agent. The child owns its own session so it survives the
// caller exiting.
func detachCleanup(id, registryPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	cmd := exec.Command(exe, "cleanup", id, registryPath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// Complete drives an agent to a terminal status. Verification failures are
// advisory: without Force they stop the call, with Force they are reported
// in the result and completion proceeds.
func (e *Engine) Complete(ctx context.Context, id string, opts Options) (Result, error) {
	a, err := e.Store.Find(id)
	if err != nil {
		return Result{}, err
	}
	if a.Status.Terminal() {
		return Result{Status: a.Status}, nil
	}

	checks := e.verify(ctx, a)
	if len(checks) > 0 && !opts.Force {
		return Result{Status: a.Status, FailedChecks: checks}, &agent.VerificationError{Checks: checks}
	}

	res := Result{FailedChecks: checks}
	if a.NeedsSyncBack() {
		if err := e.syncBack(ctx, a); err != nil {
			return res, fmt.Errorf("sync back %s: %w", id, err)
		}
		res.Synced = true
	}

	mode := agent.ModeSync
	if opts.Async {
		mode = agent.ModeAsync
	}
	if a.Status == agent.StatusActive {
		if _, err := e.Store.Update(id, func(cur *agent.Agent) error {
			cur.Status = agent.StatusCompleting
			cur.Completion = &agent.Completion{Mode: mode, StartedAt: time.Now().UTC()}
			return nil
		}); err != nil {
			return res, err
		}
	}

	if opts.Async {
		pid, err := e.detach(id, e.Store.Path())
		if err != nil {
			return res, fmt.Errorf("detach cleanup daemon: %w", err)
		}
		updated, err := e.Store.Update(id, func(cur *agent.Agent) error {
			if cur.Completion != nil {
				cur.Completion.DaemonPID = pid
			}
			return nil
		})
		if err != nil {
			return res, err
		}
		res.Status = updated.Status
		res.DaemonPID = pid
		return res, nil
	}

	cres, err := e.Cascade.Run(ctx, id)
	if err != nil {
		return res, err
	}
	res.Cascade = &cres
	res.Status = cres.Status
	if cres.Status == agent.StatusCompleted && a.TrackerRef != "" && e.Tracker != nil {
		if err := e.Tracker.SetStatus(ctx, a.ProjectDir, a.TrackerRef, tracker.StatusDone); err != nil {
			e.Logger.Warn("tracker close failed", "agent", id, "ref", a.TrackerRef, "err", err)
		}
	}
	return res, nil
}

// verify runs the deliverable checks. Findings are returned, not fatal.
func (e *Engine) verify(ctx context.Context, a *agent.Agent) []string {
	var checks []string

	sheet := filepath.Join(a.WorkspacePath, deliverableFile)
	data, err := os.ReadFile(sheet)
	switch {
	case err != nil:
		checks = append(checks, fmt.Sprintf("deliverable %s missing: %v", deliverableFile, err))
	case !strings.Contains(strings.ToLower(string(data)), doneMarker):
		checks = append(checks, fmt.Sprintf("deliverable %s not marked done", deliverableFile))
	}

	out, err := e.run(ctx, a.WorkspacePath, "git", "status", "--porcelain")
	if err != nil {
		checks = append(checks, fmt.Sprintf("git status: %v", err))
		return checks
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if e.excluded(path) {
			continue
		}
		checks = append(checks, fmt.Sprintf("uncommitted change: %s", path))
	}
	return checks
}

func (e *Engine) excluded(path string) bool {
	for _, x := range e.Exclusions {
		if path == x || filepath.Base(path) == x {
			return true
		}
	}
	return false
}

// syncBack mirrors the workspace onto the origin repository the agent was
// spawned against.
func (e *Engine) syncBack(ctx context.Context, a *agent.Agent) error {
	src := strings.TrimRight(a.WorkspacePath, "/") + "/"
	dst := strings.TrimRight(a.OriginDir, "/") + "/"
	_, err := e.run(ctx, "", "rsync", "-a", "--delete", "--exclude", ".git", src, dst)
	return err
}

// Discover files follow-up work items linked to the agent's tracker ref.
// Failures are collected per title and never abort the rest.
func (e *Engine) Discover(ctx context.Context, id string, titles []string) ([]string, []error) {
	a, err := e.Store.Find(id)
	if err != nil {
		return nil, []error{err}
	}
	if e.Tracker == nil {
		return nil, []error{fmt.Errorf("no tracker configured")}
	}
	var created []string
	var errs []error
	for _, title := range titles {
		ref, err := e.Tracker.CreateLinked(ctx, a.ProjectDir, title, a.TrackerRef)
		if err != nil {
			errs = append(errs, fmt.Errorf("create %q: %w", title, err))
			continue
		}
		created = append(created, ref)
	}
	return created, errs
}
