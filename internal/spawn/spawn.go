package spawn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/host"
)

// Options describes one agent to spawn. WorkspacePath defaults to a fresh
// directory under the spawner's workspaces root.
type Options struct {
	Task          string
	Skill         string
	ProjectDir    string
	WorkspacePath string
	OriginDir     string
	TrackerRef    string
}

// Store is the slice of the registry spawning needs.
type Store interface {
	Register(a *agent.Agent) error
}

// Spawner creates a process-host session running the agent command and
// registers the resulting record. Both the interactive spawn CLI and the
// dispatcher go through it.
type Spawner struct {
	Store Store
	Host  host.Host
	// Group names the host session group; sessions are named Group-<id>.
	Group string
	// WorkspacesDir is where default workspaces are created.
	WorkspacesDir string
	// AgentBin is the coding-assistant binary typed into the pane.
	AgentBin string
}

func New(store Store, h host.Host, group, workspacesDir string) *Spawner {
	if group == "" {
		group = "corral"
	}
	return &Spawner{Store: store, Host: h, Group: group, WorkspacesDir: workspacesDir}
}

func (s *Spawner) Spawn(ctx context.Context, opts Options) (*agent.Agent, error) {
	if opts.Task == "" {
		return nil, fmt.Errorf("spawn: task required")
	}
	if opts.ProjectDir == "" {
		return nil, fmt.Errorf("spawn: project dir required")
	}
	id := agent.NewID()

	workspace := opts.WorkspacePath
	if workspace == "" {
		if s.WorkspacesDir == "" {
			workspace = opts.ProjectDir
		} else {
			workspace = filepath.Join(s.WorkspacesDir, "agent-"+strings.ToLower(id))
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return nil, fmt.Errorf("spawn: create workspace: %w", err)
			}
		}
	}

	h, err := s.Host.CreateSession(ctx, host.SessionSpec{
		Group:   s.Group,
		Name:    s.Group + "-" + strings.ToLower(id),
		Dir:     workspace,
		Command: s.command(opts.Skill, opts.Task),
	})
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	a := &agent.Agent{
		ID:            id,
		Task:          opts.Task,
		Handle:        h,
		ProjectDir:    opts.ProjectDir,
		WorkspacePath: workspace,
		OriginDir:     opts.OriginDir,
		TrackerRef:    opts.TrackerRef,
	}
	if err := s.Store.Register(a); err != nil {
		// The session exists but nothing tracks it; tear it down so the
		// next reconcile pass has nothing to misread.
		_ = s.Host.DestroySession(ctx, h)
		return nil, fmt.Errorf("spawn: %w", err)
	}
	return a, nil
}

func (s *Spawner) command(skill, task string) string {
	bin := s.AgentBin
	if bin == "" {
		bin = "claude"
	}
	prompt := task
	if skill != "" {
		prompt = fmt.Sprintf("Use the %s skill. %s", skill, task)
	}
	return bin + " " + strconv.Quote(prompt)
}
