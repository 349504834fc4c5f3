package host

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/corralhq/corral/internal/agent"
)

const paneFormat = "#{session_name}|#{session_name}:#{window_index}.#{pane_index}|#{pane_id}|#{pane_pid}"

// Tmux implements Host by shelling out to the tmux binary. A single tmux
// server per host is assumed; handles carry both the human target and the
// pane id, and every tmux call addresses the pane id when present.
type Tmux struct {
	bin string
	run func(ctx context.Context, args ...string) (string, error)
}

func NewTmux() *Tmux {
	t := &Tmux{bin: "tmux"}
	t.run = t.exec
	return t
}

func (t *Tmux) exec(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, t.bin, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: tmux %s: %v: %s",
			agent.ErrHostUnavailable, args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// target returns the tmux -t argument for a handle. tmux accepts the
// server-unique %id directly as a target.
func target(h agent.Handle) string {
	if h.PaneID != "" {
		return h.PaneID
	}
	return h.Target
}

func (t *Tmux) CreateSession(ctx context.Context, spec SessionSpec) (agent.Handle, error) {
	name := spec.Name
	if name == "" {
		name = spec.Group
	}
	args := []string{"new-session", "-d", "-s", name, "-P", "-F", paneFormat}
	if spec.Dir != "" {
		args = append(args, "-c", spec.Dir)
	}
	out, err := t.run(ctx, args...)
	if err != nil {
		return agent.Handle{}, err
	}
	s, err := parsePaneLine(strings.TrimSpace(out))
	if err != nil {
		return agent.Handle{}, fmt.Errorf("%w: %v", agent.ErrHostUnavailable, err)
	}
	h := agent.Handle{Target: s.Target, PaneID: s.PaneID}
	if spec.Command != "" {
		if err := t.SendKeys(ctx, h, spec.Command); err != nil {
			return h, err
		}
	}
	return h, nil
}

func (t *Tmux) ListSessions(ctx context.Context, group string) ([]Session, error) {
	out, err := t.run(ctx, "list-panes", "-a", "-F", paneFormat)
	if err != nil {
		return nil, err
	}
	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		s, err := parsePaneLine(line)
		if err != nil {
			continue
		}
		if group != "" && s.SessionName != group && !strings.HasPrefix(s.SessionName, group+"-") {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (t *Tmux) SendKeys(ctx context.Context, h agent.Handle, text string) error {
	_, err := t.run(ctx, "send-keys", "-t", target(h), text, "Enter")
	return err
}

func (t *Tmux) SendInterrupt(ctx context.Context, h agent.Handle) error {
	_, err := t.run(ctx, "send-keys", "-t", target(h), "C-c")
	return err
}

// HasChildren reports whether the pane's shell has live child processes.
// An agent whose pane shell is idle (no children) has already exited.
func (t *Tmux) HasChildren(ctx context.Context, h agent.Handle) (bool, error) {
	out, err := t.run(ctx, "display-message", "-p", "-t", target(h), "#{pane_pid}")
	if err != nil {
		return false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || pid <= 0 {
		return false, fmt.Errorf("%w: bad pane pid %q", agent.ErrHostUnavailable, strings.TrimSpace(out))
	}
	ps, err := exec.CommandContext(ctx, "ps", "--ppid", strconv.Itoa(pid), "-o", "pid=").Output()
	if err != nil {
		// ps exits 1 when no processes match.
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("%w: ps: %v", agent.ErrHostUnavailable, err)
	}
	return strings.TrimSpace(string(ps)) != "", nil
}

func (t *Tmux) DestroySession(ctx context.Context, h agent.Handle) error {
	name := h.Target
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	_, err := t.run(ctx, "kill-session", "-t", name)
	return err
}

func (t *Tmux) CaptureRecentOutput(ctx context.Context, h agent.Handle, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := t.run(ctx, "capture-pane", "-p", "-t", target(h), "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return out, nil
}

func parsePaneLine(line string) (Session, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return Session{}, fmt.Errorf("unexpected pane line %q", line)
	}
	pid, _ := strconv.Atoi(parts[3])
	return Session{SessionName: parts[0], Target: parts[1], PaneID: parts[2], PanePID: pid}, nil
}
