package host

import (
	"context"
	"strings"

	"github.com/corralhq/corral/internal/agent"
)

// Session describes one live pane on the process host.
type Session struct {
	SessionName string
	Target      string // session:window.pane
	PaneID      string // server-unique id, survives renumbering
	PanePID     int
}

// SessionSpec describes a session to create. Name defaults to Group when
// empty. Command, when set, is typed into the new pane followed by Enter.
type SessionSpec struct {
	Group   string
	Name    string
	Dir     string
	Command string
}

// Host is the process-host capability the orchestration core runs against.
// All state the core persists about a session lives in agent.Handle; the
// host is otherwise opaque.
type Host interface {
	CreateSession(ctx context.Context, spec SessionSpec) (agent.Handle, error)
	ListSessions(ctx context.Context, group string) ([]Session, error)
	SendKeys(ctx context.Context, h agent.Handle, text string) error
	SendInterrupt(ctx context.Context, h agent.Handle) error
	HasChildren(ctx context.Context, h agent.Handle) (bool, error)
	DestroySession(ctx context.Context, h agent.Handle) error
	CaptureRecentOutput(ctx context.Context, h agent.Handle, lines int) (string, error)
}

// GroupOf derives the host group from a handle's human target: the session
// name up to its last "-" separator, or the whole session name when it has
// none. "corral-01ABC:0.0" and "corral-01DEF:0.0" share group "corral".
func GroupOf(h agent.Handle) string {
	name := h.Target
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndexByte(name, '-'); i > 0 {
		return name[:i]
	}
	return name
}
