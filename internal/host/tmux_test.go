package host

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/corralhq/corral/internal/agent"
)

func stubTmux(fn func(args ...string) (string, error)) *Tmux {
	t := NewTmux()
	t.run = func(_ context.Context, args ...string) (string, error) { return fn(args...) }
	return t
}

func TestCreateSessionParsesHandle(t *testing.T) {
	var got []string
	tm := stubTmux(func(args ...string) (string, error) {
		got = args
		return "corral-01A|corral-01A:0.0|%7|12345\n", nil
	})
	h, err := tm.CreateSession(context.Background(), SessionSpec{Group: "corral", Name: "corral-01A", Dir: "/tmp/w"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if h.Target != "corral-01A:0.0" || h.PaneID != "%7" {
		t.Fatalf("unexpected handle %+v", h)
	}
	if got[0] != "new-session" {
		t.Fatalf("unexpected command %v", got)
	}
}

func TestListSessionsFiltersGroup(t *testing.T) {
	tm := stubTmux(func(args ...string) (string, error) {
		return strings.Join([]string{
			"corral-01A|corral-01A:0.0|%1|100",
			"corral-01B|corral-01B:0.0|%2|200",
			"other|other:0.0|%3|300",
		}, "\n") + "\n", nil
	})
	got, err := tm.ListSessions(context.Background(), "corral")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d: %+v", len(got), got)
	}
	if got[0].PaneID != "%1" || got[1].PaneID != "%2" {
		t.Fatalf("unexpected panes %+v", got)
	}
}

func TestTargetPrefersPaneID(t *testing.T) {
	h := agent.Handle{Target: "corral-01A:0.0", PaneID: "%9"}
	if target(h) != "%9" {
		t.Fatalf("target should address pane id, got %q", target(h))
	}
	h.PaneID = ""
	if target(h) != "corral-01A:0.0" {
		t.Fatalf("target fallback wrong: %q", target(h))
	}
}

func TestHostErrorsWrapSentinel(t *testing.T) {
	tm := NewTmux()
	tm.bin = "/nonexistent/tmux-binary"
	_, err := tm.ListSessions(context.Background(), "")
	if !errors.Is(err, agent.ErrHostUnavailable) {
		t.Fatalf("expected ErrHostUnavailable, got %v", err)
	}
}

func TestGroupOf(t *testing.T) {
	cases := []struct{ target, want string }{
		{"corral-01A:0.0", "corral"},
		{"corral:0.0", "corral"},
		{"plain", "plain"},
	}
	for _, c := range cases {
		if got := GroupOf(agent.Handle{Target: c.target}); got != c.want {
			t.Fatalf("GroupOf(%q) = %q, want %q", c.target, got, c.want)
		}
	}
}
