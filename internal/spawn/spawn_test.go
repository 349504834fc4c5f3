package spawn

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/host"
)

type fakeStore struct {
	registered []*agent.Agent
	err        error
}

func (f *fakeStore) Register(a *agent.Agent) error {
	if f.err != nil {
		return f.err
	}
	f.registered = append(f.registered, a)
	return nil
}

type fakeHost struct {
	created   []host.SessionSpec
	destroyed []agent.Handle
	err       error
}

func (f *fakeHost) CreateSession(_ context.Context, spec host.SessionSpec) (agent.Handle, error) {
	if f.err != nil {
		return agent.Handle{}, f.err
	}
	f.created = append(f.created, spec)
	return agent.Handle{Target: spec.Name + ":0.0", PaneID: "%3"}, nil
}

func (f *fakeHost) ListSessions(context.Context, string) ([]host.Session, error) { return nil, nil }
func (f *fakeHost) SendKeys(context.Context, agent.Handle, string) error         { return nil }
func (f *fakeHost) SendInterrupt(context.Context, agent.Handle) error            { return nil }
func (f *fakeHost) HasChildren(context.Context, agent.Handle) (bool, error)      { return false, nil }
func (f *fakeHost) DestroySession(_ context.Context, h agent.Handle) error {
	f.destroyed = append(f.destroyed, h)
	return nil
}
func (f *fakeHost) CaptureRecentOutput(context.Context, agent.Handle, int) (string, error) {
	return "", nil
}

func TestSpawnRegistersAgent(t *testing.T) {
	st := &fakeStore{}
	fh := &fakeHost{}
	s := New(st, fh, "corral", t.TempDir())

	a, err := s.Spawn(context.Background(), Options{
		Task:       "fix flaky test",
		Skill:      "bugfix",
		ProjectDir: "/proj/a",
		TrackerRef: "12",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(st.registered) != 1 || st.registered[0].ID != a.ID {
		t.Fatalf("agent not registered: %+v", st.registered)
	}
	if a.Handle.PaneID != "%3" {
		t.Fatalf("handle not recorded: %+v", a.Handle)
	}
	if a.WorkspacePath == "" || a.WorkspacePath == "/proj/a" {
		t.Fatalf("expected fresh workspace, got %q", a.WorkspacePath)
	}
	spec := fh.created[0]
	if !strings.HasPrefix(spec.Name, "corral-") {
		t.Fatalf("session name outside group: %q", spec.Name)
	}
	if !strings.Contains(spec.Command, "bugfix") || !strings.Contains(spec.Command, "fix flaky test") {
		t.Fatalf("command missing skill or task: %q", spec.Command)
	}
}

func TestSpawnDestroysSessionWhenRegisterFails(t *testing.T) {
	st := &fakeStore{err: agent.ErrDuplicateID}
	fh := &fakeHost{}
	s := New(st, fh, "corral", t.TempDir())

	_, err := s.Spawn(context.Background(), Options{Task: "t", ProjectDir: "/proj/a"})
	if !errors.Is(err, agent.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if len(fh.destroyed) != 1 {
		t.Fatalf("orphan session not destroyed: %+v", fh.destroyed)
	}
}

func TestSpawnRequiresTaskAndProject(t *testing.T) {
	s := New(&fakeStore{}, &fakeHost{}, "corral", "")
	if _, err := s.Spawn(context.Background(), Options{ProjectDir: "/p"}); err == nil {
		t.Fatal("expected error without task")
	}
	if _, err := s.Spawn(context.Background(), Options{Task: "t"}); err == nil {
		t.Fatal("expected error without project dir")
	}
}
