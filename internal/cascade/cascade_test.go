package cascade

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/host"
	"github.com/corralhq/corral/internal/registry"
)

type fakeHost struct {
	calls      []string
	hasKids    func(call int) bool
	kidsCalls  int
	destroyErr error
	sessions   []host.Session
}

func (f *fakeHost) CreateSession(_ context.Context, spec host.SessionSpec) (agent.Handle, error) {
	f.calls = append(f.calls, "create:"+spec.Name)
	return agent.Handle{Target: spec.Name + ":0.0", PaneID: "%99"}, nil
}

func (f *fakeHost) ListSessions(context.Context, string) ([]host.Session, error) {
	f.calls = append(f.calls, "list")
	return f.sessions, nil
}

func (f *fakeHost) SendKeys(_ context.Context, _ agent.Handle, text string) error {
	f.calls = append(f.calls, "keys:"+text)
	return nil
}

func (f *fakeHost) SendInterrupt(context.Context, agent.Handle) error {
	f.calls = append(f.calls, "interrupt")
	return nil
}

func (f *fakeHost) HasChildren(context.Context, agent.Handle) (bool, error) {
	f.calls = append(f.calls, "children")
	f.kidsCalls++
	if f.hasKids == nil {
		return false, nil
	}
	return f.hasKids(f.kidsCalls), nil
}

func (f *fakeHost) DestroySession(context.Context, agent.Handle) error {
	f.calls = append(f.calls, "destroy")
	return f.destroyErr
}

func (f *fakeHost) CaptureRecentOutput(context.Context, agent.Handle, int) (string, error) {
	return "", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRunner(t *testing.T, fh *fakeHost, workspacesDir string) (*Runner, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	r := NewRunner(reg, fh, workspacesDir, testLogger())
	r.sleep = func(time.Duration) {}
	return r, reg
}

func registerAgent(t *testing.T, reg *registry.Registry, workspace string) *agent.Agent {
	t.Helper()
	a := &agent.Agent{
		ID:            agent.NewID(),
		Task:          "fix flaky test",
		Handle:        agent.Handle{Target: "corral-x:0.0", PaneID: "%5"},
		ProjectDir:    "/proj/a",
		WorkspacePath: workspace,
	}
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	return a
}

func TestGracefulPathCompletesImmediately(t *testing.T) {
	wsRoot := t.TempDir()
	ws := filepath.Join(wsRoot, "agent-x")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	fh := &fakeHost{hasKids: func(int) bool { return false }}
	r, reg := newTestRunner(t, fh, wsRoot)
	a := registerAgent(t, reg, ws)

	res, err := r.Run(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Step != StepGraceful || res.Status != agent.StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.WorkspaceCleaned {
		t.Fatal("ephemeral workspace should be cleaned")
	}
	if _, err := os.Stat(ws); !os.IsNotExist(err) {
		t.Fatal("workspace directory should be removed")
	}
	got, _ := reg.Find(a.ID)
	if got.Status != agent.StatusCompleted || got.CompletedAt.IsZero() {
		t.Fatalf("registry not terminal: %+v", got)
	}
	if !got.Completion.WorkspaceCleaned {
		t.Fatal("completion should record workspace cleanup")
	}
	for _, c := range fh.calls {
		if c == "interrupt" || c == "destroy" {
			t.Fatalf("graceful path escalated: %v", fh.calls)
		}
	}
}

func TestFullEscalationForceDestroys(t *testing.T) {
	fh := &fakeHost{
		hasKids:  func(int) bool { return true },
		sessions: []host.Session{{SessionName: "corral-x", PaneID: "%5"}},
	}
	r, reg := newTestRunner(t, fh, "")
	a := registerAgent(t, reg, "/proj/a")

	res, err := r.Run(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Step != StepForce || res.Status != agent.StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	// Steps must run in order and a placeholder must precede the destroy of
	// the last session in the group.
	order := strings.Join(fh.calls, ",")
	iInt := strings.Index(order, "interrupt")
	iExit := strings.Index(order, "keys:exit")
	iCreate := strings.Index(order, "create:corral-keep")
	iDestroy := strings.Index(order, "destroy")
	if iInt < 0 || iExit < iInt || iCreate < iExit || iDestroy < iCreate {
		t.Fatalf("wrong escalation order: %v", fh.calls)
	}
}

func TestPlaceholderCreatedForSplitPaneFinalSession(t *testing.T) {
	// One remaining session split into two panes: ListSessions reports two
	// entries, but the group still empties when it is destroyed.
	fh := &fakeHost{
		hasKids: func(int) bool { return true },
		sessions: []host.Session{
			{SessionName: "corral-x", PaneID: "%5"},
			{SessionName: "corral-x", PaneID: "%6"},
		},
	}
	r, reg := newTestRunner(t, fh, "")
	a := registerAgent(t, reg, "/proj/a")

	res, err := r.Run(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Step != StepForce || res.Status != agent.StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	order := strings.Join(fh.calls, ",")
	iCreate := strings.Index(order, "create:corral-keep")
	iDestroy := strings.Index(order, "destroy")
	if iCreate < 0 || iDestroy < iCreate {
		t.Fatalf("placeholder must precede destroy of the last session: %v", fh.calls)
	}
}

func TestDestroyFailureMarksFailed(t *testing.T) {
	fh := &fakeHost{
		hasKids:    func(int) bool { return true },
		destroyErr: errors.New("no such session"),
		sessions:   []host.Session{{SessionName: "corral-x"}, {SessionName: "corral-y"}},
	}
	r, reg := newTestRunner(t, fh, "")
	a := registerAgent(t, reg, "/proj/a")

	res, err := r.Run(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != agent.StatusFailed || res.Error == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := reg.Find(a.ID)
	if got.Status != agent.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Completion == nil || got.Completion.Error == "" {
		t.Fatal("completion error should be recorded")
	}
	// Two sessions in the group: no placeholder needed.
	for _, c := range fh.calls {
		if strings.HasPrefix(c, "create:") {
			t.Fatalf("unexpected placeholder: %v", fh.calls)
		}
	}
}

func TestTerminalAgentIsNoOp(t *testing.T) {
	fh := &fakeHost{hasKids: func(int) bool { return false }}
	r, reg := newTestRunner(t, fh, "")
	a := registerAgent(t, reg, "/proj/a")
	if _, err := reg.Update(a.ID, func(cur *agent.Agent) error {
		cur.Status = agent.StatusCompleted
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	fh.calls = nil

	res, err := r.Run(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != agent.StatusCompleted || res.Step != StepNone {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(fh.calls) != 0 {
		t.Fatalf("terminal agent should not touch the host: %v", fh.calls)
	}
}

func TestProjectWorkspaceNeverDeleted(t *testing.T) {
	proj := t.TempDir()
	fh := &fakeHost{hasKids: func(int) bool { return false }}
	r, reg := newTestRunner(t, fh, filepath.Dir(proj))
	a := &agent.Agent{
		ID:            agent.NewID(),
		Task:          "in-place work",
		Handle:        agent.Handle{Target: "corral-y:0.0", PaneID: "%6"},
		ProjectDir:    proj,
		WorkspacePath: proj,
	}
	if err := reg.Register(a); err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WorkspaceCleaned {
		t.Fatal("project directory must not be treated as ephemeral")
	}
	if _, err := os.Stat(proj); err != nil {
		t.Fatalf("project dir should survive: %v", err)
	}
}
