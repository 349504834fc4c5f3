package corral

import (
	"path/filepath"
	"testing"
)

func TestFacadeRoundTrip(t *testing.T) {
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer func() { _ = reg.Close() }()

	a := &Agent{
		ID:            "01FACADE",
		Task:          "demo",
		Handle:        Handle{Target: "corral-f:0.0", PaneID: "%1"},
		ProjectDir:    "/proj",
		WorkspacePath: "/ws",
	}
	if err := reg.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := reg.Find("01FACADE")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("status = %s", got.Status)
	}

	changed, err := reg.Reconcile([]string{"%other"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(changed) != 1 || changed[0] != "01FACADE" {
		t.Fatalf("changed = %v", changed)
	}
}

func TestFacadeSinkFactory(t *testing.T) {
	s, err := NewSinkFromDSN(filepath.Join(t.TempDir(), "hist.db"))
	if err != nil {
		t.Fatalf("NewSinkFromDSN: %v", err)
	}
	if s == nil {
		t.Fatal("nil sink")
	}
}
