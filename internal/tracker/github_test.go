package tracker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/corralhq/corral/internal/agent"
)

func stubGitHub(fn func(dir string, args ...string) (string, error)) *GitHub {
	g := NewGitHub("agent-ready")
	g.run = func(_ context.Context, dir string, args ...string) (string, error) { return fn(dir, args...) }
	return g
}

func TestListReadyParsesItems(t *testing.T) {
	g := stubGitHub(func(dir string, args ...string) (string, error) {
		if dir != "/proj/a" {
			t.Fatalf("unexpected dir %q", dir)
		}
		return `[
			{"number": 12, "title": "fix flaky test", "labels": [{"name":"agent-ready"},{"name":"type:bug"}]},
			{"number": 15, "title": "add docs", "labels": [{"name":"agent-ready"}]}
		]`, nil
	})
	items, err := g.ListReady(context.Background(), "/proj/a", "agent-ready")
	if err != nil {
		t.Fatalf("ListReady: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "12" || items[0].Type != "bug" {
		t.Fatalf("unexpected item %+v", items[0])
	}
	if items[1].Type != "" {
		t.Fatalf("item without type label should have empty type, got %q", items[1].Type)
	}
}

func TestSetStatusInProgressSwapsLabels(t *testing.T) {
	var got []string
	g := stubGitHub(func(dir string, args ...string) (string, error) {
		got = args
		return "", nil
	})
	if err := g.SetStatus(context.Background(), "/proj/a", "12", StatusInProgress); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	joined := strings.Join(got, " ")
	if !strings.Contains(joined, "--add-label in-progress") || !strings.Contains(joined, "--remove-label agent-ready") {
		t.Fatalf("unexpected args %q", joined)
	}
}

func TestSetStatusDoneClosesIssue(t *testing.T) {
	var got []string
	g := stubGitHub(func(dir string, args ...string) (string, error) {
		got = args
		return "", nil
	})
	if err := g.SetStatus(context.Background(), "/proj/a", "12", StatusDone); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got[0] != "issue" || got[1] != "close" || got[2] != "12" {
		t.Fatalf("unexpected args %v", got)
	}
}

func TestSetStatusRejectsUnknown(t *testing.T) {
	g := stubGitHub(func(string, ...string) (string, error) { return "", nil })
	if err := g.SetStatus(context.Background(), "/proj/a", "12", "paused"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestCreateLinkedReturnsIssueNumber(t *testing.T) {
	g := stubGitHub(func(dir string, args ...string) (string, error) {
		return "https://github.com/acme/repo/issues/88\n", nil
	})
	id, err := g.CreateLinked(context.Background(), "/proj/a", "follow-up", "12")
	if err != nil {
		t.Fatalf("CreateLinked: %v", err)
	}
	if id != "88" {
		t.Fatalf("expected 88, got %q", id)
	}
}

func TestListReadyWrapsSentinel(t *testing.T) {
	g := NewGitHub("agent-ready")
	g.run = func(context.Context, string, ...string) (string, error) {
		return "", agent.ErrTrackerUnavailable
	}
	_, err := g.ListReady(context.Background(), "/proj/a", "agent-ready")
	if !errors.Is(err, agent.ErrTrackerUnavailable) {
		t.Fatalf("expected ErrTrackerUnavailable, got %v", err)
	}
}
