package factory

import (
	"path/filepath"
	"testing"
)

func TestNewSinkFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hist.db")
	for _, dsn := range []string{path, "sqlite://" + path} {
		s, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("NewSinkFromDSN(%q): %v", dsn, err)
		}
		if s == nil {
			t.Fatalf("nil sink for %q", dsn)
		}
	}
}

func TestNewSinkFromDSNOpenSearch(t *testing.T) {
	s, err := NewSinkFromDSN("opensearch://localhost:9200/agent-events")
	if err != nil {
		t.Fatalf("NewSinkFromDSN: %v", err)
	}
	if s == nil {
		t.Fatal("nil sink")
	}
}

func TestNewSinkFromDSNErrors(t *testing.T) {
	if _, err := NewSinkFromDSN(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if _, err := NewSinkFromDSN("mysql://host/db"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
