package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriterDefaultsFromDir(t *testing.T) {
	dir := t.TempDir()
	w, err := Config{Dir: dir}.Writer("dispatcher")
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if w == nil {
		t.Fatal("expected writer with Dir set")
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()
	if _, err := os.Stat(filepath.Join(dir, "dispatcher.log")); err != nil {
		t.Fatalf("log file missing: %v", err)
	}
}

func TestWriterNilWithoutDestination(t *testing.T) {
	w, err := Config{}.Writer("dispatcher")
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if w != nil {
		t.Fatal("expected nil writer without destination")
	}
}

func TestNewFallsBackToStderr(t *testing.T) {
	l, closer, err := Config{}.New("cli")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l == nil {
		t.Fatal("nil logger")
	}
	if closer != nil {
		t.Fatal("stderr logger should not need closing")
	}
}
