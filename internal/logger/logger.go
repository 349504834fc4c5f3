package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the log destination for a long-lived process (the
// dispatcher loop or a cleanup daemon). Interactive CLI commands log to
// stderr and ignore it. Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string // base directory for logs
	Path       string // explicit path overrides Dir
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // gzip rotated files
}

// Writer returns a rotated io.WriteCloser for the named process, or nil when
// no destination is configured.
func (c Config) Writer(name string) (io.WriteCloser, error) {
	path := c.Path
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, fmt.Sprintf("%s.log", name))
	}
	if path == "" {
		return nil, nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

// New builds a slog logger for the named process: rotated file when the
// config names a destination, stderr otherwise.
func (c Config) New(name string) (*slog.Logger, io.Closer, error) {
	w, err := c.Writer(name)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, nil)), nil, nil
	}
	return slog.New(slog.NewTextHandler(w, nil)), w, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
