package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/cascade"
	"github.com/corralhq/corral/internal/config"
	"github.com/corralhq/corral/internal/host"
	"github.com/corralhq/corral/internal/logger"
	"github.com/corralhq/corral/internal/registry"
)

// Cleanup daemon exit codes.
const (
	cleanupExitCompleted = 0
	cleanupExitFailed    = 1
	cleanupExitUsage     = 2
)

// runCleanup is the detached cleanup daemon entrypoint:
//
//	corral cleanup <agent-id> <registry-path>
//
// It runs the shutdown cascade against the given registry and exits 0 when
// the agent reached completed, 1 when it was marked failed.
func runCleanup(args []string) int {
	if len(args) != 2 {
		_, _ = fmt.Fprintln(os.Stderr, "usage: corral cleanup <agent-id> <registry-path>")
		return cleanupExitUsage
	}
	id, regPath := args[0], args[1]

	logCfg := logger.Config{Dir: filepath.Dir(regPath)}
	log, closer, err := logCfg.New("cleanup")
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return cleanupExitFailed
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	reg, err := registry.Open(regPath)
	if err != nil {
		log.Error("open registry failed", "path", regPath, "err", err)
		return cleanupExitFailed
	}
	defer func() { _ = reg.Close() }()

	runner := cascade.NewRunner(reg, host.NewTmux(), config.Default().WorkspacesDir, log)
	res, err := runner.Run(context.Background(), id)
	if err != nil {
		log.Error("cascade failed", "agent", id, "err", err)
		return cleanupExitFailed
	}
	log.Info("cascade done", "agent", id, "step", res.Step.String(), "status", string(res.Status))
	if res.Status == agent.StatusCompleted {
		return cleanupExitCompleted
	}
	return cleanupExitFailed
}
