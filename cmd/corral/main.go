package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/corralhq/corral/internal/config"
	"github.com/corralhq/corral/internal/host"
	"github.com/corralhq/corral/internal/registry"
	"github.com/corralhq/corral/internal/tracker"
)

func main() {
	// The cleanup daemon entrypoint has a narrow argument contract
	// (agent id + registry path) and its own exit codes, so it bypasses
	// the cobra tree entirely.
	if len(os.Args) > 1 && os.Args[1] == "cleanup" {
		os.Exit(runCleanup(os.Args[2:]))
	}

	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
}

// SpawnFlags holds flags for the spawn command
type SpawnFlags struct {
	Task       string
	Skill      string
	Project    string
	Workspace  string
	Origin     string
	TrackerRef string
}

// CompleteFlags holds flags for the complete command
type CompleteFlags struct {
	Async bool
	Force bool
}

// DispatchFlags holds flags for the dispatch command
type DispatchFlags struct {
	Once   bool
	DryRun bool
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	Status string
	Tail   int
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	spawnFlags := &SpawnFlags{}
	completeFlags := &CompleteFlags{}
	dispatchFlags := &DispatchFlags{}
	serveFlags := &ServeFlags{}
	statusFlags := &StatusFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createSpawnCommand(globalFlags, spawnFlags),
		createStatusCommand(globalFlags, statusFlags),
		createCompleteCommand(globalFlags, completeFlags),
		createAbandonCommand(globalFlags),
		createDiscoverCommand(globalFlags),
		createDispatchCommand(globalFlags, dispatchFlags),
		createReconcileCommand(globalFlags),
		createServeCommand(globalFlags, serveFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "corral",
		Short: "Coding-agent session orchestration",
		Long: `Corral coordinates a pool of long-running coding-agent sessions in a
shared tmux server: a persisted agent registry, an admission-controlled
dispatcher pulling ready tracker issues, and an escalating shutdown cascade.

Examples:
  corral spawn --task="fix flaky auth test" --project=/srv/api
  corral status
  corral complete 01J3QV... --async
  corral dispatch --once --dry-run
  corral serve --daemonize`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// loadConfig resolves the effective configuration for a command.
func loadConfig(flags *GlobalFlags) (*config.FileConfig, error) {
	if flags.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(flags.ConfigPath)
}

// openRegistry opens the configured registry with history sinks attached.
func openRegistry(cfg *config.FileConfig) (*registry.Registry, error) {
	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	if err := attachSinks(reg, cfg.HistorySinks); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return reg, nil
}

func newHost() host.Host { return host.NewTmux() }

func newTracker(cfg *config.FileConfig) tracker.Tracker {
	return tracker.NewGitHub(cfg.RequiredLabel)
}

func pollOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute
	}
	return d
}
