package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/cascade"
	"github.com/corralhq/corral/internal/completion"
	"github.com/corralhq/corral/internal/config"
	"github.com/corralhq/corral/internal/dispatch"
	"github.com/corralhq/corral/internal/history"
	"github.com/corralhq/corral/internal/history/factory"
	"github.com/corralhq/corral/internal/metrics"
	"github.com/corralhq/corral/internal/registry"
	"github.com/corralhq/corral/internal/server"
	"github.com/corralhq/corral/internal/spawn"
)

// attachSinks wires configured history DSNs to the registry. A bad DSN is
// reported but never blocks the command.
func attachSinks(reg *registry.Registry, dsns []string) error {
	var firstErr error
	var sinks []history.Sink
	for _, dsn := range dsns {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("history sink %q: %w", dsn, err)
			}
			continue
		}
		sinks = append(sinks, s)
	}
	if len(sinks) > 0 {
		reg.SetSinks(sinks...)
	}
	return firstErr
}

func createSpawnCommand(gf *GlobalFlags, flags *SpawnFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn a new agent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			sp := spawn.New(reg, newHost(), cfg.SessionGroup, cfg.WorkspacesDir)
			sp.AgentBin = cfg.AgentBin
			a, err := sp.Spawn(cmd.Context(), spawn.Options{
				Task:          flags.Task,
				Skill:         flags.Skill,
				ProjectDir:    flags.Project,
				WorkspacePath: flags.Workspace,
				OriginDir:     flags.Origin,
				TrackerRef:    flags.TrackerRef,
			})
			if err != nil {
				return err
			}
			fmt.Printf("spawned %s (%s)\n", a.ID, a.Handle.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Task, "task", "", "task description (required)")
	cmd.Flags().StringVar(&flags.Skill, "skill", "", "skill the agent runs with")
	cmd.Flags().StringVar(&flags.Project, "project", "", "project directory (required)")
	cmd.Flags().StringVar(&flags.Workspace, "workspace", "", "workspace directory (default: fresh under workspaces_dir)")
	cmd.Flags().StringVar(&flags.Origin, "origin", "", "origin repository to sync back to on completion")
	cmd.Flags().StringVar(&flags.TrackerRef, "tracker-ref", "", "linked issue-tracker id")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func createStatusCommand(gf *GlobalFlags, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [agent-id]",
		Short: "Show agent status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			if len(args) == 1 {
				a, err := reg.Find(args[0])
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(a, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				if flags.Tail > 0 && !a.Status.Terminal() {
					tail, err := newHost().CaptureRecentOutput(cmd.Context(), a.Handle, flags.Tail)
					if err != nil {
						return err
					}
					fmt.Println("--- recent output ---")
					fmt.Print(tail)
				}
				return nil
			}

			var statuses []agent.Status
			if flags.Status != "" {
				statuses = append(statuses, agent.Status(flags.Status))
			}
			agents, err := reg.List(statuses...)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tSTATUS\tTARGET\tSPAWNED\tTASK")
			for _, a := range agents {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Status, a.Handle.Target,
					a.SpawnedAt.Local().Format(time.DateTime), a.Task)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&flags.Status, "status", "", "filter by status (active, completing, completed, failed, abandoned)")
	cmd.Flags().IntVar(&flags.Tail, "tail", 0, "with an agent id: show the last N lines of pane output")
	return cmd
}

func createCompleteCommand(gf *GlobalFlags, flags *CompleteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <agent-id>",
		Short: "Verify and complete an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			eng := newEngine(cfg, reg)
			res, err := eng.Complete(cmd.Context(), args[0], completion.Options{
				Async: flags.Async,
				Force: flags.Force,
			})
			for _, check := range res.FailedChecks {
				_, _ = fmt.Fprintf(os.Stderr, "check failed: %s\n", check)
			}
			if err != nil {
				return err
			}
			if flags.Async {
				fmt.Printf("cleanup daemon started (pid %d)\n", res.DaemonPID)
				return nil
			}
			fmt.Printf("agent %s: %s", args[0], res.Status)
			if res.Cascade != nil {
				fmt.Printf(" (step %s)", res.Cascade.Step)
			}
			fmt.Println()
			metrics.IncCompletion(string(res.Status))
			if res.Status == agent.StatusFailed {
				return fmt.Errorf("cascade exhausted: %s", res.Cascade.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Async, "async", false, "delegate the cascade to a detached cleanup daemon")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "proceed past verification failures")
	return cmd
}

func createAbandonCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <agent-id>",
		Short: "Mark an active agent abandoned without running the cascade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			if _, err := reg.Update(args[0], func(cur *agent.Agent) error {
				cur.Status = agent.StatusAbandoned
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("agent %s abandoned\n", args[0])
			return nil
		},
	}
}

func createDiscoverCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover <agent-id> <title>...",
		Short: "File follow-up tracker items linked to an agent's issue",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			eng := newEngine(cfg, reg)
			created, errs := eng.Discover(cmd.Context(), args[0], args[1:])
			for _, ref := range created {
				fmt.Printf("created #%s\n", ref)
			}
			for _, e := range errs {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", e)
			}
			if len(created) == 0 && len(errs) > 0 {
				return fmt.Errorf("no follow-ups created")
			}
			return nil
		},
	}
}

func createDispatchCommand(gf *GlobalFlags, flags *DispatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Pull ready tracker items and spawn agents under admission control",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			d := newDispatcher(cfg, reg, flags.DryRun)
			if flags.Once || flags.DryRun {
				rep, err := d.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				printReport(rep, flags.DryRun)
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = d.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.Once, "once", false, "run a single dispatch cycle and exit")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "report the spawn plan without mutating anything")
	return cmd
}

func printReport(rep dispatch.Report, dryRun bool) {
	if dryRun {
		fmt.Printf("candidates=%d planned=%v skipped_at_limit=%d\n",
			rep.Candidates, rep.Planned, rep.SkippedAtLimit)
	} else {
		fmt.Printf("candidates=%d spawned=%d skipped_at_limit=%d errors=%d\n",
			rep.Candidates, len(rep.Spawned), rep.SkippedAtLimit, len(rep.Errors))
	}
	for _, e := range rep.Errors {
		_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
}

func createReconcileCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve drift between the registry and the live tmux server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			h := newHost()
			sessions, err := h.ListSessions(cmd.Context(), cfg.SessionGroup)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(sessions))
			for _, s := range sessions {
				keys = append(keys, s.PaneID)
			}
			changed, err := reg.Reconcile(keys)
			if err != nil {
				return err
			}
			metrics.AddReconciled(len(changed))
			if len(changed) == 0 {
				fmt.Println("registry in sync")
				return nil
			}
			for _, id := range changed {
				fmt.Printf("completed %s (session gone)\n", id)
			}
			return nil
		},
	}
}

func createServeCommand(gf *GlobalFlags, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher loop with the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Daemonize {
				if err := daemonize(flags.PidFile, flags.LogFile); err != nil {
					return err
				}
			}
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			logCfg := cfg.LoggerConfig()
			log, closer, err := logCfg.New("corral")
			if err != nil {
				return err
			}
			if closer != nil {
				defer func() { _ = closer.Close() }()
			}

			if cfg.Metrics != nil && cfg.Metrics.Enabled {
				if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
					return err
				}
				if cfg.Metrics.Listen != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Handler())
					go func() { _ = http.ListenAndServe(cfg.Metrics.Listen, mux) }()
				}
			}

			h := newHost()
			if cfg.Server != nil && cfg.Server.Listen != "" {
				srv := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, reg, h, cfg.SessionGroup)
				defer func() { _ = srv.Close() }()
				log.Info("status api listening", "addr", cfg.Server.Listen)
			}

			d := newDispatcher(cfg, reg, false)
			d.Logger = log
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info("dispatcher started", "interval", pollOrDefault(cfg.PollInterval).String())
			err = d.Run(ctx)
			_ = removePidFile(flags.PidFile)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "detach and run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func newEngine(cfg *config.FileConfig, reg *registry.Registry) *completion.Engine {
	logCfg := cfg.LoggerConfig()
	log, _, err := logCfg.New("corral")
	if err != nil {
		log = nil
	}
	h := newHost()
	runner := cascade.NewRunner(reg, h, cfg.WorkspacesDir, log)
	return completion.NewEngine(reg, newTracker(cfg), runner, log)
}

func newDispatcher(cfg *config.FileConfig, reg *registry.Registry, dryRun bool) *dispatch.Dispatcher {
	sp := spawn.New(reg, newHost(), cfg.SessionGroup, cfg.WorkspacesDir)
	sp.AgentBin = cfg.AgentBin
	return dispatch.New(reg, newTracker(cfg), sp, cfg.DispatchConfig(dryRun), nil)
}
