package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// detachFlags are consumed by the parent and stripped before re-exec; the
// value marks flags that take an argument.
var detachFlags = map[string]bool{
	"--daemonize": false,
	"--pidfile":   true,
	"--logfile":   true,
}

// daemonize re-executes the current command in its own session and exits the
// parent. --pidfile and --logfile are re-appended so the child can remove the
// pid file when it stops.
func daemonize(pidFile, logFile string) error {
	if os.Getppid() == 1 {
		// Already detached.
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := stripDetachFlags(os.Args[1:])
	if pidFile != "" {
		args = append(args, "--pidfile", pidFile)
	}
	if logFile != "" {
		args = append(args, "--logfile", logFile)
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if logFile != "" {
		// Child stdio must be a real file descriptor; the parent exits
		// before any pipe could be drained.
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	fmt.Printf("daemon started (pid %d)\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

func stripDetachFlags(in []string) []string {
	out := make([]string, 0, len(in))
	for i := 0; i < len(in); i++ {
		if takesValue, ok := detachFlags[in[i]]; ok {
			if takesValue {
				i++
			}
			continue
		}
		out = append(out, in[i])
	}
	return out
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
