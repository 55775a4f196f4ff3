package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/k3s-upgrade-monitor/internal/report"
	"github.com/psantana5/k3s-upgrade-monitor/internal/wrapper"
)

var (
	execWorkDir  string
	execEnv      []string
	execBuffered bool
	execReport   string
	execObserve  time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command> [args...]",
	Short: "Launch one process and exit with its exit code",
	Long: `Exec starts exactly one child process in the working directory and
waits for it. Termination signals are relayed to the child. The exit code
is passed through; a child killed by a signal exits 128+signal.

If the command cannot be started exec exits 127 (not found), 126 (not
executable) or 1 (any other launch failure).

Example:
  upgrade-monitor exec --workdir /app -- python main.py
  upgrade-monitor exec --json-report /tmp/run.json -- ./worker`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().StringVar(&execWorkDir, "workdir", "", "working directory (default current directory)")
	execCmd.Flags().StringArrayVar(&execEnv, "env", nil, "extra KEY=VALUE for the child, repeatable")
	execCmd.Flags().BoolVar(&execBuffered, "buffered", false, "do not set PYTHONUNBUFFERED=1 for the child")
	execCmd.Flags().StringVar(&execReport, "json-report", "", "write the run report as JSON to this file")
	execCmd.Flags().DurationVar(&execObserve, "observe-interval", 0, "log the child's lifecycle state at this interval (0 disables)")
}

func runExec(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	logger.SetOutput(os.Stderr)

	opts := wrapper.Options{
		Command:  args,
		WorkDir:  execWorkDir,
		Env:      execEnv,
		Buffered: execBuffered,
		Logger:   logger,
	}

	proc, err := wrapper.Launch(opts)
	if err != nil {
		result := wrapper.FailedResult(opts, err)
		result.LogSummary(logger)
		if writeErr := writeReport(result); writeErr != nil {
			logger.Error("failed to write report", map[string]interface{}{"error": writeErr.Error()})
		}
		var launchErr *wrapper.LaunchError
		if errors.As(err, &launchErr) {
			return &ExitError{Code: launchErr.Code, Err: err}
		}
		return &ExitError{Code: wrapper.ExitLaunchFailed, Err: err}
	}

	if execObserve > 0 {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go observeLoop(ctx, proc, execObserve)
	}

	result := proc.Wait()
	result.LogSummary(logger)
	if err := writeReport(result); err != nil {
		logger.Error("failed to write report", map[string]interface{}{"error": err.Error()})
	}

	if result.ExitCode != 0 {
		return &ExitError{Code: result.ExitCode}
	}
	return nil
}

func observeLoop(ctx context.Context, proc *wrapper.Process, interval time.Duration) {
	logger := newLogger()
	logger.SetOutput(os.Stderr)
	logger = logger.WithField("pid", proc.PID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last wrapper.State = -1
	for {
		state := proc.Observe(ctx)
		if state != last {
			logger.Info(fmt.Sprintf("workload %s", state))
			last = state
		}
		if state.IsTerminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeReport(result *report.Result) error {
	if execReport == "" {
		return nil
	}
	f, err := os.Create(execReport)
	if err != nil {
		return err
	}
	defer f.Close()
	return result.WriteJSON(f)
}
