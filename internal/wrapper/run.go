package wrapper

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/psantana5/k3s-upgrade-monitor/internal/discover"
	"github.com/psantana5/k3s-upgrade-monitor/internal/liveness"
	"github.com/psantana5/k3s-upgrade-monitor/internal/observe"
	"github.com/psantana5/k3s-upgrade-monitor/internal/report"
	"github.com/psantana5/k3s-upgrade-monitor/pkg/logging"
)

// Launch exit codes, following shell conventions
const (
	ExitLaunchFailed  = 1
	ExitNotExecutable = 126
	ExitNotFound      = 127
)

// RelaySignals are forwarded verbatim to the child.
var RelaySignals = []os.Signal{
	unix.SIGTERM,
	unix.SIGINT,
	unix.SIGHUP,
	unix.SIGQUIT,
	unix.SIGUSR1,
	unix.SIGUSR2,
	unix.SIGWINCH,
}

// Options configure a launch
type Options struct {
	Command []string
	WorkDir string

	// Env is appended to the supervisor's environment
	Env []string

	// Buffered disables PYTHONUNBUFFERED=1 in the child environment
	Buffered bool

	// Stdout/Stderr default to the supervisor's own descriptors
	Stdout io.Writer
	Stderr io.Writer

	// Signature used by Observe. Defaults to Command.
	Signature discover.Signature

	Logger *logging.Logger
}

// LaunchError is returned when the child could not be started
type LaunchError struct {
	Code int
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed (exit %d): %v", e.Code, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Process is a launched child plus its relay
type Process struct {
	*Instance

	cmd    *exec.Cmd
	sigs   chan os.Signal
	done   chan struct{}
	logger *logging.Logger
}

// Launch starts exactly one child process.
func Launch(opts Options) (*Process, error) {
	if len(opts.Command) == 0 {
		return nil, &LaunchError{Code: ExitLaunchFailed, Err: errors.New("no command given")}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &LaunchError{Code: ExitLaunchFailed, Err: err}
		}
		workDir = wd
	}
	if info, err := os.Stat(workDir); err != nil {
		return nil, &LaunchError{Code: ExitLaunchFailed, Err: fmt.Errorf("workdir: %w", err)}
	} else if !info.IsDir() {
		return nil, &LaunchError{Code: ExitLaunchFailed, Err: fmt.Errorf("workdir %s is not a directory", workDir)}
	}

	// Plain Command: nothing but the child decides when it exits
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), opts.Env...)
	if !opts.Buffered {
		cmd.Env = append(cmd.Env, "PYTHONUNBUFFERED=1")
	}

	// Own process group so that only the relay delivers signals
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = opts.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// Register before Start so no signal is lost in between
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, RelaySignals...)

	timing := observe.NewTiming()
	if err := cmd.Start(); err != nil {
		signal.Stop(sigs)
		return nil, &LaunchError{Code: launchExitCode(err), Err: err}
	}

	pid := cmd.Process.Pid

	sig := opts.Signature
	if len(sig) == 0 {
		sig = discover.Signature(opts.Command)
	}

	p := &Process{
		Instance: &Instance{
			ID:      uuid.NewString(),
			PID:     pid,
			Command: opts.Command,
			WorkDir: workDir,
			Timing:  timing,
			watcher: observe.New(pid),
			checker: liveness.NewChecker(sig),
			state:   StateStarting,
		},
		cmd:  cmd,
		sigs: sigs,
		done: make(chan struct{}),
	}
	p.logger = logger.WithField("instance_id", p.ID).WithField("pid", pid)

	go p.relay()

	p.logger.Debug("child started", map[string]interface{}{
		"command": opts.Command,
		"workdir": workDir,
	})

	return p, nil
}

// relay forwards every received signal to the child, nothing more
func (p *Process) relay() {
	for {
		select {
		case s := <-p.sigs:
			p.logger.Debug("relaying signal", map[string]interface{}{"signal": s.String()})
			if err := p.cmd.Process.Signal(s); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.logger.Warn("signal relay failed", map[string]interface{}{"signal": s.String(), "error": err.Error()})
			}
		case <-p.done:
			return
		}
	}
}

// Signal delivers sig to the child
func (p *Process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Wait blocks until the child exits and returns the result. The child's
// exit code is the result's exit code; a signal death maps to 128+signo.
func (p *Process) Wait() *report.Result {
	err := p.cmd.Wait()
	signal.Stop(p.sigs)
	close(p.done)
	p.terminate()

	result := report.NewResult(p.ID, p.PID, p.Command, p.WorkDir, p.Timing.StartedAt, p.Timing.CompletedAt)

	if err == nil {
		result.SetExit(0, report.ReasonExited, "")
		return result
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.SetExit(128+int(status.Signal()), report.ReasonSignaled, unix.SignalName(status.Signal()))
			return result
		}
		result.SetExit(exitErr.ExitCode(), report.ReasonExited, "")
		return result
	}

	result.SetExit(ExitLaunchFailed, report.ReasonExited, "")
	result.SetError(err)
	return result
}

// FailedResult builds the report for a launch that never produced a child
func FailedResult(opts Options, err error) *report.Result {
	now := time.Now()
	result := report.NewResult(uuid.NewString(), 0, opts.Command, opts.WorkDir, now, now)
	code := ExitLaunchFailed
	var le *LaunchError
	if errors.As(err, &le) {
		code = le.Code
	}
	result.SetExit(code, report.ReasonLaunchFailed, "")
	result.SetError(err)
	return result
}

// launchExitCode maps start errors to 127 (not found) or 126 (not executable)
func launchExitCode(err error) int {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ExitNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, unix.ENOEXEC):
		return ExitNotExecutable
	default:
		return ExitLaunchFailed
	}
}
