package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/psantana5/k3s-upgrade-monitor/pkg/logging"
)

// ExitReason explains how an instance reached Terminated
type ExitReason string

const (
	ReasonExited       ExitReason = "exited"
	ReasonSignaled     ExitReason = "signaled"
	ReasonLaunchFailed ExitReason = "launch_failed"
)

// Result is the immutable record of one container instance. Set once,
// never change.
type Result struct {
	// Identity
	InstanceID string   `json:"instance_id"`
	PID        int      `json:"pid"`
	Command    []string `json:"command"`
	WorkDir    string   `json:"workdir"`

	// Timing
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"runtime_ns"`

	// Outcome
	ExitCode   int        `json:"exit_code"`
	ExitReason ExitReason `json:"exit_reason"`
	Signal     string     `json:"signal,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewResult creates an immutable result
func NewResult(instanceID string, pid int, command []string, workDir string, startTime, endTime time.Time) *Result {
	return &Result{
		InstanceID: instanceID,
		PID:        pid,
		Command:    command,
		WorkDir:    workDir,
		StartTime:  startTime,
		EndTime:    endTime,
		Duration:   endTime.Sub(startTime),
	}
}

// SetExit records the outcome. Call this ONCE at termination.
func (r *Result) SetExit(code int, reason ExitReason, signal string) {
	r.ExitCode = code
	r.ExitReason = reason
	r.Signal = signal
}

// SetError records a launch error message
func (r *Result) SetError(err error) {
	if err != nil {
		r.Error = err.Error()
	}
}

// LogSummary emits a human-readable one-line summary
func (r *Result) LogSummary(logger *logging.Logger) {
	line := fmt.Sprintf("INSTANCE %s | reason=%s | runtime=%.0fs | exit=%d | pid=%d | cmd=%s",
		r.InstanceID,
		r.ExitReason,
		r.Duration.Seconds(),
		r.ExitCode,
		r.PID,
		strings.Join(r.Command, " "),
	)
	if r.Signal != "" {
		line += " | signal=" + r.Signal
	}
	if r.Error != "" {
		line += " | error=" + r.Error
	}

	if r.ExitCode == 0 {
		logger.Info(line)
	} else {
		logger.Warn(line)
	}
}

// WriteJSON writes the result as indented JSON
func (r *Result) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
