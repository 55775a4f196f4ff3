// Package liveness decides whether the entry-point process is alive by
// looking for it in the process table.
//
// The check is presence based. It proves a matching process exists, not
// that it is making progress or responding.
package liveness

import (
	"context"
	"fmt"
	"os"

	"github.com/psantana5/k3s-upgrade-monitor/internal/discover"
)

// Exit codes reported to the container runtime
const (
	ExitHealthy   = 0
	ExitUnhealthy = 1
)

// DefaultSignature identifies the monitor's own entry point
var DefaultSignature = discover.Signature{"upgrade-monitor", "run"}

// Signal is the result of one check. It is never stored; every check
// recomputes it from a fresh snapshot.
type Signal struct {
	Healthy bool
	Matches []discover.Descriptor
	Err     error
}

// ExitCode maps the signal to the health-check exit status
func (s Signal) ExitCode() int {
	if s.Healthy {
		return ExitHealthy
	}
	return ExitUnhealthy
}

// String returns a one-line summary
func (s Signal) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("unhealthy: %v", s.Err)
	case s.Healthy:
		return fmt.Sprintf("healthy: %d matching process(es)", len(s.Matches))
	default:
		return "unhealthy: no matching process"
	}
}

// Checker evaluates liveness against a process table
type Checker struct {
	Lister    discover.Lister
	Signature discover.Signature

	// SelfPID is the PID of the checking process. It never counts as
	// evidence of liveness.
	SelfPID int

	// ExcludePIDs are additional PIDs that never count, such as the shell
	// wrapping a shell-form HEALTHCHECK.
	ExcludePIDs []int
}

// NewChecker returns a checker over the live process table that excludes
// the calling process
func NewChecker(sig discover.Signature) *Checker {
	if len(sig) == 0 {
		sig = DefaultSignature
	}
	return &Checker{
		Lister:    discover.ProcessTable{},
		Signature: sig,
		SelfPID:   os.Getpid(),
	}
}

// Check takes a snapshot and reports healthy when at least one process
// other than the excluded ones matches the signature. Any failure to read
// the table is reported as unhealthy.
func (c *Checker) Check(ctx context.Context) Signal {
	procs, err := c.Lister.ListProcesses(ctx)
	if err != nil {
		return Signal{Err: err}
	}

	excluded := append([]int{c.SelfPID}, c.ExcludePIDs...)
	matches := discover.Filter(procs,
		discover.ExcludePIDs(excluded...),
		c.Signature.Predicate(),
	)

	return Signal{
		Healthy: len(matches) > 0,
		Matches: matches,
	}
}
