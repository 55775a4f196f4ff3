package wrapper

// If the supervisor is unsure, DO LESS.
// No retries. No restarts. No policy. The runtime owns all of that.

import (
	"context"
	"fmt"
	"sync"

	"github.com/psantana5/k3s-upgrade-monitor/internal/liveness"
	"github.com/psantana5/k3s-upgrade-monitor/internal/observe"
)

// Instance is one launch of the entry-point process.
type Instance struct {
	ID      string
	PID     int
	Command []string
	WorkDir string
	Timing  *observe.Timing

	watcher *observe.Watcher
	checker *liveness.Checker

	mu    sync.Mutex
	state State
}

// State returns the current state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// transition moves to the next state if the edge is legal.
func (i *Instance) transition(to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !CanTransition(i.state, to) {
		return fmt.Errorf("illegal transition %s -> %s", i.state, to)
	}
	i.state = to
	return nil
}

// Observe advances the instance through its lifecycle and returns the
// resulting state. Healthy/Unhealthy is re-evaluated on every call.
func (i *Instance) Observe(ctx context.Context) State {
	state := i.State()
	if state.IsTerminal() {
		return state
	}

	if state == StateStarting {
		if !i.watcher.Observable(ctx) {
			return StateStarting
		}
		if err := i.transition(StateRunning); err != nil {
			return i.State()
		}
	}

	next := StateUnhealthy
	if i.checker.Check(ctx).Healthy {
		next = StateHealthy
	}
	// Wait may have terminated the instance while we were checking
	if err := i.transition(next); err != nil {
		return i.State()
	}
	return next
}

// WaitRunning blocks until the PID is visible in the process table and
// moves the instance to Running.
func (i *Instance) WaitRunning(ctx context.Context) error {
	if err := i.watcher.WaitObservable(ctx); err != nil {
		return err
	}
	if i.State() == StateStarting {
		return i.transition(StateRunning)
	}
	return nil
}

func (i *Instance) terminate() {
	i.mu.Lock()
	i.state = StateTerminated
	i.mu.Unlock()
	i.Timing.Complete()
}
