package observe

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Watcher observes PID lifecycle. Nothing else.
type Watcher struct {
	pid       int
	startTime time.Time
	interval  time.Duration
}

// New creates a watcher for a PID
func New(pid int) *Watcher {
	return &Watcher{
		pid:       pid,
		startTime: time.Now(),
		interval:  100 * time.Millisecond,
	}
}

// WithInterval sets the polling interval
func (w *Watcher) WithInterval(d time.Duration) *Watcher {
	if d > 0 {
		w.interval = d
	}
	return w
}

// PID returns the watched PID
func (w *Watcher) PID() int {
	return w.pid
}

// Exists checks if PID still exists. EPERM means the process is there but
// belongs to someone else.
func (w *Watcher) Exists() bool {
	if w.pid <= 0 {
		return false
	}
	err := unix.Kill(w.pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Observable reports whether the PID shows up in the process table
func (w *Watcher) Observable(ctx context.Context) bool {
	if w.pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(w.pid))
	return err == nil && ok
}

// WaitObservable blocks until the PID is visible in the process table or
// ctx ends
func (w *Watcher) WaitObservable(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.Observable(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait waits for PID to exit (passive observation). It cannot report an
// exit code since the watched process is not necessarily our child.
func (w *Watcher) Wait(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if !w.Exists() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Duration returns how long we've been observing
func (w *Watcher) Duration() time.Duration {
	return time.Since(w.startTime)
}
