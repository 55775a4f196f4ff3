package discover

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Descriptor is one entry of a process table snapshot
type Descriptor struct {
	PID        int
	PPID       int
	Name       string
	Cmdline    []string
	CreateTime time.Time
}

// CommandLine returns the argv joined with spaces
func (d Descriptor) CommandLine() string {
	return strings.Join(d.Cmdline, " ")
}

// Lister returns a snapshot of the process table. Implementations must not
// cache: every call observes the table as it is at that moment.
type Lister interface {
	ListProcesses(ctx context.Context) ([]Descriptor, error)
}

// ListerFunc adapts a function to the Lister interface
type ListerFunc func(ctx context.Context) ([]Descriptor, error)

// ListProcesses calls f
func (f ListerFunc) ListProcesses(ctx context.Context) ([]Descriptor, error) {
	return f(ctx)
}

// ProcessTable reads the process table of the current PID namespace.
type ProcessTable struct{}

// ListProcesses returns every process that has a command line. Kernel
// threads and processes that exit while the table is being read are
// skipped.
func (ProcessTable) ListProcesses(ctx context.Context) ([]Descriptor, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, &ScanError{Op: "list", Err: err}
	}

	descriptors := make([]Descriptor, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(cmdline) == 0 {
			continue // exited, or kernel thread
		}

		d := Descriptor{
			PID:     int(p.Pid),
			Cmdline: cmdline,
		}
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			d.PPID = int(ppid)
		}
		if name, err := p.NameWithContext(ctx); err == nil {
			d.Name = name
		}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			d.CreateTime = time.UnixMilli(ms)
		}

		descriptors = append(descriptors, d)
	}

	if err := ctx.Err(); err != nil {
		return nil, &ScanError{Op: "list", Err: err}
	}
	return descriptors, nil
}

// ListProcesses snapshots the process table of the current PID namespace
func ListProcesses(ctx context.Context) ([]Descriptor, error) {
	return ProcessTable{}.ListProcesses(ctx)
}
