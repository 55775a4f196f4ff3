// Package monitor watches the Jobs created by the system-upgrade-controller
// and reports upgrade starts, completions and failures.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/psantana5/k3s-upgrade-monitor/internal/metrics"
	"github.com/psantana5/k3s-upgrade-monitor/internal/notify"
	"github.com/psantana5/k3s-upgrade-monitor/pkg/logging"
)

// JobState is what the monitor last reported for a job
type JobState string

const (
	StateInitialized JobState = "initialized"
	StateRunning     JobState = "running"
	StateSucceeded   JobState = "succeeded"
	StateFailed      JobState = "failed"
)

// Options configure a Monitor
type Options struct {
	Namespace   string
	JobPrefix   string
	ResyncDelay time.Duration
	MaxFailures int
}

type jobRecord struct {
	state           JobState
	startVersion    string
	resourceVersion string
}

// Monitor tracks upgrade jobs by UID. Records are dropped when the job is
// deleted, so memory stays bounded by the jobs that exist.
type Monitor struct {
	client   kubernetes.Interface
	notifier notify.Sender
	metrics  *metrics.Metrics
	logger   *logging.Logger
	opts     Options
	now      func() time.Time

	mu   sync.Mutex
	jobs map[types.UID]*jobRecord
}

// New creates a monitor. m may be nil.
func New(client kubernetes.Interface, notifier notify.Sender, opts Options, m *metrics.Metrics, logger *logging.Logger) *Monitor {
	if opts.Namespace == "" {
		opts.Namespace = "system-upgrade"
	}
	if opts.JobPrefix == "" {
		opts.JobPrefix = "apply-"
	}
	if opts.ResyncDelay <= 0 {
		opts.ResyncDelay = 10 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Monitor{
		client:   client,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		jobs:     make(map[types.UID]*jobRecord),
	}
}

// State returns the recorded state for a job UID
func (m *Monitor) State(uid types.UID) (JobState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[uid]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// Tracked returns the number of jobs held in the state table
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *Monitor) relevant(job *batchv1.Job) bool {
	return job.Namespace == m.opts.Namespace && strings.HasPrefix(job.Name, m.opts.JobPrefix)
}

// Prime lists the existing upgrade jobs and returns the list's resource
// version for the following watch. On the first call every job is marked
// initialized so nothing already in progress is announced. On later calls
// jobs that are new or changed since they were last seen are replayed as
// MODIFIED events, so transitions during a watch gap still get reported,
// and tracked jobs missing from the list are dropped.
func (m *Monitor) Prime(ctx context.Context, initial bool) (string, error) {
	list, err := m.client.BatchV1().Jobs(m.opts.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list jobs: %w", err)
	}

	var replay []*batchv1.Job
	listed := make(map[types.UID]struct{}, len(list.Items))
	m.mu.Lock()
	for i := range list.Items {
		job := &list.Items[i]
		if !m.relevant(job) {
			continue
		}
		listed[job.UID] = struct{}{}
		rec, seen := m.jobs[job.UID]
		switch {
		case initial && !seen:
			m.jobs[job.UID] = &jobRecord{state: StateInitialized, resourceVersion: job.ResourceVersion}
		case !seen || rec.resourceVersion != job.ResourceVersion:
			replay = append(replay, job)
		}
	}
	// Jobs deleted while no watch was open never produce a DELETED event
	pruned := 0
	for uid := range m.jobs {
		if _, ok := listed[uid]; !ok {
			delete(m.jobs, uid)
			pruned++
		}
	}
	m.mu.Unlock()

	for _, job := range replay {
		m.HandleEvent(ctx, watch.Event{Type: watch.Modified, Object: job})
	}

	m.updateTracked()
	m.logger.Info("job state primed", map[string]interface{}{
		"tracked":  m.Tracked(),
		"replayed": len(replay),
		"pruned":   pruned,
	})
	return list.ResourceVersion, nil
}

// HandleEvent applies one watch event to the state table and sends the
// matching notification
func (m *Monitor) HandleEvent(ctx context.Context, event watch.Event) {
	job, ok := event.Object.(*batchv1.Job)
	if !ok || !m.relevant(job) {
		return
	}

	node, plan, ok := ParseJobName(job.Name)
	if !ok {
		return
	}

	if m.metrics != nil {
		m.metrics.JobEvents.WithLabelValues(string(event.Type)).Inc()
		m.metrics.LastEventUnix.SetToCurrentTime()
	}

	if event.Type == watch.Deleted {
		m.mu.Lock()
		delete(m.jobs, job.UID)
		m.mu.Unlock()
		m.updateTracked()
		return
	}
	if event.Type != watch.Added && event.Type != watch.Modified {
		return
	}

	nodeType := NodeTypeOf(plan)
	status := job.Status

	m.mu.Lock()
	rec, seen := m.jobs[job.UID]
	if !seen {
		rec = &jobRecord{}
	}
	rec.resourceVersion = job.ResourceVersion

	var phase JobState
	switch {
	case status.Active > 0 && !seen:
		phase = StateRunning
	case status.Succeeded > 0 && rec.state != StateSucceeded:
		phase = StateSucceeded
	case status.Failed > 0 && rec.state != StateFailed:
		phase = StateFailed
	}
	if phase != "" {
		rec.state = phase
		m.jobs[job.UID] = rec
	}
	m.mu.Unlock()

	if phase == "" {
		return
	}
	m.updateTracked()

	e := upgradeEvent{
		JobName:   job.Name,
		Namespace: job.Namespace,
		Node:      node,
		Plan:      plan,
		NodeType:  nodeType,
		Version:   m.nodeVersion(ctx, node),
		At:        m.now(),
	}
	logger := m.logger.WithField("job", job.Name).WithField("node", node)

	var n notify.Notification
	switch phase {
	case StateRunning:
		m.mu.Lock()
		rec.startVersion = e.Version
		m.mu.Unlock()
		n = startedNotification(e)
		logger.Info("Job started")

	case StateSucceeded:
		m.mu.Lock()
		e.StartVersion = rec.startVersion
		m.mu.Unlock()
		if status.StartTime != nil && status.CompletionTime != nil {
			e.Duration = status.CompletionTime.Sub(status.StartTime.Time)
			e.HasDuration = true
			if m.metrics != nil {
				m.metrics.UpgradeDuration.WithLabelValues(string(nodeType)).Observe(e.Duration.Seconds())
			}
		}
		n = completedNotification(e)
		logger.Info("Job completed")

	case StateFailed:
		n = failedNotification(e)
		logger.Warn("Job failed")
	}

	if m.metrics != nil {
		m.metrics.Upgrades.WithLabelValues(string(nodeType), string(phase)).Inc()
	}

	if err := m.notifier.Send(ctx, n); err != nil {
		logger.Error("notification failed", map[string]interface{}{"error": err.Error()})
	}
}

// nodeVersion reads the node's kubelet version, or "unknown"
func (m *Monitor) nodeVersion(ctx context.Context, node string) string {
	n, err := m.client.CoreV1().Nodes().Get(ctx, node, metav1.GetOptions{})
	if err != nil {
		m.logger.Warn("Error getting node version", map[string]interface{}{"node": node, "error": err.Error()})
		return UnknownVersion
	}
	if n.Status.NodeInfo.KubeletVersion == "" {
		return UnknownVersion
	}
	return n.Status.NodeInfo.KubeletVersion
}

func (m *Monitor) updateTracked() {
	if m.metrics != nil {
		m.metrics.TrackedJobs.Set(float64(m.Tracked()))
	}
}

// Run announces the monitor, then lists and watches jobs until ctx ends.
// A closed or failed watch is re-established after the resync delay.
// After MaxFailures consecutive failures a "Monitor Error" notification is
// sent and the error returned.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting K3s upgrade monitor", map[string]interface{}{
		"namespace":  m.opts.Namespace,
		"job_prefix": m.opts.JobPrefix,
	})
	if err := m.notifier.Send(ctx, monitorStartedNotification(m.now())); err != nil {
		m.logger.Error("startup notification failed", map[string]interface{}{"error": err.Error()})
	}

	initial := true
	failures := 0
	for {
		rv, err := m.Prime(ctx, initial)
		if err == nil {
			initial = false
			err = m.watch(ctx, rv)
		}

		if ctx.Err() != nil {
			m.logger.Info("job watcher shutting down")
			return nil
		}

		if err != nil {
			failures++
			m.logger.Error("Error in watch loop", map[string]interface{}{
				"error":    err.Error(),
				"failures": failures,
			})
			if failures >= m.opts.MaxFailures {
				if sendErr := m.notifier.Send(ctx, monitorErrorNotification(err)); sendErr != nil {
					m.logger.Error("error notification failed", map[string]interface{}{"error": sendErr.Error()})
				}
				return err
			}
		} else {
			failures = 0
		}

		if m.metrics != nil {
			m.metrics.WatchRestarts.Inc()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.opts.ResyncDelay):
		}
	}
}

// watch consumes events until the server closes the watch, ctx ends, or
// an error event arrives. An expired resource version is not an error; the
// next Prime starts from a fresh list.
func (m *Monitor) watch(ctx context.Context, resourceVersion string) error {
	w, err := m.client.BatchV1().Jobs(m.opts.Namespace).Watch(ctx, metav1.ListOptions{
		ResourceVersion: resourceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to watch jobs: %w", err)
	}
	defer w.Stop()

	m.logger.Info("Job watcher started", map[string]interface{}{"resource_version": resourceVersion})

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			if event.Type == watch.Error {
				err := apierrors.FromObject(event.Object)
				if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
					m.logger.Debug("watch expired, relisting")
					return nil
				}
				return fmt.Errorf("watch error: %w", err)
			}
			m.HandleEvent(ctx, event)
		}
	}
}
