package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/psantana5/k3s-upgrade-monitor/internal/metrics"
	"github.com/psantana5/k3s-upgrade-monitor/internal/notify"
)

const masterJob = "apply-k3s-master-plan-on-node-1-with-8a7b6c"

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
	ch   chan notify.Notification
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan notify.Notification, 32)}
}

func (r *recordingSender) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	r.ch <- n
	return nil
}

func (r *recordingSender) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

func (r *recordingSender) wait(t *testing.T, title string) notify.Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-r.ch:
			if n.Title == title {
				return n
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q notification", title)
			return notify.Notification{}
		}
	}
}

func newJob(name, uid string) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "system-upgrade",
			UID:       types.UID(uid),
		},
	}
}

// versionReactor serves node versions from a mutable map
type versionReactor struct {
	mu       sync.Mutex
	versions map[string]string
}

func (v *versionReactor) set(node, version string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.versions[node] = version
}

func (v *versionReactor) react(action k8stesting.Action) (bool, runtime.Object, error) {
	get := action.(k8stesting.GetAction)
	v.mu.Lock()
	defer v.mu.Unlock()
	version, ok := v.versions[get.GetName()]
	if !ok {
		return true, nil, errors.New("node not found")
	}
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: get.GetName()}}
	node.Status.NodeInfo.KubeletVersion = version
	return true, node, nil
}

func newTestMonitor(t *testing.T, objects ...runtime.Object) (*Monitor, *fake.Clientset, *recordingSender, *versionReactor) {
	t.Helper()
	client := fake.NewClientset(objects...)
	versions := &versionReactor{versions: map[string]string{}}
	client.PrependReactor("get", "nodes", versions.react)

	sender := newRecordingSender()
	m := New(client, sender, Options{ResyncDelay: time.Millisecond}, metrics.New(), nil)
	m.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
	return m, client, sender, versions
}

func TestParseJobName(t *testing.T) {
	tests := []struct {
		name     string
		wantNode string
		wantPlan string
		wantOK   bool
	}{
		{masterJob, "node-1", "k3s-master-plan", true},
		{"apply-agent-plan-on-worker-a-with-123", "worker-a", "agent-plan", true},
		{"apply-plan-on-n-with-x", "n", "plan", true},
		{"apply-plan-on", "", "", false},
		{"apply-plan-node-with-x", "", "", false},
		{"apply-plan-on-node-hash", "", "", false},
		{"apply-on-node-with-x", "", "", false},
		{"apply-plan-on-with-x", "", "", false},
		{"apply-plan-with-x-on-node", "", "", false},
		{"apply-a", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, plan, ok := ParseJobName(tt.name)
			if ok != tt.wantOK || node != tt.wantNode || plan != tt.wantPlan {
				t.Errorf("ParseJobName(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.name, node, plan, ok, tt.wantNode, tt.wantPlan, tt.wantOK)
			}
		})
	}
}

func TestNodeTypeOf(t *testing.T) {
	if NodeTypeOf("k3s-master-plan") != NodeMaster {
		t.Error("master plan should be Master")
	}
	if NodeTypeOf("k3s-agent-plan") != NodeWorker {
		t.Error("agent plan should be Worker")
	}
}

func TestClassifyChange(t *testing.T) {
	tests := []struct {
		from, to string
		want     Change
	}{
		{"v1.30.4+k3s1", "v1.31.0+k3s1", ChangeUpgrade},
		{"v1.31.0+k3s1", "v1.30.4+k3s1", ChangeDowngrade},
		{"v1.30.4+k3s1", "v1.30.4+k3s1", ChangeUnchanged},
		{"v1.30.4+k3s1", "v1.30.4+k3s2", ChangeUpgrade},
		{"v1.30.4+k3s10", "v1.30.4+k3s9", ChangeDowngrade},
		{"unknown", "v1.30.4+k3s1", ChangeUnknown},
		{"garbage", "v1.30.4", ChangeUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyChange(tt.from, tt.to); got != tt.want {
			t.Errorf("ClassifyChange(%q, %q) = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHandleEvent_Lifecycle(t *testing.T) {
	m, _, sender, versions := newTestMonitor(t)
	ctx := context.Background()
	versions.set("node-1", "v1.30.4+k3s1")

	job := newJob(masterJob, "uid-1")
	job.Status.Active = 1
	m.HandleEvent(ctx, watch.Event{Type: watch.Added, Object: job})

	if state, _ := m.State("uid-1"); state != StateRunning {
		t.Fatalf("state = %s, want running", state)
	}
	started := sender.all()
	if len(started) != 1 {
		t.Fatalf("got %d notifications, want 1", len(started))
	}
	wantStarted := strings.Join([]string{
		"🚀 **Master Upgrade Started**",
		"📍 **Node:** node-1",
		"📊 **Current Version:** v1.30.4+k3s1",
		"📋 **Plan:** k3s-master-plan",
		"⏰ **Started:** 2026-03-14 09:30:00",
	}, "\n")
	if started[0].Title != "Master Upgrade Started" || started[0].Message != wantStarted {
		t.Errorf("started notification = %+v", started[0])
	}

	// Still active, already announced
	m.HandleEvent(ctx, watch.Event{Type: watch.Modified, Object: job})
	if n := len(sender.all()); n != 1 {
		t.Fatalf("duplicate start notification, got %d", n)
	}

	versions.set("node-1", "v1.31.0+k3s1")
	done := job.DeepCopy()
	done.Status.Active = 0
	done.Status.Succeeded = 1
	start := metav1.NewTime(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	end := metav1.NewTime(start.Add(95 * time.Second))
	done.Status.StartTime = &start
	done.Status.CompletionTime = &end
	m.HandleEvent(ctx, watch.Event{Type: watch.Modified, Object: done})
	m.HandleEvent(ctx, watch.Event{Type: watch.Modified, Object: done})

	all := sender.all()
	if len(all) != 2 {
		t.Fatalf("got %d notifications, want 2", len(all))
	}
	completed := all[1]
	wantCompleted := strings.Join([]string{
		"✅ **Master Upgrade Completed**",
		"📍 **Node:** node-1",
		"🎉 **New Version:** v1.31.0+k3s1",
		"🔁 **Previous Version:** v1.30.4+k3s1 (upgrade)",
		"📋 **Plan:** k3s-master-plan",
		"⏰ **Completed:** 2026-03-14 09:30:00",
		"⚡ **Duration:** 95s",
	}, "\n")
	if completed.Message != wantCompleted {
		t.Errorf("completed message =\n%s\nwant\n%s", completed.Message, wantCompleted)
	}
	if completed.Priority != notify.PriorityDefault {
		t.Errorf("completed priority = %s", completed.Priority)
	}

	if got := testutil.ToFloat64(m.metrics.Upgrades.WithLabelValues("Master", "succeeded")); got != 1 {
		t.Errorf("upgrades_total{succeeded} = %v, want 1", got)
	}

	m.HandleEvent(ctx, watch.Event{Type: watch.Deleted, Object: done})
	if _, ok := m.State("uid-1"); ok {
		t.Error("deleted job still tracked")
	}
	if m.Tracked() != 0 {
		t.Errorf("Tracked() = %d, want 0", m.Tracked())
	}
}

func TestHandleEvent_Failed(t *testing.T) {
	m, _, sender, _ := newTestMonitor(t)

	name := "apply-agent-plan-on-worker-2-with-ff00"
	job := newJob(name, "uid-2")
	job.Status.Failed = 1
	m.HandleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: job})
	m.HandleEvent(context.Background(), watch.Event{Type: watch.Modified, Object: job})

	all := sender.all()
	if len(all) != 1 {
		t.Fatalf("got %d notifications, want 1", len(all))
	}
	n := all[0]
	if n.Title != "Worker Upgrade Failed" || n.Priority != notify.PriorityHigh {
		t.Errorf("notification = %+v", n)
	}
	for _, want := range []string{
		"📊 **Version:** unknown",
		"kubectl logs -n system-upgrade " + name,
	} {
		if !strings.Contains(n.Message, want) {
			t.Errorf("message missing %q:\n%s", want, n.Message)
		}
	}
}

func TestHandleEvent_Ignored(t *testing.T) {
	m, _, sender, _ := newTestMonitor(t)

	other := newJob(masterJob, "uid-a")
	other.Namespace = "default"
	other.Status.Active = 1

	prefix := newJob("upgrade-master-on-node-1-with-x", "uid-b")
	prefix.Status.Active = 1

	badName := newJob("apply-something", "uid-c")
	badName.Status.Active = 1

	for _, job := range []*batchv1.Job{other, prefix, badName} {
		m.HandleEvent(context.Background(), watch.Event{Type: watch.Added, Object: job})
	}
	m.HandleEvent(context.Background(), watch.Event{Type: watch.Added, Object: &corev1.Pod{}})

	if n := len(sender.all()); n != 0 {
		t.Errorf("got %d notifications for irrelevant jobs", n)
	}
	if m.Tracked() != 0 {
		t.Errorf("Tracked() = %d, want 0", m.Tracked())
	}
}

func TestPrime_InitialMarksExisting(t *testing.T) {
	running := newJob(masterJob, "uid-1")
	running.Status.Active = 1
	old := newJob("apply-agent-plan-on-worker-1-with-aa", "uid-2")
	old.Status.Succeeded = 1

	m, _, sender, _ := newTestMonitor(t, running, old)
	ctx := context.Background()

	if _, err := m.Prime(ctx, true); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	for _, uid := range []types.UID{"uid-1", "uid-2"} {
		if state, _ := m.State(uid); state != StateInitialized {
			t.Errorf("State(%s) = %s, want initialized", uid, state)
		}
	}
	if n := len(sender.all()); n != 0 {
		t.Fatalf("initial prime sent %d notifications", n)
	}

	// Unchanged jobs are not replayed on resync
	if _, err := m.Prime(ctx, false); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	if n := len(sender.all()); n != 0 {
		t.Fatalf("resync replayed unchanged jobs: %d notifications", n)
	}

	// A job that was running at startup is not announced as started,
	// but its completion is
	running.Status.Active = 0
	running.Status.Succeeded = 1
	running.ResourceVersion = "2"
	m.HandleEvent(ctx, watch.Event{Type: watch.Modified, Object: running})

	all := sender.all()
	if len(all) != 1 || all[0].Title != "Master Upgrade Completed" {
		t.Fatalf("notifications = %+v", all)
	}
	if strings.Contains(all[0].Message, "Previous Version") {
		t.Error("no start version was seen, none should be shown")
	}
}

func TestPrime_ResyncReplaysNewJobs(t *testing.T) {
	job := newJob(masterJob, "uid-9")
	job.Status.Active = 1

	m, _, sender, _ := newTestMonitor(t, job)

	if _, err := m.Prime(context.Background(), false); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	all := sender.all()
	if len(all) != 1 || all[0].Title != "Master Upgrade Started" {
		t.Fatalf("notifications = %+v", all)
	}
}

func TestPrime_RelistDropsDeletedJobs(t *testing.T) {
	kept := newJob(masterJob, "uid-1")
	kept.Status.Active = 1
	gone := newJob("apply-agent-plan-on-worker-1-with-aa", "uid-2")
	gone.Status.Active = 1

	m, client, _, _ := newTestMonitor(t, kept, gone)
	ctx := context.Background()

	if _, err := m.Prime(ctx, true); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	if m.Tracked() != 2 {
		t.Fatalf("Tracked() = %d, want 2", m.Tracked())
	}

	// Deleted while no watch was open, so no DELETED event arrives
	if err := client.BatchV1().Jobs("system-upgrade").Delete(ctx, gone.Name, metav1.DeleteOptions{}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Prime(ctx, false); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}

	if _, ok := m.State("uid-2"); ok {
		t.Error("deleted job still tracked after relist")
	}
	if _, ok := m.State("uid-1"); !ok {
		t.Error("listed job dropped by relist")
	}
	if m.Tracked() != 1 {
		t.Errorf("Tracked() = %d, want 1", m.Tracked())
	}
	if got := testutil.ToFloat64(m.metrics.TrackedJobs); got != 1 {
		t.Errorf("tracked_jobs = %v, want 1", got)
	}
}

func TestRun_WatchesJobs(t *testing.T) {
	m, client, sender, versions := newTestMonitor(t)
	versions.set("node-1", "v1.30.4+k3s1")

	fw := watch.NewFake()
	client.PrependWatchReactor("jobs", k8stesting.DefaultWatchReactor(fw, nil))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	sender.wait(t, "Monitor Started")

	job := newJob(masterJob, "uid-1")
	job.Status.Active = 1
	fw.Add(job)

	n := sender.wait(t, "Master Upgrade Started")
	if !strings.Contains(n.Message, "v1.30.4+k3s1") {
		t.Errorf("message = %s", n.Message)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRun_GivesUpAfterMaxFailures(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("list", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver unavailable")
	})
	sender := newRecordingSender()
	m := New(client, sender, Options{ResyncDelay: time.Millisecond, MaxFailures: 3}, metrics.New(), nil)

	err := m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "apiserver unavailable") {
		t.Fatalf("Run() error = %v", err)
	}

	all := sender.all()
	last := all[len(all)-1]
	if last.Title != "Monitor Error" || last.Priority != notify.PriorityHigh {
		t.Errorf("last notification = %+v, want high priority Monitor Error", last)
	}
	if got := testutil.ToFloat64(m.metrics.WatchRestarts); got != 2 {
		t.Errorf("watch_restarts_total = %v, want 2", got)
	}
}
