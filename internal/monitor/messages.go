package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/k3s-upgrade-monitor/internal/notify"
)

const timestampLayout = "2006-01-02 15:04:05"

// upgradeEvent carries everything a job notification shows
type upgradeEvent struct {
	JobName      string
	Namespace    string
	Node         string
	Plan         string
	NodeType     NodeType
	Version      string
	StartVersion string
	Duration     time.Duration
	HasDuration  bool
	At           time.Time
}

func startedNotification(e upgradeEvent) notify.Notification {
	title := fmt.Sprintf("%s Upgrade Started", e.NodeType)
	lines := []string{
		fmt.Sprintf("🚀 **%s**", title),
		fmt.Sprintf("📍 **Node:** %s", e.Node),
		fmt.Sprintf("📊 **Current Version:** %s", e.Version),
		fmt.Sprintf("📋 **Plan:** %s", e.Plan),
		fmt.Sprintf("⏰ **Started:** %s", e.At.Format(timestampLayout)),
	}
	return notify.Notification{
		Title:    title,
		Message:  strings.Join(lines, "\n"),
		Priority: notify.PriorityDefault,
	}
}

func completedNotification(e upgradeEvent) notify.Notification {
	title := fmt.Sprintf("%s Upgrade Completed", e.NodeType)
	lines := []string{
		fmt.Sprintf("✅ **%s**", title),
		fmt.Sprintf("📍 **Node:** %s", e.Node),
		fmt.Sprintf("🎉 **New Version:** %s", e.Version),
	}
	if e.StartVersion != "" {
		lines = append(lines, fmt.Sprintf("🔁 **Previous Version:** %s (%s)",
			e.StartVersion, ClassifyChange(e.StartVersion, e.Version)))
	}
	lines = append(lines,
		fmt.Sprintf("📋 **Plan:** %s", e.Plan),
		fmt.Sprintf("⏰ **Completed:** %s", e.At.Format(timestampLayout)),
	)
	if e.HasDuration {
		lines = append(lines, fmt.Sprintf("⚡ **Duration:** %ds", int64(e.Duration/time.Second)))
	}
	return notify.Notification{
		Title:    title,
		Message:  strings.Join(lines, "\n"),
		Priority: notify.PriorityDefault,
	}
}

func failedNotification(e upgradeEvent) notify.Notification {
	title := fmt.Sprintf("%s Upgrade Failed", e.NodeType)
	lines := []string{
		fmt.Sprintf("❌ **%s**", title),
		fmt.Sprintf("📍 **Node:** %s", e.Node),
		fmt.Sprintf("📊 **Version:** %s", e.Version),
		fmt.Sprintf("📋 **Plan:** %s", e.Plan),
		fmt.Sprintf("⏰ **Failed:** %s", e.At.Format(timestampLayout)),
		fmt.Sprintf("🔍 **Action:** Check logs with `kubectl logs -n %s %s`", e.Namespace, e.JobName),
	}
	return notify.Notification{
		Title:    title,
		Message:  strings.Join(lines, "\n"),
		Priority: notify.PriorityHigh,
	}
}

func monitorStartedNotification(at time.Time) notify.Notification {
	return notify.Notification{
		Title:    "Monitor Started",
		Message:  fmt.Sprintf("📡 K3s upgrade monitoring service started at %s", at.Format(timestampLayout)),
		Priority: notify.PriorityDefault,
	}
}

func monitorErrorNotification(err error) notify.Notification {
	return notify.Notification{
		Title:    "Monitor Error",
		Message:  fmt.Sprintf("⚠️ K3s upgrade monitor encountered an error: %v", err),
		Priority: notify.PriorityHigh,
	}
}
