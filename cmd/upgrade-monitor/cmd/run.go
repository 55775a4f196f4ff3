package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/k3s-upgrade-monitor/internal/config"
	"github.com/psantana5/k3s-upgrade-monitor/internal/metrics"
	"github.com/psantana5/k3s-upgrade-monitor/internal/monitor"
	"github.com/psantana5/k3s-upgrade-monitor/internal/notify"
	"github.com/psantana5/k3s-upgrade-monitor/pkg/logging"
	"github.com/psantana5/k3s-upgrade-monitor/pkg/retry"
	"github.com/psantana5/k3s-upgrade-monitor/pkg/shutdown"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch upgrade jobs and send notifications",
	Long: `Run is the container entry point. It watches the jobs of the
system-upgrade-controller and sends an ntfy notification when a node
upgrade starts, completes or fails.

Configuration comes from --config, UPGRADE_MONITOR_* variables, and the
NTFY_URL, NTFY_TITLE_PREFIX, KUBECONFIG and METRICS_ADDR variables.

Example:
  NTFY_URL=https://ntfy.sh/k3s-upgrades upgrade-monitor run`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format == "json")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := metrics.New()
	sd := shutdown.New(10*time.Second, logger)

	if cfg.Metrics.Addr != "" {
		srv := m.Serve(cfg.Metrics.Addr, logger)
		sd.Register("metrics server", shutdown.StopHTTPServer(srv))
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Ntfy.Retries
	notifier := notify.New(notify.Options{
		URL:         cfg.Ntfy.URL,
		TitlePrefix: cfg.Ntfy.TitlePrefix,
		Timeout:     cfg.Ntfy.Timeout,
		RateLimit:   cfg.Ntfy.RateLimit,
		Burst:       cfg.Ntfy.Burst,
		Retry:       retryCfg,
		OnResult: func(result string) {
			m.Notifications.WithLabelValues(result).Inc()
		},
	}, logger)
	if !notifier.Configured() {
		logger.Warn("NTFY_URL not set, notifications will only be logged")
	}

	client, err := monitor.NewClientset(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		logger.Error("Failed to create Kubernetes client", map[string]interface{}{"error": err.Error()})
		return err
	}

	mon := monitor.New(client, notifier, monitor.Options{
		Namespace:   cfg.Kubernetes.Namespace,
		JobPrefix:   cfg.Kubernetes.JobPrefix,
		ResyncDelay: cfg.Monitor.ResyncDelay,
		MaxFailures: cfg.Monitor.MaxFailures,
	}, m, logger)
	sd.Register("job watcher", shutdown.Cancel(cancel))

	done := make(chan error, 1)
	go func() {
		done <- mon.Run(ctx)
		cancel()
	}()

	sd.Wait(ctx)
	return <-done
}
