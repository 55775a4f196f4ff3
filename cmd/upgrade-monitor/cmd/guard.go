package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/k3s-upgrade-monitor/internal/guard"
)

var (
	guardContainer string
	guardThreshold int
	guardInterval  time.Duration
	guardDryRun    bool
)

var guardCmd = &cobra.Command{
	Use:   "guard --container <id>",
	Short: "Restart a container after consecutive failed health checks",
	Long: `Guard polls the health status Docker derives from a container's
HEALTHCHECK and restarts the container once its failing streak reaches the
threshold. It stands in for an orchestrator when the container runs on a
plain Docker host.

Example:
  upgrade-monitor guard --container k3s-upgrade-monitor --threshold 3
  upgrade-monitor guard --container k3s-upgrade-monitor --dry-run`,
	Args: cobra.NoArgs,
	RunE: runGuard,
}

func init() {
	rootCmd.AddCommand(guardCmd)

	guardCmd.Flags().StringVar(&guardContainer, "container", "", "container name or ID")
	guardCmd.Flags().IntVar(&guardThreshold, "threshold", 3, "consecutive failed checks before a restart")
	guardCmd.Flags().DurationVar(&guardInterval, "interval", 5*time.Second, "poll interval")
	guardCmd.Flags().BoolVar(&guardDryRun, "dry-run", false, "observe only, never restart")
	guardCmd.MarkFlagRequired("container")
}

func runGuard(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	var policy guard.RestartPolicy = guard.ConsecutiveFailures{Threshold: guardThreshold}
	if guardDryRun {
		policy = guard.Never{}
	}

	g, err := guard.New(guardContainer, policy, logger)
	if err != nil {
		return err
	}
	g.Interval = guardInterval

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	return g.Run(ctx)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
