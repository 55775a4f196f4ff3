package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/k3s-upgrade-monitor/internal/discover"
	"github.com/psantana5/k3s-upgrade-monitor/internal/liveness"
)

var (
	matchTokens   []string
	excludeParent bool
	checkTimeout  time.Duration
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Exit 0 if the entry-point process is running, 1 otherwise",
	Long: `Healthcheck looks for a process whose command line carries the
configured signature. The checking process itself never matches.

The result only proves the process exists. A hung process with the right
command line is reported healthy.

Example:
  HEALTHCHECK CMD ["upgrade-monitor", "healthcheck"]
  upgrade-monitor healthcheck --match=python --match=-u --match=main.py`,
	Args: cobra.NoArgs,
	RunE: runHealthcheck,
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)

	healthcheckCmd.Flags().StringArrayVar(&matchTokens, "match", nil, "signature token, repeatable (default from liveness.signature)")
	healthcheckCmd.Flags().BoolVar(&excludeParent, "exclude-parent", false, "also exclude the parent process, for shell-form health checks")
	healthcheckCmd.Flags().DurationVar(&checkTimeout, "timeout", 5*time.Second, "give up and report unhealthy after this long")
}

// resolveSignature prefers --match tokens, then the configured signature
func resolveSignature() discover.Signature {
	if len(matchTokens) > 0 {
		return discover.Signature(matchTokens)
	}
	if sig := v.GetStringSlice("liveness.signature"); len(sig) > 0 {
		return discover.Signature(sig)
	}
	return liveness.DefaultSignature
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	checker := liveness.NewChecker(resolveSignature())
	if excludeParent {
		checker.ExcludePIDs = append(checker.ExcludePIDs, os.Getppid())
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()

	signal := checker.Check(ctx)
	logger.Debug(signal.String(), map[string]interface{}{"signature": checker.Signature.String()})

	if code := signal.ExitCode(); code != liveness.ExitHealthy {
		return &ExitError{Code: code}
	}
	return nil
}
