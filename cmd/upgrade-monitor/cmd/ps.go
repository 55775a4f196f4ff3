package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/k3s-upgrade-monitor/internal/discover"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "Show the process table as the health check sees it",
	Long: `Ps prints one snapshot of the process table and marks the entries
that match the liveness signature. The row marked SELF is this command and
never counts toward liveness.`,
	Args: cobra.NoArgs,
	RunE: runPS,
}

func init() {
	rootCmd.AddCommand(psCmd)

	psCmd.Flags().StringArrayVar(&matchTokens, "match", nil, "signature token, repeatable (default from liveness.signature)")
}

func runPS(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	procs, err := discover.ListProcesses(ctx)
	if err != nil {
		return err
	}

	sig := resolveSignature()
	self := os.Getpid()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("PID", "PPID", "Name", "Match", "Self", "Command")

	matched := 0
	for _, p := range procs {
		match := ""
		if p.PID != self && sig.Matches(p.Cmdline) {
			match = "yes"
			matched++
		}
		isSelf := ""
		if p.PID == self {
			isSelf = "yes"
		}
		table.Append(
			strconv.Itoa(p.PID),
			strconv.Itoa(p.PPID),
			p.Name,
			match,
			isSelf,
			truncate(p.CommandLine(), 80),
		)
	}
	table.Render()

	fmt.Printf("\nsignature: %s, %d matching process(es)\n", sig, matched)
	return nil
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n-3])) + "..."
}
