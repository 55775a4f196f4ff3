package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/k3s-upgrade-monitor/internal/config"
	"github.com/psantana5/k3s-upgrade-monitor/pkg/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	v = viper.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "upgrade-monitor",
	Short: "K3s upgrade monitor and its container lifecycle tooling",
	Long: `upgrade-monitor watches the jobs of the system-upgrade-controller and
sends ntfy notifications when node upgrades start, complete or fail.

It also carries the tooling that packages and supervises it: an image
builder, a process launcher, and a process-table liveness check suitable
for a container HEALTHCHECK.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries a process exit code out of a command. Err is printed
// when set; a nil Err exits silently.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
	config.BindEnv(v)
}

// newLogger builds the logger from the resolved log settings
func newLogger() *logging.Logger {
	return logging.NewLogger(
		logging.ParseLevel(v.GetString("log.level")),
		strings.EqualFold(v.GetString("log.format"), "json"),
	)
}
