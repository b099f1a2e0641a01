package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/Iron-Ham/forkpool/internal/config"
	"github.com/Iron-Ham/forkpool/internal/errors"
	"github.com/Iron-Ham/forkpool/internal/pool"
)

var rootCmd = &cobra.Command{
	Use:   "forkpool",
	Short: "Supervised multi-process worker pools",
	Long: `forkpool runs groups of worker processes under one supervisor.

Reactor groups serve sockets handed over by the supervisor, job groups
execute jobs routed to the least loaded ready worker. Groups are restarted
and scaled by per-group policies declared in the config file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return pool.ExitOK
	}
	var exit *exitError
	if !errors.As(err, &exit) || exit.err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return ExitCode(err)
}

// exitError carries the exit code of a command that already reported its
// failure, e.g. a worker process.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps a command error to a process exit code. Invalid
// configuration exits with pool.ExitConfig.
func ExitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	var invalid config.ValidationErrors
	if errors.As(err, &invalid) {
		return pool.ExitConfig
	}
	return pool.ExitCode(err)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/forkpool/forkpool.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(config.FileName)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	// Replace dots with underscores for nested keys in env vars
	// e.g., FORKPOOL_POOL_QUEUE_LIMIT for pool.queue_limit
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// stderrIsTerminal reports whether logs written to stderr are read by a
// person, in which case they are rendered as text instead of JSON.
func stderrIsTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
