package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/forkpool/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or create forkpool configuration",
	Long: `View or create forkpool configuration.

Without arguments, displays the effective configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration as YAML: defaults, the config file and
FORKPOOL_* environment overrides merged and validated.`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a sample config file",
	Long:  `Create a commented sample config file at ~/.config/forkpool/forkpool.yaml.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "# Config file: (none - using defaults)\n")
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}

// sampleConfig is written by "config init".
const sampleConfig = `# forkpool configuration

pool:
  # How often scaling strategies are evaluated
  tick_interval: 1s
  # How long a worker may take to report that it started
  start_timeout: 30s
  # How long a graceful stop may take before workers are killed
  shutdown_timeout: 30s
  # Maximum number of queued jobs (0 = unbounded)
  queue_limit: 0
  # Load comparison used to pick a worker: weight or count
  tie_break: weight

socket:
  # Socket handoff: auto, fdpass or relay
  transport: auto

logging:
  level: info
  # Directory for pool.log (empty = stderr)
  dir: ""
  max_size_mb: 10
  max_backups: 3

groups:
  # Jobs are declared before the groups that submit to them
  - name: jobs
    kind: job
    entry: echo
    min_workers: 1
    max_workers: 4
    job_time_limit: 30s
    restart:
      policy: backoff
      max_attempts: 5
      initial_delay: 100ms
      max_delay: 30s
    scaling:
      policy: threshold
      scale_up_threshold: 10
      scale_down_threshold: 0
      cooldown: 30s

  - name: web
    kind: reactor
    entry: tcp-echo
    min_workers: 2
    max_workers: 2
    # Glob patterns over job group names
    job_groups: ["jobs"]
    listen: ["tcp://127.0.0.1:8080"]
    restart:
      policy: always
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit the groups section, then start the pool with 'forkpool run'.")

	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. ./%s.yaml (current directory)\n", config.FileName)
	fmt.Fprintf(out, "  2. %s\n", filepath.Join(config.ConfigDir(), config.FileName+".yaml"))
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_LOGGING_LEVEL)\n", config.EnvPrefix, config.EnvPrefix)

	return nil
}
