package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/forkpool/internal/config"
	"github.com/Iron-Ham/forkpool/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View pool logs",
	Long: `View and filter the pool log written to logging.dir.

Records forwarded by workers carry their worker_id and group, so a single
worker can be followed with --worker.

Examples:
  # Show last 50 lines
  forkpool logs

  # Follow logs in real-time
  forkpool logs -f

  # Filter by log level
  forkpool logs --level warn

  # Only records of one group, from the last hour
  forkpool logs --group web --since 1h

  # Search for specific patterns
  forkpool logs --grep "exited|restart"`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsGroup  string
	logsWorker int
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsGroup, "group", "", "Only show records of this group")
	logsCmd.Flags().IntVar(&logsWorker, "worker", 0, "Only show records of this worker id")
}

// logEntry represents a parsed JSON log line
type logEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Msg       string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Group     string         `json:"group,omitempty"`
	WorkerID  int            `json:"worker_id,omitempty"`
	Extra     map[string]any `json:"-"` // Captures additional fields
}

// logFilter selects the entries to display
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
	group    string
	worker   int
}

// UnmarshalJSON implements custom unmarshaling to capture extra fields
func (e *logEntry) UnmarshalJSON(data []byte) error {
	// First, unmarshal known fields using a type alias to avoid recursion
	type Alias logEntry
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	// Then unmarshal all fields to capture extras
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	// Remove known fields, keep the rest as extra
	delete(all, "time")
	delete(all, "level")
	delete(all, "msg")
	delete(all, "component")
	delete(all, "group")
	delete(all, "worker_id")

	if len(all) > 0 {
		e.Extra = all
	}

	return nil
}

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// levelColor returns the ANSI color code for a log level
func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return colorGray
	case logging.LevelInfo:
		return colorBlue
	case logging.LevelWarn:
		return colorYellow
	case logging.LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// levelPriority returns the priority of a log level for filtering
func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

// formatLogEntry formats a log entry for terminal output
func formatLogEntry(entry *logEntry) string {
	var sb strings.Builder

	// Timestamp
	sb.WriteString(colorGray)
	sb.WriteString("[")
	sb.WriteString(entry.Time.Format("15:04:05.000"))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	// Level with color
	sb.WriteString(" ")
	sb.WriteString(levelColor(entry.Level))
	sb.WriteString("[")
	sb.WriteString(strings.ToUpper(entry.Level))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	// Message
	sb.WriteString(" ")
	sb.WriteString(entry.Msg)

	// Context fields (component, group, worker_id)
	if entry.Component != "" {
		writeField(&sb, "component", entry.Component)
	}
	if entry.Group != "" {
		writeField(&sb, "group", entry.Group)
	}
	if entry.WorkerID != 0 {
		writeField(&sb, "worker_id", entry.WorkerID)
	}

	// Extra fields, in key order
	keys := make([]string, 0, len(entry.Extra))
	for key := range entry.Extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeField(&sb, key, entry.Extra[key])
	}

	return sb.String()
}

func writeField(sb *strings.Builder, key string, value any) {
	sb.WriteString(" ")
	sb.WriteString(colorCyan)
	sb.WriteString(key)
	sb.WriteString("=")
	sb.WriteString(colorReset)
	sb.WriteString(fmt.Sprintf("%v", value))
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Logging.Dir == "" {
		return fmt.Errorf("logging.dir is not set; the pool logs to stderr")
	}

	logPath := filepath.Join(cfg.Logging.Dir, logging.LogFileName)
	out := cmd.OutOrStdout()
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No logs found at", logPath)
		return nil
	}

	// Parse filter options
	filter := logFilter{minLevel: -1, group: logsGroup, worker: logsWorker}
	if logsLevel != "" {
		filter.minLevel = levelPriority(logging.ParseLevel(logsLevel))
	}

	if logsSince != "" {
		duration, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		filter.since = time.Now().Add(-duration)
	}

	if logsGrep != "" {
		filter.grep, err = regexp.Compile(logsGrep)
		if err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
	}

	// Follow mode
	if logsFollow {
		return followLogs(cmd.Context(), out, logPath, filter)
	}

	// Non-follow mode: read and display logs
	return displayLogs(out, logPath, logsTail, filter)
}

// displayLogs reads the log file and displays filtered entries
func displayLogs(out io.Writer, logPath string, tail int, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var entries []string
	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially long log lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if formatted, ok := filterLine(line, filter); ok {
			entries = append(entries, formatted)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	// Apply tail limit
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}

	for _, entry := range entries {
		fmt.Fprintln(out, entry)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}

	return nil
}

// followLogs implements tail -f behavior for the log file until ctx ends
func followLogs(ctx context.Context, out io.Writer, logPath string, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	// Seek to end of file
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	fmt.Fprintf(out, "Following logs... (Ctrl+C to stop)\n\n")

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return fmt.Errorf("error reading log file: %w", err)
			}
			// No new data, wait briefly and try again
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if formatted, ok := filterLine(line, filter); ok {
			fmt.Fprintln(out, formatted)
		}
	}
}

// filterLine parses line and formats it when it passes the filter. Lines
// that are not JSON are shown raw unless a field filter is active.
func filterLine(line string, filter logFilter) (string, bool) {
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		if filter.group != "" || filter.worker != 0 {
			return "", false
		}
		return line, true
	}
	if !passesFilters(&entry, filter) {
		return "", false
	}
	return formatLogEntry(&entry), true
}

// passesFilters checks if a log entry passes all filter criteria
func passesFilters(entry *logEntry, filter logFilter) bool {
	// Level filter
	if filter.minLevel >= 0 && levelPriority(entry.Level) < filter.minLevel {
		return false
	}

	// Time filter
	if !filter.since.IsZero() && entry.Time.Before(filter.since) {
		return false
	}

	if filter.group != "" && entry.Group != filter.group {
		return false
	}
	if filter.worker != 0 && entry.WorkerID != filter.worker {
		return false
	}

	// Grep filter - search in message and extra fields
	if filter.grep != nil {
		searchText := entry.Msg
		for _, v := range entry.Extra {
			searchText += " " + fmt.Sprintf("%v", v)
		}
		if !filter.grep.MatchString(searchText) {
			return false
		}
	}

	return true
}
