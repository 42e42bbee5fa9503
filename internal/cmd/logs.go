package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ionlab/pmtscan/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View scan logs",
	Long: `View and filter the pmtscan debug log, including rotated backups.

Examples:
  # Show the last 50 entries
  pmtscan logs

  # Show everything from one session
  pmtscan logs -s 3f1c2a9e-... -n 0

  # Follow the log in real time
  pmtscan logs -f

  # Warnings and errors from the worker in the last hour
  pmtscan logs --level warn --component worker --since 1h

  # Export to CSV
  pmtscan logs --export logs.csv --format csv`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsSessionID string
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsSince     string
	logsComponent string
	logsGrep      string
	logsExport    string
	logsFormat    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsSessionID, "session", "s", "", "Only entries of this session ID")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "Only entries of this component (controller, worker, rig, ...)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsExport, "export", "", "Write matching entries to this file instead of the terminal")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Export format (text, json, csv)")
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

// formatLogEntry formats a log entry for terminal output
func formatLogEntry(entry logging.LogEntry) string {
	var sb strings.Builder

	sb.WriteString(colorGray)
	sb.WriteString("[")
	sb.WriteString(entry.Timestamp.Format("15:04:05.000"))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	sb.WriteString(" ")
	sb.WriteString(levelColor(entry.Level))
	sb.WriteString("[")
	sb.WriteString(strings.ToUpper(entry.Level))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	sb.WriteString(" ")
	sb.WriteString(entry.Message)

	for _, field := range []struct{ key, value string }{
		{"component", entry.Component},
		{"session_id", entry.SessionID},
		{"phase", entry.Phase},
		{"axis", entry.Axis},
	} {
		if field.value == "" {
			continue
		}
		sb.WriteString(" ")
		sb.WriteString(colorCyan)
		sb.WriteString(field.key)
		sb.WriteString("=")
		sb.WriteString(field.value)
		sb.WriteString(colorReset)
	}

	keys := make([]string, 0, len(entry.Attrs))
	for k := range entry.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(colorCyan)
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(colorReset)
		sb.WriteString(fmt.Sprintf("%v", entry.Attrs[k]))
	}

	return sb.String()
}

// logQuery is the parsed set of filters.
type logQuery struct {
	filter logging.LogFilter
	grep   *regexp.Regexp
}

func (q logQuery) apply(entries []logging.LogEntry) []logging.LogEntry {
	entries = logging.FilterLogs(entries, q.filter)
	if q.grep == nil {
		return entries
	}
	var matched []logging.LogEntry
	for _, e := range entries {
		if q.matchesGrep(e) {
			matched = append(matched, e)
		}
	}
	return matched
}

// matchesGrep searches the message and every attribute value.
func (q logQuery) matchesGrep(e logging.LogEntry) bool {
	if q.grep == nil {
		return true
	}
	text := e.Message
	for _, v := range e.Attrs {
		text += " " + fmt.Sprintf("%v", v)
	}
	return q.grep.MatchString(text)
}

func parseLogQuery() (logQuery, error) {
	q := logQuery{filter: logging.LogFilter{
		SessionID: logsSessionID,
		Component: logsComponent,
	}}
	if logsLevel != "" {
		q.filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		duration, err := time.ParseDuration(logsSince)
		if err != nil {
			return q, fmt.Errorf("invalid duration format: %w", err)
		}
		q.filter.StartTime = time.Now().Add(-duration)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return q, fmt.Errorf("invalid grep pattern: %w", err)
		}
		q.grep = re
	}
	return q, nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.LogDir()
	out := cmd.OutOrStdout()

	q, err := parseLogQuery()
	if err != nil {
		return err
	}

	logPath := filepath.Join(dir, logging.LogFileName)
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No logs found.")
		fmt.Fprintln(out, "Logs are stored at:", logPath)
		return nil
	}

	if logsFollow {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return followLogs(ctx, out, logPath, q)
	}

	entries, err := logging.AggregateLogs(dir)
	if err != nil {
		return err
	}
	entries = q.apply(entries)

	if logsExport != "" {
		if err := logging.ExportLogEntries(entries, logsExport, logsFormat); err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported %d entries to %s\n", len(entries), logsExport)
		return nil
	}

	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintln(out, formatLogEntry(e))
	}
	return nil
}

// followLogs implements tail -f behavior for the log file
func followLogs(ctx context.Context, out io.Writer, logPath string, q logQuery) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

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
		entry, err := logging.ParseLogEntry(line)
		if err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		if len(q.apply([]logging.LogEntry{entry})) == 0 {
			continue
		}
		fmt.Fprintln(out, formatLogEntry(entry))
	}
}
