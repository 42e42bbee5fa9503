package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/ionlab/pmtscan/internal/config"
	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/ionlab/pmtscan/internal/persist"
	"github.com/ionlab/pmtscan/internal/raster"
	"github.com/ionlab/pmtscan/internal/scan"
)

// executeCommand runs the root command with args and returns its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores the named flags of c to their defaults.
func resetFlags(t *testing.T, c *cobra.Command, names ...string) {
	t.Helper()
	t.Cleanup(func() {
		for _, name := range names {
			f := c.Flags().Lookup(name)
			if f == nil {
				continue
			}
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
}

func writeScanFile(t *testing.T, path string) {
	t.Helper()
	sink, err := persist.CreateCSV(path, "test scan")
	if err != nil {
		t.Fatalf("CreateCSV() error = %v", err)
	}
	for y := 0; y < 2; y++ {
		row := persist.Row{Index: y}
		for x := 0; x < 3; x++ {
			row.Points = append(row.Points, persist.Point{
				X: float64(x), Y: float64(y), ExposureMs: 1,
				Count: float64(x + y), Valid: x != 1,
			})
		}
		if err := sink.AppendRow(row); err != nil {
			t.Fatalf("AppendRow() error = %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	want := []string{"scan", "monitor", "render", "runs", "logs", "config"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("root command missing subcommand %q", name)
		}
	}
}

func TestAxisValue(t *testing.T) {
	var r raster.AxisRange
	v := newAxisValue(&r)

	if err := v.Set("0:2.5:0.5"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if r != (raster.AxisRange{Start: 0, Stop: 2.5, Step: 0.5}) {
		t.Errorf("Set() range = %+v", r)
	}
	if got := v.String(); got != "0:2.5:0.5" {
		t.Errorf("String() = %q, want %q", got, "0:2.5:0.5")
	}
	if got := v.Type(); got != "range" {
		t.Errorf("Type() = %q, want %q", got, "range")
	}

	for _, bad := range []string{"", "1:2", "a:1:2", "0:1:2:3"} {
		if err := v.Set(bad); err == nil {
			t.Errorf("Set(%q) expected error", bad)
		}
	}
	if got := (axisValue{}).String(); got != "" {
		t.Errorf("zero String() = %q, want empty", got)
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		def     any
		want    any
		wantErr bool
	}{
		{"bool", "true", false, true, false},
		{"bad bool", "yes please", false, nil, true},
		{"int", "7", 2, int64(7), false},
		{"bad int", "7.5", 2, nil, true},
		{"float", "2.5", 1.0, 2.5, false},
		{"bad float", "x", 1.0, nil, true},
		{"string", "retry", "skip", "retry", false},
		{"list", "http://a, http://b", []string{}, []string{"http://a", "http://b"}, false},
		{"empty list", "", []string{}, []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseConfigValue("key", tt.value, tt.def)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConfigValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if list, ok := tt.want.([]string); ok {
				gotList, ok := got.([]string)
				if !ok || strings.Join(gotList, "|") != strings.Join(list, "|") {
					t.Errorf("parseConfigValue() = %#v, want %#v", got, tt.want)
				}
				return
			}
			if got != tt.want {
				t.Errorf("parseConfigValue() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestScanConfig_Defaults(t *testing.T) {
	cfg := config.Default()
	sc := scanConfig(scanCmd, cfg)

	if sc.X != (raster.AxisRange{Start: 0, Stop: 2, Step: 0.1}) {
		t.Errorf("X = %+v", sc.X)
	}
	if sc.ExposureMs != cfg.Detector.ExposureMs {
		t.Errorf("ExposureMs = %v, want %v", sc.ExposureMs, cfg.Detector.ExposureMs)
	}
	if sc.Policy != scan.PolicySkip {
		t.Errorf("Policy = %q, want %q", sc.Policy, scan.PolicySkip)
	}
	if sc.Output != cfg.Output.File {
		t.Errorf("Output = %q, want %q", sc.Output, cfg.Output.File)
	}
}

func TestScanConfig_FlagOverrides(t *testing.T) {
	resetFlags(t, scanCmd, "x", "exposure", "seek", "policy")
	flags := scanCmd.Flags()
	for name, value := range map[string]string{
		"x":        "1:3:0.5",
		"exposure": "7",
		"seek":     "true",
		"policy":   "retry",
	} {
		if err := flags.Set(name, value); err != nil {
			t.Fatalf("Set(%s) error = %v", name, err)
		}
	}

	cfg := config.Default()
	sc := scanConfig(scanCmd, cfg)

	if sc.X != (raster.AxisRange{Start: 1, Stop: 3, Step: 0.5}) {
		t.Errorf("X = %+v", sc.X)
	}
	if sc.Y != axisRange(cfg.Scan.Y) {
		t.Errorf("Y = %+v, want config value", sc.Y)
	}
	if sc.ExposureMs != 7 {
		t.Errorf("ExposureMs = %v, want 7", sc.ExposureMs)
	}
	if !sc.AutoSeek {
		t.Error("AutoSeek = false, want true")
	}
	if sc.Policy != scan.PolicyRetry {
		t.Errorf("Policy = %q, want %q", sc.Policy, scan.PolicyRetry)
	}
	if sc.Repeats != cfg.Detector.Repeats {
		t.Errorf("Repeats = %d, want config value %d", sc.Repeats, cfg.Detector.Repeats)
	}
}

func TestNewRig_UnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Driver = "serial"
	if _, err := newRig(cfg, logging.NopLogger()); err == nil {
		t.Fatal("newRig() expected error for unknown driver")
	}
}

func TestExplainFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		hint     string
		logLevel string
	}{
		{"configuration", errors.NewConfigurationError("step must be positive", nil), "", "WARN"},
		{"device fault", errors.NewDeviceFault("stage stalled", nil).WithAxis("x"), "check the stage and detector connections", "ERROR"},
		{"contract violation", errors.NewChannelMisuseError("seq 3"), "internal error, please report it", "ERROR"},
		{"plain error", errors.New("disk full"), "see 'pmtscan logs' for details", "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			got := explainFailure(logging.NewWriterLogger(&logs, logging.LevelDebug), tt.err)

			if !errors.Is(got, tt.err) {
				t.Errorf("explainFailure() = %v, should wrap %v", got, tt.err)
			}
			if tt.hint == "" && got.Error() != tt.err.Error() {
				t.Errorf("explainFailure() = %q, want the error unchanged", got.Error())
			}
			if tt.hint != "" && !strings.Contains(got.Error(), tt.hint) {
				t.Errorf("explainFailure() = %q, want hint %q", got.Error(), tt.hint)
			}
			if !strings.Contains(logs.String(), `"level":"`+tt.logLevel+`"`) {
				t.Errorf("log = %s, want level %s", logs.String(), tt.logLevel)
			}
		})
	}

	if explainFailure(logging.NopLogger(), nil) != nil {
		t.Error("explainFailure(nil) should be nil")
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	h := progressPrinter(&buf)

	h(event.NewRowFlushedEvent("s1", 3, "data/a.csv"))
	h(event.NewScanPausedEvent("s1", 12))
	h(event.NewScanResultEvent("s1", "coarse", event.CellResult{}, 1, 4))

	got := buf.String()
	if !strings.Contains(got, "row 3 written to data/a.csv") {
		t.Errorf("output missing row line:\n%s", got)
	}
	if !strings.Contains(got, "paused after 12 points") {
		t.Errorf("output missing pause line:\n%s", got)
	}
	if n := strings.Count(got, "\n"); n != 2 {
		t.Errorf("got %d lines, want 2 (results are not printed):\n%s", n, got)
	}
}

func TestRenderOutputs_SkipsStaleFiles(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "scan.csv")
	writeScanFile(t, output)

	var buf bytes.Buffer
	if err := renderOutputs(&buf, output, "svg", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("renderOutputs() error = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("stale file rendered: %s", buf.String())
	}

	if err := renderOutputs(&buf, output, "svg", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("renderOutputs() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "scan.svg")); err != nil {
		t.Errorf("heatmap not written: %v", err)
	}
	if strings.Count(buf.String(), "heatmap written") != 1 {
		t.Errorf("output = %q, want one heatmap line", buf.String())
	}
}

func TestRenderCommand(t *testing.T) {
	resetFlags(t, renderCmd, "output", "format", "title")
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.csv")
	writeScanFile(t, path)
	img := filepath.Join(dir, "out", "scan.svg")

	out, err := executeCommand(t, "render", path, "-o", img)
	if err != nil {
		t.Fatalf("render error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "3x2 points (4 with data)") {
		t.Errorf("output = %q", out)
	}
	data, err := os.ReadFile(img)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Contains(data, []byte("<svg")) {
		t.Error("output is not an SVG document")
	}
}

func TestRenderCommand_MissingFile(t *testing.T) {
	resetFlags(t, renderCmd, "output", "format", "title")
	if _, err := executeCommand(t, "render", filepath.Join(t.TempDir(), "none.csv")); err == nil {
		t.Fatal("render expected error for missing file")
	}
}

func TestRunsCommand(t *testing.T) {
	resetFlags(t, runsCmd, "dir")
	dir := t.TempDir()
	writeScanFile(t, filepath.Join(dir, "alpha.csv"))
	writeScanFile(t, persist.RescanPath(filepath.Join(dir, "alpha.csv")))
	writeScanFile(t, filepath.Join(dir, "beta.csv"))

	out, err := executeCommand(t, "runs", "--dir", dir, "alpha*")
	if err != nil {
		t.Fatalf("runs error = %v", err)
	}
	if !strings.Contains(out, "NAME") || !strings.Contains(out, "alpha.csv") {
		t.Errorf("output missing alpha.csv:\n%s", out)
	}
	if strings.Contains(out, "beta.csv") {
		t.Errorf("pattern did not filter beta.csv:\n%s", out)
	}
	if !strings.Contains(out, persist.PhaseRefine) {
		t.Errorf("rescan file not labelled %q:\n%s", persist.PhaseRefine, out)
	}

	out, err = executeCommand(t, "runs", "--dir", filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatalf("runs error = %v", err)
	}
	if !strings.Contains(out, "No scan files") {
		t.Errorf("output = %q", out)
	}
}

func TestFormatLogEntry(t *testing.T) {
	entry := logging.LogEntry{
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:     "WARN",
		Message:   "point retried",
		SessionID: "abc",
		Component: "controller",
		Attrs:     map[string]any{"attempt": 2},
	}
	got := formatLogEntry(entry)

	for _, want := range []string{"03:04:05.000", "[WARN]", "point retried", "session_id=abc", "component=controller", "attempt="} {
		if !strings.Contains(got, want) {
			t.Errorf("formatLogEntry() missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, "phase=") {
		t.Errorf("empty phase should be omitted: %q", got)
	}
	if !strings.Contains(got, colorYellow) {
		t.Error("warn entries should be yellow")
	}
}

func TestLogQuery_Grep(t *testing.T) {
	q := logQuery{grep: regexp.MustCompile(`row \d+`)}
	entries := []logging.LogEntry{
		{Level: "INFO", Message: "row 3 written"},
		{Level: "INFO", Message: "flushed", Attrs: map[string]any{"what": "row 4"}},
		{Level: "INFO", Message: "scan started"},
	}
	got := q.apply(entries)
	if len(got) != 2 {
		t.Fatalf("apply() returned %d entries, want 2", len(got))
	}
}

func TestLogsCommand(t *testing.T) {
	resetFlags(t, logsCmd, "tail", "level", "export", "format")
	dir := t.TempDir()
	t.Setenv("PMTSCAN_LOGGING_DIR", dir)

	out, err := executeCommand(t, "logs")
	if err != nil {
		t.Fatalf("logs error = %v", err)
	}
	if !strings.Contains(out, "No logs found") {
		t.Fatalf("output = %q", out)
	}

	logger, err := logging.NewLoggerWithRotation(dir, logging.LevelDebug, logging.RotationConfig{})
	if err != nil {
		t.Fatalf("NewLoggerWithRotation() error = %v", err)
	}
	logger.Debug("noise")
	logger.WithComponent("worker").Warn("stage stalled", "axis", "x")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	out, err = executeCommand(t, "logs", "--level", "warn")
	if err != nil {
		t.Fatalf("logs error = %v", err)
	}
	if !strings.Contains(out, "stage stalled") || strings.Contains(out, "noise") {
		t.Errorf("level filter output = %q", out)
	}

	export := filepath.Join(t.TempDir(), "logs.json")
	out, err = executeCommand(t, "logs", "--level", "debug", "--export", export, "--format", "json")
	if err != nil {
		t.Fatalf("logs export error = %v", err)
	}
	if !strings.Contains(out, "Exported 2 entries") {
		t.Errorf("export output = %q", out)
	}
}
