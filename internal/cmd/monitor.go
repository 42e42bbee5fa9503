package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ionlab/pmtscan/internal/monitor"
	"github.com/ionlab/pmtscan/internal/scan"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Continuously read the detector at the current stage position",
	Long: `Continuously read the detector without moving the stages.

Each line shows the latest count together with the mean and standard
deviation over a rolling window, which is useful while aligning optics.

Examples:
  pmtscan monitor
  pmtscan monitor --exposure 10 --window 20
  pmtscan monitor --samples 100`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var (
	monitorExposure float64
	monitorRepeats  int
	monitorWindow   int
	monitorInterval time.Duration
	monitorSamples  int
)

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().Float64VarP(&monitorExposure, "exposure", "e", 0, "exposure per sample in ms (default: detector.exposure_ms)")
	monitorCmd.Flags().IntVar(&monitorRepeats, "repeats", 0, "samples averaged per reading (default: detector.repeats)")
	monitorCmd.Flags().IntVarP(&monitorWindow, "window", "w", 0, "readings kept for statistics (default: monitor.window)")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 0, "pause between readings (default: monitor.interval_ms)")
	monitorCmd.Flags().IntVarP(&monitorSamples, "samples", "n", 0, "stop after this many readings (0 runs until interrupted)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	exposure := cfg.Detector.ExposureMs
	if cmd.Flags().Changed("exposure") {
		exposure = monitorExposure
	}
	repeats := cfg.Detector.Repeats
	if cmd.Flags().Changed("repeats") {
		repeats = monitorRepeats
	}
	window := cfg.Monitor.Window
	if cmd.Flags().Changed("window") {
		window = monitorWindow
	}
	interval := cfg.Monitor.Interval()
	if cmd.Flags().Changed("interval") {
		interval = monitorInterval
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	rig, err := newRig(cfg, logger)
	if err != nil {
		return err
	}
	c := scan.NewController(rig,
		scan.WithLogger(logger),
		scan.WithWorkerOptions(scan.WithCallTimeout(cfg.Device.CallTimeout())),
	)
	if err := c.Open(ctx); err != nil {
		return err
	}
	defer c.Close()

	m := monitor.New(c, c, exposure,
		monitor.WithWindow(window),
		monitor.WithInterval(interval),
		monitor.WithRepeats(repeats),
		monitor.WithLogger(logger),
	)

	out := cmd.OutOrStdout()
	seen := 0
	m.OnSample(func(s monitor.Sample) {
		printSample(out, s)
		seen++
		if monitorSamples > 0 && seen >= monitorSamples {
			m.Stop()
		}
	})

	fmt.Fprintf(out, "monitoring at %g ms x %d (Ctrl+C to stop)\n", exposure, repeats)
	m.Start(ctx)
	return nil
}

func printSample(w io.Writer, s monitor.Sample) {
	ts := s.At.Format("15:04:05.000")
	switch {
	case s.Err != nil:
		fmt.Fprintf(w, "%s  reading failed: %v\n", ts, s.Err)
	case !s.Count.Valid:
		fmt.Fprintf(w, "%s  no data\n", ts)
	default:
		fmt.Fprintf(w, "%s  count %10.2f  mean %10.2f ± %-8.2f n=%d\n", ts, s.Count.Value, s.Mean, s.StdDev, s.N)
	}
}
