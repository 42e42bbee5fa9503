package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/ionlab/pmtscan/internal/config"
	"github.com/ionlab/pmtscan/internal/errors"
	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/ionlab/pmtscan/internal/persist"
	"github.com/ionlab/pmtscan/internal/raster"
	"github.com/ionlab/pmtscan/internal/render"
	"github.com/ionlab/pmtscan/internal/scan"
	"github.com/ionlab/pmtscan/internal/stream"
	"github.com/ionlab/pmtscan/internal/tui"
)

// stopTimeout bounds the wait for an in-flight point after a stop.
const stopTimeout = 30 * time.Second

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a raster scan",
	Long: `Run a raster scan over the configured grid.

Points are visited row by row in a zigzag, each finished row is appended to
the output CSV, and the image is shown live. With --seek the scan is refined
around its brightest point and the stages are left at the refined maximum.

In a terminal the interactive view is used:
  p  pause/resume    s  stop    r  stop and release devices
  g  go to max       q  quit

Examples:
  pmtscan scan
  pmtscan scan --x 0:2:0.05 --y 0:1:0.05 --exposure 5 --seek
  pmtscan scan --headless --output data/run1.csv --render png`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanX        raster.AxisRange
	scanY        raster.AxisRange
	scanExposure float64
	scanRepeats  int
	scanOutput   string
	scanSeek     bool
	scanRadius   float64
	scanPolicy   string
	scanRetries  int
	scanHeadless bool
	scanStream   bool
	scanRender   string
)

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Var(newAxisValue(&scanX), "x", "x range as start:stop:step")
	scanCmd.Flags().Var(newAxisValue(&scanY), "y", "y range as start:stop:step")
	scanCmd.Flags().Float64VarP(&scanExposure, "exposure", "e", 0, "exposure per sample in ms")
	scanCmd.Flags().IntVar(&scanRepeats, "repeats", 0, "samples averaged per point")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "", "CSV output file")
	scanCmd.Flags().BoolVar(&scanSeek, "seek", false, "refine around the maximum when the scan completes")
	scanCmd.Flags().Float64Var(&scanRadius, "radius", 0, "half-width of the refinement window")
	scanCmd.Flags().StringVar(&scanPolicy, "policy", "", "acquisition fault policy (skip, retry, abort)")
	scanCmd.Flags().IntVar(&scanRetries, "retries", 0, "attempts per point under the retry policy")
	scanCmd.Flags().BoolVar(&scanHeadless, "headless", false, "print progress lines instead of the interactive view")
	scanCmd.Flags().BoolVar(&scanStream, "stream", false, "serve live progress over websocket")
	scanCmd.Flags().StringVar(&scanRender, "render", "", "write a heatmap after the scan (png, svg)")
}

// scanConfig builds the session configuration from cfg and any flags the
// user set explicitly.
func scanConfig(cmd *cobra.Command, cfg *config.Config) scan.Config {
	sc := scan.Config{
		X:          axisRange(cfg.Scan.X),
		Y:          axisRange(cfg.Scan.Y),
		ExposureMs: cfg.Detector.ExposureMs,
		Repeats:    cfg.Detector.Repeats,
		Output:     cfg.Output.File,
		AutoSeek:   cfg.Seek.Auto,
		SeekRadius: cfg.Seek.Radius,
		Policy:     scan.FaultPolicy(cfg.Fault.Policy),
		MaxRetries: cfg.Fault.MaxRetries,
	}

	flags := cmd.Flags()
	if flags.Changed("x") {
		sc.X = scanX
	}
	if flags.Changed("y") {
		sc.Y = scanY
	}
	if flags.Changed("exposure") {
		sc.ExposureMs = scanExposure
	}
	if flags.Changed("repeats") {
		sc.Repeats = scanRepeats
	}
	if flags.Changed("output") {
		sc.Output = scanOutput
	}
	if flags.Changed("seek") {
		sc.AutoSeek = scanSeek
	}
	if flags.Changed("radius") {
		sc.SeekRadius = scanRadius
	}
	if flags.Changed("policy") {
		sc.Policy = scan.FaultPolicy(scanPolicy)
	}
	if flags.Changed("retries") {
		sc.MaxRetries = scanRetries
	}
	return sc
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc := scanConfig(cmd, cfg)
	if sc.Policy, err = scan.ParseFaultPolicy(string(sc.Policy)); err != nil {
		return err
	}
	renderFormat := cfg.Output.RenderFormat
	if cmd.Flags().Changed("render") {
		renderFormat = scanRender
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	lock, err := persist.AcquireLock(sc.Output, logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	rig, err := newRig(cfg, logger)
	if err != nil {
		return err
	}
	x, y, err := readPositions(ctx, rig)
	if err != nil {
		return fmt.Errorf("failed to read stage positions: %w", err)
	}
	logger.Info("stage positions", "x", x, "y", y)

	c := scan.NewController(rig,
		scan.WithLogger(logger),
		scan.WithFactory(persist.NewFactory(cfg.Output.WriteMeta, logger)),
		scan.WithWorkerOptions(scan.WithCallTimeout(cfg.Device.CallTimeout())),
	)
	if err := c.Open(ctx); err != nil {
		return err
	}
	defer c.Close()

	if viper.ConfigFileUsed() != "" {
		watchConfig(c, logger)
	}

	interactive := !scanHeadless && term.IsTerminal(int(os.Stdout.Fd()))
	out := cmd.OutOrStdout()
	if !interactive {
		fmt.Fprintf(out, "stages at (%g, %g)\n", x, y)
	}

	if cfg.Stream.Enabled || scanStream {
		shutdown := serveStream(ctx, c, cfg.Stream, logger, func(addr net.Addr) {
			if !interactive {
				fmt.Fprintf(cmd.ErrOrStderr(), "streaming on http://%s\n", addr)
			}
		})
		defer shutdown()
	}

	if !interactive {
		id := c.Bus().SubscribeAll(progressPrinter(out))
		defer c.Bus().Unsubscribe(id)
	}

	started := time.Now()
	if err := c.Start(sc); err != nil {
		return explainFailure(logger, err)
	}

	if interactive {
		if err := tui.New(c, c.Bus(), "pmtscan").Run(ctx); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		// Quitting the view ends whatever is still running.
		_ = c.Stop(false)
	}

	if err := waitScan(ctx, c); err != nil {
		return explainFailure(logger, err)
	}
	_ = c.Flush(context.Background())

	if renderFormat != "" {
		return renderOutputs(out, sc.Output, renderFormat, started)
	}
	return nil
}

// waitScan waits for the current run. An interrupt stops the scan and waits
// for the in-flight point. A scan stopped by the user is not an error.
func waitScan(ctx context.Context, c *scan.Controller) error {
	err := c.Wait(ctx)
	if ctx.Err() != nil {
		_ = c.Stop(false)
		waitCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		err = c.Wait(waitCtx)
	}
	switch {
	case err == nil, errors.Is(err, errors.ErrNoSession):
		return nil
	case errors.Is(err, errors.ErrSessionAborted) && c.Snapshot().Err == "":
		return nil
	default:
		return err
	}
}

// watchConfig reports config file changes to the running view. Changes apply
// to the next session.
func watchConfig(c *scan.Controller, logger *logging.Logger) {
	config.Watch(func(_ *config.Config, err error) {
		msg := ""
		if err != nil {
			msg = err.Error()
			logger.Warn("config reload rejected", "error", msg)
		} else {
			logger.Info("config reloaded", "path", viper.ConfigFileUsed())
		}
		c.Publish(event.NewConfigReloadedEvent(viper.ConfigFileUsed(), msg))
	})
}

// serveStream starts the websocket server and returns a function that shuts
// it down and waits for it.
func serveStream(ctx context.Context, c *scan.Controller, sc config.StreamConfig, logger *logging.Logger, ready func(net.Addr)) func() {
	b := stream.NewBroadcaster(c, logger)
	b.Attach(c.Bus())
	srv := stream.NewServer(c, b, sc.AllowedOrigins, logger)

	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(srvCtx, sc.Addr, ready); err != nil {
			logger.Error("stream server failed", "addr", sc.Addr, "error", err.Error())
		}
	}()
	return func() {
		cancel()
		<-done
		b.Detach()
	}
}

// progressPrinter writes one line per notable event.
func progressPrinter(w io.Writer) event.Handler {
	return func(e event.Event) {
		if rf, ok := e.(event.RowFlushedEvent); ok {
			fmt.Fprintf(w, "row %d written to %s\n", rf.Row, rf.Path)
			return
		}
		if line := tui.Describe(e); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}

// renderOutputs writes heatmaps for the scan file and its refinement. Files
// older than since belong to an earlier run and are skipped.
func renderOutputs(w io.Writer, output, format string, since time.Time) error {
	for _, path := range []string{output, persist.RescanPath(output)} {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Before(since.Truncate(time.Second)) {
			continue
		}
		g, err := render.FromCSV(path)
		if err != nil {
			return err
		}
		img := render.ImagePath(path, format)
		if err := render.Save(img, g, path); err != nil {
			return fmt.Errorf("failed to render %s: %w", path, err)
		}
		fmt.Fprintf(w, "heatmap written to %s\n", img)
	}
	return nil
}
