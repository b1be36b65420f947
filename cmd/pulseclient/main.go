package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"gonum.org/v1/gonum/stat"

	"pulsepipe/internal/cli"
	"pulsepipe/internal/models"
	"pulsepipe/pkg/dispatch"
	"pulsepipe/pkg/visualization"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line arguments
	url := flag.String("url", dispatch.URL("localhost", 5555), "Responder URL")
	count := flag.Int("count", 0, "Frames to request (0: until interrupted)")
	interval := flag.Duration("interval", time.Second, "Delay between requests")
	snapshotDir := flag.String("snapshot-dir", "", "Write mean image and edge maps of each frame here")
	watch := flag.Bool("watch", false, "Keep reconnecting when the responder goes away")
	timeout := flag.Duration("timeout", 0, "Per-request timeout (0: wait for first data)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	flag.Parse()

	logger, err := cli.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var handle dispatch.Handle
	defer handle.Close()

	connect := func() error {
		c, err := dispatch.Dial(ctx, *url)
		if err != nil {
			return err
		}
		if old := handle.Swap(c); old != nil {
			old.Close()
		}
		logger.Info("connected", "url", *url)
		return nil
	}
	if err := connect(); err != nil {
		logger.Error("cannot connect", "error", err)
		return 1
	}

	for n := 0; *count == 0 || n < *count; {
		reqCtx, cancel := ctx, context.CancelFunc(func() {})
		if *timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, *timeout)
		}
		frame, err := handle.Next(reqCtx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return 0
		case err == nil:
			n++
			report(frame)
			if *snapshotDir != "" {
				if err := snapshot(frame, *snapshotDir); err != nil {
					logger.Warn("snapshot failed", "timestamp", frame.Timestamp, "error", err)
				}
			}
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("no frame within timeout", "timeout", *timeout)
			fallthrough
		case *watch:
			logger.Debug("request failed", "error", err)
			if old := handle.Swap(nil); old != nil {
				old.Close()
			}
			if !sleep(ctx, *interval) {
				return 0
			}
			if err := connect(); err != nil {
				logger.Warn("reconnect failed", "error", err)
			}
			continue
		default:
			logger.Error("request failed", "error", err)
			return 1
		}

		if !sleep(ctx, *interval) {
			return 0
		}
	}
	return 0
}

// report prints a one-line summary of frame.
func report(frame *models.ProcessedFrame) {
	var finite []float64
	for _, v := range frame.MeanImage.Data {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	mean, std := math.NaN(), math.NaN()
	if len(finite) > 0 {
		mean, std = stat.MeanStdDev(finite, nil)
	}
	fmt.Printf("%s  mean_image %v (mean %.2f, std %.2f)  intensities %v  edges %d/%d\n",
		frame.Timestamp, frame.MeanImage.Shape, mean, std,
		frame.Intensities.Shape, frame.Edges.Count(), len(frame.Edges.Data))
}

func snapshot(frame *models.ProcessedFrame, dir string) error {
	viewer, err := visualization.NewViewer(frame)
	if err != nil {
		return err
	}
	files, err := viewer.SaveSnapshot(dir)
	if err != nil {
		return err
	}
	slog.Debug("snapshot written", "files", len(files), "dir", dir)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
