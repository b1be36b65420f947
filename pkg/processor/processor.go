// Package processor runs the analysis stage: it takes raw frames from the
// raw slot, integrates and edge-detects every pulse in parallel using the
// live configuration, and hands the result to the processed slot.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/azimuthal"
	"pulsepipe/pkg/edges"
	"pulsepipe/pkg/ndarray"
	"pulsepipe/pkg/slot"
	"pulsepipe/pkg/store"
)

// DefaultPollInterval is the idle backoff between empty raw-slot polls.
const DefaultPollInterval = 200 * time.Microsecond

// Options tunes a Processor.
type Options struct {
	// Workers bounds the number of pulses processed concurrently
	Workers int

	// PollInterval is the backoff after an empty poll of the raw slot
	PollInterval time.Duration

	// Defaults are used for fields missing from the store
	Defaults azimuthal.Params

	// ConfigTimeout bounds each store read
	ConfigTimeout time.Duration
}

// DefaultOptions returns options using every CPU and compiled defaults.
func DefaultOptions() Options {
	return Options{
		Workers:       runtime.NumCPU(),
		PollInterval:  DefaultPollInterval,
		Defaults:      azimuthal.DefaultParams(),
		ConfigTimeout: 250 * time.Millisecond,
	}
}

// Stats counts processor activity since start.
type Stats struct {
	Processed       uint64
	Failed          uint64
	ConfigRejected  uint64
	StoreReadErrors uint64
}

// Processor is the analysis stage.
type Processor struct {
	in         *slot.Slot[*models.RawFrame]
	out        *slot.Slot[*models.ProcessedFrame]
	store      store.Store
	integrator azimuthal.Integrator
	detector   edges.Detector
	opts       Options
	logger     *slog.Logger

	defaults azimuthal.Config

	// touched only by the Run goroutine
	current      azimuthal.Config
	lastRejected string

	processed  atomic.Uint64
	failed     atomic.Uint64
	rejected   atomic.Uint64
	readErrors atomic.Uint64
}

// New builds a processor. Defaults in opts must form a valid configuration.
func New(in *slot.Slot[*models.RawFrame], out *slot.Slot[*models.ProcessedFrame], st store.Store,
	integrator azimuthal.Integrator, detector edges.Detector, opts Options, logger *slog.Logger) (*Processor, error) {

	defaults, err := azimuthal.New(opts.Defaults)
	if err != nil {
		return nil, fmt.Errorf("compiled azimuthal defaults: %w", err)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval < 0 {
		opts.PollInterval = 0
	}
	return &Processor{
		in:         in,
		out:        out,
		store:      st,
		integrator: integrator,
		detector:   detector,
		opts:       opts,
		logger:     logger.With("component", "processor"),
		defaults:   defaults,
		current:    defaults,
	}, nil
}

// Run processes frames until ctx is cancelled. A frame already being
// processed is finished first; delivery into a full processed slot waits
// rather than dropping the frame.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("frame processor started", "workers", p.opts.Workers)
	defer p.logger.Info("frame processor stopped", "processed", p.processed.Load(), "failed", p.failed.Load())

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, ok := p.in.TryTake()
		if !ok {
			if !backoff(ctx, p.opts.PollInterval) {
				return nil
			}
			continue
		}

		frame, err := p.Process(ctx, raw)
		if err != nil {
			p.failed.Add(1)
			p.logger.Error("frame dropped", "timestamp", raw.Timestamp(), "error", err)
			continue
		}

		if err := p.out.PutBlocking(ctx, frame); err != nil {
			return nil
		}
		p.processed.Add(1)
	}
}

// Process builds the processed frame for raw using the live configuration.
func (p *Processor) Process(ctx context.Context, raw *models.RawFrame) (*models.ProcessedFrame, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	cfg := p.resolveConfig(ctx)

	h, w := raw.Image.Shape[1], raw.Image.Shape[2]
	userMask := cfg.UserMask()
	if userMask != nil && !ndarray.SameShape(userMask.Shape, []int{h, w}) {
		p.logger.Warn("user mask ignored: shape mismatch",
			"timestamp", raw.Timestamp(), "mask", userMask.Shape, "image", []int{h, w})
		userMask = nil
	}

	pulses := raw.Pulses()
	profiles := make([]azimuthal.Profile, pulses)
	edgeMaps := make([]*ndarray.Bool, pulses)

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Workers)
	for i := 0; i < pulses; i++ {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("pulse %d: collaborator panic: %v", i, r)
				}
			}()
			img := raw.Image.Pulse(i)
			mask := BuildMask(img, cfg, userMask)

			prof, err := p.integrator.Integrate(img, mask, cfg)
			if err != nil {
				return fmt.Errorf("pulse %d: integrate: %w", i, err)
			}
			em, err := p.detector.Detect(img)
			if err != nil {
				return fmt.Errorf("pulse %d: detect edges: %w", i, err)
			}
			profiles[i], edgeMaps[i] = prof, em
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mean, err := raw.Image.MeanAxis0()
	if err != nil {
		return nil, err
	}
	momentum, err := ndarray.FromFloat64(append([]float64(nil), profiles[0].Radial...), len(profiles[0].Radial))
	if err != nil {
		return nil, err
	}
	rows := make([]*ndarray.Float64, pulses)
	for i, prof := range profiles {
		if rows[i], err = ndarray.FromFloat64(prof.Intensity, len(prof.Intensity)); err != nil {
			return nil, err
		}
	}
	intensities, err := ndarray.StackFloat64(rows)
	if err != nil {
		return nil, fmt.Errorf("stack intensities: %w", err)
	}
	stacked, err := ndarray.StackBool(edgeMaps)
	if err != nil {
		return nil, fmt.Errorf("stack edges: %w", err)
	}

	return &models.ProcessedFrame{
		Timestamp:   raw.Timestamp(),
		MeanImage:   mean,
		Momentum:    momentum,
		Intensities: intensities,
		Edges:       stacked,
	}, nil
}

// resolveConfig reads the azimuthal record and applies it. A failed read or
// an empty record falls back to the compiled defaults; an invalid record is
// rejected as a whole and the last applied configuration stays in effect.
func (p *Processor) resolveConfig(ctx context.Context) azimuthal.Config {
	if p.store == nil {
		return p.defaults
	}
	readCtx, cancel := context.WithTimeout(ctx, p.opts.ConfigTimeout)
	defer cancel()

	fields, err := p.store.GetFields(readCtx, azimuthal.RecordKey)
	if err != nil {
		p.readErrors.Add(1)
		p.logger.Debug("config store unavailable, using defaults", "error", err)
		p.current = p.defaults
		return p.defaults
	}
	if len(fields) == 0 {
		p.current = p.defaults
		return p.defaults
	}

	cfg, fieldErrs, err := azimuthal.Parse(fields, p.opts.Defaults)
	for _, fe := range fieldErrs {
		p.logger.Debug("config field unparsable, using default", "field", fe.Field, "value", fe.Value, "error", fe.Err)
	}
	if err != nil {
		p.rejected.Add(1)
		if fp := fmt.Sprint(fields); fp != p.lastRejected {
			p.lastRejected = fp
			p.logger.Warn("configuration rejected, keeping current", "error", err)
		}
		return p.current
	}
	p.lastRejected = ""
	p.current = cfg
	return cfg
}

// BuildMask marks NaN pixels, pixels outside the threshold interval (if
// set) and pixels of userMask (if non-nil, same shape as img).
func BuildMask(img *ndarray.Float64, cfg azimuthal.Config, userMask *ndarray.Bool) *ndarray.Bool {
	mask := ndarray.NewBool(img.Shape...)
	th, thresholded := cfg.Threshold()
	for i, v := range img.Data {
		switch {
		case math.IsNaN(v):
			mask.Data[i] = true
		case thresholded && !th.Contains(v):
			mask.Data[i] = true
		case userMask != nil && userMask.Data[i]:
			mask.Data[i] = true
		}
	}
	return mask
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:       p.processed.Load(),
		Failed:          p.failed.Load(),
		ConfigRejected:  p.rejected.Load(),
		StoreReadErrors: p.readErrors.Load(),
	}
}

func backoff(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		runtime.Gosched()
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
