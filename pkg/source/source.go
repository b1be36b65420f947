// Package source runs the frame producer stage.
//
// The producer never waits on its consumer: a frame that does not fit in
// the raw slot is discarded and the next one is generated straight away.
// The cadence delay is applied only after a successful delivery.
package source

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/slot"
)

// Stats counts producer activity since start.
type Stats struct {
	Generated uint64
	Delivered uint64
	Dropped   uint64
	Failed    uint64
}

// Source generates frames and offers them to the raw slot.
type Source struct {
	gen     Generator
	out     *slot.Slot[*models.RawFrame]
	cadence time.Duration
	logger  *slog.Logger

	seq       uint64
	generated atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a source writing into out every cadence.
func New(gen Generator, out *slot.Slot[*models.RawFrame], cadence time.Duration, logger *slog.Logger) *Source {
	return &Source{
		gen:     gen,
		out:     out,
		cadence: cadence,
		logger:  logger.With("component", "source"),
	}
}

// Run loops until ctx is cancelled. Cancellation is checked at the top of
// every cycle; a frame generated in the final cycle may be lost.
func (s *Source) Run(ctx context.Context) error {
	s.logger.Info("frame source started", "cadence", s.cadence)
	defer s.logger.Info("frame source stopped", "generated", s.generated.Load(), "dropped", s.dropped.Load())

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.seq++
		frame, err := s.gen.Generate(s.seq)
		if err != nil {
			s.failed.Add(1)
			s.logger.Error("frame generation failed", "seq", s.seq, "error", err)
			if !sleep(ctx, s.cadence) {
				return nil
			}
			continue
		}
		s.generated.Add(1)

		if !s.out.TryPut(frame) {
			// Consumer behind: drop this frame and make a fresh one.
			s.dropped.Add(1)
			continue
		}
		s.delivered.Add(1)

		if !sleep(ctx, s.cadence) {
			return nil
		}
	}
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() Stats {
	return Stats{
		Generated: s.generated.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}

// sleep waits for d or ctx, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
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
