package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/slot"
	"pulsepipe/pkg/store"
)

// intervalWindow is the number of recent dispatch intervals kept for the
// status report.
const intervalWindow = 64

// BridgeStats counts bridge activity.
type BridgeStats struct {
	Forwarded    uint64
	Dropped      uint64
	MirrorErrors uint64

	// IntervalMean and IntervalStdDev describe the time between recent
	// frames handed to the dispatch buffer. Zero until two frames passed.
	IntervalMean   time.Duration
	IntervalStdDev time.Duration
}

// bridge moves frames from the processed slot to the dispatch buffer.
type bridge struct {
	in     *slot.Slot[*models.ProcessedFrame]
	out    *slot.Slot[*models.ProcessedFrame]
	store  store.Store
	mirror bool
	poll   time.Duration
	logger *slog.Logger

	forwarded    atomic.Uint64
	dropped      atomic.Uint64
	mirrorErrors atomic.Uint64

	mu        sync.Mutex
	last      time.Time
	intervals []float64
	next      int
}

func newBridge(in, out *slot.Slot[*models.ProcessedFrame], st store.Store, mirror bool, poll time.Duration, logger *slog.Logger) *bridge {
	return &bridge{
		in:     in,
		out:    out,
		store:  st,
		mirror: mirror && st != nil,
		poll:   poll,
		logger: logger.With("component", "bridge"),
	}
}

func (b *bridge) run(ctx context.Context) error {
	b.logger.Info("bridge started", "mirror", b.mirror)
	defer b.logger.Info("bridge stopped", "forwarded", b.forwarded.Load(), "dropped", b.dropped.Load())

	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, ok := b.in.TryTake()
		if !ok {
			if !backoff(ctx, b.poll) {
				return nil
			}
			continue
		}

		if !b.out.TryPut(frame) {
			b.dropped.Add(1)
			continue
		}
		b.forwarded.Add(1)
		b.observe(time.Now())

		if b.mirror {
			b.mirrorTimestamp(ctx, frame.Timestamp)
		}
	}
}

func (b *bridge) mirrorTimestamp(ctx context.Context, ts string) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	err := b.store.SetFields(ctx, store.StatusKey, map[string]string{store.FieldLastTimestamp: ts})
	if err != nil {
		b.mirrorErrors.Add(1)
		b.logger.Debug("timestamp mirror failed", "timestamp", ts, "error", err)
	}
}

// observe records the interval since the previous forwarded frame.
func (b *bridge) observe(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.last.IsZero() {
		d := now.Sub(b.last).Seconds()
		if len(b.intervals) < intervalWindow {
			b.intervals = append(b.intervals, d)
		} else {
			b.intervals[b.next] = d
			b.next = (b.next + 1) % intervalWindow
		}
	}
	b.last = now
}

func (b *bridge) stats() BridgeStats {
	s := BridgeStats{
		Forwarded:    b.forwarded.Load(),
		Dropped:      b.dropped.Load(),
		MirrorErrors: b.mirrorErrors.Load(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch len(b.intervals) {
	case 0:
	case 1:
		s.IntervalMean = seconds(b.intervals[0])
	default:
		mean, std := stat.MeanStdDev(b.intervals, nil)
		s.IntervalMean, s.IntervalStdDev = seconds(mean), seconds(std)
	}
	return s
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// backoff waits d, yielding instead when d is zero. It reports false once
// ctx is done.
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
