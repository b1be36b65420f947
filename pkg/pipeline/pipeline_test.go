package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/azimuthal"
	"pulsepipe/pkg/config"
	"pulsepipe/pkg/dispatch"
	"pulsepipe/pkg/ndarray"
	"pulsepipe/pkg/slot"
	"pulsepipe/pkg/source"
	"pulsepipe/pkg/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pipeline.Pulses = 2
	cfg.Pipeline.Height = 64
	cfg.Pipeline.Width = 64
	cfg.Pipeline.Cadence = 10 * time.Millisecond
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.StatusInterval = 20 * time.Millisecond
	cfg.Pipeline.ShutdownTimeout = 2 * time.Second
	cfg.Responder.Hostname = "127.0.0.1"
	cfg.Responder.Port = 0

	p := azimuthal.DefaultParams()
	p.Points = 64
	p.CenterX, p.CenterY = 32, 32
	cfg.SetAzimuthal(p)
	return cfg
}

// recordingGenerator remembers every timestamp it emits.
type recordingGenerator struct {
	inner *source.PatternGenerator

	mu   sync.Mutex
	seen map[string]bool
}

func newRecordingGenerator(t *testing.T, shape source.Shape) *recordingGenerator {
	t.Helper()
	g, err := source.NewPatternGenerator(shape, 42)
	require.NoError(t, err)
	return &recordingGenerator{inner: g, seen: make(map[string]bool)}
}

func (g *recordingGenerator) Generate(seq uint64) (*models.RawFrame, error) {
	f, err := g.inner.Generate(seq)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.seen[f.Timestamp()] = true
	g.mu.Unlock()
	return f, nil
}

func (g *recordingGenerator) emitted(ts string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen[ts]
}

func startPipeline(t *testing.T, cfg *config.Config, st store.Store, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	p, err := New(cfg, st, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p
}

func dial(t *testing.T, p *Pipeline) *dispatch.Client {
	t.Helper()
	addr := p.Addr().String()
	c, err := dispatch.Dial(context.Background(), "ws://"+addr+"/")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEndToEnd(t *testing.T) {
	cfg := testConfig()
	st := store.NewMemory()
	gen := newRecordingGenerator(t, cfg.Shape())
	p := startPipeline(t, cfg, st, WithGenerator(gen))

	c := dial(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	frame, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{64, 64}, frame.MeanImage.Shape)
	assert.Equal(t, []int{64}, frame.Momentum.Shape)
	assert.Equal(t, []int{2, 64}, frame.Intensities.Shape)
	assert.Equal(t, []int{2, 64, 64}, frame.Edges.Shape)
	assert.True(t, gen.emitted(frame.Timestamp), "timestamp %q was never produced by the source", frame.Timestamp)

	require.Eventually(t, func() bool {
		fields, err := st.GetFields(ctx, store.StatusKey)
		return err == nil && fields[store.FieldLastTimestamp] != "" && fields[FieldRunID] == p.RunID()
	}, 5*time.Second, 10*time.Millisecond)

	s := p.Status()
	assert.True(t, s.Healthy(), "components: %v", s.Components)
	assert.NotZero(t, s.Uptime)
	assert.NotZero(t, s.Source.Generated)

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()), "Stop is idempotent")
	for name, h := range p.Status().Components {
		assert.Equal(t, Stopped, h, name)
	}
}

func TestConcurrentClients(t *testing.T) {
	cfg := testConfig()
	gen := newRecordingGenerator(t, cfg.Shape())
	p := startPipeline(t, cfg, store.NewMemory(), WithGenerator(gen))

	clients := []*dispatch.Client{dial(t, p), dial(t, p)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	got := make([]*models.ProcessedFrame, len(clients))
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := c.Next(ctx)
			if assert.NoError(t, err) {
				got[i] = f
			}
		}()
	}
	wg.Wait()

	require.NotNil(t, got[0])
	require.NotNil(t, got[1])
	assert.NotEqual(t, got[0].Timestamp, got[1].Timestamp, "each request takes its own frame")
	for _, f := range got {
		assert.True(t, gen.emitted(f.Timestamp))
	}
}

func TestStopBeforeStart(t *testing.T) {
	p, err := New(testConfig(), nil, WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrStarted)
	assert.Nil(t, p.Addr())
	assert.Equal(t, Pending, p.Status().Components[Source])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Azimuthal.Range = azimuthal.Interval{Low: 5, High: 1}
	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, azimuthal.ErrInvalidConfig)
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(uint64) (*models.RawFrame, error) {
	panic("detector unplugged")
}

func TestPanickingStageIsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.StatusInterval = 0
	p := startPipeline(t, cfg, nil, WithGenerator(panickingGenerator{}))

	require.Eventually(t, func() bool {
		return p.Status().Components[Source] == Failed
	}, 2*time.Second, time.Millisecond)

	s := p.Status()
	assert.False(t, s.Healthy())
	assert.Equal(t, Running, s.Components[Processor])
	assert.Equal(t, Running, s.Components[Bridge])
	assert.Equal(t, Running, s.Components[Responder])
	assert.NoError(t, p.Stop(context.Background()))
}

// stuckIntegrator never returns until released.
type stuckIntegrator struct {
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (s *stuckIntegrator) Integrate(img *ndarray.Float64, mask *ndarray.Bool, cfg azimuthal.Config) (azimuthal.Profile, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return azimuthal.RadialIntegrator{}.Integrate(img, mask, cfg)
}

func TestStopReportsStuckStage(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.StatusInterval = 0
	cfg.Pipeline.ShutdownTimeout = 50 * time.Millisecond
	integ := &stuckIntegrator{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(integ.release)

	p := startPipeline(t, cfg, nil, WithIntegrator(integ))
	select {
	case <-integ.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("integrator never called")
	}

	start := time.Now()
	err := p.Stop(context.Background())
	assert.ErrorContains(t, err, Processor)
	assert.NotContains(t, err.Error(), Source)
	assert.Less(t, time.Since(start), 2*time.Second, "Stop must not hang on a stuck stage")
	assert.Equal(t, err, p.Stop(context.Background()))
}

func TestBridgeDropsWhenDispatchFull(t *testing.T) {
	in := slot.New[*models.ProcessedFrame](1)
	out := slot.New[*models.ProcessedFrame](1)
	require.True(t, out.TryPut(&models.ProcessedFrame{Timestamp: "resident"}))

	st := store.NewMemory()
	b := newBridge(in, out, st, true, 0, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.run(ctx) }()

	require.True(t, in.TryPut(&models.ProcessedFrame{Timestamp: "late"}))
	require.Eventually(t, func() bool { return b.stats().Dropped == 1 }, time.Second, time.Millisecond)

	f, ok := out.TryTake()
	require.True(t, ok)
	assert.Equal(t, "resident", f.Timestamp, "a full buffer keeps its frame")

	require.True(t, in.TryPut(&models.ProcessedFrame{Timestamp: "fresh"}))
	f, err := out.TakeBlocking(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", f.Timestamp)

	require.Eventually(t, func() bool {
		fields, _ := st.GetFields(ctx, store.StatusKey)
		return fields[store.FieldLastTimestamp] == "fresh"
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), b.stats().Forwarded)
}

func TestBridgeIntervalStats(t *testing.T) {
	b := newBridge(nil, nil, nil, false, 0, discardLogger())
	t0 := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		b.observe(t0.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	s := b.stats()
	assert.InDelta(t, float64(100*time.Millisecond), float64(s.IntervalMean), float64(time.Microsecond))
	assert.InDelta(t, 0, float64(s.IntervalStdDev), float64(time.Microsecond))

	for i := 0; i < 2*intervalWindow; i++ {
		b.observe(t0.Add(time.Second + time.Duration(i)*10*time.Millisecond))
	}
	assert.Len(t, b.intervals, intervalWindow)
	assert.InDelta(t, float64(10*time.Millisecond), float64(b.stats().IntervalMean), float64(time.Microsecond))
}

func TestStatusFields(t *testing.T) {
	s := Status{
		RunID:      "run",
		Uptime:     1500 * time.Millisecond,
		Components: map[string]Health{Source: Running, Processor: Failed},
		Source:     source.Stats{Dropped: 3},
		Bridge:     BridgeStats{Forwarded: 7, Dropped: 2},
	}
	f := s.fields()
	assert.Equal(t, "run", f[FieldRunID])
	assert.Equal(t, "1.5s", f[FieldUptime])
	assert.Equal(t, "7", f[FieldDispatched])
	assert.Equal(t, "5", f[FieldDropped])
	assert.Equal(t, "running", f["source_state"])
	assert.Equal(t, "failed", f["processor_state"])
}
