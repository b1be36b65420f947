package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/azimuthal"
	"pulsepipe/pkg/edges"
	"pulsepipe/pkg/ndarray"
	"pulsepipe/pkg/slot"
	"pulsepipe/pkg/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingIntegrator remembers every mask and config it is called with.
type recordingIntegrator struct {
	mu      sync.Mutex
	masks   []*ndarray.Bool
	configs []azimuthal.Config
	err     error
	panics  bool
}

func (r *recordingIntegrator) Integrate(img *ndarray.Float64, mask *ndarray.Bool, cfg azimuthal.Config) (azimuthal.Profile, error) {
	if r.panics {
		panic("boom")
	}
	r.mu.Lock()
	r.masks = append(r.masks, mask)
	r.configs = append(r.configs, cfg)
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return azimuthal.Profile{}, err
	}
	return azimuthal.RadialIntegrator{}.Integrate(img, mask, cfg)
}

func (r *recordingIntegrator) lastConfig() azimuthal.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configs[len(r.configs)-1]
}

// failingStore behaves like an unreachable remote store.
type failingStore struct{}

var errRefused = errors.New("connection refused")

func (failingStore) GetFields(context.Context, string) (map[string]string, error) {
	return nil, errRefused
}
func (failingStore) SetFields(context.Context, string, map[string]string) error { return errRefused }
func (failingStore) Delete(context.Context, string) error                       { return errRefused }
func (failingStore) Ping(context.Context) error                                 { return errRefused }
func (failingStore) Close() error                                               { return nil }

func newProcessor(t *testing.T, st store.Store, integ azimuthal.Integrator) (*Processor, *slot.Slot[*models.RawFrame], *slot.Slot[*models.ProcessedFrame]) {
	t.Helper()
	det, err := edges.NewCanny(edges.DefaultConfig())
	require.NoError(t, err)
	in := slot.New[*models.RawFrame](1)
	out := slot.New[*models.ProcessedFrame](1)
	opts := DefaultOptions()
	opts.Workers = 2
	p, err := New(in, out, st, integ, det, opts, discardLogger())
	require.NoError(t, err)
	return p, in, out
}

func rawFrame(ts string, pulses, h, w int, fill float64) *models.RawFrame {
	img := ndarray.NewFloat64(pulses, h, w)
	for i := range img.Data {
		img.Data[i] = fill + float64(i%w)
	}
	return &models.RawFrame{
		Metadata: map[string]string{models.TimestampKey: ts},
		Image:    img,
	}
}

func TestBuildMaskAllNaN(t *testing.T) {
	img := ndarray.NewFloat64(8, 8)
	for i := range img.Data {
		img.Data[i] = math.NaN()
	}
	mask := BuildMask(img, azimuthal.Default(), nil)
	assert.Equal(t, []int{8, 8}, mask.Shape)
	assert.Equal(t, 64, mask.Count())
}

func TestBuildMaskThresholdAndUserMask(t *testing.T) {
	img, err := ndarray.FromFloat64([]float64{-1, 0, 5, 11, 3, math.NaN()}, 2, 3)
	require.NoError(t, err)

	p := azimuthal.DefaultParams()
	p.Threshold = &azimuthal.Interval{Low: 0, High: 10}
	cfg, err := azimuthal.New(p)
	require.NoError(t, err)

	user := ndarray.NewBool(2, 3)
	user.Data[4] = true

	mask := BuildMask(img, cfg, user)
	assert.Equal(t, []bool{true, false, false, true, true, true}, mask.Data)
}

func TestAllNaNFrameReachesIntegratorFullyMasked(t *testing.T) {
	integ := &recordingIntegrator{}
	p, _, _ := newProcessor(t, nil, integ)

	raw := rawFrame("t0", 2, 16, 16, 0)
	for i := range raw.Image.Data {
		raw.Image.Data[i] = math.NaN()
	}

	frame, err := p.Process(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, integ.masks, 2)
	for _, m := range integ.masks {
		assert.Equal(t, 16*16, m.Count())
	}
	assert.Equal(t, "t0", frame.Timestamp)
}

func TestProcessShapes(t *testing.T) {
	p, _, _ := newProcessor(t, store.NewMemory(), azimuthal.RadialIntegrator{})

	frame, err := p.Process(context.Background(), rawFrame("2026-10-18T10:00:00Z", 2, 64, 64, 1))
	require.NoError(t, err)

	points := azimuthal.DefaultParams().Points
	assert.Equal(t, "2026-10-18T10:00:00Z", frame.Timestamp)
	assert.Equal(t, []int{64, 64}, frame.MeanImage.Shape)
	assert.Equal(t, []int{points}, frame.Momentum.Shape)
	assert.Equal(t, []int{2, points}, frame.Intensities.Shape)
	assert.Equal(t, []int{2, 64, 64}, frame.Edges.Shape)
	assert.Equal(t, 1.0, frame.MeanImage.Data[0])
	assert.Equal(t, 2.0, frame.MeanImage.Data[1])
}

func TestLiveConfigurationIsApplied(t *testing.T) {
	st := store.NewMemory()
	integ := &recordingIntegrator{}
	p, _, _ := newProcessor(t, st, integ)
	ctx := context.Background()

	require.NoError(t, st.SetFields(ctx, azimuthal.RecordKey, map[string]string{
		azimuthal.FieldPoints: "64",
		azimuthal.FieldMethod: "lut",
		azimuthal.FieldEnergy: "garbage",
	}))
	frame, err := p.Process(ctx, rawFrame("a", 1, 8, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 64}, frame.Intensities.Shape)
	assert.Equal(t, azimuthal.MethodLUT, integ.lastConfig().Method())
	assert.Equal(t, azimuthal.DefaultParams().Energy, integ.lastConfig().Energy(), "bad field falls back to default")

	// An invalid record is rejected whole; the last good config stays.
	require.NoError(t, st.SetFields(ctx, azimuthal.RecordKey, map[string]string{
		azimuthal.FieldRange: "5,1",
	}))
	_, err = p.Process(ctx, rawFrame("b", 1, 8, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, 64, integ.lastConfig().Points())
	assert.Equal(t, uint64(1), p.Stats().ConfigRejected)
}

// switchableStore is a memory store that can be taken offline.
type switchableStore struct {
	*store.Memory
	down atomic.Bool
}

func (s *switchableStore) GetFields(ctx context.Context, key string) (map[string]string, error) {
	if s.down.Load() {
		return nil, errRefused
	}
	return s.Memory.GetFields(ctx, key)
}

func TestStoreFailureUsesDefaults(t *testing.T) {
	integ := &recordingIntegrator{}
	p, _, _ := newProcessor(t, failingStore{}, integ)

	_, err := p.Process(context.Background(), rawFrame("a", 1, 8, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, azimuthal.DefaultParams().Points, integ.lastConfig().Points())
	assert.Equal(t, uint64(1), p.Stats().StoreReadErrors)
}

func TestLostRecordFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	defaults := azimuthal.DefaultParams().Points
	applied := func(st *switchableStore) {
		require.NoError(t, st.SetFields(ctx, azimuthal.RecordKey, map[string]string{azimuthal.FieldPoints: "64"}))
	}

	t.Run("record deleted", func(t *testing.T) {
		st := &switchableStore{Memory: store.NewMemory()}
		integ := &recordingIntegrator{}
		p, _, _ := newProcessor(t, st, integ)
		applied(st)
		_, err := p.Process(ctx, rawFrame("a", 1, 8, 8, 0))
		require.NoError(t, err)
		require.Equal(t, 64, integ.lastConfig().Points())

		require.NoError(t, st.Delete(ctx, azimuthal.RecordKey))
		_, err = p.Process(ctx, rawFrame("b", 1, 8, 8, 0))
		require.NoError(t, err)
		assert.Equal(t, defaults, integ.lastConfig().Points())
	})

	t.Run("store down", func(t *testing.T) {
		st := &switchableStore{Memory: store.NewMemory()}
		integ := &recordingIntegrator{}
		p, _, _ := newProcessor(t, st, integ)
		applied(st)
		_, err := p.Process(ctx, rawFrame("a", 1, 8, 8, 0))
		require.NoError(t, err)
		require.Equal(t, 64, integ.lastConfig().Points())

		st.down.Store(true)
		_, err = p.Process(ctx, rawFrame("b", 1, 8, 8, 0))
		require.NoError(t, err)
		assert.Equal(t, defaults, integ.lastConfig().Points())
		assert.Equal(t, uint64(1), p.Stats().StoreReadErrors)

		// Back online with an invalid record: the defaults now in effect stay.
		st.down.Store(false)
		require.NoError(t, st.SetFields(ctx, azimuthal.RecordKey, map[string]string{azimuthal.FieldRange: "5,1"}))
		_, err = p.Process(ctx, rawFrame("c", 1, 8, 8, 0))
		require.NoError(t, err)
		assert.Equal(t, defaults, integ.lastConfig().Points())
	})
}

func TestUserMaskShapeMismatchIgnored(t *testing.T) {
	st := store.NewMemory()
	integ := &recordingIntegrator{}
	p, _, _ := newProcessor(t, st, integ)

	wrong := ndarray.NewBool(3, 3)
	for i := range wrong.Data {
		wrong.Data[i] = true
	}
	require.NoError(t, st.SetFields(context.Background(), azimuthal.RecordKey, map[string]string{
		azimuthal.FieldUserMask: azimuthal.FormatMask(wrong),
	}))

	_, err := p.Process(context.Background(), rawFrame("a", 1, 8, 8, 0))
	require.NoError(t, err)
	require.Len(t, integ.masks, 1)
	assert.Equal(t, 0, integ.masks[0].Count())
}

func TestCollaboratorFailureDropsFrame(t *testing.T) {
	p, _, _ := newProcessor(t, nil, &recordingIntegrator{err: errors.New("integration diverged")})
	_, err := p.Process(context.Background(), rawFrame("a", 2, 8, 8, 0))
	assert.ErrorContains(t, err, "integration diverged")

	p, _, _ = newProcessor(t, nil, &recordingIntegrator{panics: true})
	_, err = p.Process(context.Background(), rawFrame("a", 2, 8, 8, 0))
	assert.ErrorContains(t, err, "panic")
}

func TestRunDropsFailedFramesAndContinues(t *testing.T) {
	integ := &recordingIntegrator{err: errors.New("bad frame")}
	p, in, out := newProcessor(t, nil, integ)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.True(t, in.TryPut(rawFrame("bad", 1, 8, 8, 0)))
	require.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, time.Millisecond)

	integ.mu.Lock()
	integ.err = nil
	integ.mu.Unlock()

	require.True(t, in.TryPut(rawFrame("good", 1, 8, 8, 0)))
	frame, err := out.TakeBlocking(ctx)
	require.NoError(t, err)
	assert.Equal(t, "good", frame.Timestamp)

	cancel()
	require.NoError(t, <-done)
}

// TestRunRetriesDeliveryInsteadOfDropping keeps the processed slot full
// and checks that the processed frame waits rather than being discarded.
func TestRunRetriesDeliveryInsteadOfDropping(t *testing.T) {
	p, in, out := newProcessor(t, nil, azimuthal.RadialIntegrator{})
	require.True(t, out.TryPut(&models.ProcessedFrame{Timestamp: "occupant"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.True(t, in.TryPut(rawFrame("waiting", 1, 8, 8, 0)))
	require.Eventually(t, func() bool { return in.Len() == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, p.Stats().Processed)

	first, ok := out.TryTake()
	require.True(t, ok)
	assert.Equal(t, "occupant", first.Timestamp)

	second, err := out.TakeBlocking(ctx)
	require.NoError(t, err)
	assert.Equal(t, "waiting", second.Timestamp)
}

func TestRejectsInvalidRawFrame(t *testing.T) {
	p, _, _ := newProcessor(t, nil, azimuthal.RadialIntegrator{})
	_, err := p.Process(context.Background(), &models.RawFrame{Image: ndarray.NewFloat64(4, 4)})
	assert.Error(t, err)
}
