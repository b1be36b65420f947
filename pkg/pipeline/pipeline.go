// Package pipeline wires the stages together and owns their lifecycles.
//
// A Pipeline owns three slots: raw (source to processor), processed
// (processor to bridge) and the dispatch buffer (bridge to responder). The
// bridge moves processed frames into the dispatch buffer with the same
// drop-on-backpressure policy as the source: when the buffer is full the
// newer frame is discarded.
//
// Every stage runs in its own goroutine under its own context so that Stop
// can wind the pipeline down front to back: responder first, so no client
// is left waiting on a buffer nobody fills, then bridge, processor and
// source.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/azimuthal"
	"pulsepipe/pkg/config"
	"pulsepipe/pkg/dispatch"
	"pulsepipe/pkg/edges"
	"pulsepipe/pkg/processor"
	"pulsepipe/pkg/slot"
	"pulsepipe/pkg/source"
	"pulsepipe/pkg/store"
)

// Component names, in startup order.
const (
	Source    = "source"
	Processor = "processor"
	Bridge    = "bridge"
	Responder = "responder"
)

var startOrder = []string{Source, Processor, Bridge, Responder}

// ErrStarted is returned by a second Start.
var ErrStarted = errors.New("pipeline already started")

// mirrorTimeout bounds each status write to the store.
const mirrorTimeout = 250 * time.Millisecond

type option struct {
	logger     *slog.Logger
	generator  source.Generator
	integrator azimuthal.Integrator
	detector   edges.Detector
	listener   net.Listener
}

// Option customizes a Pipeline.
type Option func(*option)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *option) { o.logger = l } }

// WithGenerator replaces the synthetic ring generator.
func WithGenerator(g source.Generator) Option { return func(o *option) { o.generator = g } }

// WithIntegrator replaces the radial integrator.
func WithIntegrator(i azimuthal.Integrator) Option { return func(o *option) { o.integrator = i } }

// WithDetector replaces the Canny edge detector.
func WithDetector(d edges.Detector) Option { return func(o *option) { o.detector = d } }

// WithListener serves the responder on ln instead of binding
// Responder.Hostname:Port at Start.
func WithListener(ln net.Listener) Option { return func(o *option) { o.listener = ln } }

// Pipeline runs the source, processor, bridge and responder.
type Pipeline struct {
	cfg    *config.Config
	store  store.Store
	logger *slog.Logger
	runID  string

	raw       *slot.Slot[*models.RawFrame]
	processed *slot.Slot[*models.ProcessedFrame]
	dispatch  *slot.Slot[*models.ProcessedFrame]

	source    *source.Source
	processor *processor.Processor
	responder *dispatch.Responder
	bridge    *bridge
	listener  net.Listener

	mu      sync.Mutex
	stages  map[string]*stage
	started time.Time
	stopErr error

	startOnce sync.Once
	stopOnce  sync.Once
	reporter  *stage
}

// New validates cfg and builds every component. st may be nil, in which
// case the processor uses the configured defaults and nothing is mirrored.
func New(cfg *config.Config, st store.Store, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := option{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pipeline{
		cfg:       cfg,
		store:     st,
		runID:     uuid.NewString(),
		raw:       slot.New[*models.RawFrame](slot.DefaultCapacity),
		processed: slot.New[*models.ProcessedFrame](slot.DefaultCapacity),
		dispatch:  slot.New[*models.ProcessedFrame](cfg.Pipeline.DispatchCapacity),
		listener:  o.listener,
		stages:    make(map[string]*stage),
	}
	p.logger = o.logger.With("run", p.runID)

	if o.generator == nil {
		gen, err := source.NewPatternGenerator(cfg.Shape(), uint64(time.Now().UnixNano()))
		if err != nil {
			return nil, err
		}
		gen.DeadPixelFraction = cfg.Pipeline.DeadPixelFraction
		if gen.Pattern, err = source.ParsePattern(cfg.Pipeline.Pattern); err != nil {
			return nil, err
		}
		o.generator = gen
	}
	if o.integrator == nil {
		o.integrator = azimuthal.RadialIntegrator{}
	}
	if o.detector == nil {
		det, err := edges.NewCanny(cfg.Edges)
		if err != nil {
			return nil, err
		}
		o.detector = det
	}

	defaults, err := cfg.AzimuthalParams()
	if err != nil {
		return nil, err
	}
	popts := processor.DefaultOptions()
	popts.Workers = cfg.Pipeline.Workers
	popts.PollInterval = cfg.Pipeline.PollInterval
	popts.Defaults = defaults

	compression, err := cfg.CompressionCodec()
	if err != nil {
		return nil, err
	}

	p.source = source.New(o.generator, p.raw, cfg.Pipeline.Cadence, p.logger)
	if p.processor, err = processor.New(p.raw, p.processed, st,
		o.integrator, o.detector, popts, p.logger); err != nil {
		return nil, err
	}
	p.bridge = newBridge(p.processed, p.dispatch, st, cfg.Pipeline.MirrorTimestamp, cfg.Pipeline.PollInterval, p.logger)
	p.responder = dispatch.NewResponder(p.dispatch, compression, p.logger)
	return p, nil
}

// Start binds the responder (unless a listener was supplied) and starts the
// stages: source, processor and bridge, then the responder. ctx only
// bounds startup; the stages run until Stop.
func (p *Pipeline) Start(ctx context.Context) error {
	err := ErrStarted
	p.startOnce.Do(func() { err = p.start(ctx) })
	return err
}

func (p *Pipeline) start(ctx context.Context) error {
	if p.listener == nil {
		addr := net.JoinHostPort(p.cfg.Responder.Hostname, strconv.Itoa(p.cfg.Responder.Port))
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("bind responder: %w", err)
		}
		p.listener = ln
	}

	p.mu.Lock()
	p.started = time.Now()
	p.mu.Unlock()

	p.logger.Info("pipeline starting",
		"shape", p.cfg.Shape(), "cadence", p.cfg.Pipeline.Cadence,
		"dispatch_capacity", p.dispatch.Cap(), "addr", p.listener.Addr().String())

	p.launch(Source, p.source.Run)
	p.launch(Processor, p.processor.Run)
	p.launch(Bridge, p.bridge.run)
	p.launch(Responder, func(ctx context.Context) error {
		return p.responder.Serve(ctx, p.listener)
	})

	if p.cfg.Pipeline.StatusInterval > 0 {
		p.reporter = p.goStage("status", p.report)
	}
	return nil
}

// launch starts fn as the named stage.
func (p *Pipeline) launch(name string, fn func(context.Context) error) {
	s := p.goStage(name, fn)
	p.mu.Lock()
	p.stages[name] = s
	p.mu.Unlock()
}

// goStage runs fn in its own goroutine. A panic or error marks the stage
// failed and leaves the other stages running.
func (p *Pipeline) goStage(name string, fn func(context.Context) error) *stage {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stage{name: name, cancel: cancel, done: make(chan struct{})}
	s.health.Store(int32(Running))

	go func() {
		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.health.Store(int32(Failed))
				p.logger.Error("stage panicked", "component", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		if err := fn(ctx); err != nil {
			s.health.Store(int32(Failed))
			p.logger.Error("stage failed", "component", name, "error", err)
			return
		}
		s.health.Store(int32(Stopped))
	}()
	return s
}

// Stop winds the stages down in reverse dependency order, giving each up
// to ShutdownTimeout (or until ctx ends) to return. A stage that does not
// return in time is reported in the error and left behind. Stop is safe
// to call more than once; later calls return the first result.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.startOnce.Do(func() {})

		var errs []error
		if p.reporter != nil {
			if err := p.join(ctx, p.reporter); err != nil {
				errs = append(errs, err)
			}
		}
		for i := len(startOrder) - 1; i >= 0; i-- {
			p.mu.Lock()
			s := p.stages[startOrder[i]]
			p.mu.Unlock()
			if s == nil {
				continue
			}
			if err := p.join(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}

		p.mu.Lock()
		p.stopErr = errors.Join(errs...)
		p.mu.Unlock()
		p.logger.Info("pipeline stopped", "error", p.stopErr)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopErr
}

func (p *Pipeline) join(ctx context.Context, s *stage) error {
	s.cancel()
	t := time.NewTimer(p.cfg.Pipeline.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-s.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	p.logger.Warn("stage did not stop in time", "component", s.name, "timeout", p.cfg.Pipeline.ShutdownTimeout)
	return fmt.Errorf("%s did not stop within %v", s.name, p.cfg.Pipeline.ShutdownTimeout)
}

// Addr returns the responder address, or nil before Start.
func (p *Pipeline) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil || p.started.IsZero() {
		return nil
	}
	return p.listener.Addr()
}

// RunID identifies this pipeline instance in logs and in the status record.
func (p *Pipeline) RunID() string { return p.runID }

// stage is one supervised goroutine.
type stage struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	health atomic.Int32
}
