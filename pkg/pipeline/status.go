package pipeline

import (
	"context"
	"strconv"
	"time"

	"pulsepipe/pkg/dispatch"
	"pulsepipe/pkg/processor"
	"pulsepipe/pkg/source"
	"pulsepipe/pkg/store"
)

// Health is the liveness of one component.
type Health int32

const (
	Pending Health = iota
	Running
	Stopped
	Failed
)

func (h Health) String() string {
	switch h {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status fields mirrored under store.StatusKey, next to
// store.FieldLastTimestamp.
const (
	FieldRunID      = "run_id"
	FieldUptime     = "uptime"
	FieldDispatched = "dispatched"
	FieldDropped    = "dropped"
	FieldServed     = "served"

	// component health is stored as "<component>_state"
	stateSuffix = "_state"
)

// Status is a point-in-time view of the pipeline.
type Status struct {
	RunID      string
	Uptime     time.Duration
	Components map[string]Health

	Source    source.Stats
	Processor processor.Stats
	Bridge    BridgeStats
	Responder dispatch.ResponderStats
}

// Healthy reports whether every component is running.
func (s Status) Healthy() bool {
	for _, h := range s.Components {
		if h != Running {
			return false
		}
	}
	return len(s.Components) > 0
}

// Status returns the current liveness and counters of every stage.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	started := p.started
	comps := make(map[string]Health, len(startOrder))
	for _, name := range startOrder {
		h := Pending
		if s := p.stages[name]; s != nil {
			h = Health(s.health.Load())
		}
		comps[name] = h
	}
	p.mu.Unlock()

	st := Status{
		RunID:      p.runID,
		Components: comps,
		Source:     p.source.Stats(),
		Processor:  p.processor.Stats(),
		Bridge:     p.bridge.stats(),
		Responder:  p.responder.Stats(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started)
	}
	return st
}

// fields renders s for the status record.
func (s Status) fields() map[string]string {
	f := map[string]string{
		FieldRunID:      s.RunID,
		FieldUptime:     s.Uptime.Round(time.Millisecond).String(),
		FieldDispatched: strconv.FormatUint(s.Bridge.Forwarded, 10),
		FieldDropped:    strconv.FormatUint(s.Source.Dropped+s.Bridge.Dropped, 10),
		FieldServed:     strconv.FormatUint(s.Responder.Served, 10),
	}
	for name, h := range s.Components {
		f[name+stateSuffix] = h.String()
	}
	return f
}

// report logs the status every StatusInterval and mirrors it into the
// store.
func (p *Pipeline) report(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Pipeline.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		s := p.Status()
		p.logger.Info("pipeline status",
			"healthy", s.Healthy(),
			"uptime", s.Uptime.Round(time.Second),
			"source", s.Components[Source],
			"processor", s.Components[Processor],
			"bridge", s.Components[Bridge],
			"responder", s.Components[Responder],
			"generated", s.Source.Generated,
			"source_dropped", s.Source.Dropped,
			"processed", s.Processor.Processed,
			"failed", s.Processor.Failed,
			"forwarded", s.Bridge.Forwarded,
			"bridge_dropped", s.Bridge.Dropped,
			"interval", s.Bridge.IntervalMean,
			"served", s.Responder.Served,
			"connections", s.Responder.Connections,
		)
		if p.store == nil {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		if err := p.store.SetFields(wctx, store.StatusKey, s.fields()); err != nil {
			p.logger.Debug("status mirror failed", "error", err)
		}
		cancel()
	}
}
