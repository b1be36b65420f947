// Package cli holds setup shared by the pulsepipe binaries.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"pulsepipe/pkg/config"
	"pulsepipe/pkg/store"
)

// StartupTimeout bounds each store connection attempt at startup.
const StartupTimeout = 5 * time.Second

// NewLogger returns a text logger writing to w at the named level
// (debug, info, warn, error).
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// StoreSettings selects and locates a configuration store.
type StoreSettings struct {
	Kind string
	Host string
	Port int
	Path string

	// Attempts is how many times to try reaching the store; below 1 means once
	Attempts int

	// RetryInterval is the pause between attempts
	RetryInterval time.Duration

	// Logger reports failed attempts; nil discards them
	Logger *slog.Logger
}

// OpenStore opens the configured store and checks it is reachable, retrying
// up to s.Attempts times. The host is checked for loopback whatever the
// kind, so a remote host is refused even when it would go unused.
func OpenStore(ctx context.Context, s StoreSettings) (store.Store, error) {
	if err := store.CheckLoopback(s.Host); err != nil {
		return nil, err
	}
	switch s.Kind {
	case config.StoreMemory, config.StoreSQLite, config.StoreRemote:
	default:
		return nil, fmt.Errorf("unknown store kind %q", s.Kind)
	}
	attempts := max(s.Attempts, 1)
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var err error
	for attempt := 1; ; attempt++ {
		var st store.Store
		if st, err = openOnce(ctx, s); err == nil {
			if attempt > 1 {
				logger.Info("config store reachable", "kind", s.Kind, "attempt", attempt)
			}
			return st, nil
		}
		if attempt == attempts {
			break
		}
		logger.Warn("config store not reachable, retrying",
			"kind", s.Kind, "attempt", attempt, "attempts", attempts, "retry_in", s.RetryInterval, "error", err)
		t := time.NewTimer(s.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("config store unreachable: %w", ctx.Err())
		case <-t.C:
		}
	}
	if attempts > 1 {
		return nil, fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return nil, err
}

func openOnce(ctx context.Context, s StoreSettings) (store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, StartupTimeout)
	defer cancel()

	var (
		st  store.Store
		err error
	)
	switch s.Kind {
	case config.StoreMemory:
		st = store.NewMemory()
	case config.StoreSQLite:
		st, err = store.OpenSQLite(s.Path)
	case config.StoreRemote:
		st, err = store.Dial(ctx, s.Host, s.Port)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("config store unreachable: %w", err)
	}
	return st, nil
}
