// Package store is the shared configuration store: string-keyed records of
// string fields, written by operators and read by the pipeline on every
// frame.
//
// Three implementations are provided. Memory keeps records in process,
// SQLite persists them in a local database file, and Client talks to a
// Server (usually `pulsestore serve`) on the loopback interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"strings"
	"sync"
)

// Well-known record keys.
const (
	// StatusKey holds pipeline observability fields mirrored by the orchestrator
	StatusKey = "pipeline_status"

	// FieldLastTimestamp is the timestamp of the last frame handed to dispatch
	FieldLastTimestamp = "last_timestamp"
)

// ErrRemoteHost is returned for store hosts that are not loopback.
var ErrRemoteHost = errors.New("remote configuration stores are not supported")

// Store reads and writes hash-like records.
type Store interface {
	// GetFields returns the fields of key, or an empty map if key is absent.
	GetFields(ctx context.Context, key string) (map[string]string, error)

	// SetFields writes fields into key, overwriting fields of the same name.
	// Writing the same fields twice has no further effect.
	SetFields(ctx context.Context, key string, fields map[string]string) error

	// Delete removes key and all its fields.
	Delete(ctx context.Context, key string) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// CheckLoopback rejects any host other than localhost or a loopback IP.
// Names are not resolved.
func CheckLoopback(host string) error {
	h := strings.Trim(host, "[]")
	if strings.EqualFold(h, "localhost") {
		return nil
	}
	if ip := net.ParseIP(h); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %q is not a loopback address", ErrRemoteHost, host)
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]string
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string]string)}
}

func (m *Memory) GetFields(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.records[key]))
	maps.Copy(out, m.records[key])
	return out, nil
}

func (m *Memory) SetFields(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		rec = make(map[string]string, len(fields))
		m.records[key] = rec
	}
	maps.Copy(rec, fields)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
