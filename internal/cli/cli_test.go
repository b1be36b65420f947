package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsepipe/pkg/config"
	"pulsepipe/pkg/store"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "component=test")

	_, err = NewLogger(&buf, "loud")
	assert.Error(t, err)
}

func TestOpenStoreRejectsRemoteHost(t *testing.T) {
	for _, kind := range []string{config.StoreMemory, config.StoreSQLite, config.StoreRemote} {
		_, err := OpenStore(context.Background(), StoreSettings{Kind: kind, Host: "10.1.2.3", Port: 6379})
		assert.ErrorIs(t, err, store.ErrRemoteHost, kind)
	}
}

func TestOpenStoreLocal(t *testing.T) {
	st, err := OpenStore(context.Background(), StoreSettings{Kind: config.StoreMemory, Host: "localhost"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	path := filepath.Join(t.TempDir(), "config.db")
	st, err = OpenStore(context.Background(), StoreSettings{Kind: config.StoreSQLite, Host: "127.0.0.1", Path: path})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = OpenStore(context.Background(), StoreSettings{Kind: "etcd", Host: "localhost"})
	assert.ErrorContains(t, err, "etcd")
}

func TestOpenStoreUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = OpenStore(context.Background(), StoreSettings{Kind: config.StoreRemote, Host: "127.0.0.1", Port: port})
	assert.Error(t, err)
}

func TestOpenStoreGivesUpAfterAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	var logs bytes.Buffer
	_, err = OpenStore(context.Background(), StoreSettings{
		Kind: config.StoreRemote, Host: "127.0.0.1", Port: port,
		Attempts: 3, RetryInterval: 10 * time.Millisecond,
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, 2, bytes.Count(logs.Bytes(), []byte("retrying")))
}

func TestOpenStoreWaitsForLateServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		late, err := net.Listen("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		store.NewServer(store.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil))).Serve(ctx, late)
	}()

	st, err := OpenStore(context.Background(), StoreSettings{
		Kind: config.StoreRemote, Host: "127.0.0.1", Port: port,
		Attempts: 20, RetryInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}
