// ABOUTME: Tests for broker session establishment and retry behaviour.
// ABOUTME: Uses an injected dialer to simulate failing and recovering brokers.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/jobagent/internal/config"
)

// stubConn implements Conn and counts Close calls.
type stubConn struct {
	mu     sync.Mutex
	closed int
}

func (c *stubConn) Publish(context.Context, string, []byte) error { return nil }

func (c *stubConn) Subscribe(context.Context, string, func(string, []byte)) error { return nil }

func (c *stubConn) Unsubscribe(context.Context, ...string) error { return nil }

func (c *stubConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *stubConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// flakyDialer fails the first failures attempts and records client IDs.
type flakyDialer struct {
	mu        sync.Mutex
	failures  int
	clientIDs []string
	conn      *stubConn
}

func (d *flakyDialer) dial(_ context.Context, clientID string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clientIDs = append(d.clientIDs, clientID)
	if len(d.clientIDs) <= d.failures {
		return nil, errors.New("connection refused")
	}
	d.conn = &stubConn{}
	return d.conn, nil
}

func newTestManager(d *flakyDialer, attempts int) *Manager {
	return NewManager(ManagerParams{
		Connect: config.ConnectConfig{
			MaxAttempts: attempts,
			MinDelay:    time.Millisecond,
			MaxDelay:    3 * time.Millisecond,
		},
		Dial:   d.dial,
		Logger: slog.Default(),
	})
}

func TestConnect_FirstAttempt(t *testing.T) {
	d := &flakyDialer{}
	m := newTestManager(d, 5)

	session, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Len(t, d.clientIDs, 1)
	assert.Equal(t, d.clientIDs[0], session.ClientID)
}

func TestConnect_RecoversAfterFailures(t *testing.T) {
	d := &flakyDialer{failures: 2}
	m := newTestManager(d, 5)

	session, err := m.Connect(context.Background())
	require.NoError(t, err)

	require.Len(t, d.clientIDs, 3)
	assert.Equal(t, d.clientIDs[2], session.ClientID)

	// Each attempt uses a fresh identity
	seen := map[string]bool{}
	for _, id := range d.clientIDs {
		assert.False(t, seen[id], "client id %s reused", id)
		seen[id] = true
		assert.Len(t, id, 32)
	}
}

func TestConnect_ExhaustsRetries(t *testing.T) {
	d := &flakyDialer{failures: 100}
	m := newTestManager(d, 5)

	session, err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Nil(t, session)

	assert.True(t, errors.Is(err, ErrConnection))
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 5, connErr.Attempts)
	assert.Contains(t, connErr.Error(), "connection refused")
	assert.Len(t, d.clientIDs, 5)
}

func TestConnect_ContextCancelled(t *testing.T) {
	d := &flakyDialer{failures: 100}
	m := NewManager(ManagerParams{
		Connect: config.ConnectConfig{MaxAttempts: 5, MinDelay: time.Hour, MaxDelay: time.Hour},
		Dial:    d.dial,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Len(t, d.clientIDs, 1)
}

func TestSession_DisconnectIdempotent(t *testing.T) {
	d := &flakyDialer{}
	m := newTestManager(d, 1)

	session, err := m.Connect(context.Background())
	require.NoError(t, err)

	session.Disconnect()
	session.Disconnect()

	assert.Equal(t, 1, d.conn.closeCount())
}

func TestNextDelay_WithinBounds(t *testing.T) {
	m := NewManager(ManagerParams{
		Connect: config.ConnectConfig{MaxAttempts: 5, MinDelay: time.Second, MaxDelay: 5 * time.Second},
		Dial:    (&flakyDialer{}).dial,
	})

	for i := 0; i < 500; i++ {
		d := m.nextDelay()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestNextDelay_FixedWhenBoundsEqual(t *testing.T) {
	m := NewManager(ManagerParams{
		Connect: config.ConnectConfig{MaxAttempts: 1, MinDelay: 2 * time.Second, MaxDelay: 2 * time.Second},
		Dial:    (&flakyDialer{}).dial,
	})
	assert.Equal(t, 2*time.Second, m.nextDelay())
}

func TestLoadTLSConfig(t *testing.T) {
	t.Run("no files configured", func(t *testing.T) {
		cfg, err := loadTLSConfig(config.BrokerConfig{Endpoint: "broker.local"})
		require.NoError(t, err)
		assert.Equal(t, "broker.local", cfg.ServerName)
		assert.Empty(t, cfg.Certificates)
		assert.Nil(t, cfg.RootCAs)
	})

	t.Run("missing client certificate", func(t *testing.T) {
		dir := t.TempDir()
		_, err := loadTLSConfig(config.BrokerConfig{
			Endpoint: "broker.local",
			CertFile: filepath.Join(dir, "missing.crt"),
			KeyFile:  filepath.Join(dir, "missing.key"),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading client certificate")
	})

	t.Run("missing CA bundle", func(t *testing.T) {
		_, err := loadTLSConfig(config.BrokerConfig{
			Endpoint: "broker.local",
			CAFile:   filepath.Join(t.TempDir(), "missing.pem"),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading CA bundle")
	})
}
