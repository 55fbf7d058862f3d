// ABOUTME: Establishes broker sessions with a fresh client identity per attempt.
// ABOUTME: Retries with a randomized delay and surfaces a fatal ConnectionError on exhaustion.

package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/2389/jobagent/internal/config"
)

// ErrConnection indicates the broker could not be reached within the retry budget.
var ErrConnection = errors.New("broker connection failed")

// ConnectionError is returned by Connect once every attempt has failed.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is reports ErrConnection so callers can match without a type assertion.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// Conn is an established broker connection.
type Conn interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Close()
}

// DialFunc opens one connection using the given client identity.
type DialFunc func(ctx context.Context, clientID string) (Conn, error)

// ManagerParams holds the dependencies for NewManager.
type ManagerParams struct {
	Broker  config.BrokerConfig
	Connect config.ConnectConfig
	// Dial overrides the MQTT dialer, mainly for tests.
	Dial   DialFunc
	Logger *slog.Logger
}

// Manager creates broker sessions.
type Manager struct {
	maxAttempts int
	minDelay    time.Duration
	maxDelay    time.Duration
	dial        DialFunc
	logger      *slog.Logger
}

// NewManager creates a Manager. Without a Dial override it connects over MQTT.
func NewManager(p ManagerParams) *Manager {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")

	dial := p.Dial
	if dial == nil {
		dial = NewMQTTDialer(p.Broker, logger)
	}

	attempts := p.Connect.MaxAttempts
	if attempts < 1 {
		attempts = config.DefaultMaxAttempts
	}

	return &Manager{
		maxAttempts: attempts,
		minDelay:    p.Connect.MinDelay,
		maxDelay:    p.Connect.MaxDelay,
		dial:        dial,
		logger:      logger,
	}
}

// Connect opens a session, retrying up to the configured number of attempts.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	var (
		session *Session
		attempt int
	)

	backoff := retry.WithMaxRetries(uint64(m.maxAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		return m.nextDelay(), false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		clientID := newClientID()

		conn, err := m.dial(ctx, clientID)
		if err != nil {
			m.logger.Error("broker connection attempt failed",
				"attempt", attempt,
				"max_attempts", m.maxAttempts,
				"client_id", clientID,
				"error", err,
			)
			return retry.RetryableError(err)
		}

		session = &Session{Conn: conn, ClientID: clientID, logger: m.logger}
		return nil
	})
	if err != nil {
		return nil, &ConnectionError{Attempts: attempt, Err: err}
	}

	m.logger.Info("connected to broker", "client_id", session.ClientID, "attempt", attempt)
	return session, nil
}

// newClientID builds an opaque identity unrelated to the thing name so a
// reconnect never collides with a prior session the broker is still draining.
func newClientID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// nextDelay draws a delay uniformly from [minDelay, maxDelay].
func (m *Manager) nextDelay() time.Duration {
	if m.maxDelay <= m.minDelay {
		return m.minDelay
	}
	return m.minDelay + time.Duration(rand.Int64N(int64(m.maxDelay-m.minDelay)+1))
}

// Session is a live broker connection shared by the job protocol client and
// the status reporter.
type Session struct {
	Conn
	ClientID string

	once   sync.Once
	logger *slog.Logger
}

// Disconnect closes the session. It is best-effort and safe to call more than once.
func (s *Session) Disconnect() {
	s.once.Do(func() {
		s.Conn.Close()
		s.logger.Info("disconnected from broker", "client_id", s.ClientID)
	})
}
