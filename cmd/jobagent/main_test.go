// ABOUTME: Tests for the agent process wiring, config path resolution, and console output
// ABOUTME: Runs the full lifecycle against the in-memory job service

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/jobagent/internal/config"
	"github.com/2389/jobagent/internal/jobs"
	"github.com/2389/jobagent/internal/journal"
	"github.com/2389/jobagent/internal/transport"
)

const testThing = "pump-7"

// fakeConn adapts the in-memory job service to a broker connection.
type fakeConn struct {
	*jobs.FakeService
	closed atomic.Bool
}

func (c *fakeConn) Close() { c.closed.Store(true) }

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()

	cfg, err := config.Parse(`
device:
  thing_name: `+testThing+`
broker:
  endpoint: localhost
connect:
  max_attempts: 2
  min_delay: 1ms
  max_delay: 2ms
jobs:
  request_timeout: 1s
  shutdown_grace: 1s
`+extra, ".yaml")
	require.NoError(t, err)
	return cfg
}

func noColor(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestGetConfigPath(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		t.Setenv("JOBAGENT_CONFIG", "/etc/env.yaml")
		root := newRootCmd()
		require.NoError(t, root.ParseFlags([]string{"--config", "/tmp/flag.toml"}))
		assert.Equal(t, "/tmp/flag.toml", getConfigPath(root))
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("JOBAGENT_CONFIG", "/etc/env.yaml")
		assert.Equal(t, "/etc/env.yaml", getConfigPath(newRootCmd()))
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("JOBAGENT_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, filepath.Join("/xdg", "jobagent", "agent.yaml"), getConfigPath(newRootCmd()))
	})

	t.Run("home directory", func(t *testing.T) {
		t.Setenv("JOBAGENT_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/device")
		assert.Equal(t, filepath.Join("/home/device", ".config", "jobagent", "agent.yaml"), getConfigPath(newRootCmd()))
	})
}

func TestRun_UnreachableBrokerStartsNothing(t *testing.T) {
	cfg := testConfig(t, "")

	var dials atomic.Int32
	dial := func(context.Context, string) (transport.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	err := run(context.Background(), cfg, slog.Default(), dial)
	require.Error(t, err)

	var connErr *transport.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 2, connErr.Attempts)
	assert.Equal(t, int32(2), dials.Load())
}

func TestRun_DrainsBacklogThenProcessesLiveJobs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	cfg := testConfig(t, "journal:\n  path: "+dbPath+"\n")

	svc := jobs.NewFakeService(testThing)
	svc.AddJob("old-2", 2, `{"steps":[{"action":{"name":"app_start"}}]}`)
	svc.AddInProgressJob("old-1", 1, `{"steps":[{"action":{"name":"reboot"}}]}`)
	conn := &fakeConn{FakeService: svc}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, slog.Default(), func(context.Context, string) (transport.Conn, error) {
			return conn, nil
		})
	}()

	require.Eventually(t, func() bool {
		return svc.Status("old-1") == jobs.StatusSucceeded && svc.Status("old-2") == jobs.StatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	// The runner subscribes after the drain; wait for it before queueing live work
	require.Eventually(t, func() bool {
		for _, s := range svc.Subscriptions() {
			if s == "$aws/things/"+testThing+"/jobs/notify-next" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	svc.AddJob("live-1", 3, `{"steps":[{"action":{"name":"app_restart"}}]}`)
	require.Eventually(t, func() bool { return svc.Status("live-1") == jobs.StatusSucceeded }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.True(t, conn.closed.Load(), "session is disconnected on shutdown")

	assert.Equal(t, []jobs.Status{jobs.StatusInProgress, jobs.StatusSucceeded}, svc.UpdatesFor("old-1"))
	assert.Equal(t, []jobs.Status{jobs.StatusInProgress, jobs.StatusSucceeded}, svc.UpdatesFor("old-2"))

	j, err := journal.Open(dbPath, nil)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "live-1", entries[0].JobID)
	assert.Equal(t, "continuous", entries[0].Mode)
}

func TestRun_UnknownConfiguredActionFails(t *testing.T) {
	cfg := testConfig(t, "actions:\n  format_disk:\n    command: [\"true\"]\n")

	err := run(context.Background(), cfg, slog.Default(), func(context.Context, string) (transport.Conn, error) {
		t.Fatal("must not connect with a bad action table")
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format_disk")
}

func TestColorHandler(t *testing.T) {
	noColor(t)

	var buf bytes.Buffer
	logger := slog.New(&colorHandler{out: &buf, mu: &sync.Mutex{}, level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With("component", "runner").Info("=== JOB CLAIMED ===", "job_id", "j1")
	logger.WithGroup("ack").Warn("refused", "code", "InvalidStateTransition")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF === JOB CLAIMED === component=runner job_id=j1\n")
	assert.Contains(t, out, "WRN refused ack.code=InvalidStateTransition\n")
}

func TestPrintHistory(t *testing.T) {
	noColor(t)

	var buf bytes.Buffer
	printHistory(&buf, nil)
	assert.Equal(t, "no executions recorded\n", buf.String())

	buf.Reset()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	printHistory(&buf, []journal.Entry{
		{JobID: "j2", Action: "app_update", Mode: "continuous", Status: "FAILED", Detail: "exit status 1", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)},
		{JobID: "j1", Action: "reboot", Mode: "drain", Status: "SUCCEEDED", StartedAt: start, FinishedAt: start},
	})

	out := buf.String()
	assert.Contains(t, out, "JOB")
	assert.Contains(t, out, "j2")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "exit status 1")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("j2")), bytes.Index(buf.Bytes(), []byte("j1")))
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "dev\n", buf.String())
}
