// ABOUTME: Tests for the job protocol client against the in-memory service.
// ABOUTME: Covers reply correlation, rejections, timeouts, and notifications.

package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testThing = "pump-7"

const rebootDoc = `{"steps":[{"action":{"name":"reboot"}}]}`

func newTestClient(svc *FakeService, timeout time.Duration) *Client {
	return NewClient(ClientParams{
		ThingName:      testThing,
		Transport:      svc,
		RequestTimeout: timeout,
		Logger:         slog.Default(),
	})
}

func TestClient_ListPending(t *testing.T) {
	svc := NewFakeService(testThing)
	svc.AddJob("j-queued", 20, rebootDoc)
	svc.AddInProgressJob("j-running", 10, rebootDoc)

	client := newTestClient(svc, time.Second)
	pending, err := client.ListPending(context.Background())
	require.NoError(t, err)

	require.Len(t, pending.InProgress, 1)
	assert.Equal(t, "j-running", pending.InProgress[0].JobID)
	assert.Equal(t, int64(10), pending.InProgress[0].QueuedAt)
	require.Len(t, pending.Queued, 1)
	assert.Equal(t, "j-queued", pending.Queued[0].JobID)

	// Both reply topics are subscribed before the request goes out
	subs := svc.Subscriptions()
	assert.Contains(t, subs, "$aws/things/pump-7/jobs/get/accepted")
	assert.Contains(t, subs, "$aws/things/pump-7/jobs/get/rejected")
}

func TestClient_ListPending_Empty(t *testing.T) {
	client := newTestClient(NewFakeService(testThing), time.Second)

	pending, err := client.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending.InProgress)
	assert.Empty(t, pending.Queued)
}

func TestClient_ListPending_Rejected(t *testing.T) {
	svc := NewFakeService(testThing)
	svc.RejectLists(1)
	client := newTestClient(svc, time.Second)

	_, err := client.ListPending(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "InternalError", rejected.Code)
	assert.NotEmpty(t, rejected.ClientToken)
	assert.Contains(t, string(rejected.Raw), "list unavailable")

	// The next request succeeds with the same subscriptions
	_, err = client.ListPending(context.Background())
	require.NoError(t, err)
}

func TestClient_Describe(t *testing.T) {
	svc := NewFakeService(testThing)
	svc.AddJob("j1", 5, `{"steps":[{"action":{"name":"app_update","input":{"version":"2.0"}}}]}`)
	client := newTestClient(svc, time.Second)

	exec, err := client.Describe(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", exec.JobID)
	assert.Equal(t, StatusQueued, exec.Status)

	action, err := exec.FirstAction()
	require.NoError(t, err)
	assert.Equal(t, "app_update", action.Name)
	assert.Equal(t, "2.0", action.Input["version"])
}

func TestClient_Describe_NotFound(t *testing.T) {
	client := newTestClient(NewFakeService(testThing), time.Second)

	_, err := client.Describe(context.Background(), "missing")
	require.Error(t, err)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "ResourceNotFound", rejected.Code)
	assert.Equal(t, "missing", rejected.JobID)
}

func TestClient_Describe_RequiresJobID(t *testing.T) {
	client := newTestClient(NewFakeService(testThing), time.Second)

	_, err := client.Describe(context.Background(), "")
	require.Error(t, err)
}

func TestClient_ClaimNext(t *testing.T) {
	svc := NewFakeService(testThing)
	svc.AddJob("late", 30, rebootDoc)
	svc.AddJob("early", 10, rebootDoc)
	client := newTestClient(svc, time.Second)

	exec, err := client.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, "early", exec.JobID)
	assert.Equal(t, StatusInProgress, exec.Status)
	assert.Equal(t, StatusInProgress, svc.Status("early"))
	assert.Equal(t, StatusQueued, svc.Status("late"))
}

func TestClient_ClaimNext_Nothing(t *testing.T) {
	client := newTestClient(NewFakeService(testThing), time.Second)

	exec, err := client.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, exec)
}

func TestClient_ClaimNext_Rejected(t *testing.T) {
	svc := NewFakeService(testThing)
	svc.AddJob("j1", 1, rebootDoc)
	svc.RejectClaims(1)
	client := newTestClient(svc, time.Second)

	_, err := client.ClaimNext(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, StatusQueued, svc.Status("j1"))
}

func TestClient_RequestTimeout(t *testing.T) {
	svc := NewFakeService(testThing)
	svc.DropClaimReplies(true)
	client := newTestClient(svc, 20*time.Millisecond)

	_, err := client.ClaimNext(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	client.mu.Lock()
	assert.Empty(t, client.pending, "timed out request must not stay pending")
	client.mu.Unlock()
}

func TestClient_SubscribeFailurePropagates(t *testing.T) {
	svc := NewFakeService(testThing)
	svc.FailSubscribe(errors.New("suback refused"))
	client := newTestClient(svc, time.Second)

	_, err := client.ListPending(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suback refused")
	assert.Empty(t, svc.Subscriptions())

	// Nothing was cached, so a later request subscribes again
	svc.FailSubscribe(nil)
	_, err = client.ListPending(context.Background())
	require.NoError(t, err)
}

func TestClient_PublishFailurePropagates(t *testing.T) {
	svc := NewFakeService(testThing)
	client := newTestClient(svc, time.Second)
	svc.FailPublish(errors.New("not connected"))

	_, err := client.ClaimNext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
	assert.Zero(t, svc.Claims())
}

func TestClient_IgnoresForeignReplies(t *testing.T) {
	svc := NewFakeService(testThing)
	client := newTestClient(svc, time.Second)

	_, err := client.ListPending(context.Background())
	require.NoError(t, err)

	// A reply for another client's token must not disturb anything
	svc.deliver(accept(client.Topics().GetPending(), map[string]any{"clientToken": "someone-else"}))
	svc.deliver([]delivery{{topic: Accepted(client.Topics().GetPending()), payload: []byte("not json")}})

	pending, err := client.ListPending(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, pending)
}

func TestClient_SubscribeNotifications(t *testing.T) {
	svc := NewFakeService(testThing)
	client := newTestClient(svc, time.Second)

	var got []*Execution
	require.NoError(t, client.SubscribeNotifications(context.Background(), func(e *Execution) {
		got = append(got, e)
	}))

	svc.AddJob("j1", 1, rebootDoc)
	require.Len(t, got, 1)
	require.NotNil(t, got[0])
	assert.Equal(t, "j1", got[0].JobID)

	// A second job behind j1 does not change the next job
	svc.AddJob("j2", 2, rebootDoc)
	assert.Len(t, got, 1)

	// Finishing j1 moves next to j2; finishing j2 reports none pending
	_, err := client.ClaimNext(context.Background())
	require.NoError(t, err)
	reporter := NewReporter(ReporterParams{ThingName: testThing, Transport: svc})
	require.NoError(t, reporter.PublishStatus(context.Background(), "j1", StatusSucceeded, nil))
	require.Len(t, got, 2)
	assert.Equal(t, "j2", got[1].JobID)

	_, err = client.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NoError(t, reporter.PublishStatus(context.Background(), "j2", StatusFailed, nil))
	require.Len(t, got, 3)
	assert.Nil(t, got[2])
}
