// ABOUTME: Request/response client for the job coordination service.
// ABOUTME: Correlates replies to requests by client token over publish/subscribe.

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the publish/subscribe surface the job protocol runs over.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(ctx context.Context, topics ...string) error
}

// ClientParams holds the dependencies for NewClient.
type ClientParams struct {
	ThingName string
	Transport Transport
	// RequestTimeout bounds each request. Zero waits for the caller's context only.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Client issues job protocol requests for one thing.
type Client struct {
	topics    Topics
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan reply

	// subMu serializes reply subscriptions so each filter is subscribed once.
	subMu   sync.Mutex
	replies map[string]bool
}

type reply struct {
	accepted bool
	payload  []byte
}

// NewClient creates a Client.
func NewClient(p ClientParams) *Client {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		topics:    NewTopics(p.ThingName),
		transport: p.Transport,
		timeout:   p.RequestTimeout,
		logger:    logger.With("component", "jobs.client"),
		pending:   make(map[string]chan reply),
		replies:   make(map[string]bool),
	}
}

// Topics returns the topic layout used by the client.
func (c *Client) Topics() Topics { return c.topics }

// ListPending returns the device's in-progress and queued job summaries.
func (c *Client) ListPending(ctx context.Context) (*Pending, error) {
	topic := c.topics.GetPending()

	var resp Pending
	if err := c.request(ctx, "list pending", "", topic, topic, map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Describe returns the execution of jobID including its document.
func (c *Client) Describe(ctx context.Context, jobID string) (*Execution, error) {
	if jobID == "" {
		return nil, errors.New("describe: job id is required")
	}

	body := map[string]any{"includeJobDocument": true}
	var resp struct {
		Execution *Execution `json:"execution"`
	}
	if err := c.request(ctx, "describe", jobID, c.topics.Describe(jobID), c.topics.DescribeAny(), body, &resp); err != nil {
		return nil, err
	}
	if resp.Execution == nil {
		return nil, fmt.Errorf("describe %s: reply has no execution", jobID)
	}
	return resp.Execution, nil
}

// ClaimNext asks the service to start the next pending job. It returns nil
// without error when there is nothing to run.
func (c *Client) ClaimNext(ctx context.Context) (*Execution, error) {
	topic := c.topics.StartNext()

	var resp struct {
		Execution *Execution `json:"execution"`
	}
	if err := c.request(ctx, "claim next", "", topic, topic, map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return resp.Execution, nil
}

// SubscribeNotifications delivers every next-job change notification to fn.
// The execution is nil when the service reports no next job.
func (c *Client) SubscribeNotifications(ctx context.Context, fn func(*Execution)) error {
	topic := c.topics.NotifyNext()

	return c.transport.Subscribe(ctx, topic, func(_ string, payload []byte) {
		var msg struct {
			Timestamp int64      `json:"timestamp"`
			Execution *Execution `json:"execution"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Error("discarding malformed notification", "topic", topic, "error", err)
			return
		}

		if msg.Execution != nil {
			c.logger.Debug("next job changed", "job_id", msg.Execution.JobID)
		} else {
			c.logger.Debug("next job changed", "job_id", "")
		}
		fn(msg.Execution)
	})
}

// request publishes body to topic and waits for the correlated reply on
// replyFilter's accepted or rejected channel.
func (c *Client) request(ctx context.Context, op, jobID, topic, replyFilter string, body map[string]any, out any) error {
	if err := c.ensureReplies(ctx, replyFilter); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	token := newClientToken()
	body["clientToken"] = token
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", op, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ch := c.createRequest(token)
	defer c.closeRequest(token)

	if err := c.transport.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	select {
	case r := <-ch:
		if !r.accepted {
			return parseRejection(op, jobID, r.payload)
		}
		if out != nil {
			if err := json.Unmarshal(r.payload, out); err != nil {
				return fmt.Errorf("%s: decoding reply: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: waiting for reply: %w", op, ctx.Err())
	}
}

// ensureReplies subscribes to the accepted and rejected channels of filter once.
func (c *Client) ensureReplies(ctx context.Context, filter string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.replies[filter] {
		return nil
	}

	if err := c.transport.Subscribe(ctx, Accepted(filter), c.handleReply(true)); err != nil {
		return err
	}
	if err := c.transport.Subscribe(ctx, Rejected(filter), c.handleReply(false)); err != nil {
		// Leave no half-registered reply family behind.
		_ = c.transport.Unsubscribe(ctx, Accepted(filter))
		return err
	}

	c.replies[filter] = true
	return nil
}

func (c *Client) createRequest(token string) <-chan reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan reply, 1)
	c.pending[token] = ch
	return ch
}

func (c *Client) closeRequest(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, token)
}

// handleReply routes a reply to the waiting request. Each token resolves once.
func (c *Client) handleReply(accepted bool) func(string, []byte) {
	return func(topic string, payload []byte) {
		var env struct {
			ClientToken string `json:"clientToken"`
		}
		if err := json.Unmarshal(payload, &env); err != nil || env.ClientToken == "" {
			c.logger.Debug("ignoring reply without client token", "topic", topic)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ClientToken]
		if ok {
			delete(c.pending, env.ClientToken)
		}
		c.mu.Unlock()

		if !ok {
			// Replies are broadcast to every subscriber of the thing.
			c.logger.Debug("reply for unknown request", "topic", topic, "client_token", env.ClientToken)
			return
		}
		ch <- reply{accepted: accepted, payload: payload}
	}
}

func newClientToken() string {
	return uuid.NewString()
}
