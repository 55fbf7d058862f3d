// ABOUTME: In-memory job coordination service implementing Transport.
// ABOUTME: Used by tests across packages to drive the agent without a broker.

package jobs

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// FakeService answers job protocol requests published to it and emits
// next-job notifications. Replies are delivered synchronously to matching
// subscribers from inside Publish, without holding the service lock.
type FakeService struct {
	topics Topics

	mu       sync.Mutex
	subs     []fakeSub
	jobs     map[string]*fakeJob
	seq      int
	lastNext string
	updates  []Update
	claims   int

	rejectClaims  int
	rejectLists   int
	rejectUpdates map[string]bool
	silentClaims  bool
	publishErr    error
	subscribeErr  error
}

// Update is a status update received by FakeService.
type Update struct {
	JobID    string
	Status   Status
	Details  map[string]string
	Accepted bool
}

type fakeSub struct {
	filter  string
	handler func(string, []byte)
}

type fakeJob struct {
	id       string
	queuedAt int64
	seq      int
	status   Status
	details  map[string]string
	document json.RawMessage
	version  int64
}

type delivery struct {
	topic   string
	payload []byte
}

// NewFakeService creates an empty service for thingName.
func NewFakeService(thingName string) *FakeService {
	return &FakeService{
		topics:        NewTopics(thingName),
		jobs:          make(map[string]*fakeJob),
		rejectUpdates: make(map[string]bool),
	}
}

// AddJob queues a job. A notification is emitted if the next job changes.
func (f *FakeService) AddJob(id string, queuedAt int64, document string) {
	f.addJob(id, queuedAt, document, StatusQueued)
}

// AddInProgressJob adds a job that was already started by an earlier session.
func (f *FakeService) AddInProgressJob(id string, queuedAt int64, document string) {
	f.addJob(id, queuedAt, document, StatusInProgress)
}

func (f *FakeService) addJob(id string, queuedAt int64, document string, status Status) {
	f.mu.Lock()
	f.seq++
	f.jobs[id] = &fakeJob{
		id:       id,
		queuedAt: queuedAt,
		seq:      f.seq,
		status:   status,
		document: json.RawMessage(document),
		version:  1,
	}
	out := f.notifyLocked(false)
	f.mu.Unlock()

	f.deliver(out)
}

// Notify emits a next-job notification even if the next job is unchanged.
func (f *FakeService) Notify() {
	f.mu.Lock()
	out := f.notifyLocked(true)
	f.mu.Unlock()

	f.deliver(out)
}

// RejectClaims rejects the next n claim requests.
func (f *FakeService) RejectClaims(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectClaims = n
}

// RejectLists rejects the next n list-pending requests.
func (f *FakeService) RejectLists(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectLists = n
}

// RejectUpdates rejects every status update for jobID.
func (f *FakeService) RejectUpdates(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectUpdates[jobID] = true
}

// DropClaimReplies makes claim requests go unanswered.
func (f *FakeService) DropClaimReplies(drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silentClaims = drop
}

// FailPublish makes Publish return err. Pass nil to restore.
func (f *FakeService) FailPublish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// FailSubscribe makes Subscribe return err. Pass nil to restore.
func (f *FakeService) FailSubscribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

// Updates returns every status update received, in order.
func (f *FakeService) Updates() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.updates)
}

// UpdatesFor returns the statuses received for jobID, in order.
func (f *FakeService) UpdatesFor(jobID string) []Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Status
	for _, u := range f.updates {
		if u.JobID == jobID {
			out = append(out, u.Status)
		}
	}
	return out
}

// Status returns the current status of jobID, or "" if unknown.
func (f *FakeService) Status(jobID string) Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	if j, ok := f.jobs[jobID]; ok {
		return j.status
	}
	return ""
}

// Claims returns the number of claim requests received.
func (f *FakeService) Claims() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims
}

// Subscriptions returns the active subscription filters.
func (f *FakeService) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s.filter)
	}
	return out
}

// Subscribe implements Transport.
func (f *FakeService) Subscribe(_ context.Context, filter string, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subs = slices.DeleteFunc(f.subs, func(s fakeSub) bool { return s.filter == filter })
	f.subs = append(f.subs, fakeSub{filter: filter, handler: handler})
	return nil
}

// Unsubscribe implements Transport.
func (f *FakeService) Unsubscribe(_ context.Context, filters ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subs = slices.DeleteFunc(f.subs, func(s fakeSub) bool { return slices.Contains(filters, s.filter) })
	return nil
}

// Publish implements Transport by answering the request on the reply topics.
func (f *FakeService) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var req struct {
		ClientToken   string            `json:"clientToken"`
		Status        Status            `json:"status"`
		StatusDetails map[string]string `json:"statusDetails"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("fake service: malformed request on %s: %w", topic, err)
	}

	f.mu.Lock()
	if f.publishErr != nil {
		err := f.publishErr
		f.mu.Unlock()
		return err
	}

	var out []delivery
	switch {
	case topic == f.topics.GetPending():
		out = f.listLocked(topic, req.ClientToken)
	case topic == f.topics.StartNext():
		out = f.claimLocked(topic, req.ClientToken)
	case TopicMatches(f.topics.DescribeAny(), topic):
		out = f.describeLocked(topic, f.topics.JobIDFromTopic(topic), req.ClientToken)
	case TopicMatches(f.topics.UpdateAny(), topic):
		out = f.updateLocked(topic, f.topics.JobIDFromTopic(topic), req.ClientToken, req.Status, req.StatusDetails)
	}
	f.mu.Unlock()

	f.deliver(out)
	return nil
}

func (f *FakeService) listLocked(topic, token string) []delivery {
	if f.rejectLists > 0 {
		f.rejectLists--
		return reject(topic, token, "InternalError", "list unavailable")
	}

	resp := struct {
		ClientToken string    `json:"clientToken"`
		Timestamp   int64     `json:"timestamp"`
		InProgress  []Summary `json:"inProgressJobs"`
		Queued      []Summary `json:"queuedJobs"`
	}{ClientToken: token, Timestamp: time.Now().Unix(), InProgress: []Summary{}, Queued: []Summary{}}

	for _, j := range f.sortedLocked() {
		s := Summary{JobID: j.id, QueuedAt: j.queuedAt, VersionNumber: j.version, ExecutionNumber: 1}
		switch j.status {
		case StatusInProgress:
			resp.InProgress = append(resp.InProgress, s)
		case StatusQueued:
			resp.Queued = append(resp.Queued, s)
		}
	}
	return accept(topic, resp)
}

func (f *FakeService) claimLocked(topic, token string) []delivery {
	f.claims++

	if f.silentClaims {
		return nil
	}
	if f.rejectClaims > 0 {
		f.rejectClaims--
		return reject(topic, token, "InvalidStateTransition", "claim refused")
	}

	resp := struct {
		ClientToken string     `json:"clientToken"`
		Timestamp   int64      `json:"timestamp"`
		Execution   *Execution `json:"execution,omitempty"`
	}{ClientToken: token, Timestamp: time.Now().Unix()}

	if j := f.nextLocked(); j != nil {
		if j.status == StatusQueued {
			j.status = StatusInProgress
			j.version++
		}
		resp.Execution = f.executionLocked(j)
	}
	return accept(topic, resp)
}

func (f *FakeService) describeLocked(topic, jobID, token string) []delivery {
	j, ok := f.jobs[jobID]
	if !ok {
		return reject(topic, token, "ResourceNotFound", "job "+jobID+" not found")
	}

	return accept(topic, struct {
		ClientToken string     `json:"clientToken"`
		Timestamp   int64      `json:"timestamp"`
		Execution   *Execution `json:"execution"`
	}{ClientToken: token, Timestamp: time.Now().Unix(), Execution: f.executionLocked(j)})
}

func (f *FakeService) updateLocked(topic, jobID, token string, status Status, details map[string]string) []delivery {
	u := Update{JobID: jobID, Status: status, Details: maps.Clone(details)}

	j, ok := f.jobs[jobID]
	switch {
	case !ok:
		f.updates = append(f.updates, u)
		return reject(topic, token, "ResourceNotFound", "job "+jobID+" not found")
	case f.rejectUpdates[jobID]:
		f.updates = append(f.updates, u)
		return reject(topic, token, "InvalidRequest", "update refused")
	case j.status.Terminal() || status.rank() < j.status.rank():
		f.updates = append(f.updates, u)
		return reject(topic, token, "InvalidStateTransition",
			fmt.Sprintf("cannot move job %s from %s to %s", jobID, j.status, status))
	}

	j.status = status
	j.details = maps.Clone(details)
	j.version++
	u.Accepted = true
	f.updates = append(f.updates, u)

	out := accept(topic, map[string]any{
		"clientToken": token,
		"timestamp":   time.Now().Unix(),
		"executionState": map[string]any{
			"status":        j.status,
			"statusDetails": j.details,
			"versionNumber": j.version,
		},
	})
	return append(out, f.notifyLocked(false)...)
}

// notifyLocked emits notify-next when the next job changed, or always if forced.
func (f *FakeService) notifyLocked(force bool) []delivery {
	next := f.nextLocked()

	id := ""
	if next != nil {
		id = next.id
	}
	if !force && id == f.lastNext {
		return nil
	}
	f.lastNext = id

	msg := struct {
		Timestamp int64      `json:"timestamp"`
		Execution *Execution `json:"execution,omitempty"`
	}{Timestamp: time.Now().Unix()}
	if next != nil {
		msg.Execution = f.executionLocked(next)
	}

	payload, _ := json.Marshal(msg)
	return []delivery{{topic: f.topics.NotifyNext(), payload: payload}}
}

// nextLocked returns the oldest in-progress job, else the oldest queued job.
func (f *FakeService) nextLocked() *fakeJob {
	var queued *fakeJob
	for _, j := range f.sortedLocked() {
		if j.status == StatusInProgress {
			return j
		}
		if j.status == StatusQueued && queued == nil {
			queued = j
		}
	}
	return queued
}

func (f *FakeService) sortedLocked() []*fakeJob {
	out := slices.Collect(maps.Values(f.jobs))
	slices.SortFunc(out, func(a, b *fakeJob) int {
		if c := cmp.Compare(a.queuedAt, b.queuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

func (f *FakeService) executionLocked(j *fakeJob) *Execution {
	return &Execution{
		JobID:           j.id,
		Status:          j.status,
		StatusDetails:   maps.Clone(j.details),
		QueuedAt:        j.queuedAt,
		VersionNumber:   j.version,
		ExecutionNumber: 1,
		Document:        j.document,
	}
}

// deliver hands each message to every matching subscriber.
func (f *FakeService) deliver(out []delivery) {
	for _, d := range out {
		f.mu.Lock()
		var handlers []func(string, []byte)
		for _, s := range f.subs {
			if TopicMatches(s.filter, d.topic) {
				handlers = append(handlers, s.handler)
			}
		}
		f.mu.Unlock()

		for _, h := range handlers {
			h(d.topic, d.payload)
		}
	}
}

func accept(topic string, body any) []delivery {
	payload, _ := json.Marshal(body)
	return []delivery{{topic: Accepted(topic), payload: payload}}
}

func reject(topic, token, code, message string) []delivery {
	payload, _ := json.Marshal(map[string]any{
		"clientToken": token,
		"code":        code,
		"message":     message,
		"timestamp":   time.Now().Unix(),
	})
	return []delivery{{topic: Rejected(topic), payload: payload}}
}
