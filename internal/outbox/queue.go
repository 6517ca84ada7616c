// Package outbox is the reliability queue of the messaging core: every
// accepted outbound message is attempted until acknowledged, retried out,
// or evicted as stale. Delivery is at-least-once; the server deduplicates
// on the client TempID, so duplicates on the wire are harmless.
package outbox

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kumaruseru/special-sub000/internal/bus"
	"github.com/kumaruseru/special-sub000/internal/model"
	"github.com/kumaruseru/special-sub000/internal/store"
	"github.com/kumaruseru/special-sub000/internal/transport"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Enqueue after Stop.
	ErrClosed = errors.New("outbox: closed")
	// ErrDuplicate is returned when a TempID is already queued.
	ErrDuplicate = errors.New("outbox: message already queued")
)

// Priority orders messages within the send queue.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Deliverer is one delivery path for an outbound message. Deliver blocks
// until the server acknowledges, rejects, or the ack deadline passes
// (transport.ErrAckTimeout).
type Deliverer interface {
	Deliver(ctx context.Context, msg *model.Message) (serverID string, err error)
}

// ReadyFunc reports whether the primary (socket) path may carry traffic.
type ReadyFunc func() bool

type entryState int

const (
	stateQueued entryState = iota
	stateSending
	stateRetryWait
)

// Entry is a queued message plus its delivery metadata. It exists only
// until the message is acknowledged or permanently failed.
type Entry struct {
	Message     *model.Message
	Priority    Priority
	Attempts    int
	QueuedAt    time.Time
	LastAttempt time.Time
	RetryAt     time.Time
	Timeout     time.Duration
	LastError   string

	state entryState
	order uint64 // FIFO position within a priority band
}

// Options holds the queue timing and retry parameters.
type Options struct {
	SendInterval       time.Duration
	RetryInterval      time.Duration
	AckSweepInterval   time.Duration
	StaleSweepInterval time.Duration
	MaxRetries         int
	BaseDelay          time.Duration
	BackoffFactor      float64
	MaxDelay           time.Duration
	Jitter             float64 // fraction of BaseDelay, e.g. 0.1
	MaxAge             time.Duration
	BatchSize          int
	AckTimeout         time.Duration
}

// DefaultOptions returns the default queue settings.
func DefaultOptions() Options {
	return Options{
		SendInterval:       100 * time.Millisecond,
		RetryInterval:      time.Second,
		AckSweepInterval:   5 * time.Second,
		StaleSweepInterval: 30 * time.Second,
		MaxRetries:         5,
		BaseDelay:          time.Second,
		BackoffFactor:      2,
		MaxDelay:           30 * time.Second,
		Jitter:             0.1,
		MaxAge:             5 * time.Minute,
		BatchSize:          3,
		AckTimeout:         10 * time.Second,
	}
}

// EnqueueOptions customize a single message.
type EnqueueOptions struct {
	Priority Priority
	Timeout  time.Duration // ack timeout for this message; 0 = default
}

// Queue is the reliability queue. Socket delivery is preferred whenever
// ready(); otherwise the fallback path (HTTP) is attempted. Acknowledged
// messages are confirmed in the message store in place.
type Queue struct {
	messages *store.Messages
	bus      *bus.Bus
	logger   *zap.Logger
	clock    Clock
	opts     Options

	socket   Deliverer
	ready    ReadyFunc
	fallback Deliverer // may be nil

	mu       sync.Mutex
	entries  map[string]*Entry // keyed by TempID
	nextSeq  uint64
	inflight int
	closed   bool
	cancel   context.CancelFunc
	rng      *rand.Rand
}

// New creates a queue draining into the given delivery paths.
func New(messages *store.Messages, b *bus.Bus, logger *zap.Logger, socket Deliverer, ready ReadyFunc, fallback Deliverer, clock Clock, opts Options) *Queue {
	if clock == nil {
		clock = SystemClock()
	}
	if opts.MaxRetries == 0 {
		opts = DefaultOptions()
	}
	return &Queue{
		messages: messages,
		bus:      b,
		logger:   logger,
		clock:    clock,
		opts:     opts,
		socket:   socket,
		ready:    ready,
		fallback: fallback,
		entries:  make(map[string]*Entry),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue accepts a message for delivery. Non-blocking: the send loop
// picks it up on the next tick.
func (q *Queue) Enqueue(msg *model.Message, opts EnqueueOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = q.opts.AckTimeout
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.entries[msg.TempID]; ok {
		return ErrDuplicate
	}
	q.nextSeq++
	q.entries[msg.TempID] = &Entry{
		Message:  msg,
		Priority: opts.Priority,
		QueuedAt: q.clock.Now(),
		Timeout:  opts.Timeout,
		state:    stateQueued,
		order:    q.nextSeq,
	}
	return nil
}

// Len returns the number of live entries (any state).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Start begins the processing loops. All tickers stop together when the
// context is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()
	go q.loop(ctx)
}

// Stop halts processing and rejects further enqueues.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *Queue) loop(ctx context.Context) {
	send := time.NewTicker(q.opts.SendInterval)
	retry := time.NewTicker(q.opts.RetryInterval)
	ackSweep := time.NewTicker(q.opts.AckSweepInterval)
	staleSweep := time.NewTicker(q.opts.StaleSweepInterval)
	defer send.Stop()
	defer retry.Stop()
	defer ackSweep.Stop()
	defer staleSweep.Stop()

	for {
		select {
		case <-send.C:
			q.processSend(ctx)
		case <-retry.C:
			q.processRetries()
		case <-ackSweep.C:
			q.sweepStuckSends()
		case <-staleSweep.C:
			q.sweepStale()
		case <-ctx.Done():
			return
		}
	}
}

// processSend launches delivery attempts for due entries, priority
// descending and FIFO within a band, bounded by the in-flight cap.
func (q *Queue) processSend(ctx context.Context) {
	now := q.clock.Now()

	// With the socket down and no fallback path there is nothing worth
	// attempting: entries stay queued (not retried out) until the
	// connection returns or the stale sweep evicts them.
	if !q.socketReady() && q.fallback == nil {
		return
	}

	q.mu.Lock()
	budget := q.opts.BatchSize - q.inflight
	if budget <= 0 {
		q.mu.Unlock()
		return
	}
	var due []*Entry
	for _, e := range q.entries {
		if e.state == stateQueued {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].order < due[j].order
	})
	if len(due) > budget {
		due = due[:budget]
	}
	for _, e := range due {
		e.state = stateSending
		e.Attempts++
		e.LastAttempt = now
		q.inflight++
	}
	q.mu.Unlock()

	for _, e := range due {
		go q.attempt(ctx, e)
	}
}

func (q *Queue) attempt(ctx context.Context, e *Entry) {
	defer func() {
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
	}()

	deliverer := q.socket
	path := "socket"
	if !q.socketReady() {
		if q.fallback == nil {
			// Connection dropped between dequeue and attempt. Put the
			// entry back without charging an attempt.
			q.mu.Lock()
			e.Attempts--
			e.state = stateQueued
			q.mu.Unlock()
			return
		}
		deliverer = q.fallback
		path = "http"
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	serverID, err := deliverer.Deliver(ctx, e.Message)
	switch {
	case err == nil:
		q.acknowledge(e, serverID)
	case errors.Is(err, transport.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		// Ambiguous outcome: the server may or may not have processed
		// the send. Mark it sent; a real loss surfaces on the next sync.
		q.logger.Warn("ack timed out, assuming delivered",
			zap.String("temp_id", e.Message.TempID),
			zap.String("path", path),
			zap.Int("attempts", e.Attempts))
		q.acknowledge(e, "")
	default:
		q.logger.Warn("delivery attempt failed",
			zap.String("temp_id", e.Message.TempID),
			zap.String("path", path),
			zap.Int("attempts", e.Attempts),
			zap.Error(err))
		q.scheduleRetry(e, err)
	}
}

// acknowledge finalizes a delivered entry: the store record is confirmed
// (re-keyed to the server id when one is known) and the entry removed.
func (q *Queue) acknowledge(e *Entry, serverID string) {
	q.mu.Lock()
	delete(q.entries, e.Message.TempID)
	q.mu.Unlock()

	q.messages.Confirm(e.Message.TempID, serverID, model.StatusSent)
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageAcked,
		Timestamp: time.Now(),
		Payload: bus.MessageRef{
			ConversationID: e.Message.ConversationID,
			MessageID:      serverID,
			TempID:         e.Message.TempID,
		},
	})
}

// scheduleRetry either re-arms the entry with a backoff delay or, once
// attempts are exhausted, fails it terminally.
func (q *Queue) scheduleRetry(e *Entry, cause error) {
	if e.Attempts >= q.opts.MaxRetries {
		q.fail(e, cause)
		return
	}
	delay := q.retryDelay(e.Attempts)
	q.mu.Lock()
	e.state = stateRetryWait
	e.RetryAt = q.clock.Now().Add(delay)
	e.LastError = cause.Error()
	q.mu.Unlock()

	q.logger.Info("retry scheduled",
		zap.String("temp_id", e.Message.TempID),
		zap.Int("attempt", e.Attempts),
		zap.Duration("delay", delay))
}

func (q *Queue) fail(e *Entry, cause error) {
	q.mu.Lock()
	delete(q.entries, e.Message.TempID)
	q.mu.Unlock()

	q.messages.SetStatus(e.Message.Key(), model.StatusFailed)
	q.logger.Error("message failed permanently",
		zap.String("temp_id", e.Message.TempID),
		zap.Int("attempts", e.Attempts),
		zap.Error(cause))
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageFailed,
		Timestamp: time.Now(),
		Payload: bus.MessageRef{
			ConversationID: e.Message.ConversationID,
			TempID:         e.Message.TempID,
			Error:          cause.Error(),
		},
	})
}

// retryDelay computes the backoff before attempt n+1, given n completed
// attempts: min(base * factor^(n-1) + jitter, max). MaxDelay caps the
// jittered value, not just the exponential term.
func (q *Queue) retryDelay(attempts int) time.Duration {
	delay := float64(q.opts.BaseDelay)
	for i := 1; i < attempts; i++ {
		delay *= q.opts.BackoffFactor
		if delay >= float64(q.opts.MaxDelay) {
			delay = float64(q.opts.MaxDelay)
			break
		}
	}
	if q.opts.Jitter > 0 {
		q.mu.Lock()
		jitter := q.rng.Float64() * q.opts.Jitter * float64(q.opts.BaseDelay)
		q.mu.Unlock()
		delay += jitter
	}
	if delay > float64(q.opts.MaxDelay) {
		delay = float64(q.opts.MaxDelay)
	}
	return time.Duration(delay)
}

func (q *Queue) socketReady() bool {
	return q.ready == nil || q.ready()
}

// processRetries moves entries whose backoff has elapsed back into the
// send queue.
func (q *Queue) processRetries() {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.state == stateRetryWait && !now.Before(e.RetryAt) {
			e.state = stateQueued
		}
	}
}

// sweepStuckSends is the safety net for sends whose delivery goroutine
// never resolved (e.g. a hung write). Anything in-flight for more than
// twice its ack timeout is treated like an ambiguous ack.
func (q *Queue) sweepStuckSends() {
	now := q.clock.Now()
	q.mu.Lock()
	var stuck []*Entry
	for _, e := range q.entries {
		if e.state == stateSending && now.Sub(e.LastAttempt) > 2*e.Timeout {
			stuck = append(stuck, e)
		}
	}
	q.mu.Unlock()

	for _, e := range stuck {
		q.logger.Warn("send attempt never resolved, assuming delivered",
			zap.String("temp_id", e.Message.TempID))
		q.acknowledge(e, "")
	}
}

// sweepStale evicts entries that have been waiting longer than MaxAge,
// e.g. across a long offline stretch, and reports them abandoned.
func (q *Queue) sweepStale() {
	now := q.clock.Now()
	q.mu.Lock()
	var stale []*Entry
	for _, e := range q.entries {
		waiting := e.state == stateQueued || e.state == stateRetryWait
		if waiting && now.Sub(e.QueuedAt) > q.opts.MaxAge {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		delete(q.entries, e.Message.TempID)
	}
	q.mu.Unlock()

	for _, e := range stale {
		q.messages.SetStatus(e.Message.Key(), model.StatusFailed)
		q.logger.Warn("stale message abandoned",
			zap.String("temp_id", e.Message.TempID),
			zap.Duration("age", now.Sub(e.QueuedAt)))
		q.bus.Publish(bus.Event{
			Kind:      bus.KindMessageAbandoned,
			Timestamp: time.Now(),
			Payload: bus.MessageRef{
				ConversationID: e.Message.ConversationID,
				TempID:         e.Message.TempID,
				Error:          "abandoned after max queue age",
			},
		})
	}
}
