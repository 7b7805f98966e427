// Package batch groups outbound messages into priority-scheduled batches.
// Four priority tiers share one batcher: critical messages bypass batching
// entirely, the rest wait out a per-priority window before their queue is
// flushed. Failed batches retry with priority demotion until each message
// exhausts its retry budget.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/agentarea/agentlink/internal/metrics"
)

// Priority orders message dispatch. Within one tier submission order is
// preserved; across tiers there is no ordering guarantee.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// demote drops p one tier. Critical is never demoted.
func (p Priority) demote() Priority {
	switch p {
	case PriorityHigh:
		return PriorityNormal
	case PriorityNormal:
		return PriorityLow
	}
	return p
}

// queuedPriorities are the tiers that actually queue, in flush order.
var queuedPriorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Message is one batchable unit.
type Message struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Payload    any           `json:"payload,omitempty"`
	Priority   Priority      `json:"priority"`
	Timestamp  time.Time     `json:"timestamp"`
	MaxRetries int           `json:"-"` // 0 means no retries
	Timeout    time.Duration `json:"-"` // per-send deadline, 0 means default

	retryCount int
}

// Batch is a bounded group of messages sent together.
type Batch struct {
	ID       string
	Priority Priority
	Messages []*Message

	// Payload is the encoded message array actually sent, compressed when
	// it crossed the compression threshold.
	Payload    []byte
	Compressed bool
	RawBytes   int
}

// Result reports the outcome of one sent (or dropped) batch.
type Result struct {
	BatchID    string
	Priority   Priority
	MessageIDs []string
	OK         bool
	Err        error
	Compressed bool
	RawBytes   int
	SentBytes  int
}

// Sender delivers an encoded batch. The batcher never interprets the
// delivery beyond success or failure.
type Sender func(ctx context.Context, b *Batch) error

// Config tunes the batcher. Zero values take the documented defaults.
type Config struct {
	// MaxBatchSize caps the messages per batch. Default 50.
	MaxBatchSize int

	// MaxWaitTime paces the periodic sweep of all queues. Default 5s.
	MaxWaitTime time.Duration

	// Windows overrides the per-priority wait thresholds. Defaults:
	// high 100ms, normal 1s, low 5s.
	Windows map[Priority]time.Duration

	// CompressMinBytes is the encoded size beyond which a batch payload
	// is deflate-compressed. Default 1 KiB; negative disables.
	CompressMinBytes int

	// RetryBaseDelay seeds the exponential retry backoff. Default 1s.
	RetryBaseDelay time.Duration

	// SendTimeout bounds a single batch delivery. Default 30s.
	SendTimeout time.Duration

	Logger    *slog.Logger
	Collector *metrics.Collector
}

func (c Config) normalize() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 5 * time.Second
	}
	windows := map[Priority]time.Duration{
		PriorityHigh:   100 * time.Millisecond,
		PriorityNormal: time.Second,
		PriorityLow:    5 * time.Second,
	}
	for p, d := range c.Windows {
		if d > 0 {
			windows[p] = d
		}
	}
	c.Windows = windows
	if c.CompressMinBytes == 0 {
		c.CompressMinBytes = 1024
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Batcher is the priority-tiered message batcher.
type Batcher struct {
	cfg    Config
	send   Sender
	logger *slog.Logger

	mu     sync.Mutex
	queues map[Priority][]*Message
	timers map[Priority]*time.Timer
	closed bool

	results  chan Result
	done     chan struct{}
	sweeping atomic.Bool
	wg       sync.WaitGroup
}

// New creates a batcher delivering through send and starts its sweep loop.
func New(send Sender, cfg Config) (*Batcher, error) {
	if send == nil {
		return nil, fmt.Errorf("batch: sender is required")
	}

	b := &Batcher{
		cfg:     cfg.normalize(),
		send:    send,
		queues:  make(map[Priority][]*Message),
		timers:  make(map[Priority]*time.Timer),
		results: make(chan Result, 64),
		done:    make(chan struct{}),
	}
	b.logger = b.cfg.Logger

	b.wg.Add(1)
	go b.sweepLoop()
	return b, nil
}

// Results delivers one Result per sent or dropped batch. Consumption is
// optional; results beyond the buffer are discarded.
func (b *Batcher) Results() <-chan Result {
	return b.results
}

// AddMessage validates and accepts one message. Critical messages are sent
// immediately as a singleton batch; everything else queues until its
// priority window elapses.
func (b *Batcher) AddMessage(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("batch: message is required")
	}
	if msg.ID == "" {
		return fmt.Errorf("batch: message id is required")
	}
	if msg.Type == "" {
		return fmt.Errorf("batch: message type is required")
	}
	if !msg.Priority.Valid() {
		return fmt.Errorf("batch: unknown priority %q", msg.Priority)
	}
	if msg.Timeout < 0 {
		return fmt.Errorf("batch: message timeout must not be negative")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("batch: batcher is closed")
	}

	if msg.Priority == PriorityCritical {
		b.mu.Unlock()
		b.dispatch(PriorityCritical, []*Message{msg})
		return nil
	}

	b.queues[msg.Priority] = append(b.queues[msg.Priority], msg)
	b.armTimerLocked(msg.Priority)
	b.mu.Unlock()
	return nil
}

// armTimerLocked starts the priority window timer unless one is already
// pending. Caller holds the lock.
func (b *Batcher) armTimerLocked(p Priority) {
	if _, armed := b.timers[p]; armed {
		return
	}
	b.timers[p] = time.AfterFunc(b.cfg.Windows[p], func() {
		b.mu.Lock()
		delete(b.timers, p)
		queue := b.queues[p]
		b.queues[p] = nil
		b.mu.Unlock()
		b.dispatch(p, queue)
	})
}

// Flush sends every queued message immediately, high to low.
func (b *Batcher) Flush() {
	for _, p := range queuedPriorities {
		b.mu.Lock()
		if t, ok := b.timers[p]; ok {
			t.Stop()
			delete(b.timers, p)
		}
		queue := b.queues[p]
		b.queues[p] = nil
		b.mu.Unlock()
		b.dispatch(p, queue)
	}
}

// Close flushes every queue and stops the sweep loop. Pending sends finish
// before Close returns; the results channel is closed afterwards.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.Flush()
	b.wg.Wait()
	close(b.results)
}

// sweepLoop periodically flushes every non-empty queue so a quiet priority
// cannot strand messages behind an unfired timer.
func (b *Batcher) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.MaxWaitTime)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			// Skip the sweep when the previous one is still dispatching.
			if !b.sweeping.CompareAndSwap(false, true) {
				continue
			}
			b.Flush()
			b.sweeping.Store(false)
		}
	}
}

// dispatch splits the queue into size-bounded batches and sends each one
// independently.
func (b *Batcher) dispatch(p Priority, queue []*Message) {
	for start := 0; start < len(queue); start += b.cfg.MaxBatchSize {
		end := start + b.cfg.MaxBatchSize
		if end > len(queue) {
			end = len(queue)
		}
		chunk := queue[start:end]

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.sendBatch(p, chunk)
		}()
	}
}

func (b *Batcher) sendBatch(p Priority, msgs []*Message) {
	if len(msgs) == 0 {
		return
	}

	batch := &Batch{
		ID:       "batch-" + uuid.NewString()[:8],
		Priority: p,
		Messages: msgs,
	}

	encoded, err := json.Marshal(msgs)
	if err != nil {
		b.fail(batch, fmt.Errorf("batch: encode: %w", err))
		return
	}
	batch.RawBytes = len(encoded)
	batch.Payload = encoded

	if b.cfg.CompressMinBytes >= 0 && len(encoded) > b.cfg.CompressMinBytes {
		if compressed, err := deflate(encoded); err == nil && len(compressed) < len(encoded) {
			batch.Payload = compressed
			batch.Compressed = true
			if b.cfg.Collector != nil {
				b.cfg.Collector.CompressionSaved(len(encoded) - len(compressed))
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout(msgs))
	defer cancel()

	if err := b.send(ctx, batch); err != nil {
		b.fail(batch, err)
		return
	}

	if b.cfg.Collector != nil {
		b.cfg.Collector.BatchSent(string(p), true, len(msgs))
	}
	b.emit(Result{
		BatchID:    batch.ID,
		Priority:   p,
		MessageIDs: messageIDs(msgs),
		OK:         true,
		Compressed: batch.Compressed,
		RawBytes:   batch.RawBytes,
		SentBytes:  len(batch.Payload),
	})
}

// fail re-enqueues messages with remaining retry budget one tier down and
// drops the rest.
func (b *Batcher) fail(batch *Batch, cause error) {
	var retried, dropped []*Message
	for _, msg := range batch.Messages {
		msg.retryCount++
		if msg.retryCount <= msg.MaxRetries {
			retried = append(retried, msg)
		} else {
			dropped = append(dropped, msg)
		}
	}

	b.logger.Warn("batch send failed",
		"batch_id", batch.ID, "priority", batch.Priority,
		"retried", len(retried), "dropped", len(dropped), "error", cause)

	if b.cfg.Collector != nil {
		b.cfg.Collector.BatchSent(string(batch.Priority), false, len(batch.Messages))
		b.cfg.Collector.BatchRetried(len(retried))
		b.cfg.Collector.BatchDropped(len(dropped))
	}

	for _, msg := range retried {
		b.requeue(msg)
	}
	if len(dropped) > 0 {
		b.emit(Result{
			BatchID:    batch.ID,
			Priority:   batch.Priority,
			MessageIDs: messageIDs(dropped),
			OK:         false,
			Err:        cause,
			RawBytes:   batch.RawBytes,
		})
	}
}

// requeue schedules the message back onto a demoted queue after its retry
// backoff has elapsed.
func (b *Batcher) requeue(msg *Message) {
	msg.Priority = msg.Priority.demote()
	delay := b.retryDelay(msg.retryCount)

	time.AfterFunc(delay, func() {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.queues[msg.Priority] = append(b.queues[msg.Priority], msg)
		b.armTimerLocked(msg.Priority)
		b.mu.Unlock()
	})
}

// retryDelay walks an exponential backoff policy to the given attempt.
func (b *Batcher) retryDelay(attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RetryBaseDelay
	policy.MaxInterval = 30 * time.Second

	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

func (b *Batcher) sendTimeout(msgs []*Message) time.Duration {
	timeout := b.cfg.SendTimeout
	for _, msg := range msgs {
		if msg.Timeout > timeout {
			timeout = msg.Timeout
		}
	}
	return timeout
}

// emit delivers the result without ever blocking a send path.
func (b *Batcher) emit(res Result) {
	select {
	case b.results <- res:
	default:
		b.logger.Debug("result channel full, discarding result", "batch_id", res.BatchID)
	}
}

func messageIDs(msgs []*Message) []string {
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	return ids
}
