package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/m1cart-orders/internal/resilience"
)

// KindAdoptIntent carries an order draft whose payment intent exists at the
// processor but whose local order record could not be persisted.
const KindAdoptIntent = "checkout:adopt"

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is set by the worker, starting at 1.
	Attempt int
}

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R           redis.Cmdable
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task into the queue. If an idempotency key is supplied the
// task is only enqueued once until it is acknowledged or dead-lettered.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}
	keys := keyspace{prefix: e.Prefix, kind: kind}

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, keys.dedup(msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, keys.queue(), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		return err
	}
	QueueDepth.WithLabelValues(kind).Inc()
	return nil
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

// Worker consumes tasks for a specific kind.
type Worker struct {
	R                 redis.Cmdable
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler invocation. Defaults to the visibility timeout.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	Logger       zerolog.Logger
}

// Run starts processing tasks until the context is cancelled. Active tasks are
// tracked in a processing set to enable redelivery when workers crash.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	soft := w.SoftDeadline
	if soft <= 0 || soft > visibility {
		soft = visibility
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	keys := keyspace{prefix: w.Prefix, kind: kind}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	requeueTicker := time.NewTicker(100 * time.Millisecond)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, keys); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		res, err := w.R.ZPopMin(ctx, keys.queue(), 1).Result()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			if errors.Is(err, redis.Nil) {
				idle(ctx, 50*time.Millisecond)
				continue
			}
			return err
		}
		if len(res) == 0 {
			idle(ctx, 50*time.Millisecond)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			w.Logger.Warn().Err(err).Str("kind", kind).Msg("queue_message_invalid")
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			w.R.ZAdd(ctx, keys.queue(), redis.Z{Score: float64(msg.AvailableAt), Member: member})
			wait := time.Duration(msg.AvailableAt - now)
			if wait > time.Second {
				wait = time.Second
			}
			idle(ctx, wait)
			continue
		}
		QueueDepth.WithLabelValues(kind).Dec()

		msg.Attempt++
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		raw := string(rawBytes)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, keys.processing(), redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithTimeout(ctx, soft)
			defer cancel()
			err := w.Handler(jobCtx, Task{Kind: kind, Payload: m.Payload, IdempotencyKey: m.Key, MaxAttempts: m.MaxAttempts, Attempt: m.Attempt})
			// Bookkeeping must survive the job deadline.
			bookCtx := context.WithoutCancel(ctx)
			if err != nil {
				w.Logger.Warn().Err(err).Str("kind", kind).Str("key", m.Key).Int("attempt", m.Attempt).Msg("queue_task_failed")
				w.handleFailure(bookCtx, keys, raw, m, retryBase, err)
				return
			}
			w.ack(bookCtx, keys, raw, m)
		}(raw, msg)
	}
}

func idle(ctx context.Context, d time.Duration) {
	_ = resilience.Sleep(ctx, d)
}

func (w Worker) handleFailure(ctx context.Context, keys keyspace, raw string, msg taskMessage, base time.Duration, cause error) {
	removed, _ := w.R.ZRem(ctx, keys.processing(), raw).Result()
	if removed == 0 {
		// Already requeued by the visibility sweep.
		return
	}
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		msg.LastError = cause.Error()
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			return
		}
		_ = w.R.LPush(ctx, keys.dlq(), rawBytes).Err()
		if msg.Key != "" {
			_ = w.R.Del(ctx, keys.dedup(msg.Key)).Err()
		}
		QueueProcessedTotal.WithLabelValues(msg.Kind, "dead").Inc()
		QueueDLQSize.WithLabelValues(msg.Kind).Inc()
		w.Logger.Error().Str("kind", msg.Kind).Str("key", msg.Key).Int("attempts", msg.Attempt).Msg("queue_task_dead_lettered")
		return
	}
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	QueueProcessedTotal.WithLabelValues(msg.Kind, "retry").Inc()
	if err := w.R.ZAdd(ctx, keys.queue(), redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err(); err == nil {
		QueueDepth.WithLabelValues(msg.Kind).Inc()
	}
}

func (w Worker) ack(ctx context.Context, keys keyspace, raw string, msg taskMessage) {
	_ = w.R.ZRem(ctx, keys.processing(), raw)
	if msg.Key != "" {
		_ = w.R.Del(ctx, keys.dedup(msg.Key)).Err()
	}
	QueueProcessedTotal.WithLabelValues(msg.Kind, "ok").Inc()
}

func (w Worker) requeueExpired(ctx context.Context, keys keyspace) error {
	now := float64(time.Now().UnixNano())
	due, err := w.R.ZRangeByScore(ctx, keys.processing(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		if n, _ := w.R.ZRem(ctx, keys.processing(), raw).Result(); n == 0 {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, keys.queue(), redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
		QueueDepth.WithLabelValues(msg.Kind).Inc()
	}
	return nil
}

// DeadLetter is a task that exhausted its attempts.
type DeadLetter struct {
	Kind           string
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	LastError      string
}

// DeadLetters returns up to limit dead-lettered tasks of kind, newest first.
func DeadLetters(ctx context.Context, r redis.Cmdable, prefix, kind string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	keys := keyspace{prefix: prefix, kind: kind}
	raws, err := r.LRange(ctx, keys.dlq(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		out = append(out, DeadLetter{Kind: msg.Kind, IdempotencyKey: msg.Key, Payload: msg.Payload, Attempts: msg.Attempt, LastError: msg.LastError})
	}
	return out, nil
}

// RequeueDeadLetters moves every dead-lettered task of kind back onto the
// queue with a fresh attempt budget and returns how many were moved.
func RequeueDeadLetters(ctx context.Context, e Enqueuer, kind string) (int, error) {
	keys := keyspace{prefix: e.Prefix, kind: kind}
	moved := 0
	for {
		raw, err := e.R.RPop(ctx, keys.dlq()).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		if err := e.Enqueue(ctx, Task{Kind: msg.Kind, Payload: msg.Payload, IdempotencyKey: msg.Key, MaxAttempts: msg.MaxAttempts}); err != nil {
			_ = e.R.RPush(ctx, keys.dlq(), raw).Err()
			return moved, err
		}
		QueueDLQSize.WithLabelValues(msg.Kind).Dec()
		moved++
	}
}

type keyspace struct {
	prefix string
	kind   string
}

func (k keyspace) base() string {
	if k.prefix == "" {
		return "queue"
	}
	return k.prefix
}

func (k keyspace) queue() string      { return fmt.Sprintf("%s:queue:%s", k.base(), k.kind) }
func (k keyspace) processing() string { return fmt.Sprintf("%s:%s:processing", k.base(), k.kind) }
func (k keyspace) dlq() string        { return fmt.Sprintf("%s:%s:dlq", k.base(), k.kind) }
func (k keyspace) dedup(key string) string {
	return fmt.Sprintf("%s:dedup:%s:%s", k.base(), k.kind, key)
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
	LastError   string `json:"last_error,omitempty"`
}
