// Package correlator implements the Remote-Call Correlator: it pairs
// each outbound command-call with the inbound command-result that
// eventually answers it, keyed by (task_id, call_id).
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haas-oss/taskplane/internal/metrics"
)

// ErrTimeout is returned by Await when no result arrives before the
// deadline.
var ErrTimeout = errors.New("correlator: wait timed out")

// ErrCancelled is returned by Await when the waiter is cancelled before
// a result arrives.
var ErrCancelled = errors.New("correlator: call cancelled")

// Outcome is what a waiter resolves to: either a result payload or an
// error, never both.
type Outcome struct {
	Result map[string]any
	Err    error
}

// waiter is a single-shot promise: exactly one value is ever sent on ch.
type waiter struct {
	ch           chan Outcome
	registeredAt time.Time
}

type key struct {
	taskID string
	callID string
}

// Correlator owns every outstanding waiter exclusively.
type Correlator struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	waiters map[key]*waiter
}

// New returns an empty Correlator. m may be nil, in which case metrics
// are a no-op.
func New(m *metrics.Metrics) *Correlator {
	return &Correlator{metrics: m, waiters: make(map[key]*waiter)}
}

// Register creates a single-shot waiter for (taskID, callID). callID must
// be freshly minted per dispatch so the pair is globally unique.
func (c *Correlator) Register(taskID, callID string) {
	k := key{taskID, callID}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[k] = &waiter{ch: make(chan Outcome, 1), registeredAt: time.Now()}
}

func (c *Correlator) observe(kind string, w *waiter) {
	if c.metrics == nil {
		return
	}
	c.metrics.WaiterOutcomes.WithLabelValues(kind).Inc()
	if w != nil {
		c.metrics.RemoteCallDuration.Observe(time.Since(w.registeredAt).Seconds())
	}
}

// Resolve delivers result to the waiter for (taskID, callID) if one
// exists, and removes it. A call with no matching waiter (a late arrival
// after timeout/cancel, or an unknown id) is silently dropped, per the
// idempotence requirement on command-result delivery.
func (c *Correlator) Resolve(taskID, callID string, result map[string]any, resultErr error) {
	k := key{taskID, callID}

	c.mu.Lock()
	w, ok := c.waiters[k]
	if ok {
		delete(c.waiters, k)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	w.ch <- Outcome{Result: result, Err: resultErr}
}

// Cancel removes the waiter for (taskID, callID), if any, delivering
// ErrCancelled to any in-flight Await.
func (c *Correlator) Cancel(taskID, callID string) {
	k := key{taskID, callID}

	c.mu.Lock()
	w, ok := c.waiters[k]
	if ok {
		delete(c.waiters, k)
	}
	c.mu.Unlock()

	if ok {
		w.ch <- Outcome{Err: ErrCancelled}
	}
}

// CancelTask cancels every outstanding waiter owned by taskID, delivering
// err to each — used on client disconnect (transport-disconnected) and
// on cancel-task.
func (c *Correlator) CancelTask(taskID string, err error) {
	c.mu.Lock()
	var matched []*waiter
	for k, w := range c.waiters {
		if k.taskID == taskID {
			matched = append(matched, w)
			delete(c.waiters, k)
		}
	}
	c.mu.Unlock()

	for _, w := range matched {
		w.ch <- Outcome{Err: err}
	}
}

// Await blocks until (taskID, callID)'s waiter resolves, ctx is
// cancelled, or the given wait context otherwise ends. On timeout the
// waiter is removed and ErrTimeout is returned. Register must have been
// called first with the same (taskID, callID); calling Await without a
// prior Register returns an error immediately.
func (c *Correlator) Await(ctx context.Context, taskID, callID string) (Outcome, error) {
	k := key{taskID, callID}

	c.mu.Lock()
	w, ok := c.waiters[k]
	c.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("correlator: no waiter registered for %s/%s", taskID, callID)
	}

	select {
	case out := <-w.ch:
		switch {
		case out.Err == nil:
			c.observe("resolved", w)
		case errors.Is(out.Err, ErrCancelled):
			c.observe("cancelled", w)
		default:
			c.observe("remote-error", w)
		}
		return out, out.Err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, k)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.observe("timeout", w)
			return Outcome{}, ErrTimeout
		}
		c.observe("cancelled", w)
		return Outcome{}, ErrCancelled
	}
}
