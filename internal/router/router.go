// Package router fans normalized incidents out to registered targets with
// at-least-once delivery. Each target retries independently with exponential
// backoff; exhausted deliveries move to dead-letter holding for manual
// replay. Deliveries for one incident reach a given target in routed order,
// and a dead target never blocks the others.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/incident"
)

// Defaults for the per-target retry schedule.
const (
	DefaultBaseInterval = 1 * time.Second
	DefaultMaxInterval  = 30 * time.Second
	DefaultMaxAttempts  = 5
)

// Target consumes routed incidents. Deliver is retried on error; wrap with
// backoff.Permanent to refuse retry.
type Target interface {
	Name() string
	Deliver(ctx context.Context, inc *incident.Incident) error
}

type targetFunc struct {
	name string
	fn   func(ctx context.Context, inc *incident.Incident) error
}

func (t targetFunc) Name() string { return t.name }
func (t targetFunc) Deliver(ctx context.Context, inc *incident.Incident) error {
	return t.fn(ctx, inc)
}

// NewTarget adapts a function to the Target interface.
func NewTarget(name string, fn func(ctx context.Context, inc *incident.Incident) error) Target {
	return targetFunc{name: name, fn: fn}
}

// RouteResult reports which targets accepted the delivery for processing.
type RouteResult struct {
	Enqueued []string
}

// Options tunes the retry schedule.
type Options struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	MaxAttempts  uint
}

func (o *Options) withDefaults() Options {
	out := Options{BaseInterval: DefaultBaseInterval, MaxInterval: DefaultMaxInterval, MaxAttempts: DefaultMaxAttempts}
	if o == nil {
		return out
	}
	if o.BaseInterval > 0 {
		out.BaseInterval = o.BaseInterval
	}
	if o.MaxInterval > 0 {
		out.MaxInterval = o.MaxInterval
	}
	if o.MaxAttempts > 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	return out
}

type queueKey struct {
	target     string
	incidentID string
}

type queue struct {
	pending  []*incident.Incident
	draining bool
}

// Router dispatches incidents to a fixed set of registered targets.
type Router struct {
	targets []Target
	opts    Options
	dead    *DeadLetter
	logger  log.Logger
	metrics *Metrics

	mu     sync.Mutex
	queues map[queueKey]*queue
	wg     sync.WaitGroup
}

// New creates a Router delivering to the given targets.
func New(targets []Target, opts *Options, logger log.Logger, m *Metrics) *Router {
	if logger == nil {
		logger = log.Nop()
	}
	return &Router{
		targets: targets,
		opts:    opts.withDefaults(),
		dead:    NewDeadLetter(),
		logger:  logger,
		metrics: m,
		queues:  make(map[queueKey]*queue),
	}
}

// DeadLetters returns the dead-letter holding area.
func (r *Router) DeadLetters() *DeadLetter { return r.dead }

// Route enqueues the incident for every registered target and returns
// immediately; delivery and retry happen asynchronously per target.
func (r *Router) Route(ctx context.Context, inc *incident.Incident) RouteResult {
	res := RouteResult{Enqueued: make([]string, 0, len(r.targets))}
	for _, t := range r.targets {
		r.enqueue(ctx, t, inc)
		res.Enqueued = append(res.Enqueued, t.Name())
	}
	return res
}

func (r *Router) enqueue(ctx context.Context, t Target, inc *incident.Incident) {
	key := queueKey{target: t.Name(), incidentID: inc.ID}

	r.mu.Lock()
	q, ok := r.queues[key]
	if !ok {
		q = &queue{}
		r.queues[key] = q
	}
	q.pending = append(q.pending, inc)
	start := !q.draining
	if start {
		q.draining = true
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if start {
		// Detach from the request context so an HTTP timeout does not
		// abort in-flight retries; the drain loop outlives the request.
		go r.drain(context.WithoutCancel(ctx), t, key)
	}
}

// drain delivers queued incidents for one (target, incident) key in FIFO
// order, one at a time, until the queue empties.
func (r *Router) drain(ctx context.Context, t Target, key queueKey) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.queues[key]
		if len(q.pending) == 0 {
			// enqueue recreates the entry on the next delivery for
			// this key.
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		inc := q.pending[0]
		q.pending = q.pending[1:]
		r.mu.Unlock()

		r.deliver(ctx, t, inc)
	}
}

func (r *Router) deliver(ctx context.Context, t Target, inc *incident.Incident) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BaseInterval
	b.MaxInterval = r.opts.MaxInterval

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, t.Deliver(ctx, inc)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			if r.metrics != nil {
				r.metrics.RetriesTotal.WithLabelValues(t.Name()).Inc()
			}
			r.logger.Warn(ctx, "delivery retry scheduled",
				"target", t.Name(),
				"incident_id", inc.ID,
				"attempt", attempts,
				"next_in", next.Seconds(),
				"error", err,
			)
		}),
	)
	if err != nil {
		r.dead.add(Entry{
			Target:    t.Name(),
			Incident:  *inc,
			Attempts:  attempts,
			LastError: err.Error(),
			FailedAt:  time.Now(),
		})
		if r.metrics != nil {
			r.metrics.DeliveriesTotal.WithLabelValues(t.Name(), "dead_letter").Inc()
			r.metrics.DeadLetterDepth.Set(float64(r.dead.Len()))
		}
		r.logger.Error(ctx, err, "delivery exhausted retries, moved to dead letter",
			"target", t.Name(),
			"incident_id", inc.ID,
			"attempts", attempts,
		)
		return
	}
	if r.metrics != nil {
		r.metrics.DeliveriesTotal.WithLabelValues(t.Name(), "delivered").Inc()
	}
}

// Replay re-enqueues all dead-letter entries to their original targets and
// returns the number replayed. Entries for unknown targets are dropped back
// into holding.
func (r *Router) Replay(ctx context.Context) int {
	entries := r.dead.Take()
	byName := make(map[string]Target, len(r.targets))
	for _, t := range r.targets {
		byName[t.Name()] = t
	}

	replayed := 0
	for i := range entries {
		e := entries[i]
		t, ok := byName[e.Target]
		if !ok {
			r.dead.add(e)
			continue
		}
		inc := e.Incident
		r.enqueue(ctx, t, &inc)
		replayed++
	}
	if r.metrics != nil {
		r.metrics.DeadLetterDepth.Set(float64(r.dead.Len()))
	}
	return replayed
}

// Wait blocks until all in-flight deliveries drain. Test and shutdown hook.
func (r *Router) Wait() { r.wg.Wait() }
