package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrUnregisteredEndpoint indicates a schedule call against an unknown key.
	ErrUnregisteredEndpoint = errors.New("ratelimit: endpoint not registered")
	// ErrMissingIdentifier indicates a request without a caller identifier.
	ErrMissingIdentifier = errors.New("ratelimit: request identifier is required")
	// ErrRateLimited classifies a task failure as a 429-equivalent.
	ErrRateLimited = errors.New("ratelimit: rate limited")
)

// rateLimitedError lets transport errors self-classify without this package
// importing them.
type rateLimitedError interface {
	RateLimited() bool
}

// IsRateLimited reports whether err should trigger backoff instead of
// surfacing to the caller.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var rl rateLimitedError
	if errors.As(err, &rl) {
		return rl.RateLimited()
	}
	return false
}

// Endpoint declares one token bucket.
type Endpoint struct {
	Key            string
	Capacity       int
	RefillInterval time.Duration
}

// Request declares one admission against an endpoint.
type Request struct {
	Endpoint   string
	Identifier string
	Weight     int
	Priority   int
}

// Task is the unit of work admitted by the limiter.
type Task func(ctx context.Context) (any, error)

// Options tune limiter behaviour. Zero values take defaults.
type Options struct {
	// MaxAttempts bounds retries of rate-limited tasks (default 5).
	MaxAttempts int
	// HighWater is the used-weight fraction above which usage feedback
	// inserts a cooperative delay (default 0.8).
	HighWater float64
	// FeedbackMaxDelay bounds the cooperative delay (default 10s).
	FeedbackMaxDelay time.Duration
	// Now and Rand are injectable for tests.
	Now  func() time.Time
	Rand func() float64
}

// Limiter is a weighted multi-endpoint token bucket with priority queueing.
type Limiter struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState
	opts      Options
	logger    zerolog.Logger
	seq       uint64
}

type endpointState struct {
	cfg           Endpoint
	tokens        int
	lastRefill    time.Time
	queue         []*pending
	timer         *time.Timer
	cooldownUntil time.Time
}

type result struct {
	value any
	err   error
}

type pending struct {
	req           Request
	task          Task
	ctx           context.Context
	seq           uint64
	attempt       int
	nextAttemptAt time.Time
	done          chan result
}

// New constructs a Limiter.
func New(logger zerolog.Logger, opts Options) *Limiter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.HighWater <= 0 || opts.HighWater >= 1 {
		opts.HighWater = 0.8
	}
	if opts.FeedbackMaxDelay <= 0 {
		opts.FeedbackMaxDelay = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Limiter{
		endpoints: make(map[string]*endpointState),
		opts:      opts,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Register adds or replaces an endpoint bucket. The bucket starts full.
func (l *Limiter) Register(ep Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ep.Capacity < 1 {
		ep.Capacity = 1
	}
	if ep.RefillInterval <= 0 {
		ep.RefillInterval = time.Minute
	}
	l.endpoints[ep.Key] = &endpointState{
		cfg:        ep,
		tokens:     ep.Capacity,
		lastRefill: l.opts.Now(),
	}
}

// Schedule admits task through the endpoint bucket and blocks until the task
// completed, exhausted its retry budget, or ctx was cancelled while queued.
func (l *Limiter) Schedule(ctx context.Context, req Request, task Task) (any, error) {
	if req.Identifier == "" {
		return nil, ErrMissingIdentifier
	}
	if req.Weight < 1 {
		req.Weight = 1
	}

	l.mu.Lock()
	st, ok := l.endpoints[req.Endpoint]
	if !ok {
		l.mu.Unlock()
		return nil, ErrUnregisteredEndpoint
	}
	l.seq++
	p := &pending{
		req:  req,
		task: task,
		ctx:  ctx,
		seq:  l.seq,
		done: make(chan result, 1),
	}
	st.insert(p)
	l.dispatchLocked(st)
	l.mu.Unlock()

	select {
	case r := <-p.done:
		return r.value, r.err
	case <-ctx.Done():
		l.mu.Lock()
		st.remove(p)
		l.mu.Unlock()
		// the task may have been dispatched right before cancellation
		select {
		case r := <-p.done:
			return r.value, r.err
		default:
			return nil, ctx.Err()
		}
	}
}

// ObserveUsage feeds a server-reported used weight back into the endpoint.
// Above the high-water mark the endpoint pauses for a delay proportional to
// the overage, bounded by FeedbackMaxDelay.
func (l *Limiter) ObserveUsage(endpoint string, used, limit int) {
	if limit <= 0 || used <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.endpoints[endpoint]
	if !ok {
		return
	}
	threshold := int(float64(limit) * l.opts.HighWater)
	if used <= threshold {
		return
	}
	frac := float64(used-threshold) / float64(limit-threshold)
	if frac > 1 {
		frac = 1
	}
	delay := time.Duration(frac * float64(l.opts.FeedbackMaxDelay))
	until := l.opts.Now().Add(delay)
	if until.After(st.cooldownUntil) {
		st.cooldownUntil = until
		l.logger.Warn().Str("endpoint", endpoint).Int("used", used).Int("limit", limit).
			Dur("cooldown", delay).Msg("usage high-water crossed, inserting delay")
	}
	l.dispatchLocked(st)
}

// insert keeps the queue ordered by ascending priority, FIFO within a
// priority.
func (st *endpointState) insert(p *pending) {
	i := len(st.queue)
	for i > 0 {
		prev := st.queue[i-1]
		if prev.req.Priority < p.req.Priority || (prev.req.Priority == p.req.Priority && prev.seq < p.seq) {
			break
		}
		i--
	}
	st.queue = append(st.queue, nil)
	copy(st.queue[i+1:], st.queue[i:])
	st.queue[i] = p
}

func (st *endpointState) remove(p *pending) {
	for i, q := range st.queue {
		if q == p {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return
		}
	}
}

// refill applies whole elapsed intervals only.
func (st *endpointState) refill(now time.Time) {
	iv := st.cfg.RefillInterval
	elapsed := now.Sub(st.lastRefill)
	if elapsed < iv {
		return
	}
	n := int(elapsed / iv)
	st.tokens += st.cfg.Capacity * n
	if st.tokens > st.cfg.Capacity {
		st.tokens = st.cfg.Capacity
	}
	st.lastRefill = st.lastRefill.Add(iv * time.Duration(n))
}

// dispatchLocked runs every currently admissible request and arms a single
// timer for the earliest future wake-up. Caller holds l.mu.
func (l *Limiter) dispatchLocked(st *endpointState) {
	now := l.opts.Now()
	st.refill(now)

	var wake time.Time
	earlier := func(t time.Time) {
		if !t.IsZero() && (wake.IsZero() || t.Before(wake)) {
			wake = t
		}
	}

	if st.cooldownUntil.After(now) {
		earlier(st.cooldownUntil)
	} else {
		i := 0
		for i < len(st.queue) {
			p := st.queue[i]
			if p.ctx.Err() != nil {
				st.queue = append(st.queue[:i], st.queue[i+1:]...)
				continue
			}
			if p.nextAttemptAt.After(now) {
				earlier(p.nextAttemptAt)
				i++
				continue
			}
			if st.tokens < p.req.Weight {
				earlier(st.lastRefill.Add(st.cfg.RefillInterval))
				break
			}
			st.tokens -= p.req.Weight
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			go l.run(st, p)
		}
	}

	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if !wake.IsZero() {
		d := wake.Sub(now)
		if d < 0 {
			d = 0
		}
		st.timer = time.AfterFunc(d, func() {
			l.mu.Lock()
			l.dispatchLocked(st)
			l.mu.Unlock()
		})
	}
}

func (l *Limiter) run(st *endpointState, p *pending) {
	value, err := p.task(p.ctx)
	if err == nil || !IsRateLimited(err) {
		p.done <- result{value: value, err: err}
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p.attempt++
	if p.attempt >= l.opts.MaxAttempts {
		l.logger.Warn().Str("endpoint", p.req.Endpoint).Str("id", p.req.Identifier).
			Int("attempts", p.attempt).Msg("retry budget exhausted")
		p.done <- result{err: err}
		return
	}
	delay := l.backoffDelay(p.attempt)
	p.nextAttemptAt = l.opts.Now().Add(delay)
	st.insert(p)
	l.logger.Debug().Str("endpoint", p.req.Endpoint).Str("id", p.req.Identifier).
		Int("attempt", p.attempt).Dur("delay", delay).Msg("rate limited, re-enqueued")
	l.dispatchLocked(st)
}

// backoffDelay is min(60s, 1s*2^(attempt-1) + jitter[0,1s)).
func (l *Limiter) backoffDelay(attempt int) time.Duration {
	base := time.Second
	d := base << (attempt - 1)
	if d > time.Minute || d <= 0 {
		d = time.Minute
	}
	jitter := time.Duration(l.opts.Rand() * float64(time.Second))
	if d+jitter > time.Minute {
		return time.Minute
	}
	return d + jitter
}
