// Package registration drives free account registration in the
// background: fetch a puzzle, solve it, submit the solution, receive a
// secret. Callers start a registration and then poll its progress without
// blocking.
package registration

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/puzzle"
)

// ErrNotFound is returned by Poll for a handle that was never issued or has
// expired.
var ErrNotFound = errors.New("registration: no such handle")

const (
	DefaultBackoff      = time.Second
	DefaultCompletedTTL = time.Hour
	DefaultAbandonTTL   = 10 * time.Minute
	sweepInterval       = time.Minute
)

// Handle identifies one registration.
type Handle uint64

// Progress is a snapshot of one registration. Secret is nil until Progress
// reaches 1.
type Progress struct {
	Progress float64 `json:"progress"`
	Secret   *string `json:"secret,omitempty"`
}

// Broker is the part of the broker protocol registration uses.
type Broker interface {
	GetPuzzle(ctx context.Context) (broker.Puzzle, error)
	RegisterUserSecret(ctx context.Context, puzzle, solution string) (string, error)
}

// SolveFunc solves a puzzle, reporting progress. puzzle.Solve is one.
type SolveFunc func(ctx context.Context, puzzle string, difficulty uint16, onProgress func(float64)) (string, error)

type entry struct {
	progress    float64
	secret      *string
	completedAt time.Time
	lastPoll    time.Time
	cancel      context.CancelFunc
}

// Orchestrator tracks every registration started in this process.
type Orchestrator struct {
	broker       Broker
	solve        SolveFunc
	logger       *slog.Logger
	backoff      time.Duration
	completedTTL time.Duration
	abandonTTL   time.Duration
	now          func() time.Time

	base     context.Context
	shutdown context.CancelFunc
	tasks    sync.WaitGroup

	mu      sync.Mutex
	next    Handle
	entries map[Handle]*entry
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSolver replaces puzzle.Solve.
func WithSolver(s SolveFunc) Option {
	return func(o *Orchestrator) { o.solve = s }
}

// WithBackoff sets the pause before a failed registration starts over.
func WithBackoff(d time.Duration) Option {
	return func(o *Orchestrator) { o.backoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTTL sets how long a completed registration stays pollable and how
// long an unfinished one may go unpolled before it is cancelled.
func WithTTL(completed, abandoned time.Duration) Option {
	return func(o *Orchestrator) {
		o.completedTTL = completed
		o.abandonTTL = abandoned
	}
}

// New returns an orchestrator registering through b.
func New(b Broker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		broker:       b,
		solve:        puzzle.Solve,
		logger:       slog.Default(),
		backoff:      DefaultBackoff,
		completedTTL: DefaultCompletedTTL,
		abandonTTL:   DefaultAbandonTTL,
		now:          time.Now,
		entries:      make(map[Handle]*entry),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.base, o.shutdown = context.WithCancel(context.Background())
	return o
}

// Start fetches a first puzzle and begins working on it in the background.
// Only that first fetch can fail; later failures restart the cycle.
func (o *Orchestrator) Start(ctx context.Context) (Handle, error) {
	p, err := o.broker.GetPuzzle(ctx)
	if err != nil {
		return 0, err
	}
	o.logger.Debug("got puzzle", "difficulty", p.Difficulty)

	taskCtx, cancel := context.WithCancel(o.base)
	o.mu.Lock()
	h := o.next
	o.next++
	o.entries[h] = &entry{lastPoll: o.now(), cancel: cancel}
	o.mu.Unlock()

	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		defer cancel()
		o.run(taskCtx, h, p)
	}()
	return h, nil
}

// run solves and submits until a secret is issued or ctx is cancelled.
// A failed attempt is never resubmitted: the next attempt starts from a
// fresh puzzle.
func (o *Orchestrator) run(ctx context.Context, h Handle, p broker.Puzzle) {
	for {
		secret, err := o.attempt(ctx, h, p)
		if err == nil {
			o.complete(h, secret)
			return
		}
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("restarting registration", "handle", h, "error", err)

		for {
			if !o.wait(ctx) {
				return
			}
			p, err = o.broker.GetPuzzle(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("fetch puzzle failed", "handle", h, "error", err)
		}
	}
}

func (o *Orchestrator) attempt(ctx context.Context, h Handle, p broker.Puzzle) (string, error) {
	solution, err := o.solve(ctx, p.Puzzle, p.Difficulty, func(f float64) { o.advance(h, f) })
	if err != nil {
		return "", err
	}
	return o.broker.RegisterUserSecret(ctx, p.Puzzle, solution)
}

func (o *Orchestrator) wait(ctx context.Context) bool {
	t := time.NewTimer(o.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// advance raises the progress of h. Values of 1 or more are held back
// until the secret arrives, so 1 always means done.
func (o *Orchestrator) advance(h Handle, f float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[h]
	if !ok || e.secret != nil {
		return
	}
	f = min(f, 0.999)
	if f > e.progress {
		e.progress = f
	}
}

func (o *Orchestrator) complete(h Handle, secret string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[h]
	if !ok || e.secret != nil {
		return
	}
	e.progress = 1
	e.secret = &secret
	e.completedAt = o.now()
	o.logger.Info("registration complete", "handle", h)
}

// Poll returns a snapshot of h without blocking.
func (o *Orchestrator) Poll(h Handle) (Progress, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[h]
	if !ok {
		return Progress{}, ErrNotFound
	}
	e.lastPoll = o.now()
	p := Progress{Progress: e.progress}
	if e.secret != nil {
		s := *e.secret
		p.Secret = &s
	}
	return p, nil
}

// Sweep drops completed registrations older than the completed TTL and
// cancels unfinished ones nobody has polled within the abandon TTL.
func (o *Orchestrator) Sweep() {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for h, e := range o.entries {
		switch {
		case e.secret != nil && now.Sub(e.completedAt) > o.completedTTL:
			delete(o.entries, h)
		case e.secret == nil && now.Sub(e.lastPoll) > o.abandonTTL:
			e.cancel()
			delete(o.entries, h)
			o.logger.Debug("registration abandoned", "handle", h)
		}
	}
}

// Run sweeps periodically until ctx is done, then stops every
// registration.
func (o *Orchestrator) Run(ctx context.Context) error {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			o.Close()
			return ctx.Err()
		case <-t.C:
			o.Sweep()
		}
	}
}

// Close cancels every running registration and waits for them to stop.
func (o *Orchestrator) Close() {
	o.shutdown()
	o.tasks.Wait()
}
