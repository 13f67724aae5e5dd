package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pushtalk/internal/resilience"
)

// DefaultInterval is how often [Tracker.Run] re-checks the servers.
const DefaultInterval = time.Minute

// Status is the outcome of the latest check of one server.
type Status struct {
	Label     string
	Healthy   bool
	Tools     []string
	Err       error
	CheckedAt time.Time
}

// Tracker keeps the current [Set] of healthy servers. Checks run through a
// per-server circuit breaker so an unreachable server is skipped until its
// reset timeout elapses.
//
// Until the first refresh completes, every configured server is considered
// usable.
type Tracker struct {
	servers  []Server
	checker  Checker
	interval time.Duration
	onChange func(Set)
	onCheck  func(Status)

	breakers map[string]*resilience.CircuitBreaker
	current  atomic.Pointer[Set]

	mu       sync.Mutex
	statuses map[string]Status
}

// TrackerOption configures a [Tracker].
type TrackerOption func(*Tracker)

// WithInterval sets the refresh period of [Tracker.Run].
func WithInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithOnChange registers fn to run whenever the published set changes.
func WithOnChange(fn func(Set)) TrackerOption {
	return func(t *Tracker) { t.onChange = fn }
}

// WithOnCheck registers fn to run after every server check.
func WithOnCheck(fn func(Status)) TrackerOption {
	return func(t *Tracker) { t.onCheck = fn }
}

// WithBreaker overrides the circuit breaker settings used per server.
func WithBreaker(cfg resilience.CircuitBreakerConfig) TrackerOption {
	return func(t *Tracker) {
		for _, s := range t.servers {
			c := cfg
			c.Name = "capability:" + s.Label
			t.breakers[s.Label] = resilience.NewCircuitBreaker(c)
		}
	}
}

// NewTracker returns a Tracker for servers.
func NewTracker(servers []Server, checker Checker, opts ...TrackerOption) *Tracker {
	all := NewSet(servers...)
	t := &Tracker{
		servers:  all.Servers(),
		checker:  checker,
		interval: DefaultInterval,
		breakers: make(map[string]*resilience.CircuitBreaker, len(servers)),
		statuses: make(map[string]Status, len(servers)),
	}
	for _, s := range t.servers {
		t.breakers[s.Label] = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "capability:" + s.Label,
			MaxFailures:  2,
			ResetTimeout: 2 * time.Minute,
			HalfOpenMax:  1,
		})
	}
	for _, o := range opts {
		o(t)
	}
	t.current.Store(&all)
	return t
}

// Current returns the latest published set.
func (t *Tracker) Current() Set {
	return *t.current.Load()
}

// Statuses returns the latest status per server in configuration order.
// Servers not yet checked are omitted.
func (t *Tracker) Statuses() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Status, 0, len(t.statuses))
	for _, s := range t.servers {
		if st, ok := t.statuses[s.Label]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Refresh checks every server concurrently, publishes the healthy ones and
// returns the new set.
func (t *Tracker) Refresh(ctx context.Context) Set {
	results := make([]Status, len(t.servers))
	var wg sync.WaitGroup
	for i, s := range t.servers {
		wg.Go(func() {
			results[i] = t.check(ctx, s)
		})
	}
	wg.Wait()

	var healthy []Server
	t.mu.Lock()
	for i, st := range results {
		t.statuses[st.Label] = st
		if st.Healthy {
			healthy = append(healthy, t.servers[i])
		}
	}
	t.mu.Unlock()

	next := NewSet(healthy...)
	prev := t.current.Swap(&next)
	if !slices.Equal(prev.Labels(), next.Labels()) {
		slog.Info("capability: tool servers changed", "available", next.Labels())
		if t.onChange != nil {
			t.onChange(next)
		}
	}
	return next
}

func (t *Tracker) check(ctx context.Context, s Server) Status {
	st := Status{Label: s.Label, CheckedAt: time.Now()}
	var tools []string
	err := t.breakers[s.Label].Execute(func() error {
		var err error
		tools, err = t.checker.Check(ctx, s)
		return err
	})
	if err == nil && len(s.AllowedTools) > 0 {
		tools = slices.DeleteFunc(tools, func(name string) bool {
			return !slices.Contains(s.AllowedTools, name)
		})
		if len(tools) == 0 {
			err = fmt.Errorf("capability: %q offers none of the allowed tools %v", s.Label, s.AllowedTools)
		}
	}
	st.Tools = tools
	st.Err = err
	st.Healthy = err == nil
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		slog.Warn("capability: server unavailable", "server", s.Label, "err", err)
	}
	if t.onCheck != nil {
		t.onCheck(st)
	}
	return st
}

// Run refreshes immediately and then every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	if len(t.servers) == 0 {
		<-ctx.Done()
		return nil
	}
	t.Refresh(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Refresh(ctx)
		}
	}
}

// Check reports an error naming every server whose latest check failed.
// It is meant for readiness probes.
func (t *Tracker) Check(context.Context) error {
	var errs []error
	for _, st := range t.Statuses() {
		if !st.Healthy {
			errs = append(errs, fmt.Errorf("%s: %w", st.Label, st.Err))
		}
	}
	return errors.Join(errs...)
}
