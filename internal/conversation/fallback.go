package conversation

import (
	"context"

	"github.com/MrWong99/pushtalk/internal/capability"
	"github.com/MrWong99/pushtalk/internal/resilience"
)

// FallbackResponder answers with the first of several responders that
// succeeds, for example the same API with a cheaper or older model.
type FallbackResponder struct {
	group *resilience.FallbackGroup[Responder]
}

var _ Responder = (*FallbackResponder)(nil)

// NewFallbackResponder returns a responder that tries primary first. Every
// entry gets its own circuit breaker configured from cfg.
func NewFallbackResponder(name string, primary Responder, cfg resilience.CircuitBreakerConfig) *FallbackResponder {
	return &FallbackResponder{group: resilience.NewFallbackGroup(name, primary, cfg)}
}

// Add appends a fallback. It must not be called once the responder is in use.
func (f *FallbackResponder) Add(name string, r Responder) {
	f.group.Add(name, r)
}

// Names returns the responders in the order they are tried.
func (f *FallbackResponder) Names() []string { return f.group.Names() }

// Respond implements [Responder].
func (f *FallbackResponder) Respond(ctx context.Context, system string, history []Message, tools capability.Set) (string, error) {
	return resilience.Try(ctx, f.group, func(r Responder) (string, error) {
		return r.Respond(ctx, system, history, tools)
	})
}
