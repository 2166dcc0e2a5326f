// Package resilience holds the engine's error taxonomy, the retry policy that
// acts on it, per-provider circuit breakers and attempt budgets.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the position of a provider circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrBreakerOpen is returned without calling the provider while its breaker is open.
var ErrBreakerOpen = eris.New("provider circuit breaker is open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker opens after FailureThreshold consecutive transient failures and
// admits a single trial call once Cooldown has elapsed.
type Breaker struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool

	nowFunc func() time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, nowFunc: time.Now}
}

// Call runs fn if the breaker admits it and records the outcome.
// Only transient failures count against the breaker.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.admit() {
		return zero, ErrBreakerOpen
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// State reports the breaker position, accounting for an elapsed cooldown.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.nowFunc().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.nowFunc().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err == nil || !IsTransient(err) {
		b.failures = 0
		b.state = BreakerClosed
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.nowFunc()
	}
}

// ProviderBreakers lazily creates one Breaker per provider name.
type ProviderBreakers struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewProviderBreakers returns an empty registry.
func NewProviderBreakers(cfg BreakerConfig) *ProviderBreakers {
	return &ProviderBreakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for provider.
func (p *ProviderBreakers) For(provider string) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[provider]
	if !ok {
		b = NewBreaker(p.cfg)
		p.breakers[provider] = b
	}
	return b
}

// Snapshot returns every known provider's breaker state.
func (p *ProviderBreakers) Snapshot() map[string]BreakerState {
	p.mu.Lock()
	names := make(map[string]*Breaker, len(p.breakers))
	for k, v := range p.breakers {
		names[k] = v
	}
	p.mu.Unlock()
	out := make(map[string]BreakerState, len(names))
	for k, v := range names {
		out[k] = v.State()
	}
	return out
}
