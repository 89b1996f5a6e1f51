package llm

import (
	"context"
	"errors"
)

// Pool hands out providers to concurrent executions. Checkout honors the
// caller's cancellation signal, so a cancelled execution never blocks on
// an exhausted pool.
type Pool struct {
	slots chan Provider
}

// NewPool creates a pool of size len(providers). The same Provider value
// may appear more than once when the underlying client is itself
// concurrency-safe.
func NewPool(providers []Provider) (*Pool, error) {
	if len(providers) == 0 {
		return nil, errors.New("llm: pool needs at least one provider")
	}
	slots := make(chan Provider, len(providers))
	for _, p := range providers {
		slots <- p
	}
	return &Pool{slots: slots}, nil
}

// Get checks out a provider, blocking until one is free or ctx is done.
func (p *Pool) Get(ctx context.Context) (Provider, error) {
	select {
	case provider := <-p.slots:
		return provider, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a provider to the pool.
func (p *Pool) Put(provider Provider) {
	p.slots <- provider
}

// With runs fn with a checked-out provider.
func (p *Pool) With(ctx context.Context, fn func(Provider) error) error {
	provider, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Put(provider)
	return fn(provider)
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return cap(p.slots)
}
