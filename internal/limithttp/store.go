package limithttp

import (
	"context"

	"github.com/keithlinneman/windowgate/internal/ratelimit"
)

// Store is a checker the API can also administer. *redislimit.Limiter
// satisfies it directly, in-memory limiters go through Memory.
type Store interface {
	ratelimit.Checker
	Reset(ctx context.Context, identifier string) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

type memoryStore struct{ *ratelimit.Limiter }

// Memory adapts an in-memory limiter to Store. Its admin operations cannot fail.
func Memory(l *ratelimit.Limiter) Store { return memoryStore{l} }

func (m memoryStore) Reset(_ context.Context, identifier string) error {
	m.Limiter.Reset(identifier)
	return nil
}

func (m memoryStore) Clear(context.Context) error {
	m.Limiter.Clear()
	return nil
}

func (m memoryStore) Size(context.Context) (int, error) {
	return m.Limiter.Size(), nil
}
