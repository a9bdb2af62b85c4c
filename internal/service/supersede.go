package service

import (
	"context"
	"fmt"
	"sync"

	"multichain-funding/internal/domainerr"
)

type generation struct {
	n      uint64
	cancel context.CancelFunc
}

// Superseder implements last-request-wins per key: starting a request cancels the
// previous one for the same key, and a finished request whose generation is no longer
// current reports ErrSuperseded instead of its result.
type Superseder struct {
	mu      sync.Mutex
	next    uint64
	current map[string]generation
}

// NewSuperseder creates an empty superseder
func NewSuperseder() *Superseder {
	return &Superseder{current: make(map[string]generation)}
}

func (s *Superseder) begin(ctx context.Context, key string) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.current[key]; ok {
		prev.cancel()
	}
	s.next++
	s.current[key] = generation{n: s.next, cancel: cancel}
	return ctx, s.next
}

// finish reports whether gen was still current, releasing it either way
func (s *Superseder) finish(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.current[key]
	if !ok || cur.n != gen {
		return false
	}
	cur.cancel()
	delete(s.current, key)
	return true
}

// Latest runs fn under key. If another call for the same key starts before fn returns,
// this call's context is cancelled and it returns ErrSuperseded.
func Latest[T any](s *Superseder, ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	runCtx, gen := s.begin(ctx, key)
	v, err := fn(runCtx)
	if !s.finish(key, gen) {
		var zero T
		return zero, fmt.Errorf("request %s: %w", key, domainerr.ErrSuperseded)
	}
	return v, err
}
