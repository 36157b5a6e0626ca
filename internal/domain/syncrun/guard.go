package syncrun

import (
	"context"
	"sync"

	"contactsync/internal/core/apperror"
	"contactsync/internal/domain/source"
)

// LocalGuard serializes runs within one process.
type LocalGuard struct {
	mu     sync.Mutex
	active map[source.Type]struct{}
}

// NewLocalGuard creates an empty guard.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{active: make(map[source.Type]struct{})}
}

// Acquire implements RunGuard.
func (g *LocalGuard) Acquire(_ context.Context, st source.Type) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.active[st]; busy {
		return nil, apperror.NewRunInProgress(string(st))
	}
	g.active[st] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, st)
			g.mu.Unlock()
		})
	}, nil
}

// ChainGuards acquires every guard in order and releases in reverse.
// If any guard refuses, the ones already held are released.
func ChainGuards(guards ...RunGuard) RunGuard {
	return guardChain(guards)
}

type guardChain []RunGuard

func (c guardChain) Acquire(ctx context.Context, st source.Type) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, g := range c {
		release, err := g.Acquire(ctx, st)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
