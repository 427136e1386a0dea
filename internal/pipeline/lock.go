package pipeline

import (
	"context"
	"sync"
)

// lockSet hands out one exclusive lock per key. Waiting honours cancellation.
// A key's entry is dropped once nobody holds or waits for it.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*lockEntry)}
}

func (s *lockSet) lock(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				s.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		s.release(key, e)
		return nil, ctx.Err()
	}
}

func (s *lockSet) release(key string, e *lockEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 && s.locks[key] == e {
		delete(s.locks, key)
	}
}

// size reports how many keys are currently held or waited on.
func (s *lockSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

var (
	// workspaceLocks serializes batches that target the same workspace.
	workspaceLocks = newLockSet()

	// historyMu serializes the read-merge-write of the run history across batches.
	historyMu sync.Mutex
)
