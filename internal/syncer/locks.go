package syncer

import "sync"

// runLocks hands out one mutex per config id. Entries are never removed;
// the number of configs is small.
type runLocks struct {
	mu    sync.Mutex
	byCfg map[string]*sync.Mutex
}

func newRunLocks() *runLocks {
	return &runLocks{byCfg: make(map[string]*sync.Mutex)}
}

func (l *runLocks) get(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byCfg[id]
	if !ok {
		m = &sync.Mutex{}
		l.byCfg[id] = m
	}
	return m
}

// tryLock acquires the lock for id without waiting.
func (l *runLocks) tryLock(id string) (unlock func(), ok bool) {
	m := l.get(id)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

// lock waits for the lock for id.
func (l *runLocks) lock(id string) (unlock func()) {
	m := l.get(id)
	m.Lock()
	return m.Unlock
}

// Running reports whether a run holds the lock for id.
func (s *Service) Running(id string) bool {
	m := s.locks.get(id)
	if m.TryLock() {
		m.Unlock()
		return false
	}
	return true
}
