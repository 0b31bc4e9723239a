package store

import "sync"

// accountLocks hands out one mutex per account ID so that ledger
// transactions on the same account are serialized while different accounts
// proceed in parallel. Mutexes are never released; the set grows with the
// number of accounts.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the account's mutex and returns its unlock function.
func (l *accountLocks) lock(accountID string) func() {
	l.mu.Lock()
	m, ok := l.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[accountID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
