package directory

import (
	"sync"

	"healthwatch/internal/storage"
)

// Mirror is the read-mostly in-memory copy of the directory used by the
// poll loop and the event reconciler. It is never mutated in place:
// every write replaces a whole account record with a copy just read
// back from postgres, so readers only ever see fully-consistent rows.
type Mirror struct {
	mu       sync.RWMutex
	accounts map[string]storage.AccountRecord
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{accounts: make(map[string]storage.AccountRecord)}
}

// Get returns the cached record for an address.
func (m *Mirror) Get(address string) (storage.AccountRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.accounts[address]
	return rec, ok
}

// Addresses snapshots the monitored address list.
func (m *Mirror) Addresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.accounts))
	for addr := range m.accounts {
		out = append(out, addr)
	}
	return out
}

// Len reports the number of monitored accounts.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

func (m *Mirror) replace(rec storage.AccountRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[rec.Address] = rec
}

func (m *Mirror) remove(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, address)
}

func (m *Mirror) replaceAll(records []storage.AccountRecord) {
	next := make(map[string]storage.AccountRecord, len(records))
	for _, rec := range records {
		next[rec.Address] = rec
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = next
}
