// Package auth is the session/auth collaborator of the feed core: it caches
// broker access tokens in memory, optionally persists them to SQLite, and
// can keep them fresh from a token file written by the login flow.
package auth

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry stores an access token and its metadata for one broker.
type Entry struct {
	AccessToken string
	UserID      string
	UserName    string
	StoredAt    time.Time
}

// ChangeCallback is invoked when a token is stored or updated.
type ChangeCallback func(broker string, entry Entry)

// Store is a thread-safe in-memory map of broker -> access token. Brokerage
// tokens typically rotate daily; caching them here means the feed only asks
// the user to login once per rotation. Optionally backed by SQLite via SetDB.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	onChange []ChangeCallback
	db       *DB
	logger   *slog.Logger
}

// NewStore creates an empty token store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// SetDB enables write-through persistence to the given SQLite database.
func (s *Store) SetDB(db *DB) {
	s.db = db
}

// SetLogger sets the logger used for persistence error reporting.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// LoadFromDB populates the in-memory store from the database.
func (s *Store) LoadFromDB() error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.LoadTokens()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.entries[normalizeBroker(row.Broker)] = &Entry{
			AccessToken: row.AccessToken,
			UserID:      row.UserID,
			UserName:    row.UserName,
			StoredAt:    row.StoredAt,
		}
	}
	return nil
}

func normalizeBroker(broker string) string {
	return strings.ToLower(strings.TrimSpace(broker))
}

// Get retrieves the stored token entry for the given broker.
// It returns a copy so callers cannot mutate shared state.
func (s *Store) Get(broker string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[normalizeBroker(broker)]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Set stores a token for the given broker and notifies observers.
func (s *Store) Set(broker string, entry Entry) {
	entry.StoredAt = time.Now()
	key := normalizeBroker(broker)

	s.mu.Lock()
	cp := entry
	s.entries[key] = &cp
	callbacks := make([]ChangeCallback, len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.SaveToken(key, entry.AccessToken, entry.UserID, entry.UserName, entry.StoredAt); err != nil && s.logger != nil {
			s.logger.Error("Failed to persist token", "broker", key, "error", err)
		}
	}

	// Observers run outside the lock to avoid deadlocks.
	for _, cb := range callbacks {
		cb(key, entry)
	}
}

// Delete removes the token for the given broker.
func (s *Store) Delete(broker string) {
	key := normalizeBroker(broker)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.DeleteToken(key); err != nil && s.logger != nil {
			s.logger.Error("Failed to delete persisted token", "broker", key, "error", err)
		}
	}
}

// OnChange registers a callback that fires when a token is stored or updated.
func (s *Store) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	s.onChange = append(s.onChange, cb)
	s.mu.Unlock()
}

// Count returns the number of stored tokens.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// BrokerTokens is a single-broker view of the store satisfying
// feed.TokenSource.
type BrokerTokens struct {
	store  *Store
	broker string
}

// ForBroker returns a feed.TokenSource that reads this broker's token.
func (s *Store) ForBroker(broker string) *BrokerTokens {
	return &BrokerTokens{store: s, broker: normalizeBroker(broker)}
}

// StoredToken returns the current access token for the view's broker.
func (b *BrokerTokens) StoredToken() (string, bool) {
	entry, ok := b.store.Get(b.broker)
	if !ok || entry.AccessToken == "" {
		return "", false
	}
	return entry.AccessToken, true
}
