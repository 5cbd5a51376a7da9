package security

import (
	"container/list"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenStore is an LRU-bounded, TTL-expiring store of per-session CSRF
// tokens. It is the only process-wide mutable state the CSRF validator
// holds; the capacity bound keeps it from growing with session count.
type TokenStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*tokenEntry
	lru      *list.List
}

type tokenEntry struct {
	session   string
	token     string
	expiresAt time.Time
	element   *list.Element
}

// NewTokenStore creates a token store bounded to capacity entries, each
// valid for ttl after issuance.
func NewTokenStore(capacity int, ttl time.Duration) *TokenStore {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenStore{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*tokenEntry),
		lru:      list.New(),
	}
}

// Issue generates, stores, and returns a fresh token for the session.
func (s *TokenStore) Issue(session string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	s.Put(session, token)
	return token, nil
}

// Put stores a token for the session, evicting the least recently used
// entry when at capacity.
func (s *TokenStore) Put(session, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[session]; exists {
		entry.token = token
		entry.expiresAt = time.Now().Add(s.ttl)
		s.lru.MoveToFront(entry.element)
		return
	}

	if len(s.entries) >= s.capacity {
		s.evictOldest()
	}

	entry := &tokenEntry{
		session:   session,
		token:     token,
		expiresAt: time.Now().Add(s.ttl),
	}
	entry.element = s.lru.PushFront(session)
	s.entries[session] = entry
}

// Verify reports whether the presented token matches the stored token
// for the session. The comparison is constant-time; expired or unknown
// sessions never match.
func (s *TokenStore) Verify(session, token string) bool {
	s.mu.Lock()
	entry, exists := s.entries[session]
	var stored string
	if exists {
		if time.Now().After(entry.expiresAt) {
			s.removeLocked(entry)
			exists = false
		} else {
			stored = entry.token
			s.lru.MoveToFront(entry.element)
		}
	}
	s.mu.Unlock()

	if !exists || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1
}

// Revoke removes the session's token.
func (s *TokenStore) Revoke(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, exists := s.entries[session]; exists {
		s.removeLocked(entry)
	}
}

// Len returns the number of live entries.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *TokenStore) evictOldest() {
	oldest := s.lru.Back()
	if oldest == nil {
		return
	}
	session := oldest.Value.(string)
	if entry, exists := s.entries[session]; exists {
		s.removeLocked(entry)
	}
}

func (s *TokenStore) removeLocked(entry *tokenEntry) {
	s.lru.Remove(entry.element)
	delete(s.entries, entry.session)
}
