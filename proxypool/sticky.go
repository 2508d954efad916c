package manager

import (
	"sync"
	"time"
)

// stickyRecord maps one session to a proxy record key.
type stickyRecord struct {
	Key     string
	Created time.Time
	Expiry  time.Time
}

// StickyManager owns the sessionID -> record key bindings. A binding is
// renewed on every successful lookup and dropped when it expires or when
// its record leaves the healthy set.
type StickyManager struct {
	sessions    sync.Map // sessionID (string) -> *stickyRecord
	ttl         time.Duration
	cleanupStop chan struct{}
	stopOnce    sync.Once
}

// NewStickyManager creates a sticky session manager. A non-positive TTL
// disables sticky sessions entirely.
func NewStickyManager(ttl time.Duration) *StickyManager {
	return &StickyManager{
		ttl:         ttl,
		cleanupStop: make(chan struct{}),
	}
}

// Enabled reports whether sticky sessions are in use.
func (sm *StickyManager) Enabled() bool {
	return sm.ttl > 0
}

// Get returns the record key bound to the session, renewing the binding.
// Expired bindings are removed on the way out.
func (sm *StickyManager) Get(sessionID string) (string, bool) {
	if !sm.Enabled() || sessionID == "" {
		return "", false
	}

	value, ok := sm.sessions.Load(sessionID)
	if !ok {
		return "", false
	}
	record := value.(*stickyRecord)

	if time.Now().After(record.Expiry) {
		sm.sessions.Delete(sessionID)
		return "", false
	}

	record.Expiry = time.Now().Add(sm.ttl)
	return record.Key, true
}

// Set binds a session to a record key.
func (sm *StickyManager) Set(sessionID, key string) {
	if !sm.Enabled() || sessionID == "" {
		return
	}
	now := time.Now()
	sm.sessions.Store(sessionID, &stickyRecord{
		Key:     key,
		Created: now,
		Expiry:  now.Add(sm.ttl),
	})
}

// Delete removes the binding of one session.
func (sm *StickyManager) Delete(sessionID string) {
	sm.sessions.Delete(sessionID)
}

// InvalidateKey drops every session bound to the given record key, used
// when the record turns unhealthy or blacklisted.
func (sm *StickyManager) InvalidateKey(key string) {
	sm.sessions.Range(func(k, v interface{}) bool {
		if v.(*stickyRecord).Key == key {
			sm.sessions.Delete(k)
		}
		return true
	})
}

// Count returns the number of live bindings.
func (sm *StickyManager) Count() int {
	now := time.Now()
	count := 0
	sm.sessions.Range(func(_, v interface{}) bool {
		if now.Before(v.(*stickyRecord).Expiry) {
			count++
		}
		return true
	})
	return count
}

// Start launches the background expiry sweep.
func (sm *StickyManager) Start() {
	if !sm.Enabled() {
		return
	}

	ticker := time.NewTicker(60 * time.Second)
	go func() {
		for {
			select {
			case <-ticker.C:
				sm.cleanup()
			case <-sm.cleanupStop:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the background sweep. Safe to call more than once.
func (sm *StickyManager) Stop() {
	if !sm.Enabled() {
		return
	}
	sm.stopOnce.Do(func() {
		close(sm.cleanupStop)
	})
}

// cleanup removes all expired bindings.
func (sm *StickyManager) cleanup() {
	now := time.Now()
	sm.sessions.Range(func(k, v interface{}) bool {
		if now.After(v.(*stickyRecord).Expiry) {
			sm.sessions.Delete(k)
		}
		return true
	})
}
