package relay

import (
	"errors"
	"strings"
	"sync"
)

var (
	// ErrNotPlaylist is returned when a designated source URL is not a
	// recognized HLS playlist URL.
	ErrNotPlaylist = errors.New("source URL is not an m3u8 playlist")

	// ErrNoActiveStream is returned when a request omits an explicit URL and
	// no source has been designated.
	ErrNoActiveStream = errors.New("no active stream set")
)

// Selector holds the single piece of mutable "current target" state: the
// active session id and source URL. Designate is its only writer; every other
// handler is a reader. The pointer lives in one process; a multi-instance
// deployment would need it replicated via a shared store, which this relay
// does not attempt.
type Selector struct {
	registry *Registry

	mu        sync.RWMutex
	sessionID SessionID
	sourceURL string
}

// NewSelector returns a Selector that creates its sessions in registry.
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// Designate validates sourceURL, clears all prior sessions, creates one fresh
// session for the new source, and atomically replaces the active-stream
// pointer. On validation failure the prior active state is untouched. No
// concurrent reader can observe a half-updated pointer: the swap happens in a
// single critical section, and once Designate returns, every subsequent read
// observes the new session.
func (s *Selector) Designate(sourceURL string) (*Session, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if !IsPlaylistURL(sourceURL) {
		return nil, ErrNotPlaylist
	}
	if !strings.HasPrefix(sourceURL, "http://") && !strings.HasPrefix(sourceURL, "https://") {
		return nil, ErrNotPlaylist
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.ClearAll()
	sess := s.registry.Create(sourceURL)
	s.sessionID = sess.ID
	s.sourceURL = sourceURL
	return sess, nil
}

// Current returns the active session id and source URL. ok is false when no
// source has been designated yet.
func (s *Selector) Current() (id SessionID, sourceURL string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID, s.sourceURL, s.sourceURL != ""
}
