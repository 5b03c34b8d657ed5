package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultSessionTTL is how long a session may live before the reaper
	// evicts it.
	DefaultSessionTTL = time.Hour

	// DefaultReaperInterval is how often the background reaper sweeps.
	DefaultReaperInterval = 5 * time.Minute
)

// Registry owns the session map and its lifecycle: creation, lookup-or-create
// on demand, time-based eviction, and the clear-all sweep performed when the
// active stream is switched. All mutations and lookups are serialized by a
// single mutex; callers copy the *Session out and perform I/O without holding
// the lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[SessionID]*Session
	counter  uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[SessionID]*Session)}
}

// Create allocates a fresh session for sourceURL: a new id, a header bundle
// chosen for the URL, an outbound client, and the derived base URL. Ids are
// never reused or mutated in place; the counter plus creation timestamp keeps
// them unique even across ClearAll.
func (r *Registry) Create(sourceURL string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	id := SessionID(fmt.Sprintf("m3u8-%d-%d", r.counter, time.Now().Unix()))
	return r.createLocked(id, sourceURL)
}

// Get returns the session with the given id, if present.
func (r *Registry) Get(id SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with the given id, or synthesizes one under
// that id using fallbackURL as the source. A cold lookup is not a failure
// mode: after a stream switch clears the registry, stale segment requests are
// re-created against their own target URL rather than served from a
// superseded client.
func (r *Registry) GetOrCreate(id SessionID, fallbackURL string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	return r.createLocked(id, fallbackURL)
}

// AdhocID derives a stable session id for an explicit one-off URL, so repeated
// playlist fetches for the same URL share one session and connection pool.
func AdhocID(sourceURL string) SessionID {
	return SessionID("direct-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceURL)).String())
}

func (r *Registry) createLocked(id SessionID, sourceURL string) *Session {
	s := &Session{
		ID:        id,
		SourceURL: sourceURL,
		BaseURL:   BaseURL(sourceURL),
		CreatedAt: time.Now().UTC(),
		Client:    newOriginClient(),
		Headers:   ProfileFor(sourceURL),
	}
	r.sessions[id] = s
	return s
}

// EvictOlderThan closes and removes every session whose age exceeds ttl,
// returning the ids removed.
func (r *Registry) EvictOlderThan(ttl time.Duration) []SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []SessionID
	for id, s := range r.sessions {
		if s.Age() > ttl {
			s.Close()
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// ClearAll closes and removes every session. Called on a stream switch so no
// leftover id can serve segments belonging to a superseded playlist.
func (r *Registry) ClearAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	for id, s := range r.sessions {
		s.Close()
		delete(r.sessions, id)
	}
	return n
}

// Count returns the number of live sessions. Used for metrics and health.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RunReaper sweeps expired sessions every interval until ctx is canceled.
// A failed sweep never terminates the loop; it sleeps and retries.
func (r *Registry) RunReaper(ctx context.Context, interval, ttl time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := r.EvictOlderThan(ttl)
			for _, id := range evicted {
				log.Info("session evicted", slog.String("session_id", string(id)))
			}
		}
	}
}
