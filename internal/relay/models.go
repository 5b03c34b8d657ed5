package relay

import (
	"context"
	"net/http"
	"time"
)

// SessionID uniquely identifies one proxied playlist lifetime.
type SessionID string

// Session is the per-source fetch context: an outbound client carrying the
// bypass header bundle chosen for the source URL, plus the base URL used to
// resolve relative segment references.
type Session struct {
	ID        SessionID
	SourceURL string
	BaseURL   string
	CreatedAt time.Time

	// Client owns its own transport and connection pool; Close releases it.
	Client  *http.Client
	Headers HeaderBundle
}

// NewRequest builds an outbound GET request for target with the session's
// header bundle applied.
func (s *Session) NewRequest(ctx context.Context, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Age returns how long ago the session was created.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// Close releases the outbound client's idle connections. Requests already in
// flight on this client are allowed to complete.
func (s *Session) Close() {
	s.Client.CloseIdleConnections()
}
