package relay

import (
	"net/http"
	"time"
)

const (
	// responseHeaderTimeout bounds time-to-first-byte on outbound fetches.
	// There is no overall deadline: segment bodies stream for as long as the
	// client keeps reading.
	responseHeaderTimeout = 20 * time.Second

	maxIdleConnsPerHost = 8
	idleConnTimeout     = 90 * time.Second
)

// newOriginClient builds an outbound HTTP client with its own connection pool.
// Each session owns one so that closing a session releases exactly its
// connections and no header state leaks between sources.
func newOriginClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			ResponseHeaderTimeout: responseHeaderTimeout,
		},
	}
}
