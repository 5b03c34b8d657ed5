package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hls-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/x-mpegURL"

	// playlistCacheSeconds is the advisory client cache hint on rewritten
	// playlists; the rewrite itself is recomputed on every fetch.
	playlistCacheSeconds = 30

	playlistFetchTimeout = 15 * time.Second
	bypassProbeTimeout   = 10 * time.Second

	serviceName    = "hls-relay"
	serviceVersion = "1.0"
)

// SourceResolver optionally turns an embed-page URL into direct playlist URLs
// before designation. It is a one-shot, best-effort extractor with no state
// shared with the relay.
type SourceResolver interface {
	// CanResolve reports whether raw is an embed-page URL this resolver handles.
	CanResolve(raw string) bool
	// Resolve fetches the embed page and returns candidate playlist URLs.
	Resolve(ctx context.Context, raw string) ([]string, error)
}

// Handler exposes the relay HTTP endpoints using go-chi.
type Handler struct {
	registry  *Registry
	selector  *Selector
	resolver  SourceResolver
	log       *slog.Logger
	metrics   *metrics.Metrics
	publicURL string

	// mxClient is shared by all MX Player requests; its bundle is fixed, so
	// no per-source session is needed.
	mxClient *http.Client
}

// NewHandler returns a Handler wired to the given registry and selector.
// resolver may be nil to disable embed-page extraction; metrics may be nil to
// disable metric recording (e.g. in tests). publicURL, when non-empty,
// overrides the per-request relay origin derivation.
func NewHandler(registry *Registry, selector *Selector, resolver SourceResolver, log *slog.Logger, m *metrics.Metrics, publicURL string) *Handler {
	return &Handler{
		registry:  registry,
		selector:  selector,
		resolver:  resolver,
		log:       log,
		metrics:   m,
		publicURL: strings.TrimRight(publicURL, "/"),
		mxClient:  newOriginClient(),
	}
}

// Routes mounts every relay endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/set-source", h.SetSource)
	r.Get("/playlist.m3u8", h.Playlist)
	r.Options("/playlist.m3u8", h.Preflight)
	r.Get("/stream", h.Stream)
	r.Options("/stream", h.Preflight)
	r.Get("/mx", h.MXPlayer)
	r.Options("/mx", h.Preflight)
	r.Get("/segment/{sessionID}", h.Segment)
	r.Options("/segment/{sessionID}", h.Preflight)
	r.Get("/test-bypass", h.TestBypass)
	r.Get("/health", h.Health)
	r.Get("/keepalive", h.Keepalive)
}

// SetSource handles POST /set-source with form field sourceURL. It designates
// a new active stream, clearing all prior session state, and answers with the
// fresh session id and the canonical relay URLs.
func (h *Handler) SetSource(w http.ResponseWriter, r *http.Request) {
	sourceURL := strings.TrimSpace(r.FormValue("sourceURL"))
	if sourceURL == "" {
		http.Error(w, "sourceURL form field is required", http.StatusBadRequest)
		return
	}

	if !IsPlaylistURL(sourceURL) && h.resolver != nil && h.resolver.CanResolve(sourceURL) {
		urls, err := h.resolver.Resolve(r.Context(), sourceURL)
		if err != nil || len(urls) == 0 {
			h.log.Warn("embed extraction failed",
				slog.String("url", truncateURL(sourceURL)),
				slog.Any("error", err))
			http.Error(w, "could not extract a playlist URL from the embed page", http.StatusBadRequest)
			return
		}
		sourceURL = urls[0]
	}

	sess, err := h.selector.Designate(sourceURL)
	if err != nil {
		http.Error(w, "invalid M3U8 URL: the playlist URL should end with .m3u8", http.StatusBadRequest)
		return
	}

	h.log.Info("active stream switched",
		slog.String("session_id", string(sess.ID)),
		slog.String("source_url", truncateURL(sourceURL)))
	if h.metrics != nil {
		h.metrics.IncStreamSwitches()
	}

	origin := h.relayOrigin(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   string(sess.ID),
		"source_url":   sourceURL,
		"playlist_url": origin + "/playlist.m3u8",
		"stream_url":   origin + "/stream",
	})
}

// Playlist handles GET /playlist.m3u8[?url=EXPLICIT]. An explicit playlist URL
// is served through a one-off session keyed by a URL-derived id; otherwise the
// active session is used.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	if raw := queryTarget(r); raw != "" && IsPlaylistURL(raw) {
		sess := h.registry.GetOrCreate(AdhocID(raw), raw)
		h.servePlaylist(w, r, sess, raw)
		return
	}

	id, src, ok := h.selector.Current()
	if !ok {
		http.Error(w, "No M3U8 URL set. Please set an M3U8 playlist URL first.", http.StatusBadRequest)
		return
	}
	sess := h.registry.GetOrCreate(id, src)
	h.servePlaylist(w, r, sess, src)
}

// Stream handles GET /stream[?url=EXPLICIT]. Playlist URLs get the rewritten
// playlist; anything else falls through to whole-file relay without rewriting.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	raw := queryTarget(r)
	var id SessionID
	if raw == "" {
		var src string
		var ok bool
		id, src, ok = h.selector.Current()
		if !ok {
			http.Error(w, "No stream URL set. Please set a stream URL first.", http.StatusBadRequest)
			return
		}
		raw = src
	} else {
		id = AdhocID(raw)
	}

	sess := h.registry.GetOrCreate(id, raw)
	if IsPlaylistURL(raw) {
		h.servePlaylist(w, r, sess, raw)
		return
	}
	res := relayMedia(w, r, sess, raw, "", videoChunkSize)
	h.finishRelay(res, raw, false)
}

// MXPlayer handles GET /mx[?url=EXPLICIT]: the MX Player header bundle, with
// playlists passed through unrewritten since MX Player fetches segments with
// the same profile on its own.
func (h *Handler) MXPlayer(w http.ResponseWriter, r *http.Request) {
	raw := queryTarget(r)
	if raw == "" {
		_, src, ok := h.selector.Current()
		if !ok {
			http.Error(w, "MX Player support: add ?url=YOUR_M3U8_URL or set a source URL first", http.StatusBadRequest)
			return
		}
		raw = src
	}

	sess := &Session{ID: "mx", SourceURL: raw, Client: h.mxClient, Headers: MXPlayerBundle()}
	if !IsPlaylistURL(raw) {
		res := relayMedia(w, r, sess, raw, "", videoChunkSize)
		h.finishRelay(res, raw, false)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), playlistFetchTimeout)
	defer cancel()
	req, err := sess.NewRequest(ctx, raw)
	if err != nil {
		http.Error(w, "invalid stream URL", http.StatusBadRequest)
		return
	}
	resp, err := sess.Client.Do(req)
	if err != nil {
		h.log.Error("mx playlist fetch failed", slog.String("url", truncateURL(raw)), slog.Any("error", err))
		http.Error(w, fmt.Sprintf("failed to fetch M3U8: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		http.Error(w, fmt.Sprintf("failed to fetch M3U8: %d", resp.StatusCode), resp.StatusCode)
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "failed to read M3U8 playlist", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Segment handles GET /segment/{sessionID}?url=ORIGIN_URL: the per-segment
// relay path. A session id unknown to the registry (e.g. after a stream
// switch) is cold-started against the segment's own URL, never served from a
// superseded client.
func (h *Handler) Segment(w http.ResponseWriter, r *http.Request) {
	target := queryTarget(r)
	if target == "" {
		http.Error(w, "Segment URL required", http.StatusBadRequest)
		return
	}
	id := SessionID(chi.URLParam(r, "sessionID"))
	if id == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	sess := h.registry.GetOrCreate(id, target)
	res := relayMedia(w, r, sess, target, "video/mp2t", segmentChunkSize)
	h.finishRelay(res, target, true)
}

// TestBypass handles GET /test-bypass: probes the active source URL with its
// bypass bundle and reports a diagnostic JSON payload.
func (h *Handler) TestBypass(w http.ResponseWriter, r *http.Request) {
	id, src, ok := h.selector.Current()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no active stream set"})
		return
	}
	sess := h.registry.GetOrCreate(id, src)

	ctx, cancel := context.WithTimeout(r.Context(), bypassProbeTimeout)
	defer cancel()
	req, err := sess.NewRequest(ctx, src)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"bypass_status": "ERROR", "error": err.Error()})
		return
	}
	resp, err := sess.Client.Do(req)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"bypass_status": "ERROR",
			"error":         err.Error(),
			"url":           truncateURL(src),
		})
		return
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
	status := "SUCCESS"
	if resp.StatusCode != http.StatusOK {
		status = "FAILED"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bypass_status":   status,
		"http_status":     resp.StatusCode,
		"content_type":    resp.Header.Get("Content-Type"),
		"content_preview": string(preview),
		"headers_used":    sess.Headers,
	})
}

// Health handles GET /health: liveness with session count, always succeeds
// while the process is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"service":         serviceName,
		"version":         serviceVersion,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"active_sessions": h.registry.Count(),
	})
}

// Keepalive handles GET /keepalive.
func (h *Handler) Keepalive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  h.registry.Count(),
	})
}

// Preflight answers OPTIONS on the streaming endpoints with permissive CORS
// headers and no body.
func (h *Handler) Preflight(w http.ResponseWriter, r *http.Request) {
	hd := w.Header()
	hd.Set("Access-Control-Allow-Origin", "*")
	hd.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	hd.Set("Access-Control-Allow-Headers", "Range, Content-Type, Authorization")
	hd.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// servePlaylist fetches playlistURL through sess, rewrites every media
// reference to a relay-local segment URL, and emits the result.
func (h *Handler) servePlaylist(w http.ResponseWriter, r *http.Request, sess *Session, playlistURL string) {
	ctx, cancel := context.WithTimeout(r.Context(), playlistFetchTimeout)
	defer cancel()

	req, err := sess.NewRequest(ctx, playlistURL)
	if err != nil {
		http.Error(w, "invalid playlist URL", http.StatusBadRequest)
		return
	}
	resp, err := sess.Client.Do(req)
	if err != nil {
		h.log.Error("playlist fetch failed",
			slog.String("url", truncateURL(playlistURL)),
			slog.Any("error", err))
		http.Error(w, fmt.Sprintf("M3U8 streaming error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.log.Error("playlist fetch rejected",
			slog.String("url", truncateURL(playlistURL)),
			slog.Int("status", resp.StatusCode))
		http.Error(w, fmt.Sprintf("Failed to fetch M3U8 playlist: %d", resp.StatusCode), resp.StatusCode)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "failed to read M3U8 playlist", http.StatusBadGateway)
		return
	}

	rewritten := Rewrite(string(body), BaseURL(playlistURL), sess.ID, h.relayOrigin(r))

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", playlistCacheSeconds))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rewritten))
}

// finishRelay records metrics and logs for a completed relayMedia call.
func (h *Handler) finishRelay(res relayResult, target string, segment bool) {
	if h.metrics != nil {
		h.metrics.AddRelayBytes(res.bytes)
		if segment && res.err == nil {
			h.metrics.IncSegmentsRelayed()
		}
	}
	if res.err != nil {
		if res.bytes > 0 {
			h.log.Warn("stream truncated mid-body",
				slog.String("url", truncateURL(target)),
				slog.Int64("bytes", res.bytes),
				slog.Any("error", res.err))
		} else {
			h.log.Error("relay failed",
				slog.String("url", truncateURL(target)),
				slog.Int("status", res.status),
				slog.Any("error", res.err))
		}
	}
}

// relayOrigin derives the externally visible relay base URL for rewritten
// segment links: the configured public URL when set, otherwise the request
// host with the forwarded protocol honored.
func (h *Handler) relayOrigin(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// queryTarget extracts the url parameter from the raw query string. Rewritten
// segment URLs embed the origin target unescaped, so a target carrying its own
// query string would be truncated by standard form parsing; everything after
// "url=" belongs to the target. Percent-escaped values are decoded.
func queryTarget(r *http.Request) string {
	q := r.URL.RawQuery
	idx := -1
	for i := 0; i+4 <= len(q); i++ {
		if strings.HasPrefix(q[i:], "url=") && (i == 0 || q[i-1] == '&') {
			idx = i + 4
			break
		}
	}
	if idx < 0 {
		return ""
	}
	v := q[idx:]
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return v
	}
	if dec, err := url.QueryUnescape(v); err == nil {
		return dec
	}
	return v
}

// truncateURL shortens a possibly token-bearing URL for logging.
func truncateURL(raw string) string {
	const max = 64
	if len(raw) <= max {
		return raw
	}
	return raw[:max] + "..."
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
