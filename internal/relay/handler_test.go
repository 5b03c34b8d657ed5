package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T, resolver SourceResolver) (*Handler, *Registry, *Selector) {
	t.Helper()
	reg := NewRegistry()
	sel := NewSelector(reg)
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewHandler(reg, sel, resolver, log, nil, ""), reg, sel
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.NotFound(NotFound())
	r.MethodNotAllowed(MethodNotAllowed())
	h.Routes(r)
	return r
}

func postSetSource(t *testing.T, r http.Handler, sourceURL string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"sourceURL": {sourceURL}}
	req := httptest.NewRequest(http.MethodPost, "/set-source", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSetSource_rejects_non_playlist(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	rec := postSetSource(t, r, "http://origin/video.mp4")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "M3U8") {
		t.Errorf("expected explanatory body, got %q", rec.Body.String())
	}
}

func TestSetSource_missing_field(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/set-source", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSetSource_and_playlist_end_to_end(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/live/index.m3u8" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:6\nseg1.ts\nseg2.ts\n"))
	}))
	defer origin.Close()

	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	rec := postSetSource(t, r, origin.URL+"/live/index.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("set-source: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("set-source body: %v", err)
	}
	id := resp["session_id"]
	if id == "" {
		t.Fatal("expected session_id in confirmation payload")
	}
	if resp["playlist_url"] != "http://example.com/playlist.m3u8" {
		t.Errorf("unexpected playlist_url %q", resp["playlist_url"])
	}

	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u8", nil)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req)

	if rec2.Code != http.StatusOK {
		t.Fatalf("playlist: expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}
	if ct := rec2.Header().Get("Content-Type"); ct != "application/x-mpegURL" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cc := rec2.Header().Get("Cache-Control"); cc != "max-age=30" {
		t.Errorf("unexpected cache control %q", cc)
	}

	want := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n" +
		"http://example.com/segment/" + id + "?url=" + origin.URL + "/live/seg1.ts\n" +
		"http://example.com/segment/" + id + "?url=" + origin.URL + "/live/seg2.ts\n"
	if rec2.Body.String() != want {
		t.Errorf("rewritten playlist:\n%q\nwant:\n%q", rec2.Body.String(), want)
	}
}

func TestPlaylist_no_active_stream(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestPlaylist_explicit_url_one_off(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\nseg1.ts\n"))
	}))
	defer origin.Close()

	h, reg, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u8?url="+origin.URL+"/a/index.m3u8", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "/segment/direct-") {
		t.Errorf("expected a derived one-off session id, got %q", rec.Body.String())
	}
	if reg.Count() != 1 {
		t.Errorf("expected one ad-hoc session, got %d", reg.Count())
	}
}

func TestSegment_missing_url(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/segment/s1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSegment_range_propagation(t *testing.T) {
	var originRange string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 100-199/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 100))
	}))
	defer origin.Close()

	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/segment/s1?url="+origin.URL+"/seg1.ts", nil)
	req.Header.Set("Range", "bytes=100-199")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if originRange != "bytes=100-199" {
		t.Errorf("range not forwarded verbatim: %q", originRange)
	}
	if rec.Code != http.StatusPartialContent {
		t.Errorf("expected 206, got %d", rec.Code)
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 100-199/1000" {
		t.Errorf("content range not echoed: %q", cr)
	}
	if ar := rec.Header().Get("Accept-Ranges"); ar != "bytes" {
		t.Errorf("expected Accept-Ranges bytes, got %q", ar)
	}
	if rec.Body.Len() != 100 {
		t.Errorf("expected 100 body bytes, got %d", rec.Body.Len())
	}
}

func TestSegment_token_query_survives_unescaped(t *testing.T) {
	var gotQuery string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte("data"))
	}))
	defer origin.Close()

	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/segment/s1?url="+origin.URL+"/seg.ts?token=abc&expires=42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotQuery != "token=abc&expires=42" {
		t.Errorf("origin query truncated: %q", gotQuery)
	}
}

func TestSegment_origin_error_surfaced(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer origin.Close()

	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/segment/s1?url="+origin.URL+"/seg1.ts", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("origin status must be surfaced, got %d", rec.Code)
	}
}

func TestSegment_cold_start_after_switch(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Write([]byte("#EXTM3U\nseg1.ts\n"))
			return
		}
		w.Write([]byte("segment-data"))
	}))
	defer origin.Close()

	h, reg, sel := newTestHandler(t, nil)
	r := newTestRouter(h)

	s1, err := sel.Designate(origin.URL + "/a/index.m3u8")
	if err != nil {
		t.Fatalf("designate a: %v", err)
	}
	if _, err := sel.Designate(origin.URL + "/b/index.m3u8"); err != nil {
		t.Fatalf("designate b: %v", err)
	}

	// The pre-switch id must be gone; a request bearing it is cold-started
	// against its own segment URL.
	if _, ok := reg.Get(s1.ID); ok {
		t.Fatal("pre-switch session still in registry")
	}
	req := httptest.NewRequest(http.MethodGet, "/segment/"+string(s1.ID)+"?url="+origin.URL+"/b/seg1.ts", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("cold start failed: %d", rec.Code)
	}
	cold, ok := reg.Get(s1.ID)
	if !ok {
		t.Fatal("cold session not stored")
	}
	if cold.SourceURL != origin.URL+"/b/seg1.ts" {
		t.Errorf("cold session bound to %q, not the new fallback", cold.SourceURL)
	}
}

func TestStream_whole_file_fallback(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("mp4-bytes"))
	}))
	defer origin.Close()

	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/stream?url="+origin.URL+"/video.mp4", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "mp4-bytes" {
		t.Errorf("body not relayed: %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("origin content type not propagated: %q", ct)
	}
}

func TestMXPlayer_playlist_unrewritten(t *testing.T) {
	var gotUA string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("#EXTM3U\nseg1.ts\n"))
	}))
	defer origin.Close()

	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/mx?url="+origin.URL+"/index.m3u8", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "#EXTM3U\nseg1.ts\n" {
		t.Errorf("MX playlist should pass through unrewritten: %q", rec.Body.String())
	}
	if !strings.HasPrefix(gotUA, "MXPlayer/") {
		t.Errorf("expected MX Player user agent, got %q", gotUA)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "inline" {
		t.Errorf("expected inline disposition, got %q", cd)
	}
}

func TestPreflight_cors_headers(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodOptions, "/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("preflight must have no body")
	}
	hd := rec.Header()
	if hd.Get("Access-Control-Allow-Origin") != "*" ||
		hd.Get("Access-Control-Allow-Methods") != "GET, HEAD, OPTIONS" ||
		hd.Get("Access-Control-Allow-Headers") != "Range, Content-Type, Authorization" ||
		hd.Get("Access-Control-Max-Age") != "86400" {
		t.Errorf("preflight headers wrong: %v", hd)
	}
}

func TestHealth_and_keepalive(t *testing.T) {
	h, reg, _ := newTestHandler(t, nil)
	r := newTestRouter(h)
	reg.Create("http://origin/a.m3u8")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("health body: %v", err)
	}
	if health["status"] != "healthy" || health["active_sessions"] != float64(1) {
		t.Errorf("unexpected health payload: %v", health)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/keepalive", nil)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("keepalive: expected 200, got %d", rec2.Code)
	}
}

func TestNotFound_structured_payload(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/no-such-route", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON payload: %v", err)
	}
	if payload["error"] != "Not found" || payload["message"] == "" {
		t.Errorf("unexpected payload %v", payload)
	}
}

type stubResolver struct {
	urls []string
}

func (s *stubResolver) CanResolve(raw string) bool {
	return strings.Contains(raw, "tvnation.me")
}

func (s *stubResolver) Resolve(ctx context.Context, raw string) ([]string, error) {
	return s.urls, nil
}

func TestSetSource_resolves_embed_url(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\nseg1.ts\n"))
	}))
	defer origin.Close()

	h, _, sel := newTestHandler(t, &stubResolver{urls: []string{origin.URL + "/live/index.m3u8"}})
	r := newTestRouter(h)

	rec := postSetSource(t, r, "http://www.tvnation.me/flix.php?url=kxrOyaORnebzor2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	_, src, ok := sel.Current()
	if !ok || src != origin.URL+"/live/index.m3u8" {
		t.Errorf("active source should be the extracted URL, got %q", src)
	}
}

func TestTestBypass_reports_probe(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-mpegURL")
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer origin.Close()

	h, _, sel := newTestHandler(t, nil)
	r := newTestRouter(h)
	if _, err := sel.Designate(origin.URL + "/index.m3u8"); err != nil {
		t.Fatalf("designate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/test-bypass", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("bypass body: %v", err)
	}
	if payload["bypass_status"] != "SUCCESS" {
		t.Errorf("unexpected bypass payload: %v", payload)
	}
}
