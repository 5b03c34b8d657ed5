// Package extractor mines direct m3u8 playlist URLs out of TVNation embed
// pages, whose players gate the raw URLs behind domain restrictions. It is a
// one-shot, best-effort helper with no state shared with the relay core.
package extractor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultEmbedBase is the embed page prefix the url code is appended to.
	DefaultEmbedBase = "http://www.tvnation.me/flix.php?url="

	fetchTimeout = 15 * time.Second
	iframeBudget = 10 * time.Second
	maxPageBytes = 2 << 20
)

var (
	quotedM3U8Re = regexp.MustCompile(`["']([^"']*\.m3u8[^"']*)["']`)
	base64BlobRe = regexp.MustCompile(`["']([A-Za-z0-9+/=]{50,})["']`)
	mediaSrcRe   = regexp.MustCompile(`(?i)<(?:video|source)[^>]+src=["']([^"']+)["']`)
	iframeSrcRe  = regexp.MustCompile(`(?i)<iframe[^>]+src=["']([^"']+)["']`)
	bareM3U8Re   = regexp.MustCompile(`https?://[^\s"'<>]+\.m3u8[^\s"'<>]*`)
)

// placeholders disqualify URLs that are obviously sample values, not streams.
var placeholders = []string{"example.com", "placeholder", "dummy", "test.m3u8"}

// Extractor fetches embed pages with a desktop browser profile and scans them
// for playlist URLs.
type Extractor struct {
	client    *http.Client
	embedBase string
}

// New returns an Extractor using the default embed base and its own client.
func New() *Extractor {
	return &Extractor{
		client:    &http.Client{Timeout: fetchTimeout},
		embedBase: DefaultEmbedBase,
	}
}

// NewWithBase returns an Extractor pointed at a non-default embed base,
// used by tests to target a fake embed server.
func NewWithBase(embedBase string) *Extractor {
	e := New()
	e.embedBase = embedBase
	return e
}

// CanResolve reports whether raw is a TVNation embed URL carrying a url code.
func (e *Extractor) CanResolve(raw string) bool {
	return strings.Contains(raw, "tvnation.me") && strings.Contains(raw, "flix.php")
}

// Resolve extracts the url code from an embed URL and runs Extract on it.
func (e *Extractor) Resolve(ctx context.Context, raw string) ([]string, error) {
	code, ok := CodeFromURL(raw)
	if !ok {
		return nil, errors.New("embed URL carries no url code")
	}
	return e.Extract(ctx, code)
}

// Extract fetches the embed page for code and returns every valid, distinct
// m3u8 URL found in it: quoted URLs and base64 blobs inside script bodies,
// video/source src attributes, iframe targets (fetched and scanned in turn),
// and bare URLs in page text.
func (e *Extractor) Extract(ctx context.Context, code string) ([]string, error) {
	page, err := e.fetchPage(ctx, e.embedBase+url.QueryEscape(code))
	if err != nil {
		return nil, fmt.Errorf("fetch embed page: %w", err)
	}

	var found []string
	for _, m := range quotedM3U8Re.FindAllStringSubmatch(page, -1) {
		found = append(found, m[1])
	}
	for _, m := range base64BlobRe.FindAllStringSubmatch(page, -1) {
		if decoded, err := base64.StdEncoding.DecodeString(m[1]); err == nil {
			if s := string(decoded); strings.Contains(s, ".m3u8") {
				found = append(found, strings.TrimSpace(s))
			}
		}
	}
	for _, m := range mediaSrcRe.FindAllStringSubmatch(page, -1) {
		if strings.Contains(m[1], ".m3u8") {
			found = append(found, m[1])
		}
	}
	found = append(found, e.scanIframes(ctx, page)...)
	for _, m := range bareM3U8Re.FindAllString(page, -1) {
		found = append(found, m)
	}

	var valid []string
	seen := make(map[string]bool)
	for _, u := range found {
		u = strings.TrimSpace(u)
		if !IsValidPlaylistURL(u) || seen[u] {
			continue
		}
		seen[u] = true
		valid = append(valid, u)
	}
	if len(valid) == 0 {
		return nil, errors.New("no m3u8 URLs found in the embedded player")
	}
	return valid, nil
}

// scanIframes fetches each iframe target and scans it for quoted m3u8 URLs.
// Failures are skipped; iframes are auxiliary sources.
func (e *Extractor) scanIframes(ctx context.Context, page string) []string {
	var found []string
	for _, m := range iframeSrcRe.FindAllStringSubmatch(page, -1) {
		src := m[1]
		if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
			continue
		}
		frameCtx, cancel := context.WithTimeout(ctx, iframeBudget)
		body, err := e.fetchPage(frameCtx, src)
		cancel()
		if err != nil {
			continue
		}
		for _, fm := range quotedM3U8Re.FindAllStringSubmatch(body, -1) {
			found = append(found, fm[1])
		}
	}
	return found
}

func (e *Extractor) fetchPage(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "http://www.tvnation.me/")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// CodeFromURL extracts the url code parameter from a full embed URL. If raw
// carries no url parameter, ok is false.
func CodeFromURL(raw string) (code string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	code = u.Query().Get("url")
	return code, code != ""
}

// IsValidPlaylistURL filters extraction candidates: absolute http(s) m3u8
// URLs that are not obvious placeholders.
func IsValidPlaylistURL(u string) bool {
	if len(u) < 10 {
		return false
	}
	lower := strings.ToLower(u)
	if !strings.Contains(lower, ".m3u8") {
		return false
	}
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	for _, p := range placeholders {
		if strings.Contains(lower, p) {
			return false
		}
	}
	return true
}
