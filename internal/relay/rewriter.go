package relay

import (
	"net/url"
	"strings"
)

// IsPlaylistURL reports whether raw looks like an HLS playlist URL.
func IsPlaylistURL(raw string) bool {
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	return strings.HasSuffix(lower, ".m3u8") || strings.Contains(lower, "m3u8")
}

// BaseURL strips the last path segment from playlistURL, yielding the
// directory-resolution root for relative segment paths.
// "http://host/live/index.m3u8" -> "http://host/live/".
func BaseURL(playlistURL string) string {
	u, err := url.Parse(playlistURL)
	if err != nil {
		return playlistURL
	}
	path := u.Path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[:i+1]
	} else {
		path = "/"
	}
	return u.Scheme + "://" + u.Host + path
}

// Rewrite transforms an HLS playlist body so every media reference points back
// through the relay. Directive lines (empty or starting with '#') pass through
// unchanged; media-reference lines are resolved against baseURL and replaced
// with relayOrigin + "/segment/" + sessionID + "?url=" + target.
//
// Rewrite is pure: the same inputs yield byte-identical output.
func Rewrite(body, baseURL string, sessionID SessionID, relayOrigin string) string {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}
		target := resolveSegmentURL(baseURL, trimmed)
		out = append(out, relayOrigin+"/segment/"+string(sessionID)+"?url="+target)
	}
	return strings.Join(out, "\n")
}

// resolveSegmentURL turns a playlist media reference into an absolute origin
// URL. Root-relative references resolve against the base's scheme+host only,
// matching how HLS servers treat paths that start at the document root.
func resolveSegmentURL(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		return base.Scheme + "://" + base.Host + ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}
