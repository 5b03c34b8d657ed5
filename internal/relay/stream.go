package relay

import (
	"fmt"
	"io"
	"net/http"
)

const (
	// segmentChunkSize is the copy granularity for HLS media segments.
	segmentChunkSize = 512 * 1024

	// videoChunkSize is the copy granularity for whole-file fallback video.
	videoChunkSize = 1024 * 1024
)

// relayResult reports what a relayMedia call did, for logging and metrics.
// A non-nil err with bytes > 0 means the stream was truncated mid-body after
// headers were already sent.
type relayResult struct {
	status int
	bytes  int64
	err    error
}

// relayMedia fetches target through the session's client and streams the body
// back in fixed-size chunks, never buffering the whole payload. An incoming
// Range header is forwarded verbatim so players can seek; Content-Length and
// Content-Range are echoed from the origin when present. Origin statuses other
// than 200/206 are surfaced to the caller unchanged, not translated to 500.
func relayMedia(w http.ResponseWriter, r *http.Request, sess *Session, target, contentType string, chunkSize int) relayResult {
	req, err := sess.NewRequest(r.Context(), target)
	if err != nil {
		http.Error(w, "invalid segment URL", http.StatusBadRequest)
		return relayResult{status: http.StatusBadRequest, err: err}
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := sess.Client.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("origin fetch failed: %v", err), http.StatusBadGateway)
		return relayResult{status: http.StatusBadGateway, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		http.Error(w, fmt.Sprintf("origin request failed: %d", resp.StatusCode), resp.StatusCode)
		return relayResult{status: resp.StatusCode, err: fmt.Errorf("origin status %d", resp.StatusCode)}
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-cache")
	if contentType != "" {
		h.Set("Content-Type", contentType)
	} else if ct := resp.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		h.Set("Content-Length", cl)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		h.Set("Content-Range", cr)
	}
	w.WriteHeader(resp.StatusCode)

	n, err := copyChunks(w, resp.Body, chunkSize)
	return relayResult{status: resp.StatusCode, bytes: n, err: err}
}

// copyChunks copies src to dst in chunkSize pieces, flushing after each write
// so playback can start before the transfer completes. It stops on the first
// read or write error; a write error means the client went away and the
// outbound body is closed by the caller rather than drained.
func copyChunks(dst http.ResponseWriter, src io.Reader, chunkSize int) (int64, error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
