package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultRetryAfter = 60 * time.Second

type proxyHandler struct {
	cfg       config
	transport http.RoundTripper
	pool      *AccountPool
	store     *CredentialStore
	tokens    *TokenClient
	events    *eventStore
	metrics   *metrics
	recent    *recentErrors
	sessions  *enrollSessions
	startTime time.Time
}

// ServeHTTP routes incoming requests: local admin/status surface first,
// everything under /v1/ goes upstream with the pool's active credential.
func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()
	if h.cfg.debug {
		log.Printf("[%s] incoming %s %s", reqID, r.Method, r.URL.Path)
	}

	switch r.URL.Path {
	case "/healthz":
		h.serveHealth(w)
		return
	case "/metrics":
		h.metrics.serve(w, r)
		return
	case "/favicon.ico":
		http.NotFound(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/admin/") {
		h.serveAdmin(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/v1/") {
		h.proxyRequest(w, r, reqID)
		return
	}

	http.NotFound(w, r)
}

// proxyRequest forwards one request upstream, failing over across
// credentials on 429 until the pool is exhausted.
func (h *proxyHandler) proxyRequest(w http.ResponseWriter, r *http.Request, reqID string) {
	active, idx, ok := h.pool.Active()
	if !ok {
		http.Error(w, "no credentials enrolled", http.StatusServiceUnavailable)
		return
	}

	// Keep the active token fresh before spending an upstream round trip on
	// a guaranteed 401. A refresh failure here is fatal for the request:
	// there is no usable secret left on this credential.
	if !h.cfg.disableRefresh && active.NeedsRefresh(time.Now(), time.Minute) {
		refreshed, err := h.pool.RefreshActive(r.Context())
		if err != nil {
			h.recent.add(fmt.Sprintf("refresh active: %v", err))
			http.Error(w, "credential refresh failed", http.StatusBadGateway)
			return
		}
		if refreshed != nil {
			active = *refreshed
		}
	}

	// Buffer the body so it can be replayed when we fail over.
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}
	}

	label := active.DisplayName(idx)
	refreshedOnce := false
	for attempt := 0; attempt < h.cfg.maxAttempts; attempt++ {
		resp, err := h.forward(r, active, body)
		if err != nil {
			h.recent.add(fmt.Sprintf("[%s] upstream: %v", reqID, err))
			h.metrics.inc("network_error", label)
			http.Error(w, "upstream unreachable", http.StatusBadGateway)
			return
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp, defaultRetryAfter)
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			h.metrics.inc("429", label)

			next, err := h.pool.HandleRateLimit(r.Context(), retryAfter)
			if err != nil {
				var exhausted *PoolExhaustedError
				if errors.As(err, &exhausted) {
					h.metrics.incExhausted()
					h.respondExhausted(w, exhausted)
					return
				}
				h.recent.add(fmt.Sprintf("[%s] failover: %v", reqID, err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			h.metrics.incFailover()
			active = *next
			_, idx, _ = h.pool.Active()
			label = active.DisplayName(idx)
			if h.cfg.debug {
				log.Printf("[%s] retrying on %s after 429", reqID, label)
			}
			continue

		case resp.StatusCode == http.StatusUnauthorized && !refreshedOnce && !h.cfg.disableRefresh:
			resp.Body.Close()
			refreshedOnce = true
			refreshed, err := h.pool.RefreshActive(r.Context())
			if err != nil {
				h.recent.add(fmt.Sprintf("[%s] refresh after 401: %v", reqID, err))
				h.metrics.inc("401", label)
				http.Error(w, "credential refresh failed", http.StatusBadGateway)
				return
			}
			if refreshed != nil {
				active = *refreshed
			}
			continue

		default:
			h.metrics.inc(strconv.Itoa(resp.StatusCode), label)
			if resp.StatusCode < 400 {
				if err := h.pool.MarkUsed(); err != nil {
					log.Printf("[%s] mark used: %v", reqID, err)
				}
			}
			h.relayResponse(w, resp)
			return
		}
	}

	// All attempts consumed on rate limits without exhausting the pool.
	h.respondExhausted(w, &PoolExhaustedError{})
}

// forward sends one upstream attempt authenticated as cred.
func (h *proxyHandler) forward(r *http.Request, cred CredentialRecord, body []byte) (*http.Response, error) {
	target := *h.cfg.apiBase
	target.Path = singleJoin(h.cfg.apiBase.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	removeHopByHopHeaders(req.Header)
	req.Header.Del("X-Api-Key")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Host = target.Host

	return h.transport.RoundTrip(req)
}

// relayResponse streams the upstream response to the client, flushing as
// chunks arrive so SSE events are delivered promptly.
func (h *proxyHandler) relayResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *proxyHandler) respondExhausted(w http.ResponseWriter, err *PoolExhaustedError) {
	retryIn := err.RetryIn
	if retryIn == 0 {
		if wait, ok := h.pool.ShortestWait(time.Now()); ok {
			retryIn = wait
		}
	}
	if retryIn > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryIn.Seconds()+1)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	respondJSON(w, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":                "rate_limit_error",
			"message":             err.Error(),
			"retry_after_seconds": int(retryIn.Seconds()),
		},
	})
}

// parseRetryAfter reads the Retry-After header as either delta-seconds or an
// HTTP date, falling back to def.
func parseRetryAfter(resp *http.Response, def time.Duration) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return def
}

func (h *proxyHandler) serveHealth(w http.ResponseWriter) {
	doc, _ := h.pool.Snapshot()
	respondJSON(w, map[string]any{
		"ok":             true,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"credentials":    len(doc.Credentials),
		"recent_errors":  h.recent.snapshot(),
	})
}
