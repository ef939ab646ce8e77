package main

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// enrollSessions tracks in-progress OAuth enrollments keyed by verifier.
type enrollSessions struct {
	mu       sync.Mutex
	sessions map[string]time.Time // verifier -> created
}

func newEnrollSessions() *enrollSessions {
	return &enrollSessions{sessions: make(map[string]time.Time)}
}

func (s *enrollSessions) put(verifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.sessions[verifier] = now
	for v, created := range s.sessions {
		if now.Sub(created) > 10*time.Minute {
			delete(s.sessions, v)
		}
	}
}

func (s *enrollSessions) take(verifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, ok := s.sessions[verifier]
	if !ok || time.Since(created) > 10*time.Minute {
		return false
	}
	delete(s.sessions, verifier)
	return true
}

// serveAdmin routes the operator surface. Everything here requires the admin
// token; the proxy refuses admin requests entirely when none is configured.
func (h *proxyHandler) serveAdmin(w http.ResponseWriter, r *http.Request) {
	if h.cfg.adminToken == "" {
		http.Error(w, "admin surface disabled (no admin_token configured)", http.StatusForbidden)
		return
	}
	supplied := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.cfg.adminToken)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/admin")
	switch {
	case path == "/credentials" && r.Method == http.MethodGet:
		h.handleListCredentials(w)
	case path == "/credentials/add" && r.Method == http.MethodPost:
		h.handleEnrollStart(w, r)
	case path == "/credentials/exchange" && r.Method == http.MethodPost:
		h.handleEnrollExchange(w, r)
	case path == "/credentials/remove" && r.Method == http.MethodPost:
		h.handleRemoveCredential(w, r)
	case path == "/credentials/enabled" && r.Method == http.MethodPost:
		h.handleSetEnabled(w, r)
	case path == "/switch" && r.Method == http.MethodPost:
		h.handleSwitch(w, r)
	case path == "/events" && r.Method == http.MethodGet:
		h.handleEvents(w, r)
	default:
		http.NotFound(w, r)
	}
}

// GET /admin/credentials - pool status with masked secrets.
func (h *proxyHandler) handleListCredentials(w http.ResponseWriter) {
	doc, err := h.pool.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type row struct {
		Index            int    `json:"index"`
		Label            string `json:"label"`
		Active           bool   `json:"active"`
		Enabled          bool   `json:"enabled"`
		AccessToken      string `json:"access_token,omitempty"`
		ExpiresAt        int64  `json:"expires_at,omitempty"`
		AddedAt          int64  `json:"added_at"`
		LastUsedAt       int64  `json:"last_used_at,omitempty"`
		RateLimitedUntil int64  `json:"rate_limited_until,omitempty"`
	}

	now := time.Now()
	out := make([]row, 0, len(doc.Credentials))
	for i, c := range doc.Credentials {
		out = append(out, row{
			Index:            i,
			Label:            c.DisplayName(i),
			Active:           i == doc.ActiveIndex,
			Enabled:          c.Enabled,
			AccessToken:      maskSecret(c.AccessToken),
			ExpiresAt:        c.ExpiresAt,
			AddedAt:          c.AddedAt,
			LastUsedAt:       c.LastUsedAt,
			RateLimitedUntil: c.RateLimitedUntil,
		})
	}

	resp := map[string]any{
		"credentials":  out,
		"active_index": doc.ActiveIndex,
	}
	if wait, ok := h.pool.ShortestWait(now); ok {
		resp["shortest_wait_seconds"] = int(wait.Seconds())
	}
	respondJSON(w, resp)
}

// POST /admin/credentials/add - begin an OAuth enrollment.
func (h *proxyHandler) handleEnrollStart(w http.ResponseWriter, r *http.Request) {
	pkce, err := GeneratePKCE()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.sessions.put(pkce.Verifier)
	respondJSON(w, map[string]any{
		"oauth_url": AuthorizeURL(pkce),
		"verifier":  pkce.Verifier,
	})
}

// POST /admin/credentials/exchange - finish enrollment with the pasted code.
func (h *proxyHandler) handleEnrollExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Verifier string `json:"verifier"`
		Label    string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	code := strings.TrimSpace(req.Code)
	verifier := strings.TrimSpace(req.Verifier)
	if code == "" || verifier == "" {
		http.Error(w, "code and verifier are required", http.StatusBadRequest)
		return
	}
	if !h.sessions.take(verifier) {
		http.Error(w, "invalid or expired enrollment session", http.StatusBadRequest)
		return
	}

	grant, err := h.tokens.Exchange(r.Context(), code, verifier)
	if err != nil {
		log.Printf("token exchange failed: %v", err)
		http.Error(w, "token exchange failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = "claude_" + randomID()
	}
	rec := CredentialRecord{
		RefreshToken: grant.RefreshToken,
		AccessToken:  grant.AccessToken,
		ExpiresAt:    grant.ExpiresAt,
		AddedAt:      time.Now().UnixMilli(),
		Label:        label,
		Enabled:      true,
	}
	if err := h.store.Add(rec); err != nil {
		http.Error(w, "save credential: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.events.record(eventEnrolled, label, "")

	// Let the new credential compete for the active slot right away.
	if _, err := h.pool.SwitchAccount(r.Context()); err != nil {
		log.Printf("reselect after enroll: %v", err)
	}

	respondJSON(w, map[string]any{"success": true, "label": label})
}

// POST /admin/credentials/remove {"index": N}
func (h *proxyHandler) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := h.store.Get(req.Index)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.store.Remove(req.Index); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.events.record(eventRemoved, rec.DisplayName(req.Index), "")
	respondJSON(w, map[string]any{"success": true})
}

// POST /admin/credentials/enabled {"index": N, "enabled": bool}
func (h *proxyHandler) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index   int  `json:"index"`
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.store.SetEnabled(req.Index, req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Disabling the active credential must not leave it selected.
	if _, err := h.pool.SwitchAccount(r.Context()); err != nil {
		log.Printf("reselect after enabled change: %v", err)
	}
	respondJSON(w, map[string]any{"success": true})
}

// POST /admin/switch - force a fresh selection pass.
func (h *proxyHandler) handleSwitch(w http.ResponseWriter, r *http.Request) {
	next, err := h.pool.SwitchAccount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if next == nil {
		respondJSON(w, map[string]any{"success": false, "reason": "pool empty"})
		return
	}
	_, idx, _ := h.pool.Active()
	respondJSON(w, map[string]any{"success": true, "active": next.DisplayName(idx)})
}

// GET /admin/events?limit=N
func (h *proxyHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	respondJSON(w, map[string]any{"events": h.events.recent(limit)})
}
