package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func newTestProbe(t *testing.T, handler http.HandlerFunc, timeout time.Duration) (*QuotaProbe, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	base, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return NewQuotaProbe(base, ts.Client(), timeout, false), ts
}

func TestFetchParsesAndNormalizesWindows(t *testing.T) {
	resetAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	probe, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/oauth/usage" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer at-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		respondJSON(w, map[string]any{
			"five_hour": map[string]any{"utilization": 42.0, "resets_at": resetAt.Format(time.RFC3339)},
			"seven_day": map[string]any{"utilization": 7.5},
		})
	}, 0)

	got := probe.Fetch(context.Background(), "at-1")
	if got == nil {
		t.Fatalf("expected utilization")
	}
	if got.FiveHour == nil || got.FiveHour.Utilization != 0.42 {
		t.Fatalf("five-hour not normalized to fraction: %+v", got.FiveHour)
	}
	if got.FiveHour.ResetsAt != resetAt.UnixMilli() {
		t.Fatalf("resets_at not parsed: %d", got.FiveHour.ResetsAt)
	}
	if got.SevenDay == nil || got.SevenDay.Utilization != 0.075 {
		t.Fatalf("seven-day not normalized: %+v", got.SevenDay)
	}
	if got.SevenDay.ResetsAt != 0 {
		t.Fatalf("missing resets_at should stay zero")
	}
}

func TestFetchNonSuccessStatusIsNil(t *testing.T) {
	probe, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream busy", http.StatusServiceUnavailable)
	}, 0)

	if got := probe.Fetch(context.Background(), "at"); got != nil {
		t.Fatalf("expected nil on 503, got %+v", got)
	}
}

func TestFetchMalformedBodyIsNil(t *testing.T) {
	probe, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{not json"))
	}, 0)

	if got := probe.Fetch(context.Background(), "at"); got != nil {
		t.Fatalf("expected nil on malformed body, got %+v", got)
	}
}

func TestFetchEmptyPayloadIsNil(t *testing.T) {
	probe, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]any{})
	}, 0)

	if got := probe.Fetch(context.Background(), "at"); got != nil {
		t.Fatalf("expected nil when both windows are absent, got %+v", got)
	}
}

func TestFetchTimesOutToNil(t *testing.T) {
	probe, _ := newTestProbe(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		respondJSON(w, map[string]any{"five_hour": map[string]any{"utilization": 10.0}})
	}, 50*time.Millisecond)

	start := time.Now()
	if got := probe.Fetch(context.Background(), "at"); got != nil {
		t.Fatalf("expected nil on timeout, got %+v", got)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("probe did not respect its timeout: %v", elapsed)
	}
}

func TestFetchUnreachableHostIsNil(t *testing.T) {
	base, _ := url.Parse("http://127.0.0.1:0")
	probe := NewQuotaProbe(base, &http.Client{Timeout: time.Second}, time.Second, false)
	if got := probe.Fetch(context.Background(), "at"); got != nil {
		t.Fatalf("expected nil on transport failure, got %+v", got)
	}
}

func TestRankValue(t *testing.T) {
	var nilU *Utilization
	if _, ok := nilU.rankValue(); ok {
		t.Fatalf("nil utilization must not rank")
	}
	both := &Utilization{
		FiveHour: &QuotaWindow{Utilization: 0.9},
		SevenDay: &QuotaWindow{Utilization: 0.1},
	}
	if v, ok := both.rankValue(); !ok || v != 0.9 {
		t.Fatalf("primary window must drive ranking, got %v %v", v, ok)
	}
	secondaryOnly := &Utilization{SevenDay: &QuotaWindow{Utilization: 0.3}}
	if v, ok := secondaryOnly.rankValue(); !ok || v != 0.3 {
		t.Fatalf("secondary fallback broken, got %v %v", v, ok)
	}
}
