package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"time"
)

const defaultProbeTimeout = 10 * time.Second

// QuotaWindow is one metered usage window. Utilization is the consumed
// fraction of the window, normalized to 0-1 once at ingestion; the upstream
// reports percentages.
type QuotaWindow struct {
	Utilization float64
	ResetsAt    int64 // epoch millis, zero when the endpoint omits it
}

// Utilization is the parsed usage-telemetry response. FiveHour is the primary
// (short) window and drives ranking; SevenDay is the longer-horizon fallback.
type Utilization struct {
	FiveHour *QuotaWindow
	SevenDay *QuotaWindow
}

// rankValue is the single number a credential is ranked by: the primary
// window when present, the secondary otherwise.
func (u *Utilization) rankValue() (float64, bool) {
	if u == nil {
		return 0, false
	}
	if u.FiveHour != nil {
		return u.FiveHour.Utilization, true
	}
	if u.SevenDay != nil {
		return u.SevenDay.Utilization, true
	}
	return 0, false
}

// QuotaProbe queries the upstream usage endpoint for one credential. It never
// returns an error: timeouts, transport failures, non-2xx statuses, and
// malformed bodies all collapse to nil, which callers treat as an expected
// "no data" outcome rather than a failure.
type QuotaProbe struct {
	usageURL string
	client   *http.Client
	timeout  time.Duration
	debug    bool
}

func NewQuotaProbe(apiBase *url.URL, client *http.Client, timeout time.Duration, debug bool) *QuotaProbe {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	u := *apiBase
	u.Path = singleJoin(apiBase.Path, "/api/oauth/usage")
	u.RawQuery = ""
	return &QuotaProbe{usageURL: u.String(), client: client, timeout: timeout, debug: debug}
}

// Fetch retrieves current utilization for the credential owning accessToken.
func (p *QuotaProbe) Fetch(ctx context.Context, accessToken string) *Utilization {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.usageURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if p.debug {
			log.Printf("quota probe: %v", err)
		}
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if p.debug {
			log.Printf("quota probe: status %s", resp.Status)
		}
		return nil
	}

	var payload struct {
		FiveHour *struct {
			Utilization float64 `json:"utilization"`
			ResetsAt    string  `json:"resets_at"`
		} `json:"five_hour"`
		SevenDay *struct {
			Utilization float64 `json:"utilization"`
			ResetsAt    string  `json:"resets_at"`
		} `json:"seven_day"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if p.debug {
			log.Printf("quota probe: decode: %v", err)
		}
		return nil
	}
	if payload.FiveHour == nil && payload.SevenDay == nil {
		return nil
	}

	out := &Utilization{}
	if payload.FiveHour != nil {
		out.FiveHour = &QuotaWindow{
			Utilization: payload.FiveHour.Utilization / 100.0,
			ResetsAt:    parseResetTime(payload.FiveHour.ResetsAt),
		}
	}
	if payload.SevenDay != nil {
		out.SevenDay = &QuotaWindow{
			Utilization: payload.SevenDay.Utilization / 100.0,
			ResetsAt:    parseResetTime(payload.SevenDay.ResetsAt),
		}
	}
	return out
}

func parseResetTime(raw string) int64 {
	if raw == "" {
		return 0
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UnixMilli()
	}
	return 0
}
