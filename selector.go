package main

import (
	"context"
	"sort"
	"sync"
	"time"
)

// quotaFetcher is the selector's view of the quota probe.
type quotaFetcher interface {
	Fetch(ctx context.Context, accessToken string) *Utilization
}

// AccountSelector ranks credentials by quota headroom. It holds no state
// beyond its probe; SelectBest is a pure function of its inputs and the
// telemetry it gathers.
type AccountSelector struct {
	probe quotaFetcher
}

func NewAccountSelector(probe quotaFetcher) *AccountSelector {
	return &AccountSelector{probe: probe}
}

// SelectBest returns the index of the credential least likely to be
// throttled. Probes for all eligible credentials run concurrently, each with
// its own timeout, and every outcome is collected before ranking so one slow
// probe cannot invalidate the others. When the telemetry endpoint is wholly
// unavailable the selection falls back to least-recently-used, so the answer
// is always deterministic and never blocks on quota data.
//
// An empty list and a fully ineligible list both return 0; the caller
// distinguishes those cases from the credential flags directly.
func (s *AccountSelector) SelectBest(ctx context.Context, creds []CredentialRecord, now time.Time) int {
	if len(creds) == 0 {
		return 0
	}

	var eligible []int
	for i := range creds {
		if creds[i].Eligible(now) {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return 0
	}

	type probeResult struct {
		index int
		value float64
	}

	results := make([]*Utilization, len(eligible))
	var wg sync.WaitGroup
	for slot, idx := range eligible {
		if creds[idx].AccessToken == "" {
			continue
		}
		wg.Add(1)
		go func(slot int, token string) {
			defer wg.Done()
			results[slot] = s.probe.Fetch(ctx, token)
		}(slot, creds[idx].AccessToken)
	}
	wg.Wait()

	var ranked []probeResult
	for slot, u := range results {
		if v, ok := u.rankValue(); ok {
			ranked = append(ranked, probeResult{index: eligible[slot], value: v})
		}
	}

	if len(ranked) > 0 {
		sort.SliceStable(ranked, func(a, b int) bool {
			if ranked[a].value != ranked[b].value {
				return ranked[a].value < ranked[b].value
			}
			return lessUsed(creds[ranked[a].index], creds[ranked[b].index])
		})
		return ranked[0].index
	}

	// Quota endpoint down for everyone: round-robin on recency. A never-used
	// credential beats any used one.
	best := eligible[0]
	for _, idx := range eligible[1:] {
		if lessUsed(creds[idx], creds[best]) {
			best = idx
		}
	}
	return best
}

// lessUsed orders by lastUsedAt with never-used (zero) first.
func lessUsed(a, b CredentialRecord) bool {
	if a.LastUsedAt == 0 {
		return b.LastUsedAt != 0
	}
	if b.LastUsedAt == 0 {
		return false
	}
	return a.LastUsedAt < b.LastUsedAt
}
