package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// AccountPool composes the store, token client, and selector into the
// failover state machine the request pipeline talks to. Per-credential state
// (eligible, rate-limited, disabled) is derived from record fields, never
// stored separately. All operations are synchronous: selection happens once
// per session start and once per 429, nothing polls in the background.
type AccountPool struct {
	mu       sync.Mutex
	store    *CredentialStore
	tokens   *TokenClient
	selector *AccountSelector
	events   *eventStore
	horizon  time.Duration
	debug    bool
}

func NewAccountPool(store *CredentialStore, tokens *TokenClient, selector *AccountSelector, events *eventStore, horizon time.Duration, debug bool) *AccountPool {
	if horizon <= 0 {
		horizon = 5 * time.Minute
	}
	return &AccountPool{
		store:    store,
		tokens:   tokens,
		selector: selector,
		events:   events,
		horizon:  horizon,
		debug:    debug,
	}
}

// Init loads the store, refreshes near-expiry tokens, picks the best
// credential, and persists the result. Refresh failures on individual
// credentials are logged and recorded but do not abort initialization.
func (p *AccountPool) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.Load()
	if err != nil {
		return err
	}
	if len(doc.Credentials) == 0 {
		return p.store.Save(doc)
	}

	for _, out := range p.tokens.RefreshDue(ctx, &doc, p.horizon) {
		if out.Err != nil {
			log.Printf("refresh %s failed: %v", out.Label, out.Err)
			p.events.record(eventRefreshFailed, out.Label, out.Err.Error())
			continue
		}
		p.events.record(eventRefreshed, out.Label, "")
	}

	doc.ActiveIndex = p.selector.SelectBest(ctx, doc.Credentials, time.Now())
	if p.debug {
		log.Printf("pool init: %d credentials, active=%s", len(doc.Credentials), doc.Active().DisplayName(doc.ActiveIndex))
	}
	p.events.record(eventSelected, doc.Active().DisplayName(doc.ActiveIndex), "init")
	return p.store.Save(doc)
}

// Active returns a copy of the active credential, or false for an empty pool.
func (p *AccountPool) Active() (CredentialRecord, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.Load()
	if err != nil || len(doc.Credentials) == 0 {
		return CredentialRecord{}, 0, false
	}
	return doc.Credentials[doc.ActiveIndex], doc.ActiveIndex, true
}

// MarkUsed stamps the active credential's lastUsedAt and persists.
func (p *AccountPool) MarkUsed() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.Load()
	if err != nil {
		return err
	}
	active := doc.Active()
	if active == nil {
		return nil
	}
	active.LastUsedAt = time.Now().UnixMilli()
	return p.store.Save(doc)
}

// HandleRateLimit marks the active credential cooled-down for retryAfter and
// fails over. It returns the new active credential, or nil and a
// *PoolExhaustedError when no eligible credential remains; the rate-limited
// credential then stays active so the next selection re-evaluates it after
// its cool-down lapses.
func (p *AccountPool) HandleRateLimit(ctx context.Context, retryAfter time.Duration) (*CredentialRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.Load()
	if err != nil {
		return nil, err
	}
	active := doc.Active()
	if active == nil {
		return nil, &PoolExhaustedError{}
	}

	now := time.Now()
	active.RateLimitedUntil = now.UnixMilli() + retryAfter.Milliseconds()
	label := active.DisplayName(doc.ActiveIndex)
	if err := p.store.Save(doc); err != nil {
		return nil, err
	}
	log.Printf("credential %s rate-limited for %s", label, retryAfter.Round(time.Second))
	p.events.record(eventRateLimited, label, retryAfter.Round(time.Second).String())

	anyEligible := false
	for i := range doc.Credentials {
		if doc.Credentials[i].Eligible(now) {
			anyEligible = true
			break
		}
	}
	if !anyEligible {
		return nil, &PoolExhaustedError{RetryIn: shortestWait(&doc, now)}
	}

	doc.ActiveIndex = p.selector.SelectBest(ctx, doc.Credentials, now)
	if err := p.store.Save(doc); err != nil {
		return nil, err
	}
	next := doc.Credentials[doc.ActiveIndex]
	log.Printf("failover to credential %s", next.DisplayName(doc.ActiveIndex))
	p.events.record(eventSelected, next.DisplayName(doc.ActiveIndex), "failover")
	return &next, nil
}

// SwitchAccount forces a fresh selection pass regardless of current state,
// for operator-triggered rotation.
func (p *AccountPool) SwitchAccount(ctx context.Context) (*CredentialRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.Load()
	if err != nil {
		return nil, err
	}
	if len(doc.Credentials) == 0 {
		return nil, nil
	}
	doc.ActiveIndex = p.selector.SelectBest(ctx, doc.Credentials, time.Now())
	if err := p.store.Save(doc); err != nil {
		return nil, err
	}
	next := doc.Credentials[doc.ActiveIndex]
	p.events.record(eventSelected, next.DisplayName(doc.ActiveIndex), "manual switch")
	return &next, nil
}

// RefreshActive refreshes the active credential's token and persists. Unlike
// the bulk pass in Init, a failure here is returned to the caller: when the
// active credential cannot refresh mid-request there is no usable secret
// left.
func (p *AccountPool) RefreshActive(ctx context.Context) (*CredentialRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.Load()
	if err != nil {
		return nil, err
	}
	active := doc.Active()
	if active == nil {
		return nil, nil
	}
	grant, err := p.tokens.Refresh(ctx, active.RefreshToken)
	if err != nil {
		if te, ok := err.(*TokenRefreshError); ok {
			te.Label = active.DisplayName(doc.ActiveIndex)
		}
		p.events.record(eventRefreshFailed, active.DisplayName(doc.ActiveIndex), err.Error())
		return nil, err
	}
	applyGrant(active, grant)
	if err := p.store.Save(doc); err != nil {
		return nil, err
	}
	p.events.record(eventRefreshed, active.DisplayName(doc.ActiveIndex), "")
	next := *active
	return &next, nil
}

// ShortestWait returns the minimum positive remaining cool-down across the
// pool, or false when nothing is rate-limited.
func (p *AccountPool) ShortestWait(now time.Time) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.store.Load()
	if err != nil {
		return 0, false
	}
	wait := shortestWait(&doc, now)
	return wait, wait > 0
}

func shortestWait(doc *CredentialFile, now time.Time) time.Duration {
	nowMs := now.UnixMilli()
	var best int64
	for i := range doc.Credentials {
		until := doc.Credentials[i].RateLimitedUntil
		if until <= nowMs {
			continue
		}
		remaining := until - nowMs
		if best == 0 || remaining < best {
			best = remaining
		}
	}
	return time.Duration(best) * time.Millisecond
}

// Snapshot returns a copy of the whole document for the status surface.
func (p *AccountPool) Snapshot() (CredentialFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Load()
}
