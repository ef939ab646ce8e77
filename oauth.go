package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	oauthClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	oauthAuthorizeURL = "https://claude.ai/oauth/authorize"
	oauthScopes       = "org:create_api_key user:profile user:inference"
)

// PKCE holds the code verifier and challenge for the authorization flow.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a fresh verifier and its S256 challenge.
func GeneratePKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	hash := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(hash[:]),
	}, nil
}

// TokenGrant is the outcome of a successful grant: both secrets plus the
// absolute expiry computed from the endpoint's relative expires_in.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch millis
}

// RefreshOutcome reports the result of refreshing one pool credential during
// a bulk pass. Failures are carried here instead of only being logged so the
// caller can inspect them.
type RefreshOutcome struct {
	Index int
	Label string
	Err   error
}

// TokenClient drives the OAuth token endpoint: authorization-code exchange
// for enrollment, refresh-token grants for lifecycle maintenance.
type TokenClient struct {
	tokenURL string
	client   *http.Client
}

func NewTokenClient(tokenURL string, client *http.Client) *TokenClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenClient{tokenURL: tokenURL, client: client}
}

// AuthorizeURL builds the URL the operator opens to approve a new credential.
func AuthorizeURL(pkce *PKCE) string {
	u, _ := url.Parse(oauthAuthorizeURL)
	q := u.Query()
	q.Set("code", "true")
	q.Set("client_id", oauthClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", oauthRedirectURI)
	q.Set("scope", oauthScopes)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", pkce.Verifier)
	u.RawQuery = q.Encode()
	return u.String()
}

// Exchange performs the authorization_code grant. The pasted code may arrive
// as "code#state"; the fragment is split off and forwarded.
func (t *TokenClient) Exchange(ctx context.Context, code, verifier string) (*TokenGrant, error) {
	codeOnly, state := code, ""
	if idx := strings.IndexByte(code, '#'); idx >= 0 {
		codeOnly, state = code[:idx], code[idx+1:]
	}

	body := map[string]string{
		"grant_type":    "authorization_code",
		"code":          codeOnly,
		"client_id":     oauthClientID,
		"redirect_uri":  oauthRedirectURI,
		"code_verifier": verifier,
	}
	if state != "" {
		body["state"] = state
	}
	grant, err := t.grant(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	return grant, nil
}

// Refresh performs the refresh_token grant. Any failure is a
// *TokenRefreshError; unlike Exchange this is used where failures must stay
// visible to the caller.
func (t *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     oauthClientID,
	}
	grant, err := t.grant(ctx, body)
	if err != nil {
		return nil, &TokenRefreshError{Err: err}
	}
	return grant, nil
}

func (t *TokenClient) grant(ctx context.Context, body map[string]string) (*TokenGrant, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token endpoint %s: %s", resp.Status, safeText(detail))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &TokenGrant{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().UnixMilli() + result.ExpiresIn*1000,
	}, nil
}

// RefreshDue refreshes every credential whose token is absent or expires
// within horizon, mutating doc in place. One credential's failure must not
// make the rest of the pool unusable, so errors are collected per credential
// and the pass continues. The caller persists the document once afterwards.
func (t *TokenClient) RefreshDue(ctx context.Context, doc *CredentialFile, horizon time.Duration) []RefreshOutcome {
	now := time.Now()
	var outcomes []RefreshOutcome
	for i := range doc.Credentials {
		c := &doc.Credentials[i]
		if !c.NeedsRefresh(now, horizon) {
			continue
		}
		out := RefreshOutcome{Index: i, Label: c.DisplayName(i)}
		grant, err := t.Refresh(ctx, c.RefreshToken)
		if err != nil {
			out.Err = err
			outcomes = append(outcomes, out)
			continue
		}
		applyGrant(c, grant)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// applyGrant folds a successful grant into the record. Some refresh responses
// omit the rotated refresh token; the existing one stays valid then.
func applyGrant(c *CredentialRecord, grant *TokenGrant) {
	c.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		c.RefreshToken = grant.RefreshToken
	}
	c.ExpiresAt = grant.ExpiresAt
}
