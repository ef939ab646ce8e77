package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const credentialFileVersion = 1

// CredentialRecord is one managed OAuth identity plus its bookkeeping fields.
// All timestamps are epoch milliseconds; a zero value means "absent".
type CredentialRecord struct {
	RefreshToken     string `json:"refreshToken"`
	AccessToken      string `json:"accessToken,omitempty"`
	ExpiresAt        int64  `json:"expiresAt,omitempty"`
	AddedAt          int64  `json:"addedAt"`
	LastUsedAt       int64  `json:"lastUsedAt,omitempty"`
	Label            string `json:"label,omitempty"`
	RateLimitedUntil int64  `json:"rateLimitedUntil,omitempty"`
	Enabled          bool   `json:"enabled"`
}

// UnmarshalJSON defaults enabled to true when the key is absent, so documents
// written before the field existed keep their credentials usable.
func (c *CredentialRecord) UnmarshalJSON(data []byte) error {
	type alias CredentialRecord
	aux := struct {
		Enabled *bool `json:"enabled"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// Eligible reports whether the credential may be selected: enabled and not in
// an active rate-limit cool-down.
func (c *CredentialRecord) Eligible(now time.Time) bool {
	return c.Enabled && (c.RateLimitedUntil == 0 || c.RateLimitedUntil <= now.UnixMilli())
}

// NeedsRefresh reports whether the access token is absent, expired, or will
// expire within horizon.
func (c *CredentialRecord) NeedsRefresh(now time.Time, horizon time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt == 0 {
		return true
	}
	return c.ExpiresAt <= now.Add(horizon).UnixMilli()
}

// DisplayName returns the label, or a positional fallback for unlabeled
// credentials.
func (c *CredentialRecord) DisplayName(index int) string {
	if c.Label != "" {
		return c.Label
	}
	return fmt.Sprintf("credential-%d", index+1)
}

// CredentialFile is the persisted aggregate. Credential order is insertion
// order and doubles as the stable tie-break priority; it is never re-sorted.
type CredentialFile struct {
	Version     int                `json:"version"`
	Credentials []CredentialRecord `json:"credentials"`
	ActiveIndex int                `json:"activeIndex"`
}

// Active returns the active credential, or nil for an empty pool.
func (f *CredentialFile) Active() *CredentialRecord {
	if len(f.Credentials) == 0 {
		return nil
	}
	return &f.Credentials[f.ActiveIndex]
}

// CredentialStore persists the credential file. Every mutation is
// load-modify-save; writes go through a temp file + rename so a reader never
// observes a partial document. There is no cross-process lock: concurrent
// writers race and the last one wins, which is acceptable for single-user
// local state.
type CredentialStore struct {
	path string
}

func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// Load reads and normalizes the credential file. A missing file yields an
// empty document; unparsable content is a *ConfigCorruptError.
func (s *CredentialStore) Load() (CredentialFile, error) {
	doc := CredentialFile{Version: credentialFileVersion}
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CredentialFile{Version: credentialFileVersion}, &ConfigCorruptError{Path: s.path, Err: err}
	}
	normalizeCredentialFile(&doc, time.Now())
	return doc, nil
}

// Save normalizes and atomically writes the document with owner-only
// permissions, so persisted state is always canonical.
func (s *CredentialStore) Save(doc CredentialFile) error {
	normalizeCredentialFile(&doc, time.Now())
	buf, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Add appends a credential and persists.
func (s *CredentialStore) Add(rec CredentialRecord) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	if rec.AddedAt == 0 {
		rec.AddedAt = time.Now().UnixMilli()
	}
	doc.Credentials = append(doc.Credentials, rec)
	return s.Save(doc)
}

// Remove deletes the credential at index and persists. Removing below the
// active index shifts it down; removing the active credential re-clamps it.
func (s *CredentialStore) Remove(index int) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(doc.Credentials) {
		return fmt.Errorf("remove credential: index %d out of range (have %d)", index, len(doc.Credentials))
	}
	doc.Credentials = append(doc.Credentials[:index], doc.Credentials[index+1:]...)
	if index < doc.ActiveIndex {
		doc.ActiveIndex--
	}
	return s.Save(doc)
}

// SetEnabled flips a credential's enabled flag and persists.
func (s *CredentialStore) SetEnabled(index int, enabled bool) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(doc.Credentials) {
		return fmt.Errorf("set enabled: index %d out of range (have %d)", index, len(doc.Credentials))
	}
	doc.Credentials[index].Enabled = enabled
	return s.Save(doc)
}

// Get returns a copy of the credential at index.
func (s *CredentialStore) Get(index int) (CredentialRecord, error) {
	doc, err := s.Load()
	if err != nil {
		return CredentialRecord{}, err
	}
	if index < 0 || index >= len(doc.Credentials) {
		return CredentialRecord{}, fmt.Errorf("get credential: index %d out of range (have %d)", index, len(doc.Credentials))
	}
	return doc.Credentials[index], nil
}

// normalizeCredentialFile repairs stale state so no document ever carries an
// expired cool-down or an out-of-range active index.
func normalizeCredentialFile(doc *CredentialFile, now time.Time) {
	doc.Version = credentialFileVersion
	nowMs := now.UnixMilli()
	for i := range doc.Credentials {
		c := &doc.Credentials[i]
		if c.AddedAt == 0 {
			c.AddedAt = nowMs
		}
		if c.RateLimitedUntil != 0 && c.RateLimitedUntil <= nowMs {
			c.RateLimitedUntil = 0
		}
	}
	if len(doc.Credentials) == 0 {
		doc.ActiveIndex = 0
		return
	}
	if doc.ActiveIndex < 0 {
		doc.ActiveIndex = 0
	}
	if doc.ActiveIndex >= len(doc.Credentials) {
		doc.ActiveIndex = len(doc.Credentials) - 1
	}
}
