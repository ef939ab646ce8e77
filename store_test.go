package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"
)

func tempStore(t *testing.T) *CredentialStore {
	t.Helper()
	return NewCredentialStore(filepath.Join(t.TempDir(), "credentials.json"))
}

func TestLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	s := tempStore(t)
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Version != credentialFileVersion || len(doc.Credentials) != 0 || doc.ActiveIndex != 0 {
		t.Fatalf("expected empty v1 document, got %+v", doc)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := tempStore(t)
	now := time.Now().UnixMilli()
	doc := CredentialFile{
		Version: 1,
		Credentials: []CredentialRecord{
			{RefreshToken: "rt-1", AccessToken: "at-1", ExpiresAt: now + 3600_000, AddedAt: now, Label: "one", Enabled: true},
			{RefreshToken: "rt-2", AddedAt: now, LastUsedAt: now - 1000, Label: "two", Enabled: true},
		},
		ActiveIndex: 1,
	}
	if err := s.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, doc)
	}
}

func TestLoadClearsStaleRateLimit(t *testing.T) {
	s := tempStore(t)
	now := time.Now().UnixMilli()
	future := now + 60_000
	doc := CredentialFile{
		Credentials: []CredentialRecord{
			{RefreshToken: "rt-1", AddedAt: now, RateLimitedUntil: now - 1, Enabled: true},
			{RefreshToken: "rt-2", AddedAt: now, RateLimitedUntil: future, Enabled: true},
		},
	}
	raw, _ := json.Marshal(doc)
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Credentials[0].RateLimitedUntil != 0 {
		t.Fatalf("stale cool-down not cleared: %d", got.Credentials[0].RateLimitedUntil)
	}
	if got.Credentials[1].RateLimitedUntil != future {
		t.Fatalf("future cool-down changed: got %d want %d", got.Credentials[1].RateLimitedUntil, future)
	}
}

func TestLoadDefaultsEnabledAndAddedAt(t *testing.T) {
	s := tempStore(t)
	raw := []byte(`{"version":1,"credentials":[{"refreshToken":"rt-1"},{"refreshToken":"rt-2","enabled":false}],"activeIndex":0}`)
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Credentials[0].Enabled {
		t.Fatalf("absent enabled should default to true")
	}
	if got.Credentials[1].Enabled {
		t.Fatalf("explicit enabled=false must be preserved")
	}
	if got.Credentials[0].AddedAt == 0 {
		t.Fatalf("absent addedAt should default to now")
	}
}

func TestLoadClampsActiveIndex(t *testing.T) {
	s := tempStore(t)
	raw := []byte(`{"version":1,"credentials":[{"refreshToken":"rt-1"},{"refreshToken":"rt-2"}],"activeIndex":7}`)
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ActiveIndex != 1 {
		t.Fatalf("activeIndex not clamped: got %d", got.ActiveIndex)
	}
}

func TestLoadCorruptFileIsFatal(t *testing.T) {
	s := tempStore(t)
	if err := os.WriteFile(s.path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := s.Load()
	var corrupt *ConfigCorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected ConfigCorruptError, got %v", err)
	}
}

func TestSaveSetsOwnerOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	s := tempStore(t)
	if err := s.Save(CredentialFile{Credentials: []CredentialRecord{{RefreshToken: "rt", Enabled: true}}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestRemoveShiftsActiveIndex(t *testing.T) {
	s := tempStore(t)
	now := time.Now().UnixMilli()
	doc := CredentialFile{
		Credentials: []CredentialRecord{
			{RefreshToken: "rt-0", AddedAt: now, Enabled: true},
			{RefreshToken: "rt-1", AddedAt: now, Enabled: true},
			{RefreshToken: "rt-2", AddedAt: now, Enabled: true},
		},
		ActiveIndex: 2,
	}
	if err := s.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Removing below the active index shifts it down.
	if err := s.Remove(0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ := s.Load()
	if got.ActiveIndex != 1 || got.Credentials[got.ActiveIndex].RefreshToken != "rt-2" {
		t.Fatalf("active index not shifted: %+v", got)
	}

	// Removing the active credential re-clamps to the last valid index.
	if err := s.Remove(1); err != nil {
		t.Fatalf("remove active: %v", err)
	}
	got, _ = s.Load()
	if got.ActiveIndex != 0 || len(got.Credentials) != 1 {
		t.Fatalf("active index not clamped: %+v", got)
	}
}

func TestRemoveOutOfRange(t *testing.T) {
	s := tempStore(t)
	if err := s.Remove(0); err == nil {
		t.Fatalf("expected error removing from empty pool")
	}
}

func TestAddDefaultsAddedAt(t *testing.T) {
	s := tempStore(t)
	if err := s.Add(CredentialRecord{RefreshToken: "rt", Enabled: true}); err != nil {
		t.Fatalf("add: %v", err)
	}
	rec, err := s.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.AddedAt == 0 {
		t.Fatalf("addedAt not defaulted")
	}
}
