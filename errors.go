package main

import (
	"fmt"
	"time"
)

// ConfigCorruptError means the persisted credential file exists but cannot be
// parsed. It is never retried; the caller must fail the current operation.
type ConfigCorruptError struct {
	Path string
	Err  error
}

func (e *ConfigCorruptError) Error() string {
	return fmt.Sprintf("credential file %s is corrupt: %v", e.Path, e.Err)
}

func (e *ConfigCorruptError) Unwrap() error { return e.Err }

// TokenRefreshError wraps a failed refresh_token grant. During a bulk refresh
// pass it is logged and the credential skipped; for the active credential
// mid-request it is fatal.
type TokenRefreshError struct {
	Label string
	Err   error
}

func (e *TokenRefreshError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("refresh %s: %v", e.Label, e.Err)
	}
	return fmt.Sprintf("refresh token: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// PoolExhaustedError means every eligible credential is in a rate-limit
// cool-down. RetryIn is the shortest remaining wait, zero if unknown.
type PoolExhaustedError struct {
	RetryIn time.Duration
}

func (e *PoolExhaustedError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("all credentials rate-limited, shortest wait %s", e.RetryIn.Round(time.Second))
	}
	return "all credentials rate-limited"
}
