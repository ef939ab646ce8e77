package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const bucketEvents = "credential_events"

const (
	eventSelected      = "selected"
	eventRateLimited   = "rate_limited"
	eventRefreshed     = "refreshed"
	eventRefreshFailed = "refresh_failed"
	eventEnrolled      = "enrolled"
	eventRemoved       = "removed"
)

// credentialEvent is one entry in the per-credential lifecycle log.
type credentialEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Credential string    `json:"credential"`
	Type       string    `json:"type"`
	Detail     string    `json:"detail,omitempty"`
}

// eventStore keeps a bounded history of pool lifecycle events in bbolt so
// failovers and refresh failures stay inspectable after the fact. All methods
// tolerate a nil store; the proxy runs fine without a database.
type eventStore struct {
	db        *bbolt.DB
	retention time.Duration
	nextPrune time.Time
}

func newEventStore(path string, retentionDays int) (*eventStore, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(bucketEvents))
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &eventStore{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		nextPrune: time.Now().Add(1 * time.Hour),
	}, nil
}

func (s *eventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *eventStore) record(eventType, credential, detail string) {
	if s == nil || s.db == nil {
		return
	}
	ev := credentialEvent{
		Timestamp:  time.Now(),
		Credential: credential,
		Type:       eventType,
		Detail:     detail,
	}
	val, err := json.Marshal(ev)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%020d|%s|%s", ev.Timestamp.UnixNano(), credential, eventType)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).Put([]byte(key), val)
	})
	if time.Now().After(s.nextPrune) {
		s.prune()
	}
}

// recent returns the newest events, newest first.
func (s *eventStore) recent(limit int) []credentialEvent {
	if s == nil || s.db == nil {
		return nil
	}
	var out []credentialEvent
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketEvents)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var ev credentialEvent
			if json.Unmarshal(v, &ev) == nil {
				out = append(out, ev)
			}
		}
		return nil
	})
	return out
}

func (s *eventStore) prune() {
	cutoff := time.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketEvents)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ts, err := timeFromEventKey(string(k))
			if err != nil {
				continue
			}
			if !ts.Before(cutoff) {
				// keys are time-ordered; everything past here is newer
				break
			}
			_ = c.Delete()
		}
		return nil
	})
	s.nextPrune = time.Now().Add(1 * time.Hour)
}

func timeFromEventKey(key string) (time.Time, error) {
	part, _, ok := strings.Cut(key, "|")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed key %q", key)
	}
	n, err := strconv.ParseInt(part, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}
