package main

import (
	"sync"
	"time"
)

type recentError struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// recentErrors is a bounded newest-first ring of recent failures, surfaced on
// the health endpoint.
type recentErrors struct {
	mu   sync.Mutex
	max  int
	list []recentError
}

func newRecentErrors(max int) *recentErrors {
	return &recentErrors{max: max}
}

func (r *recentErrors) add(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append([]recentError{{At: time.Now(), Message: msg}}, r.list...)
	if len(r.list) > r.max {
		r.list = r.list[:r.max]
	}
}

func (r *recentErrors) snapshot() []recentError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recentError, len(r.list))
	copy(out, r.list)
	return out
}
