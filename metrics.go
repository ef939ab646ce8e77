package main

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

type metrics struct {
	mu         sync.Mutex
	requests   map[string]int64            // status -> count
	credStatus map[string]map[string]int64 // credential -> status -> count
	failovers  int64
	exhausted  int64
}

func newMetrics() *metrics {
	return &metrics{
		requests:   make(map[string]int64),
		credStatus: make(map[string]map[string]int64),
	}
}

func (m *metrics) inc(status string, credential string) {
	m.mu.Lock()
	m.requests[status]++
	if credential != "" {
		mp, ok := m.credStatus[credential]
		if !ok {
			mp = make(map[string]int64)
			m.credStatus[credential] = mp
		}
		mp[status]++
	}
	m.mu.Unlock()
}

func (m *metrics) incFailover() {
	m.mu.Lock()
	m.failovers++
	m.mu.Unlock()
}

func (m *metrics) incExhausted() {
	m.mu.Lock()
	m.exhausted++
	m.mu.Unlock()
}

func (m *metrics) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]string, 0, len(m.requests))
	for s := range m.requests {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "claudepool_requests_total{status=\"%s\"} %d\n", s, m.requests[s])
	}

	creds := make([]string, 0, len(m.credStatus))
	for c := range m.credStatus {
		creds = append(creds, c)
	}
	sort.Strings(creds)
	for _, c := range creds {
		st := m.credStatus[c]
		sts := make([]string, 0, len(st))
		for s := range st {
			sts = append(sts, s)
		}
		sort.Strings(sts)
		for _, s := range sts {
			fmt.Fprintf(w, "claudepool_credential_requests_total{credential=\"%s\",status=\"%s\"} %d\n", c, s, st[s])
		}
	}

	fmt.Fprintf(w, "claudepool_failovers_total %d\n", m.failovers)
	fmt.Fprintf(w, "claudepool_pool_exhausted_total %d\n", m.exhausted)
}
