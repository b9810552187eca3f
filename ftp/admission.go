package ftp

import (
	"net"
	"sync"
)

// DefaultMaxSessionsPerAddress is the admission ceiling used when none is configured.
const DefaultMaxSessionsPerAddress = 10

// AdmissionTable counts the live sessions of every peer address.
// A single mutex guards the whole map; Admit checks and increments in one critical section.
type AdmissionTable struct {
	mu     sync.Mutex
	counts map[string]int
	limit  int
}

func NewAdmissionTable(limit int) *AdmissionTable {
	if limit <= 0 {
		limit = DefaultMaxSessionsPerAddress
	}
	return &AdmissionTable{
		counts: make(map[string]int),
		limit:  limit,
	}
}

// Admit increments the counter of addr and reports true, unless the counter is
// already above the ceiling, in which case it reports false and changes nothing.
func (a *AdmissionTable) Admit(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counts[addr] > a.limit {
		return false
	}
	a.counts[addr]++
	return true
}

// Release decrements the counter of addr. It never goes below zero.
func (a *AdmissionTable) Release(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.counts[addr]
	if !ok {
		return
	}
	if n <= 1 {
		delete(a.counts, addr)
		return
	}
	a.counts[addr] = n - 1
}

// Count returns the number of live sessions from addr.
func (a *AdmissionTable) Count(addr string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[addr]
}

// Len returns the number of addresses with at least one live session.
func (a *AdmissionTable) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.counts)
}

// Limit returns the ceiling.
func (a *AdmissionTable) Limit() int {
	return a.limit
}

// remoteHost returns the host part of addr, the key used in the admission table.
func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
