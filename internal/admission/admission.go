// Package admission bounds live connections globally and per remote address.
package admission

import "sync"

// Limiter tracks live connection counts. A zero limit disables that ceiling.
type Limiter struct {
	mu        sync.Mutex
	maxGlobal int
	maxPerIP  int
	global    int
	perAddr   map[string]int
}

// Stats is a point-in-time view of the counters.
type Stats struct {
	Global    int `json:"global"`
	Addresses int `json:"addresses"`
	MaxGlobal int `json:"max_global"`
	MaxPerIP  int `json:"max_per_ip"`
}

func New(maxGlobal, maxPerIP int) *Limiter {
	return &Limiter{
		maxGlobal: maxGlobal,
		maxPerIP:  maxPerIP,
		perAddr:   make(map[string]int),
	}
}

// TryAcquire reserves a slot for addr. It leaves the counters untouched and
// returns false when either ceiling is reached.
func (l *Limiter) TryAcquire(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxGlobal > 0 && l.global >= l.maxGlobal {
		return false
	}
	if l.maxPerIP > 0 && l.perAddr[addr] >= l.maxPerIP {
		return false
	}

	l.global++
	l.perAddr[addr]++
	return true
}

// Release returns a slot for addr. Counters never go below zero.
func (l *Limiter) Release(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global > 0 {
		l.global--
	}
	if n := l.perAddr[addr]; n <= 1 {
		delete(l.perAddr, addr)
	} else {
		l.perAddr[addr] = n - 1
	}
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Global:    l.global,
		Addresses: len(l.perAddr),
		MaxGlobal: l.maxGlobal,
		MaxPerIP:  l.maxPerIP,
	}
}
