package stream

import (
	"sync"
)

// defaultMaxTotal caps open streams across all clients.
const defaultMaxTotal = 1000

// connLimiter counts open snapshot streams per client IP and in total.
type connLimiter struct {
	mu       sync.Mutex
	open     map[string]int
	total    int
	maxPerIP int
	maxTotal int
}

func newConnLimiter(maxPerIP, maxTotal int) *connLimiter {
	if maxTotal <= 0 {
		maxTotal = defaultMaxTotal
	}
	return &connLimiter{
		open:     make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

// acquire reserves a slot for ip. It reports false when either cap is hit.
// A maxPerIP of zero or less disables the per-IP cap.
func (l *connLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= l.maxTotal {
		return false
	}
	if l.maxPerIP > 0 && l.open[ip] >= l.maxPerIP {
		return false
	}

	l.open[ip]++
	l.total++
	return true
}

// release frees a slot taken by acquire.
func (l *connLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open[ip] == 0 {
		return
	}
	l.open[ip]--
	l.total--
	if l.open[ip] == 0 {
		delete(l.open, ip)
	}
}

func (l *connLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[ip]
}

func (l *connLimiter) totalOpen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
