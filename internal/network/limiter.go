package network

import "sync"

// connLimiter caps inbound links per remote IP and in total. A cap <= 0 is
// unlimited.
type connLimiter struct {
	mu       sync.Mutex
	perIP    int
	total    int
	counts   map[string]int
	inFlight int
}

func newConnLimiter(perIP, total int) *connLimiter {
	return &connLimiter{
		perIP:  perIP,
		total:  total,
		counts: make(map[string]int),
	}
}

func (l *connLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total > 0 && l.inFlight >= l.total {
		return false
	}
	if l.perIP > 0 && l.counts[ip] >= l.perIP {
		return false
	}
	l.counts[ip]++
	l.inFlight++
	return true
}

func (l *connLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.counts[ip]
	if !ok {
		return
	}
	l.inFlight--
	if n <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip] = n - 1
}

func (l *connLimiter) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}
