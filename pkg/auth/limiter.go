package auth

import (
	"sync"
	"time"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/log"
)

const (
	// limiterWindow is how long failures count against an address.
	limiterWindow = 5 * time.Minute
	// limiterWarnAt triggers a structured log entry for the operator.
	limiterWarnAt = 5
	// limiterBlockAt rejects further attempts for the rest of the window.
	limiterBlockAt = 20
)

type failureRecord struct {
	count       int
	windowStart time.Time
}

// IPLimiter throttles repeated JWT verification failures per source
// address. A successful authentication clears the record immediately, so
// legitimate clients with one stale token never accumulate toward a block.
type IPLimiter struct {
	mu      sync.Mutex
	records map[string]*failureRecord
	now     func() time.Time
}

func NewIPLimiter() *IPLimiter {
	return &IPLimiter{
		records: make(map[string]*failureRecord),
		now:     time.Now,
	}
}

// Check rejects addresses that already crossed the block threshold inside
// the current window.
func (l *IPLimiter) Check(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.current(ip)
	if rec != nil && rec.count >= limiterBlockAt {
		return errdefs.New(errdefs.KindRateLimited, "too many failed authentication attempts")
	}
	return nil
}

// Failure records one failed attempt, warning at the first threshold.
func (l *IPLimiter) Failure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.current(ip)
	if rec == nil {
		rec = &failureRecord{windowStart: l.now()}
		l.records[ip] = rec
	}
	rec.count++
	if rec.count == limiterWarnAt {
		logger := log.WithComponent("auth")
		logger.Warn().
			Str("ip", ip).
			Int("failures", rec.count).
			Msg("repeated authentication failures")
	}
}

// Success clears the address's failure record.
func (l *IPLimiter) Success(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, ip)
}

// current returns the live record for ip, discarding one whose window has
// lapsed. Callers hold the lock.
func (l *IPLimiter) current(ip string) *failureRecord {
	rec, ok := l.records[ip]
	if !ok {
		return nil
	}
	if l.now().Sub(rec.windowStart) > limiterWindow {
		delete(l.records, ip)
		return nil
	}
	return rec
}
