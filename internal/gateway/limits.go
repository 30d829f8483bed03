package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces the per-source-address connection limits: a cap on
// concurrent connections and a token bucket for new connections per minute.
type RateLimiter struct {
	mu             sync.Mutex
	maxConcurrent  int
	connsPerMinute int
	byAddr         map[string]*addrState
}

type addrState struct {
	conns   int
	limiter *rate.Limiter
}

func NewRateLimiter(maxConcurrent, connsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxConcurrent:  maxConcurrent,
		connsPerMinute: connsPerMinute,
		byAddr:         make(map[string]*addrState),
	}
}

// AllowConnect reserves a connection slot for addr. The caller must pair a
// true return with a later Disconnect.
func (r *RateLimiter) AllowConnect(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.byAddr[addr]
	if !ok {
		st = &addrState{
			limiter: rate.NewLimiter(rate.Limit(r.connsPerMinute)/60, r.connsPerMinute),
		}
		r.byAddr[addr] = st
	}
	if st.conns >= r.maxConcurrent {
		return false
	}
	if !st.limiter.Allow() {
		return false
	}
	st.conns++
	return true
}

// Disconnect releases addr's slot, dropping empty entries to keep the table
// bounded by live addresses.
func (r *RateLimiter) Disconnect(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.byAddr[addr]
	if !ok {
		return
	}
	if st.conns > 0 {
		st.conns--
	}
	if st.conns == 0 && st.limiter.Tokens() >= float64(r.connsPerMinute) {
		delete(r.byAddr, addr)
	}
}

// newMessageLimiter builds the per-connection inbound message bucket.
func newMessageLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perMinute)/60, perMinute)
}
