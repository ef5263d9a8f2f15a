package relay

import (
	"sync/atomic"
	"time"
)

// Rate limit defaults.
const (
	DefaultRateLimitMax    = 20
	DefaultRateLimitWindow = 60 * time.Second
)

// RateLimit is a fixed-window budget of audio turns per connection.
type RateLimit struct {
	Max    int
	Window time.Duration
}

func (r RateLimit) withDefaults() RateLimit {
	if r.Max <= 0 {
		r.Max = DefaultRateLimitMax
	}
	if r.Window <= 0 {
		r.Window = DefaultRateLimitWindow
	}
	return r
}

// RateLimitSetting holds the current limit and may be swapped at runtime.
// Sessions read it on every check.
type RateLimitSetting struct {
	v atomic.Pointer[RateLimit]
}

// NewRateLimitSetting returns a setting initialised to r.
func NewRateLimitSetting(r RateLimit) *RateLimitSetting {
	s := &RateLimitSetting{}
	s.Set(r)
	return s
}

// Set replaces the limit.
func (s *RateLimitSetting) Set(r RateLimit) {
	r = r.withDefaults()
	s.v.Store(&r)
}

// Get returns the current limit.
func (s *RateLimitSetting) Get() RateLimit {
	if s == nil {
		return RateLimit{}.withDefaults()
	}
	if p := s.v.Load(); p != nil {
		return *p
	}
	return RateLimit{}.withDefaults()
}

// windowLimiter counts requests in fixed windows. It is owned by one session
// and not safe for concurrent use.
type windowLimiter struct {
	now     func() time.Time
	setting *RateLimitSetting
	count   int
	resetAt time.Time
}

func newWindowLimiter(now func() time.Time, setting *RateLimitSetting) *windowLimiter {
	if now == nil {
		now = time.Now
	}
	return &windowLimiter{now: now, setting: setting}
}

// Allow counts one request and reports whether it fits in the current
// window. A new window starts at the first request after the previous one
// ends.
func (l *windowLimiter) Allow() bool {
	limit := l.setting.Get()
	now := l.now()
	if l.resetAt.IsZero() || !now.Before(l.resetAt) {
		l.count = 0
		l.resetAt = now.Add(limit.Window)
	}
	if l.count >= limit.Max {
		return false
	}
	l.count++
	return true
}
