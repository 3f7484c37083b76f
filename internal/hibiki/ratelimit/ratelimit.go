// Package ratelimit enforces Hibiki's per-user sliding-window request limit.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of requests a user may make per window.
	DefaultLimit = 3

	// DefaultWindow is the sliding window duration.
	DefaultWindow = 30 * time.Second
)

// Limiter enforces a per-user sliding-window rate limit.
//
// It holds the admitted timestamps for each user within the current window
// and prunes stale entries on every decision, so memory stays bounded to
// O(limit) timestamps per active user.
//
// Each user's window is guarded by its own mutex: decisions for one user are
// serialized, decisions for different users never wait on each other beyond
// the map lookup. Limiter is safe for concurrent use.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*userWindow
}

type userWindow struct {
	mu    sync.Mutex
	stamp []time.Time // admitted requests, oldest first
}

// New returns a Limiter that admits at most limit requests per user within
// window.
//
// If limit ≤ 0 it defaults to DefaultLimit.
// If window ≤ 0 it defaults to DefaultWindow.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*userWindow),
	}
}

// Limit reports the configured number of requests per window.
func (l *Limiter) Limit() int { return l.limit }

// Window reports the configured window duration.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit decides whether userID may make a request at now.
//
// Timestamps whose age is not strictly below the window are discarded. When
// the remaining count has reached the limit the request is rejected and no
// timestamp is recorded, so rejected attempts do not extend the lockout.
// Otherwise now is recorded and the request is admitted.
func (l *Limiter) Admit(userID string, now time.Time) bool {
	w := l.entry(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stamp = l.prune(w.stamp, now)
	if len(w.stamp) >= l.limit {
		return false
	}
	w.stamp = append(w.stamp, now)
	return true
}

// Remaining returns how many more requests userID could make at now. It does
// not record anything.
func (l *Limiter) Remaining(userID string, now time.Time) int {
	w := l.entry(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	count := 0
	for _, t := range w.stamp {
		if now.Sub(t) < l.window {
			count++
		}
	}
	if rem := l.limit - count; rem > 0 {
		return rem
	}
	return 0
}

// RetryAfter returns how long userID must wait at now before the next request
// would be admitted. Zero means a request would be admitted immediately.
func (l *Limiter) RetryAfter(userID string, now time.Time) time.Duration {
	w := l.entry(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	live := l.prune(append([]time.Time(nil), w.stamp...), now)
	if len(live) < l.limit {
		return 0
	}
	// The slot frees when the oldest blocking timestamp ages out.
	oldest := live[len(live)-l.limit]
	return l.window - now.Sub(oldest)
}

// Users returns the number of users with a tracked window.
func (l *Limiter) Users() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// entry returns the window for userID, creating it on first use.
func (l *Limiter) entry(userID string) *userWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[userID]
	if !ok {
		w = &userWindow{}
		l.windows[userID] = w
	}
	return w
}

// prune keeps timestamps with now-t < window, reusing the backing array.
func (l *Limiter) prune(stamps []time.Time, now time.Time) []time.Time {
	valid := stamps[:0]
	for _, t := range stamps {
		if now.Sub(t) < l.window {
			valid = append(valid, t)
		}
	}
	return valid
}
