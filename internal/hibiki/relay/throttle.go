package relay

import "time"

// Throttle decides when a growing streamed reply is worth another edit of the
// status message. Platforms rate-limit edits, so partial text is only pushed
// once it is long enough to be useful and has grown meaningfully since the
// previous push.
type Throttle struct {
	// MinChars is the length the buffer must exceed before the first partial
	// edit.
	MinChars int
	// StepChars is the growth required between two partial edits.
	StepChars int
	// MinInterval is the minimum wall time between two partial edits.
	MinInterval time.Duration
}

// DefaultThrottle returns the policy used when none is configured.
func DefaultThrottle() Throttle {
	return Throttle{MinChars: 50, StepChars: 10}
}

// Start returns fresh per-request state for the policy.
func (t Throttle) Start() *ThrottleState {
	if t.StepChars < 1 {
		t.StepChars = 1
	}
	if t.MinChars < 0 {
		t.MinChars = 0
	}
	return &ThrottleState{policy: t}
}

// ThrottleState tracks the last partial edit of one reply. It is not safe for
// concurrent use; one reply is streamed by one goroutine.
type ThrottleState struct {
	policy  Throttle
	edited  bool
	lastLen int
	lastAt  time.Time
}

// Allow reports whether a buffer of length characters, observed at now,
// should be pushed as a partial edit. A true result is recorded as the last
// edit.
func (s *ThrottleState) Allow(length int, now time.Time) bool {
	if length <= s.policy.MinChars {
		return false
	}
	if s.edited {
		if length-s.lastLen < s.policy.StepChars {
			return false
		}
		if s.policy.MinInterval > 0 && now.Sub(s.lastAt) < s.policy.MinInterval {
			return false
		}
	}
	s.edited = true
	s.lastLen = length
	s.lastAt = now
	return true
}

// Edits reports whether any partial edit has been allowed.
func (s *ThrottleState) Edits() bool { return s.edited }
