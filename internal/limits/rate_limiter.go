package limits

import "time"

// RateConfig holds the message-pacing knobs. Times are milliseconds;
// KickBurst is the accumulated-debt threshold in the same unit.
type RateConfig struct {
	MinMessageTimeHard int64
	MinMessageTimeSoft int64
	KickBurst          int64
}

// RateLimiter paces one session's messages with burst accounting: messages
// faster than the hard floor are rejected outright, messages faster than
// the soft floor accumulate debt, messages slower than the hard floor pay
// it down. Crossing KickBurst rejects too.
//
// Not safe for concurrent use; each session owns one and drives it from
// its read loop. A rejection means the session gets kicked, so the limiter
// has no recovery path past it.
type RateLimiter struct {
	conf  RateConfig
	burst int64
	last  time.Time
	now   func() time.Time
}

func NewRateLimiter(conf RateConfig) *RateLimiter {
	// last stays at the zero time so the first message sees a saturated
	// delta and always clears the hard floor.
	return &RateLimiter{conf: conf, now: time.Now}
}

// Update charges one message arrival. False means kick.
func (r *RateLimiter) Update() bool {
	now := r.now()
	delta := now.Sub(r.last).Milliseconds() // Sub saturates, delta stays positive
	r.last = now

	if delta < r.conf.MinMessageTimeHard {
		return false
	}

	r.burst += r.conf.MinMessageTimeHard - delta
	if r.burst < 0 {
		r.burst = 0
	}
	if r.burst > r.conf.KickBurst {
		return false
	}

	if delta < r.conf.MinMessageTimeSoft {
		penalty := 2 * (r.conf.MinMessageTimeSoft - delta)
		if penalty < 0 {
			penalty = 0
		}
		r.burst += penalty
	}

	return true
}
