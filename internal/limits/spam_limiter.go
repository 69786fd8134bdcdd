package limits

import "time"

// DefaultSpamWindow is how long a repeated value counts as spam.
const DefaultSpamWindow = 5 * time.Second

// SpamLimiter rejects immediate repeats: a value equal to the previous one
// arriving within the window is spam. Any accepted or rejected value
// becomes the new comparison point, so hammering the same content keeps
// the window open.
//
// Not safe for concurrent use; one per session.
type SpamLimiter[T comparable] struct {
	window  time.Duration
	last    T
	hasLast bool
	lastAt  time.Time
	now     func() time.Time
}

func NewSpamLimiter[T comparable](window time.Duration) *SpamLimiter[T] {
	return &SpamLimiter[T]{window: window, now: time.Now}
}

// Update records v and reports whether it was acceptable. False means kick.
func (s *SpamLimiter[T]) Update(v T) bool {
	now := s.now()
	ok := now.Sub(s.lastAt) > s.window || !s.hasLast || v != s.last
	s.last, s.hasLast, s.lastAt = v, true, now
	return ok
}
