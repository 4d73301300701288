package subscription

import "time"

// IsMuted reports whether alerts for sub are suppressed at now.
//
// Mute windows expire lazily: nothing clears MuteUntil once it passes, the
// comparison simply turns false. There is no sweeper.
func IsMuted(sub Subscription, now time.Time) bool {
	return !sub.MuteUntil.IsZero() && now.Before(sub.MuteUntil)
}
