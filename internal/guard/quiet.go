package guard

import (
	"time"

	"github.com/troykelly/openclaw-projects-sub012/internal/model"
)

// QuietDecision is the outcome of the quiet-hours check.
type QuietDecision struct {
	// Channel the notification should use. During quiet hours
	// non-urgent notifications are demoted to the in-app channel
	// rather than pushed.
	Channel string
	Demoted bool
}

// CheckQuietHours applies the recipient's quiet-hours policy to an
// outbound notification on channel. Urgent notifications always pass
// unchanged; others are demoted to in-app while the window is active.
func CheckQuietHours(profile model.AgentProfile, urgency model.Urgency, channel string, now time.Time) QuietDecision {
	if urgency == model.UrgencyUrgent || channel == model.ChannelInApp || !profile.InQuietHours(now) {
		return QuietDecision{Channel: channel}
	}
	return QuietDecision{Channel: model.ChannelInApp, Demoted: true}
}
