package model

import (
	"time"

	"github.com/google/uuid"
)

// Urgency of an outbound notification. Only urgent bypasses quiet hours.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyUrgent Urgency = "urgent"
)

// Notification channels recognized by the rate and quiet-hour guards.
const (
	ChannelWebhook = "webhook"
	ChannelInApp   = "in_app"
)

// AgentProfile holds per-recipient delivery preferences.
// QuietStart/QuietEnd are minutes after midnight in Timezone; nil means
// no quiet hours. A window may wrap past midnight (start > end).
type AgentProfile struct {
	Email            string
	DefaultNamespace string
	QuietStart       *int
	QuietEnd         *int
	Timezone         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InQuietHours reports whether now falls inside the profile's quiet window.
func (p AgentProfile) InQuietHours(now time.Time) bool {
	if p.QuietStart == nil || p.QuietEnd == nil {
		return false
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	start, end := *p.QuietStart, *p.QuietEnd
	if start <= end {
		return minutes >= start && minutes < end
	}
	// Window wraps midnight, e.g. 22:00-07:00.
	return minutes >= start || minutes < end
}

// APISource is an onboarded external API whose spec is refreshed on a cadence.
type APISource struct {
	ID              uuid.UUID
	Name            string
	SpecURL         string
	RefreshInterval time.Duration
	ContentHash     *string
	NextRefreshAt   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
