package model

import (
	"testing"
	"time"
)

func intp(n int) *int { return &n }

func TestInQuietHours(t *testing.T) {
	// 22:00 - 07:00 wraps midnight.
	wrapping := AgentProfile{QuietStart: intp(22 * 60), QuietEnd: intp(7 * 60), Timezone: "UTC"}
	// 13:00 - 14:00 does not.
	afternoon := AgentProfile{QuietStart: intp(13 * 60), QuietEnd: intp(14 * 60), Timezone: "UTC"}

	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 1, hour, min, 0, 0, time.UTC)
	}

	if !wrapping.InQuietHours(at(23, 30)) {
		t.Error("23:30 should be inside a 22:00-07:00 window")
	}
	if !wrapping.InQuietHours(at(3, 0)) {
		t.Error("03:00 should be inside a 22:00-07:00 window")
	}
	if wrapping.InQuietHours(at(12, 0)) {
		t.Error("12:00 should be outside a 22:00-07:00 window")
	}
	if wrapping.InQuietHours(at(7, 0)) {
		t.Error("the window end is exclusive")
	}

	if !afternoon.InQuietHours(at(13, 30)) {
		t.Error("13:30 should be inside a 13:00-14:00 window")
	}
	if afternoon.InQuietHours(at(14, 0)) {
		t.Error("14:00 should be outside a 13:00-14:00 window")
	}

	none := AgentProfile{Timezone: "UTC"}
	if none.InQuietHours(at(3, 0)) {
		t.Error("a profile without a window has no quiet hours")
	}
}

func TestInQuietHoursTimezone(t *testing.T) {
	// 22:00-07:00 in Sydney. 13:00 UTC is midnight-ish in Sydney (UTC+10/11),
	// firmly inside the window either side of DST.
	p := AgentProfile{QuietStart: intp(22 * 60), QuietEnd: intp(7 * 60), Timezone: "Australia/Sydney"}
	utcAfternoon := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	if !p.InQuietHours(utcAfternoon) {
		t.Error("13:00 UTC is night in Sydney and should be quiet")
	}

	// Unknown zones fall back to UTC rather than failing open at night.
	bad := AgentProfile{QuietStart: intp(22 * 60), QuietEnd: intp(7 * 60), Timezone: "Mars/Olympus"}
	if !bad.InQuietHours(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)) {
		t.Error("unknown timezone should evaluate in UTC")
	}
}
