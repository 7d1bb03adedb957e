package policy

import (
	"testing"
	"time"

	"github.com/homehub/msghub/internal/msg"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func noSpread(n int64) int64 { return 0 }

func TestSnoozeElapse_OnlyAppliesToSnoozed(t *testing.T) {
	p := New(Config{})

	snoozed := &msg.Message{Lifecycle: msg.Lifecycle{State: msg.StateSnoozed}}
	patch := p.SnoozeElapse(snoozed)
	if patch == nil || patch.Lifecycle == nil || patch.Lifecycle.State.Value != msg.StateOpen {
		t.Fatalf("expected patch waking snoozed message to open, got %+v", patch)
	}

	open := &msg.Message{Lifecycle: msg.Lifecycle{State: msg.StateOpen}}
	if got := p.SnoozeElapse(open); got != nil {
		t.Fatalf("expected nil patch for already-open message, got %+v", got)
	}
}

func TestQuietHours_FirstDueAlwaysFires(t *testing.T) {
	noon := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	p := &Policy{
		cfg: Config{QuietHours: QuietHours{Enabled: true, StartMin: 22 * 60, EndMin: 7 * 60, MaxLevel: msg.LevelError}},
		nowFunc:    fixedClock(noon),
		randInt64n: noSpread,
	}
	m := &msg.Message{Level: msg.LevelNotice}
	d := p.QuietHours(m)
	if d.Suppress {
		t.Fatalf("expected first-ever due to never be suppressed")
	}
}

func TestQuietHours_SuppressesRepeatInsideWrappingWindow(t *testing.T) {
	night := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC) // inside 22:00-07:00 window
	p := &Policy{
		cfg: Config{QuietHours: QuietHours{Enabled: true, StartMin: 22 * 60, EndMin: 7 * 60, MaxLevel: msg.LevelError}},
		nowFunc:    fixedClock(night),
		randInt64n: noSpread,
	}
	m := &msg.Message{
		Level:  msg.LevelNotice,
		Timing: msg.Timing{NotifiedAt: map[string]int64{"due": night.Add(-time.Hour).UnixMilli()}},
	}
	d := p.QuietHours(m)
	if !d.Suppress || d.Patch == nil || d.Patch.Timing == nil {
		t.Fatalf("expected suppression with a reschedule patch, got %+v", d)
	}
	rescheduled := time.UnixMilli(d.Patch.Timing.NotifyAt.Value)
	if rescheduled.Before(night) {
		t.Fatalf("rescheduled notifyAt %v must be after now %v", rescheduled, night)
	}
	if h, m := rescheduled.Hour(), rescheduled.Minute(); !(h == 7 && m == 0) {
		t.Fatalf("expected reschedule to land exactly at window exit 07:00, got %02d:%02d", h, m)
	}
}

func TestQuietHours_NotSuppressedOutsideWindow(t *testing.T) {
	midday := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &Policy{
		cfg: Config{QuietHours: QuietHours{Enabled: true, StartMin: 22 * 60, EndMin: 7 * 60, MaxLevel: msg.LevelError}},
		nowFunc:    fixedClock(midday),
		randInt64n: noSpread,
	}
	m := &msg.Message{
		Level:  msg.LevelNotice,
		Timing: msg.Timing{NotifiedAt: map[string]int64{"due": midday.Add(-time.Hour).UnixMilli()}},
	}
	if d := p.QuietHours(m); d.Suppress {
		t.Fatalf("expected no suppression outside the quiet window")
	}
}

func TestQuietHours_RespectsMaxLevel(t *testing.T) {
	night := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	p := &Policy{
		cfg: Config{QuietHours: QuietHours{Enabled: true, StartMin: 22 * 60, EndMin: 7 * 60, MaxLevel: msg.LevelNotice}},
		nowFunc:    fixedClock(night),
		randInt64n: noSpread,
	}
	m := &msg.Message{
		Level:  msg.LevelError, // above MaxLevel, always gets through
		Timing: msg.Timing{NotifiedAt: map[string]int64{"due": night.Add(-time.Hour).UnixMilli()}},
	}
	if d := p.QuietHours(m); d.Suppress {
		t.Fatalf("expected high-severity message to bypass quiet hours")
	}
}

func TestReminderCadence_ReschedulesWhenSet(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &Policy{nowFunc: fixedClock(now)}
	every := int64(5 * 60 * 1000)
	m := &msg.Message{Timing: msg.Timing{RemindEvery: &every}}

	patch := p.ReminderCadence(m)
	if patch == nil || patch.Timing == nil || !patch.Timing.NotifyAt.Present || patch.Timing.NotifyAt.Clear {
		t.Fatalf("expected a notifyAt reschedule patch, got %+v", patch)
	}
	want := now.Add(5 * time.Minute).UnixMilli()
	if patch.Timing.NotifyAt.Value != want {
		t.Fatalf("got notifyAt %d want %d", patch.Timing.NotifyAt.Value, want)
	}
}

func TestReminderCadence_ClearsWhenOneShot(t *testing.T) {
	p := &Policy{nowFunc: fixedClock(time.Now())}
	m := &msg.Message{}
	patch := p.ReminderCadence(m)
	if patch == nil || patch.Timing == nil || !patch.Timing.NotifyAt.Clear {
		t.Fatalf("expected a clearing patch for a one-shot message, got %+v", patch)
	}
}

func TestInWindow_WrapsAcrossMidnight(t *testing.T) {
	cases := []struct {
		hour, min int
		want      bool
	}{
		{23, 0, true},
		{3, 0, true},
		{6, 59, true},
		{7, 0, false},
		{12, 0, false},
		{21, 59, false},
		{22, 0, true},
	}
	for _, c := range cases {
		ts := time.Date(2026, 1, 1, c.hour, c.min, 0, 0, time.UTC)
		if got := inWindow(ts, 22*60, 7*60); got != c.want {
			t.Fatalf("inWindow(%02d:%02d) = %v want %v", c.hour, c.min, got, c.want)
		}
	}
}
