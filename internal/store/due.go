package store

import (
	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
)

// dispatchDueLocked runs the policy pipeline (snooze elapse, quiet-hours
// suppression, reminder cadence) over candidates and dispatches a single
// "due" event with whatever survives. Must only be called from within
// the store scheduler goroutine (exec or a maintenance ticker callback).
func (s *Store) dispatchDueLocked(candidates []*msg.Message) {
	due := make([]*msg.Message, 0, len(candidates))

	for _, m := range candidates {
		cur, ok := s.messages[m.Ref]
		if !ok {
			continue
		}

		if snoozePatch := s.policy.SnoozeElapse(cur); snoozePatch != nil {
			cur = s.applyStealthLocked(cur, snoozePatch, factory.CoreToken{})
		}

		decision := s.policy.QuietHours(cur)
		if decision.Suppress {
			s.applyStealthLocked(cur, decision.Patch, factory.CoreToken{})
			continue
		}

		due = append(due, cur)
	}

	if len(due) == 0 {
		return
	}

	s.dispatch(msg.EventDue, due)

	now := s.now().UTC().UnixMilli()
	for _, m := range due {
		cur, ok := s.messages[m.Ref]
		if !ok {
			continue
		}
		stampPatch := &factory.Patch{Timing: &factory.TimingPatch{}}
		reminderPatch := s.policy.ReminderCadence(cur)
		if reminderPatch != nil && reminderPatch.Timing != nil {
			stampPatch.Timing.NotifyAt = reminderPatch.Timing.NotifyAt
		}
		cur = s.applyStealthLocked(cur, stampPatch, factory.CoreToken{})
		s.stampNotifiedLocked(cur.Ref, msg.EventDue, now)
	}
}

// applyStealthLocked applies patch to the current stored message for
// ref via the factory, stealthily, and stores the result. It must only
// be called from within the store scheduler goroutine.
func (s *Store) applyStealthLocked(cur *msg.Message, patch *factory.Patch, token factory.CoreToken) *msg.Message {
	updated, err := s.factory.ApplyPatch(cur, *patch, true, token)
	if err != nil {
		s.logger.Warn("store: internal stealth patch rejected", "ref", cur.Ref, "error", err)
		return cur
	}
	s.messages[updated.Ref] = updated
	return updated
}

// stampNotifiedLocked records timing.notifiedAt[event] = at on the
// current stored message for ref, without bumping updatedAt.
func (s *Store) stampNotifiedLocked(ref, event string, at int64) {
	cur, ok := s.messages[ref]
	if !ok {
		return
	}
	next := cur.Clone()
	if next.Timing.NotifiedAt == nil {
		next.Timing.NotifiedAt = make(map[string]int64, 1)
	}
	next.Timing.NotifiedAt[event] = at
	s.messages[ref] = next
}
