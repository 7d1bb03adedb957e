package store

import (
	"github.com/homehub/msghub/internal/archive"
	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
)

// pruneOldMessages soft-expires entries whose expiresAt has passed and
// are not already expired or deleted, dispatching a single "expired"
// event with the batch (spec.md §4.7).
func (s *Store) pruneOldMessages() {
	s.exec(func() {
		now := s.now().UTC().UnixMilli()
		var expired []*msg.Message
		for ref, m := range s.messages {
			if m.Lifecycle.State == msg.StateExpired || m.Lifecycle.State == msg.StateDeleted {
				continue
			}
			if m.Timing.ExpiresAt == nil || *m.Timing.ExpiresAt >= now {
				continue
			}
			patch := &factory.Patch{
				Lifecycle: &factory.LifecyclePatch{State: factory.Set(msg.StateExpired)},
				Timing:    &factory.TimingPatch{NotifyAt: factory.ClearField[int64]()},
			}
			updated, err := s.factory.ApplyPatch(m, *patch, false, factory.LifecycleToken())
			if err != nil {
				s.logger.Warn("store: failed to expire message", "ref", ref, "error", err)
				continue
			}
			s.messages[ref] = updated
			expired = append(expired, updated)
		}
		if len(expired) > 0 {
			s.persistSnapshot()
			s.dispatch(msg.EventExpired, expired)
		}
	})
}

// deleteClosedMessages soft-deletes closed entries that have been closed
// for longer than cfg.ClosedGrace.
func (s *Store) deleteClosedMessages() {
	s.exec(func() {
		now := s.now().UTC().UnixMilli()
		graceMS := s.cfg.ClosedGrace.Milliseconds()
		var deleted []*msg.Message
		for ref, m := range s.messages {
			if m.Lifecycle.State != msg.StateClosed {
				continue
			}
			if m.Lifecycle.StateChangedAt == nil || now-*m.Lifecycle.StateChangedAt < graceMS {
				continue
			}
			patch := &factory.Patch{
				Lifecycle: &factory.LifecyclePatch{State: factory.Set(msg.StateDeleted)},
				Timing:    &factory.TimingPatch{NotifyAt: factory.ClearField[int64]()},
			}
			updated, err := s.factory.ApplyPatch(m, *patch, false, factory.LifecycleToken())
			if err != nil {
				s.logger.Warn("store: failed to soft-delete closed message", "ref", ref, "error", err)
				continue
			}
			s.messages[ref] = updated
			deleted = append(deleted, updated)
		}
		if len(deleted) > 0 {
			s.persistSnapshot()
			s.dispatch(msg.EventDeleted, deleted)
		}
	})
}

// hardDeleteMessages physically removes quasi-deleted entries older than
// cfg.RetentionWindow, in batches of cfg.HardDeleteBatchSize, appending an
// archive "purge" record for each. It does nothing until cfg.StartupGrace
// has elapsed since Start.
func (s *Store) hardDeleteMessages() {
	s.exec(func() {
		now := s.now()
		if now.Sub(s.startedAt) < s.cfg.StartupGrace {
			return
		}
		nowMS := now.UTC().UnixMilli()
		retentionMS := s.cfg.RetentionWindow.Milliseconds()

		type candidate struct {
			ref string
			age int64
		}
		var candidates []candidate
		for ref, m := range s.messages {
			if !msg.QuasiDeleted(m.Lifecycle.State) {
				continue
			}
			if m.Lifecycle.StateChangedAt == nil {
				continue
			}
			age := nowMS - *m.Lifecycle.StateChangedAt
			if age < retentionMS {
				continue
			}
			candidates = append(candidates, candidate{ref: ref, age: age})
		}
		if len(candidates) == 0 {
			return
		}

		batch := candidates
		if len(batch) > s.cfg.HardDeleteBatchSize {
			batch = batch[:s.cfg.HardDeleteBatchSize]
		}
		for _, c := range batch {
			m := s.messages[c.ref]
			if s.archive != nil {
				s.archive.AppendDelete(c.ref, m, archive.EventPurge)
			}
			delete(s.messages, c.ref)
		}
		s.persistSnapshot()
	})
}

// initiateNotifications scans for entries whose notifyAt has elapsed and
// are quasi-open-but-not-expired, dispatching a single "due" event with
// the batch (after the policy pipeline runs over it).
func (s *Store) initiateNotifications() {
	s.exec(func() {
		now := s.now().UTC().UnixMilli()
		var candidates []*msg.Message
		for _, m := range s.messages {
			if m.Timing.NotifyAt == nil || *m.Timing.NotifyAt > now {
				continue
			}
			if m.Lifecycle.State != msg.StateOpen && m.Lifecycle.State != msg.StateSnoozed {
				continue
			}
			candidates = append(candidates, m)
		}
		if len(candidates) > 0 {
			s.dispatchDueLocked(candidates)
			s.persistSnapshot()
		}
	})
}
