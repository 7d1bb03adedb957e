package store

import (
	"fmt"

	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
)

// UpdateMessage applies patch to the live entry for ref via the Factory.
// stealth suppresses the updatedAt bump and the "updated" event; token
// authorizes a transition into a core-managed lifecycle state (Store-
// internal callers only — see factory.LifecycleToken).
func (s *Store) UpdateMessage(ref string, patch *factory.Patch, stealth bool, token factory.CoreToken) (bool, error) {
	var ok bool
	var updateErr error
	s.exec(func() {
		existing, found := s.messages[ref]
		if !found {
			updateErr = fmt.Errorf("store: no message with ref %q", ref)
			return
		}
		pre := existing.Clone()

		updated, err := s.factory.ApplyPatch(existing, *patch, stealth, token)
		if err != nil {
			updateErr = err
			return
		}
		s.messages[ref] = updated

		if s.archive != nil {
			s.archive.AppendPatch(ref, patch, pre, updated)
		}
		s.persistSnapshot()

		visible := updated.Timing.UpdatedAt != pre.Timing.UpdatedAt

		if visible {
			switch updated.Lifecycle.State {
			case msg.StateDeleted:
				s.dispatch(msg.EventDeleted, []*msg.Message{updated})
			case msg.StateExpired:
				s.dispatch(msg.EventExpired, []*msg.Message{updated})
			default:
				s.dispatch(msg.EventUpdated, []*msg.Message{updated})
			}
		}

		if visible && updated.Timing.NotifyAt == nil && updated.Lifecycle.State == msg.StateOpen {
			s.dispatchDueLocked([]*msg.Message{updated})
		}

		ok = true
	})
	return ok, updateErr
}
