package store

import (
	"fmt"

	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
)

// RemoveMessage soft-deletes the live entry for ref: patches
// lifecycle.state=deleted, stateChangedBy=actor, clears notifyAt, and
// dispatches "deleted". Deleted is core-managed, so RemoveMessage is the
// only place outside maintenance that constructs a CoreToken.
func (s *Store) RemoveMessage(ref string, actor string) (bool, error) {
	var ok bool
	var removeErr error
	s.exec(func() {
		existing, found := s.messages[ref]
		if !found {
			removeErr = fmt.Errorf("store: no message with ref %q", ref)
			return
		}
		pre := existing.Clone()

		patch := &factory.Patch{
			Lifecycle: &factory.LifecyclePatch{
				State:          factory.Set(msg.StateDeleted),
				StateChangedBy: factory.Set(actor),
			},
			Timing: &factory.TimingPatch{NotifyAt: factory.ClearField[int64]()},
		}
		updated, err := s.factory.ApplyPatch(existing, *patch, false, factory.LifecycleToken())
		if err != nil {
			removeErr = err
			return
		}
		s.messages[ref] = updated

		if s.archive != nil {
			s.archive.AppendPatch(ref, patch, pre, updated)
		}
		s.persistSnapshot()
		s.dispatch(msg.EventDeleted, []*msg.Message{updated})

		ok = true
	})
	return ok, removeErr
}
