package store

import (
	"github.com/homehub/msghub/internal/archive"
	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
)

// AddMessage validates and inserts a new message (spec.md §4.7). If a
// non-quasi-deleted entry already exists for the ref, the add is
// rejected. If only quasi-deleted entries exist, they are archived with
// a purgeOnRecreate record and replaced.
func (s *Store) AddMessage(in factory.CreateInput) (bool, error) {
	m, err := s.factory.CreateMessage(in)
	if err != nil {
		return false, err
	}

	var ok bool
	var addErr error
	s.exec(func() {
		existing, found := s.messages[m.Ref]
		event := msg.EventAdded

		if found {
			if !msg.QuasiDeleted(existing.Lifecycle.State) {
				addErr = &alreadyExistsError{ref: m.Ref}
				return
			}
			if s.archive != nil {
				s.archive.AppendDelete(existing.Ref, existing, archive.EventPurgeOnRecreate)
			}
			event = msg.EventRecreated
			if existing.Timing.Cooldown != nil && existing.Lifecycle.StateChangedAt != nil {
				elapsed := m.Timing.CreatedAt - *existing.Lifecycle.StateChangedAt
				if elapsed <= *existing.Timing.Cooldown {
					event = msg.EventRecovered
				}
			}
			delete(s.messages, existing.Ref)
		}

		s.messages[m.Ref] = m
		if s.archive != nil {
			s.archive.AppendCreate(m.Ref, m)
		}
		s.persistSnapshot()
		s.dispatch(event, []*msg.Message{m})

		if m.Timing.NotifyAt == nil && m.Lifecycle.State == msg.StateOpen && event != msg.EventRecovered {
			s.dispatchDueLocked([]*msg.Message{m})
		}

		ok = true
	})
	return ok, addErr
}

type alreadyExistsError struct{ ref string }

func (e *alreadyExistsError) Error() string {
	return "store: a non-deleted message already exists for ref " + e.ref
}

// AddOrUpdateMessage updates the live entry for in.Ref if one exists,
// otherwise adds it as new (which may itself recreate/recover a
// quasi-deleted prior entry).
func (s *Store) AddOrUpdateMessage(in factory.CreateInput) (bool, error) {
	var hasLive bool
	s.exec(func() {
		existing, found := s.messages[in.Ref]
		hasLive = found && !msg.QuasiDeleted(existing.Lifecycle.State)
	})
	if !hasLive {
		return s.AddMessage(in)
	}
	return s.UpdateMessage(in.Ref, createInputToPatch(in), false, factory.CoreToken{})
}

// createInputToPatch converts a full producer-supplied shape into a
// replace-everything patch, for the update branch of addOrUpdateMessage.
func createInputToPatch(in factory.CreateInput) *factory.Patch {
	patch := &factory.Patch{
		Title: &in.Title,
		Text:  &in.Text,
		Level: &in.Level,
		Icon:  &in.Icon,
	}
	if in.Details != nil {
		patch.Details = &factory.DetailsPatch{
			Location:    factory.Set(in.Details.Location),
			Task:        factory.Set(in.Details.Task),
			Reason:      factory.Set(in.Details.Reason),
			Tools:       factory.Set(in.Details.Tools),
			Consumables: factory.Set(in.Details.Consumables),
		}
	}
	if in.Audience != nil {
		patch.Audience = &factory.AudiencePatch{
			Tags: factory.Set(in.Audience.Tags),
			Channels: &factory.AudienceChannelsPatch{
				Include: factory.Set(in.Audience.Channels.Include),
				Exclude: factory.Set(in.Audience.Channels.Exclude),
			},
		}
	}
	if in.Timing != nil {
		patch.Timing = &factory.TimingPatch{}
		if in.Timing.ExpiresAt != nil {
			patch.Timing.ExpiresAt = factory.Set(*in.Timing.ExpiresAt)
		}
		if in.Timing.NotifyAt != nil {
			patch.Timing.NotifyAt = factory.Set(*in.Timing.NotifyAt)
		}
		if in.Timing.RemindEvery != nil {
			patch.Timing.RemindEvery = factory.Set(*in.Timing.RemindEvery)
		}
		if in.Timing.TimeBudget != nil {
			patch.Timing.TimeBudget = factory.Set(*in.Timing.TimeBudget)
		}
		if in.Timing.Cooldown != nil {
			patch.Timing.Cooldown = factory.Set(*in.Timing.Cooldown)
		}
		if in.Timing.DueAt != nil {
			patch.Timing.DueAt = factory.Set(*in.Timing.DueAt)
		}
		if in.Timing.StartAt != nil {
			patch.Timing.StartAt = factory.Set(*in.Timing.StartAt)
		}
		if in.Timing.EndAt != nil {
			patch.Timing.EndAt = factory.Set(*in.Timing.EndAt)
		}
	}
	if in.Metrics != nil {
		patch.Metrics = &factory.MetricsPatch{Replace: true, ReplaceMap: in.Metrics}
	}
	if in.Attachments != nil {
		patch.Attachments = &factory.AttachmentsPatch{Replace: true, ReplaceWith: in.Attachments}
	}
	if in.ListItems != nil {
		patch.ListItems = &factory.ListItemsPatch{Replace: true, ReplaceWith: in.ListItems}
	}
	if in.Actions != nil {
		patch.Actions = &factory.ActionsPatch{Replace: true, ReplaceWith: in.Actions}
	}
	if in.Progress != nil {
		patch.Progress = &factory.ProgressPatch{Percentage: factory.Set(in.Progress.Percentage)}
	}
	if in.Dependencies != nil {
		patch.Dependencies = &factory.DependenciesPatch{Replace: true, ReplaceWith: in.Dependencies}
	}
	return patch
}
