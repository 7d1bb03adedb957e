package factory

import (
	"fmt"

	"github.com/homehub/msghub/internal/msg"
)

// ApplyPatch applies patch to a clone of existing, enforcing immutability
// of ref/kind/origin/timing.createdAt and the documented per-key patch
// semantics (spec.md §4.1). stealth suppresses the updatedAt bump even
// when a user-visible field changed; token, when non-zero, authorizes a
// lifecycle transition into a core-managed state. Returns a new
// *msg.Message (existing is never mutated) or a *ValidationError.
func (f *Factory) ApplyPatch(existing *msg.Message, patch Patch, stealth bool, token CoreToken) (*msg.Message, error) {
	if existing == nil {
		return nil, invalid("ref", "message not found")
	}
	out := existing.Clone()
	now := f.now().UTC().UnixMilli()

	visible := false

	if patch.Title != nil {
		if *patch.Title == "" {
			return nil, invalid("title", "must be non-empty")
		}
		if *patch.Title != out.Title {
			out.Title = *patch.Title
			visible = true
		}
	}
	if patch.Text != nil {
		if *patch.Text == "" {
			return nil, invalid("text", "must be non-empty")
		}
		if *patch.Text != out.Text {
			out.Text = *patch.Text
			visible = true
		}
	}
	if patch.Level != nil {
		if !msg.ValidLevel(*patch.Level) {
			return nil, invalid("level", fmt.Sprintf("unknown level %d", *patch.Level))
		}
		if *patch.Level != out.Level {
			out.Level = *patch.Level
			visible = true
		}
	}
	if patch.Icon != nil {
		if *patch.Icon != out.Icon {
			out.Icon = *patch.Icon
			visible = true
		}
	}

	if patch.Details != nil {
		changed, err := applyDetailsPatch(out, patch.Details)
		if err != nil {
			return nil, err
		}
		visible = visible || changed
	}
	if patch.Audience != nil {
		changed := applyAudiencePatch(out, patch.Audience)
		visible = visible || changed
	}
	if patch.Lifecycle != nil {
		changed, err := f.applyLifecyclePatch(out, patch.Lifecycle, now, token)
		if err != nil {
			return nil, err
		}
		visible = visible || changed
	}
	if patch.Timing != nil {
		changed, err := applyTimingPatch(out, patch.Timing)
		if err != nil {
			return nil, err
		}
		visible = visible || changed
	}
	if patch.Metrics != nil {
		if err := applyMetricsPatch(out, patch.Metrics); err != nil {
			return nil, err
		}
		// Metrics-only patches never count as user-visible (spec.md §4.1).
	}
	if patch.Attachments != nil {
		changed, err := applyAttachmentsPatch(out, patch.Attachments)
		if err != nil {
			return nil, err
		}
		visible = visible || changed
	}
	if patch.ListItems != nil {
		changed := applyListItemsPatch(out, patch.ListItems)
		visible = visible || changed
	}
	if patch.Actions != nil {
		changed := applyActionsPatch(out, patch.Actions)
		visible = visible || changed
	}
	if patch.Progress != nil {
		changed, err := applyProgressPatch(out, patch.Progress, now)
		if err != nil {
			return nil, err
		}
		visible = visible || changed
	}
	if patch.Dependencies != nil {
		changed := applyDependenciesPatch(out, patch.Dependencies)
		visible = visible || changed
	}

	if visible && !stealth {
		out.Timing.UpdatedAt = now
	}

	return out, nil
}

func applyDetailsPatch(out *msg.Message, p *DetailsPatch) (bool, error) {
	if p.Clear {
		if out.Details == nil {
			return false, nil
		}
		out.Details = nil
		return true, nil
	}
	d := out.Details
	if d == nil {
		d = &msg.Details{}
	} else {
		cp := *d
		d = &cp
	}
	changed := false
	if p.Location.Present {
		if p.Location.Clear {
			changed = changed || d.Location != ""
			d.Location = ""
		} else if p.Location.Value != d.Location {
			d.Location = p.Location.Value
			changed = true
		}
	}
	if p.Task.Present {
		if p.Task.Clear {
			changed = changed || d.Task != ""
			d.Task = ""
		} else if p.Task.Value != d.Task {
			d.Task = p.Task.Value
			changed = true
		}
	}
	if p.Reason.Present {
		if p.Reason.Clear {
			changed = changed || d.Reason != ""
			d.Reason = ""
		} else if p.Reason.Value != d.Reason {
			d.Reason = p.Reason.Value
			changed = true
		}
	}
	if p.Tools.Present {
		if p.Tools.Clear {
			changed = changed || len(d.Tools) != 0
			d.Tools = nil
		} else {
			d.Tools = append([]string(nil), p.Tools.Value...)
			changed = true
		}
	}
	if p.Consumables.Present {
		if p.Consumables.Clear {
			changed = changed || len(d.Consumables) != 0
			d.Consumables = nil
		} else {
			d.Consumables = append([]string(nil), p.Consumables.Value...)
			changed = true
		}
	}
	if detailsEmpty(d) {
		out.Details = nil
	} else {
		out.Details = d
	}
	return changed, nil
}

func applyAudiencePatch(out *msg.Message, p *AudiencePatch) bool {
	if p.Clear {
		had := out.Audience != nil
		out.Audience = nil
		return had
	}
	a := out.Audience
	if a == nil {
		a = &msg.Audience{}
	} else {
		cp := *a
		a = &cp
	}
	changed := false
	if p.Tags.Present {
		if p.Tags.Clear {
			changed = changed || len(a.Tags) != 0
			a.Tags = nil
		} else {
			a.Tags = append([]string(nil), p.Tags.Value...)
			changed = true
		}
	}
	if p.Channels != nil {
		if p.Channels.Include.Present {
			if p.Channels.Include.Clear {
				changed = changed || len(a.Channels.Include) != 0
				a.Channels.Include = nil
			} else {
				a.Channels.Include = append([]string(nil), p.Channels.Include.Value...)
				changed = true
			}
		}
		if p.Channels.Exclude.Present {
			if p.Channels.Exclude.Clear {
				changed = changed || len(a.Channels.Exclude) != 0
				a.Channels.Exclude = nil
			} else {
				a.Channels.Exclude = append([]string(nil), p.Channels.Exclude.Value...)
				changed = true
			}
		}
	}
	if audienceEmpty(a) {
		out.Audience = nil
	} else {
		out.Audience = a
	}
	return changed
}

func (f *Factory) applyLifecyclePatch(out *msg.Message, p *LifecyclePatch, now int64, token CoreToken) (bool, error) {
	if p.Reset {
		changed := out.Lifecycle.State != msg.StateOpen
		out.Lifecycle = msg.Lifecycle{State: msg.StateOpen}
		if changed {
			out.Lifecycle.StateChangedAt = &now
		}
		return changed, nil
	}

	changed := false
	if p.State.Present && !p.State.Clear {
		target := p.State.Value
		if !msg.ValidState(target) {
			return false, invalid("lifecycle.state", fmt.Sprintf("unknown state %q", target))
		}
		if msg.CoreManagedState(target) && !token.lifecycle {
			return false, invalid("lifecycle.state", "core-managed states require store authorization")
		}
		if target != out.Lifecycle.State {
			if !msg.ValidTransition(out.Lifecycle.State, target) {
				return false, invalid("lifecycle.state", fmt.Sprintf("invalid transition %s -> %s", out.Lifecycle.State, target))
			}
			out.Lifecycle.State = target
			out.Lifecycle.StateChangedAt = &now
			changed = true
		}
	}
	if p.StateChangedBy.Present {
		if p.StateChangedBy.Clear {
			changed = changed || out.Lifecycle.StateChangedBy != ""
			out.Lifecycle.StateChangedBy = ""
		} else if p.StateChangedBy.Value != out.Lifecycle.StateChangedBy {
			out.Lifecycle.StateChangedBy = p.StateChangedBy.Value
			changed = true
		}
	}
	return changed, nil
}

func applyTimingPatch(out *msg.Message, p *TimingPatch) (bool, error) {
	changed := false

	apply := func(field string, dst **int64, f Field[int64], plausibility bool) error {
		if !f.Present {
			return nil
		}
		if f.Clear {
			if *dst != nil {
				changed = true
			}
			*dst = nil
			return nil
		}
		if plausibility && !msg.PlausibleTimestamp(f.Value) {
			return invalid(field, "implausible timestamp")
		}
		if !plausibility && f.Value < 0 {
			return invalid(field, "must be non-negative")
		}
		if *dst == nil || **dst != f.Value {
			v := f.Value
			*dst = &v
			changed = true
		}
		return nil
	}

	if err := apply("timing.expiresAt", &out.Timing.ExpiresAt, p.ExpiresAt, true); err != nil {
		return false, err
	}
	if err := apply("timing.notifyAt", &out.Timing.NotifyAt, p.NotifyAt, true); err != nil {
		return false, err
	}
	if err := apply("timing.dueAt", &out.Timing.DueAt, p.DueAt, true); err != nil {
		return false, err
	}
	if err := apply("timing.startAt", &out.Timing.StartAt, p.StartAt, true); err != nil {
		return false, err
	}
	if err := apply("timing.endAt", &out.Timing.EndAt, p.EndAt, true); err != nil {
		return false, err
	}
	if err := apply("timing.remindEvery", &out.Timing.RemindEvery, p.RemindEvery, false); err != nil {
		return false, err
	}
	if err := apply("timing.timeBudget", &out.Timing.TimeBudget, p.TimeBudget, false); err != nil {
		return false, err
	}
	if err := apply("timing.cooldown", &out.Timing.Cooldown, p.Cooldown, false); err != nil {
		return false, err
	}

	return changed, nil
}

func applyMetricsPatch(out *msg.Message, p *MetricsPatch) error {
	if p.Replace {
		if err := validateMetrics(p.ReplaceMap); err != nil {
			return err
		}
		if len(p.ReplaceMap) == 0 {
			out.Metrics = nil
		} else {
			out.Metrics = copyMetrics(p.ReplaceMap)
		}
		return nil
	}
	if len(p.Set) > 0 {
		if err := validateMetrics(p.Set); err != nil {
			return err
		}
	}
	merged := out.Metrics
	if merged == nil && len(p.Set) > 0 {
		merged = make(map[string]msg.MetricValue, len(p.Set))
	}
	for k, v := range p.Set {
		merged[k] = v
	}
	for _, k := range p.Delete {
		delete(merged, k)
	}
	if len(merged) == 0 {
		merged = nil
	}
	out.Metrics = merged
	return nil
}

func applyAttachmentsPatch(out *msg.Message, p *AttachmentsPatch) (bool, error) {
	if p.Replace {
		before := out.Attachments
		if len(p.ReplaceWith) == 0 {
			out.Attachments = nil
		} else {
			out.Attachments = append([]msg.Attachment(nil), p.ReplaceWith...)
		}
		return !attachmentsEqual(before, out.Attachments), nil
	}
	changed := false
	list := append([]msg.Attachment(nil), out.Attachments...)
	if len(p.Set) > 0 {
		list = append(list, p.Set...)
		changed = true
	}
	if len(p.Delete) > 0 {
		idxs := append([]int(nil), p.Delete...)
		// Descending order keeps earlier indices valid as required.
		for i := 0; i < len(idxs); i++ {
			for j := i + 1; j < len(idxs); j++ {
				if idxs[j] > idxs[i] {
					idxs[i], idxs[j] = idxs[j], idxs[i]
				}
			}
		}
		for _, idx := range idxs {
			if idx < 0 || idx >= len(list) {
				return false, invalid("attachments.delete", fmt.Sprintf("index %d out of range", idx))
			}
			list = append(list[:idx], list[idx+1:]...)
			changed = true
		}
	}
	if len(list) == 0 {
		list = nil
	}
	out.Attachments = list
	return changed, nil
}

func attachmentsEqual(a, b []msg.Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func applyListItemsPatch(out *msg.Message, p *ListItemsPatch) bool {
	if p.Replace {
		changed := len(out.ListItems) != 0 || len(p.ReplaceWith) != 0
		if len(p.ReplaceWith) == 0 {
			out.ListItems = nil
		} else {
			out.ListItems = copyListItems(p.ReplaceWith)
		}
		return changed
	}
	changed := false
	merged := out.ListItems
	if merged == nil && len(p.Set) > 0 {
		merged = make(map[string]msg.ListItem, len(p.Set))
	} else if merged != nil {
		merged = copyListItems(merged)
	}
	for id, item := range p.Set {
		merged[id] = item
		changed = true
	}
	for _, id := range p.Delete {
		if _, ok := merged[id]; ok {
			delete(merged, id)
			changed = true
		}
	}
	if len(merged) == 0 {
		merged = nil
	}
	out.ListItems = merged
	return changed
}

func applyActionsPatch(out *msg.Message, p *ActionsPatch) bool {
	if p.Replace {
		changed := len(out.Actions) != 0 || len(p.ReplaceWith) != 0
		if len(p.ReplaceWith) == 0 {
			out.Actions = nil
		} else {
			out.Actions = copyActions(p.ReplaceWith)
		}
		return changed
	}
	changed := false
	merged := out.Actions
	if merged == nil && len(p.Set) > 0 {
		merged = make(map[string]msg.Action, len(p.Set))
	} else if merged != nil {
		merged = copyActions(merged)
	}
	for id, a := range p.Set {
		merged[id] = a
		changed = true
	}
	for _, id := range p.Delete {
		if _, ok := merged[id]; ok {
			delete(merged, id)
			changed = true
		}
	}
	if len(merged) == 0 {
		merged = nil
	}
	out.Actions = merged
	return changed
}

func applyProgressPatch(out *msg.Message, p *ProgressPatch, now int64) (bool, error) {
	if p.Clear {
		if out.Progress == nil {
			return false, nil
		}
		startedAt := out.Progress.StartedAt
		out.Progress = &msg.Progress{Percentage: 0, StartedAt: startedAt}
		return true, nil
	}
	if !p.Percentage.Present {
		return false, nil
	}
	pct := p.Percentage.Value
	if pct < 0 || pct > 100 {
		return false, invalid("progress.percentage", "must be within [0,100]")
	}
	prog := out.Progress
	if prog == nil {
		prog = &msg.Progress{}
	} else {
		cp := *prog
		prog = &cp
	}
	changed := prog.Percentage != pct
	prevPct := prog.Percentage
	prog.Percentage = pct
	if prevPct == 0 && pct > 0 && prog.StartedAt == nil {
		prog.StartedAt = &now
	}
	if pct == 100 {
		if prog.FinishedAt == nil {
			prog.FinishedAt = &now
		}
	} else if pct < 100 {
		prog.FinishedAt = nil
	}
	out.Progress = prog
	return changed, nil
}

func applyDependenciesPatch(out *msg.Message, p *DependenciesPatch) bool {
	if p.Replace {
		before := out.Dependencies
		next := dedupStrings(p.ReplaceWith)
		out.Dependencies = next
		return !stringsEqual(before, next)
	}
	changed := false
	deleted := make(map[string]bool, len(p.Delete))
	for _, d := range p.Delete {
		deleted[d] = true
	}
	seen := make(map[string]bool, len(out.Dependencies)+len(p.Set))
	next := make([]string, 0, len(out.Dependencies)+len(p.Set))
	for _, d := range out.Dependencies {
		if deleted[d] || seen[d] {
			changed = changed || deleted[d]
			continue
		}
		seen[d] = true
		next = append(next, d)
	}
	for _, d := range p.Set {
		if deleted[d] || seen[d] {
			continue
		}
		seen[d] = true
		next = append(next, d)
		changed = true
	}
	if len(next) == 0 {
		next = nil
	}
	out.Dependencies = next
	return changed
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
