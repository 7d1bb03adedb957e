package factory

import (
	"testing"
	"time"

	"github.com/homehub/msghub/internal/msg"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newFactoryAt(t time.Time) *Factory {
	return &Factory{nowFunc: fixedClock(t)}
}

func basicInput() CreateInput {
	return CreateInput{
		Title:  "Take out trash",
		Text:   "Bins go out tonight",
		Level:  msg.LevelNotice,
		Kind:   msg.KindTask,
		Origin: msg.Origin{Type: msg.OriginManual},
	}
}

func TestCreateMessage_RequiredFields(t *testing.T) {
	f := New()
	cases := []struct {
		name string
		in   CreateInput
	}{
		{"empty title", CreateInput{Text: "x", Level: msg.LevelNone, Kind: msg.KindTask, Origin: msg.Origin{Type: msg.OriginManual}}},
		{"empty text", CreateInput{Title: "x", Level: msg.LevelNone, Kind: msg.KindTask, Origin: msg.Origin{Type: msg.OriginManual}}},
		{"bad level", CreateInput{Title: "x", Text: "y", Level: 99, Kind: msg.KindTask, Origin: msg.Origin{Type: msg.OriginManual}}},
		{"bad kind", CreateInput{Title: "x", Text: "y", Level: msg.LevelNone, Kind: "bogus", Origin: msg.Origin{Type: msg.OriginManual}}},
		{"bad origin", CreateInput{Title: "x", Text: "y", Level: msg.LevelNone, Kind: msg.KindTask, Origin: msg.Origin{Type: "bogus"}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := f.CreateMessage(c.in); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestCreateMessage_StripsCoreManagedFields(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	f := newFactoryAt(now)
	in := basicInput()
	in.Lifecycle = &msg.Lifecycle{State: msg.StateDeleted}
	if _, err := f.CreateMessage(in); err == nil {
		t.Fatalf("expected rejection of core-managed initial state")
	}

	in2 := basicInput()
	in2.Timing = &msg.Timing{CreatedAt: 1, UpdatedAt: 1}
	m, err := f.CreateMessage(in2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Timing.CreatedAt != now.UnixMilli() {
		t.Errorf("createdAt not stamped with now: %d", m.Timing.CreatedAt)
	}
}

func TestCreateMessage_AutoRefDeterministic(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	f := newFactoryAt(now)
	in := basicInput()
	in.Origin = msg.Origin{Type: msg.OriginAutomation, System: "thermostat", ID: "living-room"}

	m1, err := f.CreateMessage(in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m2, err := f.CreateMessage(in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m1.Ref == m2.Ref {
		t.Fatalf("expected distinct refs broken by monotonic token, got equal: %s", m1.Ref)
	}
	// Same seed before the disambiguator: refs share a common prefix.
	if len(m1.Ref) == 0 || m1.Ref[:10] != m2.Ref[:10] {
		t.Errorf("expected shared deterministic prefix, got %s vs %s", m1.Ref, m2.Ref)
	}
}

func TestCreateMessage_ProgressDerivesStartedFinished(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	f := newFactoryAt(now)
	in := basicInput()
	in.Progress = &msg.Progress{Percentage: 100}
	m, err := f.CreateMessage(in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Progress.StartedAt == nil || *m.Progress.StartedAt != now.UnixMilli() {
		t.Errorf("expected startedAt stamped")
	}
	if m.Progress.FinishedAt == nil || *m.Progress.FinishedAt != now.UnixMilli() {
		t.Errorf("expected finishedAt stamped at 100%%")
	}
}

func TestApplyPatch_ImmutableFields(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	f := newFactoryAt(now)
	m, err := f.CreateMessage(basicInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// ref/kind/origin/createdAt have no patch fields at all, so there is
	// no way to express a patch that changes them — verify the patch
	// surface simply doesn't expose them by confirming a no-op patch
	// leaves everything untouched.
	out, err := f.ApplyPatch(m, Patch{}, true, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Ref != m.Ref || out.Kind != m.Kind || out.Origin != m.Origin || out.Timing.CreatedAt != m.Timing.CreatedAt {
		t.Fatalf("immutable fields changed across a no-op patch")
	}
}

func TestApplyPatch_UpdatedAtBumpRules(t *testing.T) {
	created := time.UnixMilli(1700000000000)
	f := newFactoryAt(created)
	m, err := f.CreateMessage(basicInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	later := time.UnixMilli(1700000060000)
	f2 := newFactoryAt(later)

	title := "New title"
	out, err := f2.ApplyPatch(m, Patch{Title: &title}, false, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Timing.UpdatedAt != later.UnixMilli() {
		t.Errorf("expected updatedAt bumped to %d, got %d", later.UnixMilli(), out.Timing.UpdatedAt)
	}

	// Stealth patch: even a visible change must not bump updatedAt.
	title2 := "Another title"
	out2, err := f2.ApplyPatch(out, Patch{Title: &title2}, true, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out2.Timing.UpdatedAt != out.Timing.UpdatedAt {
		t.Errorf("stealth patch must not bump updatedAt")
	}

	// Metrics-only patch must not bump updatedAt even though non-stealth.
	out3, err := f2.ApplyPatch(out2, Patch{Metrics: &MetricsPatch{Set: map[string]msg.MetricValue{
		"temp": {Val: 21.5, Unit: "C", TS: later.UnixMilli()},
	}}}, false, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out3.Timing.UpdatedAt != out2.Timing.UpdatedAt {
		t.Errorf("metrics-only patch must not bump updatedAt")
	}
}

func TestApplyPatch_LifecycleRequiresToken(t *testing.T) {
	f := New()
	m, err := f.CreateMessage(basicInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	deleted := msg.StateDeleted
	_, err = f.ApplyPatch(m, Patch{Lifecycle: &LifecyclePatch{State: Set(deleted)}}, false, CoreToken{})
	if err == nil {
		t.Fatalf("expected rejection without CoreToken")
	}
	out, err := f.ApplyPatch(m, Patch{Lifecycle: &LifecyclePatch{State: Set(deleted)}}, false, LifecycleToken())
	if err != nil {
		t.Fatalf("apply with token: %v", err)
	}
	if out.Lifecycle.State != msg.StateDeleted {
		t.Errorf("expected deleted state")
	}
	if out.Lifecycle.StateChangedAt == nil {
		t.Errorf("expected stateChangedAt to be stamped")
	}
}

func TestApplyPatch_LifecycleInvalidTransition(t *testing.T) {
	f := New()
	m, err := f.CreateMessage(basicInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	closed := msg.StateClosed
	m2, err := f.ApplyPatch(m, Patch{Lifecycle: &LifecyclePatch{State: Set(closed)}}, false, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	snoozed := msg.StateSnoozed
	if _, err := f.ApplyPatch(m2, Patch{Lifecycle: &LifecyclePatch{State: Set(snoozed)}}, false, CoreToken{}); err == nil {
		t.Fatalf("expected closed -> snoozed to be rejected")
	}
}

func TestApplyPatch_AttachmentsDeleteDescending(t *testing.T) {
	f := New()
	in := basicInput()
	in.Attachments = []msg.Attachment{{Type: "url", Value: "a"}, {Type: "url", Value: "b"}, {Type: "url", Value: "c"}}
	m, err := f.CreateMessage(in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := f.ApplyPatch(m, Patch{Attachments: &AttachmentsPatch{Delete: []int{0, 2}}}, true, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out.Attachments) != 1 || out.Attachments[0].Value != "b" {
		t.Fatalf("expected only %q left, got %+v", "b", out.Attachments)
	}
}

func TestApplyPatch_ProgressTransitions(t *testing.T) {
	created := time.UnixMilli(1700000000000)
	f := newFactoryAt(created)
	m, err := f.CreateMessage(basicInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t1 := time.UnixMilli(1700000001000)
	f1 := newFactoryAt(t1)
	m, err = f1.ApplyPatch(m, Patch{Progress: &ProgressPatch{Percentage: Set(50)}}, true, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if m.Progress.StartedAt == nil || *m.Progress.StartedAt != t1.UnixMilli() {
		t.Fatalf("expected startedAt stamped at first >0 transition")
	}

	t2 := time.UnixMilli(1700000002000)
	f2 := newFactoryAt(t2)
	m, err = f2.ApplyPatch(m, Patch{Progress: &ProgressPatch{Percentage: Set(75)}}, true, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if *m.Progress.StartedAt != t1.UnixMilli() {
		t.Fatalf("startedAt must never update after being set")
	}

	m, err = f2.ApplyPatch(m, Patch{Progress: &ProgressPatch{Percentage: Set(100)}}, true, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if m.Progress.FinishedAt == nil {
		t.Fatalf("expected finishedAt set at 100%%")
	}

	m, err = f2.ApplyPatch(m, Patch{Progress: &ProgressPatch{Percentage: Set(80)}}, true, CoreToken{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if m.Progress.FinishedAt != nil {
		t.Fatalf("expected finishedAt cleared when percentage drops below 100")
	}
}
