package store

import (
	"testing"
	"time"

	"github.com/homehub/msghub/internal/archive"
	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
	"github.com/homehub/msghub/internal/persist"
	"github.com/homehub/msghub/internal/policy"
)

type fakeNotifier struct {
	events []dispatchedEvent
}

type dispatchedEvent struct {
	name string
	refs []string
}

func (f *fakeNotifier) Dispatch(event string, messages []*msg.Message) {
	refs := make([]string, len(messages))
	for i, m := range messages {
		refs[i] = m.Ref
	}
	f.events = append(f.events, dispatchedEvent{name: event, refs: refs})
}

func (f *fakeNotifier) has(event, ref string) bool {
	for _, e := range f.events {
		if e.name != event {
			continue
		}
		for _, r := range e.refs {
			if r == ref {
				return true
			}
		}
	}
	return false
}

func newTestStore(t *testing.T) (*Store, *fakeNotifier) {
	t.Helper()
	dir := t.TempDir()
	p := persist.New(dir+"/messages.json", nil)
	a := archive.New(dir+"/archive", 0, nil)
	pol := policy.New(policy.Config{})
	notify := &fakeNotifier{}

	cfg := Config{
		SnapshotPath:         dir + "/messages.json",
		PruneInterval:        time.Hour,
		DeleteClosedInterval: time.Hour,
		HardDeleteInterval:   time.Hour,
		NotifyInterval:       time.Hour,
		ClosedGrace:          30 * time.Second,
		RetentionWindow:      24 * time.Hour,
		StartupGrace:         0,
		HardDeleteBatchSize:  50,
	}
	s := New(cfg, factory.New(), p, a, pol, notify, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start store: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, notify
}

func basicInput(ref string) factory.CreateInput {
	return factory.CreateInput{
		Ref:   ref,
		Title: "title",
		Text:  "text",
		Level: msg.LevelNotice,
		Kind:  msg.KindTask,
		Origin: msg.Origin{
			Type: msg.OriginManual,
		},
	}
}

func TestAddMessage_FreshInsertDispatchesAddedAndDue(t *testing.T) {
	s, notify := newTestStore(t)

	ok, err := s.AddMessage(basicInput("manual.task.x"))
	if err != nil || !ok {
		t.Fatalf("AddMessage failed: ok=%v err=%v", ok, err)
	}
	if !notify.has(msg.EventAdded, "manual.task.x") {
		t.Fatalf("expected 'added' event, got %+v", notify.events)
	}
	if !notify.has(msg.EventDue, "manual.task.x") {
		t.Fatalf("expected immediate 'due' event for notifyAt-less open message, got %+v", notify.events)
	}

	view, found := s.GetMessageByRef("manual.task.x", FilterAll)
	if !found || view.Title != "title" {
		t.Fatalf("expected to retrieve the inserted message, got %+v found=%v", view, found)
	}
}

func TestAddMessage_RejectsDuplicateLiveRef(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddMessage(basicInput("manual.task.x"))

	ok, err := s.AddMessage(basicInput("manual.task.x"))
	if ok || err == nil {
		t.Fatalf("expected rejection of duplicate live ref, got ok=%v err=%v", ok, err)
	}
}

func TestAddMessage_RecreatesAfterQuasiDeletedOutsideCooldown(t *testing.T) {
	s, notify := newTestStore(t)
	s.AddMessage(basicInput("manual.task.x"))
	if _, err := s.RemoveMessage("manual.task.x", "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ok, err := s.AddMessage(basicInput("manual.task.x"))
	if err != nil || !ok {
		t.Fatalf("expected recreate to succeed: ok=%v err=%v", ok, err)
	}
	if !notify.has(msg.EventRecreated, "manual.task.x") {
		t.Fatalf("expected 'recreated' event (no cooldown configured), got %+v", notify.events)
	}
}

func TestAddMessage_RecoversWithinCooldown(t *testing.T) {
	s, notify := newTestStore(t)

	cooldown := int64(60_000)
	in := basicInput("manual.task.y")
	in.Timing = &msg.Timing{Cooldown: &cooldown}
	s.AddMessage(in)
	s.RemoveMessage("manual.task.y", "alice")

	ok, err := s.AddMessage(basicInput("manual.task.y"))
	if err != nil || !ok {
		t.Fatalf("expected recovery add to succeed: ok=%v err=%v", ok, err)
	}
	if !notify.has(msg.EventRecovered, "manual.task.y") {
		t.Fatalf("expected 'recovered' event within cooldown, got %+v", notify.events)
	}
	if notify.has(msg.EventDue, "manual.task.y") {
		t.Fatalf("recovered re-add should not immediately redispatch due")
	}
}

func TestUpdateMessage_DispatchesUpdatedOnVisibleChange(t *testing.T) {
	s, notify := newTestStore(t)
	s.AddMessage(basicInput("manual.task.x"))

	newTitle := "new title"
	ok, err := s.UpdateMessage("manual.task.x", &factory.Patch{Title: &newTitle}, false, factory.CoreToken{})
	if err != nil || !ok {
		t.Fatalf("update failed: ok=%v err=%v", ok, err)
	}
	if !notify.has(msg.EventUpdated, "manual.task.x") {
		t.Fatalf("expected 'updated' event, got %+v", notify.events)
	}
	view, _ := s.GetMessageByRef("manual.task.x", FilterAll)
	if view.Title != newTitle {
		t.Fatalf("expected title to be updated, got %q", view.Title)
	}
}

func TestUpdateMessage_StealthSuppressesEvent(t *testing.T) {
	s, notify := newTestStore(t)
	s.AddMessage(basicInput("manual.task.x"))
	notify.events = nil

	newTitle := "stealthy"
	ok, err := s.UpdateMessage("manual.task.x", &factory.Patch{Title: &newTitle}, true, factory.CoreToken{})
	if err != nil || !ok {
		t.Fatalf("update failed: ok=%v err=%v", ok, err)
	}
	if notify.has(msg.EventUpdated, "manual.task.x") {
		t.Fatalf("expected no 'updated' event for a stealth patch, got %+v", notify.events)
	}
}

func TestRemoveMessage_SoftDeletesAndDispatches(t *testing.T) {
	s, notify := newTestStore(t)
	s.AddMessage(basicInput("manual.task.x"))

	ok, err := s.RemoveMessage("manual.task.x", "alice")
	if err != nil || !ok {
		t.Fatalf("remove failed: ok=%v err=%v", ok, err)
	}
	if !notify.has(msg.EventDeleted, "manual.task.x") {
		t.Fatalf("expected 'deleted' event, got %+v", notify.events)
	}
	if _, found := s.GetMessageByRef("manual.task.x", FilterQuasiOpen); found {
		t.Fatalf("expected quasi-open filter to exclude a deleted message")
	}
	if _, found := s.GetMessageByRef("manual.task.x", FilterAll); !found {
		t.Fatalf("expected FilterAll to still return the deleted message")
	}
}

func TestQueryMessages_HidesQuasiDeletedByDefault(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddMessage(basicInput("manual.task.a"))
	s.AddMessage(basicInput("manual.task.b"))
	s.RemoveMessage("manual.task.b", "alice")

	result := s.QueryMessages(Where{}, nil, Page{})
	if result.Total != 1 || len(result.Items) != 1 || result.Items[0].Ref != "manual.task.a" {
		t.Fatalf("expected only the non-deleted message, got %+v", result)
	}
}

func TestQueryMessages_Pagination(t *testing.T) {
	s, _ := newTestStore(t)
	for _, ref := range []string{"manual.task.a", "manual.task.b", "manual.task.c"} {
		s.AddMessage(basicInput(ref))
	}

	page1 := s.QueryMessages(Where{}, nil, Page{Number: 1, Size: 2})
	if page1.Total != 3 || page1.Pages != 2 || len(page1.Items) != 2 {
		t.Fatalf("unexpected page1: %+v", page1)
	}
	page2 := s.QueryMessages(Where{}, nil, Page{Number: 2, Size: 2})
	if len(page2.Items) != 1 {
		t.Fatalf("unexpected page2: %+v", page2)
	}
}

func TestActionsFor(t *testing.T) {
	s, _ := newTestStore(t)
	in := basicInput("manual.task.x")
	in.Actions = map[string]msg.Action{"a1": {Type: msg.ActionAck, ID: "a1"}}
	s.AddMessage(in)

	actions, state, found := s.ActionsFor("manual.task.x")
	if !found || state != msg.StateOpen || len(actions) != 1 {
		t.Fatalf("unexpected ActionsFor result: actions=%+v state=%v found=%v", actions, state, found)
	}
}

func TestPruneOldMessages_ExpiresPastDue(t *testing.T) {
	s, notify := newTestStore(t)
	pastExpiry := time.Now().Add(-time.Hour).UnixMilli()
	in := basicInput("manual.task.x")
	in.Timing = &msg.Timing{ExpiresAt: &pastExpiry}
	s.AddMessage(in)

	s.pruneOldMessages()

	if !notify.has(msg.EventExpired, "manual.task.x") {
		t.Fatalf("expected 'expired' event, got %+v", notify.events)
	}
	view, _ := s.GetMessageByRef("manual.task.x", FilterAll)
	if view.Lifecycle.State != msg.StateExpired {
		t.Fatalf("expected expired state, got %v", view.Lifecycle.State)
	}
}

func TestDeleteClosedMessages_AfterGrace(t *testing.T) {
	s, notify := newTestStore(t)
	s.AddMessage(basicInput("manual.task.x"))
	closed := msg.StateClosed
	s.UpdateMessage("manual.task.x", &factory.Patch{Lifecycle: &factory.LifecyclePatch{State: factory.Set(closed)}}, false, factory.CoreToken{})

	// Force the closed-at timestamp far enough into the past.
	s.exec(func() {
		m := s.messages["manual.task.x"]
		past := time.Now().Add(-time.Hour).UnixMilli()
		m.Lifecycle.StateChangedAt = &past
	})

	s.deleteClosedMessages()

	if !notify.has(msg.EventDeleted, "manual.task.x") {
		t.Fatalf("expected 'deleted' event after closed grace elapses, got %+v", notify.events)
	}
}

func TestHardDeleteMessages_PhysicallyRemovesAfterRetention(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddMessage(basicInput("manual.task.x"))
	s.RemoveMessage("manual.task.x", "alice")

	s.exec(func() {
		m := s.messages["manual.task.x"]
		past := time.Now().Add(-48 * time.Hour).UnixMilli()
		m.Lifecycle.StateChangedAt = &past
	})

	s.hardDeleteMessages()

	if _, found := s.GetMessageByRef("manual.task.x", FilterAll); found {
		t.Fatalf("expected message to be physically removed after retention window")
	}
}
