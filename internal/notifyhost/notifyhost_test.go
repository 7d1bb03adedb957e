package notifyhost

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/homehub/msghub/internal/msg"
	"github.com/homehub/msghub/internal/render"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

type fakeActionAPI struct{ calls atomic.Int32 }

func (f *fakeActionAPI) Execute(ref, actionID, actor string) error {
	f.calls.Add(1)
	return nil
}

type recordingConsumer struct {
	calls atomic.Int32
	event atomic.Value
	refs  atomic.Value
}

func (c *recordingConsumer) OnNotifications(ctx Ctx, event string, views []*render.View) {
	c.calls.Add(1)
	c.event.Store(event)
	refs := make([]string, len(views))
	for i, v := range views {
		refs[i] = v.Ref
	}
	c.refs.Store(refs)
}

func TestRegisterPlugin_RejectsUnsupportedHandler(t *testing.T) {
	h := New(API{}, nil)
	if err := h.RegisterPlugin("bogus", struct{}{}); err == nil {
		t.Fatal("expected error registering a handler with no OnNotifications")
	}
}

func TestDispatch_InvokesRegisteredConsumerWithRenderedViews(t *testing.T) {
	h := New(API{}, nil)
	consumer := &recordingConsumer{}
	if err := h.RegisterPlugin("viewer", consumer); err != nil {
		t.Fatalf("RegisterPlugin: %v", err)
	}
	h.Start()
	defer h.Stop()

	h.Dispatch("due", []*msg.Message{{Ref: "kitchen.freezer-temp-high"}})

	waitFor(t, func() bool { return consumer.calls.Load() == 1 })
	if got := consumer.event.Load().(string); got != "due" {
		t.Fatalf("event = %q, want due", got)
	}
	refs := consumer.refs.Load().([]string)
	if len(refs) != 1 || refs[0] != "kitchen.freezer-temp-high" {
		t.Fatalf("refs = %v", refs)
	}
}

func TestUnregisterPlugin_StopsDispatch(t *testing.T) {
	h := New(API{}, nil)
	consumer := &recordingConsumer{}
	if err := h.RegisterPlugin("viewer", consumer); err != nil {
		t.Fatalf("RegisterPlugin: %v", err)
	}
	h.Start()
	h.UnregisterPlugin("viewer")

	h.Dispatch("due", []*msg.Message{{Ref: "x"}})
	time.Sleep(20 * time.Millisecond)
	if consumer.calls.Load() != 0 {
		t.Fatalf("calls = %d after unregister, want 0", consumer.calls.Load())
	}
}

func TestSetActionAPI_InstalledOnSubsequentDispatches(t *testing.T) {
	h := New(API{}, nil)
	action := &fakeActionAPI{}
	h.SetActionAPI(action)

	var gotNilAction atomic.Bool
	err := h.RegisterPlugin("viewer", NotificationFunc(func(ctx Ctx, event string, views []*render.View) {
		if ctx.API.Action == nil {
			gotNilAction.Store(true)
			return
		}
		ctx.API.Action.Execute("ref", "ack", "user")
	}))
	if err != nil {
		t.Fatalf("RegisterPlugin: %v", err)
	}
	h.Start()
	defer h.Stop()

	h.Dispatch("due", []*msg.Message{{Ref: "x"}})
	waitFor(t, func() bool { return action.calls.Load() == 1 })
	if gotNilAction.Load() {
		t.Fatal("ctx.API.Action was nil despite SetActionAPI")
	}
}

func TestDispatch_RecoversFromPanickingConsumer(t *testing.T) {
	h := New(API{}, nil)
	if err := h.RegisterPlugin("panicky", NotificationFunc(func(ctx Ctx, event string, views []*render.View) {
		panic("boom")
	})); err != nil {
		t.Fatalf("RegisterPlugin: %v", err)
	}
	survivor := &recordingConsumer{}
	if err := h.RegisterPlugin("survivor", survivor); err != nil {
		t.Fatalf("RegisterPlugin: %v", err)
	}
	h.Start()
	defer h.Stop()

	h.Dispatch("due", []*msg.Message{{Ref: "x"}})
	waitFor(t, func() bool { return survivor.calls.Load() == 1 })
}
