package bridge

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/homehub/msghub/internal/action"
	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/ingesthost"
	"github.com/homehub/msghub/internal/msg"
	"github.com/homehub/msghub/internal/notifyhost"
	"github.com/homehub/msghub/internal/platform"
	"github.com/homehub/msghub/internal/render"
)

// waitFor polls cond until it returns true or timeout elapses, grounded
// on internal/connwatch's test helper of the same name.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

// dualHandler satisfies both ingesthost.StateChangeHandler and
// notifyhost.Consumer, the shape a single bridged plugin takes.
type dualHandler struct {
	stateChanges atomic.Int32
	notified     atomic.Int32
}

func (h *dualHandler) OnStateChange(ctx ingesthost.Ctx, id string, state platform.State) {
	h.stateChanges.Add(1)
}

func (h *dualHandler) OnNotifications(ctx notifyhost.Ctx, event string, views []*render.View) {
	h.notified.Add(1)
}

func newHosts() Hosts {
	return Hosts{
		Ingest: ingesthost.New(ingesthost.API{}, nil),
		Notify: notifyhost.New(notifyhost.API{}, nil),
	}
}

func TestRegister_InstallsBothLegs(t *testing.T) {
	hosts := newHosts()
	handler := &dualHandler{}

	if err := Register(hosts, "lightlevel", handler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	hosts.Ingest.Start()
	hosts.Notify.Start()

	if n := hosts.Ingest.DispatchStateChange("sensor.lux", platform.State{Val: 12}, nil); n != 1 {
		t.Fatalf("DispatchStateChange reached %d plugins, want 1", n)
	}
	hosts.Notify.Dispatch(msg.EventDue, nil)

	waitFor(t, time.Second, func() bool { return handler.stateChanges.Load() == 1 }, "ingest leg dispatched")
	waitFor(t, time.Second, func() bool { return handler.notified.Load() == 1 }, "notify leg dispatched")
}

func TestRegister_RollsBackIngestLegOnNotifyFailure(t *testing.T) {
	hosts := newHosts()

	// A bare state-change func implements neither Starter/Stopper nor
	// notifyhost.Consumer, so the notify leg must fail to register.
	var fn ingesthost.StateChangeFunc = func(ctx ingesthost.Ctx, id string, state platform.State) {}

	if err := Register(hosts, "bad", fn); err == nil {
		t.Fatal("expected Register to fail when the handler has no notify leg")
	}

	hosts.Ingest.Start()
	if n := hosts.Ingest.DispatchStateChange("sensor.lux", platform.State{}, nil); n != 0 {
		t.Fatalf("ingest leg should have been rolled back, but %d plugins remain", n)
	}
}

func TestUnregister_RemovesBothLegs(t *testing.T) {
	hosts := newHosts()
	handler := &dualHandler{}
	if err := Register(hosts, "lightlevel", handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	hosts.Ingest.Start()

	Unregister(hosts, "lightlevel")

	if n := hosts.Ingest.DispatchStateChange("sensor.lux", platform.State{}, nil); n != 0 {
		t.Fatalf("ingest leg still registered after Unregister, dispatched to %d", n)
	}
}

type fakeActionStore struct {
	executed atomic.Bool
}

func (s *fakeActionStore) UpdateMessage(ref string, patch *factory.Patch, stealth bool, token factory.CoreToken) (bool, error) {
	s.executed.Store(true)
	return true, nil
}

func (s *fakeActionStore) RemoveMessage(ref string, actor string) (bool, error) {
	return true, nil
}

func (s *fakeActionStore) ActionsFor(ref string) (map[string]msg.Action, msg.State, bool) {
	return map[string]msg.Action{"ack1": {Type: msg.ActionAck, ID: "ack1"}}, msg.StateOpen, true
}

// engagedConsumer exercises ctx.API.Action the way a chat-style notify
// plugin would: reacting to a dispatch by executing an action on behalf
// of a user.
type engagedConsumer struct {
	execErr atomic.Value // error
	ran     atomic.Bool
}

func (c *engagedConsumer) OnNotifications(ctx notifyhost.Ctx, event string, views []*render.View) {
	err := ctx.API.Action.Execute("manual.task.x", "ack1", "alice")
	if err != nil {
		c.execErr.Store(err)
	}
	c.ran.Store(true)
}

func (c *engagedConsumer) OnStateChange(ctx ingesthost.Ctx, id string, state platform.State) {}

func TestEngage_WiresActionAPIIntoNotifyCtx(t *testing.T) {
	hosts := newHosts()
	store := &fakeActionStore{}
	exec := action.New(store)
	consumer := &engagedConsumer{}

	if err := Engage(hosts, "chat", consumer, exec); err != nil {
		t.Fatalf("Engage: %v", err)
	}

	hosts.Notify.Start()
	hosts.Notify.Dispatch(msg.EventDue, nil)

	waitFor(t, time.Second, func() bool { return consumer.ran.Load() }, "engaged consumer ran")
	if v := consumer.execErr.Load(); v != nil {
		t.Fatalf("ctx.API.Action.Execute returned an error: %v", v)
	}
	if !store.executed.Load() {
		t.Fatal("expected the engaged action API to reach the store")
	}
}
