package rules

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/homehub/msghub/internal/platform"
)

type fakeSubs struct {
	subscribed []string
	unsubbed   atomic.Int32
}

func (f *fakeSubs) SubscribeForeignStates(pattern string, handler func(id string, s platform.State)) (func(), error) {
	f.subscribed = append(f.subscribed, pattern)
	return func() { f.unsubbed.Add(1) }, nil
}
func (f *fakeSubs) UnsubscribeForeignStates(pattern string) error { return nil }
func (f *fakeSubs) SubscribeForeignObjects(pattern string, handler func(id string, o platform.Object)) (func(), error) {
	return func() {}, nil
}
func (f *fakeSubs) UnsubscribeForeignObjects(pattern string) error { return nil }

type countingInstance struct {
	stateIDs  []string
	ticks     atomic.Int32
	disposed  atomic.Bool
}

func (c *countingInstance) RequiredStateIds() []string                    { return c.stateIDs }
func (c *countingInstance) OnStateChange(id string, state platform.State) {}
func (c *countingInstance) OnTick(now time.Time)                          { c.ticks.Add(1) }
func (c *countingInstance) OnTimer(timerID string)                        {}
func (c *countingInstance) Dispose()                                      { c.disposed.Store(true) }

func TestManager_RegisterSubscribesEachRequiredStateId(t *testing.T) {
	subs := &fakeSubs{}
	m := NewManager(subs, nil)
	inst := &countingInstance{stateIDs: []string{"sensor.a", "sensor.b"}}

	if err := m.Register(inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(subs.subscribed) != 2 {
		t.Fatalf("subscribed = %v, want 2 patterns", subs.subscribed)
	}
}

func TestManager_StopUnsubscribesAndDisposes(t *testing.T) {
	subs := &fakeSubs{}
	m := NewManager(subs, nil)
	inst := &countingInstance{stateIDs: []string{"sensor.a"}}
	if err := m.Register(inst); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.Start()
	m.Stop()

	if subs.unsubbed.Load() != 1 {
		t.Fatalf("unsubbed = %d, want 1", subs.unsubbed.Load())
	}
	if !inst.disposed.Load() {
		t.Fatal("instance was not disposed")
	}
}
