package mqttadapter

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/homehub/msghub/internal/platform"
)

func newTestAdapter() *Adapter {
	return New(Config{TopicPrefix: "msghub", Namespace: "msghub.0"}, nil)
}

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

func TestHandleStateMessage_UpdatesCacheAndNotifiesMatchingSubscribers(t *testing.T) {
	a := newTestAdapter()

	var received atomic.Int32
	unsubscribe, err := a.SubscribeForeignStates("sensor.*", func(id string, s platform.State) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("SubscribeForeignStates: %v", err)
	}
	defer unsubscribe()

	var irrelevant atomic.Int32
	_, err = a.SubscribeForeignStates("actuator.*", func(id string, s platform.State) {
		irrelevant.Add(1)
	})
	if err != nil {
		t.Fatalf("SubscribeForeignStates: %v", err)
	}

	a.handleMessage("msghub/states/sensor/freezer_temp", []byte(`{"val":-4.2,"ack":true,"ts":1000,"lc":1000}`))

	waitFor(t, func() bool { return received.Load() == 1 })
	if irrelevant.Load() != 0 {
		t.Fatalf("irrelevant subscriber fired %d times, want 0", irrelevant.Load())
	}

	state, err := a.GetForeignState(nil, "sensor.freezer_temp")
	if err != nil {
		t.Fatalf("GetForeignState: %v", err)
	}
	if state == nil || state.Val != float64(-4.2) {
		t.Fatalf("GetForeignState = %+v, want cached -4.2", state)
	}
}

func TestUnsubscribeForeignStates_StopsFurtherDispatch(t *testing.T) {
	a := newTestAdapter()
	var received atomic.Int32
	_, err := a.SubscribeForeignStates("sensor.*", func(id string, s platform.State) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("SubscribeForeignStates: %v", err)
	}

	if err := a.UnsubscribeForeignStates("sensor.*"); err != nil {
		t.Fatalf("UnsubscribeForeignStates: %v", err)
	}

	a.handleMessage("msghub/states/sensor/freezer_temp", []byte(`{"val":1,"ts":1000}`))
	time.Sleep(20 * time.Millisecond)
	if received.Load() != 0 {
		t.Fatalf("received = %d after unsubscribe, want 0", received.Load())
	}
}

func TestHandleObjectMessage_CachesAndDispatches(t *testing.T) {
	a := newTestAdapter()
	var received atomic.Int32
	_, err := a.SubscribeForeignObjects("sensor.*", func(id string, o platform.Object) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("SubscribeForeignObjects: %v", err)
	}

	a.handleMessage("msghub/objects/sensor/freezer_temp", []byte(`{"type":"state","common":{"name":"Freezer Temp"}}`))

	waitFor(t, func() bool { return received.Load() == 1 })

	obj, err := a.GetForeignObject(nil, "sensor.freezer_temp")
	if err != nil {
		t.Fatalf("GetForeignObject: %v", err)
	}
	if obj == nil || obj.Type != "state" {
		t.Fatalf("GetForeignObject = %+v", obj)
	}
}

func TestGetObjectView_FiltersByKeyRange(t *testing.T) {
	a := newTestAdapter()
	a.handleMessage("msghub/objects/sensor/a", []byte(`{"type":"state"}`))
	a.handleMessage("msghub/objects/sensor/m", []byte(`{"type":"state"}`))
	a.handleMessage("msghub/objects/sensor/z", []byte(`{"type":"state"}`))
	waitFor(t, func() bool {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return len(a.objects) == 3
	})

	view, err := a.GetObjectView(nil, "", "", "sensor.b", "sensor.y")
	if err != nil {
		t.Fatalf("GetObjectView: %v", err)
	}
	if len(view) != 1 || view[0].ID != "sensor.m" {
		t.Fatalf("GetObjectView = %+v, want just sensor.m", view)
	}
}
