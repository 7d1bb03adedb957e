package mqttadapter

import (
	"sync"
	"time"

	"github.com/homehub/msghub/internal/platform"
)

// timerFacade implements platform.Timers on top of the standard
// library's time.Timer/time.Ticker, tracking every handle it hands out
// so Stop (the adapter's, not a timer's) can cancel them all at once on
// shutdown.
type timerFacade struct {
	mu      sync.Mutex
	handles map[*timerHandle]struct{}
}

func newTimerFacade() *timerFacade {
	return &timerFacade{handles: make(map[*timerHandle]struct{})}
}

type timerHandle struct {
	stop func()
}

func (h *timerHandle) Stop() { h.stop() }

func (f *timerFacade) track(h *timerHandle) {
	f.mu.Lock()
	f.handles[h] = struct{}{}
	f.mu.Unlock()
}

func (f *timerFacade) untrack(h *timerHandle) {
	f.mu.Lock()
	delete(f.handles, h)
	f.mu.Unlock()
}

func (f *timerFacade) stopAll() {
	f.mu.Lock()
	handles := make([]*timerHandle, 0, len(f.handles))
	for h := range f.handles {
		handles = append(handles, h)
	}
	f.handles = make(map[*timerHandle]struct{})
	f.mu.Unlock()
	for _, h := range handles {
		h.stop()
	}
}

// SetTimeout fires fn once after delayMS milliseconds.
func (f *timerFacade) SetTimeout(fn func(), delayMS int64) platform.TimerHandle {
	t := time.AfterFunc(time.Duration(delayMS)*time.Millisecond, fn)
	h := &timerHandle{}
	h.stop = func() { t.Stop(); f.untrack(h) }
	f.track(h)
	return h
}

// SetInterval fires fn every intervalMS milliseconds until stopped.
func (f *timerFacade) SetInterval(fn func(), intervalMS int64) platform.TimerHandle {
	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
	stopCh := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	h := &timerHandle{}
	h.stop = func() {
		ticker.Stop()
		close(stopCh)
		f.untrack(h)
	}
	f.track(h)
	return h
}

// Timers returns the platform.Timers facade backing SetTimeout/SetInterval.
func (a *Adapter) Timers() platform.Timers { return a.timers }
