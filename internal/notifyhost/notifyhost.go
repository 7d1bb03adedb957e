// Package notifyhost implements the notify plugin host (spec.md §4.8):
// registration/lifecycle for notification consumers and fan-out of
// rendered message batches to them. Host.Dispatch satisfies
// internal/store.Notifier, so a *Host can be passed directly as the
// Notifier argument to store.New. Isolation follows the same
// goroutine-plus-recover() shape as internal/ingesthost, grounded on the
// teacher's mqtt publisher inbound handler.
package notifyhost

import (
	"log/slog"
	"sync"

	"github.com/homehub/msghub/internal/msg"
	"github.com/homehub/msghub/internal/platform"
	"github.com/homehub/msghub/internal/render"
	"github.com/homehub/msghub/internal/store"
)

// Ctx is passed to every consumer on every dispatch.
type Ctx struct {
	API  API
	Meta map[string]any
}

// API is the read-only facade notify consumers use to reach the core.
// ActionAPI is nil until internal/bridge's registerEngage wraps it to
// point at the Action Executor — it is the only way an action reaches
// the core from a notify consumer.
type API struct {
	Log      platform.Logger
	Platform platform.Platform
	Store    *store.Store
	Action   ActionAPI
}

// ActionAPI is the surface registerEngage installs on API.Action.
type ActionAPI interface {
	Execute(ref, actionID, actor string) error
}

// NotificationFunc is the bare-function form of a consumer.
type NotificationFunc func(ctx Ctx, event string, views []*render.View)

// Starter and Stopper mirror internal/ingesthost's lifecycle hooks.
type Starter interface{ Start() error }
type Stopper interface{ Stop() error }

// Consumer is implemented by an object-form handler.
type Consumer interface {
	OnNotifications(ctx Ctx, event string, views []*render.View)
}

type funcConsumer struct{ fn NotificationFunc }

func (f funcConsumer) OnNotifications(ctx Ctx, event string, views []*render.View) {
	f.fn(ctx, event, views)
}

type registration struct {
	id      string
	handler Consumer
	running bool
}

// Host owns the set of registered notify consumers and their lifecycle.
type Host struct {
	mu      sync.RWMutex
	regs    map[string]*registration
	running bool

	api    API
	logger *slog.Logger

	dispatchCount int
}

// New creates a Host.
func New(api API, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		regs:   make(map[string]*registration),
		api:    api,
		logger: logger,
	}
}

// SetActionAPI installs the Action Executor wrapper on the API every Ctx
// carries from here on. Called once by internal/bridge's registerEngage.
func (h *Host) SetActionAPI(a ActionAPI) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.api.Action = a
}

// SetStore installs the Store every Ctx carries from here on. Notify
// hosts are constructed before the Store they report to exists (the
// Host itself satisfies store.Notifier, so it must already exist when
// store.New runs); the caller wires the Store in with this once
// construction completes.
func (h *Host) SetStore(s *store.Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.api.Store = s
}

// Start marks the host running and starts every registered consumer.
func (h *Host) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	for _, r := range h.regs {
		h.startLocked(r)
	}
}

// Stop marks the host stopped and stops every running consumer.
func (h *Host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	for _, r := range h.regs {
		h.stopLocked(r)
	}
}

// RegisterPlugin registers handler (a NotificationFunc or a Consumer,
// optionally also Starter/Stopper) under id, stopping any prior instance.
func (h *Host) RegisterPlugin(id string, handler any) error {
	var consumer Consumer
	switch v := handler.(type) {
	case NotificationFunc:
		consumer = funcConsumer{fn: v}
	case func(ctx Ctx, event string, views []*render.View):
		consumer = funcConsumer{fn: v}
	case Consumer:
		consumer = v
	default:
		return errNoHandler{id: id}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.regs[id]; ok {
		h.stopLocked(prev)
	}
	r := &registration{id: id, handler: consumer}
	h.regs[id] = r
	if h.running {
		h.startLocked(r)
	}
	return nil
}

// UnregisterPlugin stops and removes the consumer registered under id.
func (h *Host) UnregisterPlugin(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.regs[id]
	if !ok {
		return
	}
	h.stopLocked(r)
	delete(h.regs, id)
}

func (h *Host) startLocked(r *registration) {
	if r.running {
		return
	}
	if s, ok := r.handler.(Starter); ok {
		if err := s.Start(); err != nil {
			h.logger.Warn("notifyhost: consumer start failed", "plugin", r.id, "error", err)
			return
		}
	}
	r.running = true
}

func (h *Host) stopLocked(r *registration) {
	if !r.running {
		return
	}
	if s, ok := r.handler.(Stopper); ok {
		if err := s.Stop(); err != nil {
			h.logger.Warn("notifyhost: consumer stop failed", "plugin", r.id, "error", err)
		}
	}
	r.running = false
}

// Dispatch renders messages and forwards the batch to every registered
// consumer, each isolated on its own goroutine. It satisfies
// internal/store.Notifier, and is called synchronously from the store
// scheduler goroutine — the per-consumer goroutine is not just isolation,
// it is what lets a consumer re-enter the Store (via Engage's action
// executor, which itself calls back into the scheduler) without
// deadlocking against the very call that is dispatching to it.
func (h *Host) Dispatch(event string, messages []*msg.Message) {
	views := make([]*render.View, len(messages))
	for i, m := range messages {
		views[i] = render.Render(m, render.Options{})
	}

	h.mu.Lock()
	meta := map[string]any{"running": h.running}
	api := h.api
	h.dispatchCount++
	regs := make([]*registration, 0, len(h.regs))
	for _, r := range h.regs {
		regs = append(regs, r)
	}
	h.mu.Unlock()

	ctx := Ctx{API: api, Meta: meta}
	for _, r := range regs {
		go h.invoke(r.id, r.handler, ctx, event, views)
	}
}

func (h *Host) invoke(pluginID string, handler Consumer, ctx Ctx, event string, views []*render.View) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("notifyhost: consumer panicked", "plugin", pluginID, "event", event, "panic", r)
		}
	}()
	handler.OnNotifications(ctx, event, views)
}

// DispatchCount returns the number of Dispatch calls made so far, for
// diagnostics/testing.
func (h *Host) DispatchCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dispatchCount
}

type errNoHandler struct{ id string }

func (e errNoHandler) Error() string {
	return "notifyhost: handler for " + e.id + " does not implement OnNotifications"
}
