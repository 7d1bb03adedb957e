// Package ingesthost implements the ingest plugin host (spec.md §4.8):
// registration/lifecycle for producer plugins and fan-out of state/object
// change events to them. Each dispatch runs on its own goroutine so one
// plugin blocking on foreign I/O never stalls another, the same isolation
// the teacher's mqtt publisher applies around its inbound message handler
// (internal/mqtt/publisher.go) — a recover() wrapped around the call,
// logged rather than propagated.
package ingesthost

import (
	"log/slog"
	"sync"

	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/platform"
	"github.com/homehub/msghub/internal/store"
)

// Ctx is passed to every plugin handler on every dispatch. It is rebuilt
// fresh each call so a handler can never stash a reference that outlives
// its relevance.
type Ctx struct {
	API  API
	Meta map[string]any
}

// API is the read-only facade plugin handlers use to reach the core: a
// logger, the platform facade, a read/create surface onto the Store.
type API struct {
	Log      platform.Logger
	Platform platform.Platform
	Store    *store.Store
	// Create submits a new message, equivalent to store.AddMessage.
	Create func(in factory.CreateInput) (bool, error)
}

// StateChangeFunc is the bare-function form of a handler: registering one
// directly is equivalent to registering an object whose only method is
// OnStateChange.
type StateChangeFunc func(ctx Ctx, id string, state platform.State)

// Starter and Stopper are optionally implemented by an object handler to
// receive lifecycle notifications when the host starts/stops the plugin.
type Starter interface{ Start() error }
type Stopper interface{ Stop() error }

// StateChangeHandler and ObjectChangeHandler are optionally implemented by
// an object handler. A handler must implement at least one.
type StateChangeHandler interface {
	OnStateChange(ctx Ctx, id string, state platform.State)
}
type ObjectChangeHandler interface {
	OnObjectChange(ctx Ctx, id string, obj platform.Object)
}

type funcHandler struct {
	fn StateChangeFunc
}

func (f funcHandler) OnStateChange(ctx Ctx, id string, state platform.State) {
	f.fn(ctx, id, state)
}

type registration struct {
	id      string
	handler any
	running bool
}

// Host owns the set of registered ingest plugins and their lifecycle.
type Host struct {
	mu      sync.RWMutex
	regs    map[string]*registration
	running bool

	api    API
	logger *slog.Logger
}

// New creates a Host. api is copied into every Ctx built for a dispatch.
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

// Start marks the host running and starts every already-registered
// plugin that implements Starter.
func (h *Host) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	for _, r := range h.regs {
		h.startLocked(r)
	}
}

// Stop marks the host stopped and stops every running plugin.
func (h *Host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	for _, r := range h.regs {
		h.stopLocked(r)
	}
}

// RegisterPlugin registers handler under id. handler must be a
// StateChangeFunc or an object implementing StateChangeHandler and/or
// ObjectChangeHandler (optionally also Starter/Stopper). Re-registering
// an id stops the previous instance first.
func (h *Host) RegisterPlugin(id string, handler any) error {
	switch v := handler.(type) {
	case StateChangeFunc:
		handler = funcHandler{fn: v}
	case func(ctx Ctx, id string, state platform.State):
		handler = funcHandler{fn: v}
	}
	if _, ok := handler.(StateChangeHandler); !ok {
		if _, ok := handler.(ObjectChangeHandler); !ok {
			return errNoHandler{id: id}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.regs[id]; ok {
		h.stopLocked(prev)
	}
	r := &registration{id: id, handler: handler}
	h.regs[id] = r
	if h.running {
		h.startLocked(r)
	}
	return nil
}

// UnregisterPlugin stops and removes the plugin registered under id.
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
			h.logger.Warn("ingesthost: plugin start failed", "plugin", r.id, "error", err)
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
			h.logger.Warn("ingesthost: plugin stop failed", "plugin", r.id, "error", err)
		}
	}
	r.running = false
}

func (h *Host) buildCtx(extras map[string]any) Ctx {
	meta := make(map[string]any, len(extras)+1)
	h.mu.RLock()
	meta["running"] = h.running
	h.mu.RUnlock()
	for k, v := range extras {
		meta[k] = v
	}
	return Ctx{API: h.api, Meta: meta}
}

// DispatchStateChange calls OnStateChange on every registered plugin that
// implements it, each on its own goroutine, and returns the number of
// plugins dispatch was attempted against. Panics are recovered and logged;
// a panicking plugin never aborts delivery to the others.
func (h *Host) DispatchStateChange(id string, state platform.State, metaExtras map[string]any) int {
	ctx := h.buildCtx(metaExtras)
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for pluginID, r := range h.regs {
		handler, ok := r.handler.(StateChangeHandler)
		if !ok {
			continue
		}
		count++
		go h.invokeStateChange(pluginID, handler, ctx, id, state)
	}
	return count
}

// DispatchObjectChange is the object-change analogue of DispatchStateChange.
func (h *Host) DispatchObjectChange(id string, obj platform.Object, metaExtras map[string]any) int {
	ctx := h.buildCtx(metaExtras)
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for pluginID, r := range h.regs {
		handler, ok := r.handler.(ObjectChangeHandler)
		if !ok {
			continue
		}
		count++
		go h.invokeObjectChange(pluginID, handler, ctx, id, obj)
	}
	return count
}

func (h *Host) invokeStateChange(pluginID string, handler StateChangeHandler, ctx Ctx, id string, state platform.State) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("ingesthost: plugin panicked on state change", "plugin", pluginID, "state_id", id, "panic", r)
		}
	}()
	handler.OnStateChange(ctx, id, state)
}

func (h *Host) invokeObjectChange(pluginID string, handler ObjectChangeHandler, ctx Ctx, id string, obj platform.Object) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("ingesthost: plugin panicked on object change", "plugin", pluginID, "object_id", id, "panic", r)
		}
	}()
	handler.OnObjectChange(ctx, id, obj)
}

type errNoHandler struct{ id string }

func (e errNoHandler) Error() string {
	return "ingesthost: handler for " + e.id + " implements neither OnStateChange nor OnObjectChange"
}
