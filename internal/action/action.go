// Package action implements the Action Executor and its companion view
// policy (spec.md §4.6). The Executor translates an authorized action
// invocation into a Store patch; the view policy decides, given a
// message's current lifecycle state, which of its declared actions are
// currently executable versus merely displayed.
package action

import (
	"fmt"
	"sort"
	"time"

	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
)

// Store is the narrow slice of the Store's public contract the Executor
// needs. internal/store.Store satisfies it; tests use a fake.
type Store interface {
	UpdateMessage(ref string, patch *factory.Patch, stealth bool, token factory.CoreToken) (bool, error)
	RemoveMessage(ref string, actor string) (bool, error)
	ActionsFor(ref string) (actions map[string]msg.Action, state msg.State, found bool)
}

// Handler runs a plugin-defined side effect for a "link" or "custom"
// action. The Executor never mutates the Store on their behalf; it only
// invokes whatever handler was registered for that action id, if any.
type Handler func(req Request) error

// Request is one action invocation.
type Request struct {
	Ref           string
	ActionID      string
	Actor         string
	SnoozeForMs   *int64
	LinkPayload   map[string]any
	CustomPayload map[string]any
}

// Executor resolves and executes actions against a Store.
type Executor struct {
	store    Store
	nowFunc  func() time.Time
	handlers map[string]Handler
}

// New creates an Executor bound to store.
func New(store Store) *Executor {
	return &Executor{store: store, nowFunc: time.Now, handlers: make(map[string]Handler)}
}

// RegisterHandler attaches a side-effect handler for a "link" or "custom"
// action id. Re-registering the same id replaces its handler.
func (e *Executor) RegisterHandler(actionID string, h Handler) {
	e.handlers[actionID] = h
}

// Execute resolves req.ActionID against the message's declared actions
// and applies the corresponding Store mutation, per spec.md §4.6's table.
func (e *Executor) Execute(req Request) error {
	actions, state, found := e.store.ActionsFor(req.Ref)
	if !found {
		return fmt.Errorf("action: no message with ref %q", req.Ref)
	}
	act, ok := actions[req.ActionID]
	if !ok {
		return fmt.Errorf("action: %q has no action %q", req.Ref, req.ActionID)
	}
	if !msg.ValidActionType(act.Type) {
		return fmt.Errorf("action: %q has unknown action type %q", req.ActionID, act.Type)
	}
	if !activeForState(act.Type, state) {
		return fmt.Errorf("action: %q is not valid from state %q", act.Type, state)
	}

	switch act.Type {
	case msg.ActionAck:
		patch := &factory.Patch{
			Lifecycle: &factory.LifecyclePatch{State: factory.Set(msg.StateAcked), StateChangedBy: factory.Set(req.Actor)},
			Timing:    &factory.TimingPatch{NotifyAt: factory.ClearField[int64]()},
		}
		_, err := e.store.UpdateMessage(req.Ref, patch, false, factory.CoreToken{})
		return err

	case msg.ActionClose:
		patch := &factory.Patch{
			Lifecycle: &factory.LifecyclePatch{State: factory.Set(msg.StateClosed), StateChangedBy: factory.Set(req.Actor)},
		}
		_, err := e.store.UpdateMessage(req.Ref, patch, false, factory.CoreToken{})
		return err

	case msg.ActionOpen:
		patch := &factory.Patch{
			Lifecycle: &factory.LifecyclePatch{State: factory.Set(msg.StateOpen), StateChangedBy: factory.Set(req.Actor)},
		}
		_, err := e.store.UpdateMessage(req.Ref, patch, false, factory.CoreToken{})
		return err

	case msg.ActionDelete:
		_, err := e.store.RemoveMessage(req.Ref, req.Actor)
		return err

	case msg.ActionSnooze:
		var snoozeMS int64
		if req.SnoozeForMs != nil {
			snoozeMS = *req.SnoozeForMs
		}
		notifyAt := e.nowFunc().Add(time.Duration(snoozeMS) * time.Millisecond).UnixMilli()
		patch := &factory.Patch{
			Lifecycle: &factory.LifecyclePatch{State: factory.Set(msg.StateSnoozed), StateChangedBy: factory.Set(req.Actor)},
			Timing:    &factory.TimingPatch{NotifyAt: factory.Set(notifyAt)},
		}
		_, err := e.store.UpdateMessage(req.Ref, patch, false, factory.CoreToken{})
		return err

	case msg.ActionLink:
		if h, ok := e.handlers[req.ActionID]; ok {
			return h(req)
		}
		return nil

	case msg.ActionCustom:
		if h, ok := e.handlers[req.ActionID]; ok {
			return h(req)
		}
		return nil

	default:
		return fmt.Errorf("action: unhandled action type %q", act.Type)
	}
}

// actionTargetState is the lifecycle state each stateful action type
// drives toward. link/custom have no target and are always active.
var actionTargetState = map[msg.ActionType]msg.State{
	msg.ActionAck:    msg.StateAcked,
	msg.ActionClose:  msg.StateClosed,
	msg.ActionOpen:   msg.StateOpen,
	msg.ActionDelete: msg.StateDeleted,
	msg.ActionSnooze: msg.StateSnoozed,
}

// activeForState reports whether actionType is currently executable
// given the message's lifecycle state (e.g. no "ack" once already acked).
func activeForState(actionType msg.ActionType, state msg.State) bool {
	target, ok := actionTargetState[actionType]
	if !ok {
		return true
	}
	if state == target {
		return false
	}
	return msg.ValidTransition(state, target)
}

// Split partitions a message's declared actions into those currently
// executable from state and those that are view-only, sorted by id for
// deterministic output.
func Split(actions map[string]msg.Action, state msg.State) (executable, inactive []msg.Action) {
	ids := make([]string, 0, len(actions))
	for id := range actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		act := actions[id]
		if activeForState(act.Type, state) {
			executable = append(executable, act)
		} else {
			inactive = append(inactive, act)
		}
	}
	return executable, inactive
}
