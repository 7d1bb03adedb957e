// Package platform declares the interface the core consumes from its host
// environment (spec.md §6): object/state storage, foreign-state
// subscriptions, cross-adapter sendTo, logging, i18n, and timers. The core
// never imports a concrete broker client directly — internal/ingesthost,
// internal/notifyhost, and internal/bridge depend only on this interface,
// the same way the teacher's tool registry depends on homeassistant.Client
// through a narrow surface rather than the HTTP/WebSocket plumbing itself.
// internal/platform/mqttadapter provides one concrete implementation.
package platform

import "context"

// Object is a foreign object as exposed by the host environment's object
// tree (e.g. an ioBroker object, a Home Assistant entity registry entry).
type Object struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Common map[string]any `json:"common,omitempty"`
	Native map[string]any `json:"native,omitempty"`
}

// State is a foreign state value with its ack flag and last-change
// timestamps, mirroring ioBroker's {val, ack, ts, lc} shape.
type State struct {
	Val any   `json:"val"`
	Ack bool  `json:"ack"`
	TS  int64 `json:"ts"`
	LC  int64 `json:"lc"`
}

// StateValue is accepted by SetForeignState/SetState: either a bare value
// (ack defaults to true) or an explicit {Val, Ack} pair.
type StateValue struct {
	Val any
	Ack bool
}

// Objects is the subset of the host's object-tree API the core needs.
type Objects interface {
	SetObjectNotExists(ctx context.Context, id string, obj Object) error
	GetForeignObject(ctx context.Context, id string) (*Object, error)
	GetObjectView(ctx context.Context, design, search string, startKey, endKey string) ([]Object, error)
}

// States is the subset of the host's state API the core needs.
type States interface {
	GetForeignState(ctx context.Context, id string) (*State, error)
	SetForeignState(ctx context.Context, id string, v StateValue) error
	SetState(ctx context.Context, id string, v StateValue) error
}

// Subscriptions lets producer plugins and rules watch foreign states and
// objects by pattern.
type Subscriptions interface {
	SubscribeForeignStates(pattern string, handler func(id string, s State)) (unsubscribe func(), err error)
	UnsubscribeForeignStates(pattern string) error
	SubscribeForeignObjects(pattern string, handler func(id string, o Object)) (unsubscribe func(), err error)
	UnsubscribeForeignObjects(pattern string) error
}

// Logger mirrors ioBroker's adapter.log levels. internal/config wraps a
// *slog.Logger to satisfy this for the core's own logging; adapters may
// instead forward to their native logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
	Silly(msg string, args ...any)
}

// I18n resolves a translation key with printf-like argument substitution.
type I18n interface {
	T(key string, args ...any) string
}

// TimerHandle cancels a timer started by Timers.
type TimerHandle interface {
	Stop()
}

// Timers is the resource facade for scheduling work without depending on
// the standard library's time package directly, so rules and plugins can
// be driven by a fake clock in tests.
type Timers interface {
	SetTimeout(fn func(), delayMS int64) TimerHandle
	SetInterval(fn func(), intervalMS int64) TimerHandle
}

// Platform bundles every facade the core and its plugins may call against
// the host environment. Namespace is the adapter instance's id prefix
// (ioBroker calls this iobroker.ids.namespace).
type Platform interface {
	Namespace() string
	Objects() Objects
	States() States
	Subscriptions() Subscriptions
	SendTo(ctx context.Context, instance, command string, payload any) error
	Log() Logger
	I18n() I18n
	Timers() Timers
}
