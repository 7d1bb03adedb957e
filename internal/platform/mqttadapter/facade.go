package mqttadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/eclipse/paho.golang/paho"

	"github.com/homehub/msghub/internal/config"
	"github.com/homehub/msghub/internal/platform"
)

// Namespace returns the adapter instance id prefix configured for it.
func (a *Adapter) Namespace() string { return a.cfg.Namespace }

// Objects returns the platform.Objects facade; Adapter implements it
// directly.
func (a *Adapter) Objects() platform.Objects { return a }

// States returns the platform.States facade; Adapter implements it
// directly.
func (a *Adapter) States() platform.States { return a }

// Subscriptions returns the platform.Subscriptions facade; Adapter
// implements it directly.
func (a *Adapter) Subscriptions() platform.Subscriptions { return a }

// Log returns the platform.Logger facade wrapping the adapter's slog.Logger.
func (a *Adapter) Log() platform.Logger { return adapterLogger{a.logger} }

// SendTo publishes payload (JSON-encoded) to a non-retained control
// topic addressed at instance/command, the cross-adapter command bus
// ioBroker's sendTo provides.
func (a *Adapter) SendTo(ctx context.Context, instance, command string, payload any) error {
	if a.cm == nil {
		return fmt.Errorf("mqttadapter: not started")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mqttadapter: marshal sendTo payload: %w", err)
	}
	_, err = a.cm.Publish(ctx, &paho.Publish{
		Topic:   a.cfg.TopicPrefix + "/to/" + instance + "/" + command,
		Payload: body,
		QoS:     a.cfg.QoS,
	})
	return err
}

// I18n returns a trivial printf-based translator. No i18n library
// appears anywhere in the retrieved corpus this adapter was grounded
// on, and the surface here is one method wide — a hand-rolled
// passthrough is simpler and clearer than pulling in a dependency to
// cover fmt.Sprintf (see DESIGN.md).
func (a *Adapter) I18n() platform.I18n { return passthroughI18n{} }

// --- platform.Objects ---

func (a *Adapter) SetObjectNotExists(ctx context.Context, id string, obj platform.Object) error {
	a.mu.RLock()
	_, exists := a.objects[id]
	a.mu.RUnlock()
	if exists {
		return nil
	}
	obj.ID = id
	payload, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("mqttadapter: marshal object %q: %w", id, err)
	}
	return a.publishRetained(ctx, idToTopic(a.cfg.TopicPrefix, "objects", id), payload)
}

func (a *Adapter) GetForeignObject(ctx context.Context, id string) (*platform.Object, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[id]
	if !ok {
		return nil, nil
	}
	cp := obj
	return &cp, nil
}

// GetObjectView returns every cached object whose id falls within
// [startKey, endKey] (lexicographic), sorted by id. design/search are
// accepted for interface compatibility with CouchDB-style object views
// but are not meaningful over a flat MQTT retained-message cache.
func (a *Adapter) GetObjectView(ctx context.Context, design, search string, startKey, endKey string) ([]platform.Object, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.objects))
	for id := range a.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []platform.Object
	for _, id := range ids {
		if startKey != "" && id < startKey {
			continue
		}
		if endKey != "" && id > endKey {
			continue
		}
		out = append(out, a.objects[id])
	}
	return out, nil
}

// --- platform.States ---

func (a *Adapter) GetForeignState(ctx context.Context, id string) (*platform.State, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.states[id]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (a *Adapter) SetForeignState(ctx context.Context, id string, v platform.StateValue) error {
	return a.publishState(ctx, id, v)
}

func (a *Adapter) SetState(ctx context.Context, id string, v platform.StateValue) error {
	return a.publishState(ctx, id, v)
}

func (a *Adapter) publishState(ctx context.Context, id string, v platform.StateValue) error {
	payload, err := json.Marshal(platform.State{Val: v.Val, Ack: v.Ack})
	if err != nil {
		return fmt.Errorf("mqttadapter: marshal state %q: %w", id, err)
	}
	return a.publishRetained(ctx, idToTopic(a.cfg.TopicPrefix, "states", id), payload)
}

func (a *Adapter) publishRetained(ctx context.Context, topic string, payload []byte) error {
	if a.cm == nil {
		return fmt.Errorf("mqttadapter: not started")
	}
	_, err := a.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     a.cfg.QoS,
		Retain:  true,
	})
	return err
}

// --- platform.Subscriptions ---

func (a *Adapter) SubscribeForeignStates(pattern string, handler func(id string, s platform.State)) (func(), error) {
	id := a.subCounter.Add(1)
	a.mu.Lock()
	a.stateSubs[id] = stateSub{pattern: pattern, handler: handler}
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.stateSubs, id)
		a.mu.Unlock()
	}, nil
}

func (a *Adapter) UnsubscribeForeignStates(pattern string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, sub := range a.stateSubs {
		if sub.pattern == pattern {
			delete(a.stateSubs, id)
		}
	}
	return nil
}

func (a *Adapter) SubscribeForeignObjects(pattern string, handler func(id string, o platform.Object)) (func(), error) {
	id := a.subCounter.Add(1)
	a.mu.Lock()
	a.objectSubs[id] = objectSub{pattern: pattern, handler: handler}
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.objectSubs, id)
		a.mu.Unlock()
	}, nil
}

func (a *Adapter) UnsubscribeForeignObjects(pattern string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, sub := range a.objectSubs {
		if sub.pattern == pattern {
			delete(a.objectSubs, id)
		}
	}
	return nil
}

// --- platform.Logger ---

type adapterLogger struct{ l *slog.Logger }

func (a adapterLogger) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a adapterLogger) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a adapterLogger) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a adapterLogger) Silly(msg string, args ...any) {
	a.l.Log(context.Background(), config.LevelTrace, msg, args...)
}

// --- platform.I18n ---

type passthroughI18n struct{}

func (passthroughI18n) T(key string, args ...any) string {
	if len(args) == 0 {
		return key
	}
	return fmt.Sprintf(key, args...)
}
