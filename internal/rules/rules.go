// Package rules implements the generic rule runtime of spec.md §4.10: a
// template used by producer plugins to translate foreign-state events and
// a shared clock into store upserts/closes, without each plugin
// reinventing hysteresis or staleness bookkeeping. Two concrete shapes are
// provided, Threshold and Freshness; both satisfy Instance.
//
// Each instance persists the metric values it last emitted so a restart
// does not immediately re-announce a value it already reported — the
// same namespaced key/value shape as the teacher's internal/opstate.Store,
// with the rule's id standing in for the usual namespace.
package rules

import (
	"fmt"
	"time"

	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/platform"
)

// Store is the narrow slice of internal/store.Store a rule's message
// writer needs.
type Store interface {
	AddOrUpdateMessage(in factory.CreateInput) (bool, error)
	UpdateMessage(ref string, patch *factory.Patch, stealth bool, token factory.CoreToken) (bool, error)
	RemoveMessage(ref string, actor string) (bool, error)
}

// Snapshots persists the last-emitted metric values for a rule, keyed by
// ruleID and metric key. internal/opstate.Store satisfies this directly,
// using ruleID as its namespace argument.
type Snapshots interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
	Delete(namespace, key string) error
}

// Instance is the lifecycle every rule shape implements (spec.md §4.10).
type Instance interface {
	RequiredStateIds() []string
	OnStateChange(id string, state platform.State)
	OnTick(now time.Time)
	OnTimer(timerID string)
	Dispose()
}

// diffSnapshot reports whether any of values differs from what was last
// recorded under ruleID in snap, recording the new values as a side
// effect. A rule calls this immediately before writing to the store so a
// tick that reproduces the same readings never triggers a write.
func diffSnapshot(snap Snapshots, ruleID string, values map[string]any) bool {
	changed := false
	for key, v := range values {
		encoded := fmt.Sprint(v)
		prev, _ := snap.Get(ruleID, key)
		if prev != encoded {
			changed = true
		}
		_ = snap.Set(ruleID, key, encoded)
	}
	return changed
}

// clearSnapshot removes every recorded value for ruleID, so the next
// open re-announces its metrics from scratch rather than suppressing
// them as unchanged.
func clearSnapshot(snap Snapshots, ruleID string, keys []string) {
	for _, key := range keys {
		_ = snap.Delete(ruleID, key)
	}
}

// toFloat64 coerces a foreign state value into a float64, the shape
// Threshold's numeric modes compare against. Values that cannot be
// coerced return ok=false and the rule ignores the update rather than
// guessing.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// toBool coerces a foreign state value into a bool for the truthy/falsy
// modes. Numeric zero/non-zero and the bool itself are accepted.
func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	default:
		if f, ok := toFloat64(v); ok {
			return f != 0, true
		}
		return false, false
	}
}
