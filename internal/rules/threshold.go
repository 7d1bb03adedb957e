package rules

import (
	"log/slog"
	"time"

	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
	"github.com/homehub/msghub/internal/platform"
)

// Mode selects a Threshold rule's violation test.
type Mode string

const (
	ModeLT      Mode = "lt"
	ModeGT      Mode = "gt"
	ModeInside  Mode = "inside"
	ModeOutside Mode = "outside"
	ModeTruthy  Mode = "truthy"
	ModeFalsy   Mode = "falsy"
)

var thresholdMetricKeys = []string{"state-value", "state-min", "state-max", "state-name"}

// ThresholdConfig configures a Threshold instance.
type ThresholdConfig struct {
	RuleID  string
	StateID string
	Mode    Mode

	// Limit is compared against for ModeLT/ModeGT.
	Limit float64
	// Low/High bound ModeInside/ModeOutside.
	Low, High float64
	// Hysteresis widens the recovery band so a value oscillating right at
	// the boundary does not flap the message open/closed.
	Hysteresis float64
	// MinDuration is how long the condition must hold before the rule
	// opens its message; zero means open immediately.
	MinDuration time.Duration

	// MessageRef is the target message upserted while violating and
	// removed on recovery.
	MessageRef string
	// Template supplies every field CreateInput needs besides Ref and
	// Metrics, which the rule fills in itself.
	Template factory.CreateInput
	Actor    string
}

// Threshold implements Instance for spec.md §4.10's threshold rule shape.
type Threshold struct {
	cfg    ThresholdConfig
	store  Store
	snap   Snapshots
	logger *slog.Logger

	nowFunc func() time.Time

	haveState     bool
	lastState     platform.State
	violatedSince *time.Time
	open          bool
}

// NewThreshold creates a Threshold rule instance.
func NewThreshold(cfg ThresholdConfig, store Store, snap Snapshots, logger *slog.Logger) *Threshold {
	if logger == nil {
		logger = slog.Default()
	}
	return &Threshold{cfg: cfg, store: store, snap: snap, logger: logger, nowFunc: time.Now}
}

// RequiredStateIds reports the single foreign state this rule watches.
func (r *Threshold) RequiredStateIds() []string { return []string{r.cfg.StateID} }

// OnStateChange re-evaluates the condition against the new value.
func (r *Threshold) OnStateChange(id string, state platform.State) {
	if id != r.cfg.StateID {
		return
	}
	r.haveState = true
	r.lastState = state
	r.evaluate(state, r.nowFunc())
}

// OnTick lets a violation that has been held below MinDuration finish
// maturing even if no further state change arrives before the deadline.
func (r *Threshold) OnTick(now time.Time) {
	if !r.haveState || r.open || r.violatedSince == nil {
		return
	}
	if now.Sub(*r.violatedSince) >= r.cfg.MinDuration {
		r.open = true
		r.emitOpen(r.lastState)
	}
}

// OnTimer is unused by Threshold; it reacts only to state changes and
// the shared clock.
func (r *Threshold) OnTimer(timerID string) {}

// Dispose releases nothing; Threshold holds no timers.
func (r *Threshold) Dispose() {}

func (r *Threshold) evaluate(state platform.State, now time.Time) {
	var bad bool
	switch r.cfg.Mode {
	case ModeTruthy, ModeFalsy:
		b, ok := toBool(state.Val)
		if !ok {
			return
		}
		if r.cfg.Mode == ModeTruthy {
			bad = b
		} else {
			bad = !b
		}
	default:
		f, ok := toFloat64(state.Val)
		if !ok {
			return
		}
		if r.open {
			bad = !r.recovers(f)
		} else {
			bad = r.violates(f)
		}
	}

	if bad {
		if r.violatedSince == nil {
			t := now
			r.violatedSince = &t
		}
		if r.open {
			r.emitOpen(state) // refresh metrics without re-triggering
		} else if now.Sub(*r.violatedSince) >= r.cfg.MinDuration {
			r.open = true
			r.emitOpen(state)
		}
		return
	}

	r.violatedSince = nil
	if r.open {
		r.open = false
		r.emitClose()
	}
}

func (r *Threshold) violates(val float64) bool {
	switch r.cfg.Mode {
	case ModeLT:
		return val < r.cfg.Limit
	case ModeGT:
		return val > r.cfg.Limit
	case ModeInside:
		return val >= r.cfg.Low && val <= r.cfg.High
	case ModeOutside:
		return val < r.cfg.Low || val > r.cfg.High
	default:
		return false
	}
}

// recovers reports whether val has cleared the hysteresis band on the
// opposite side of the Mode's boundary from violates.
func (r *Threshold) recovers(val float64) bool {
	h := r.cfg.Hysteresis
	switch r.cfg.Mode {
	case ModeLT:
		return val >= r.cfg.Limit+h
	case ModeGT:
		return val <= r.cfg.Limit-h
	case ModeInside:
		return val < r.cfg.Low-h || val > r.cfg.High+h
	case ModeOutside:
		return val >= r.cfg.Low-h && val <= r.cfg.High+h
	default:
		return true
	}
}

func (r *Threshold) emitOpen(state platform.State) {
	metrics := map[string]msg.MetricValue{
		"state-value": {Val: state.Val, TS: state.TS},
		"state-name":  {Val: r.cfg.StateID, TS: state.TS},
	}
	if r.cfg.Mode == ModeInside || r.cfg.Mode == ModeOutside {
		metrics["state-min"] = msg.MetricValue{Val: r.cfg.Low, TS: state.TS}
		metrics["state-max"] = msg.MetricValue{Val: r.cfg.High, TS: state.TS}
	}

	diffed := map[string]any{"state-value": state.Val, "state-name": r.cfg.StateID}
	if m, ok := metrics["state-min"]; ok {
		diffed["state-min"] = m.Val
		diffed["state-max"] = metrics["state-max"].Val
	}
	if !diffSnapshot(r.snap, r.cfg.RuleID, diffed) {
		return
	}

	in := r.cfg.Template
	in.Ref = r.cfg.MessageRef
	in.Metrics = metrics
	if _, err := r.store.AddOrUpdateMessage(in); err != nil {
		r.logger.Warn("rules: threshold upsert failed", "rule", r.cfg.RuleID, "ref", r.cfg.MessageRef, "error", err)
	}
}

func (r *Threshold) emitClose() {
	if _, err := r.store.RemoveMessage(r.cfg.MessageRef, r.cfg.Actor); err != nil {
		r.logger.Warn("rules: threshold close failed", "rule", r.cfg.RuleID, "ref", r.cfg.MessageRef, "error", err)
	}
	clearSnapshot(r.snap, r.cfg.RuleID, thresholdMetricKeys)
}
