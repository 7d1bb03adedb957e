package rules

import (
	"log/slog"
	"time"

	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
	"github.com/homehub/msghub/internal/platform"
)

var freshnessMetricKeys = []string{"state-ts", "state-lc", "state-value", "state-name", "state-recovered-at"}

// FreshnessConfig configures a Freshness instance.
type FreshnessConfig struct {
	RuleID  string
	StateID string
	// EveryMs is how long the monitored state may go without an update
	// before the rule considers it stale.
	EveryMs int64
	// UseLC drives staleness off state.LC (last-changed) instead of
	// state.TS (last-updated); false uses TS.
	UseLC bool

	MessageRef string
	Template   factory.CreateInput
	Actor      string
}

// Freshness implements Instance for spec.md §4.10's freshness rule
// shape: it opens when the monitored state has gone quiet for EveryMs
// and closes exactly once on the transition back to fresh.
type Freshness struct {
	cfg    FreshnessConfig
	store  Store
	snap   Snapshots
	logger *slog.Logger

	nowFunc func() time.Time

	haveState bool
	lastState platform.State
	lastSeen  time.Time
	stale     bool
}

// NewFreshness creates a Freshness rule instance.
func NewFreshness(cfg FreshnessConfig, store Store, snap Snapshots, logger *slog.Logger) *Freshness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Freshness{cfg: cfg, store: store, snap: snap, logger: logger, nowFunc: time.Now}
}

// RequiredStateIds reports the single foreign state this rule watches.
func (r *Freshness) RequiredStateIds() []string { return []string{r.cfg.StateID} }

// OnStateChange records the new reading as the freshness clock's last
// tick and, if the message was open for staleness, closes it.
func (r *Freshness) OnStateChange(id string, state platform.State) {
	if id != r.cfg.StateID {
		return
	}
	r.haveState = true
	r.lastState = state
	r.lastSeen = r.clockFor(state)

	if r.stale {
		r.stale = false
		r.emitRecoveredAndClose(state)
	}
}

// OnTick opens the message once the monitored state has been silent for
// EveryMs.
func (r *Freshness) OnTick(now time.Time) {
	if !r.haveState || r.stale {
		return
	}
	if now.Sub(r.lastSeen) >= time.Duration(r.cfg.EveryMs)*time.Millisecond {
		r.stale = true
		r.emitOpen(r.lastState, now)
	}
}

// OnTimer is unused; Freshness is driven entirely by OnTick and incoming
// state changes.
func (r *Freshness) OnTimer(timerID string) {}

// Dispose releases nothing; Freshness holds no timers.
func (r *Freshness) Dispose() {}

func (r *Freshness) clockFor(state platform.State) time.Time {
	ms := state.TS
	if r.cfg.UseLC {
		ms = state.LC
	}
	return time.UnixMilli(ms)
}

func (r *Freshness) emitOpen(state platform.State, now time.Time) {
	metrics := map[string]msg.MetricValue{
		"state-ts":    {Val: state.TS, TS: state.TS},
		"state-lc":    {Val: state.LC, TS: state.TS},
		"state-value": {Val: state.Val, TS: state.TS},
		"state-name":  {Val: r.cfg.StateID, TS: state.TS},
	}

	diffed := map[string]any{
		"state-ts": state.TS, "state-lc": state.LC,
		"state-value": state.Val, "state-name": r.cfg.StateID,
	}
	if !diffSnapshot(r.snap, r.cfg.RuleID, diffed) {
		return
	}

	in := r.cfg.Template
	in.Ref = r.cfg.MessageRef
	in.Metrics = metrics
	if _, err := r.store.AddOrUpdateMessage(in); err != nil {
		r.logger.Warn("rules: freshness open failed", "rule", r.cfg.RuleID, "ref", r.cfg.MessageRef, "error", err)
	}
}

// emitRecoveredAndClose stamps a one-shot state-recovered-at metric on
// the open message before removing it, so any consumer observing the
// final snapshot can see when recovery happened.
func (r *Freshness) emitRecoveredAndClose(state platform.State) {
	recoveredAt := r.nowFunc().UnixMilli()
	patch := &factory.Patch{
		Metrics: &factory.MetricsPatch{
			Set: map[string]msg.MetricValue{
				"state-recovered-at": {Val: recoveredAt, TS: recoveredAt},
			},
		},
	}
	if _, err := r.store.UpdateMessage(r.cfg.MessageRef, patch, false, factory.CoreToken{}); err != nil {
		r.logger.Warn("rules: freshness recovery stamp failed", "rule", r.cfg.RuleID, "ref", r.cfg.MessageRef, "error", err)
	}
	if _, err := r.store.RemoveMessage(r.cfg.MessageRef, r.cfg.Actor); err != nil {
		r.logger.Warn("rules: freshness close failed", "rule", r.cfg.RuleID, "ref", r.cfg.MessageRef, "error", err)
	}
	clearSnapshot(r.snap, r.cfg.RuleID, freshnessMetricKeys)
}
