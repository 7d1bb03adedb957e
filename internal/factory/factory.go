// Package factory is the single normalization and validation gate for
// Messages. It owns no state: every exported function is a pure
// transformation of its inputs plus the ambient clock, and CreateMessage/
// ApplyPatch either return a canonical *msg.Message or a *ValidationError.
// The Store is the only caller that should ever construct a CoreToken; no
// other package has a legitimate reason to author a store-managed
// lifecycle transition.
package factory

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/homehub/msghub/internal/msg"
)

// CoreToken authorizes a patch to move Lifecycle.State into a
// core-managed state (deleted, expired). It is never part of any public
// Store method signature; only Store's internal maintenance and
// removeMessage paths construct one.
type CoreToken struct {
	lifecycle bool
}

// LifecycleToken returns a CoreToken authorizing a transition into
// StateDeleted or StateExpired.
func LifecycleToken() CoreToken {
	return CoreToken{lifecycle: true}
}

// Factory normalizes and validates messages. It holds only a clock, so
// that tests can pin time; it has no other state.
type Factory struct {
	nowFunc func() time.Time
}

// New creates a Factory using the real wall clock.
func New() *Factory {
	return &Factory{nowFunc: time.Now}
}

func (f *Factory) now() time.Time {
	if f.nowFunc != nil {
		return f.nowFunc()
	}
	return time.Now()
}

// refDisambiguator is a process-wide monotonic counter that breaks ties
// when auto-ref generation is called more than once within the same
// millisecond with identical inputs (spec.md §3 invariant 6). It is not
// part of Factory state because the determinism property is about the
// sequence of calls to this process, not about any one Factory value.
var refDisambiguator atomic.Uint64

// CreateInput is the producer-supplied shape accepted by CreateMessage.
// Core-managed fields (Lifecycle.StateChangedAt, Timing.CreatedAt,
// Timing.UpdatedAt, Progress.StartedAt/FinishedAt, and the core-only
// lifecycle states) are stripped even if present.
type CreateInput struct {
	Ref   string
	Title string
	Text  string
	Icon  string

	Level  msg.Level
	Kind   msg.Kind
	Origin msg.Origin

	Lifecycle *msg.Lifecycle
	Timing    *msg.Timing

	Details      *msg.Details
	Metrics      map[string]msg.MetricValue
	Attachments  []msg.Attachment
	ListItems    map[string]msg.ListItem
	Actions      map[string]msg.Action
	Progress     *msg.Progress
	Audience     *msg.Audience
	Dependencies []string
}

// CreateMessage validates and normalizes producer input into a canonical
// Message, or returns a *ValidationError. See spec.md §4.1.
func (f *Factory) CreateMessage(in CreateInput) (*msg.Message, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, invalid("title", "must be non-empty")
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, invalid("text", "must be non-empty")
	}
	if !msg.ValidLevel(in.Level) {
		return nil, invalid("level", fmt.Sprintf("unknown level %d", in.Level))
	}
	if !msg.ValidKind(in.Kind) {
		return nil, invalid("kind", fmt.Sprintf("unknown kind %q", in.Kind))
	}
	if !msg.ValidOriginType(in.Origin.Type) {
		return nil, invalid("origin.type", fmt.Sprintf("unknown origin type %q", in.Origin.Type))
	}

	now := f.now().UTC().UnixMilli()

	ref := in.Ref
	if ref == "" {
		ref = autoRef(in.Origin, in.Kind, in.Title, now)
	} else {
		ref = normalizeRef(ref)
	}

	m := &msg.Message{
		Ref:    ref,
		Kind:   in.Kind,
		Title:  strings.TrimSpace(in.Title),
		Text:   in.Text,
		Icon:   in.Icon,
		Level:  in.Level,
		Origin: in.Origin,
		Lifecycle: msg.Lifecycle{
			State: msg.StateOpen,
		},
		Timing: msg.Timing{
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	// Producers may request a non-open initial state (e.g. pre-acked
	// imports) but never a core-managed one.
	if in.Lifecycle != nil && in.Lifecycle.State != "" {
		if msg.CoreManagedState(in.Lifecycle.State) {
			return nil, invalid("lifecycle.state", "core-managed states cannot be set by a producer")
		}
		if !msg.ValidState(in.Lifecycle.State) {
			return nil, invalid("lifecycle.state", fmt.Sprintf("unknown state %q", in.Lifecycle.State))
		}
		m.Lifecycle.State = in.Lifecycle.State
		m.Lifecycle.StateChangedAt = &now
		if in.Lifecycle.StateChangedBy != "" {
			m.Lifecycle.StateChangedBy = in.Lifecycle.StateChangedBy
		}
	}

	if in.Timing != nil {
		t := *in.Timing
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := validateTimingValues(t); err != nil {
			return nil, err
		}
		m.Timing = t
		m.Timing.CreatedAt = now
		m.Timing.UpdatedAt = now
	}

	if in.Details != nil && !detailsEmpty(in.Details) {
		d := *in.Details
		m.Details = &d
	}
	if len(in.Metrics) > 0 {
		if err := validateMetrics(in.Metrics); err != nil {
			return nil, err
		}
		m.Metrics = copyMetrics(in.Metrics)
	}
	if len(in.Attachments) > 0 {
		m.Attachments = append([]msg.Attachment(nil), in.Attachments...)
	}
	if len(in.ListItems) > 0 {
		m.ListItems = copyListItems(in.ListItems)
	}
	if len(in.Actions) > 0 {
		m.Actions = copyActions(in.Actions)
	}
	if in.Progress != nil {
		p := *in.Progress
		// Producers cannot seed StartedAt/FinishedAt; they are
		// core-managed and derived from Percentage below.
		p.StartedAt = nil
		p.FinishedAt = nil
		if p.Percentage < 0 || p.Percentage > 100 {
			return nil, invalid("progress.percentage", "must be within [0,100]")
		}
		if p.Percentage > 0 {
			p.StartedAt = &now
		}
		if p.Percentage == 100 {
			p.FinishedAt = &now
		}
		m.Progress = &p
	}
	if in.Audience != nil && !audienceEmpty(in.Audience) {
		a := *in.Audience
		m.Audience = &a
	}
	if len(in.Dependencies) > 0 {
		m.Dependencies = dedupStrings(in.Dependencies)
	}

	return m, nil
}

func detailsEmpty(d *msg.Details) bool {
	return d.Location == "" && d.Task == "" && d.Reason == "" && len(d.Tools) == 0 && len(d.Consumables) == 0
}

func audienceEmpty(a *msg.Audience) bool {
	return len(a.Tags) == 0 && len(a.Channels.Include) == 0 && len(a.Channels.Exclude) == 0
}

func copyMetrics(in map[string]msg.MetricValue) map[string]msg.MetricValue {
	out := make(map[string]msg.MetricValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyListItems(in map[string]msg.ListItem) map[string]msg.ListItem {
	out := make(map[string]msg.ListItem, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyActions(in map[string]msg.Action) map[string]msg.Action {
	out := make(map[string]msg.Action, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func validateTimingValues(t msg.Timing) error {
	check := func(field string, v *int64) error {
		if v != nil && !msg.PlausibleTimestamp(*v) {
			return invalid(field, "implausible timestamp")
		}
		return nil
	}
	if err := check("timing.expiresAt", t.ExpiresAt); err != nil {
		return err
	}
	if err := check("timing.notifyAt", t.NotifyAt); err != nil {
		return err
	}
	if err := check("timing.dueAt", t.DueAt); err != nil {
		return err
	}
	if err := check("timing.startAt", t.StartAt); err != nil {
		return err
	}
	if err := check("timing.endAt", t.EndAt); err != nil {
		return err
	}
	if t.RemindEvery != nil && *t.RemindEvery < 0 {
		return invalid("timing.remindEvery", "must be non-negative")
	}
	if t.TimeBudget != nil && *t.TimeBudget < 0 {
		return invalid("timing.timeBudget", "must be non-negative")
	}
	if t.Cooldown != nil && *t.Cooldown < 0 {
		return invalid("timing.cooldown", "must be non-negative")
	}
	return nil
}

func validateMetrics(metrics map[string]msg.MetricValue) error {
	for key, v := range metrics {
		switch val := v.Val.(type) {
		case nil, bool, string:
			// ok
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return invalid("metrics."+key+".val", "must be finite")
			}
		case int, int64:
			// ok
		default:
			return invalid("metrics."+key+".val", "must be a finite number, string, bool, or null")
		}
		if v.Unit == "" {
			return invalid("metrics."+key+".unit", "must be non-empty")
		}
		if !msg.PlausibleTimestamp(v.TS) {
			return invalid("metrics."+key+".ts", "implausible timestamp")
		}
	}
	return nil
}

// normalizeRef percent-encodes a producer-supplied ref into printable,
// URL-safe ASCII. Unreserved characters (per RFC 3986 plus '.') pass
// through unescaped so typical refs stay readable.
func normalizeRef(ref string) string {
	var b strings.Builder
	for _, r := range ref {
		if isRefSafe(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteString(url.QueryEscape(string(r)))
	}
	return b.String()
}

func isRefSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '-' || r == '_' || r == ':':
		return true
	default:
		return false
	}
}

// autoRef deterministically derives a ref from origin/kind/title, broken
// for sub-millisecond collisions by a monotonic counter appended as a
// short suffix (spec.md §3 invariant 6).
func autoRef(origin msg.Origin, kind msg.Kind, title string, nowMS int64) string {
	key := origin.ID
	if key == "" {
		key = title
	}
	seed := fmt.Sprintf("%s|%s|%s|%s", origin.Type, kind, origin.System, key)

	sum := blake2b.Sum256([]byte(seed))
	digest := fmt.Sprintf("%x", sum[:4])

	seq := refDisambiguator.Add(1)
	return normalizeRef(fmt.Sprintf("%s.%s.%s-%d-%d", origin.Type, kind, digest, nowMS%1000, seq))
}
