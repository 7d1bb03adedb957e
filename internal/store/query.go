package store

import (
	"sort"

	"github.com/homehub/msghub/internal/msg"
)

// Int64Range is an inclusive numeric range filter on a timing field. When
// OrMissing is true, messages whose field is unset also match.
type Int64Range struct {
	Min, Max  *int64
	OrMissing bool
}

func (r Int64Range) matches(v *int64) bool {
	if v == nil {
		return r.OrMissing
	}
	if r.Min != nil && *v < *r.Min {
		return false
	}
	if r.Max != nil && *v > *r.Max {
		return false
	}
	return true
}

// StringListFilter matches a message's string list (e.g. tags,
// dependencies) against Include. MatchAll requires every Include value to
// be present; otherwise any one match suffices. OrMissing matches
// messages with no values in that list at all.
type StringListFilter struct {
	Include   []string
	MatchAll  bool
	OrMissing bool
}

func (f StringListFilter) matches(values []string) bool {
	if len(f.Include) == 0 {
		return true
	}
	if len(values) == 0 {
		return f.OrMissing
	}
	have := make(map[string]bool, len(values))
	for _, v := range values {
		have[v] = true
	}
	if f.MatchAll {
		for _, want := range f.Include {
			if !have[want] {
				return false
			}
		}
		return true
	}
	for _, want := range f.Include {
		if have[want] {
			return true
		}
	}
	return false
}

// Where is the predicate set accepted by QueryMessages. A zero Where
// matches every quasi-open-or-visible message (deleted/expired still
// hidden unless explicitly included via IncludeStates).
type Where struct {
	IncludeStates []msg.State
	ExcludeStates []msg.State
	Kinds         []msg.Kind

	LevelMin, LevelMax *msg.Level

	CreatedAt Int64Range
	DueAt     Int64Range
	ExpiresAt Int64Range

	Tags StringListFilter

	// RouteTo evaluates a message's Audience.Channels against a single
	// channel name: exclude wins over include, absence of either list
	// accepts all, and "*"/"all" on the channel name matches any scope.
	RouteTo string
}

func (w Where) matches(m *msg.Message) bool {
	if len(w.IncludeStates) > 0 {
		found := false
		for _, s := range w.IncludeStates {
			if m.Lifecycle.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if msg.QuasiDeleted(m.Lifecycle.State) {
		// Default: hide quasi-deleted states unless explicitly included.
		return false
	}
	for _, s := range w.ExcludeStates {
		if m.Lifecycle.State == s {
			return false
		}
	}
	if len(w.Kinds) > 0 {
		found := false
		for _, k := range w.Kinds {
			if m.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if w.LevelMin != nil && m.Level < *w.LevelMin {
		return false
	}
	if w.LevelMax != nil && m.Level > *w.LevelMax {
		return false
	}
	if !w.CreatedAt.matches(&m.Timing.CreatedAt) {
		return false
	}
	if !w.DueAt.matches(m.Timing.DueAt) {
		return false
	}
	if !w.ExpiresAt.matches(m.Timing.ExpiresAt) {
		return false
	}
	if !w.Tags.matches(tagsOf(m)) {
		return false
	}
	if w.RouteTo != "" && !routeMatches(m, w.RouteTo) {
		return false
	}
	return true
}

func tagsOf(m *msg.Message) []string {
	if m.Audience == nil {
		return nil
	}
	return m.Audience.Tags
}

// routeMatches implements the audience-channels predicate: absence of
// scope (no audience or empty channels) accepts all; "*"/"all" accepts
// any channel; otherwise Exclude wins over Include.
func routeMatches(m *msg.Message, channel string) bool {
	if channel == "*" || channel == "all" {
		return true
	}
	if m.Audience == nil {
		return true
	}
	ch := m.Audience.Channels
	if len(ch.Include) == 0 && len(ch.Exclude) == 0 {
		return true
	}
	for _, ex := range ch.Exclude {
		if ex == channel || ex == "*" || ex == "all" {
			return false
		}
	}
	if len(ch.Include) == 0 {
		return true
	}
	for _, inc := range ch.Include {
		if inc == channel || inc == "*" || inc == "all" {
			return true
		}
	}
	return false
}

// SortField whitelists the fields queryMessages may sort on.
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
	SortByDueAt     SortField = "dueAt"
	SortByLevel     SortField = "level"
	SortByRef       SortField = "ref"
)

// Sort is one sort key; multiple Sorts are applied in order with a final
// deterministic tiebreak by ref always appended by queryMessages.
type Sort struct {
	Field SortField
	Desc  bool
}

// Page selects a 1-based page of results. A zero Page (Number==0) returns
// every matching item as a single page.
type Page struct {
	Number int
	Size   int
}

func sortValue(m *msg.Message, f SortField) int64 {
	switch f {
	case SortByUpdatedAt:
		return m.Timing.UpdatedAt
	case SortByDueAt:
		if m.Timing.DueAt == nil {
			return 0
		}
		return *m.Timing.DueAt
	case SortByLevel:
		return int64(m.Level)
	default:
		return m.Timing.CreatedAt
	}
}

func sortMessages(items []*msg.Message, sorts []Sort) {
	sort.SliceStable(items, func(i, j int) bool {
		for _, s := range sorts {
			if s.Field == SortByRef {
				if items[i].Ref == items[j].Ref {
					continue
				}
				if s.Desc {
					return items[i].Ref > items[j].Ref
				}
				return items[i].Ref < items[j].Ref
			}
			vi, vj := sortValue(items[i], s.Field), sortValue(items[j], s.Field)
			if vi == vj {
				continue
			}
			if s.Desc {
				return vi > vj
			}
			return vi < vj
		}
		return items[i].Ref < items[j].Ref
	})
}
