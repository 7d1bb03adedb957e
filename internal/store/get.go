package store

import (
	"github.com/homehub/msghub/internal/msg"
	"github.com/homehub/msghub/internal/render"
)

// ViewFilter selects which lifecycle states GetMessageByRef will return.
type ViewFilter int

const (
	FilterAll ViewFilter = iota
	FilterQuasiOpen
	FilterQuasiDeleted
)

// GetMessageByRef returns the rendered view for ref, or (nil, false) if
// absent or excluded by filter.
func (s *Store) GetMessageByRef(ref string, filter ViewFilter) (*render.View, bool) {
	var view *render.View
	var found bool
	s.exec(func() {
		m, ok := s.messages[ref]
		if !ok {
			return
		}
		switch filter {
		case FilterQuasiOpen:
			if !msg.QuasiOpen(m.Lifecycle.State) {
				return
			}
		case FilterQuasiDeleted:
			if !msg.QuasiDeleted(m.Lifecycle.State) {
				return
			}
		}
		view = render.Render(m, defaultRenderOpts)
		found = true
	})
	return view, found
}

// GetMessages returns every non-quasi-deleted message, rendered, sorted
// by ref for determinism.
func (s *Store) GetMessages() []*render.View {
	var views []*render.View
	s.exec(func() {
		items := s.snapshotMatching(Where{})
		sortMessages(items, []Sort{{Field: SortByRef}})
		views = make([]*render.View, len(items))
		for i, m := range items {
			views[i] = render.Render(m, defaultRenderOpts)
		}
	})
	return views
}

// QueryResult is the paginated response of QueryMessages.
type QueryResult struct {
	Total int
	Pages int
	Items []*render.View
}

// QueryMessages filters, sorts, and paginates the message list.
// Pagination is 1-based; a zero Page returns every match as one page.
func (s *Store) QueryMessages(where Where, sorts []Sort, page Page) QueryResult {
	var result QueryResult
	s.exec(func() {
		items := s.snapshotMatching(where)
		allSorts := append(append([]Sort(nil), sorts...), Sort{Field: SortByRef})
		sortMessages(items, allSorts)

		result.Total = len(items)
		if page.Number <= 0 || page.Size <= 0 {
			result.Pages = 1
			result.Items = renderAll(items)
			return
		}
		result.Pages = (result.Total + page.Size - 1) / page.Size
		if result.Pages == 0 {
			result.Pages = 1
		}
		start := (page.Number - 1) * page.Size
		if start >= len(items) {
			result.Items = nil
			return
		}
		end := start + page.Size
		if end > len(items) {
			end = len(items)
		}
		result.Items = renderAll(items[start:end])
	})
	return result
}

func renderAll(items []*msg.Message) []*render.View {
	views := make([]*render.View, len(items))
	for i, m := range items {
		views[i] = render.Render(m, defaultRenderOpts)
	}
	return views
}

// snapshotMatching must only be called from within the scheduler
// goroutine. It returns the messages matching where, as clones safe for
// the caller to sort/render outside the lock.
func (s *Store) snapshotMatching(where Where) []*msg.Message {
	items := make([]*msg.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if where.matches(m) {
			items = append(items, m.Clone())
		}
	}
	return items
}
