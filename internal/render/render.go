// Package render is the pure view-transformation layer (spec.md §4.4). It
// performs no I/O and never mutates its input: Render takes a canonical
// *msg.Message and returns an independent *View, expanding small
// {{m.key}} / {{t.tsKey|datetime}} templates using the message's own
// metrics and timing fields and applying locale-specific formatting.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/homehub/msghub/internal/msg"
)

// Options controls optional rendering passes. A zero Options renders the
// plain-text view only, matching the teacher's default-to-minimal style.
type Options struct {
	// Locale selects datetime formatting, e.g. "en-US". Empty uses UTC
	// RFC3339.
	Locale string
	// HTML additionally renders Text/Details.Reason as Markdown into
	// View.HTML. Most consumers don't need this, so it's opt-in.
	HTML bool
}

// View is an independent, read-only copy of a Message with its
// templated fields expanded. Plugins only ever see Views; they never
// hold a mutable reference into the Store's own Message.
type View struct {
	Ref   string    `json:"ref"`
	Kind  msg.Kind  `json:"kind"`
	Title string    `json:"title"`
	Text  string    `json:"text"`
	HTML  string    `json:"html,omitempty"`
	Icon  string    `json:"icon,omitempty"`
	Level msg.Level `json:"level"`

	Origin    msg.Origin    `json:"origin"`
	Lifecycle msg.Lifecycle `json:"lifecycle"`
	Timing    msg.Timing    `json:"timing"`

	Details      *msg.Details               `json:"details,omitempty"`
	Metrics      map[string]msg.MetricValue `json:"metrics,omitempty"`
	Attachments  []msg.Attachment           `json:"attachments,omitempty"`
	ListItems    map[string]msg.ListItem    `json:"listItems,omitempty"`
	Actions      []msg.Action               `json:"actions,omitempty"`
	Inactive     []msg.Action               `json:"actionsInactive,omitempty"`
	Progress     *msg.Progress              `json:"progress,omitempty"`
	Audience     *msg.Audience              `json:"audience,omitempty"`
	Dependencies []string                   `json:"dependencies,omitempty"`
}

var templateRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*(?:\|\s*([a-zA-Z0-9_]+))?\s*\}\}`)

// Render produces a View from m. The Actions/Inactive split is left empty
// here — internal/action applies the view policy on top of a rendered
// View, since that split depends on lifecycle-state authorization rules
// that belong to the action executor, not the renderer.
func Render(m *msg.Message, opts Options) *View {
	v := &View{
		Ref:          m.Ref,
		Kind:         m.Kind,
		Icon:         m.Icon,
		Level:        m.Level,
		Origin:       m.Origin,
		Lifecycle:    m.Lifecycle,
		Timing:       m.Timing,
		Details:      m.Details,
		Metrics:      m.Metrics,
		Attachments:  m.Attachments,
		ListItems:    m.ListItems,
		Progress:     m.Progress,
		Audience:     m.Audience,
		Dependencies: m.Dependencies,
	}

	v.Title = expandTemplate(m.Title, m, opts)
	v.Text = expandTemplate(m.Text, m, opts)

	if opts.HTML {
		var buf strings.Builder
		if err := goldmark.Convert([]byte(v.Text), &buf); err == nil {
			v.HTML = buf.String()
		} else {
			v.HTML = v.Text
		}
	}

	return v
}

func expandTemplate(s string, m *msg.Message, opts Options) string {
	return templateRe.ReplaceAllStringFunc(s, func(tok string) string {
		groups := templateRe.FindStringSubmatch(tok)
		path := groups[1]
		filter := groups[2]
		resolved, ok := resolveTemplatePath(path, m, opts)
		if !ok {
			return tok
		}
		if filter == "datetime" {
			if ms, ok := resolved.(int64); ok {
				return formatDatetime(ms, opts.Locale)
			}
		}
		return fmt.Sprintf("%v", resolved)
	})
}

func resolveTemplatePath(path string, m *msg.Message, _ Options) (any, bool) {
	parts := strings.SplitN(path, ".", 2)
	if len(parts) != 2 {
		return nil, false
	}
	switch parts[0] {
	case "m":
		mv, ok := m.Metrics[parts[1]]
		if !ok {
			return nil, false
		}
		return mv.Val, true
	case "t":
		return timingField(m.Timing, parts[1])
	default:
		return nil, false
	}
}

func timingField(t msg.Timing, key string) (any, bool) {
	switch key {
	case "createdAt":
		return t.CreatedAt, true
	case "updatedAt":
		return t.UpdatedAt, true
	case "expiresAt":
		return derefInt64(t.ExpiresAt)
	case "notifyAt":
		return derefInt64(t.NotifyAt)
	case "dueAt":
		return derefInt64(t.DueAt)
	case "startAt":
		return derefInt64(t.StartAt)
	case "endAt":
		return derefInt64(t.EndAt)
	default:
		return nil, false
	}
}

func derefInt64(v *int64) (any, bool) {
	if v == nil {
		return nil, false
	}
	return *v, true
}

func formatDatetime(ms int64, locale string) string {
	t := time.UnixMilli(ms).UTC()
	switch locale {
	case "en-US":
		return t.Format("Jan 2, 2006 3:04 PM MST")
	case "":
		return t.Format(time.RFC3339)
	default:
		return t.Format(time.RFC3339)
	}
}
