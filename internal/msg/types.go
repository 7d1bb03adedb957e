// Package msg defines the canonical Message entity and its enumerations.
// It holds no behavior beyond small predicates on the enums — normalization
// and mutation live in internal/factory, and persistence lives in
// internal/persist and internal/archive.
package msg

import "time"

// Level is the severity of a message.
type Level int

const (
	LevelNone    Level = 0
	LevelNotice  Level = 10
	LevelWarning Level = 20
	LevelError   Level = 30
)

// ValidLevel reports whether l is one of the defined Level constants.
func ValidLevel(l Level) bool {
	switch l {
	case LevelNone, LevelNotice, LevelWarning, LevelError:
		return true
	default:
		return false
	}
}

// Kind identifies the domain shape of a message.
type Kind string

const (
	KindTask          Kind = "task"
	KindStatus        Kind = "status"
	KindAppointment   Kind = "appointment"
	KindShoppingList  Kind = "shoppinglist"
	KindInventoryList Kind = "inventorylist"
)

// ValidKind reports whether k is one of the defined Kind constants.
func ValidKind(k Kind) bool {
	switch k {
	case KindTask, KindStatus, KindAppointment, KindShoppingList, KindInventoryList:
		return true
	default:
		return false
	}
}

// OriginType identifies who/what produced a message.
type OriginType string

const (
	OriginManual     OriginType = "manual"
	OriginImport     OriginType = "import"
	OriginAutomation OriginType = "automation"
)

// ValidOriginType reports whether t is one of the defined OriginType constants.
func ValidOriginType(t OriginType) bool {
	switch t {
	case OriginManual, OriginImport, OriginAutomation:
		return true
	default:
		return false
	}
}

// Origin records the provenance of a message. Immutable after creation.
type Origin struct {
	Type   OriginType `json:"type"`
	System string     `json:"system,omitempty"`
	ID     string      `json:"id,omitempty"`
}

// State is a lifecycle state.
type State string

const (
	StateOpen    State = "open"
	StateAcked   State = "acked"
	StateSnoozed State = "snoozed"
	StateClosed  State = "closed"
	StateDeleted State = "deleted"
	StateExpired State = "expired"
)

// ValidState reports whether s is one of the defined State constants.
func ValidState(s State) bool {
	switch s {
	case StateOpen, StateAcked, StateSnoozed, StateClosed, StateDeleted, StateExpired:
		return true
	default:
		return false
	}
}

// CoreManagedState reports whether s may only be reached via a
// store-internal, token-authorized patch (never directly by a producer).
func CoreManagedState(s State) bool {
	return s == StateDeleted || s == StateExpired
}

// QuasiDeleted reports whether s hides the message from default queries.
func QuasiDeleted(s State) bool {
	switch s {
	case StateClosed, StateDeleted, StateExpired:
		return true
	default:
		return false
	}
}

// QuasiOpen reports whether s makes the message eligible for notification.
func QuasiOpen(s State) bool {
	switch s {
	case StateOpen, StateAcked, StateSnoozed:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the allowed lifecycle edges, per spec.md §3
// invariant 3. StateDeleted and StateExpired are reachable from any
// non-terminal state but only via a core-authorized patch; that
// authorization check lives in internal/factory, not here.
var validTransitions = map[State]map[State]bool{
	StateOpen:    {StateAcked: true, StateSnoozed: true, StateClosed: true, StateDeleted: true, StateExpired: true},
	StateAcked:   {StateOpen: true, StateClosed: true, StateDeleted: true, StateExpired: true},
	StateSnoozed: {StateOpen: true, StateClosed: true, StateDeleted: true, StateExpired: true},
	StateClosed:  {StateDeleted: true, StateExpired: true},
}

// ValidTransition reports whether the lifecycle may move from 'from' to
// 'to'. Deleted and Expired are terminal: no outbound edges.
func ValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	if from == StateDeleted || from == StateExpired {
		return false
	}
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ActionType identifies the kind of an action attached to a message.
type ActionType string

const (
	ActionAck    ActionType = "ack"
	ActionClose  ActionType = "close"
	ActionOpen   ActionType = "open"
	ActionDelete ActionType = "delete"
	ActionSnooze ActionType = "snooze"
	ActionLink   ActionType = "link"
	ActionCustom ActionType = "custom"
)

// ValidActionType reports whether t is a known action type.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionAck, ActionClose, ActionOpen, ActionDelete, ActionSnooze, ActionLink, ActionCustom:
		return true
	default:
		return false
	}
}

// Event names dispatched to notify consumers. See spec.md §6.
const (
	EventAdded     = "added"
	EventRecreated = "recreated"
	EventRecovered = "recovered"
	EventUpdated   = "updated"
	EventDue       = "due"
	EventDeleted   = "deleted"
	EventExpired   = "expired"
)

// Attachment is an ordered, typed piece of supplementary content.
type Attachment struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ListItem is a single entry in a shopping/inventory list message.
type ListItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
	PerUnit  string  `json:"perUnit,omitempty"`
	Checked  bool    `json:"checked,omitempty"`
}

// Action is an authorized operation a consumer may invoke against a message.
type Action struct {
	Type    ActionType     `json:"type"`
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// MetricValue is a single observed reading. Val must be a finite number,
// string, bool, or nil (spec.md §3 invariant 5).
type MetricValue struct {
	Val  any   `json:"val"`
	Unit string `json:"unit,omitempty"`
	TS   int64  `json:"ts"`
}

// Progress tracks completion of task-shaped messages.
type Progress struct {
	Percentage int    `json:"percentage"`
	StartedAt  *int64 `json:"startedAt,omitempty"`
	FinishedAt *int64 `json:"finishedAt,omitempty"`
}

// AudienceChannels scopes delivery to named channels.
type AudienceChannels struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Audience scopes which consumers/channels should see a message.
type Audience struct {
	Tags     []string         `json:"tags,omitempty"`
	Channels AudienceChannels `json:"channels,omitempty"`
}

// Details holds free-form domain attributes that don't warrant their own
// top-level field.
type Details struct {
	Location    string   `json:"location,omitempty"`
	Task        string   `json:"task,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Consumables []string `json:"consumables,omitempty"`
}

// Lifecycle tracks the current state and when/by-whom it last changed.
type Lifecycle struct {
	State          State  `json:"state"`
	StateChangedAt *int64 `json:"stateChangedAt,omitempty"`
	StateChangedBy string `json:"stateChangedBy,omitempty"`
}

// Timing holds every timestamp and duration field on a message. All
// *At/At fields are UTC epoch milliseconds (spec.md §3 invariant 4).
type Timing struct {
	CreatedAt    int64            `json:"createdAt"`
	UpdatedAt    int64            `json:"updatedAt"`
	ExpiresAt    *int64           `json:"expiresAt,omitempty"`
	NotifyAt     *int64           `json:"notifyAt,omitempty"`
	RemindEvery  *int64           `json:"remindEvery,omitempty"`
	TimeBudget   *int64           `json:"timeBudget,omitempty"`
	Cooldown     *int64           `json:"cooldown,omitempty"`
	DueAt        *int64           `json:"dueAt,omitempty"`
	StartAt      *int64           `json:"startAt,omitempty"`
	EndAt        *int64           `json:"endAt,omitempty"`
	NotifiedAt   map[string]int64 `json:"notifiedAt,omitempty"`
}

// Message is the canonical entity owned exclusively by the Store.
type Message struct {
	Ref  string `json:"ref"`
	Kind Kind   `json:"kind"`

	Title string `json:"title"`
	Text  string `json:"text"`
	Icon  string `json:"icon,omitempty"`

	Level  Level  `json:"level"`
	Origin Origin `json:"origin"`

	Lifecycle Lifecycle `json:"lifecycle"`
	Timing    Timing    `json:"timing"`

	Details     *Details               `json:"details,omitempty"`
	Metrics     map[string]MetricValue `json:"metrics,omitempty"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	ListItems   map[string]ListItem    `json:"listItems,omitempty"`
	Actions     map[string]Action      `json:"actions,omitempty"`
	Progress    *Progress              `json:"progress,omitempty"`
	Audience    *Audience              `json:"audience,omitempty"`
	Dependencies []string              `json:"dependencies,omitempty"`
}

// Clone returns a deep copy of m, safe to hand to a caller that must not
// observe subsequent mutations of the Store's own copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Details != nil {
		d := *m.Details
		d.Tools = append([]string(nil), m.Details.Tools...)
		d.Consumables = append([]string(nil), m.Details.Consumables...)
		c.Details = &d
	}
	if m.Metrics != nil {
		c.Metrics = make(map[string]MetricValue, len(m.Metrics))
		for k, v := range m.Metrics {
			c.Metrics[k] = v
		}
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ListItems != nil {
		c.ListItems = make(map[string]ListItem, len(m.ListItems))
		for k, v := range m.ListItems {
			c.ListItems[k] = v
		}
	}
	if m.Actions != nil {
		c.Actions = make(map[string]Action, len(m.Actions))
		for k, v := range m.Actions {
			av := v
			if v.Payload != nil {
				av.Payload = make(map[string]any, len(v.Payload))
				for pk, pv := range v.Payload {
					av.Payload[pk] = pv
				}
			}
			c.Actions[k] = av
		}
	}
	if m.Progress != nil {
		p := *m.Progress
		c.Progress = &p
	}
	if m.Audience != nil {
		a := *m.Audience
		a.Tags = append([]string(nil), m.Audience.Tags...)
		a.Channels.Include = append([]string(nil), m.Audience.Channels.Include...)
		a.Channels.Exclude = append([]string(nil), m.Audience.Channels.Exclude...)
		c.Audience = &a
	}
	if m.Dependencies != nil {
		c.Dependencies = append([]string(nil), m.Dependencies...)
	}
	if m.Timing.NotifiedAt != nil {
		c.Timing.NotifiedAt = make(map[string]int64, len(m.Timing.NotifiedAt))
		for k, v := range m.Timing.NotifiedAt {
			c.Timing.NotifiedAt[k] = v
		}
	}
	return &c
}

// epoch bounds for plausibility checks, spec.md §3 invariant 4.
var (
	minPlausible = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	maxPlausible = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
)

// PlausibleTimestamp reports whether ms falls within the accepted range
// for a UTC epoch-millisecond timestamp.
func PlausibleTimestamp(ms int64) bool {
	return ms >= minPlausible && ms <= maxPlausible
}
