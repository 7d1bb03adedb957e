package factory

import "github.com/homehub/msghub/internal/msg"

// Field is a tri-state patch value: absent (keep existing), present+clear
// (reset to the zero value / remove), or present+value (replace). This
// models the "unset/keep/clear" tri-state called for in spec.md §9's
// design notes, in place of the nil-means-missing-key convention a
// dynamically typed source would use.
type Field[T any] struct {
	Present bool
	Clear   bool
	Value   T
}

// Set returns a Field that replaces the existing value with v.
func Set[T any](v T) Field[T] { return Field[T]{Present: true, Value: v} }

// ClearField returns a Field that clears the existing value.
func ClearField[T any]() Field[T] { return Field[T]{Present: true, Clear: true} }

// DetailsPatch partially merges into msg.Details. Clear removes the
// section entirely (patch key set to null).
type DetailsPatch struct {
	Clear       bool
	Location    Field[string]
	Task        Field[string]
	Reason      Field[string]
	Tools       Field[[]string]
	Consumables Field[[]string]
}

// AudienceChannelsPatch partially merges into msg.AudienceChannels.
type AudienceChannelsPatch struct {
	Include Field[[]string]
	Exclude Field[[]string]
}

// AudiencePatch partially merges into msg.Audience. Clear removes the
// section entirely.
type AudiencePatch struct {
	Clear    bool
	Tags     Field[[]string]
	Channels *AudienceChannelsPatch
}

// LifecyclePatch partially merges into msg.Lifecycle. Reset (patch key
// set to null) resets lifecycle to open. State changes are rejected by
// ApplyPatch unless the transition is valid, or a CoreToken authorizes a
// core-managed target state.
type LifecyclePatch struct {
	Reset          bool
	State          Field[msg.State]
	StateChangedBy Field[string]
}

// TimingPatch merges per-key into msg.Timing. Each field is cleared by
// setting the corresponding Field's Clear flag (patch key set to null).
// RemindEvery and TimeBudget are durations in milliseconds, not
// timestamps. CreatedAt is immutable and has no patch field.
type TimingPatch struct {
	ExpiresAt   Field[int64]
	NotifyAt    Field[int64]
	RemindEvery Field[int64]
	TimeBudget  Field[int64]
	Cooldown    Field[int64]
	DueAt       Field[int64]
	StartAt     Field[int64]
	EndAt       Field[int64]
}

// MetricsPatch either fully replaces the metrics map or applies
// incremental set/delete operations, order-independent within one call
// (deletes always win over sets of the same key within the same patch).
type MetricsPatch struct {
	Replace    bool
	ReplaceMap map[string]msg.MetricValue
	Set        map[string]msg.MetricValue
	Delete     []string
}

// AttachmentsPatch either fully replaces the attachment list or appends
// via Set and removes via Delete (indices into the pre-patch list,
// applied in descending order so earlier indices stay valid).
type AttachmentsPatch struct {
	Replace     bool
	ReplaceWith []msg.Attachment
	Set         []msg.Attachment
	Delete      []int
}

// ListItemsPatch either fully replaces the list-item map or merges Set
// entries by id and removes Delete ids, deletions applied after upserts.
type ListItemsPatch struct {
	Replace     bool
	ReplaceWith map[string]msg.ListItem
	Set         map[string]msg.ListItem
	Delete      []string
}

// ActionsPatch is the id-keyed analog of ListItemsPatch for msg.Action.
type ActionsPatch struct {
	Replace     bool
	ReplaceWith map[string]msg.Action
	Set         map[string]msg.Action
	Delete      []string
}

// DependenciesPatch either fully replaces the dependency list or combines
// Set (added, deduplicated) and Delete (removed) against the existing list.
type DependenciesPatch struct {
	Replace     bool
	ReplaceWith []string
	Set         []string
	Delete      []string
}

// ProgressPatch partially merges into msg.Progress. Clear (patch key set
// to null) resets percentage to zero, preserving StartedAt.
type ProgressPatch struct {
	Clear      bool
	Percentage Field[int]
}

// Patch is the full patch language accepted by ApplyPatch. A nil *XPatch
// field means "no change requested" for that section.
type Patch struct {
	Title *string
	Text  *string
	Level *msg.Level
	Icon  *string // non-nil empty string clears the icon

	Details  *DetailsPatch
	Audience *AudiencePatch

	Lifecycle *LifecyclePatch
	Timing    *TimingPatch

	Metrics      *MetricsPatch
	Attachments  *AttachmentsPatch
	ListItems    *ListItemsPatch
	Actions      *ActionsPatch
	Progress     *ProgressPatch
	Dependencies *DependenciesPatch
}
