// Package model contains domain models passed between layers.
package model

import "strings"

// Event types understood by the pipeline.
const (
	TypeIdentify = "identify"
	TypeGroup    = "group"
	TypeTrack    = "track"
	TypePage     = "page"
	TypeScreen   = "screen"
)

// Internal parameter fields. They steer the pipeline and are stripped
// before an event is handed to a destination as is.
const (
	TableNameParam       = "_table_name"
	ProfileIDParam       = "_profile_id"
	ProfilePriorityParam = "_profile_priority"
)

// IdentifiedByField is stamped on buffered events re-emitted by recognition.
// It holds the messageId of the identify event that resolved them.
const IdentifiedByField = "_identified_by"

// InternalParams lists the fields removed by the passthrough layout.
var InternalParams = []string{TableNameParam, ProfileIDParam, ProfilePriorityParam}

// Event is an analytics event as received from clients: a JSON object with
// well-known top-level fields (type, messageId, anonymousId, userId, event,
// traits, properties, context, timestamp) and arbitrary extras.
type Event map[string]any

// TransformedRow is one destination row produced by a layout.
type TransformedRow struct {
	Event Event  `json:"event"`
	Table string `json:"table"`
}

// IsKnownType reports whether t is one of the supported event types.
func IsKnownType(t string) bool {
	switch t {
	case TypeIdentify, TypeGroup, TypeTrack, TypePage, TypeScreen:
		return true
	}
	return false
}

func (e Event) str(key string) string {
	if v, ok := e[key].(string); ok {
		return v
	}
	return ""
}

func (e Event) Type() string        { return e.str("type") }
func (e Event) MessageID() string   { return e.str("messageId") }
func (e Event) AnonymousID() string { return e.str("anonymousId") }
func (e Event) UserID() string      { return e.str("userId") }
func (e Event) EventName() string   { return e.str("event") }

// TableOverride returns the explicit table name set on the event, if any.
func (e Event) TableOverride() string {
	return strings.TrimSpace(e.str(TableNameParam))
}

// Traits returns the top-level traits object or nil.
func (e Event) Traits() map[string]any { return Object(e["traits"]) }

// Properties returns the properties object or nil.
func (e Event) Properties() map[string]any { return Object(e["properties"]) }

// Context returns the context object or nil.
func (e Event) Context() map[string]any { return Object(e["context"]) }

// ContextTraits returns context.traits or nil.
func (e Event) ContextTraits() map[string]any {
	return Object(e.Context()["traits"])
}

// Name returns the event name for tracks and the type for everything else.
func (e Event) Name() string {
	if e.Type() == TypeTrack && e.EventName() != "" {
		return e.EventName()
	}
	return e.Type()
}

// Without returns a deep copy of e with the given top-level keys removed.
func (e Event) Without(keys ...string) Event {
	c := e.Clone()
	for _, k := range keys {
		delete(c, k)
	}
	return c
}

// Clone returns a deep copy of e. Nested objects and arrays are copied so
// that mutations of the copy never reach the original.
func (e Event) Clone() Event {
	if e == nil {
		return nil
	}
	return Event(CloneObject(e))
}

// Object converts v to a JSON object when it is one.
func Object(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case Event:
		return m
	}
	return nil
}

// CloneObject deep-copies a JSON object.
func CloneObject(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneObject(t)
	case Event:
		return CloneObject(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = CloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
