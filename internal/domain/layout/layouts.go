package layout

import (
	"net/url"

	"github.com/okian/rotor/internal/domain/fields"
	"github.com/okian/rotor/internal/domain/model"
)

// passthrough delivers the event as received minus internal parameters.
func passthrough(ev model.Event) ([]model.TransformedRow, error) {
	return []model.TransformedRow{{
		Event: ev.Without(model.InternalParams...),
		Table: tableOr(ev, DefaultTable),
	}}, nil
}

// jitsuLegacy maps the event to the classic flat event schema.
func jitsuLegacy(ev model.Event) ([]model.TransformedRow, error) {
	ctx := ev.Context()
	page := model.Object(ctx["page"])
	traits := mergedTraits(ev)

	r := map[string]any{}
	// properties go first so the fixed columns win on collision
	fields.Transfer(r, model.CloneObject(ev.Properties()))

	put(r, "event_id", ev.MessageID())
	put(r, "event_type", ev.Name())
	put(r, "utc_time", ev["timestamp"])
	put(r, "user", compact(map[string]any{
		"anonymous_id": ev.AnonymousID(),
		"id":           ev.UserID(),
		"email":        traits["email"],
		"name":         traits["name"],
	}))
	put(r, "url", page["url"])
	put(r, "page_title", page["title"])
	put(r, "doc_path", page["path"])
	put(r, "doc_search", page["search"])
	put(r, "doc_host", hostOf(page["url"]))
	put(r, "referer", page["referrer"])
	put(r, "user_agent", ctx["userAgent"])
	put(r, "user_language", ctx["locale"])
	put(r, "source_ip", ctx["ip"])
	put(r, "app", model.CloneValue(ctx["app"]))
	put(r, "location", model.CloneValue(ctx["location"]))
	put(r, model.IdentifiedByField, ev[model.IdentifiedByField])

	return []model.TransformedRow{{
		Event: model.Event(fields.Flatten(r)),
		Table: tableOr(ev, DefaultTable),
	}}, nil
}

// segmentMultiTable writes every event type to its own table and splits
// named tracks into a generic tracks row plus a per-event row. A table
// override renames both rows' tables but keeps the split.
func segmentMultiTable(ev model.Event) ([]model.TransformedRow, error) {
	typ := ev.Type()
	override := ev.TableOverride()

	switch typ {
	case model.TypeIdentify, model.TypeGroup:
		r := identityRow(ev, false)
		table := pluralize(typ)
		if override != "" {
			table = override
			r["type"] = typ
		}
		return single(r, table), nil
	case model.TypeTrack:
		if name := ev.EventName(); name != "" {
			base, named := baseRow(ev), withProperties(ev)
			if override != "" {
				base["type"] = typ
				named["type"] = typ
			}
			return []model.TransformedRow{
				row(base, tableOr(ev, pluralize(typ))),
				row(named, tableOr(ev, name)),
			}, nil
		}
	}

	r := withProperties(ev)
	table := pluralize(typ)
	if override != "" {
		table = override
		r["type"] = typ
	}
	return single(r, table), nil
}

// segmentSingleTable collapses every event type into one table with a type
// discriminator and identity traits nested under context.traits.
func segmentSingleTable(ev model.Event) ([]model.TransformedRow, error) {
	typ := ev.Type()
	var r map[string]any
	switch typ {
	case model.TypeIdentify, model.TypeGroup:
		r = identityRow(ev, true)
	default:
		r = withProperties(ev)
		if traits := mergedTraits(ev); len(traits) > 0 {
			delete(r, "traits")
			ctx := model.Object(r["context"])
			if ctx == nil {
				ctx = map[string]any{}
				r["context"] = ctx
			}
			ctx["traits"] = traits
		}
	}
	r["type"] = typ
	return single(r, tableOr(ev, DefaultTable)), nil
}

// baseRow copies the event without properties and internal params.
func baseRow(ev model.Event) map[string]any {
	r := map[string]any{}
	exclude := append([]string{"properties"}, model.InternalParams...)
	fields.Transfer(r, model.CloneObject(ev), exclude...)
	return r
}

// withProperties is baseRow with the event properties at the top level.
// Event fields win over properties of the same name.
func withProperties(ev model.Event) map[string]any {
	r := map[string]any{}
	fields.Transfer(r, model.CloneObject(ev.Properties()))
	fields.Transfer(r, baseRow(ev))
	return r
}

// identityRow shapes identify and group events. Traits from context and the
// event are merged, event traits winning. In multi-table mode they land at
// the top level; in single-table mode under context.traits.
func identityRow(ev model.Event, nested bool) map[string]any {
	r := baseRow(ev)
	delete(r, "traits")
	ctx := model.CloneObject(ev.Context())
	if ctx == nil {
		ctx = map[string]any{}
	}
	delete(ctx, "traits")
	delete(ctx, "groupId")

	traits := mergedTraits(ev)
	if nested {
		if len(traits) > 0 {
			ctx["traits"] = traits
		}
	} else {
		fields.Transfer(r, traits, "type", "groupId")
	}
	if len(ctx) > 0 {
		r["context"] = ctx
	} else {
		delete(r, "context")
	}

	put(r, "group_id", firstNonEmpty(
		ev.Context()["groupId"],
		ev.Traits()["groupId"],
		ev.ContextTraits()["groupId"],
	))
	return r
}

// mergedTraits combines context.traits and traits into a new object.
func mergedTraits(ev model.Event) map[string]any {
	out := map[string]any{}
	fields.Transfer(out, model.CloneObject(ev.ContextTraits()))
	fields.Transfer(out, model.CloneObject(ev.Traits()))
	return out
}

func single(r map[string]any, table string) []model.TransformedRow {
	return []model.TransformedRow{row(r, table)}
}

func row(r map[string]any, table string) model.TransformedRow {
	return model.TransformedRow{Event: model.Event(fields.Flatten(r)), Table: table}
}

func tableOr(ev model.Event, def string) string {
	if t := ev.TableOverride(); t != "" {
		return t
	}
	return def
}

// pluralize names the per-type table.
func pluralize(typ string) string {
	switch typ {
	case model.TypeIdentify:
		return "identifies"
	case model.TypePage:
		return "pages"
	case model.TypeTrack:
		return "tracks"
	case model.TypeGroup:
		return "groups"
	default:
		return typ
	}
}

func firstNonEmpty(vals ...any) any {
	for _, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return v
	}
	return nil
}

// put assigns v unless it is nil or an empty string.
func put(m map[string]any, key string, v any) {
	if s, ok := v.(string); ok && s == "" {
		return
	}
	if o, ok := v.(map[string]any); ok && len(o) == 0 {
		return
	}
	fields.TransferValue(m, key, v)
}

func compact(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		put(out, k, v)
	}
	return out
}

func hostOf(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return nil
	}
	return u.Hostname()
}
