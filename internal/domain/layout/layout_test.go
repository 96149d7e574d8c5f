package layout_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/okian/rotor/internal/domain/failure"
	"github.com/okian/rotor/internal/domain/layout"
	"github.com/okian/rotor/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func signedUp() model.Event {
	return model.Event{
		"type":        "track",
		"event":       "Signed Up",
		"messageId":   "m-1",
		"anonymousId": "a-1",
		"timestamp":   "2024-01-01T00:00:00Z",
		"properties":  map[string]any{"plan": "pro", "seats": 3},
		"context": map[string]any{
			"ip":   "10.0.0.1",
			"page": map[string]any{"url": "https://example.com/signup?x=1", "title": "Sign up"},
		},
	}
}

func identify() model.Event {
	return model.Event{
		"type":        "identify",
		"messageId":   "m-2",
		"anonymousId": "a-1",
		"userId":      "u-1",
		"traits":      map[string]any{"email": "e@x.com", "groupId": "g-traits"},
		"context": map[string]any{
			"groupId": "",
			"traits":  map[string]any{"name": "Ann", "email": "old@x.com", "groupId": "g-ctx"},
			"locale":  "en",
		},
	}
}

func TestRegistry(t *testing.T) {
	Convey("Given the default registry", t, func() {
		reg := layout.DefaultRegistry()

		Convey("Then the built-in layouts are registered", func() {
			So(reg.IDs(), ShouldResemble, []string{
				layout.JitsuLegacy, layout.Passthrough, layout.Segment, layout.SegmentSingleTable,
			})
		})

		Convey("When transforming with an unknown layout", func() {
			_, err := reg.Transform(signedUp(), "nope")
			So(err, ShouldNotBeNil)
			So(failure.IsValidation(err), ShouldBeTrue)
		})

		Convey("When registering layouts", func() {
			custom := func(ev model.Event) ([]model.TransformedRow, error) {
				return []model.TransformedRow{{Event: ev, Table: "custom"}}, nil
			}
			So(reg.Register("custom", custom), ShouldBeNil)
			So(reg.Register("custom", custom), ShouldEqual, layout.ErrDuplicateLayout)
			So(reg.Register("", custom), ShouldEqual, layout.ErrInvalidLayout)
			So(reg.Register("x", nil), ShouldEqual, layout.ErrInvalidLayout)

			rows, err := reg.Transform(signedUp(), "custom")
			So(err, ShouldBeNil)
			So(rows[0].Table, ShouldEqual, "custom")
		})
	})
}

func TestSegmentMultiTable(t *testing.T) {
	reg := layout.DefaultRegistry()

	Convey("Given a named track event", t, func() {
		ev := signedUp()
		rows, err := reg.Transform(ev, layout.Segment)
		So(err, ShouldBeNil)

		Convey("Then two rows are produced", func() {
			So(len(rows), ShouldEqual, 2)
			So(rows[0].Table, ShouldEqual, "tracks")
			So(rows[1].Table, ShouldEqual, "Signed Up")
		})

		Convey("Then the tracks row carries no properties", func() {
			_, hasProps := rows[0].Event["properties"]
			_, hasPlan := rows[0].Event["plan"]
			So(hasProps, ShouldBeFalse)
			So(hasPlan, ShouldBeFalse)
			So(rows[0].Event["message_id"], ShouldEqual, "m-1")
			So(rows[0].Event["context_page_title"], ShouldEqual, "Sign up")
		})

		Convey("Then the event row has properties at the top level", func() {
			So(rows[1].Event["plan"], ShouldEqual, "pro")
			So(rows[1].Event["seats"], ShouldEqual, 3)
			So(rows[1].Event["event"], ShouldEqual, "Signed Up")
		})

		Convey("Then the input event is not modified", func() {
			So(ev, ShouldResemble, signedUp())
		})
	})

	Convey("Given a track without a name", t, func() {
		ev := signedUp()
		delete(ev, "event")
		rows, err := reg.Transform(ev, layout.Segment)
		So(err, ShouldBeNil)
		So(len(rows), ShouldEqual, 1)
		So(rows[0].Table, ShouldEqual, "tracks")
	})

	Convey("Given an identify event", t, func() {
		rows, err := reg.Transform(identify(), layout.Segment)
		So(err, ShouldBeNil)
		So(len(rows), ShouldEqual, 1)
		r := rows[0]

		Convey("Then it lands in identifies with merged traits", func() {
			So(r.Table, ShouldEqual, "identifies")
			So(r.Event["email"], ShouldEqual, "e@x.com")
			So(r.Event["name"], ShouldEqual, "Ann")
			So(r.Event["context_locale"], ShouldEqual, "en")
			_, hasCtxTraits := r.Event["context_traits_name"]
			So(hasCtxTraits, ShouldBeFalse)
		})

		Convey("Then group_id skips empty candidates in priority order", func() {
			So(r.Event["group_id"], ShouldEqual, "g-traits")
		})
	})

	Convey("Given page, group and screen events", t, func() {
		cases := map[string]string{"page": "pages", "group": "groups", "screen": "screen"}
		for typ, table := range cases {
			rows, err := reg.Transform(model.Event{"type": typ, "messageId": "x", "anonymousId": "a"}, layout.Segment)
			So(err, ShouldBeNil)
			So(rows[0].Table, ShouldEqual, table)
		}
	})

	Convey("Given a table override", t, func() {
		ev := signedUp()
		ev[model.TableNameParam] = "custom_tracks"
		rows, err := reg.Transform(ev, layout.Segment)
		So(err, ShouldBeNil)

		Convey("Then both rows of the split land in the override table", func() {
			So(len(rows), ShouldEqual, 2)
			for _, r := range rows {
				So(r.Table, ShouldEqual, "custom_tracks")
				So(r.Event["type"], ShouldEqual, "track")
				_, leaked := r.Event[model.TableNameParam]
				So(leaked, ShouldBeFalse)
			}
		})

		Convey("Then only the named row carries the properties", func() {
			_, baseHasPlan := rows[0].Event["plan"]
			So(baseHasPlan, ShouldBeFalse)
			So(rows[1].Event["plan"], ShouldEqual, "pro")
		})
	})
}

func TestSegmentSingleTable(t *testing.T) {
	reg := layout.DefaultRegistry()

	Convey("Given events under the single table layout", t, func() {
		Convey("When transforming a named track", func() {
			rows, err := reg.Transform(signedUp(), layout.SegmentSingleTable)
			So(err, ShouldBeNil)
			So(len(rows), ShouldEqual, 1)
			So(rows[0].Table, ShouldEqual, layout.DefaultTable)
			So(rows[0].Event["type"], ShouldEqual, "track")
			So(rows[0].Event["plan"], ShouldEqual, "pro")
		})

		Convey("When transforming an identify", func() {
			rows, err := reg.Transform(identify(), layout.SegmentSingleTable)
			So(err, ShouldBeNil)
			r := rows[0].Event
			So(rows[0].Table, ShouldEqual, layout.DefaultTable)
			So(r["type"], ShouldEqual, "identify")
			So(r["context_traits_email"], ShouldEqual, "e@x.com")
			So(r["context_traits_name"], ShouldEqual, "Ann")
			_, topLevel := r["email"]
			So(topLevel, ShouldBeFalse)
		})

		Convey("When a page carries traits", func() {
			ev := model.Event{"type": "page", "traits": map[string]any{"plan": "free"}}
			rows, err := reg.Transform(ev, layout.SegmentSingleTable)
			So(err, ShouldBeNil)
			So(rows[0].Event["context_traits_plan"], ShouldEqual, "free")
			_, topLevel := rows[0].Event["traits_plan"]
			So(topLevel, ShouldBeFalse)
		})
	})
}

func TestJitsuLegacyAndPassthrough(t *testing.T) {
	reg := layout.DefaultRegistry()

	Convey("Given a page event under jitsu-legacy", t, func() {
		ev := model.Event{
			"type":        "page",
			"messageId":   "m-9",
			"anonymousId": "a-9",
			"timestamp":   "2024-01-01T00:00:00Z",
			"properties":  map[string]any{"section": "blog"},
			"context": map[string]any{
				"ip":        "10.0.0.1",
				"userAgent": "ua",
				"page": map[string]any{
					"url":      "https://example.com/post?id=1",
					"title":    "Post",
					"path":     "/post",
					"referrer": "https://google.com",
				},
				"traits": map[string]any{"email": "e@x.com"},
			},
		}
		rows, err := reg.Transform(ev, layout.JitsuLegacy)
		So(err, ShouldBeNil)
		So(len(rows), ShouldEqual, 1)
		r := rows[0].Event

		So(rows[0].Table, ShouldEqual, layout.DefaultTable)
		So(r["event_id"], ShouldEqual, "m-9")
		So(r["event_type"], ShouldEqual, "page")
		So(r["user_anonymous_id"], ShouldEqual, "a-9")
		So(r["user_email"], ShouldEqual, "e@x.com")
		So(r["url"], ShouldEqual, "https://example.com/post?id=1")
		So(r["doc_host"], ShouldEqual, "example.com")
		So(r["doc_path"], ShouldEqual, "/post")
		So(r["referer"], ShouldEqual, "https://google.com")
		So(r["source_ip"], ShouldEqual, "10.0.0.1")
		So(r["utc_time"], ShouldEqual, "2024-01-01T00:00:00Z")
		So(r["section"], ShouldEqual, "blog")
	})

	Convey("Given an event with internal params under passthrough", t, func() {
		ev := model.Event{
			"type":                     "track",
			"properties":               map[string]any{"nested": map[string]any{"a": 1}},
			model.TableNameParam:       "raw",
			model.ProfileIDParam:       "p",
			model.ProfilePriorityParam: 3,
		}
		rows, err := reg.Transform(ev, layout.Passthrough)
		So(err, ShouldBeNil)
		So(rows[0].Table, ShouldEqual, "raw")
		So(rows[0].Event, ShouldResemble, model.Event{
			"type":       "track",
			"properties": map[string]any{"nested": map[string]any{"a": 1}},
		})
	})
}

func TestTransformDeterminism(t *testing.T) {
	reg := layout.DefaultRegistry()
	types := []string{"identify", "group", "track", "page", "screen"}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("transforming twice yields byte-identical rows", prop.ForAll(
		func(typeIdx int, name, key, val string, layoutIdx int) bool {
			ids := reg.IDs()
			id := ids[layoutIdx%len(ids)]
			ev := model.Event{
				"type":        types[typeIdx],
				"event":       name,
				"messageId":   "m",
				"anonymousId": "a",
				"properties":  map[string]any{key: val},
				"traits":      map[string]any{key: val},
				"context":     map[string]any{"page": map[string]any{key: val}},
			}
			first, err1 := reg.Transform(ev, id)
			second, err2 := reg.Transform(ev, id)
			if err1 != nil || err2 != nil {
				return false
			}
			a, _ := json.Marshal(first)
			b, _ := json.Marshal(second)
			return string(a) == string(b)
		},
		gen.IntRange(0, len(types)-1),
		gen.AlphaString(),
		gen.Identifier(),
		gen.AlphaString(),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
