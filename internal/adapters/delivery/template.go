package delivery

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/okian/rotor/internal/domain/failure"
	"github.com/okian/rotor/internal/domain/model"
)

var macroPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// RenderPayload builds a webhook body. An empty template sends the single
// event, or the array of events for a batch. Templates may reference
// {{EVENT}}, {{EVENTS}}, {{EVENTS_COUNT}}, {{NAME}}, {{EVENTS_NAME}} and
// {{env.KEY}}; anything else, including unset env keys, is left verbatim.
func RenderPayload(template string, events []model.Event, env map[string]string) ([]byte, error) {
	if strings.TrimSpace(template) == "" {
		var v any = events
		if len(events) == 1 {
			v = events[0]
		}
		body, err := json.Marshal(v)
		if err != nil {
			return nil, failure.NewValidation("marshal payload: %v", err)
		}
		return body, nil
	}

	var renderErr error
	out := macroPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := macroPattern.FindStringSubmatch(match)[1]
		switch {
		case name == "EVENT":
			var first model.Event
			if len(events) > 0 {
				first = events[0]
			}
			return marshalOr(first, &renderErr)
		case name == "EVENTS":
			if events == nil {
				events = []model.Event{}
			}
			return marshalOr(events, &renderErr)
		case name == "EVENTS_COUNT":
			return strconv.Itoa(len(events))
		case name == "NAME" || name == "EVENTS_NAME":
			if len(events) == 0 {
				return ""
			}
			return events[0].Name()
		case strings.HasPrefix(name, "env."):
			if v, ok := env[strings.TrimPrefix(name, "env.")]; ok {
				return v
			}
		}
		return match
	})
	if renderErr != nil {
		return nil, renderErr
	}
	return []byte(out), nil
}

func marshalOr(v any, errp *error) string {
	b, err := json.Marshal(v)
	if err != nil {
		if *errp == nil {
			*errp = failure.NewValidation("marshal payload: %v", err)
		}
		return ""
	}
	return string(b)
}
