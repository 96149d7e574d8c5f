package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/okian/rotor/internal/adapters/mq/queue"
	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/pkg/logger"
	"github.com/okian/rotor/pkg/metrics"
)

// EventsHandler accepts events for asynchronous processing.
type EventsHandler struct {
	deps         Dependencies
	maxBodyBytes int64
	log          logger.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps Dependencies, maxBodyBytes int64, log logger.Logger) *EventsHandler {
	return &EventsHandler{deps: deps, maxBodyBytes: maxBodyBytes, log: log}
}

type ackResponse struct {
	Status     string   `json:"status"`
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	MessageIDs []string `json:"messageIds"`
}

// HandlePostEvents handles POST /events. The body is one event object or
// an array of them. Every event is validated before any is enqueued.
func (h *EventsHandler) HandlePostEvents(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_events"
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}

	events, err := decodeEvents(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		metrics.RecordEventRejected("too_large")
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", WrapKind(op, ErrBadRequest, err))
		return
	}
	if err != nil {
		metrics.RecordEventRejected("decode")
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	for i, ev := range events {
		if err := validateEvent(ev); err != nil {
			metrics.RecordEventRejected("invalid")
			writeError(w, http.StatusBadRequest, "bad_request",
				WrapKind(op, ErrBadRequest, fmt.Errorf("event %d: %w", i, err)))
			return
		}
		if ev.MessageID() == "" {
			ev["messageId"] = uuid.NewString()
		}
	}

	ctx := r.Context()
	ack := ackResponse{Status: "accepted", MessageIDs: make([]string, 0, len(events))}
	for _, ev := range events {
		id := ev.MessageID()
		ack.MessageIDs = append(ack.MessageIDs, id)
		if h.deps.SeenAndRecord(ctx, id) {
			ack.Duplicates++
			continue
		}
		if err := h.deps.Enqueue(ctx, ev); err != nil {
			h.deps.Unrecord(ctx, id)
			if errors.Is(err, queue.ErrFull) || errors.Is(err, queue.ErrClosed) {
				writeError(w, http.StatusTooManyRequests, "backpressure", WrapKind(op, ErrBackpressure, err))
				return
			}
			h.log.Error(ctx, "enqueue failed", logger.MessageID(id), logger.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", Wrap(op, err))
			return
		}
		metrics.RecordEventReceived()
		ack.Accepted++
	}

	if ack.Accepted == 0 {
		ack.Status = "duplicate"
		writeJSON(w, http.StatusOK, ack)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func decodeEvents(body io.Reader) ([]model.Event, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	if raw[0] == '[' {
		var events []model.Event
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, errors.New("empty batch")
		}
		return events, nil
	}
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return []model.Event{ev}, nil
}

func validateEvent(ev model.Event) error {
	if ev == nil {
		return errors.New("event must be an object")
	}
	if !model.IsKnownType(ev.Type()) {
		return fmt.Errorf("unknown type %q", ev.Type())
	}
	if strings.TrimSpace(ev.AnonymousID()) == "" && strings.TrimSpace(ev.UserID()) == "" {
		return errors.New("missing anonymousId and userId")
	}
	return nil
}
