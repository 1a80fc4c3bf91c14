package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// EventHandler replays the durable pair event stream.
type EventHandler struct {
	bus    domain.SignalBus
	stream string
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler reading stream from bus.
func NewEventHandler(bus domain.SignalBus, stream string, logger *slog.Logger) *EventHandler {
	return &EventHandler{bus: bus, stream: stream, logger: logHandler(logger, "events")}
}

type eventView struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// List returns up to limit events after the stream id in "after".
// GET /api/events?after=&limit=
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	msgs, err := h.bus.StreamRead(r.Context(), h.stream, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stream read failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "event stream unavailable")
		return
	}
	out := make([]eventView, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, eventView{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, out)
}
