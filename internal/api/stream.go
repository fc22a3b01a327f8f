package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/notify"
)

// EventStream serves gateway lifecycle events over SSE. Clients scope the
// stream to one assessment with ?assessment_id=; otherwise they receive every
// event.
type EventStream struct {
	hub *notify.Hub
}

func NewEventStream(hub *notify.Hub) *EventStream {
	return &EventStream{hub: hub}
}

func (es *EventStream) Handle(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	var scope *int64
	if s := r.URL.Query().Get("assessment_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, "invalid assessment_id", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		scope = &id
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := es.hub.Subscribe(scope, 32)
	defer es.hub.Unsubscribe(sub)

	log.Info().
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("event stream connected")

	// Periodic comments keep intermediaries from closing an idle stream.
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				log.Error().Err(err).Str("event_type", ev.Type).Msg("failed to encode event")
				continue
			}
			writeSSEEvent(w, ev.Type, string(payload))
			flusher.Flush()
		}
	}
}

// writeSSEEvent frames one event. Each line of a multi-line payload gets its
// own "data:" prefix; without this a newline in the payload breaks the event
// boundary and could inject fake events.
func writeSSEEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
