package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/blackwell-systems/devstack/internal/fault"
	"github.com/blackwell-systems/devstack/internal/packages"
	"github.com/blackwell-systems/devstack/internal/ui"
)

// streamEvent is a packages.Event as sent to the client.
type streamEvent struct {
	packages.Event
	Error    string      `json:"error,omitempty"`
	Category ui.Category `json:"category,omitempty"`
}

// packageStream relays a queued package transaction as server-sent events,
// one JSON object per event. A client that disconnects stops receiving
// events; the transaction itself runs to completion.
func (h *handler) packageStream(start func(ctx context.Context, id string) <-chan packages.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := h.Catalog.Lookup(id); !ok {
			sendError(w, fault.Errorf(packages.ErrUnknownPackage, "%s", id))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		events := start(r.Context(), id)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				out := streamEvent{Event: ev}
				if ev.Err != nil {
					m := ui.Describe(ev.Err)
					out.Error = ev.Err.Error()
					out.Category = m.Category
				}
				data, err := json.Marshal(out)
				if err != nil {
					logger.Warningf("failed to encode event: %v", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
			case <-r.Context().Done():
				logger.Debugf("client left the event stream for %s", id)
				return
			}
		}
	}
}
