package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SSEHandler streams broadcast events to a client as Server-Sent Events.
// An optional ?types=a,b query restricts the stream.
func SSEHandler(b *Broadcaster, keepAlive time.Duration) http.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var types []Type
		for _, raw := range splitList(r.URL.Query().Get("types")) {
			t := Type(raw)
			if !t.Valid() {
				http.Error(w, fmt.Sprintf("unknown event type %q", raw), http.StatusBadRequest)
				return
			}
			types = append(types, t)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)

		sub := b.Subscribe(DefaultBuffer, types...)
		defer sub.Close()

		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case evt, ok := <-sub.C():
				if !ok {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
				flusher.Flush()
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
