package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

type tokenFrame struct {
	Content string `json:"content"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// SetSSEHeaders prepares w for an event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteSSE writes events as "data:" frames and flushes after each one. It
// stops after the terminal event or when events closes, and returns the
// first write error so the caller can abandon the upstream.
func WriteSSE(w http.ResponseWriter, events <-chan Event) (Event, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return Event{}, ErrStreamingUnsupported
	}

	var last Event
	for ev := range events {
		last = ev
		if err := writeFrame(w, ev); err != nil {
			return last, err
		}
		flusher.Flush()
		if ev.Terminal() {
			return last, nil
		}
	}
	return last, nil
}

func writeFrame(w http.ResponseWriter, ev Event) error {
	var payload []byte
	switch ev.Kind {
	case KindDone:
		_, err := fmt.Fprint(w, "data: [DONE]\n\n")
		return err
	case KindError:
		payload, _ = json.Marshal(errorFrame{Error: ev.Text})
	default:
		payload, _ = json.Marshal(tokenFrame{Content: ev.Text})
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
