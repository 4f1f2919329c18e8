package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	// DefaultMaxFrameBytes caps one upstream line, newline excluded.
	DefaultMaxFrameBytes = 1 << 20
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// FrameDecoder turns upstream bytes into relay events. It buffers the
// trailing partial line between Feed calls, so a line (and any multi-byte
// character in it) may be split across chunks arbitrarily. Once the
// sentinel line is seen the decoder ignores all further input. A line longer
// than the frame limit ends the stream with an Error event.
//
// A FrameDecoder belongs to one stream and is not safe for concurrent use.
type FrameDecoder struct {
	buf      []byte
	maxFrame int
	utf8     *encoding.Decoder
	done     bool
	skipped  int
	logger   *slog.Logger
}

// NewFrameDecoder creates an empty decoder.
func NewFrameDecoder(logger *slog.Logger) *FrameDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameDecoder{
		maxFrame: DefaultMaxFrameBytes,
		utf8:     unicode.UTF8.NewDecoder(),
		logger:   logger,
	}
}

// Feed appends chunk and returns the events of every complete line in order.
// The returned slice ends with the terminal event if one was decoded.
func (d *FrameDecoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if i > d.maxFrame {
			return append(events, d.overflow(i))
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		if ev, ok := d.decodeLine(line); ok {
			events = append(events, ev)
			if ev.Terminal() {
				d.done = true
				d.buf = nil
				return events
			}
		}
	}

	if len(d.buf) > d.maxFrame {
		return append(events, d.overflow(len(d.buf)))
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// overflow drops the buffer and terminates the stream.
func (d *FrameDecoder) overflow(n int) Event {
	d.logger.Warn("upstream frame exceeds limit",
		slog.Int("length", n),
		slog.Int("limit", d.maxFrame),
	)
	d.done = true
	d.buf = nil
	return Error(fmt.Sprintf("upstream frame exceeds %d bytes", d.maxFrame))
}

// Flush processes a final line left without a trailing newline.
func (d *FrameDecoder) Flush() []Event {
	if d.done || len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if ev, ok := d.decodeLine(line); ok {
		d.done = ev.Terminal()
		return []Event{ev}
	}
	return nil
}

// Done reports whether a terminal line has been decoded.
func (d *FrameDecoder) Done() bool {
	return d.done
}

// Skipped returns the number of malformed lines dropped so far.
func (d *FrameDecoder) Skipped() int {
	return d.skipped
}

// Buffered returns the number of bytes held for an incomplete line.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

func (d *FrameDecoder) decodeLine(raw []byte) (Event, bool) {
	// Invalid sequences become U+FFFD; complete lines never split a rune.
	decoded, err := d.utf8.Bytes(raw)
	if err != nil {
		decoded = raw
	}

	line := strings.TrimSpace(string(decoded))
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneSentinel {
		return Done(), true
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		d.skipped++
		d.logger.Warn("skipping malformed stream frame",
			slog.String("error", err.Error()),
			slog.Int("length", len(payload)),
		)
		return Event{}, false
	}

	if chunk.Error != nil && chunk.Error.Message != "" {
		return Error(chunk.Error.Message), true
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return Event{}, false
	}
	return Token(chunk.Choices[0].Delta.Content), true
}
