// ABOUTME: Incremental text/event-stream reader for relaying downstream SSE
// ABOUTME: Splits a byte stream into events and exposes their JSON-RPC payloads

package mcp

import (
	"bytes"
	"errors"
	"io"
)

var (
	sseDataPrefix  = []byte("data:")
	sseEventPrefix = []byte("event:")
)

// maxEventSize bounds one buffered event; longer events are an error.
const maxEventSize = 4 << 20

// ErrEventTooLarge is returned when an event exceeds the buffering limit.
var ErrEventTooLarge = errors.New("sse event too large")

// Event is one server-sent event.
type Event struct {
	// Raw holds the event's lines with newlines normalized to '\n' and the
	// terminating blank line removed.
	Raw  []byte
	Name string
	Data []byte // data lines joined with '\n'
}

// Response peeks at the JSON-RPC response carried in the event's data.
// ok is false when the data holds no response, e.g. a progress notification.
func (e *Event) Response() (*Response, bool) {
	if len(e.Data) == 0 || !IsResponse(e.Data) {
		return nil, false
	}
	resp, err := ParseResponse(e.Data)
	if err != nil {
		return nil, false
	}
	return resp, true
}

// WriteTo writes the event followed by its terminating blank line.
func (e *Event) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(e.Raw)
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write([]byte("\n\n"))
	return int64(n + m), err
}

// EventReader reads events from a stream, handling CR, LF and CRLF line endings.
type EventReader struct {
	r       io.Reader
	readBuf [4096]byte
	buf     []byte
	pendCR  bool
}

// NewEventReader wraps r.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: r}
}

// Next returns the next event. At the end of the stream a final unterminated
// event is returned together with io.EOF.
func (s *EventReader) Next() (*Event, error) {
	for {
		if idx := bytes.Index(s.buf, []byte("\n\n")); idx >= 0 {
			chunk := s.buf[:idx]
			s.buf = s.buf[idx+2:]
			if len(bytes.TrimSpace(chunk)) == 0 {
				continue
			}
			return parseEvent(chunk), nil
		}
		if len(s.buf) > maxEventSize {
			return nil, ErrEventTooLarge
		}

		n, err := s.r.Read(s.readBuf[:])
		if n > 0 {
			s.buf = append(s.buf, s.normalize(s.readBuf[:n])...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(s.buf)) > 0 {
				event := parseEvent(bytes.TrimRight(s.buf, "\n"))
				s.buf = nil
				return event, io.EOF
			}
			return nil, err
		}
	}
}

// normalize converts CR and CRLF to LF. A CR at the end of one read may be
// followed by the LF at the start of the next.
func (s *EventReader) normalize(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch {
		case c == '\r':
			out = append(out, '\n')
			s.pendCR = true
			continue
		case c == '\n' && s.pendCR:
			// second half of CRLF
		default:
			out = append(out, c)
		}
		s.pendCR = false
	}
	return out
}

func parseEvent(chunk []byte) *Event {
	ev := &Event{Raw: append([]byte(nil), chunk...)}
	var data [][]byte
	for line := range bytes.SplitSeq(chunk, []byte{'\n'}) {
		switch {
		case bytes.HasPrefix(line, sseDataPrefix):
			data = append(data, trimFieldValue(line[len(sseDataPrefix):]))
		case bytes.HasPrefix(line, sseEventPrefix):
			ev.Name = string(trimFieldValue(line[len(sseEventPrefix):]))
		}
	}
	ev.Data = bytes.Join(data, []byte{'\n'})
	return ev
}

// trimFieldValue drops the single optional space after the field colon.
func trimFieldValue(v []byte) []byte {
	if len(v) > 0 && v[0] == ' ' {
		return v[1:]
	}
	return v
}
