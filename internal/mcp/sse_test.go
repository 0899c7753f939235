// ABOUTME: Tests for the incremental SSE event reader
// ABOUTME: Covers line ending variants, split reads and trailing events

package mcp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.Reader) []*Event {
	t.Helper()
	er := NewEventReader(r)
	var events []*Event
	for {
		ev, err := er.Next()
		if ev != nil {
			events = append(events, ev)
		}
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
	}
}

func TestEventReader_LineEndings(t *testing.T) {
	for name, sep := range map[string]string{"lf": "\n", "crlf": "\r\n", "cr": "\r"} {
		t.Run(name, func(t *testing.T) {
			stream := "event: message" + sep +
				`data: {"jsonrpc":"2.0","method":"notifications/progress"}` + sep + sep +
				`data: {"jsonrpc":"2.0","id":"1","result":{"ok":true}}` + sep + sep

			events := readAll(t, strings.NewReader(stream))
			require.Len(t, events, 2)

			assert.Equal(t, "message", events[0].Name)
			_, ok := events[0].Response()
			assert.False(t, ok, "notifications are not responses")

			resp, ok := events[1].Response()
			require.True(t, ok)
			assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
		})
	}
}

func TestEventReader_OneByteReads(t *testing.T) {
	stream := "id: 7\r\ndata: {\"id\":1,\r\ndata: \"result\":2}\r\n\r\n"
	events := readAll(t, iotest.OneByteReader(strings.NewReader(stream)))

	require.Len(t, events, 1)
	assert.Equal(t, "{\"id\":1,\n\"result\":2}", string(events[0].Data))
	assert.Equal(t, "id: 7\ndata: {\"id\":1,\ndata: \"result\":2}", string(events[0].Raw))
}

func TestEventReader_TrailingEventWithoutBlankLine(t *testing.T) {
	events := readAll(t, strings.NewReader("data: a\n\ndata: b\n"))
	require.Len(t, events, 2)
	assert.Equal(t, "b", string(events[1].Data))
}

func TestEventReader_SkipsKeepalives(t *testing.T) {
	events := readAll(t, strings.NewReader("\n\n\n\n: ping\n\ndata: x\n\n"))
	require.Len(t, events, 2)
	assert.Equal(t, ": ping", string(events[0].Raw))
	assert.Empty(t, events[0].Data)
	assert.Equal(t, "x", string(events[1].Data))
}

func TestEventReader_TooLarge(t *testing.T) {
	big := "data: " + strings.Repeat("x", maxEventSize+10)
	er := NewEventReader(strings.NewReader(big))
	_, err := er.Next()
	assert.ErrorIs(t, err, ErrEventTooLarge)
}

func TestEvent_WriteTo(t *testing.T) {
	ev := parseEvent([]byte("event: message\ndata: {}"))
	var buf bytes.Buffer
	n, err := ev.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, "event: message\ndata: {}\n\n", buf.String())
}
