package transport

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// sseEvent is one parsed "event:"/"data:"/"id:" record from a text/event-
// stream body (spec §4.4 "SSE framing").
type sseEvent struct {
	id    string
	event string
	data  string
}

// sseReader incrementally parses an SSE byte stream per the WHATWG
// event-stream grammar: records are separated by a blank line, and a
// multi-line "data:" field is joined with "\n".
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return &sseReader{scanner: scanner}
}

// next returns the next complete event, or io.EOF once the stream ends.
func (s *sseReader) next() (sseEvent, error) {
	var ev sseEvent
	var dataLines []string
	sawAny := false

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if sawAny {
				ev.data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			continue
		}
		sawAny = true
		switch {
		case strings.HasPrefix(line, "id:"):
			ev.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			ev.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive line, ignored
		}
	}

	if err := s.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if sawAny {
		ev.data = strings.Join(dataLines, "\n")
		return ev, nil
	}
	return sseEvent{}, io.EOF
}

// parseEventID converts an SSE "id:" field to a monotonic counter,
// defaulting to 0 when absent or non-numeric (spec §4.4 "Last-Event-ID
// resumption").
func parseEventID(raw string) uint64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
