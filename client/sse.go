package client

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// sseEvent is one Server-Sent Events frame. ID is zero when the frame
// carried no id field.
type sseEvent struct {
	ID   uint64
	Data []byte
}

// sseReader incrementally parses an SSE byte stream. Only the id and
// data fields are interpreted; comment lines and unknown fields are
// skipped per the SSE processing model.
type sseReader struct {
	sc *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseReader{sc: sc}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
func (r *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var data []string
	seen := false
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if seen {
				ev.Data = []byte(strings.Join(data, "\n"))
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				ev.ID = n
			}
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	if err := r.sc.Err(); err != nil {
		return sseEvent{}, err
	}
	return sseEvent{}, io.EOF
}
