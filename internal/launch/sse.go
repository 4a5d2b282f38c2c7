package launch

import (
	"bufio"
	"bytes"
	"io"
)

// eventReader splits a text/event-stream body into the data payloads of its
// events. Multi-line data fields are joined with '\n'.
type eventReader struct {
	scanner *bufio.Scanner
	data    [][]byte
}

func newEventReader(body io.Reader, maxEvent int) *eventReader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEvent)
	return &eventReader{scanner: sc}
}

// Next returns the next non-empty payload. "[DONE]" markers are skipped. It
// returns io.EOF once the body is exhausted.
func (r *eventReader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			if payload := r.flush(); payload != nil {
				return payload, nil
			}
			continue
		}
		if field, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			r.data = append(r.data, bytes.Clone(bytes.TrimSpace(field)))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if payload := r.flush(); payload != nil {
		return payload, nil
	}
	return nil, io.EOF
}

func (r *eventReader) flush() []byte {
	if len(r.data) == 0 {
		return nil
	}
	payload := bytes.TrimSpace(bytes.Join(r.data, []byte("\n")))
	r.data = r.data[:0]
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return nil
	}
	return payload
}
