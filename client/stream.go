package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// sseReader yields the data payloads of a server-sent event stream.
// Comment lines (heartbeats) and unknown fields are skipped.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

var dataPrefix = []byte("data:")

// next returns the payload of the next data line, io.EOF at stream end.
func (s *sseReader) next() ([]byte, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 || line[0] == ':' {
			if err != nil {
				return nil, err
			}
			continue
		}
		if bytes.HasPrefix(line, dataPrefix) {
			return bytes.TrimSpace(line[len(dataPrefix):]), nil
		}
		// non-data field (event:, id:, retry:), irrelevant here
		if err != nil {
			return nil, err
		}
	}
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
