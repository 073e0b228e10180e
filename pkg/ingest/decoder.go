package ingest

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxFrameBytes bounds a single SSE frame. Upstream frames are small
// JSON deltas; anything larger indicates a broken stream.
const maxFrameBytes = 1 << 20

// Frame is one data unit decoded from an event stream.
type Frame struct {
	// Raw is the frame text as received, including the data: prefix.
	Raw string

	// Payload is the text after the data: prefix, trimmed.
	Payload string

	// Done is set for the [DONE] sentinel; its payload is not parsed.
	Done bool
}

// FrameScanner decodes server-sent-event style frames from a byte
// stream. Frames are separated by blank lines; only frames carrying
// the data: prefix are returned, everything else (comments, empty
// keep-alives) is skipped.
type FrameScanner struct {
	s *bufio.Scanner
}

// NewFrameScanner wraps r in a frame decoder.
func NewFrameScanner(r io.Reader) *FrameScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	s.Split(splitFrames)
	return &FrameScanner{s: s}
}

// Next returns the next data frame. It returns io.EOF when the stream
// ends and the underlying read error otherwise.
func (fs *FrameScanner) Next() (Frame, error) {
	for fs.s.Scan() {
		raw := fs.s.Text()
		trimmed := strings.TrimSpace(raw)
		if !strings.HasPrefix(trimmed, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
		return Frame{
			Raw:     raw,
			Payload: payload,
			Done:    payload == "[DONE]",
		}, nil
	}
	if err := fs.s.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// splitFrames is a bufio.SplitFunc that yields blocks separated by a
// blank line (\n\n or \r\n\r\n).
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, bytes.TrimSuffix(data[:i], []byte("\r")), nil
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4, data[:i], nil
	}

	// Final frame may not be terminated by a blank line.
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
