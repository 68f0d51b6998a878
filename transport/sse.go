package transport

import "bytes"

// sseTee incrementally parses complete SSE events (delimited by a blank line, per
// streaminghttp/handler.go's writeSSEEvent terminator) out of a byte stream as it
// arrives, without buffering anything beyond the current incomplete frame. Grounded on
// the teacher's writeSSEEvent (the producer side of this exact framing) and
// original_source/core/wrapper.py's handle_outgoing tee point (observe-then-forward in
// one pass, no buffering of the whole stream).
type sseTee struct {
	pending []byte
	onFrame func(id string, data []byte)
}

func newSSETee(onFrame func(id string, data []byte)) *sseTee {
	return &sseTee{onFrame: onFrame}
}

// feed appends p to the pending buffer and dispatches every complete frame it now
// contains. Safe to call repeatedly as chunks arrive from the upstream's writer.
func (s *sseTee) feed(p []byte) {
	s.pending = append(s.pending, p...)
	for {
		idx := bytes.Index(s.pending, []byte("\n\n"))
		if idx < 0 {
			return
		}
		frame := s.pending[:idx]
		s.pending = s.pending[idx+2:]
		s.dispatch(frame)
	}
}

func (s *sseTee) dispatch(frame []byte) {
	var id string
	var dataLines [][]byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		switch {
		case bytes.HasPrefix(line, []byte("id: ")):
			id = string(bytes.TrimPrefix(line, []byte("id: ")))
		case bytes.HasPrefix(line, []byte("data: ")):
			dataLines = append(dataLines, bytes.TrimPrefix(line, []byte("data: ")))
		}
	}
	if s.onFrame == nil {
		return
	}
	s.onFrame(id, bytes.Join(dataLines, []byte("\n")))
}
