package transport

import (
	"bytes"
	"net/http"
	"strings"
)

// tapResponseWriter wraps the real http.ResponseWriter to observe the upstream
// handler's output in the same pass it forwards it to the client, per spec.md §4.7: a
// complete application/json body is buffered and handed to onJSON once finished; a
// text/event-stream body is teed event-by-event via sseTee as it is written, never
// buffered as a whole. Grounded on the teacher's lockedWriteFlusher (mutex-guarded
// Write+Flush over the underlying ResponseWriter) generalized to add the tap.
type tapResponseWriter struct {
	http.ResponseWriter
	flusher http.Flusher

	wroteHeader bool
	statusCode  int
	contentType string

	jsonBuf bytes.Buffer
	sse     *sseTee

	onJSON func(status int, body []byte)
}

func newTapResponseWriter(w http.ResponseWriter, onJSON func(status int, body []byte), onSSEFrame func(id string, data []byte)) *tapResponseWriter {
	f, _ := w.(http.Flusher)
	t := &tapResponseWriter{ResponseWriter: w, flusher: f, onJSON: onJSON}
	t.sse = newSSETee(onSSEFrame)
	return t
}

func (t *tapResponseWriter) WriteHeader(status int) {
	if t.wroteHeader {
		return
	}
	t.wroteHeader = true
	t.statusCode = status
	t.contentType = t.Header().Get("Content-Type")
	t.ResponseWriter.WriteHeader(status)
}

func (t *tapResponseWriter) Write(p []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.ResponseWriter.Write(p)
	if err != nil {
		return n, err
	}
	switch {
	case strings.HasPrefix(t.contentType, "application/json"):
		t.jsonBuf.Write(p[:n])
	case strings.HasPrefix(t.contentType, "text/event-stream"):
		t.sse.feed(p[:n])
	}
	return n, err
}

func (t *tapResponseWriter) Flush() {
	if t.flusher != nil {
		t.flusher.Flush()
	}
}

// finish must be called once the upstream handler has returned. It delivers the
// buffered JSON body to onJSON, if any was observed; SSE frames were already delivered
// incrementally by Write.
func (t *tapResponseWriter) finish() {
	if strings.HasPrefix(t.contentType, "application/json") && t.onJSON != nil && t.jsonBuf.Len() > 0 {
		t.onJSON(t.statusCode, t.jsonBuf.Bytes())
	}
}
