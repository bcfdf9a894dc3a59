package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
)

// transportFunc lets a plain function serve as an http.RoundTripper.
type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// NewInProcessClient returns an http.Client whose requests are served
// by handler directly, with no network listener in between.
func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{
		Transport: transportFunc(func(req *http.Request) (*http.Response, error) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			res := rec.Result()
			res.Request = req
			return res, nil
		}),
	}
}

// StreamRecorder is a ResponseWriter whose body is a pipe, so a test
// can read server-sent events while the handler is still writing them.
// httptest.ResponseRecorder buffers the whole body and cannot do that.
type StreamRecorder struct {
	HeaderMap http.Header
	Code      int

	// Body is the read end of the pipe. Reads block until the handler
	// writes or the recorder is closed.
	Body io.ReadCloser

	writer *io.PipeWriter
}

func NewStreamRecorder() *StreamRecorder {
	pr, pw := io.Pipe()
	return &StreamRecorder{
		HeaderMap: http.Header{},
		Code:      http.StatusOK,
		Body:      pr,
		writer:    pw,
	}
}

func (sr *StreamRecorder) Header() http.Header { return sr.HeaderMap }

func (sr *StreamRecorder) WriteHeader(statusCode int) { sr.Code = statusCode }

func (sr *StreamRecorder) Write(p []byte) (int, error) { return sr.writer.Write(p) }

// Flush satisfies http.Flusher; pipe writes are visible immediately.
func (sr *StreamRecorder) Flush() {}

// Close ends the body; pending and future reads see EOF.
func (sr *StreamRecorder) Close() error { return sr.writer.Close() }

// ReadAll drains and closes a response body.
func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// NewRequest builds a request against the in-process host.
func NewRequest(method, path string, body []byte) *http.Request {
	if body == nil {
		body = []byte{}
	}
	req, err := http.NewRequest(method, "http://in-process"+path, bytes.NewReader(body))
	if err != nil {
		panic(err)
	}
	return req
}
