package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/inletworks/inlet/internal/run"
	"github.com/inletworks/inlet/internal/schema"
)

// handleMessages is the per-turn RPC. With an event-stream Accept
// header the response is SSE terminated by the done sentinel; otherwise
// the whole stream segment is aggregated into one JSON body.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var inbound run.Inbound
	if err := decodeJSON(r.Body, &inbound); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if wantsEventStream(r) {
		s.streamMessages(w, r, inbound)
		return
	}

	stream, err := s.Runner.HandleInbound(r.Context(), inbound)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var events []json.RawMessage
	for env := range stream.Events() {
		data, merr := schema.MarshalEnvelope(env)
		if merr != nil {
			continue
		}
		events = append(events, data)
	}
	if serr := stream.Err(); serr != nil {
		writeError(w, http.StatusInternalServerError, serr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"context_id": stream.ContextID,
		"task_id":    stream.TaskID,
		"events":     events,
	})
}

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, inbound run.Inbound) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	stream, err := s.Runner.HandleInbound(r.Context(), inbound)
	if err != nil {
		// The run never started; the stream still opens so the client
		// gets a well-formed error event and the sentinel.
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		status := statusFor(err)
		writeSSE(w, flusher, schema.NewWireError(status, errType(status), err.Error()))
		writeSSERaw(w, flusher, schema.DoneSentinel)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Context-Id", stream.ContextID)
	w.Header().Set("X-Task-Id", stream.TaskID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for env := range stream.Events() {
		data, merr := schema.MarshalEnvelope(env)
		if merr != nil {
			continue
		}
		writeSSERaw(w, flusher, string(data))
	}
	if serr := stream.Err(); serr != nil {
		writeSSE(w, flusher, schema.NewWireError(http.StatusInternalServerError, "internal", serr.Error()))
	}
	writeSSERaw(w, flusher, schema.DoneSentinel)
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	writeSSERaw(w, flusher, string(data))
}

func writeSSERaw(w http.ResponseWriter, flusher http.Flusher, data string) {
	_, _ = w.Write([]byte("data: " + data + "\n\n"))
	flusher.Flush()
}
