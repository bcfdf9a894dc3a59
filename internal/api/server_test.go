package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/inletworks/inlet/internal/bridge"
	"github.com/inletworks/inlet/internal/capability"
	"github.com/inletworks/inlet/internal/history"
	"github.com/inletworks/inlet/internal/run"
	"github.com/inletworks/inlet/internal/schema"
	"github.com/inletworks/inlet/internal/tasks"
	"github.com/inletworks/inlet/internal/testutil"
)

func newTestServer(t *testing.T, handler bridge.Handler) *Server {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)

	hist := history.NewSQLiteStore(db)
	taskStore := tasks.NewStore(db)
	feed := history.NewFeed()
	runner := run.NewRunner(hist, taskStore, bridge.NewRegistry(), handler, run.WithFeed(feed))

	return &Server{
		Runner:    runner,
		History:   hist,
		Tasks:     taskStore,
		Feed:      feed,
		StartedAt: time.Now(),
	}
}

func echoHandler() bridge.Handler {
	return bridge.HandlerFunc(func(ctx context.Context, turn *bridge.Turn) error {
		return turn.Yield(ctx, "echo: "+turn.Message().Text())
	})
}

// streamSSE posts a message with an event-stream Accept header and
// returns the data payloads up to and including the sentinel.
func streamSSE(t *testing.T, server *Server, body []byte) []string {
	t.Helper()
	req := testutil.NewRequest(http.MethodPost, "/api/messages", body)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")

	rec := testutil.NewStreamRecorder()
	done := make(chan struct{})
	go func() {
		server.Handler().ServeHTTP(rec, req)
		_ = rec.Close()
		close(done)
	}()

	var payloads []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		payloads = append(payloads, data)
		if data == schema.DoneSentinel {
			break
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not finish")
	}
	if rec.HeaderMap.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type = %q", rec.HeaderMap.Get("Content-Type"))
	}
	return payloads
}

func TestMessagesStreamEndsWithSentinel(t *testing.T) {
	server := newTestServer(t, echoHandler())

	body, _ := json.Marshal(run.Inbound{Message: schema.UserMessage("hello")})
	payloads := streamSSE(t, server, body)

	if len(payloads) != 3 {
		t.Fatalf("got %d SSE payloads, want message + final + sentinel: %v", len(payloads), payloads)
	}
	if payloads[len(payloads)-1] != schema.DoneSentinel {
		t.Fatalf("stream did not end with sentinel: %v", payloads)
	}

	env, err := schema.UnmarshalEnvelope([]byte(payloads[0]))
	if err != nil {
		t.Fatalf("decode first payload: %v", err)
	}
	msg, ok := env.(schema.Message)
	if !ok || msg.Text() != "echo: hello" {
		t.Errorf("first payload = %+v", env)
	}

	env, err = schema.UnmarshalEnvelope([]byte(payloads[1]))
	if err != nil {
		t.Fatalf("decode final payload: %v", err)
	}
	update, ok := env.(schema.StatusUpdate)
	if !ok || update.Status.State != schema.StateCompleted || !update.Final {
		t.Errorf("final payload = %+v", env)
	}
}

func TestMessagesStreamErrorEnvelope(t *testing.T) {
	server := newTestServer(t, echoHandler())

	body, _ := json.Marshal(run.Inbound{
		ContextID: "no-such-context",
		Message:   schema.UserMessage("hello"),
	})
	payloads := streamSSE(t, server, body)

	if len(payloads) != 2 {
		t.Fatalf("got %d SSE payloads, want error + sentinel: %v", len(payloads), payloads)
	}
	var wireErr schema.WireError
	if err := json.Unmarshal([]byte(payloads[0]), &wireErr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if wireErr.Error.StatusCode != http.StatusNotFound || wireErr.Error.Type != "not_found" {
		t.Errorf("error envelope = %+v", wireErr)
	}
	if payloads[1] != schema.DoneSentinel {
		t.Errorf("error stream did not end with sentinel")
	}
}

func TestMessagesAggregateJSON(t *testing.T) {
	server := newTestServer(t, echoHandler())
	client := testutil.NewInProcessClient(server.Handler())

	body, _ := json.Marshal(run.Inbound{Message: schema.UserMessage("hi")})
	resp, err := client.Post("http://in-process/api/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	data, _ := testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}

	var result struct {
		ContextID string            `json:"context_id"`
		TaskID    string            `json:"task_id"`
		Events    []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.ContextID == "" || result.TaskID == "" {
		t.Errorf("missing ids in %s", data)
	}
	if len(result.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(result.Events))
	}
}

func TestTaskAndHistoryEndpoints(t *testing.T) {
	handler := bridge.HandlerFunc(func(ctx context.Context, turn *bridge.Turn) error {
		if err := turn.Yield(ctx, "working on it"); err != nil {
			return err
		}
		return turn.Yield(ctx, schema.Artifact{Name: "result", Parts: []schema.Part{schema.TextPart("42")}})
	})
	server := newTestServer(t, handler)
	client := testutil.NewInProcessClient(server.Handler())

	body, _ := json.Marshal(run.Inbound{Message: schema.UserMessage("compute")})
	resp, err := client.Post("http://in-process/api/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var result struct {
		ContextID string `json:"context_id"`
		TaskID    string `json:"task_id"`
	}
	data, _ := testutil.ReadAll(resp)
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, err = client.Get("http://in-process/api/tasks/" + result.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	data, _ = testutil.ReadAll(resp)
	var task tasks.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status.State != schema.StateCompleted {
		t.Errorf("task state = %s, want completed", task.Status.State)
	}

	resp, err = client.Get("http://in-process/api/contexts/" + result.ContextID + "/history")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	data, _ = testutil.ReadAll(resp)
	var items []history.Item
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	// inbound message, yielded message, artifact, final status
	if len(items) != 4 {
		t.Fatalf("history items = %d, want 4: %s", len(items), data)
	}

	resp, err = client.Get("http://in-process/api/contexts/" + result.ContextID + "/history?raw=1")
	if err != nil {
		t.Fatalf("get raw history: %v", err)
	}
	data, _ = testutil.ReadAll(resp)
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode raw history: %v", err)
	}
	if len(raw) != 4 {
		t.Fatalf("raw envelopes = %d, want 4", len(raw))
	}
	if env, err := schema.UnmarshalEnvelope(raw[0]); err != nil || env.EnvelopeKind() != schema.KindMessage {
		t.Fatalf("first raw envelope should be a message, got %v err=%v", env, err)
	}

	// Truncating across the artifact without force is refused.
	truncBody, _ := json.Marshal(map[string]any{"from_id": items[1].ID})
	resp, err = client.Post("http://in-process/api/contexts/"+result.ContextID+"/truncate", "application/json", bytes.NewReader(truncBody))
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		data, _ = testutil.ReadAll(resp)
		t.Fatalf("truncate status = %d, want conflict: %s", resp.StatusCode, data)
	}
	testutil.ReadAll(resp)

	truncBody, _ = json.Marshal(map[string]any{"from_id": items[1].ID, "force": true})
	resp, err = client.Post("http://in-process/api/contexts/"+result.ContextID+"/truncate", "application/json", bytes.NewReader(truncBody))
	if err != nil {
		t.Fatalf("forced truncate: %v", err)
	}
	data, _ = testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forced truncate status = %d: %s", resp.StatusCode, data)
	}
	var removed struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(data, &removed); err != nil {
		t.Fatalf("decode truncate result: %v", err)
	}
	if removed.Removed != 3 {
		t.Errorf("removed = %d, want 3", removed.Removed)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	server := newTestServer(t, echoHandler())
	client := testutil.NewInProcessClient(server.Handler())

	resp, err := client.Get("http://in-process/api/tasks/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var wireErr schema.WireError
	if err := json.Unmarshal(data, &wireErr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if wireErr.Error.Type != "not_found" {
		t.Errorf("error type = %q", wireErr.Error.Type)
	}
}

func TestTokenMintEndpoint(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	server := newTestServer(t, echoHandler())
	server.Tokens = capability.NewService(priv, capability.StaticDirectory{
		"alice": capability.Grant{capability.KindFiles: {"read", "write"}},
	})
	server.AdminToken = "sesame"
	mux := server.Handler()
	client := testutil.NewInProcessClient(mux)

	body, _ := json.Marshal(map[string]any{
		"subject": "alice",
		"global":  map[string][]string{"files": {"read"}},
		"ttl":     "1h",
	})

	req := testutil.NewRequest(http.MethodPost, "/api/tokens", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	data, _ := testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("mint without admin token: status = %d: %s", resp.StatusCode, data)
	}

	req = testutil.NewRequest(http.MethodPost, "/api/tokens", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "sesame")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	data, _ = testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mint status = %d: %s", resp.StatusCode, data)
	}
	var minted struct {
		Token []byte `json:"token"`
		ID    string `json:"id"`
	}
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("decode mint result: %v", err)
	}
	if len(minted.Token) == 0 || minted.ID == "" {
		t.Errorf("mint result = %s", data)
	}

	// Escalation beyond the subject's own rights is refused.
	body, _ = json.Marshal(map[string]any{
		"subject": "alice",
		"global":  map[string][]string{"files": {"*"}},
	})
	req = testutil.NewRequest(http.MethodPost, "/api/tokens", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "sesame")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	data, _ = testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("escalating mint status = %d, want forbidden: %s", resp.StatusCode, data)
	}
}

func TestSuspendResumeOverHTTP(t *testing.T) {
	handler := bridge.HandlerFunc(func(ctx context.Context, turn *bridge.Turn) error {
		answer, err := turn.RequireAuth(ctx, "authorize the deploy", map[string]any{"provider": "ci"})
		if err != nil {
			return err
		}
		return turn.Yield(ctx, fmt.Sprintf("deploying with %s", answer.Text()))
	})
	server := newTestServer(t, handler)

	body, _ := json.Marshal(run.Inbound{Message: schema.UserMessage("deploy now")})
	payloads := streamSSE(t, server, body)
	if len(payloads) != 2 {
		t.Fatalf("first turn: %d payloads, want update + sentinel: %v", len(payloads), payloads)
	}
	env, err := schema.UnmarshalEnvelope([]byte(payloads[0]))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	update, ok := env.(schema.StatusUpdate)
	if !ok || update.Status.State != schema.StateAuthRequired {
		t.Fatalf("first turn ended with %+v, want auth_required", env)
	}
	if update.Final {
		t.Errorf("suspension must not be final")
	}

	body, _ = json.Marshal(run.Inbound{
		ContextID: update.ContextID,
		TaskID:    update.TaskID,
		Message:   schema.UserMessage("approval granted"),
	})
	payloads = streamSSE(t, server, body)
	if payloads[len(payloads)-1] != schema.DoneSentinel {
		t.Fatalf("second turn missing sentinel: %v", payloads)
	}
	env, err = schema.UnmarshalEnvelope([]byte(payloads[0]))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, ok := env.(schema.Message)
	if !ok || msg.Text() != "deploying with approval granted" {
		t.Errorf("resumed output = %+v", env)
	}
}
