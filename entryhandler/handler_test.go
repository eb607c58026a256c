package entryhandler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"bidflow/domain"
	"bidflow/eventbus"
	"bidflow/idempotency"
	"bidflow/llm"
	"bidflow/scheduler"
	"bidflow/session"
	"bidflow/stagerunner"
	"bidflow/statestore"
)

// newTestHandler wires a full in-memory stack (Memory store, in-process
// bus, mock model) behind the HTTP handler, mirroring how cmd/bidflowd would
// assemble the real process but with every collaborator faked or
// in-memory, the same shape as the teacher's server tests that build a
// real *server.HTTPServer over fake executors.
func newTestHandler(t *testing.T, model llm.ChatModel) http.Handler {
	t.Helper()

	store := statestore.NewMemory()
	bus := eventbus.New(store)
	ledger := idempotency.NewMemory()
	runner := stagerunner.New(store, ledger, bus, model)

	stages := map[string]stagerunner.Stage{}
	for _, name := range domain.FixedStages {
		name := name
		stages[name] = stagerunner.Stage{
			Name:    name,
			Timeout: time.Second,
			BuildInput: func(s domain.State) ([]llm.Message, error) {
				return []llm.Message{{Role: llm.RoleUser, Content: name}}, nil
			},
		}
	}

	export := func(ctx context.Context, s domain.State) (map[string]string, error) {
		return map[string]string{}, nil
	}
	exec := scheduler.New(store, bus, runner, stages, export)

	resumer := session.New(store, bus, domain.FixedStages)

	h := &Handler{Resumer: resumer, Executor: exec, Bus: bus}
	return New(h)
}

func validSessionID() string {
	return "session-" + uuid.New().String()
}

func TestHandleInvoke_ValidationErrors(t *testing.T) {
	h := newTestHandler(t, &llm.MockChatModel{})

	cases := []struct {
		name string
		body map[string]any
	}{
		{"short session id", map[string]any{"session_id": "short", "start": true}},
		{"start forbids user_input", map[string]any{
			"session_id": validSessionID(), "start": true,
			"user_input": map[string]any{"chat": "hi"},
		}},
		{"resume requires user_input", map[string]any{
			"session_id": validSessionID(), "start": false,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(tc.body)
			req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleInvoke_StartStreamsUntilAwaitingFeedback(t *testing.T) {
	model := &llm.MockChatModel{Responses: []llm.ChatOut{
		{Text: `{"requirements": ["r1"]}`},
		{Text: `{"summary": "ok"}`},
	}}
	h := newTestHandler(t, model)

	body, _ := json.Marshal(map[string]any{
		"session_id": validSessionID(),
		"start":      true,
	})
	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	var sawAwaitingFeedback bool
	var sawParserStarted bool
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			switch strings.TrimPrefix(line, "event: ") {
			case "awaiting_feedback":
				sawAwaitingFeedback = true
			case "parser_started":
				sawParserStarted = true
			}
		}
	}

	if !sawParserStarted {
		t.Errorf("expected a parser_started event in the stream, got:\n%s", rec.Body.String())
	}
	if !sawAwaitingFeedback {
		t.Errorf("expected an awaiting_feedback event in the stream, got:\n%s", rec.Body.String())
	}
}
