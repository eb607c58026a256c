// Package entryhandler implements the Entry Handler (spec.md §4.8): a
// thin net/http + chi adapter that validates the request shape, resolves
// start-vs-resume through session.Resumer, drives scheduler.Executor, and
// streams the events the Graph Executor publishes back to the caller as
// Server-Sent Events. Grounded on the pack's chi usage (kadirpekel-hector's
// http_metrics_middleware.go flusher pattern) for the streaming response;
// the router itself is new since the teacher has no HTTP surface.
package entryhandler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bidflow/domain"
	"bidflow/eventbus"
	"bidflow/scheduler"
	"bidflow/session"
	"bidflow/workflowerr"
)

// request mirrors spec.md §6's entry-point request body.
type request struct {
	ProjectID uuid.UUID `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`
	SessionID string    `json:"session_id"`
	Start     bool      `json:"start"`
	UserInput *struct {
		Chat         string `json:"chat"`
		ContentEdits []struct {
			ArtifactID uuid.UUID       `json:"artifact_id"`
			Content    json.RawMessage `json:"content"`
		} `json:"content_edits"`
	} `json:"user_input"`
}

const minSessionIDLength = 10

// validate applies spec.md §6's validation rules: session_id length >= 10,
// start=true forbids user_input, user_input required if start=false.
func (r request) validate() error {
	if len(r.SessionID) < minSessionIDLength {
		return workflowerr.New(workflowerr.Validation, "session_id must be at least 10 characters")
	}
	if r.Start && r.UserInput != nil {
		return workflowerr.New(workflowerr.Validation, "start=true forbids user_input")
	}
	if !r.Start && r.UserInput == nil {
		return workflowerr.New(workflowerr.Validation, "user_input is required when start=false")
	}
	return nil
}

// Handler wires session.Resumer + scheduler.Executor + eventbus.Bus
// together behind a chi router.
type Handler struct {
	Resumer  *session.Resumer
	Executor *scheduler.Executor
	Bus      *eventbus.Bus
}

// New constructs a chi router exposing POST /workflows as the single entry
// point spec.md §6 describes.
func New(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/workflows", h.handleInvoke)
	return r
}

func (h *Handler) handleInvoke(w http.ResponseWriter, req *http.Request) {
	var body request
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, workflowerr.New(workflowerr.Validation, "malformed request body"))
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, err)
		return
	}

	in := session.Input{
		ProjectID:  body.ProjectID,
		UserID:     body.UserID,
		SessionKey: body.SessionID,
		Start:      body.Start,
	}
	if body.UserInput != nil {
		in.Chat = body.UserInput.Chat
		for _, e := range body.UserInput.ContentEdits {
			in.ContentEdits = append(in.ContentEdits, domain.ContentEdit{ArtifactID: e.ArtifactID, Content: e.Content})
		}
	}

	ctx := req.Context()
	state, err := h.Resumer.Resolve(ctx, in)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, workflowerr.New(workflowerr.Internal, "response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := h.Bus.Subscribe(streamCtx, state.SessionKey, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.Executor.Run(ctx, state)
	}()

	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			sse, err := ev.SSE()
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte(sse))
			flusher.Flush()
			if isTerminal(ev.Type) {
				return
			}
		case <-done:
			// Executor returned without a further terminal event (e.g. an
			// early validation failure before any publish); drain any
			// already-queued events once more, then stop.
			drainRemaining(w, flusher, stream)
			return
		case <-ctx.Done():
			return
		}
	}
}

func drainRemaining(w http.ResponseWriter, flusher http.Flusher, stream eventbus.Stream) {
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			if sse, err := ev.SSE(); err == nil {
				_, _ = w.Write([]byte(sse))
				flusher.Flush()
			}
		default:
			return
		}
	}
}

func isTerminal(t eventbus.Type) bool {
	return t == eventbus.TypeWorkflowCompleted || t == eventbus.TypeAwaitingFeedback || t == eventbus.TypeErrorOccurred
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := workflowerr.Internal
	var we *workflowerr.Error
	if errors.As(err, &we) {
		kind = we.Kind
		switch kind {
		case workflowerr.Validation:
			status = http.StatusBadRequest
		case workflowerr.NotFound:
			status = http.StatusNotFound
		case workflowerr.Conflict:
			status = http.StatusConflict
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code":        string(kind),
		"error_message":     err.Error(),
		"suggested_actions": workflowerr.SuggestedActions(kind),
	})
}
