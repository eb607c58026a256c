package stagerunner

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"bidflow/domain"
	"bidflow/eventbus"
	"bidflow/idempotency"
	"bidflow/llm"
	"bidflow/statestore"
	"bidflow/workflowerr"
)

// flakyModel fails the first failCount calls with a Transient-shaped error
// then succeeds, letting tests exercise the Stage Runner's own retry loop
// without depending on llm.MockChatModel's static Err field.
type flakyModel struct {
	failCount int32
	calls     int32
	out       llm.ChatOut
}

func (f *flakyModel) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (llm.ChatOut, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failCount {
		return llm.ChatOut{}, context.DeadlineExceeded
	}
	return f.out, nil
}

func newTestState(wf domain.Workflow) domain.State {
	return domain.NewState(wf.ID, wf.ProjectID, wf.UserID, wf.SessionKey, time.Now())
}

func setup(t *testing.T, model llm.ChatModel) (*Runner, statestore.Store, domain.Workflow) {
	t.Helper()
	store := statestore.NewMemory()
	bus := eventbus.New(store)
	ledger := idempotency.NewMemory()
	runner := New(store, ledger, bus, model)

	wf, err := store.CreateWorkflow(context.Background(), uuid.New(), uuid.New(), "sess-1", domain.FixedStages)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return runner, store, wf
}

func TestRunCompletesAndPersistsOutput(t *testing.T) {
	runner, store, wf := setup(t, &llm.MockChatModel{Responses: []llm.ChatOut{{Text: `{"requirements":["a"]}`}}})
	state := newTestState(wf)

	stage := Stage{Name: "parser", BuildInput: func(s domain.State) ([]llm.Message, error) {
		return []llm.Message{{Role: llm.RoleUser, Content: "go"}}, nil
	}}

	out, err := runner.Run(context.Background(), state, stage)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"requirements":["a"]}` {
		t.Errorf("unexpected output: %s", out)
	}

	task, err := store.GetTask(context.Background(), wf.ID, "parser")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != domain.StatusCompleted {
		t.Errorf("task status = %s, want Completed", task.Status)
	}
	if string(task.Output) != `{"requirements":["a"]}` {
		t.Errorf("persisted output = %s, want the parsed result", task.Output)
	}
}

func TestRunRetriesTransientFailureThenSucceeds(t *testing.T) {
	model := &flakyModel{failCount: 2, out: llm.ChatOut{Text: `{"ok":true}`}}
	runner, _, wf := setup(t, model)
	runner.rng = nil // exercise the fallback jitter path too
	state := newTestState(wf)

	stage := Stage{
		Name:    "analysis",
		Timeout: 0, // BuildInput has no real deadline; flakyModel returns DeadlineExceeded directly
		BuildInput: func(s domain.State) ([]llm.Message, error) {
			return []llm.Message{{Role: llm.RoleUser, Content: "go"}}, nil
		},
	}

	out, err := runner.Run(context.Background(), state, stage)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("unexpected output: %s", out)
	}
	if model.calls != 3 {
		t.Errorf("expected exactly 3 attempts (2 failures + 1 success), got %d", model.calls)
	}
}

func TestRunExhaustsRetriesAndFailsTask(t *testing.T) {
	model := &flakyModel{failCount: 10, out: llm.ChatOut{Text: `{"ok":true}`}}
	runner, store, wf := setup(t, model)
	state := newTestState(wf)

	bus := runner.Bus
	stream, err := bus.Subscribe(context.Background(), wf.SessionKey, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	stage := Stage{Name: "qa", BuildInput: func(s domain.State) ([]llm.Message, error) {
		return []llm.Message{{Role: llm.RoleUser, Content: "go"}}, nil
	}}

	_, err = runner.Run(context.Background(), state, stage)
	if err == nil {
		t.Fatal("expected Run to return an error after exhausting retries")
	}
	if !workflowerr.Is(err, workflowerr.Transient) {
		t.Errorf("expected a Transient-kind error, got %v", err)
	}
	if model.calls != retryMaxAttempts {
		t.Errorf("expected %d attempts, got %d", retryMaxAttempts, model.calls)
	}

	task, err := store.GetTask(context.Background(), wf.ID, "qa")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != domain.StatusFailed {
		t.Errorf("task status = %s, want Failed", task.Status)
	}
	if len(task.ErrorLog) != 1 {
		t.Fatalf("expected one structured error log entry, got %d", len(task.ErrorLog))
	}

	var sawFailed, sawManualIntervention bool
	for i := 0; i < 3; i++ { // qa_started, qa_failed, manual_intervention_required
		select {
		case ev := <-stream.Events():
			switch ev.Type {
			case eventbus.StageEventType("qa", "failed"):
				sawFailed = true
			case eventbus.TypeManualInterventionNeeded:
				sawManualIntervention = true
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for failure events")
		}
	}
	if !sawFailed || !sawManualIntervention {
		t.Errorf("expected both qa_failed and manual_intervention_required events, got failed=%v manual=%v", sawFailed, sawManualIntervention)
	}
}

func TestRunWrapsBuildInputErrorAsValidation(t *testing.T) {
	runner, _, wf := setup(t, &llm.MockChatModel{})
	state := newTestState(wf)

	stage := Stage{Name: "content", BuildInput: func(s domain.State) ([]llm.Message, error) {
		return nil, context.DeadlineExceeded
	}}

	_, err := runner.Run(context.Background(), state, stage)
	if !workflowerr.Is(err, workflowerr.Validation) {
		t.Errorf("expected a Validation-kind error from a failing BuildInput, got %v", err)
	}
}

func TestParseOutputDefaultsToFallback(t *testing.T) {
	var got json.RawMessage = llm.ParseOutput("not json")
	if string(got) != `{"output":"not json"}` {
		t.Errorf("ParseOutput fallback = %s", got)
	}
}
