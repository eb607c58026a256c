// Command bidflowd runs the bid workflow scheduler as a standalone HTTP
// process: it wires the State Store, Event Bus, Idempotency Ledger, LLM
// model, Stage Runner, Graph Executor, Session Resumer and Entry Handler
// together and serves the entry point over HTTP, plus a /metrics endpoint
// for Prometheus scraping. Grounded on the teacher's
// examples/prometheus_monitoring/main.go wiring style (numbered setup
// steps, graceful shutdown on SIGINT/SIGTERM, a background metrics
// listener) generalized from a single in-process demo loop into a real
// server process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"bidflow/domain"
	"bidflow/entryhandler"
	"bidflow/eventbus"
	"bidflow/idempotency"
	"bidflow/llm"
	"bidflow/llm/anthropic"
	"bidflow/llm/google"
	"bidflow/llm/openai"
	"bidflow/scheduler"
	"bidflow/session"
	"bidflow/stagerunner"
	"bidflow/statestore"
	"bidflow/telemetry"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address for the entry point")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP listen address for /metrics")
	backend := flag.String("store", "memory", "state store backend: memory, sqlite, mysql")
	dsn := flag.String("dsn", "bidflow.db", "sqlite file path or mysql DSN, depending on -store")
	provider := flag.String("llm", "mock", "LLM provider: anthropic, openai, google, mock")
	modelName := flag.String("model", "", "provider-specific model name")
	flag.Parse()

	log.Println("1. opening state store backend:", *backend)
	store, err := openStore(*backend, *dsn)
	if err != nil {
		log.Fatalf("opening state store: %v", err)
	}
	defer store.Close()

	log.Println("2. constructing event bus, idempotency ledger, metrics registry")
	bus := eventbus.New(store)
	ledger := idempotency.NewMemory()
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	tracer := otel.Tracer("bidflow")

	log.Println("3. selecting LLM provider:", *provider)
	model, err := openModel(*provider, *modelName)
	if err != nil {
		log.Fatalf("constructing LLM model: %v", err)
	}

	log.Println("4. wiring stage runner, export function, and the fixed stage sequence")
	runner := stagerunner.New(store, ledger, bus, model)
	runner.Metrics = metrics
	runner.Tracer = tracer
	stages := buildStages()
	exportFn := objectStorageExport()

	exec := scheduler.New(store, bus, runner, stages, exportFn)
	exec.Metrics = metrics

	resumer := session.New(store, bus, domain.FixedStages)

	log.Println("5. mounting the entry handler and metrics endpoint")
	mux := http.NewServeMux()
	mux.Handle("/", entryhandler.New(&entryhandler.Handler{Resumer: resumer, Executor: exec, Bus: bus}))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: *addr, Handler: mux}
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: metricsMux}

	go func() {
		log.Println("entry point listening on", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("entry point server error: %v", err)
		}
	}()
	go func() {
		log.Println("metrics listening on", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	bus.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = metricsSrv.Shutdown(ctx)
}

func openStore(backend, dsn string) (statestore.Store, error) {
	switch backend {
	case "sqlite":
		return statestore.NewSQLite(dsn)
	case "mysql":
		return statestore.NewMySQL(dsn)
	default:
		return statestore.NewMemory(), nil
	}
}

func openModel(provider, modelName string) (llm.ChatModel, error) {
	switch provider {
	case "anthropic":
		return anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), modelName), nil
	case "openai":
		return openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), modelName), nil
	case "google":
		return google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), modelName), nil
	default:
		return &llm.MockChatModel{Responses: []llm.ChatOut{{Text: `{"output":"mock response"}`}}}, nil
	}
}

// buildStages renders each fixed stage's system prompt and input contract.
// The prompts themselves are placeholders a deployment is expected to
// replace; the shape (one BuildInput closure per stage, reading only the
// ephemeral State) is what SPEC_FULL.md's data-driven stage contract
// requires.
func buildStages() map[string]stagerunner.Stage {
	prompts := map[string]string{
		"parser":     "Extract structured requirements from the bid document.",
		"analysis":   "Analyze the extracted requirements and summarize fit and risk.",
		"content":    "Draft the requested bid artifacts from the analysis.",
		"compliance": "Check the drafted artifacts against compliance rules.",
		"qa":         "Perform a final quality pass over the drafted artifacts.",
		"comms":      "Draft client-facing communications about this bid.",
		"submission": "Prepare the final submission email draft.",
	}
	stages := map[string]stagerunner.Stage{}
	for _, name := range domain.FixedStages {
		name := name
		stages[name] = stagerunner.Stage{
			Name:    name,
			Timeout: 2 * time.Minute,
			BuildInput: func(s domain.State) ([]llm.Message, error) {
				return []llm.Message{
					{Role: llm.RoleSystem, Content: prompts[name]},
					{Role: llm.RoleUser, Content: string(stateContext(s))},
				}, nil
			},
		}
	}
	return stages
}

// stateContext renders the parts of State every stage's prompt needs:
// prior stage outputs and any pending user feedback.
func stateContext(s domain.State) []byte {
	ctx, _ := json.Marshal(map[string]any{
		"task_outputs":    s.TaskOutputs,
		"user_feedback":   s.UserFeedback,
		"feedback_intent": s.FeedbackIntent,
	})
	return ctx
}

// objectStorageExport is a placeholder ExportFunc; object storage is an
// external collaborator per spec.md §1 and is expected to be swapped for a
// real client (e.g. an S3-compatible SDK) at deployment time. Each
// artifact's upload is independent of the others, so they fan out under an
// errgroup rather than uploading one at a time.
func objectStorageExport() scheduler.ExportFunc {
	return func(ctx context.Context, s domain.State) (map[string]string, error) {
		var mu sync.Mutex
		locations := make(map[string]string, len(s.ArtifactIDs))

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range s.ArtifactIDs {
			id := id
			g.Go(func() error {
				location, err := uploadArtifact(gctx, id)
				if err != nil {
					return err
				}
				mu.Lock()
				locations[id.String()] = location
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return locations, nil
	}
}

// uploadArtifact stands in for the object storage client's put call.
func uploadArtifact(ctx context.Context, id uuid.UUID) (string, error) {
	return "file:///exports/" + id.String(), nil
}
