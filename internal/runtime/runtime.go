// Package runtime assembles the media pipeline: engines, stores,
// registry, worker, transports and the HTTP surface, and owns their
// startup and shutdown order.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartflowcrm/voicecore/internal/breaker"
	"github.com/smartflowcrm/voicecore/internal/bus"
	"github.com/smartflowcrm/voicecore/internal/config"
	"github.com/smartflowcrm/voicecore/internal/events"
	"github.com/smartflowcrm/voicecore/internal/failover"
	"github.com/smartflowcrm/voicecore/internal/handoff"
	"github.com/smartflowcrm/voicecore/internal/intent"
	"github.com/smartflowcrm/voicecore/internal/latency"
	"github.com/smartflowcrm/voicecore/internal/llm"
	"github.com/smartflowcrm/voicecore/internal/llmrouter"
	"github.com/smartflowcrm/voicecore/internal/memory"
	"github.com/smartflowcrm/voicecore/internal/natsserver"
	"github.com/smartflowcrm/voicecore/internal/registry"
	"github.com/smartflowcrm/voicecore/internal/session"
	"github.com/smartflowcrm/voicecore/internal/stt"
	"github.com/smartflowcrm/voicecore/internal/tenant"
	"github.com/smartflowcrm/voicecore/internal/transport"
	"github.com/smartflowcrm/voicecore/internal/tts"
	"github.com/smartflowcrm/voicecore/internal/worker"
)

// Version is stamped by the build; dev builds carry the default.
var Version = "0.1.0-dev"

type Runtime struct {
	cfg config.Config
	log *slog.Logger

	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	registry *registry.Registry
	worker   *worker.Worker
	breakers *breaker.Registry
	recorder *latency.Recorder
	handoffs *handoff.Queue
	failover *failover.Executor
	sttName  string
	ttsName  string
}

func New(cfg config.Config, log *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, log: log}
}

// Start brings the pipeline up and blocks until ctx is cancelled, then
// drains the worker and shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.log)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	var busClient *bus.Client
	if r.cfg.Events.Mode == "nats" || r.cfg.Registry.Store == "nats" {
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.log)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer busClient.Close()
	}

	mem, err := memory.Open(ctx, r.cfg.Memory, r.log)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer mem.Close()

	r.handoffs, err = handoff.NewQueue(ctx, mem.DB(), r.log)
	if err != nil {
		return fmt.Errorf("open handoff queue: %w", err)
	}

	var publisher events.Publisher
	if r.cfg.Events.Mode == "nats" && busClient != nil {
		publisher = events.NewNATSBus(busClient, r.log)
	} else {
		publisher = events.NewLocalBus(r.log)
	}
	defer publisher.Close()

	r.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: r.cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(r.cfg.Breaker.ResetTimeout) * time.Millisecond,
		HalfOpenMax:      r.cfg.Breaker.HalfOpenMax,
		CloseThreshold:   r.cfg.Breaker.CloseThreshold,
	}, r.log)
	r.breakers.SetTransitionHook(func(name, from, to string) {
		if err := publisher.Publish(context.Background(), events.SubjectBreaker, events.BreakerTransition(name, from, to)); err != nil {
			r.log.Warn("publish breaker transition failed", slog.String("error", err.Error()))
		}
	})

	sttEngine, err := stt.Select(r.cfg.STT, r.log)
	if err != nil {
		return fmt.Errorf("select stt engine: %w", err)
	}
	ttsEngine, err := tts.Select(r.cfg.TTS, r.log)
	if err != nil {
		return fmt.Errorf("select tts engine: %w", err)
	}
	localGen, remoteGen := llm.Select(r.cfg.LLM, r.log)
	classifier := intent.NewKeywordClassifier()
	r.sttName = sttEngine.Name()
	r.ttsName = ttsEngine.Name()
	r.failover = failover.NewExecutor(r.breakers, r.log)

	r.recorder = latency.NewRecorder(r.cfg.Latency.RingSize, r.log)

	var store registry.Store
	if r.cfg.Registry.Store == "nats" && busClient != nil {
		store, err = registry.NewNATSStore(busClient)
		if err != nil {
			return fmt.Errorf("open registry store: %w", err)
		}
	} else {
		store = registry.NewMemoryStore()
	}
	r.registry = registry.New(r.cfg.Registry, store, time.Duration(r.cfg.Worker.HeartbeatTimeout)*time.Millisecond, r.log)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.registry.RunEviction(ctx)
	}()

	r.worker = worker.New(r.cfg.Worker, r.registry, r.log)
	if err := r.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer r.worker.Close()

	deps := session.Deps{
		STT:        sttEngine,
		LocalSTT:   stt.NewLocalEngine(),
		TTS:        ttsEngine,
		LocalTTS:   tts.NewLocalSynth(r.cfg.TTS.Voice),
		Router:     llmrouter.New(classifier, localGen, remoteGen, r.breakers, r.cfg.LLM, r.log),
		Classifier: classifier,
		Tenants:    tenant.NewStaticStore(r.cfg.Tenants),
		Memory:     mem,
		Handoffs:   r.handoffs,
		Events:     publisher,
		Failover:   r.failover,
		Latency:    r.recorder,
		Session:    r.cfg.Session,
		Handoff:    r.cfg.Handoff,
		Retry:      r.cfg.Failover,
		Log:        r.log,
	}
	ws := transport.NewServer(deps, r.worker, r.cfg.Session, r.log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/telephony", ws.HandleTelephony)
	mux.HandleFunc("/v1/client", ws.HandleClient)
	mux.HandleFunc("/v1/route", r.handleRoute)
	mux.HandleFunc("/v1/workers", r.handleWorkers)
	mux.HandleFunc("/v1/breakers", r.handleBreakers)
	mux.HandleFunc("/v1/handoffs", r.handleHandoffs)
	mux.HandleFunc("/stats/latency", r.handleLatencyStats)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.log.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt", sttEngine.Name()),
		slog.String("tts", ttsEngine.Name()),
		slog.String("worker", r.cfg.Worker.ID))

	<-ctx.Done()
	r.ready.Store(false)
	r.log.Info("runtime stopping, draining worker")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(),
		time.Duration(r.cfg.Worker.DrainTimeout)*time.Millisecond+5*time.Second)
	defer cancelDrain()
	if err := r.worker.Drain(drainCtx); err != nil {
		r.log.Warn("worker drain incomplete", slog.String("error", err.Error()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.log.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	r.wg.Wait()

	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.log.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleRoute assigns (or reuses) a worker for a call so the ingress can
// pin the media stream to one process.
func (r *Runtime) handleRoute(w http.ResponseWriter, req *http.Request) {
	callID := req.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "call_id required", http.StatusBadRequest)
		return
	}
	entry, err := r.registry.Route(req.Context(), callID)
	if err != nil {
		if errors.Is(err, registry.ErrNoCapacity) {
			http.Error(w, "no capacity", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entry)
}

func (r *Runtime) handleWorkers(w http.ResponseWriter, req *http.Request) {
	entries, err := r.registry.Workers(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (r *Runtime) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.breakers.Statuses())
}

// handleHandoffs lists pending requests on GET and moves one through its
// lifecycle on POST.
func (r *Runtime) handleHandoffs(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		pending, err := r.handoffs.Pending(req.Context(), 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, pending)

	case http.MethodPost:
		var body struct {
			ID      string `json:"id"`
			Action  string `json:"action"` // assign, resolve
			AgentID string `json:"agentId"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		var err error
		switch body.Action {
		case "assign":
			err = r.handoffs.Assign(req.Context(), body.ID, body.AgentID)
		case "resolve":
			err = r.handoffs.Resolve(req.Context(), body.ID)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Runtime) handleLatencyStats(w http.ResponseWriter, req *http.Request) {
	window := time.Duration(r.cfg.Latency.StatsWindow) * time.Millisecond
	if raw := req.URL.Query().Get("window_ms"); raw != "" {
		var ms int
		if _, err := fmt.Sscanf(raw, "%d", &ms); err == nil && ms >= 0 {
			window = time.Duration(ms) * time.Millisecond
		}
	}
	writeJSON(w, struct {
		TextOnlyDegraded bool          `json:"text_only_degraded"`
		Stats            latency.Stats `json:"stats"`
	}{
		TextOnlyDegraded: r.failover.TextOnlyDegraded(r.sttName, r.ttsName),
		Stats:            r.recorder.Stats(window),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
