// Command orchestratord runs the construction-document analysis
// orchestrator as an HTTP daemon: it wires the State Store, Worker
// Registry, Intent Classifier, Route Planner, Brain Allocator, Event
// Broadcaster, and Decision Gate into a Manager, and exposes the spec
// §6.2 client interface over HTTP.
//
// Grounded on examples/orchestrator/main.go's wiring shape (env-driven
// configuration, conditional Redis-backed collaborators, a single
// http.ServeMux) adapted from the teacher's agent-discovery orchestrator
// to this package's fixed worker-registry orchestrator.
package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fieldstack/blueprint/api"
	"github.com/fieldstack/blueprint/brain"
	"github.com/fieldstack/blueprint/broadcast"
	"github.com/fieldstack/blueprint/config"
	"github.com/fieldstack/blueprint/core"
	"github.com/fieldstack/blueprint/decision"
	"github.com/fieldstack/blueprint/intent"
	"github.com/fieldstack/blueprint/manager"
	"github.com/fieldstack/blueprint/pkg/logger"
	"github.com/fieldstack/blueprint/planner"
	"github.com/fieldstack/blueprint/registry"
	"github.com/fieldstack/blueprint/state"
	"github.com/fieldstack/blueprint/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	base := logger.NewSimpleLogger()
	base.SetLevel(logger.GetLogLevel())
	log := &coreLoggerAdapter{l: base}

	cfg := config.New()

	reg, err := registry.New(registry.NewDefaultDescriptors(workerImplementations())...)
	if err != nil {
		stdlog.Fatalf("orchestratord: failed to build worker registry: %v", err)
	}

	storeOpts := []state.Option{state.WithLogger(log)}
	var decisionStore decision.Store = decision.NewMemoryStore()

	st := state.NewStore(reg, storeOpts...)

	if cfg.RedisURL != "" {
		if mirror, err := registry.NewRedisBackedRegistry(cfg.RedisURL, log); err != nil {
			log.Error("orchestratord: redis registry mirror unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			reg = reg.WithMirror(mirror)
		}

		if sink, err := state.NewRedisSink(cfg.RedisURL, st); err != nil {
			log.Error("orchestratord: redis state sink unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			st = state.NewStore(reg, append(storeOpts, state.WithSink(sink))...)
		}

		if rs, err := decision.NewRedisStore(cfg.RedisURL, log); err != nil {
			log.Error("orchestratord: redis decision store unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			decisionStore = rs
		}
	}

	classifier := intent.New(
		intent.WithConfidenceFloor(cfg.IntentConfidenceFloor),
		intent.WithLogger(log),
	)
	p := planner.New(reg)
	planCache := planner.NewCache(5 * time.Minute)

	overrides := make(map[string]brain.Tier, len(cfg.BrainTierOverrides))
	for worker, tier := range cfg.BrainTierOverrides {
		overrides[worker] = brain.Tier(tier)
	}
	alloc := brain.New(brain.WithOverrides(overrides))

	b := broadcast.New(broadcast.WithBufferSize(cfg.BroadcasterSubscriberBuffer), broadcast.WithLogger(log))

	var telem core.Telemetry = &core.NoOpTelemetry{}
	if cfg.OTelEndpoint != "" {
		if provider, err := telemetry.NewOTelProvider(cfg.ServiceName, cfg.OTelEndpoint); err != nil {
			log.Error("orchestratord: otel telemetry unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			telem = provider
			defer provider.Shutdown(context.Background())
		}
	}

	deps := manager.Deps{
		Store:         st,
		Registry:      reg,
		Classifier:    classifier,
		Planner:       p,
		PlanCache:     planCache,
		BrainAlloc:    alloc,
		Broadcaster:   b,
		DecisionStore: decisionStore,
	}
	mgr := manager.New(deps, cfg,
		manager.WithLogger(log),
		manager.WithTelemetry(telem),
		manager.WithDecisionScanInterval(cfg.DecisionTimeout/10),
	)
	defer mgr.Close()

	handler := api.New(st, mgr, b, mgr.Gate(), api.WithLogger(log), api.WithTelemetry(telem))

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := os.Getenv("ORCHESTRATORD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	corsConfig := core.DefaultCORSConfig()
	if allowed := os.Getenv("ORCHESTRATORD_CORS_ORIGINS"); allowed != "" {
		corsConfig.Enabled = true
		corsConfig.AllowedOrigins = strings.Split(allowed, ",")
	}

	var handlerChain http.Handler = mux
	handlerChain = otelhttp.NewHandler(handlerChain, "orchestratord")
	handlerChain = core.CORSMiddleware(corsConfig)(handlerChain)
	handlerChain = core.LoggingMiddleware(log, os.Getenv("ORCHESTRATORD_DEV") == "true")(handlerChain)

	srv := &http.Server{
		Addr:         addr,
		Handler:      handlerChain,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
	}

	go func() {
		log.Info("orchestratord: listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stdlog.Fatalf("orchestratord: server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("orchestratord: graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

// workerImplementations returns the external worker adapters this daemon
// dispatches to. Worker internals are out of scope (spec §1); operators
// wire their own LLM-backed extraction, takeoff calculators, and
// spreadsheet-service clients here. Left empty, every worker falls back to
// registry.NoOpWorker, which fails fatal at dispatch time rather than
// silently no-opping.
func workerImplementations() map[string]registry.Worker {
	return map[string]registry.Worker{}
}

// coreLoggerAdapter adapts pkg/logger.Logger's variadic key/value fields
// onto core.Logger's map[string]interface{} shape, so the rest of the
// module (state, decision, registry, broadcast, manager, intent, planner)
// can keep depending on the single core.Logger interface while the daemon
// entrypoint still uses the teacher's SimpleLogger for its actual output.
type coreLoggerAdapter struct {
	l logger.Logger
}

func flatten(fields map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func (a *coreLoggerAdapter) Info(msg string, fields map[string]interface{}) {
	a.l.Info(msg, flatten(fields)...)
}
func (a *coreLoggerAdapter) Warn(msg string, fields map[string]interface{}) {
	a.l.Warn(msg, flatten(fields)...)
}
func (a *coreLoggerAdapter) Error(msg string, fields map[string]interface{}) {
	a.l.Error(msg, flatten(fields)...)
}
func (a *coreLoggerAdapter) Debug(msg string, fields map[string]interface{}) {
	a.l.Debug(msg, flatten(fields)...)
}

func (a *coreLoggerAdapter) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	a.Info(msg, withTraceID(ctx, fields))
}
func (a *coreLoggerAdapter) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	a.Warn(msg, withTraceID(ctx, fields))
}
func (a *coreLoggerAdapter) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	a.Error(msg, withTraceID(ctx, fields))
}
func (a *coreLoggerAdapter) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	a.Debug(msg, withTraceID(ctx, fields))
}

func withTraceID(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	sessionID := manager.SessionIDFromContext(ctx)
	if sessionID == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["session_id"] = sessionID
	return out
}
