package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/swarmguard/tasker/internal/config"
	"github.com/swarmguard/tasker/internal/logging"
	"github.com/swarmguard/tasker/internal/taskrequest"
	"github.com/swarmguard/tasker/internal/telemetry"
	"github.com/swarmguard/tasker/pkg/tasker/audit"
	"github.com/swarmguard/tasker/pkg/tasker/coordinator"
	"github.com/swarmguard/tasker/pkg/tasker/diagram"
	"github.com/swarmguard/tasker/pkg/tasker/eventbus"
	"github.com/swarmguard/tasker/pkg/tasker/finalizer"
	"github.com/swarmguard/tasker/pkg/tasker/model"
	"github.com/swarmguard/tasker/pkg/tasker/reenqueue"
	"github.com/swarmguard/tasker/pkg/tasker/registry"
	"github.com/swarmguard/tasker/pkg/tasker/resilience"
	"github.com/swarmguard/tasker/pkg/tasker/store"
	"github.com/swarmguard/tasker/pkg/tasker/templatecache"
)

const serviceName = "taskerd"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the Tasker HTTP API and background coordinator loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

// dispatchRunner bridges the reenqueue.Dispatcher interface to a coordinator
// pass followed by a finalizer decision — the "run execute_workflow(task)
// again" a due reenqueue row actually means. finalizer is set after
// construction to break the Scheduler<->Finalizer initialization cycle: the
// Scheduler needs a Dispatcher at construction, the Finalizer needs the
// Scheduler (as a Reenqueuer) at construction, but neither's Dispatch/
// Finalize method runs until the HTTP server and cron loops are started.
type dispatchRunner struct {
	coordinator   *coordinator.Coordinator
	finalizer     *finalizer.Finalizer
	maxConcurrent int
}

func (r *dispatchRunner) Dispatch(ctx context.Context, taskID string) error {
	if _, err := r.coordinator.ExecuteWorkflow(ctx, taskID, r.maxConcurrent); err != nil {
		return err
	}
	_, err := r.finalizer.Finalize(ctx, taskID)
	return err
}

// taskCreatorAdapter adapts taskrequest.Service's richer Request/Result
// shape to reenqueue.TaskCreator's bare (namedTaskID, context) -> taskID
// signature, the one a cron-scheduled recurring task actually needs.
type taskCreatorAdapter struct {
	svc *taskrequest.Service
}

func (a taskCreatorAdapter) CreateTask(ctx context.Context, namedTaskID string, taskContext json.RawMessage) (string, error) {
	result, err := a.svc.CreateTask(ctx, taskrequest.Request{
		NamedTaskID:  namedTaskID,
		Context:      taskContext,
		SourceSystem: "cron",
	})
	if err != nil {
		return "", err
	}
	return result.TaskID, nil
}

func serve() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer := telemetry.InitTracer(ctx, serviceName)
	meter, shutdownMeter := telemetry.InitMeter(ctx, serviceName)

	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	cache, err := templatecache.Open(cfg.TemplateCache.Path, st, meter)
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := cache.Warm(ctx); err != nil {
		return err
	}

	reg := registry.New()
	registry.RegisterBuiltins(reg)

	bus := eventbus.New()
	bus.AddSink(audit.NewLog())
	var nc *nats.Conn
	if cfg.Events.NatsURL != "" {
		nc, err = nats.Connect(cfg.Events.NatsURL)
		if err != nil {
			slog.Warn("nats connect failed, continuing without cross-process fan-out", "error", err)
		} else {
			defer nc.Close()
			bus.AddSink(eventbus.NewNatsSink(nc, cfg.Events.Subject))
		}
	}

	isCancelled := func(ctx context.Context, taskID string) (bool, error) {
		state, err := st.CurrentTaskState(ctx, taskID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return state == model.TaskCancelled, nil
	}
	coord := coordinator.New(st, bus, reg, isCancelled, meter)

	runner := &dispatchRunner{coordinator: coord, maxConcurrent: cfg.Execution.MaxConcurrentStepsLimit}
	sched := reenqueue.New(st, bus, runner, meter)
	fin := finalizer.New(st, bus, sched, finalizer.NewInMemoryStreakTracker())
	runner.finalizer = fin

	if err := sched.Start(); err != nil {
		return err
	}
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shCancel()
		_ = sched.Stop(shCtx)
	}()

	taskreqSvc := taskrequest.New(st, cache, bus)
	taskCron := reenqueue.NewTaskCron(taskCreatorAdapter{svc: taskreqSvc}, bus, meter)
	taskCron.Start()
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shCancel()
		_ = taskCron.Stop(shCtx)
	}()

	mux := buildMux(cfg, st, coord, taskreqSvc)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("taskerd started", "addr", cfg.Server.Addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	telemetry.Flush(shCtx, shutdownTracer)
	telemetry.Flush(shCtx, shutdownMeter)
	slog.Info("shutdown complete")
	return nil
}

func buildMux(cfg *config.Config, st *store.Store, coord *coordinator.Coordinator, taskreqSvc *taskrequest.Service) *http.ServeMux {
	mux := http.NewServeMux()

	taskCreateLimiter := resilience.NewRateLimiter(
		cfg.Server.TaskCreateBurst, cfg.Server.TaskCreateRatePerSec, time.Second, 0,
	)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := st.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/health/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(st.Stats())
	})

	if cfg.Telemetry.MetricsEnabled && cfg.Telemetry.MetricsFormat == "prometheus" {
		mux.Handle("/metrics", telemetry.PrometheusHandler())
	}

	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !taskCreateLimiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "task creation rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		var body struct {
			NamedTaskID  string          `json:"named_task_id"`
			Context      json.RawMessage `json:"context"`
			Initiator    string          `json:"initiator"`
			SourceSystem string          `json:"source_system"`
			Reason       string          `json:"reason"`
			Tags         []string        `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		req := taskrequest.Request{
			NamedTaskID:  body.NamedTaskID,
			Context:      body.Context,
			Initiator:    body.Initiator,
			SourceSystem: body.SourceSystem,
			Reason:       body.Reason,
			Tags:         body.Tags,
		}
		result, err := taskreqSvc.CreateTask(r.Context(), req)
		if err != nil {
			var schemaErr *taskrequest.ErrSchemaValidation
			if errors.As(err, &schemaErr) {
				http.Error(w, schemaErr.Error(), http.StatusUnprocessableEntity)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status := http.StatusCreated
		if result.Duplicate {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(result)
	})

	mux.HandleFunc("/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		taskID, sub, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/v1/tasks/"), "/")
		if taskID == "" {
			http.NotFound(w, r)
			return
		}
		switch sub {
		case "":
			task, err := st.GetTask(r.Context(), taskID)
			if errors.Is(err, store.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(task)
		case "run":
			outcome, err := coord.ExecuteWorkflow(r.Context(), taskID, 0)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
		case "diagram":
			rows, err := st.Readiness(r.Context(), taskID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			edges, err := st.EdgesForTask(r.Context(), taskID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			d := diagram.Build(taskID, rows, edges)
			if r.URL.Query().Get("format") == "mermaid" {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte(d.Mermaid()))
				return
			}
			_ = json.NewEncoder(w).Encode(d)
		default:
			http.NotFound(w, r)
		}
	})

	return mux
}
