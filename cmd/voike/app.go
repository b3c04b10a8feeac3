package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/viant/afs"

	"github.com/rendis/voike/internal/engine"
	"github.com/rendis/voike/internal/flow"
	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/internal/scheduler"
	"github.com/rendis/voike/internal/store"
	"github.com/rendis/voike/internal/streaming"
	"github.com/rendis/voike/internal/validation"
	"github.com/rendis/voike/internal/vasm"
	"github.com/rendis/voike/pkg/schema"
)

// app is the wired runtime shared by every subcommand.
type app struct {
	cfg    Config
	logger *slog.Logger
	fs     afs.Service

	store     store.Store
	tables    *store.LibSQLStore
	hub       *streaming.MemoryHub
	events    *store.EventLog
	validator *validation.JSONSchemaValidator
	registry  *prometheus.Registry

	flow      *flow.Service
	queue     *scheduler.GridQueue
	scheduler *scheduler.Scheduler
	loader    *vasm.Loader

	recorderDone <-chan struct{}
	stop         context.CancelFunc
}

// newApp opens storage and wires the flow service, grid queue and
// scheduler. A DBPath of ":memory:" keeps everything in process.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		fs:       afs.New(),
		hub:      streaming.NewMemoryHub(),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector())

	if cfg.DBPath == ":memory:" {
		a.store = store.NewMemoryStore()
	} else {
		if err := os.MkdirAll(voikeDir(), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", voikeDir(), err)
		}
		lib, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.store = lib
		a.tables = lib
	}
	if err := a.store.Migrate(ctx); err != nil {
		a.store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		a.store.Close()
		return nil, err
	}
	a.validator = validator
	a.loader = vasm.NewLoader(validator)

	recCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stop = stop
	a.events = store.NewEventLog(a.store, logger)
	if a.recorderDone, err = a.events.Attach(recCtx, a.hub, streaming.EventFilter{}); err != nil {
		stop()
		a.store.Close()
		return nil, err
	}

	// The queue runs tickets through the service it feeds.
	var svc *flow.Service
	a.queue = scheduler.NewGridQueue(scheduler.TicketRunnerFunc(func(ctx context.Context, t flow.Ticket) (*schema.ExecutionResult, error) {
		return svc.RunTicket(ctx, t)
	}), scheduler.QueueConfig{Workers: cfg.Workers, Events: a.hub, Logger: logger})

	svc, err = flow.New(flow.Config{
		Executor: engine.ExecutorConfig{
			AutoAsyncThreshold: cfg.AutoAsyncThreshold,
			Tables:             a.store,
			Events:             a.hub,
		},
		CacheSize:  cfg.CacheSize,
		Registerer: a.registry,
		Tickets:    a.queue,
		Validator:  validator,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.flow = svc

	tick := time.Duration(cfg.ScheduleTickSecs) * time.Second
	a.scheduler = scheduler.NewScheduler(a.store, svc, tick, logger)
	return a, nil
}

// hostBridge connects VASM host syscalls to this runtime behind retries and
// a circuit breaker. Syscalls act on the caller's project, falling back to
// the configured one. VOIKE_AI_ASK and VOIKE_RUN_JOB have no local backend
// and stay soft-degraded.
func (a *app) hostBridge() vasm.HostBridge {
	blobs := &blobStore{fs: a.fs, root: a.cfg.BlobDir}
	h := vasm.HostBridge{
		Blob: func(ctx context.Context, arg any) (any, error) {
			return blobs.Read(ctx, a.project(ctx), fmt.Sprint(arg))
		},
		Grid: func(ctx context.Context, arg any) (any, error) {
			res, err := a.flow.Execute(ctx, fmt.Sprint(arg), a.project(ctx), nil, schema.ModeAsync)
			if err != nil {
				return nil, err
			}
			return res.JobID, nil
		},
	}
	if a.tables != nil {
		h.DB = func(ctx context.Context, arg any) (any, error) {
			return a.tables.Query(ctx, a.project(ctx), fmt.Sprint(arg))
		}
	}
	return vasm.Guard(h, vasm.DefaultGuardConfig(), a.logger)
}

func (a *app) project(ctx context.Context) string {
	if id := logging.ProjectID(ctx); id != "" {
		return id
	}
	return a.cfg.ProjectID
}

// Close drains queued jobs, stops the event recorder and closes storage.
func (a *app) Close() error {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.queue != nil {
		a.queue.Shutdown()
	}
	if a.stop != nil {
		a.stop()
		if a.recorderDone != nil {
			<-a.recorderDone
		}
	}
	return a.store.Close()
}
