// Command genqd runs the task queue service: the HTTP API, one processor
// per workload domain and the retention sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"github.com/mohans/genq/adapter"
	"github.com/mohans/genq/api"
	"github.com/mohans/genq/artifact"
	"github.com/mohans/genq/config"
	"github.com/mohans/genq/events"
	"github.com/mohans/genq/journal"
	"github.com/mohans/genq/pipeline"
	"github.com/mohans/genq/processor"
	"github.com/mohans/genq/service"
	"github.com/mohans/genq/store"
	"github.com/mohans/genq/sweep"
	"github.com/mohans/genq/task"
)

var configPath = flag.String("config", "", "path to YAML config file (optional)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("genqd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.Open(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		logger.Warn("redis not reachable yet", "addr", cfg.Redis.Addr, "error", err)
	}

	var observers []task.Observer
	if cfg.Journal.DSN != "" {
		j, err := journal.Open(ctx, cfg.Journal.DSN, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		observers = append(observers, j)
	}
	if cfg.Events.NATSURL != "" {
		pub, nc, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Prefix, logger)
		if err != nil {
			// events are optional; the queue keeps working without them
			logger.Warn("lifecycle events disabled", "error", err)
		} else {
			defer nc.Drain()
			observers = append(observers, pub)
		}
	}

	arts, err := openArtifacts(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}

	deps := buildDeps(cfg.Services, arts)
	procs := make(map[string]*processor.Processor)
	for _, d := range task.Domains() {
		pipelines := pipeline.ForDomain(d.Name, deps)
		if len(pipelines) == 0 {
			logger.Warn("no services configured for domain; its tasks will fail", "domain", d.Name)
		}
		procs[d.Name] = processor.New(st, processor.Config{
			Name:           d.Name,
			Map:            d.Map,
			Queues:         d.Queues,
			DequeueTimeout: cfg.Processor.DequeueTimeout,
			ErrorBackoff:   cfg.Processor.ErrorBackoff,
		}, pipelines, processor.WithLogger(logger), processor.WithObservers(observers...))
	}

	validator, err := service.NewValidator(nil)
	if err != nil {
		return err
	}
	opts := []service.Option{
		service.WithLogger(logger),
		service.WithRetention(cfg.Retention),
		service.WithObservers(observers...),
	}
	if arts != nil {
		opts = append(opts, service.WithArtifacts(arts))
	}
	if cfg.Artifacts.VideoDir != "" {
		videos, err := artifact.NewLocalStore(cfg.Artifacts.VideoDir, "")
		if err != nil {
			return err
		}
		opts = append(opts, service.WithVideoFiles(videos, cfg.Services.VideoResultRoot))
	}
	for name, p := range procs {
		opts = append(opts, service.WithProcessor(name, p))
	}
	svc := service.New(st, validator, opts...)

	var sweeper *sweep.Sweeper
	if cfg.Sweep.Enabled {
		sweeper = sweep.New(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, st, sweep.Config{Interval: cfg.Sweep.Interval, Queue: cfg.Sweep.Queue}, logger)
		if err := sweeper.Start(); err != nil {
			return err
		}
	}

	for name, p := range procs {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start %s processor: %w", name, err)
		}
	}

	if level, _ := config.ParseLevel(cfg.LogLevel); level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.SetupRoutes(api.NewHandlers(svc, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("queue service listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	cancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Processor.DrainTimeout)
	defer cancel()
	for name, p := range procs {
		if err := p.Stop(drainCtx); err != nil {
			logger.Warn("processor did not drain", "domain", name, "error", err)
		}
	}
	if sweeper != nil {
		sweeper.Shutdown()
	}
	logger.Info("shutdown complete")
	return nil
}

func openArtifacts(ctx context.Context, cfg config.ArtifactConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return artifact.NewLocalStore(cfg.LocalPath, cfg.LocalBaseURL)
	case config.BackendS3:
		return artifact.NewS3Store(ctx, cfg.S3)
	}
	return nil, nil
}

func buildDeps(cfg config.ServicesConfig, arts artifact.Store) pipeline.Deps {
	d := pipeline.Deps{
		VideoAudioBaseURL: cfg.VideoAudioBaseURL,
		JobPolls:          cfg.JobPolls,
		VideoPolls:        cfg.VideoPolls,
		Artifacts:         arts,
	}
	if cfg.JobSubmit.URL != "" && cfg.JobPoll.URL != "" {
		d.Job = adapter.NewJobClient(cfg.JobSubmit.Adapter(), cfg.JobPoll.Adapter(), nil)
	}
	if cfg.TTSPreprocess.URL != "" {
		d.Preprocess = adapter.NewTTSPreprocess(cfg.TTSPreprocess.Adapter(), nil)
	}
	if cfg.TTSInvoke.URL != "" {
		d.Invoke = adapter.NewTTSInvoke(cfg.TTSInvoke.Adapter(), nil)
	}
	if cfg.Whisper.URL != "" {
		d.Transcriber = adapter.NewWhisperClient(cfg.Whisper.Adapter(), nil)
	}
	if cfg.VideoSubmit.URL != "" && cfg.VideoQuery.URL != "" {
		d.Video = adapter.NewVideoClient(cfg.VideoSubmit.Adapter(), cfg.VideoQuery.Adapter(), cfg.VideoResultRoot, nil)
	}
	return d
}
