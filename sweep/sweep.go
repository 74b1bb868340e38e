// Package sweep enforces record retention. An asynq scheduler enqueues a
// periodic sweep task; a single-worker asynq server runs it against the
// store.
package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/genq/store"
	"github.com/mohans/genq/task"
)

// TypeSweep is the asynq task type of a retention sweep.
const TypeSweep = "records:sweep"

// Payload names the record maps to purge.
type Payload struct {
	Maps []string `json:"maps"`
}

type Config struct {
	Interval time.Duration
	Queue    string
	Maps     []string // defaults to every domain map
}

// Sweeper owns the asynq scheduler, server and client used for sweeps.
type Sweeper struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	client    *asynq.Client
	store     store.Store
	cfg       Config
	log       *slog.Logger
}

func New(redisOpt asynq.RedisClientOpt, st store.Store, cfg Config, log *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Queue == "" {
		cfg.Queue = "maintenance"
	}
	if len(cfg.Maps) == 0 {
		for _, d := range task.Domains() {
			cfg.Maps = append(cfg.Maps, d.Map)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sweep")
	al := asynqLogger{log}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{cfg.Queue: 1},
		Logger:      al,
		LogLevel:    asynq.WarnLevel,
	})
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   al,
		LogLevel: asynq.WarnLevel,
	})
	return &Sweeper{
		server:    server,
		scheduler: scheduler,
		client:    asynq.NewClient(redisOpt),
		store:     st,
		cfg:       cfg,
		log:       log,
	}
}

func (s *Sweeper) newTask() (*asynq.Task, error) {
	payload, err := json.Marshal(Payload{Maps: s.cfg.Maps})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSweep, payload, asynq.Queue(s.cfg.Queue), asynq.MaxRetry(1), asynq.Timeout(time.Minute)), nil
}

// Middleware to log started/completed/failed
func (s *Sweeper) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		if err != nil {
			s.log.Error("maintenance task failed", "type", t.Type(), "id", id, "error", err)
		} else {
			s.log.Debug("maintenance task done", "type", t.Type(), "id", id, "duration", time.Since(start))
		}
		return err
	})
}

// Start runs the worker and registers the periodic sweep.
func (s *Sweeper) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSweep, s.handle)
	if err := s.server.Start(s.lifecycleMiddleware(mux)); err != nil {
		return fmt.Errorf("start sweep worker: %w", err)
	}
	t, err := s.newTask()
	if err != nil {
		return err
	}
	if _, err := s.scheduler.Register(fmt.Sprintf("@every %s", s.cfg.Interval), t); err != nil {
		s.server.Shutdown()
		return fmt.Errorf("register sweep: %w", err)
	}
	if err := s.scheduler.Start(); err != nil {
		s.server.Shutdown()
		return fmt.Errorf("start sweep scheduler: %w", err)
	}
	s.log.Info("retention sweep scheduled", "every", s.cfg.Interval, "maps", s.cfg.Maps)
	return nil
}

// Trigger enqueues an immediate sweep.
func (s *Sweeper) Trigger(ctx context.Context) (*asynq.TaskInfo, error) {
	t, err := s.newTask()
	if err != nil {
		return nil, err
	}
	return s.client.EnqueueContext(ctx, t)
}

func (s *Sweeper) Shutdown() {
	s.scheduler.Shutdown()
	s.server.Shutdown()
	if err := s.client.Close(); err != nil {
		s.log.Warn("close asynq client", "error", err)
	}
}

func (s *Sweeper) handle(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := Sweep(ctx, s.store, p.Maps, s.log)
	return err
}

// Sweep purges expired records from every map and returns how many went.
// It keeps going after a failing map and reports the first error.
func Sweep(ctx context.Context, st store.Store, maps []string, log *slog.Logger) (int, error) {
	total := 0
	var first error
	for _, m := range maps {
		n, err := st.PurgeExpired(ctx, m)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		total += n
		if n > 0 && log != nil {
			log.Info("expired records purged", "map", m, "count", n)
		}
	}
	return total, first
}

// asynqLogger routes asynq's logging through slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
