// Package processor drives queued tasks of one workload domain through their
// phases, one task at a time.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohans/genq/adapter"
	"github.com/mohans/genq/store"
	"github.com/mohans/genq/task"
)

// ErrRunning is returned by Start on a processor that is already running.
var ErrRunning = errors.New("processor: already running")

// errShutdown is the cause recorded on a task abandoned by Stop.
var errShutdown = errors.New("processor stopped before the task finished")

// Phase is one step of a pipeline.
type Phase struct {
	Name task.Phase // empty for single-call kinds
	// BestEffort phases record their failure on the task and let the
	// pipeline continue.
	BestEffort bool
	Run        func(ctx context.Context, x *Exec) error
}

// Pipeline is the ordered phase sequence of one kind.
type Pipeline []Phase

// Config controls one processor.
type Config struct {
	Name           string
	Map            string
	Queues         []string // priority order
	DequeueTimeout time.Duration
	ErrorBackoff   time.Duration
	SaveTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
	return c
}

// Snapshot is the processor's observable runtime state.
type Snapshot struct {
	Name        string    `json:"name"`
	Running     bool      `json:"running"`
	Processing  bool      `json:"processing"`
	CurrentTask string    `json:"current_task,omitempty"`
	Completed   int64     `json:"completed"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.log = l } }

func WithObservers(o ...task.Observer) Option {
	return func(p *Processor) { p.observers = append(p.observers, o...) }
}

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// Processor owns the queues of one domain and processes their tasks
// strictly one at a time.
type Processor struct {
	cfg       Config
	store     store.Store
	pipelines map[task.Kind]Pipeline
	observers []task.Observer
	log       *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	stop      context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	current   string
	abort     context.CancelFunc
	aborted   bool // drain deadline passed; tasks starting now are abandoned
	completed int64
}

// New builds a processor. pipelines maps every kind routed to cfg.Queues to
// its phases.
func New(st store.Store, cfg Config, pipelines map[task.Kind]Pipeline, opts ...Option) *Processor {
	p := &Processor{
		cfg:       cfg.withDefaults(),
		store:     st,
		pipelines: pipelines,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("processor", p.cfg.Name)
	return p
}

// Start launches the processing loop.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return ErrRunning
	}
	loopCtx, stop := context.WithCancel(ctx)
	p.stop = stop
	p.done = make(chan struct{})
	p.startedAt = p.now().UTC()
	p.aborted = false
	done := p.done
	go func() {
		defer close(done)
		p.loop(loopCtx)
	}()
	p.log.Info("processor started", "queues", p.cfg.Queues)
	return nil
}

// Stop stops taking new tasks and waits for the in-flight one. When ctx
// ends first the in-flight task is abandoned and marked failed.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	stop()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.mu.Lock()
		p.aborted = true
		if p.abort != nil {
			p.abort()
		}
		p.mu.Unlock()
		<-done
		err = ctx.Err()
	}

	p.mu.Lock()
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	p.log.Info("processor stopped")
	return err
}

// Snapshot reports the current runtime state.
func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Name:        p.cfg.Name,
		Running:     p.done != nil,
		Processing:  p.current != "",
		CurrentTask: p.current,
		Completed:   p.completed,
		StartedAt:   p.startedAt,
	}
}

func (p *Processor) loop(ctx context.Context) {
	for ctx.Err() == nil {
		rec, err := p.next(ctx)
		if err != nil {
			p.log.Error("dequeue failed", "error", err)
			_ = sleep(ctx, p.cfg.ErrorBackoff)
			continue
		}
		if rec == nil {
			continue
		}
		p.execute(ctx, rec)
	}
}

// next pops the next eligible record. Records that are no longer queued
// (cancelled between push and pop) are skipped.
func (p *Processor) next(ctx context.Context) (*task.Record, error) {
	// BRPOP is bounded by DequeueTimeout; shutdown is observed between pops
	queue, id, err := p.store.Dequeue(context.WithoutCancel(ctx), p.cfg.DequeueTimeout, p.cfg.Queues...)
	if err != nil || id == "" {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, p.putBack(queue, id)
	}

	var rec *task.Record
	for attempt := 1; ; attempt++ {
		rec, err = p.store.Get(ctx, p.cfg.Map, id)
		if err == nil || errors.Is(err, store.ErrNotFound) || attempt == 3 {
			break
		}
		if sleep(ctx, p.cfg.ErrorBackoff) != nil {
			break
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.log.Warn("dequeued task has no record", "task_id", id, "queue", queue)
		return nil, nil
	case err != nil:
		if perr := p.putBack(queue, id); perr != nil {
			p.log.Error("task lost after store failure", "task_id", id, "queue", queue, "error", perr)
		}
		return nil, err
	}
	if rec.Status != task.StatusQueued {
		p.log.Info("skipping task", "task_id", id, "status", rec.Status)
		return nil, nil
	}
	return rec, nil
}

func (p *Processor) putBack(queue, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SaveTimeout)
	defer cancel()
	return p.store.Requeue(ctx, queue, id)
}

func (p *Processor) execute(loopCtx context.Context, rec *task.Record) {
	// the task keeps running through Stop until the drain deadline aborts it
	ctx, abort := context.WithCancel(context.WithoutCancel(loopCtx))
	defer abort()

	p.mu.Lock()
	p.current, p.abort = rec.ID, abort
	if p.aborted {
		abort()
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.current, p.abort = "", nil
		p.mu.Unlock()
	}()

	x := &Exec{Record: rec, p: p, log: p.log.With("task_id", rec.ID, "kind", rec.Kind)}
	x.log.Info("processing task")

	if err := rec.Transition(task.StatusProcessing, p.now(), ""); err != nil {
		x.log.Error("cannot start task", "error", err)
		return
	}
	x.Save(ctx)

	pipeline, ok := p.pipelines[rec.Kind]
	if !ok {
		x.finish(task.StatusFailed, fmt.Sprintf("no pipeline for kind %q", rec.Kind))
		return
	}

	for _, ph := range pipeline {
		if ph.Name != "" && ph.Name != rec.Phase {
			if err := rec.Advance(ph.Name); err != nil {
				x.finish(task.StatusFailed, err.Error())
				return
			}
			x.Save(ctx)
		}
		err := x.run(ctx, ph)
		if err == nil {
			if ph.Name != "" {
				rec.MarkPhaseDone(ph.Name, p.now())
				x.Save(ctx)
			}
			continue
		}
		if ctx.Err() != nil {
			err = errShutdown
		}
		if ph.BestEffort && err != errShutdown {
			x.log.Warn("optional phase failed", "phase", ph.Name, "error", err)
			rec.NotePhaseError(ph.Name, err.Error())
			rec.MarkPhaseDone(ph.Name, p.now())
			x.Save(ctx)
			continue
		}
		x.log.Error("phase failed", "phase", ph.Name, "error", err)
		x.finish(statusFor(err), err.Error())
		return
	}

	if route, ok := task.RouteFor(rec.Kind); ok && len(route.Phases) > 0 {
		last := route.Phases[len(route.Phases)-1]
		if rec.Phase != last {
			if err := rec.Advance(last); err != nil {
				x.finish(task.StatusFailed, err.Error())
				return
			}
		}
	}
	x.finish(task.StatusCompleted, "")
}

func statusFor(err error) task.Status {
	var te *TimeoutError
	if errors.As(err, &te) {
		return task.StatusTimeout
	}
	return task.StatusFailed
}

// Exec is the handle a phase uses to read and update its task.
type Exec struct {
	Record *task.Record
	p      *Processor
	log    *slog.Logger

	notified task.Status
	phase    task.Phase
}

// Logger returns a logger scoped to the task.
func (x *Exec) Logger() *slog.Logger { return x.log }

// Now returns the processor clock.
func (x *Exec) Now() time.Time { return x.p.now().UTC() }

// Save persists the record. Failures are logged and processing continues
// with the in-memory state.
func (x *Exec) Save(ctx context.Context) {
	x.save(ctx, 1)
}

func (x *Exec) save(ctx context.Context, attempts int) {
	p := x.p
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(p.cfg.ErrorBackoff)
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SaveTimeout)
		err = p.store.Put(sctx, p.cfg.Map, x.Record)
		cancel()
		if err == nil {
			break
		}
	}
	if err != nil {
		// observers only hear about states the store holds
		x.log.Error("persist task", "status", x.Record.Status, "phase", x.Record.Phase, "error", err)
		return
	}
	if x.Record.Status != x.notified || x.Record.Phase != x.phase {
		x.notified, x.phase = x.Record.Status, x.Record.Phase
		task.Notify(context.WithoutCancel(ctx), p.observers, x.Record)
	}
}

func (x *Exec) finish(status task.Status, msg string) {
	rec := x.Record
	if err := rec.Transition(status, x.p.now(), msg); err != nil {
		x.log.Error("finish task", "status", status, "error", err)
		return
	}
	x.save(context.Background(), 3)
	if status == task.StatusCompleted {
		x.p.mu.Lock()
		x.p.completed++
		x.p.mu.Unlock()
	}
	x.log.Info("task finished", "status", status, "processing_time_ms", rec.ProcessingTimeMS, "error", msg)
}

func (x *Exec) run(ctx context.Context, ph Phase) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("phase %q panicked: %v", ph.Name, r)
		}
	}()
	if ph.Run == nil {
		return fmt.Errorf("phase %q has no handler", ph.Name)
	}
	return ph.Run(ctx, x)
}

// Await polls externalID under policy, recording the external reference and
// every attempt on the task.
func (x *Exec) Await(ctx context.Context, poller adapter.Poller, externalID string, policy PollPolicy) (adapter.PollResult, error) {
	x.Record.ExternalRef = externalID
	x.Save(ctx)
	return Await(ctx, poller, externalID, policy, func(a Attempt) {
		t := x.Now()
		x.Record.LastPollAt = &t
		if a.Err != nil {
			x.log.Warn("poll failed", "attempt", a.N, "external_ref", externalID, "error", a.Err)
		} else {
			x.log.Debug("poll", "attempt", a.N, "external_ref", externalID, "state", a.Result.State)
		}
		x.Save(ctx)
	})
}
