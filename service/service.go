// Package service implements the orchestration operations behind the HTTP
// surface: enqueue, status, cancel, statistics and artifact downloads. It
// talks to processors only through the store.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mohans/genq/artifact"
	"github.com/mohans/genq/processor"
	"github.com/mohans/genq/store"
	"github.com/mohans/genq/task"
)

// DefaultRetention is how long a record stays observable after submit.
const DefaultRetention = 24 * time.Hour

var (
	// ErrNotFound is returned for unknown or expired task IDs.
	ErrNotFound = errors.New("task not found")
	// ErrNoArtifact is returned when a download is requested before the
	// artifact exists.
	ErrNoArtifact = errors.New("artifact not available")
)

// ConflictError reports a cancel that cannot be applied.
type ConflictError struct {
	Status task.Status
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

// SnapshotSource exposes processor runtime state.
type SnapshotSource interface {
	Snapshot() processor.Snapshot
}

// Meta carries request metadata stored on the record.
type Meta struct {
	ClientIP string
}

// Receipt acknowledges an enqueued task.
type Receipt struct {
	TaskID               string      `json:"task_id"`
	Status               task.Status `json:"status"`
	Phase                task.Phase  `json:"phase,omitempty"`
	QueuePosition        int64       `json:"queue_position"`
	EstimatedWaitSeconds int64       `json:"estimated_wait_seconds"`
}

// StatusView is a record as returned to callers.
type StatusView struct {
	*task.Record
	QueuePosition        int    `json:"queue_position,omitempty"`
	EstimatedWaitSeconds int64  `json:"estimated_wait_seconds,omitempty"`
	AudioDownloadURL     string `json:"audio_download_url,omitempty"`
	VideoDownloadURL     string `json:"video_download_url,omitempty"`
}

// Download is an artifact stream. The caller closes Body.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	FileName    string
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithRetention(d time.Duration) Option { return func(s *Service) { s.retention = d } }

func WithObservers(o ...task.Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, o...) }
}

// WithProcessor registers the processor serving domain for stats and health.
func WithProcessor(domain string, p SnapshotSource) Option {
	return func(s *Service) { s.processors[domain] = p }
}

// WithArtifacts sets where synthesized audio is read back from.
func WithArtifacts(a artifact.Store) Option { return func(s *Service) { s.audio = a } }

// WithVideoFiles serves generated videos from files; root is the prefix of
// video references that maps to the store's root.
func WithVideoFiles(a artifact.Store, root string) Option {
	return func(s *Service) { s.videos, s.videoRoot = a, root }
}

// Service is safe for concurrent use.
type Service struct {
	store      store.Store
	validator  *Validator
	retention  time.Duration
	observers  []task.Observer
	processors map[string]SnapshotSource
	audio      artifact.Store
	videos     artifact.Store
	videoRoot  string
	log        *slog.Logger
	now        func() time.Time
	started    time.Time
}

func New(st store.Store, v *Validator, opts ...Option) *Service {
	s := &Service{
		store:      st,
		validator:  v,
		retention:  DefaultRetention,
		processors: map[string]SnapshotSource{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "service")
	s.started = s.now()
	return s
}

// Enqueue validates params, creates a queued record and pushes it to the
// kind's queue.
func (s *Service) Enqueue(ctx context.Context, kind task.Kind, params json.RawMessage, meta Meta) (*Receipt, error) {
	route, ok := task.RouteFor(kind)
	if !ok {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown task kind %q", kind)}}
	}
	if s.validator != nil {
		if err := s.validator.Validate(kind, params); err != nil {
			return nil, err
		}
	}
	rec, err := task.New(kind, params, s.now())
	if err != nil {
		return nil, err
	}
	rec.ClientIP = meta.ClientIP

	n, err := s.store.Submit(ctx, route.Map, route.Queue, rec, s.retention)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	task.Notify(ctx, s.observers, rec)
	s.log.Info("task queued", "task_id", rec.ID, "kind", kind, "queue", route.Queue, "position", n)
	return &Receipt{
		TaskID:               rec.ID,
		Status:               rec.Status,
		Phase:                rec.Phase,
		QueuePosition:        n,
		EstimatedWaitSeconds: int64(task.EstimatedWait(kind, int(n)).Seconds()),
	}, nil
}

func (s *Service) lookup(ctx context.Context, id string) (task.Route, *task.Record, error) {
	route, ok := task.RouteForID(id)
	if !ok {
		return task.Route{}, nil, ErrNotFound
	}
	rec, err := s.store.Get(ctx, route.Map, id)
	if errors.Is(err, store.ErrNotFound) {
		return route, nil, ErrNotFound
	}
	if err != nil {
		return route, nil, err
	}
	// kinds sharing a map are told apart by the record, not the prefix
	if r, ok := task.RouteFor(rec.Kind); ok {
		route = r
	}
	return route, rec, nil
}

// Status returns the record of id. Queued records carry their current queue
// position and estimated wait.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	route, rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Record: rec.Elided()}
	if rec.Status == task.StatusQueued {
		ids, err := s.store.PeekAll(ctx, route.Queue)
		if err != nil {
			return nil, err
		}
		view.QueuePosition = task.Position(ids, id)
		view.EstimatedWaitSeconds = int64(task.EstimatedWait(rec.Kind, view.QueuePosition).Seconds())
	}
	if rec.Audio != nil && (rec.Audio.Ref != "" || len(rec.Audio.Data) > 0) {
		view.AudioDownloadURL = downloadPath(route.Domain, "audio", id)
	}
	if rec.Status == task.StatusCompleted && rec.VideoRef != "" {
		view.VideoDownloadURL = downloadPath(route.Domain, "video", id)
	}
	return view, nil
}

func downloadPath(domain, what, id string) string {
	return fmt.Sprintf("/api/%s/%s/%s", domain, what, id)
}

// Cancel moves a still-queued task to cancelled. Anything else is a
// *ConflictError and leaves the record untouched.
func (s *Service) Cancel(ctx context.Context, id string) (*task.Record, error) {
	route, rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != task.StatusQueued {
		return nil, &ConflictError{Status: rec.Status, Reason: fmt.Sprintf("task is %s", rec.Status)}
	}
	removed, err := s.store.Remove(ctx, route.Queue, id)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, &ConflictError{Status: rec.Status, Reason: "task already dequeued"}
	}
	if err := rec.Transition(task.StatusCancelled, s.now(), ""); err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, route.Map, rec); err != nil {
		// the record still reads queued; put the ID back so a processor sees it
		if rerr := s.store.Requeue(context.WithoutCancel(ctx), route.Queue, id); rerr != nil {
			s.log.Error("task lost after failed cancel", "task_id", id, "queue", route.Queue, "error", rerr)
		}
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}
	task.Notify(ctx, s.observers, rec)
	s.log.Info("task cancelled", "task_id", id)
	return rec.Elided(), nil
}

// DomainStats summarizes one processor domain.
type DomainStats struct {
	Name         string              `json:"name"`
	Queues       map[string]int64    `json:"queues"`
	TotalTasks   int                 `json:"total_tasks"`
	StatusCounts map[task.Status]int `json:"status_counts"`
	Processor    *processor.Snapshot `json:"processor,omitempty"`
}

// Stats is the queue overview.
type Stats struct {
	Domains       []DomainStats `json:"domains"`
	UptimeSeconds int64         `json:"uptime_seconds"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	out := &Stats{UptimeSeconds: int64(s.now().Sub(s.started).Seconds())}
	for _, d := range task.Domains() {
		ds := DomainStats{Name: d.Name, Queues: map[string]int64{}, StatusCounts: map[task.Status]int{}}
		for _, q := range d.Queues {
			n, err := s.store.QueueLen(ctx, q)
			if err != nil {
				return nil, err
			}
			ds.Queues[q] = n
		}
		all, err := s.store.GetAll(ctx, d.Map)
		if err != nil {
			return nil, err
		}
		for _, st := range task.Statuses {
			ds.StatusCounts[st] = 0
		}
		for _, rec := range all {
			ds.StatusCounts[rec.Status]++
		}
		ds.TotalTasks = len(all)
		if p, ok := s.processors[d.Name]; ok {
			snap := p.Snapshot()
			ds.Processor = &snap
		}
		out.Domains = append(out.Domains, ds)
	}
	return out, nil
}

// Health reports store reachability and processor state.
type Health struct {
	OK         bool                 `json:"ok"`
	Store      string               `json:"store"`
	Processors []processor.Snapshot `json:"processors"`
}

func (s *Service) Health(ctx context.Context) Health {
	h := Health{OK: true, Store: "ok"}
	if err := s.store.Ping(ctx); err != nil {
		h.OK, h.Store = false, err.Error()
	}
	for _, d := range task.Domains() {
		if p, ok := s.processors[d.Name]; ok {
			h.Processors = append(h.Processors, p.Snapshot())
		}
	}
	return h
}

// Audio streams the synthesized audio of id.
func (s *Service) Audio(ctx context.Context, id string) (*Download, error) {
	_, rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	a := rec.Audio
	if a == nil {
		return nil, ErrNoArtifact
	}
	name := a.FileName
	if name == "" {
		name = "audio_" + id + ".wav"
	}
	if len(a.Data) > 0 {
		return &Download{Body: io.NopCloser(bytes.NewReader(a.Data)), ContentType: a.ContentType, FileName: name}, nil
	}
	if a.Ref == "" || s.audio == nil {
		return nil, ErrNoArtifact
	}
	body, ct, err := s.audio.Open(ctx, a.Ref)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, ErrNoArtifact
	}
	if err != nil {
		return nil, err
	}
	if a.ContentType != "" {
		ct = a.ContentType
	}
	return &Download{Body: body, ContentType: ct, FileName: name}, nil
}

// Video streams the generated video of a completed composite task.
func (s *Service) Video(ctx context.Context, id string) (*Download, error) {
	_, rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != task.StatusCompleted || rec.VideoRef == "" || s.videos == nil {
		return nil, ErrNoArtifact
	}
	key := strings.TrimPrefix(rec.VideoRef, s.videoRoot)
	body, ct, err := s.videos.Open(ctx, key)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, ErrNoArtifact
	}
	if err != nil {
		return nil, err
	}
	return &Download{Body: body, ContentType: ct, FileName: "video_" + id + ".mp4"}, nil
}
