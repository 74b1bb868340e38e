// Package events publishes task lifecycle transitions to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mohans/genq/task"
)

// DefaultPrefix is the first token of every subject.
const DefaultPrefix = "genq.task"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Event is the published payload.
type Event struct {
	TaskID           string                `json:"task_id"`
	Kind             task.Kind             `json:"kind"`
	Domain           string                `json:"domain"`
	Status           task.Status           `json:"status"`
	Phase            task.Phase            `json:"phase,omitempty"`
	Error            string                `json:"error,omitempty"`
	ExternalRef      string                `json:"external_ref,omitempty"`
	ProcessingTimeMS int64                 `json:"processing_time_ms,omitempty"`
	PhaseErrors      map[task.Phase]string `json:"phase_errors,omitempty"`
	Timestamp        time.Time             `json:"timestamp"`
}

// NATSPublisher publishes each observed record on
// <prefix>.<domain>.<status>.
type NATSPublisher struct {
	nc     Conn
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

func NewNATSPublisher(nc Conn, prefix string, log *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log.With("component", "events"), now: time.Now}
}

// Connect dials url and returns a publisher with its connection. The caller
// drains the connection on shutdown.
func Connect(url, prefix string, log *slog.Logger) (*NATSPublisher, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("genq"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSPublisher(nc, prefix, log), nc, nil
}

// Subject returns the subject rec is published on.
func (p *NATSPublisher) Subject(rec *task.Record) string {
	domain := "unknown"
	if r, ok := task.RouteFor(rec.Kind); ok {
		domain = r.Domain
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, domain, rec.Status)
}

func (p *NATSPublisher) Observe(_ context.Context, rec *task.Record) {
	r, _ := task.RouteFor(rec.Kind)
	ev := Event{
		TaskID:           rec.ID,
		Kind:             rec.Kind,
		Domain:           r.Domain,
		Status:           rec.Status,
		Phase:            rec.Phase,
		Error:            rec.Error,
		ExternalRef:      rec.ExternalRef,
		ProcessingTimeMS: rec.ProcessingTimeMS,
		PhaseErrors:      rec.PhaseErrors,
		Timestamp:        p.now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal event", "task_id", rec.ID, "error", err)
		return
	}
	if err := p.nc.Publish(p.Subject(rec), data); err != nil {
		p.log.Warn("publish event", "task_id", rec.ID, "error", err)
	}
}
