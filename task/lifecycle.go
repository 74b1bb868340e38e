package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned for a status change outside the state machine.
	ErrInvalidTransition = errors.New("task: invalid status transition")
	// ErrPhaseOrder is returned when a phase would not move forward.
	ErrPhaseOrder = errors.New("task: phase must advance forward")
)

// NewID returns a unique ID of the form <prefix><unix-millis>_<random>.
func NewID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s%d_%s", prefix, now.UnixMilli(), suffix)
}

// New builds a queued record for kind with a fresh ID.
func New(kind Kind, params json.RawMessage, now time.Time) (*Record, error) {
	route, ok := RouteFor(kind)
	if !ok {
		return nil, fmt.Errorf("task: unknown kind %q", kind)
	}
	rec := &Record{
		ID:        NewID(route.Prefix, now),
		Kind:      kind,
		Params:    params,
		Status:    StatusQueued,
		CreatedAt: now.UTC(),
	}
	if len(route.Phases) > 0 {
		rec.Phase = route.Phases[0]
	}
	return rec, nil
}

var edges = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimeout},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves r to status to, applying the timestamp side effects.
// msg becomes the error of failed and timeout records.
func (r *Record) Transition(to Status, now time.Time, msg string) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	now = now.UTC()
	if now.Before(r.CreatedAt) {
		now = r.CreatedAt
	}
	if to == StatusProcessing && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if to.Terminal() {
		if r.StartedAt != nil && now.Before(*r.StartedAt) {
			now = *r.StartedAt
		}
		t := now
		r.CompletedAt = &t
		if r.StartedAt != nil {
			r.ProcessingTimeMS = now.Sub(*r.StartedAt).Milliseconds()
		}
	}
	switch to {
	case StatusFailed, StatusTimeout:
		r.Error = msg
	case StatusCompleted:
		r.Error = ""
	}
	r.Status = to
	return nil
}

// Advance moves the phase forward along the kind's sequence.
func (r *Record) Advance(p Phase) error {
	if r.Status != StatusProcessing {
		return fmt.Errorf("%w: phase %s while %s", ErrInvalidTransition, p, r.Status)
	}
	route, ok := RouteFor(r.Kind)
	if !ok {
		return fmt.Errorf("task: unknown kind %q", r.Kind)
	}
	next := phaseIndex(route.Phases, p)
	if next < 0 {
		return fmt.Errorf("%w: %s is not a phase of %s", ErrPhaseOrder, p, r.Kind)
	}
	if next <= phaseIndex(route.Phases, r.Phase) {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseOrder, r.Phase, p)
	}
	r.Phase = p
	return nil
}

func phaseIndex(phases []Phase, p Phase) int {
	for i, q := range phases {
		if q == p {
			return i
		}
	}
	return -1
}

// MarkPhaseDone records when phase p finished.
func (r *Record) MarkPhaseDone(p Phase, now time.Time) {
	if r.PhaseCompleted == nil {
		r.PhaseCompleted = map[Phase]time.Time{}
	}
	r.PhaseCompleted[p] = now.UTC()
}

// NotePhaseError records a non-fatal phase failure.
func (r *Record) NotePhaseError(p Phase, msg string) {
	if r.PhaseErrors == nil {
		r.PhaseErrors = map[Phase]string{}
	}
	r.PhaseErrors[p] = msg
}

// Position returns the 1-based position of id in a queue listed in dequeue
// order, or 0 when absent. Linear scan; queues are expected to be short.
func Position(queue []string, id string) int {
	for i, q := range queue {
		if q == id {
			return i + 1
		}
	}
	return 0
}

// EstimatedWait approximates the wait for a task at position pos.
func EstimatedWait(kind Kind, pos int) time.Duration {
	route, ok := RouteFor(kind)
	if !ok || pos <= 0 {
		return 0
	}
	return time.Duration(pos) * route.WaitStep
}
