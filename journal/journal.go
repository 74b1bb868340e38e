// Package journal keeps an SQL audit trail of task lifecycles. It observes
// every persisted transition; the Redis store stays the source of truth.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mohans/genq/task"
)

// ErrNotFound is returned by GetByID for unknown tasks.
var ErrNotFound = errors.New("journal: task not found")

// Entry is the journalled summary of one task.
type Entry struct {
	ID         string
	Kind       task.Kind
	Domain     string
	ParamsJSON string
	Status     task.Status
	Phase      task.Phase
	ErrorMsg   *string
	OutputJSON *string // artifact, audio, transcript and video references
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	DurationMS int64
}

// Transition is one observed status or phase change.
type Transition struct {
	TaskID string
	Status task.Status
	Phase  task.Phase
	At     time.Time
}

// SQLJournal is backed by database/sql. Queries use '?' placeholders and
// fall back to '$n' for drivers that require them.
type SQLJournal struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

func NewSQLJournal(db *sql.DB, log *slog.Logger) *SQLJournal {
	if log == nil {
		log = slog.Default()
	}
	return &SQLJournal{db: db, log: log.With("component", "journal"), now: time.Now}
}

// Open opens a sqlite database at dsn and creates the schema.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*SQLJournal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// sqlite serializes writers
	db.SetMaxOpenConns(1)
	j := NewSQLJournal(db, log)
	if err := j.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLJournal) Close() error { return j.db.Close() }

// Migrate creates the journal tables when missing.
func (j *SQLJournal) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to '$1..$n'.
func rebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (j *SQLJournal) exec(ctx context.Context, q string, args ...any) error {
	if j.db == nil {
		return errors.New("nil db")
	}
	_, err := j.db.ExecContext(ctx, q, args...)
	if err != nil {
		// attempt Postgres style
		if _, err2 := j.db.ExecContext(ctx, rebind(q), args...); err2 == nil {
			return nil
		}
	}
	return err
}

// InsertCreated records a new task. Inserting an existing ID is a no-op.
func (j *SQLJournal) InsertCreated(ctx context.Context, rec *task.Record) error {
	route, _ := task.RouteFor(rec.Kind)
	return j.exec(ctx, `INSERT INTO genq_tasks (id, kind, domain, params_json, status, phase, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(rec.Kind), route.Domain, string(rec.Params), string(rec.Status), string(rec.Phase),
		rec.CreatedAt.UTC(), j.now().UTC())
}

func (j *SQLJournal) MarkStarted(ctx context.Context, id string, phase task.Phase, startedAt time.Time) error {
	return j.exec(ctx, `UPDATE genq_tasks SET status = ?, phase = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		string(task.StatusProcessing), string(phase), startedAt.UTC(), j.now().UTC(), id)
}

func (j *SQLJournal) MarkPhase(ctx context.Context, id string, phase task.Phase) error {
	return j.exec(ctx, `UPDATE genq_tasks SET phase = ?, updated_at = ? WHERE id = ?`,
		string(phase), j.now().UTC(), id)
}

// MarkFinished records a terminal status.
func (j *SQLJournal) MarkFinished(ctx context.Context, rec *task.Record) error {
	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}
	out, err := outputJSON(rec)
	if err != nil {
		return err
	}
	finished := j.now().UTC()
	if rec.CompletedAt != nil {
		finished = rec.CompletedAt.UTC()
	}
	return j.exec(ctx, `UPDATE genq_tasks SET status = ?, phase = ?, error_msg = ?, output_json = ?, finished_at = ?, duration_ms = ?, updated_at = ? WHERE id = ?`,
		string(rec.Status), string(rec.Phase), errMsg, out, finished, rec.ProcessingTimeMS, j.now().UTC(), rec.ID)
}

func (j *SQLJournal) appendTransition(ctx context.Context, rec *task.Record) error {
	return j.exec(ctx, `INSERT INTO genq_transitions (task_id, status, phase, at) VALUES (?, ?, ?, ?)`,
		rec.ID, string(rec.Status), string(rec.Phase), j.now().UTC())
}

type output struct {
	ArtifactRef string                `json:"artifact_ref,omitempty"`
	AudioRef    string                `json:"audio_ref,omitempty"`
	AudioURL    string                `json:"audio_url,omitempty"`
	Transcript  *task.Transcript      `json:"transcript,omitempty"`
	VideoRef    string                `json:"video_ref,omitempty"`
	PhaseErrors map[task.Phase]string `json:"phase_errors,omitempty"`
}

func outputJSON(rec *task.Record) (*string, error) {
	o := output{ArtifactRef: rec.ArtifactRef, Transcript: rec.Transcript, VideoRef: rec.VideoRef, PhaseErrors: rec.PhaseErrors}
	if rec.Audio != nil {
		o.AudioRef, o.AudioURL = rec.Audio.Ref, rec.Audio.URL
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	if string(data) == "{}" {
		return nil, nil
	}
	s := string(data)
	return &s, nil
}

// Observe journals rec. Failures are logged and never reach the caller.
func (j *SQLJournal) Observe(ctx context.Context, rec *task.Record) {
	var err error
	switch {
	case rec.Status == task.StatusQueued:
		err = j.InsertCreated(ctx, rec)
	case rec.Status == task.StatusProcessing && rec.StartedAt != nil:
		// the first processing save starts the task; later ones move phases
		var e *Entry
		if e, err = j.GetByID(ctx, rec.ID); errors.Is(err, ErrNotFound) {
			if err = j.InsertCreated(ctx, rec); err == nil {
				err = j.MarkStarted(ctx, rec.ID, rec.Phase, *rec.StartedAt)
			}
		} else if err == nil {
			if e.StartedAt == nil {
				err = j.MarkStarted(ctx, rec.ID, rec.Phase, *rec.StartedAt)
			} else {
				err = j.MarkPhase(ctx, rec.ID, rec.Phase)
			}
		}
	case rec.Status.Terminal():
		if err = j.InsertCreated(ctx, rec); err == nil {
			err = j.MarkFinished(ctx, rec)
		}
	}
	if err == nil {
		err = j.appendTransition(ctx, rec)
	}
	if err != nil {
		j.log.Warn("journal write failed", "task_id", rec.ID, "status", rec.Status, "error", err)
	}
}

func (j *SQLJournal) GetByID(ctx context.Context, id string) (*Entry, error) {
	if j.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT id, kind, domain, params_json, status, phase, error_msg, output_json, created_at, started_at, finished_at, duration_ms FROM genq_tasks WHERE id = ?`
	scan := func(row *sql.Row) (*Entry, error) {
		e := Entry{}
		var kind, status, phase string
		var startedAt, finishedAt sql.NullTime
		var errorMsg, out sql.NullString
		var duration sql.NullInt64
		if err := row.Scan(&e.ID, &kind, &e.Domain, &e.ParamsJSON, &status, &phase, &errorMsg, &out, &e.CreatedAt, &startedAt, &finishedAt, &duration); err != nil {
			return nil, err
		}
		e.Kind, e.Status, e.Phase = task.Kind(kind), task.Status(status), task.Phase(phase)
		if errorMsg.Valid {
			v := errorMsg.String
			e.ErrorMsg = &v
		}
		if out.Valid {
			v := out.String
			e.OutputJSON = &v
		}
		if startedAt.Valid {
			t := startedAt.Time
			e.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			e.FinishedAt = &t
		}
		e.DurationMS = duration.Int64
		return &e, nil
	}
	e, err := scan(j.db.QueryRowContext(ctx, q, id))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		// retry with postgres placeholders if needed
		e, err = scan(j.db.QueryRowContext(ctx, rebind(q), id))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// History lists the transitions of id in observation order.
func (j *SQLJournal) History(ctx context.Context, id string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT task_id, status, phase, at FROM genq_transitions WHERE task_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var t Transition
		var status, phase string
		if err := rows.Scan(&t.TaskID, &status, &phase, &t.At); err != nil {
			return nil, err
		}
		t.Status, t.Phase = task.Status(status), task.Phase(phase)
		out = append(out, t)
	}
	return out, rows.Err()
}
