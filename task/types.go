// Package task defines the durable task record and the lifecycle rules every
// component applies to it.
package task

import (
	"encoding/json"
	"time"
)

// Kind fixes which phase sequence applies to a task.
type Kind string

const (
	KindSimple        Kind = "simple"
	KindTTSPreprocess Kind = "tts-preprocess"
	KindTTSInvoke     Kind = "tts-invoke"
	KindTTSToVideo    Kind = "tts-to-video"
)

// Status represents task processing status.
// Valid values: queued, processing, completed, failed, timeout, cancelled.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Phase is a workload-specific sub-state, meaningful while processing.
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseTTS           Phase = "tts"
	PhaseTranscription Phase = "transcription"
	PhaseVideo         Phase = "video"
	PhaseCompleted     Phase = "completed"
)

// Audio describes synthesized speech produced by a TTS phase. Data is only
// kept while no durable reference exists.
type Audio struct {
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Ref         string `json:"ref,omitempty"`
	URL         string `json:"url,omitempty"`
	FileName    string `json:"file_name,omitempty"`
}

// Segment is one timed span of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the output of a transcription phase.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Language string    `json:"language,omitempty"`
}

// Record is the persisted representation of a task lifecycle.
type Record struct {
	ID     string          `json:"id"`
	Kind   Kind            `json:"kind"`
	Params json.RawMessage `json:"params"`
	Status Status          `json:"status"`
	Phase  Phase           `json:"phase,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	LastPollAt       *time.Time `json:"last_poll_at,omitempty"`
	ProcessingTimeMS int64      `json:"processing_time_ms,omitempty"`

	ExternalRef string `json:"external_ref,omitempty"` // poll key of the active phase

	Result         json.RawMessage     `json:"result,omitempty"`       // raw response of single-call backends
	ArtifactRef    string              `json:"artifact_ref,omitempty"` // durable output reference
	Audio          *Audio              `json:"audio,omitempty"`
	Transcript     *Transcript         `json:"transcript,omitempty"`
	VideoRef       string              `json:"video_ref,omitempty"`
	PhaseCompleted map[Phase]time.Time `json:"phase_completed_at,omitempty"`
	PhaseErrors    map[Phase]string    `json:"phase_errors,omitempty"`

	Error    string `json:"error,omitempty"`
	ClientIP string `json:"client_ip,omitempty"`
}

// Marshal encodes r for persistence with large payloads elided.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r.Elided())
}

// Unmarshal decodes a persisted record.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Elided returns a shallow copy of r without binary payloads that already have
// a durable reference.
func (r *Record) Elided() *Record {
	out := *r
	if r.Audio != nil && r.Audio.Ref != "" && len(r.Audio.Data) > 0 {
		a := *r.Audio
		a.Data = nil
		out.Audio = &a
	}
	return &out
}
