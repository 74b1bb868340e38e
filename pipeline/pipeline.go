// Package pipeline binds the external service adapters and artifact storage
// to the phase sequence of each task kind.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mohans/genq/adapter"
	"github.com/mohans/genq/artifact"
	"github.com/mohans/genq/processor"
	"github.com/mohans/genq/task"
)

// Transcriber turns an audio URL into a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (*task.Transcript, error)
}

// Deps are the collaborators the pipelines call. Any nil service leaves the
// kinds that need it without a pipeline; their tasks fail.
type Deps struct {
	Job         adapter.Service
	Preprocess  adapter.Submitter
	Invoke      adapter.Submitter
	Transcriber Transcriber
	Video       adapter.Service
	Artifacts   artifact.Store // nil embeds audio in the record

	// VideoAudioBaseURL, when set, is the base the video service fetches
	// audio from instead of the artifact URL.
	VideoAudioBaseURL string

	JobPolls   processor.PollPolicy
	VideoPolls processor.PollPolicy
}

// ForDomain returns the pipelines of every kind in domain.
func ForDomain(domain string, d Deps) map[task.Kind]processor.Pipeline {
	out := map[task.Kind]processor.Pipeline{}
	for _, r := range task.Routes() {
		if r.Domain != domain {
			continue
		}
		var p processor.Pipeline
		switch r.Kind {
		case task.KindSimple:
			if d.Job != nil {
				p = Simple(d.Job, d.JobPolls)
			}
		case task.KindTTSPreprocess:
			if d.Preprocess != nil {
				p = TTSPreprocess(d.Preprocess)
			}
		case task.KindTTSInvoke:
			if d.Invoke != nil {
				p = TTSInvoke(d.Invoke, d.Artifacts)
			}
		case task.KindTTSToVideo:
			if d.Invoke != nil && d.Video != nil {
				p = TTSToVideo(d)
			}
		}
		if p != nil {
			out[r.Kind] = p
		}
	}
	return out
}

// Simple submits the params to the job backend and polls until the
// artifact is ready.
func Simple(job adapter.Service, policy processor.PollPolicy) processor.Pipeline {
	return processor.Pipeline{{Run: func(ctx context.Context, x *processor.Exec) error {
		sub, err := job.Submit(ctx, x.Record.Params)
		if err != nil {
			return err
		}
		res, err := x.Await(ctx, job, sub.ExternalID, policy)
		if err != nil {
			return err
		}
		result, err := json.Marshal(map[string]string{"artifact": res.Artifact})
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		x.Record.ArtifactRef = res.Artifact
		x.Record.Result = result
		return nil
	}}}
}

// TTSPreprocess stores the backend's JSON response as the result.
func TTSPreprocess(sub adapter.Submitter) processor.Pipeline {
	return processor.Pipeline{{Run: func(ctx context.Context, x *processor.Exec) error {
		out, err := sub.Submit(ctx, x.Record.Params)
		if err != nil {
			return err
		}
		x.Record.Result = json.RawMessage(out.Body)
		return nil
	}}}
}

// TTSInvoke synthesizes audio and keeps it as an artifact.
func TTSInvoke(sub adapter.Submitter, arts artifact.Store) processor.Pipeline {
	return processor.Pipeline{{Run: func(ctx context.Context, x *processor.Exec) error {
		out, err := sub.Submit(ctx, x.Record.Params)
		if err != nil {
			return err
		}
		audio, err := keepAudio(ctx, x, arts, out)
		if err != nil {
			return err
		}
		x.Record.Audio = audio
		return nil
	}}}
}

type compositeParams struct {
	TTS   json.RawMessage `json:"ttsParams"`
	Video map[string]any  `json:"videoParams"`
}

func decodeComposite(raw json.RawMessage) (*compositeParams, error) {
	var p compositeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if len(p.TTS) == 0 || p.Video == nil {
		return nil, errors.New("both ttsParams and videoParams are required")
	}
	return &p, nil
}

// TTSToVideo chains speech synthesis, best-effort transcription and video
// generation.
func TTSToVideo(d Deps) processor.Pipeline {
	return processor.Pipeline{
		{Name: task.PhaseTTS, Run: func(ctx context.Context, x *processor.Exec) error {
			p, err := decodeComposite(x.Record.Params)
			if err != nil {
				return err
			}
			out, err := d.Invoke.Submit(ctx, p.TTS)
			if err != nil {
				return fmt.Errorf("tts: %w", err)
			}
			audio, err := keepAudio(ctx, x, d.Artifacts, out)
			if err != nil {
				return err
			}
			x.Record.Audio = audio
			return nil
		}},
		{Name: task.PhaseTranscription, BestEffort: true, Run: func(ctx context.Context, x *processor.Exec) error {
			if d.Transcriber == nil {
				return errors.New("no transcription service configured")
			}
			if x.Record.Audio == nil || x.Record.Audio.URL == "" {
				return errors.New("audio has no public url")
			}
			tr, err := d.Transcriber.Transcribe(ctx, x.Record.Audio.URL)
			if err != nil {
				return err
			}
			x.Record.Transcript = tr
			return nil
		}},
		{Name: task.PhaseVideo, Run: func(ctx context.Context, x *processor.Exec) error {
			p, err := decodeComposite(x.Record.Params)
			if err != nil {
				return err
			}
			audioURL := videoAudioURL(d.VideoAudioBaseURL, x.Record.Audio)
			if audioURL == "" {
				return errors.New("video: synthesized audio is not reachable by url")
			}
			p.Video["audio_url"] = audioURL
			payload, err := json.Marshal(p.Video)
			if err != nil {
				return fmt.Errorf("video: encode params: %w", err)
			}
			sub, err := d.Video.Submit(ctx, payload)
			if err != nil {
				return fmt.Errorf("video: %w", err)
			}
			res, err := x.Await(ctx, d.Video, sub.ExternalID, d.VideoPolls)
			if err != nil {
				return err
			}
			x.Record.VideoRef = res.Artifact
			return nil
		}},
	}
}

func videoAudioURL(base string, a *task.Audio) string {
	if a == nil {
		return ""
	}
	if base != "" && a.FileName != "" {
		return strings.TrimRight(base, "/") + "/" + a.FileName
	}
	return a.URL
}

// keepAudio writes synthesized audio to arts. Without an artifact store the
// bytes stay embedded in the record.
func keepAudio(ctx context.Context, x *processor.Exec, arts artifact.Store, out *adapter.Submission) (*task.Audio, error) {
	name := fmt.Sprintf("tts_audio_%s_%d.wav", x.Record.ID, x.Now().UnixMilli())
	ct := out.ContentType
	if ct == "" {
		ct = "audio/wav"
	}
	audio := &task.Audio{Data: out.Body, ContentType: ct, FileName: name}
	if arts == nil {
		return audio, nil
	}
	ref, err := arts.Put(ctx, "tts/"+name, bytes.NewReader(out.Body), ct)
	if err != nil {
		return nil, fmt.Errorf("store audio: %w", err)
	}
	audio.Ref, audio.URL = ref.Key, ref.URL
	x.Logger().Info("audio stored", "key", ref.Key, "bytes", len(out.Body))
	return audio, nil
}
