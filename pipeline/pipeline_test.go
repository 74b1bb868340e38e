package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohans/genq/adapter"
	"github.com/mohans/genq/artifact"
	"github.com/mohans/genq/processor"
	"github.com/mohans/genq/store"
	"github.com/mohans/genq/task"
)

var wav = []byte("RIFF....WAVEfmt ")

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// run submits one task of kind through a live processor of its domain and
// returns the terminal record.
func run(t *testing.T, d Deps, kind task.Kind, params string) *task.Record {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer s.Close()
	st := store.Open(s.Addr(), "", 0)
	defer st.Close()

	route, _ := task.RouteFor(kind)
	dom, _ := task.DomainByName(route.Domain)
	p := processor.New(st, processor.Config{Name: dom.Name, Map: dom.Map, Queues: dom.Queues}, ForDomain(dom.Name, d))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	}()

	rec, err := task.New(kind, json.RawMessage(params), time.Now())
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	if _, err := st.Submit(context.Background(), route.Map, route.Queue, rec, time.Hour); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var got *task.Record
	err = pollUntil(t, 5*time.Second, func() (bool, error) {
		got, err = st.Get(context.Background(), route.Map, rec.ID)
		if err != nil {
			return false, err
		}
		return got.Status.Terminal(), nil
	})
	if err != nil {
		t.Fatalf("task never finished: %v", err)
	}
	return got
}

var quick = processor.PollPolicy{Interval: time.Millisecond, MaxAttempts: 10}

func TestSimple_SubmitAndPoll(t *testing.T) {
	var polls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			io.WriteString(w, `{"success":true,"id":"X"}`)
		case r.URL.Path == "/jobs/X":
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()
			if n < 3 {
				io.WriteString(w, `{"status":"running"}`)
				return
			}
			io.WriteString(w, `{"status":"succeeded","artifact":"/out/hi.bin"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	job := adapter.NewJobClient(adapter.Endpoint{URL: srv.URL + "/jobs"}, adapter.Endpoint{URL: srv.URL + "/jobs"}, srv.Client())
	got := run(t, Deps{Job: job, JobPolls: quick}, task.KindSimple, `{"text":"hi"}`)
	if got.Status != task.StatusCompleted || got.ArtifactRef != "/out/hi.bin" || got.ExternalRef != "X" {
		t.Fatalf("got %s artifact=%q ref=%q err=%q", got.Status, got.ArtifactRef, got.ExternalRef, got.Error)
	}
	var result struct{ Artifact string }
	if err := json.Unmarshal(got.Result, &result); err != nil || result.Artifact != "/out/hi.bin" {
		t.Fatalf("result = %s (%v)", got.Result, err)
	}
}

func TestTTSInvoke_EmbedsAudioWithoutArtifactStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	defer srv.Close()

	got := run(t, Deps{Invoke: adapter.NewTTSInvoke(adapter.Endpoint{URL: srv.URL}, srv.Client())}, task.KindTTSInvoke, `{"text":"hi"}`)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s (%s)", got.Status, got.Error)
	}
	if got.Audio == nil || string(got.Audio.Data) != string(wav) || got.Audio.Ref != "" {
		t.Fatalf("audio = %+v", got.Audio)
	}
}

func TestTTSPreprocess_StoresResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"asr_format_audio_url":"/a.wav","reference_audio_text":"hi"}`)
	}))
	defer srv.Close()

	got := run(t, Deps{Preprocess: adapter.NewTTSPreprocess(adapter.Endpoint{URL: srv.URL}, srv.Client())}, task.KindTTSPreprocess, `{"format":"wav"}`)
	if got.Status != task.StatusCompleted || !strings.Contains(string(got.Result), "reference_audio_text") {
		t.Fatalf("got %s result=%s", got.Status, got.Result)
	}
}

func TestTTSToVideo_FullChain(t *testing.T) {
	dir := t.TempDir()
	arts, err := artifact.NewLocalStore(dir, "http://files.example")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	var mu sync.Mutex
	var videoReq map[string]any
	var whisperURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/invoke":
			w.Write(wav)
		case "/transcribe":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			whisperURL = body["audio_url"]
			mu.Unlock()
			io.WriteString(w, `{"success":true,"data":{"text":"hello","segments":[{"start":0.123,"end":1.456,"text":" hello "}]}}`)
		case "/easy/submit":
			mu.Lock()
			json.NewDecoder(r.Body).Decode(&videoReq)
			mu.Unlock()
			io.WriteString(w, `{"success":true}`)
		case "/easy/query":
			if r.URL.Query().Get("code") != "c-1" {
				io.WriteString(w, `{"code":10004}`)
				return
			}
			io.WriteString(w, `{"code":10000,"data":{"status":2,"result":"/c-1-r.mp4"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := Deps{
		Invoke:            adapter.NewTTSInvoke(adapter.Endpoint{URL: srv.URL + "/v1/invoke"}, srv.Client()),
		Transcriber:       adapter.NewWhisperClient(adapter.Endpoint{URL: srv.URL + "/transcribe"}, srv.Client()),
		Video:             adapter.NewVideoClient(adapter.Endpoint{URL: srv.URL + "/easy/submit"}, adapter.Endpoint{URL: srv.URL + "/easy/query"}, "/data/temp", srv.Client()),
		Artifacts:         arts,
		VideoAudioBaseURL: "http://nginx-proxy/audios",
		VideoPolls:        quick,
	}
	got := run(t, d, task.KindTTSToVideo, `{"ttsParams":{"text":"hello"},"videoParams":{"code":"c-1","video_url":"/v.mp4"}}`)

	if got.Status != task.StatusCompleted || got.Phase != task.PhaseCompleted {
		t.Fatalf("got %s/%s (%s)", got.Status, got.Phase, got.Error)
	}
	if got.VideoRef != "/data/temp/c-1-r.mp4" || got.ExternalRef != "c-1" {
		t.Fatalf("video ref=%q external=%q", got.VideoRef, got.ExternalRef)
	}
	if got.Audio == nil || got.Audio.Ref == "" || len(got.Audio.Data) != 0 {
		t.Fatalf("audio = %+v", got.Audio)
	}
	data, err := os.ReadFile(filepath.Join(dir, got.Audio.Ref))
	if err != nil || string(data) != string(wav) {
		t.Fatalf("stored audio = %q, %v", data, err)
	}
	if got.Transcript == nil || got.Transcript.Segments[0].Start != 0.12 || got.Transcript.Segments[0].Text != "hello" {
		t.Fatalf("transcript = %+v", got.Transcript)
	}
	if len(got.PhaseErrors) != 0 {
		t.Fatalf("phase_errors = %v", got.PhaseErrors)
	}

	mu.Lock()
	defer mu.Unlock()
	if whisperURL != got.Audio.URL || !strings.HasPrefix(whisperURL, "http://files.example/tts/tts_audio_") {
		t.Fatalf("whisper audio_url = %q", whisperURL)
	}
	if videoReq["audio_url"] != "http://nginx-proxy/audios/"+got.Audio.FileName || videoReq["video_url"] != "/v.mp4" {
		t.Fatalf("video request = %v", videoReq)
	}
}

func TestTTSToVideo_TranscriptionFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/invoke":
			w.Write(wav)
		case "/easy/submit":
			io.WriteString(w, `{"success":true}`)
		case "/easy/query":
			io.WriteString(w, `{"code":10000,"data":{"status":2,"result":"/r.mp4"}}`)
		}
	}))
	defer srv.Close()

	arts, err := artifact.NewLocalStore(t.TempDir(), "http://files.example")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	d := Deps{
		Invoke:      adapter.NewTTSInvoke(adapter.Endpoint{URL: srv.URL + "/v1/invoke"}, srv.Client()),
		Transcriber: adapter.NewWhisperClient(adapter.Endpoint{URL: deadURL}, nil),
		Video:       adapter.NewVideoClient(adapter.Endpoint{URL: srv.URL + "/easy/submit"}, adapter.Endpoint{URL: srv.URL + "/easy/query"}, "", srv.Client()),
		Artifacts:   arts,
		VideoPolls:  quick,
	}
	got := run(t, d, task.KindTTSToVideo, `{"ttsParams":{"text":"hi"},"videoParams":{}}`)
	if got.Status != task.StatusCompleted || got.VideoRef != "/r.mp4" {
		t.Fatalf("got %s video=%q (%s)", got.Status, got.VideoRef, got.Error)
	}
	if got.PhaseErrors[task.PhaseTranscription] == "" || got.Transcript != nil {
		t.Fatalf("phase_errors = %v transcript = %+v", got.PhaseErrors, got.Transcript)
	}
}

func TestTTSToVideo_RejectsMissingParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write(wav) }))
	defer srv.Close()
	d := Deps{
		Invoke: adapter.NewTTSInvoke(adapter.Endpoint{URL: srv.URL}, srv.Client()),
		Video:  adapter.NewVideoClient(adapter.Endpoint{URL: srv.URL}, adapter.Endpoint{URL: srv.URL}, "", srv.Client()),
	}
	got := run(t, d, task.KindTTSToVideo, `{"ttsParams":{"text":"hi"}}`)
	if got.Status != task.StatusFailed || got.Phase != task.PhaseTTS || !strings.Contains(got.Error, "videoParams") {
		t.Fatalf("got %s/%s %q", got.Status, got.Phase, got.Error)
	}
}

func TestForDomain_SkipsUnconfiguredKinds(t *testing.T) {
	got := ForDomain(task.DomainTTS, Deps{Invoke: adapter.NewTTSInvoke(adapter.Endpoint{URL: "http://tts"}, nil)})
	if _, ok := got[task.KindTTSInvoke]; !ok || len(got) != 1 {
		t.Fatalf("pipelines = %v", got)
	}
}
