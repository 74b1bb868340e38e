package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func TestMapJobStatus_Total(t *testing.T) {
	cases := []struct {
		raw      string
		artifact string
		want     PollState
	}{
		{"queued", "", Pending},
		{"RUNNING", "", Pending},
		{"in_progress", "", Pending},
		{"succeeded", "/out/a.bin", Succeeded},
		{"done", "", Failed},
		{"failed", "", Failed},
		{"cancelled", "", Failed},
		{"not_found", "", NotFound},
		{"warming-up", "", Pending},
		{"", "", Pending},
	}
	for _, c := range cases {
		got := MapJobStatus(c.raw, c.artifact, "")
		if got.State != c.want {
			t.Errorf("MapJobStatus(%q) = %v want %v", c.raw, got.State, c.want)
		}
		if got.State == Failed && got.Reason == "" {
			t.Errorf("MapJobStatus(%q): failed without reason", c.raw)
		}
	}
}

func TestMapVideoStatus(t *testing.T) {
	type data = struct {
		Status *int   `json:"status"`
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	cases := []struct {
		name string
		body videoQueryResponse
		want PollResult
	}{
		{"not found", videoQueryResponse{Code: 10004}, PollResult{State: NotFound}},
		{"done", videoQueryResponse{Code: 10000, Data: &data{Status: intp(2), Result: "/x-r.mp4"}}, PollResult{State: Succeeded, Artifact: "/x-r.mp4"}},
		{"done without result", videoQueryResponse{Code: 10000, Data: &data{Status: intp(2)}}, PollResult{State: Pending}},
		{"running", videoQueryResponse{Code: 10000, Data: &data{Status: intp(1)}}, PollResult{State: Pending}},
		{"failed", videoQueryResponse{Code: 10000, Data: &data{Status: intp(0), Error: "bad face"}}, PollResult{State: Failed, Reason: "bad face"}},
		{"failed default", videoQueryResponse{Code: 10000, Data: &data{Status: intp(0)}}, PollResult{State: Failed, Reason: "video generation failed"}},
		{"unknown status", videoQueryResponse{Code: 10000, Data: &data{Status: intp(7)}}, PollResult{State: Pending}},
		{"missing data", videoQueryResponse{Code: 10000}, PollResult{State: Pending}},
		{"unknown code", videoQueryResponse{Code: 500}, PollResult{State: Pending}},
	}
	for _, c := range cases {
		if got := mapVideoStatus(c.body); got != c.want {
			t.Errorf("%s: got %+v want %+v", c.name, got, c.want)
		}
	}
}

func TestJobClient_SubmitAndPoll(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), `"text":"hi"`) {
				t.Errorf("unexpected submit body %s", body)
			}
			_, _ = w.Write([]byte(`{"success":true,"id":"X"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/X":
			polls++
			if polls < 2 {
				_, _ = w.Write([]byte(`{"status":"running"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"succeeded","artifact":"/out/hi.bin"}`))
		case r.URL.Path == "/jobs/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	c := NewJobClient(Endpoint{URL: srv.URL + "/jobs", Timeout: time.Second}, Endpoint{URL: srv.URL + "/jobs"}, srv.Client())
	ctx := context.Background()
	sub, err := c.Submit(ctx, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.ExternalID != "X" {
		t.Fatalf("ExternalID = %q", sub.ExternalID)
	}
	res, err := c.Poll(ctx, "X")
	if err != nil || res.State != Pending {
		t.Fatalf("first poll = %+v,%v", res, err)
	}
	res, err = c.Poll(ctx, "X")
	if err != nil || res.State != Succeeded || res.Artifact != "/out/hi.bin" {
		t.Fatalf("second poll = %+v,%v", res, err)
	}
	res, err = c.Poll(ctx, "missing")
	if err != nil || res.State != NotFound {
		t.Fatalf("missing poll = %+v,%v", res, err)
	}
}

func TestJobClient_RejectsUnsuccessfulSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	c := NewJobClient(Endpoint{URL: srv.URL}, Endpoint{URL: srv.URL}, srv.Client())
	_, err := c.Submit(context.Background(), json.RawMessage(`{}`))
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != KindInvalidResponse {
		t.Fatalf("want invalid response, got %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("invalid response must not be transient")
	}
}

func TestClassify_NetworkAndTimeout(t *testing.T) {
	// closed server: connection refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()
	c := NewJobClient(Endpoint{URL: addr}, Endpoint{URL: addr}, nil)
	_, err := c.Poll(context.Background(), "X")
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != KindNetwork {
		t.Fatalf("want network error, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("network error must be transient")
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	c = NewJobClient(Endpoint{URL: slow.URL}, Endpoint{URL: slow.URL, Timeout: 20 * time.Millisecond}, slow.Client())
	_, err = c.Poll(context.Background(), "X")
	if !errors.As(err, &ae) || ae.Kind != KindTimeout {
		t.Fatalf("want timeout error, got %v", err)
	}
}

func TestTTSClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/invoke":
			_, _ = w.Write([]byte("RIFFdata"))
		case "/v1/preprocess_and_tran":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"asr_format_audio_url":"a.wav","reference_audio_text":"hi"}`))
		case "/v1/empty":
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	inv := NewTTSInvoke(Endpoint{URL: srv.URL + "/v1/invoke"}, srv.Client())
	sub, err := inv.Submit(ctx, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(sub.Body) != "RIFFdata" || sub.ExternalID != "" {
		t.Fatalf("invoke submission = %+v", sub)
	}

	pre := NewTTSPreprocess(Endpoint{URL: srv.URL + "/v1/preprocess_and_tran"}, srv.Client())
	sub, err = pre.Submit(ctx, json.RawMessage(`{"format":"wav"}`))
	if err != nil || !json.Valid(sub.Body) {
		t.Fatalf("preprocess = %+v,%v", sub, err)
	}

	empty := NewTTSInvoke(Endpoint{URL: srv.URL + "/v1/empty"}, srv.Client())
	if _, err := empty.Submit(ctx, json.RawMessage(`{}`)); err == nil {
		t.Fatalf("empty body must be rejected")
	}
}

func TestWhisperClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["audio_url"] == "bad" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"error":"no audio"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"text":"hi","segments":[{"start":0.123,"end":1.456,"text":" hi "}]}}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(Endpoint{URL: srv.URL + "/transcribe"}, srv.Client())
	tr, err := c.Transcribe(context.Background(), "http://x/a.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hi" || tr.Language != "unknown" || tr.Segments[0].Start != 0.12 || tr.Segments[0].End != 1.46 || tr.Segments[0].Text != "hi" {
		t.Fatalf("transcript = %+v", tr)
	}
	_, err = c.Transcribe(context.Background(), "bad")
	var ae *Error
	if !errors.As(err, &ae) || ae.Kind != KindInvalidResponse || !strings.Contains(err.Error(), "no audio") {
		t.Fatalf("want invalid response, got %v", err)
	}
}

func TestVideoClient_GeneratesCodeAndResolvesResult(t *testing.T) {
	var submitted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/easy/submit":
			_ = json.NewDecoder(r.Body).Decode(&submitted)
			_, _ = w.Write([]byte(`{"success":true}`))
		case "/easy/query":
			if r.URL.Query().Get("code") != submitted["code"] {
				_, _ = w.Write([]byte(`{"code":10004}`))
				return
			}
			_, _ = w.Write([]byte(`{"code":10000,"data":{"status":2,"result":"/abc-r.mp4"}}`))
		}
	}))
	defer srv.Close()

	c := NewVideoClient(Endpoint{URL: srv.URL + "/easy/submit"}, Endpoint{URL: srv.URL + "/easy/query"}, "/data/temp", srv.Client())
	ctx := context.Background()
	sub, err := c.Submit(ctx, json.RawMessage(`{"video_url":"v.mp4"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.ExternalID == "" || submitted["code"] != sub.ExternalID || submitted["video_url"] != "v.mp4" {
		t.Fatalf("submission = %+v body=%v", sub, submitted)
	}
	res, err := c.Poll(ctx, sub.ExternalID)
	if err != nil || res.State != Succeeded || res.Artifact != "/data/temp/abc-r.mp4" {
		t.Fatalf("Poll = %+v,%v", res, err)
	}
	res, err = c.Poll(ctx, "other")
	if err != nil || res.State != NotFound {
		t.Fatalf("Poll other = %+v,%v", res, err)
	}

	sub, err = c.Submit(ctx, json.RawMessage(`{"code":"mine"}`))
	if err != nil || sub.ExternalID != "mine" {
		t.Fatalf("caller code not kept: %+v,%v", sub, err)
	}
}
