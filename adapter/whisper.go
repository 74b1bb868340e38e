package adapter

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/mohans/genq/task"
)

// WhisperClient calls the transcription service, which answers
// {"success": bool, "data": {...}, "error": "..."} synchronously.
type WhisperClient struct {
	ep   Endpoint
	http httpCaller
}

func NewWhisperClient(ep Endpoint, client *http.Client) *WhisperClient {
	return &WhisperClient{ep: ep, http: newCaller(client)}
}

type whisperResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Transcribe returns the transcript of the audio at audioURL.
func (c *WhisperClient) Transcribe(ctx context.Context, audioURL string) (*task.Transcript, error) {
	const op = "transcribe"
	resp, err := c.http.do(ctx, op, http.MethodPost, c.ep, c.ep.URL, map[string]string{"audio_url": audioURL})
	if err != nil {
		return nil, err
	}
	var body whisperResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, invalid(op, "status %d: decode: %v", resp.status, err)
	}
	if !ok(resp.status) || !body.Success {
		reason := body.Error
		if reason == "" {
			reason = "unsuccessful response"
		}
		return nil, invalid(op, "status %d: %s", resp.status, reason)
	}
	var tr task.Transcript
	if err := json.Unmarshal(body.Data, &tr); err != nil {
		return nil, invalid(op, "decode transcript: %v", err)
	}
	for i := range tr.Segments {
		s := &tr.Segments[i]
		s.Start = round2(s.Start)
		s.End = round2(s.End)
		s.Text = strings.TrimSpace(s.Text)
	}
	if tr.Language == "" {
		tr.Language = "unknown"
	}
	return &tr, nil
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
