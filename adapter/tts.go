package adapter

import (
	"context"
	"encoding/json"
	"net/http"
)

// TTSClient calls a synchronous speech backend. Invoke responses are raw
// audio; preprocess responses are JSON documents.
type TTSClient struct {
	ep     Endpoint
	binary bool
	http   httpCaller
}

// NewTTSInvoke returns a client for the audio synthesis endpoint.
func NewTTSInvoke(ep Endpoint, client *http.Client) *TTSClient {
	return &TTSClient{ep: ep, binary: true, http: newCaller(client)}
}

// NewTTSPreprocess returns a client for the preprocess-and-train endpoint.
func NewTTSPreprocess(ep Endpoint, client *http.Client) *TTSClient {
	return &TTSClient{ep: ep, http: newCaller(client)}
}

func (c *TTSClient) Submit(ctx context.Context, payload json.RawMessage) (*Submission, error) {
	op := "tts preprocess"
	if c.binary {
		op = "tts invoke"
	}
	resp, err := c.http.do(ctx, op, http.MethodPost, c.ep, c.ep.URL, payload)
	if err != nil {
		return nil, err
	}
	if !ok(resp.status) {
		return nil, invalid(op, "status %d", resp.status)
	}
	if len(resp.body) == 0 {
		return nil, invalid(op, "empty response")
	}
	if !c.binary && !json.Valid(resp.body) {
		return nil, invalid(op, "response is not JSON")
	}
	ct := resp.contentType
	if c.binary && (ct == "" || ct == "application/octet-stream") {
		ct = "audio/wav"
	}
	return &Submission{Body: resp.body, ContentType: ct}, nil
}
