package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// JobClient talks to a generic asynchronous job backend:
//
//	POST <submit>       -> {"success": true, "id": "..."}
//	GET  <poll>/<id>    -> {"status": "...", "artifact": "...", "error": "..."}
type JobClient struct {
	submit Endpoint
	poll   Endpoint
	http   httpCaller
}

func NewJobClient(submit, poll Endpoint, client *http.Client) *JobClient {
	return &JobClient{submit: submit, poll: poll, http: newCaller(client)}
}

type jobSubmitResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

type jobPollResponse struct {
	Status   string `json:"status"`
	Artifact string `json:"artifact"`
	Error    string `json:"error"`
}

func (c *JobClient) Submit(ctx context.Context, payload json.RawMessage) (*Submission, error) {
	const op = "job submit"
	resp, err := c.http.do(ctx, op, http.MethodPost, c.submit, c.submit.URL, payload)
	if err != nil {
		return nil, err
	}
	if !ok(resp.status) {
		return nil, invalid(op, "status %d", resp.status)
	}
	var body jobSubmitResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, invalid(op, "decode: %v", err)
	}
	if !body.Success || body.ID == "" {
		return nil, invalid(op, "submission not accepted")
	}
	return &Submission{ExternalID: body.ID, Body: resp.body, ContentType: resp.contentType}, nil
}

func (c *JobClient) Poll(ctx context.Context, externalID string) (PollResult, error) {
	const op = "job poll"
	target := strings.TrimRight(c.poll.URL, "/") + "/" + url.PathEscape(externalID)
	resp, err := c.http.do(ctx, op, http.MethodGet, c.poll, target, nil)
	if err != nil {
		return PollResult{}, err
	}
	if resp.status == http.StatusNotFound {
		return PollResult{State: NotFound}, nil
	}
	if !ok(resp.status) {
		return PollResult{}, invalid(op, "status %d", resp.status)
	}
	var body jobPollResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return PollResult{}, invalid(op, "decode: %v", err)
	}
	return MapJobStatus(body.Status, body.Artifact, body.Error), nil
}

var jobStates = map[string]PollState{
	"queued":      Pending,
	"pending":     Pending,
	"running":     Pending,
	"processing":  Pending,
	"in_progress": Pending,
	"succeeded":   Succeeded,
	"success":     Succeeded,
	"completed":   Succeeded,
	"done":        Succeeded,
	"failed":      Failed,
	"error":       Failed,
	"cancelled":   Failed,
	"canceled":    Failed,
	"not_found":   NotFound,
}

// MapJobStatus maps the job backend's status vocabulary. Unknown values are
// Pending so callers keep polling.
func MapJobStatus(raw, artifact, reason string) PollResult {
	state, known := jobStates[strings.ToLower(strings.TrimSpace(raw))]
	if !known {
		return PollResult{State: Pending}
	}
	switch state {
	case Succeeded:
		if artifact == "" {
			return PollResult{State: Failed, Reason: "job reported success without an artifact"}
		}
		return PollResult{State: Succeeded, Artifact: artifact}
	case Failed:
		if reason == "" {
			reason = "job " + strings.ToLower(raw)
		}
		return PollResult{State: Failed, Reason: reason}
	}
	return PollResult{State: state}
}
