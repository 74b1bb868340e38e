package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"

	"github.com/google/uuid"
)

// Response codes of the HeyGem video service.
const (
	videoCodeOK       = 10000
	videoCodeNotFound = 10004
)

// Task states reported inside a videoCodeOK response.
const (
	videoStatusFailed  = 0
	videoStatusRunning = 1
	videoStatusDone    = 2
)

// VideoClient submits lip-sync video jobs and polls them by request code.
type VideoClient struct {
	submit     Endpoint
	query      Endpoint
	resultRoot string
	http       httpCaller
}

// NewVideoClient returns a client. Result paths reported by the service are
// joined under resultRoot.
func NewVideoClient(submit, query Endpoint, resultRoot string, client *http.Client) *VideoClient {
	return &VideoClient{submit: submit, query: query, resultRoot: resultRoot, http: newCaller(client)}
}

type videoSubmitResponse struct {
	Success bool `json:"success"`
}

type videoQueryResponse struct {
	Code int `json:"code"`
	Data *struct {
		Status *int   `json:"status"`
		Result string `json:"result"`
		Error  string `json:"error"`
	} `json:"data"`
}

// Submit posts the job. A "code" field is generated when the payload lacks
// one; it becomes the external ID.
func (c *VideoClient) Submit(ctx context.Context, payload json.RawMessage) (*Submission, error) {
	const op = "video submit"
	params := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &params); err != nil {
			return nil, invalid(op, "payload must be an object: %v", err)
		}
	}
	code, _ := params["code"].(string)
	if code == "" {
		code = uuid.NewString()
		params["code"] = code
	}
	resp, err := c.http.do(ctx, op, http.MethodPost, c.submit, c.submit.URL, params)
	if err != nil {
		return nil, err
	}
	if !ok(resp.status) {
		return nil, invalid(op, "status %d", resp.status)
	}
	var body videoSubmitResponse
	if err := json.Unmarshal(resp.body, &body); err != nil || !body.Success {
		return nil, invalid(op, "submission not accepted")
	}
	return &Submission{ExternalID: code, Body: resp.body, ContentType: resp.contentType}, nil
}

func (c *VideoClient) Poll(ctx context.Context, externalID string) (PollResult, error) {
	const op = "video query"
	u, err := url.Parse(c.query.URL)
	if err != nil {
		return PollResult{}, invalid(op, "query url: %v", err)
	}
	q := u.Query()
	q.Set("code", externalID)
	u.RawQuery = q.Encode()

	resp, err := c.http.do(ctx, op, http.MethodGet, c.query, u.String(), nil)
	if err != nil {
		return PollResult{}, err
	}
	if !ok(resp.status) {
		return PollResult{}, invalid(op, "status %d", resp.status)
	}
	var body videoQueryResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return PollResult{}, invalid(op, "decode: %v", err)
	}
	res := mapVideoStatus(body)
	if res.State == Succeeded && c.resultRoot != "" {
		res.Artifact = path.Join(c.resultRoot, res.Artifact)
	}
	return res, nil
}

// mapVideoStatus maps a query response onto PollResult. Anything not
// recognised is Pending.
func mapVideoStatus(body videoQueryResponse) PollResult {
	switch body.Code {
	case videoCodeNotFound:
		return PollResult{State: NotFound}
	case videoCodeOK:
	default:
		return PollResult{State: Pending}
	}
	if body.Data == nil || body.Data.Status == nil {
		return PollResult{State: Pending}
	}
	switch *body.Data.Status {
	case videoStatusDone:
		if body.Data.Result != "" {
			return PollResult{State: Succeeded, Artifact: body.Data.Result}
		}
	case videoStatusRunning:
		return PollResult{State: Pending}
	case videoStatusFailed:
		reason := body.Data.Error
		if reason == "" {
			reason = "video generation failed"
		}
		return PollResult{State: Failed, Reason: reason}
	}
	return PollResult{State: Pending}
}
