package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Endpoint is one remote operation with its own call timeout.
type Endpoint struct {
	URL     string
	Timeout time.Duration
}

// maxBody bounds how much of a remote response is read.
const maxBody = 256 << 20

type response struct {
	status      int
	body        []byte
	contentType string
}

type httpCaller struct {
	client *http.Client
}

func newCaller(client *http.Client) httpCaller {
	if client == nil {
		client = &http.Client{}
	}
	return httpCaller{client: client}
}

func (c httpCaller) do(ctx context.Context, op, method string, ep Endpoint, target string, body any) (*response, error) {
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindInvalidResponse, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, classify(op, err)
	}
	return &response{status: resp.StatusCode, body: data, contentType: resp.Header.Get("Content-Type")}, nil
}

// classify maps transport errors onto Timeout or Network.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func ok(status int) bool { return status >= 200 && status < 300 }
