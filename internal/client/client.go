package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/andresmejia3/segbox/internal/api"
	"github.com/andresmejia3/segbox/internal/types"
)

// APIError is a well-formed error answer from the submission API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("submission API returned %d: %s", e.Status, e.Message)
}

// Client submits boxes to a running segbox server.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// NewBox posts one box and waits for its mask.
func (c *Client) NewBox(ctx context.Context, req api.NewBoxRequest) (api.NewBoxResponse, error) {
	var out api.NewBoxResponse
	err := c.do(ctx, http.MethodPost, "/api/new-box", req, &out)
	return out, err
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	url := c.baseURL + path

	var body io.Reader
	if in != nil {
		data, err := jsoniter.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &types.TransportError{URL: url, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &types.TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &types.TransportError{URL: url, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if jsoniter.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := jsoniter.Unmarshal(raw, out); err != nil {
		return &types.TransportError{URL: url, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}
