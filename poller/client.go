package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/docflow_backend/workflow"
)

// HTTPError is a non-2xx answer from the API, carrying its {"error", "code"} body.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// Client reads status views from a docflow API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Token is sent as a bearer token when set.
	Token string
	// Session is sent in the "token" header when set.
	Session string
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) FetchJobStatus(ctx context.Context, jobID string) (workflow.StatusView, error) {
	var v workflow.StatusView
	err := c.Do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/status", nil, &v)
	return v, err
}

func (c *Client) FetchDocumentStatus(ctx context.Context, documentID string) (workflow.StatusView, error) {
	var v workflow.StatusView
	err := c.Do(ctx, http.MethodGet, "/documents/"+url.PathEscape(documentID)+"/status", nil, &v)
	return v, err
}

func (c *Client) WaitForJob(ctx context.Context, jobID string, w *Waiter) (Result, error) {
	return w.Wait(ctx, func(ctx context.Context) (workflow.StatusView, error) {
		return c.FetchJobStatus(ctx, jobID)
	})
}

func (c *Client) WaitForDocument(ctx context.Context, documentID string, w *Waiter) (Result, error) {
	return w.Wait(ctx, func(ctx context.Context) (workflow.StatusView, error) {
		return c.FetchDocumentStatus(ctx, documentID)
	})
}

// Do sends body as JSON and decodes the "data" member of the response into out.
func (c *Client) Do(ctx context.Context, method string, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Session != "" {
		req.Header.Set("token", c.Session)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
		Code  string          `json:"code"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	if resp.StatusCode >= 300 {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{Status: resp.StatusCode, Code: env.Code, Message: msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
