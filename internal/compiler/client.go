// Package compiler talks HTTP to a compile service on behalf of the tracker.
package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ssuji15/taskcompile/internal/tracker"
	"github.com/ssuji15/taskcompile/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrUnexpectedStatus = errors.New("unexpected response status")

const maxArtifactSize = 64 << 20

type ClientConfig struct {
	BaseURL string
	// DownloadPrefix is the path segment artifacts are served under,
	// "download" or "pdf".
	DownloadPrefix string
	Timeout        time.Duration
}

type Client struct {
	base   string
	prefix string
	http   *http.Client
}

var _ tracker.Compiler = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	prefix := strings.Trim(cfg.DownloadPrefix, "/")
	if prefix == "" {
		prefix = "download"
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		prefix: prefix,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Start asks for a compilation of code and returns the handle to poll.
func (c *Client) Start(ctx context.Context, code string) (string, error) {
	form := url.Values{"code": {code}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/compile", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		Handle json.Number `json:"handle"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", fmt.Errorf("compile of %s: response carries no handle", code)
	}
	return resp.Handle.String(), nil
}

func (c *Client) Status(ctx context.Context, code, handle string) (tracker.Status, error) {
	q := url.Values{"code": {code}, "handle": {handle}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/compile?"+q.Encode(), nil)
	if err != nil {
		return tracker.Status{}, err
	}

	var st model.CompileStatus
	if err := c.doJSON(req, &st); err != nil {
		return tracker.Status{}, err
	}
	return tracker.Status{Done: st.Done, Error: st.Error, Message: st.Msg, Log: st.Log}, nil
}

// Download fetches the compiled statement of code.
func (c *Client) Download(ctx context.Context, code string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL(code), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
}

// Tasks lists the task codes the compile service knows about.
func (c *Client) Tasks(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/list", nil)
	if err != nil {
		return nil, err
	}
	var tasks []string
	if err := c.doJSON(req, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Runs lists the recorded builds of code, newest first.
func (c *Client) Runs(ctx context.Context, code string, limit int) ([]model.CompileRun, error) {
	q := url.Values{"code": {code}, "limit": {strconv.Itoa(limit)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/runs?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var runs []model.CompileRun
	if err := c.doJSON(req, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) DownloadURL(code string) string {
	return c.base + "/" + c.prefix + "/" + url.PathEscape(code)
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// the service answered; retrying the same request will not help
		return fmt.Errorf("%w: %s %s: %w", ErrUnexpectedStatus, strconv.Itoa(resp.StatusCode), resp.Request.URL.Path, &tracker.RejectedError{Reason: msg})
	}
	return fmt.Errorf("%w: %s %s: %s", ErrUnexpectedStatus, strconv.Itoa(resp.StatusCode), resp.Request.URL.Path, msg)
}
