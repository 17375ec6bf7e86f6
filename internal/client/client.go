// Package client talks to a running narrator over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voiceref"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for the server at baseURL, e.g. http://localhost:8000.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", baseURL)
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) url(path string) string {
	return c.base.String() + path
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// Health checks the server once.
func (c *Client) Health(ctx context.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/health", &body); err != nil {
		return err
	}
	if body.Status != "healthy" {
		return fmt.Errorf("server reports %q", body.Status)
	}
	return nil
}

// WaitHealthy polls the health endpoint until it answers or maxWait passes.
func (c *Client) WaitHealthy(ctx context.Context, maxWait time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.Health(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxWait),
	)
	if err != nil {
		return fmt.Errorf("server at %s is not healthy: %w", c.base, err)
	}
	return nil
}

func (c *Client) Voices(ctx context.Context) ([]tts.Preset, error) {
	var body struct {
		Voices []tts.Preset `json:"voices"`
	}
	err := c.get(ctx, "/api/voices", &body)
	return body.Voices, err
}

func (c *Client) Models(ctx context.Context) ([]tts.Model, error) {
	var body struct {
		Models []tts.Model `json:"models"`
	}
	err := c.get(ctx, "/api/models", &body)
	return body.Models, err
}

// UploadReference registers the clip at path. format may be empty to infer it
// from the file name.
func (c *Client) UploadReference(ctx context.Context, path, format, refText string) (voiceref.Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return voiceref.Reference{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return voiceref.Reference{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return voiceref.Reference{}, err
	}
	if format != "" {
		_ = mw.WriteField("format", format)
	}
	if refText != "" {
		_ = mw.WriteField("ref_text", refText)
	}
	if err := mw.Close(); err != nil {
		return voiceref.Reference{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/references"), &body)
	if err != nil {
		return voiceref.Reference{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var ref voiceref.Reference
	err = c.do(req, &ref)
	return ref, err
}

func (c *Client) Reference(ctx context.Context, id string) (voiceref.Reference, error) {
	var ref voiceref.Reference
	err := c.get(ctx, "/api/references/"+url.PathEscape(id), &ref)
	return ref, err
}

// JobView is the server's job representation.
type JobView struct {
	pipeline.Job
	AudioURL  string `json:"audio_url,omitempty"`
	StreamURL string `json:"stream_url,omitempty"`
}

func (c *Client) CreateJob(ctx context.Context, opts pipeline.Options) (JobView, error) {
	var job JobView
	err := c.postJSON(ctx, "/api/jobs", opts, &job)
	return job, err
}

func (c *Client) Job(ctx context.Context, id string) (JobView, error) {
	var job JobView
	err := c.get(ctx, "/api/jobs/"+url.PathEscape(id), &job)
	return job, err
}

func (c *Client) Cancel(ctx context.Context, id string) (JobView, error) {
	var job JobView
	err := c.postJSON(ctx, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &job)
	return job, err
}

// Generated is the reply of the synchronous generate call.
type Generated struct {
	Status         string                  `json:"status"`
	JobID          string                  `json:"job_id"`
	AudioURL       string                  `json:"audio_url"`
	Filename       string                  `json:"filename"`
	Duration       float64                 `json:"duration"`
	ProcessingTime float64                 `json:"processing_time"`
	Chunks         int                     `json:"chunks"`
	Partial        bool                    `json:"partial"`
	Failed         []pipeline.ChunkFailure `json:"failed"`
}

func (c *Client) Generate(ctx context.Context, opts pipeline.Options) (Generated, error) {
	var out Generated
	err := c.postJSON(ctx, "/api/generate", opts, &out)
	return out, err
}

// Download writes the WAV of a finished job to w.
func (c *Client) Download(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/jobs/"+url.PathEscape(jobID)+"/audio"), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return 0, apiErr
	}
	return io.Copy(w, resp.Body)
}

// maxStreamResumes bounds reconnects after the server cuts a stream short.
const maxStreamResumes = 5

// Stream follows a job's events until its terminal event. When the server
// drops the stream because this client fell behind, Stream reconnects; the
// replay is deduplicated by seq so fn sees every event once.
func (c *Client) Stream(ctx context.Context, jobID string, fn func(pipeline.Event)) error {
	lastSeq := 0
	deliver := func(evt pipeline.Event) {
		if evt.Seq <= lastSeq {
			return
		}
		lastSeq = evt.Seq
		fn(evt)
	}
	for resumes := 0; ; resumes++ {
		done, err := c.streamOnce(ctx, jobID, deliver)
		if done || err != nil {
			return err
		}
		if resumes == maxStreamResumes {
			return fmt.Errorf("job %s stream: gave up after %d resumes", jobID, resumes)
		}
	}
}

// streamOnce reads one websocket session. It reports done=false when the
// server asked the client to try again.
func (c *Client) streamOnce(ctx context.Context, jobID string, fn func(pipeline.Event)) (bool, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/jobs/" + url.PathEscape(jobID) + "/stream"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			_ = json.NewDecoder(resp.Body).Decode(apiErr)
			return true, apiErr
		}
		return true, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var evt pipeline.Event
		if err := conn.ReadJSON(&evt); err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				return true, nil
			case websocket.IsCloseError(err, websocket.CloseTryAgainLater):
				return false, nil
			case ctx.Err() != nil:
				return true, ctx.Err()
			}
			return true, err
		}
		fn(evt)
		if evt.Type.Terminal() {
			return true, nil
		}
	}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
