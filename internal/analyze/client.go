package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anchorhq/anchor/internal/models"
)

// Client talks to the local analysis server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the analysis server at baseURL, e.g.
// "http://127.0.0.1:3001".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// AnalyzeRequest is the analyze endpoint payload.
type AnalyzeRequest struct {
	Goal              string `json:"goal"`
	URL               string `json:"url"`
	Title             string `json:"title"`
	Timestamp         int64  `json:"ts"`
	ScreenshotDataURL string `json:"screenshotDataUrl"`
}

// AnalyzeResponse is the analyze endpoint reply.
type AnalyzeResponse struct {
	OK      bool            `json:"ok"`
	Verdict *models.Verdict `json:"verdict,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SummarizeResponse is the summarize-session reply.
type SummarizeResponse struct {
	OK     bool   `json:"ok"`
	Report string `json:"report,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Analyze submits one frame for a distraction verdict.
func (c *Client) Analyze(ctx context.Context, goal string, frame *models.CaptureFrame) (*models.Verdict, error) {
	req := AnalyzeRequest{
		Goal:              goal,
		URL:               frame.URL,
		Title:             frame.Title,
		Timestamp:         frame.Timestamp.UnixMilli(),
		ScreenshotDataURL: frame.DataURL,
	}

	var resp AnalyzeResponse
	if err := c.post(ctx, "/analyze", req, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("analyze: %s", resp.Error)
	}
	if resp.Verdict == nil {
		return nil, fmt.Errorf("analyze: missing verdict")
	}
	return resp.Verdict, nil
}

// Summarize asks for the end-of-session summary. The server clears its
// activity log as a side effect.
func (c *Client) Summarize(ctx context.Context) (string, error) {
	var resp SummarizeResponse
	if err := c.post(ctx, "/summarize-session", struct{}{}, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("summarize: %s", resp.Error)
	}
	return resp.Report, nil
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
