package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anchorhq/anchor/internal/api"
	"github.com/anchorhq/anchor/internal/session"
)

var daemonHTTP = &http.Client{Timeout: 10 * time.Second}

// sendMessage posts an action envelope to the daemon and decodes the reply
// into out (which may be nil).
func sendMessage(ctx context.Context, msg api.Message, out any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, daemonURL()+"/api/v1/message", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := daemonHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? start it with `anchor serve`: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// fetchStatus reads the live session snapshot from the daemon.
func fetchStatus(ctx context.Context) (*session.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, daemonURL()+"/api/v1/session", nil)
	if err != nil {
		return nil, err
	}

	resp, err := daemonHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? start it with `anchor serve`: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}

	var st session.Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// fetchSummary asks the daemon for an end-of-session summary.
func fetchSummary(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, daemonURL()+"/summarize-session", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := daemonHTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		OK     bool   `json:"ok"`
		Report string `json:"report"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", fmt.Errorf("summarize: %s", out.Error)
	}
	return out.Report, nil
}
