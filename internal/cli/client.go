package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/me/mobgo/internal/backend"
)

// Client talks to a portal over its delegation endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a portal client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// PostForm posts a form to a delegation endpoint and parses the
// envelope. An envelope with OK=false is returned as an error carrying
// the portal's message.
func (c *Client) PostForm(path string, form url.Values) (*backend.Envelope, error) {
	target := c.BaseURL + path
	c.Logger.Debug("HTTP request", "method", "POST", "url", target)

	resp, err := c.HTTPClient.PostForm(target, form)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "body", string(body))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal answered %s", resp.Status)
	}
	var env backend.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed portal response: %w", err)
	}
	if !env.OK {
		return &env, fmt.Errorf("portal refused: %s", env.Error)
	}
	return &env, nil
}

// GetJSON fetches a listing endpoint into v.
func (c *Client) GetJSON(path string, v any) error {
	target := c.BaseURL + path
	c.Logger.Debug("HTTP request", "method", "GET", "url", target)

	resp, err := c.HTTPClient.Get(target)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal answered %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed portal response: %w", err)
	}
	return nil
}
