package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client calls a remote moderation service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type checkRequest struct {
	Text string `json:"text"`
}

type checkResponse struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	Category string `json:"category,omitempty"`
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) Check(ctx context.Context, text string) (Verdict, error) {
	body, err := json.Marshal(checkRequest{Text: text})
	if err != nil {
		return Verdict{}, errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/moderate", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verdict{}, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, errors.Errorf("moderation service returned status %d: %s", resp.StatusCode, string(b))
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Verdict{}, errors.Wrap(err, "failed to decode response")
	}
	if !out.Allowed {
		c.logger.Debug("message rejected by moderation service", zap.String("category", out.Category))
	}
	return Verdict{Allowed: out.Allowed, Reason: out.Reason}, nil
}
