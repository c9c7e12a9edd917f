// Package telegram is the outbound wire client for the Telegram Bot
// API and the message formatting that feeds it.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type Button struct {
	Text string
	URL  string
}

type SendRequest struct {
	ChatID    int64
	Text      string
	PhotoURL  string // non-empty switches to sendPhoto with Text as caption
	ParseMode string // empty sends plain text
	Button    *Button
}

// SendResult is the decoded API outcome. A transport-level failure is
// returned as an error from Send instead.
type SendResult struct {
	OK          bool
	ErrorCode   int
	Description string
	RetryAfter  time.Duration
}

// Blocked reports a permanent recipient-level failure: 403 is the bot
// blocked by the user, 400 a chat that no longer exists.
func (r SendResult) Blocked() bool {
	return !r.OK && (r.ErrorCode == http.StatusBadRequest || r.ErrorCode == http.StatusForbidden)
}

func (r SendResult) RateLimited() bool {
	return !r.OK && r.ErrorCode == http.StatusTooManyRequests
}

// ParseRejected reports that the API refused the payload as
// unparsable markup; the caller should retry that recipient as plain
// text rather than fail the run.
func (r SendResult) ParseRejected() bool {
	if r.OK {
		return false
	}
	d := strings.ToLower(r.Description)
	return strings.Contains(d, "parse") || strings.Contains(d, "entities") || strings.Contains(d, "can't")
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send performs sendMessage or sendPhoto for one recipient. The
// context plus the client timeout bound the call; a timed-out send is
// a per-recipient failure, never a run-ending one.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	method := "sendMessage"
	payload := map[string]any{
		"chat_id": req.ChatID,
	}
	if req.PhotoURL != "" {
		method = "sendPhoto"
		payload["photo"] = req.PhotoURL
		payload["caption"] = req.Text
	} else {
		payload["text"] = req.Text
	}
	if req.ParseMode != "" {
		payload["parse_mode"] = req.ParseMode
	}
	if req.Button != nil {
		payload["reply_markup"] = map[string]any{
			"inline_keyboard": [][]map[string]string{{
				{"text": req.Button.Text, "url": req.Button.URL},
			}},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram api unavailable: %w", err)
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return SendResult{}, fmt.Errorf("telegram api returned %d: %w", resp.StatusCode, err)
	}

	result := SendResult{
		OK:          decoded.OK,
		ErrorCode:   decoded.ErrorCode,
		Description: decoded.Description,
	}
	if decoded.Parameters != nil && decoded.Parameters.RetryAfter > 0 {
		result.RetryAfter = time.Duration(decoded.Parameters.RetryAfter) * time.Second
	}
	if result.RateLimited() {
		c.log.Warn("telegram rate limit hit",
			zap.Int64("chat_id", req.ChatID),
			zap.Duration("retry_after", result.RetryAfter))
	}
	return result, nil
}
