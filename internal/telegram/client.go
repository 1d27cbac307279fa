// Package telegram provides a Telegram Bot API client for channel management and user messages.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAPIURL    = "https://api.telegram.org/bot%s/%s"
	defaultRateLimit = 25.0
	defaultTimeout   = 10 * time.Second
)

// Config holds telegram client configuration.
type Config struct {
	BotToken  string
	RateLimit float64 // requests per second
	Timeout   time.Duration
	// BaseURL points at a self-hosted Bot API server, e.g. http://localhost:8081.
	BaseURL string
}

// Client calls the Telegram Bot API.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

// NewClient creates a new telegram client.
func NewClient(config Config) (*Client, error) {
	if config.BotToken == "" {
		return nil, errors.New("telegram client: bot token is required")
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	apiURL := defaultAPIURL
	if config.BaseURL != "" {
		apiURL = strings.TrimRight(config.BaseURL, "/") + "/bot%s/%s"
	}

	slog.Info("telegram client configured", "rate_limit", config.RateLimit)

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		apiURL:     apiURL,
	}, nil
}

type createInviteLinkRequest struct {
	ChatID      int64 `json:"chat_id"`
	ExpireDate  int64 `json:"expire_date,omitempty"`
	MemberLimit int   `json:"member_limit,omitempty"`
}

type chatInviteLink struct {
	InviteLink string `json:"invite_link"`
}

// CreateInviteLink creates a time-boxed invite link with a member limit.
func (c *Client) CreateInviteLink(ctx context.Context, channelID int64, memberLimit int, expireAt time.Time) (string, error) {
	var link chatInviteLink
	err := c.call(ctx, "createChatInviteLink", createInviteLinkRequest{
		ChatID:      channelID,
		ExpireDate:  expireAt.Unix(),
		MemberLimit: memberLimit,
	}, &link)
	if err != nil {
		return "", err
	}
	if link.InviteLink == "" {
		return "", &PermanentError{Message: "empty invite link in response"}
	}
	return link.InviteLink, nil
}

type chatMemberRequest struct {
	ChatID       int64 `json:"chat_id"`
	UserID       int64 `json:"user_id"`
	OnlyIfBanned bool  `json:"only_if_banned,omitempty"`
}

// BanMember bans the user in the chat.
func (c *Client) BanMember(ctx context.Context, channelID, userID int64) error {
	return c.call(ctx, "banChatMember", chatMemberRequest{ChatID: channelID, UserID: userID}, nil)
}

// UnbanMember lifts a ban so the user can join again with a new invite.
func (c *Client) UnbanMember(ctx context.Context, channelID, userID int64) error {
	return c.call(ctx, "unbanChatMember", chatMemberRequest{ChatID: channelID, UserID: userID}, nil)
}

// KickMember removes the user from the chat with a ban followed by an unban.
// A user that is not a member counts as removed.
func (c *Client) KickMember(ctx context.Context, channelID, userID int64) error {
	if err := c.BanMember(ctx, channelID, userID); err != nil {
		if IsNotMember(err) {
			slog.Debug("user is not a channel member", "user_id", userID, "channel_id", channelID)
			return nil
		}
		return fmt.Errorf("ban member: %w", err)
	}
	if err := c.UnbanMember(ctx, channelID, userID); err != nil && !IsNotMember(err) {
		return fmt.Errorf("unban member: %w", err)
	}
	return nil
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// SendMessage sends an HTML message to a user chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}, nil)
}

type telegramResponse struct {
	OK          bool               `json:"ok"`
	Result      json.RawMessage    `json:"result,omitempty"`
	ErrorCode   int                `json:"error_code,omitempty"`
	Description string             `json:"description,omitempty"`
	Parameters  *responseParameter `json:"parameters,omitempty"`
}

type responseParameter struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, payload, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf(c.apiURL, c.config.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The token is part of the URL, so never surface the raw url.Error.
		return &RetryableError{Message: fmt.Sprintf("%s request failed: %v", method, errors.Unwrap(err))}
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(resp, method, result)
}

func (c *Client) handleResponse(resp *http.Response, method string, result any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	var tgResp telegramResponse
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		if resp.StatusCode >= 500 {
			return &RetryableError{Code: resp.StatusCode, Message: "server error"}
		}
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	if resp.StatusCode == http.StatusOK && tgResp.OK {
		if result != nil && len(tgResp.Result) > 0 {
			if err := json.Unmarshal(tgResp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if tgResp.Parameters != nil && tgResp.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(tgResp.Parameters.RetryAfter) * time.Second
		}
		return &RateLimitError{RetryAfter: retryAfter, Message: tgResp.Description}
	case resp.StatusCode >= 500:
		return &RetryableError{Code: resp.StatusCode, Message: tgResp.Description}
	default:
		return &PermanentError{Code: resp.StatusCode, Message: tgResp.Description}
	}
}
