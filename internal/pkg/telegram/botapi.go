package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"vpnbot/internal/pkg/httpclient"
)

const apiBase = "https://api.telegram.org"

// BotAPI is a minimal direct Telegram Bot API client. The worker process uses
// it to notify users without running a telebot poller.
type BotAPI struct {
	client *httpclient.Client
}

// NewBotAPI creates a new direct Telegram Bot API client.
func NewBotAPI(token string) *BotAPI {
	return newBotAPI(apiBase, token)
}

func newBotAPI(base, token string) *BotAPI {
	return &BotAPI{
		client: httpclient.New().WithBaseURL(strings.TrimRight(base, "/") + "/bot" + token),
	}
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Call makes a raw API call and returns the result field.
func (b *BotAPI) Call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	resp, err := b.client.R(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(params).
		Post("/" + method)
	if err != nil {
		return nil, fmt.Errorf("telegram API call %s failed: %w", method, err)
	}

	var out struct {
		OK          bool            `json:"ok"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("telegram API call %s: status %d: %w", method, resp.StatusCode(), err)
	}
	if !out.OK {
		return nil, &APIError{Method: method, Code: out.ErrorCode, Description: out.Description}
	}
	return out.Result, nil
}

// SendMessage sends an HTML text message.
func (b *BotAPI) SendMessage(ctx context.Context, chatID int64, text string, replyMarkup interface{}) error {
	params := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if replyMarkup != nil {
		params["reply_markup"] = replyMarkup
	}
	_, err := b.Call(ctx, "sendMessage", params)
	return err
}

// Notify sends text to a user's private chat.
func (b *BotAPI) Notify(ctx context.Context, userID int64, text string) error {
	return b.SendMessage(ctx, userID, text, nil)
}

// SetWebhook registers url with an optional secret token.
func (b *BotAPI) SetWebhook(ctx context.Context, url, secret string) error {
	params := map[string]interface{}{"url": url}
	if secret != "" {
		params["secret_token"] = secret
	}
	_, err := b.Call(ctx, "setWebhook", params)
	return err
}
