// Package telegram is a minimal Bot API client covering the calls the
// bridge makes: long-polled updates, webhook management, message
// send/edit, and callback query answers.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/xerrors"
)

// MaxMessageLength is the largest text payload the bridge sends in a
// single message. The Bot API caps messages at 4096 characters; the
// bridge stays below that to leave room for decoration.
const MaxMessageLength = 3900

// Client calls the Telegram Bot API.
type Client struct {
	// BaseURL defaults to the public Bot API. Tests point it at a
	// fake server.
	BaseURL string
	Token   string
	// HTTPClient defaults to http.DefaultClient if unset.
	HTTPClient *http.Client
}

// New returns a client for the public Bot API.
func New(token string) *Client {
	return &Client{
		BaseURL: "https://api.telegram.org",
		Token:   token,
	}
}

// Error is a Bot API failure response.
type Error struct {
	Method      string
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.ErrorCode, e.Description)
}

// User is a Telegram account.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

// Chat is a conversation the bot participates in.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// ForumTopicCreated is the service message payload for a new forum
// topic.
type ForumTopicCreated struct {
	Name string `json:"name"`
}

// Message is an incoming or sent message.
type Message struct {
	MessageID         int64              `json:"message_id"`
	MessageThreadID   int64              `json:"message_thread_id"`
	From              *User              `json:"from"`
	Chat              Chat               `json:"chat"`
	Text              string             `json:"text"`
	ForumTopicCreated *ForumTopicCreated `json:"forum_topic_created"`
}

// CallbackQuery is a button press on an inline keyboard.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

// Update is one entry from getUpdates or a webhook delivery.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

// InlineKeyboardButton is a single inline keyboard button.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// InlineKeyboardMarkup is an inline keyboard attached to a message.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// SendMessageRequest is the payload for sendMessage.
type SendMessageRequest struct {
	ChatID              int64                 `json:"chat_id"`
	MessageThreadID     int64                 `json:"message_thread_id,omitempty"`
	Text                string                `json:"text"`
	DisableNotification bool                  `json:"disable_notification,omitempty"`
	ReplyMarkup         *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageTextRequest is the payload for editMessageText.
type EditMessageTextRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
}

type getUpdatesRequest struct {
	Offset  int64 `json:"offset,omitempty"`
	Timeout int   `json:"timeout,omitempty"`
}

type answerCallbackQueryRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

type setWebhookRequest struct {
	URL         string `json:"url"`
	SecretToken string `json:"secret_token,omitempty"`
}

// Truncate shortens text to fit a single Telegram message, appending
// an ellipsis when it was cut. The cut lands on a rune boundary; the
// Bot API rejects invalid UTF-8 outright.
func Truncate(text string) string {
	if len(text) <= MaxMessageLength {
		return text
	}
	cut := MaxMessageLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// call performs one Bot API method invocation. The result, when
// non-nil, receives the response's result field.
func (c *Client) call(ctx context.Context, method string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return xerrors.Errorf("marshal %s request: %w", method, err)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	url := fmt.Sprintf("%s/bot%s/%s", base, c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return xerrors.Errorf("call %s: %w", method, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return xerrors.Errorf("read %s response: %w", method, err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return xerrors.Errorf("decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return &Error{
			Method:      method,
			ErrorCode:   envelope.ErrorCode,
			Description: envelope.Description,
		}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return xerrors.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetMe fetches the bot's own account, which doubles as a credential
// check at startup.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var user User
	err := c.call(ctx, "getMe", struct{}{}, &user)
	return user, err
}

// GetUpdates long-polls for updates newer than offset. Timeout is the
// server-side hold in seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", getUpdatesRequest{
		Offset:  offset,
		Timeout: timeout,
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends a message. Text longer than the single-message
// limit is truncated.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (Message, error) {
	req.Text = Truncate(req.Text)
	var msg Message
	err := c.call(ctx, "sendMessage", req, &msg)
	return msg, err
}

// EditMessageText replaces the text of a previously sent message.
func (c *Client) EditMessageText(ctx context.Context, req EditMessageTextRequest) error {
	req.Text = Truncate(req.Text)
	return c.call(ctx, "editMessageText", req, nil)
}

// AnswerCallbackQuery acknowledges a button press so the client stops
// showing a spinner.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackQueryRequest{
		CallbackQueryID: callbackQueryID,
		Text:            text,
	}, nil)
}

// SetWebhook registers the webhook URL. The secret token, when set, is
// echoed back by Telegram in the X-Telegram-Bot-Api-Secret-Token
// header of each delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secretToken string) error {
	return c.call(ctx, "setWebhook", setWebhookRequest{
		URL:         url,
		SecretToken: secretToken,
	}, nil)
}

// DeleteWebhook unregisters the webhook so long polling works again.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", struct{}{}, nil)
}
