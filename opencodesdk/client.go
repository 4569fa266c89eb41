// Package opencodesdk is a client for the opencode server API: session
// management, fire-and-forget prompting, permission responses, message
// history, and the persistent event stream.
package opencodesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/xerrors"
)

// Client issues requests against one opencode server. A zero HTTPClient
// falls back to http.DefaultClient. Username and Password, when set,
// are sent as basic auth on every request (shared-server deployments).
type Client struct {
	URL        *url.URL
	HTTPClient *http.Client

	Username string
	Password string
}

// New parses baseURL and returns a client for it.
func New(baseURL string) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, xerrors.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, xerrors.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	return &Client{URL: parsed}, nil
}

// Request performs an HTTP request against the server. A non-nil body
// is encoded as JSON. The caller is responsible for closing the
// response body.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	path, rawQuery, _ := strings.Cut(path, "?")
	target := *c.URL
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawQuery = rawQuery

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, xerrors.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Username != "" || c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("do request: %w", err)
	}
	return res, nil
}

// Error is an unexpected API response.
type Error struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// ReadBodyAsError consumes the response body and returns it as an
// *Error for non-2xx responses.
func ReadBodyAsError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &Error{
		StatusCode: res.StatusCode,
		Method:     res.Request.Method,
		URL:        res.Request.URL.String(),
		Body:       strings.TrimSpace(string(body)),
	}
}

// IsUnauthorized reports whether err is an API error with a 401
// status.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return xerrors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Session is a backend conversation context.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Directory string      `json:"directory"`
	Time      SessionTime `json:"time"`
}

// SessionTime carries session timestamps in unix seconds.
type SessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

// MessageInfo is the metadata half of a message.
type MessageInfo struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionID"`
	Role       string      `json:"role"`
	ProviderID string      `json:"providerID,omitempty"`
	ModelID    string      `json:"modelID,omitempty"`
	Time       MessageTime `json:"time"`
}

// MessageTime records message lifecycle timestamps. Completed is nil
// while the assistant is still producing output.
type MessageTime struct {
	Created   *float64 `json:"created,omitempty"`
	Completed *float64 `json:"completed,omitempty"`
}

// Part is a structured chunk of a message. Only Type "text" carries
// user-visible prose; the remaining fields describe tool and step
// activity.
type Part struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionID,omitempty"`
	MessageID string `json:"messageID,omitempty"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Name      string `json:"name,omitempty"`
	Command   string `json:"command,omitempty"`
	Title     string `json:"title,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Message   string `json:"message,omitempty"`
}

// MessageWithParts is one message as returned by the history endpoint.
type MessageWithParts struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// TextContent concatenates the text parts of a message.
func (m MessageWithParts) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// CreateSessionRequest creates a session.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// UpdateSessionRequest patches session metadata.
type UpdateSessionRequest struct {
	Title string `json:"title"`
}

// Model selects the provider and model for a prompt.
type Model struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PromptPart is a single input part of a prompt.
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest submits a prompt to a session. The call returns as
// soon as the server accepts the prompt; output arrives on the event
// stream.
type PromptRequest struct {
	Parts []PromptPart `json:"parts"`
	Agent string       `json:"agent,omitempty"`
	Model *Model       `json:"model,omitempty"`
}

// PermissionResponse answers a permission request.
type PermissionResponse struct {
	Response string `json:"response"`
}

// Healthy reports whether the server answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	res, err := c.Request(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode == http.StatusOK
}

// CreateSession creates a session with the given title.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	res, err := c.Request(ctx, http.MethodPost, "/session", req)
	if err != nil {
		return Session{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return Session{}, ReadBodyAsError(res)
	}
	var session Session
	return session, json.NewDecoder(res.Body).Decode(&session)
}

// UpdateSession patches a session.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, req UpdateSessionRequest) error {
	res, err := c.Request(ctx, http.MethodPatch, "/session/"+url.PathEscape(sessionID), req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		return ReadBodyAsError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// ListSessions returns all sessions on the server. Both a bare array
// and an items envelope are accepted; shared servers differ here by
// version.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	res, err := c.Request(ctx, http.MethodGet, "/session", nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, ReadBodyAsError(res)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, xerrors.Errorf("read session list: %w", err)
	}

	var sessions []Session
	if err := json.Unmarshal(body, &sessions); err == nil {
		return sessions, nil
	}
	var envelope struct {
		Items []Session `json:"items"`
		Data  []Session `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, xerrors.Errorf("decode session list: %w", err)
	}
	if envelope.Items != nil {
		return envelope.Items, nil
	}
	return envelope.Data, nil
}

// Prompt submits a prompt without waiting for completion.
func (c *Client) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	res, err := c.Request(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		return ReadBodyAsError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// RespondPermission answers a pending permission request with "allow"
// or "deny".
func (c *Client) RespondPermission(ctx context.Context, sessionID, permissionID string, req PermissionResponse) error {
	res, err := c.Request(
		ctx,
		http.MethodPost,
		"/session/"+url.PathEscape(sessionID)+"/permissions/"+url.PathEscape(permissionID),
		req,
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		return ReadBodyAsError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// ListMessages returns up to limit recent messages for a session,
// oldest first.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int) ([]MessageWithParts, error) {
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	res, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, ReadBodyAsError(res)
	}
	var messages []MessageWithParts
	return messages, json.NewDecoder(res.Body).Decode(&messages)
}

// LastAssistantMessage scans the history newest-first for an assistant
// message. When requireText is set, messages without text content are
// skipped.
func (c *Client) LastAssistantMessage(ctx context.Context, sessionID string, requireText bool) (MessageWithParts, bool, error) {
	return c.lastMessageByRole(ctx, sessionID, "assistant", requireText)
}

// LastUserMessage scans the history newest-first for a user message
// with text content.
func (c *Client) LastUserMessage(ctx context.Context, sessionID string) (MessageWithParts, bool, error) {
	return c.lastMessageByRole(ctx, sessionID, "user", true)
}

func (c *Client) lastMessageByRole(ctx context.Context, sessionID, role string, requireText bool) (MessageWithParts, bool, error) {
	messages, err := c.ListMessages(ctx, sessionID, 50)
	if err != nil {
		return MessageWithParts{}, false, err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Info.Role != role {
			continue
		}
		if requireText && strings.TrimSpace(messages[i].TextContent()) == "" {
			continue
		}
		return messages[i], true, nil
	}
	return MessageWithParts{}, false, nil
}
