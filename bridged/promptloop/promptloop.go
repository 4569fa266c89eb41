// Package promptloop drives one prompt turn: it submits the user's
// text to the agent session, accumulates the streamed reply, and
// mirrors it into the chat thread with debounced edits. Stalled or
// dropped streams are reconciled against the server's message history
// so the delivered text never regresses.
package promptloop

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/ocbridge/ocbridge/opencodesdk"
	"github.com/ocbridge/ocbridge/telegram"
)

const (
	// DefaultDebounce rate-limits message edits while text streams.
	DefaultDebounce = 1200 * time.Millisecond
	// DefaultEventWait is the quiet period after which history is
	// polled for progress the stream may have dropped.
	DefaultEventWait = 10 * time.Second
	// DefaultEmptyTextAfter is how long a turn may run with no text
	// at all before history polling kicks in.
	DefaultEmptyTextAfter = 15 * time.Second
	// DefaultRecoveryAttempts and DefaultRecoveryInterval bound the
	// history polls after a completion arrives with no text.
	DefaultRecoveryAttempts = 8
	DefaultRecoveryInterval = time.Second
	// DefaultHardTimeout is the ceiling on a single turn.
	DefaultHardTimeout = 30 * time.Minute
)

// Config configures a Runner. Zero durations get the defaults above.
type Config struct {
	Logger   slog.Logger
	Telegram *telegram.Client

	Debounce         time.Duration
	EventWait        time.Duration
	EmptyTextAfter   time.Duration
	RecoveryAttempts int
	RecoveryInterval time.Duration
	HardTimeout      time.Duration

	// Clock overrides time, for tests.
	Clock quartz.Clock
}

// Runner executes prompt turns.
type Runner struct {
	cfg    Config
	logger slog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.EventWait == 0 {
		cfg.EventWait = DefaultEventWait
	}
	if cfg.EmptyTextAfter == 0 {
		cfg.EmptyTextAfter = DefaultEmptyTextAfter
	}
	if cfg.RecoveryAttempts == 0 {
		cfg.RecoveryAttempts = DefaultRecoveryAttempts
	}
	if cfg.RecoveryInterval == 0 {
		cfg.RecoveryInterval = DefaultRecoveryInterval
	}
	if cfg.HardTimeout == 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	return &Runner{cfg: cfg, logger: cfg.Logger}
}

// Request is one prompt turn.
type Request struct {
	Client *opencodesdk.Client
	// Events delivers the instance's event stream. The caller owns
	// the subscription.
	Events <-chan opencodesdk.Event

	ChatID    int64
	ThreadID  int64
	SessionID string
	Prompt    string
	Agent     string
	Model     *opencodesdk.Model
}

// Result describes how a turn ended.
type Result struct {
	// Text is the final reply text delivered to the thread.
	Text string
	// MessageID is the chat message carrying the reply, zero when
	// nothing was delivered.
	MessageID int64
	// AssistantMessageID is the backend message the reply came
	// from, when known.
	AssistantMessageID string
	// TimedOut is set when the hard ceiling ended the turn.
	TimedOut bool
	// Errored is set when the turn ended on a session error.
	Errored bool
}

// Run posts a placeholder, submits the prompt, and reconciles the
// reply until the turn completes, errors, or times out.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	logger := r.logger.With(
		slog.F("chat_id", req.ChatID),
		slog.F("thread_id", req.ThreadID),
		slog.F("session_id", req.SessionID),
	)

	turn := &turnState{
		runner:  r,
		logger:  logger,
		req:     req,
		started: r.cfg.Clock.Now(),
	}

	// The placeholder is edited in place as text streams in.
	placeholder, err := r.cfg.Telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:          req.ChatID,
		MessageThreadID: req.ThreadID,
		Text:            "Thinking...",
	})
	if err != nil {
		logger.Warn(ctx, "send placeholder", slog.Error(err))
	} else {
		turn.messageID = placeholder.MessageID
		turn.lastEdit = r.cfg.Clock.Now()
	}

	err = req.Client.Prompt(ctx, req.SessionID, opencodesdk.PromptRequest{
		Parts: []opencodesdk.PromptPart{{Type: "text", Text: req.Prompt}},
		Agent: req.Agent,
		Model: req.Model,
	})
	if err != nil {
		turn.text = "Error: prompt submission failed"
		turn.deliver(ctx, true)
		return Result{}, xerrors.Errorf("submit prompt: %w", err)
	}
	return turn.loop(ctx)
}

// turnState is the mutable state for one Run.
type turnState struct {
	runner  *Runner
	logger  slog.Logger
	req     Request
	started time.Time

	text               string
	messageID          int64
	assistantMessageID string
	delivered          string
	lastEdit           time.Time

	seenPermissions map[string]bool
}

func (t *turnState) loop(ctx context.Context) (Result, error) {
	cfg := t.runner.cfg
	hardDeadline := t.started.Add(cfg.HardTimeout)
	emptyDeadline := t.started.Add(cfg.EmptyTextAfter)

	for {
		if cfg.Clock.Now().After(hardDeadline) {
			t.logger.Warn(ctx, "turn hit hard timeout")
			t.appendNote("(response timed out)")
			t.deliver(ctx, true)
			return t.result(true, false), nil
		}
		if t.text == "" && cfg.Clock.Now().After(emptyDeadline) {
			// Nothing streamed for a while; the reply may exist
			// only in history.
			t.pollHistory(ctx, cfg.RecoveryAttempts, cfg.RecoveryInterval)
			emptyDeadline = cfg.Clock.Now().Add(cfg.EmptyTextAfter)
		}

		wait := cfg.Clock.NewTimer(cfg.EventWait)
		select {
		case <-ctx.Done():
			wait.Stop()
			t.deliver(ctx, true)
			return t.result(false, false), ctx.Err()
		case <-wait.C:
			// Quiet stream. Reconcile against history in case edits
			// were dropped.
			t.pollHistoryOnce(ctx)
		case event, ok := <-t.req.Events:
			wait.Stop()
			if !ok {
				// Stream torn down under us, likely an instance
				// restart. History is all we have left.
				t.pollHistory(ctx, cfg.RecoveryAttempts, cfg.RecoveryInterval)
				t.deliver(ctx, true)
				return t.result(false, false), nil
			}
			done, errored := t.handleEvent(ctx, event)
			if done {
				if t.text == "" && !errored {
					t.pollHistory(ctx, cfg.RecoveryAttempts, cfg.RecoveryInterval)
					if t.text == "" {
						t.text = "(no output)"
					}
				}
				t.deliver(ctx, true)
				return t.result(false, errored), nil
			}
		}
	}
}

// handleEvent folds one event into the turn. It reports whether the
// turn is over and whether it ended in error.
func (t *turnState) handleEvent(ctx context.Context, event opencodesdk.Event) (done, errored bool) {
	switch event.Type {
	case opencodesdk.EventTypeMessagePartUpdated:
		var props opencodesdk.MessagePartUpdatedProperties
		if err := event.DecodeProperties(&props); err != nil {
			return false, false
		}
		if props.Part.SessionID != t.req.SessionID || props.Part.Type != "text" {
			return false, false
		}
		// Once the assistant message is known, parts from any other
		// message (the user's own echo included) are not the reply.
		if t.assistantMessageID != "" && props.Part.MessageID != "" &&
			props.Part.MessageID != t.assistantMessageID {
			return false, false
		}
		if props.Delta != "" {
			t.text += props.Delta
		} else if len(props.Part.Text) > len(t.text) {
			// Snapshots may arrive out of order; only ever grow.
			t.text = props.Part.Text
		}
		t.deliver(ctx, false)
		return false, false

	case opencodesdk.EventTypeMessageUpdated:
		var props opencodesdk.MessageUpdatedProperties
		if err := event.DecodeProperties(&props); err != nil {
			return false, false
		}
		if props.Info.SessionID != t.req.SessionID || props.Info.Role != "assistant" {
			return false, false
		}
		if props.Info.ID != "" {
			t.assistantMessageID = props.Info.ID
		}
		return props.Info.Time.Completed != nil, false

	case opencodesdk.EventTypeSessionError:
		var props opencodesdk.SessionErrorProperties
		if err := event.DecodeProperties(&props); err != nil {
			return false, false
		}
		if props.SessionID != "" && props.SessionID != t.req.SessionID {
			return false, false
		}
		t.logger.Warn(ctx, "session error", slog.F("message", props.Message()))
		t.appendNote("Error: " + props.Message())
		return true, true

	case opencodesdk.EventTypePermissionUpdated:
		var props opencodesdk.PermissionUpdatedProperties
		if err := event.DecodeProperties(&props); err != nil {
			return false, false
		}
		if props.SessionID != t.req.SessionID {
			return false, false
		}
		t.sendPermissionPrompt(ctx, props)
		return false, false
	}
	return false, false
}

// sendPermissionPrompt posts an approval keyboard for a pending
// permission request, once per permission ID.
func (t *turnState) sendPermissionPrompt(ctx context.Context, props opencodesdk.PermissionUpdatedProperties) {
	if t.seenPermissions == nil {
		t.seenPermissions = make(map[string]bool)
	}
	if t.seenPermissions[props.ID] {
		return
	}
	t.seenPermissions[props.ID] = true

	title := props.Title
	if title == "" {
		title = "The agent requests permission to proceed."
	}
	_, err := t.runner.cfg.Telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:          t.req.ChatID,
		MessageThreadID: t.req.ThreadID,
		Text:            "Permission needed: " + title,
		ReplyMarkup: &telegram.InlineKeyboardMarkup{
			InlineKeyboard: [][]telegram.InlineKeyboardButton{{
				{Text: "Allow", CallbackData: FormatPermissionCallback(t.req.ChatID, t.req.ThreadID, props.ID, "allow")},
				{Text: "Deny", CallbackData: FormatPermissionCallback(t.req.ChatID, t.req.ThreadID, props.ID, "deny")},
			}},
		},
	})
	if err != nil {
		t.logger.Warn(ctx, "send permission prompt", slog.Error(err))
	}
}

// pollHistoryOnce adopts a longer reply from history, if any.
func (t *turnState) pollHistoryOnce(ctx context.Context) {
	msg, ok, err := t.req.Client.LastAssistantMessage(ctx, t.req.SessionID, true)
	if err != nil {
		t.logger.Debug(ctx, "history poll failed", slog.Error(err))
		return
	}
	if !ok {
		return
	}
	if text := msg.TextContent(); len(text) > len(t.text) {
		t.text = text
		t.assistantMessageID = msg.Info.ID
		t.deliver(ctx, false)
	}
}

// pollHistory polls until text shows up or attempts run out.
func (t *turnState) pollHistory(ctx context.Context, attempts int, interval time.Duration) {
	for i := 0; i < attempts; i++ {
		before := len(t.text)
		t.pollHistoryOnce(ctx)
		if len(t.text) > before || t.text != "" {
			return
		}
		pause := t.runner.cfg.Clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			pause.Stop()
			return
		case <-pause.C:
		}
	}
}

// appendNote adds a trailing status line to the reply.
func (t *turnState) appendNote(note string) {
	if t.text == "" {
		t.text = note
		return
	}
	t.text = strings.TrimRight(t.text, "\n") + "\n\n" + note
}

// deliver mirrors the accumulated text into the thread. The first
// chunk sends a message; later chunks edit it, rate-limited unless
// final.
func (t *turnState) deliver(ctx context.Context, final bool) {
	text := strings.TrimSpace(t.text)
	if text == "" || text == t.delivered {
		return
	}
	tg := t.runner.cfg.Telegram

	if t.messageID == 0 {
		msg, err := tg.SendMessage(ctx, telegram.SendMessageRequest{
			ChatID:          t.req.ChatID,
			MessageThreadID: t.req.ThreadID,
			Text:            text,
		})
		if err != nil {
			t.logger.Warn(ctx, "send reply", slog.Error(err))
			return
		}
		t.messageID = msg.MessageID
		t.delivered = text
		t.lastEdit = t.runner.cfg.Clock.Now()
		return
	}

	if !final && t.runner.cfg.Clock.Since(t.lastEdit) < t.runner.cfg.Debounce {
		return
	}
	err := tg.EditMessageText(ctx, telegram.EditMessageTextRequest{
		ChatID:    t.req.ChatID,
		MessageID: t.messageID,
		Text:      text,
	})
	if err != nil {
		// Telegram rejects no-op edits among other things; the next
		// delivery retries.
		t.logger.Debug(ctx, "edit reply", slog.Error(err))
		return
	}
	t.delivered = text
	t.lastEdit = t.runner.cfg.Clock.Now()
}

func (t *turnState) result(timedOut, errored bool) Result {
	return Result{
		Text:               strings.TrimSpace(t.text),
		MessageID:          t.messageID,
		AssistantMessageID: t.assistantMessageID,
		TimedOut:           timedOut,
		Errored:            errored,
	}
}

// FormatPermissionCallback encodes a permission verdict button's
// callback data.
func FormatPermissionCallback(chatID, threadID int64, permissionID, verdict string) string {
	return fmt.Sprintf("perm:%d:%d:%s:%s", chatID, threadID, permissionID, verdict)
}

// ParsePermissionCallback decodes callback data produced by
// FormatPermissionCallback.
func ParsePermissionCallback(data string) (chatID, threadID int64, permissionID, verdict string, err error) {
	parts := strings.Split(data, ":")
	if len(parts) != 5 || parts[0] != "perm" {
		return 0, 0, "", "", xerrors.Errorf("malformed permission callback %q", data)
	}
	chatID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, "", "", xerrors.Errorf("parse chat id: %w", err)
	}
	threadID, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, "", "", xerrors.Errorf("parse thread id: %w", err)
	}
	verdict = parts[4]
	if verdict != "allow" && verdict != "deny" {
		return 0, 0, "", "", xerrors.Errorf("unknown verdict %q", verdict)
	}
	return chatID, threadID, parts[3], verdict, nil
}
