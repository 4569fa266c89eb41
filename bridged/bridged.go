// Package bridged is the bridge daemon. It consumes chat updates
// (long poll or webhook), resolves forum threads to workspace
// sessions, drives prompt rounds through the reconciler, and runs the
// housekeeping cadence: topic pruning, idle instance sweeps, and the
// out-of-band sync loop.
package bridged

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/ocbridge/ocbridge/bridged/database"
	"github.com/ocbridge/ocbridge/bridged/instance"
	"github.com/ocbridge/ocbridge/bridged/promptloop"
	"github.com/ocbridge/ocbridge/bridged/sharedsync"
	"github.com/ocbridge/ocbridge/httpapi"
	"github.com/ocbridge/ocbridge/opencodesdk"
	"github.com/ocbridge/ocbridge/telegram"
)

const (
	kvLastUpdateID   = "telegram.last_update_id"
	kvAllowedChatIDs = "telegram.allowed_chat_ids"
	kvDefaultModel   = "telegram.default_model"
)

// Config configures the bridge daemon.
type Config struct {
	Logger    slog.Logger
	Store     database.Store
	Telegram  *telegram.Client
	Instances *instance.Manager
	Runner    *promptloop.Runner
	// Syncer is optional; nil disables out-of-band sync.
	Syncer *sharedsync.Syncer

	// WorkspaceRoot anchors relative /map paths and implicit
	// title mappings.
	WorkspaceRoot string
	// OwnerChatID may pair new chats with /pair. Zero disables
	// pairing restrictions.
	OwnerChatID int64
	// AllowedChats seeds the allow-list. With no seed and no
	// persisted list, every chat is allowed.
	AllowedChats []int64

	DefaultAgent    string
	DefaultModel    string
	DefaultProvider string

	// PollTimeout is the long-poll hold passed to the transport,
	// in seconds. Defaults to 30.
	PollTimeout int
	// Retention and MaxTopics bound the topic table. Defaults:
	// 30 days, 500.
	Retention time.Duration
	MaxTopics int
	// PromptSkipWindow and ReplySkipWindow suppress sync echo around
	// chat-driven rounds. Defaults: 120s and 30s.
	PromptSkipWindow time.Duration
	ReplySkipWindow  time.Duration

	// Webhook mode settings.
	WebhookListen    string
	WebhookPath      string
	WebhookPublicURL string
	WebhookSecret    string
	// WebhookFallback switches to polling after this long without a
	// webhook delivery. Zero disables the fallback.
	WebhookFallback time.Duration
}

// Server is the bridge daemon.
type Server struct {
	cfg       Config
	logger    slog.Logger
	store     database.Store
	tg        *telegram.Client
	instances *instance.Manager
	runner    *promptloop.Runner

	inflight sync.WaitGroup
	// syncOnce keeps the webhook-to-polling fallback from starting a
	// second sync loop.
	syncOnce sync.Once

	mu           sync.Mutex
	allowed      map[int64]bool
	allowAll     bool
	defaultModel string
	locks        map[topicKey]*sync.Mutex
	lastWebhook  time.Time
}

type topicKey struct {
	chatID   int64
	threadID int64
}

// New creates the daemon and loads persisted settings (allow-list,
// default model) from the store.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Telegram == nil || cfg.Instances == nil || cfg.Runner == nil {
		return nil, xerrors.New("store, telegram, instances, and runner are required")
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 30
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.MaxTopics == 0 {
		cfg.MaxTopics = 500
	}
	if cfg.PromptSkipWindow == 0 {
		cfg.PromptSkipWindow = 120 * time.Second
	}
	if cfg.ReplySkipWindow == 0 {
		cfg.ReplySkipWindow = 30 * time.Second
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/telegram/webhook"
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}

	s := &Server{
		cfg:          cfg,
		logger:       cfg.Logger,
		store:        cfg.Store,
		tg:           cfg.Telegram,
		instances:    cfg.Instances,
		runner:       cfg.Runner,
		allowed:      make(map[int64]bool),
		defaultModel: cfg.DefaultModel,
		locks:        make(map[topicKey]*sync.Mutex),
		lastWebhook:  time.Now(),
	}

	for _, chatID := range cfg.AllowedChats {
		s.allowed[chatID] = true
	}
	saved, ok, err := s.store.GetKV(ctx, kvAllowedChatIDs)
	if err != nil {
		return nil, xerrors.Errorf("load allow-list: %w", err)
	}
	if ok {
		for _, field := range strings.Split(saved, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64); err == nil {
				s.allowed[id] = true
			}
		}
	}
	s.allowAll = len(s.allowed) == 0

	if model, ok, err := s.store.GetKV(ctx, kvDefaultModel); err != nil {
		return nil, xerrors.Errorf("load default model: %w", err)
	} else if ok && model != "" {
		s.defaultModel = model
	}
	return s, nil
}

// Allowed reports whether a chat may use the bridge.
func (s *Server) Allowed(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowAll || s.allowed[chatID]
}

func (s *Server) allowChat(ctx context.Context, chatID int64) {
	s.mu.Lock()
	s.allowAll = false
	s.allowed[chatID] = true
	ids := make([]string, 0, len(s.allowed))
	for id := range s.allowed {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	s.mu.Unlock()

	if err := s.store.SetKV(ctx, kvAllowedChatIDs, strings.Join(ids, ",")); err != nil {
		s.logger.Warn(ctx, "persist allow-list", slog.Error(err))
	}
}

func (s *Server) model() *opencodesdk.Model {
	s.mu.Lock()
	model := s.defaultModel
	s.mu.Unlock()
	if model == "" {
		return nil
	}
	provider, id, ok := strings.Cut(model, "/")
	if !ok {
		return &opencodesdk.Model{ProviderID: s.cfg.DefaultProvider, ModelID: model}
	}
	return &opencodesdk.Model{ProviderID: provider, ModelID: id}
}

func (s *Server) topicLock(key topicKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Close waits for in-flight update handling to finish.
func (s *Server) Close() {
	s.inflight.Wait()
}

// HandleUpdate processes one transport update. Errors are contained
// per update; a bad update never takes the loop down.
func (s *Server) HandleUpdate(ctx context.Context, update telegram.Update) {
	s.inflight.Add(1)
	defer s.inflight.Done()

	if update.CallbackQuery != nil {
		s.handleCallback(ctx, *update.CallbackQuery)
		return
	}
	if update.Message == nil {
		return
	}
	s.handleMessage(ctx, *update.Message)
}

func (s *Server) handleMessage(ctx context.Context, msg telegram.Message) {
	chatID := msg.Chat.ID
	if chatID == 0 {
		return
	}
	threadID := msg.MessageThreadID
	text := strings.TrimSpace(msg.Text)
	logger := s.logger.With(slog.F("chat_id", chatID), slog.F("thread_id", threadID))

	if !s.Allowed(chatID) {
		// Pairing must work from not-yet-allowed chats, owner only.
		if (text == "/allowhere" || text == "/pair") &&
			s.cfg.OwnerChatID != 0 && msg.From != nil && msg.From.ID == s.cfg.OwnerChatID {
			s.cmdAllowHere(ctx, chatID, threadID, msg.From.ID)
			return
		}
		logger.Debug(ctx, "update from disallowed chat")
		return
	}

	// New forum topics carry their title in a service message; keep
	// it so the implicit title mapping can use it later.
	if msg.ForumTopicCreated != nil {
		if name := msg.ForumTopicCreated.Name; name != "" {
			if err := s.store.SetTopicTitle(ctx, chatID, threadID, name); err != nil {
				logger.Warn(ctx, "persist topic title", slog.Error(err))
			}
		}
		return
	}
	if text == "" {
		return
	}

	switch {
	case strings.HasPrefix(text, "/map "):
		s.cmdMap(ctx, chatID, threadID, strings.TrimSpace(text[len("/map "):]))
	case text == "/id" || text == "/ids":
		s.cmdIDs(ctx, chatID, threadID)
	case text == "/allowhere" || text == "/pair":
		var fromID int64
		if msg.From != nil {
			fromID = msg.From.ID
		}
		s.cmdAllowHere(ctx, chatID, threadID, fromID)
	case text == "/where":
		s.cmdWhere(ctx, chatID, threadID)
	case text == "/info":
		s.cmdInfo(ctx, chatID, threadID)
	case text == "/models":
		s.forwardPrompt(ctx, chatID, threadID, "/models")
	case text == "/model":
		s.cmdModel(ctx, chatID, threadID, "")
	case strings.HasPrefix(text, "/model "):
		s.cmdModel(ctx, chatID, threadID, strings.TrimSpace(text[len("/model "):]))
	case text == "/reset":
		s.cmdReset(ctx, chatID, threadID)
	default:
		tctx, err := s.resolveTopic(ctx, chatID, threadID)
		if err != nil {
			logger.Warn(ctx, "topic resolution failed", slog.Error(err))
			s.reply(ctx, chatID, threadID, "Failed to prepare this topic's workspace. Try again or /reset.")
			return
		}
		if tctx == nil {
			s.reply(ctx, chatID, threadID,
				"This topic is not mapped to a workspace yet.\n\n"+
					"- Run: /map projectA (maps to a directory under the workspace root), or\n"+
					"- Run: /map /absolute/path/to/workspace")
			return
		}
		// Remember the prompt so the sync loop does not echo it
		// back as a web-originated one.
		err = s.store.SetKV(ctx,
			sharedsync.LastUserFromChatKey(chatID, threadID), sharedsync.HashText(text))
		if err != nil {
			logger.Warn(ctx, "persist prompt hash", slog.Error(err))
		}
		s.runPrompt(ctx, tctx, text)
	}
}

func (s *Server) handleCallback(ctx context.Context, cq telegram.CallbackQuery) {
	answer := func(text string) {
		if err := s.tg.AnswerCallbackQuery(ctx, cq.ID, text); err != nil {
			s.logger.Warn(ctx, "answer callback", slog.Error(err))
		}
	}

	if !strings.HasPrefix(cq.Data, "perm:") {
		answer("")
		return
	}
	chatID, threadID, permissionID, verdict, err := promptloop.ParsePermissionCallback(cq.Data)
	if err != nil {
		answer("Malformed action")
		return
	}
	if !s.Allowed(chatID) {
		answer("Chat not allowed")
		return
	}
	tctx, err := s.resolveTopic(ctx, chatID, threadID)
	if err != nil || tctx == nil {
		answer("Topic not mapped")
		return
	}
	err = tctx.Instance.Client().RespondPermission(ctx, tctx.SessionID, permissionID,
		opencodesdk.PermissionResponse{Response: verdict})
	if err != nil {
		s.logger.Warn(ctx, "respond permission", slog.Error(err))
		answer("Failed to send")
		return
	}
	answer("Sent")
}

// runPrompt executes one prompt round under the topic's lock.
func (s *Server) runPrompt(ctx context.Context, tctx *topicContext, prompt string) {
	lock := s.topicLock(topicKey{chatID: tctx.ChatID, threadID: tctx.ThreadID})
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.TouchTopic(ctx, tctx.ChatID, tctx.ThreadID); err != nil {
		s.logger.Warn(ctx, "touch topic", slog.Error(err))
	}
	// Shield the round from the sync loop echoing it back.
	err := sharedsync.SetSkipWindow(ctx, s.store, tctx.SessionID,
		time.Now().Add(s.cfg.PromptSkipWindow))
	if err != nil {
		s.logger.Warn(ctx, "set skip window", slog.Error(err))
	}

	subID := uuid.New()
	events := tctx.Instance.Subscribe(subID)
	defer tctx.Instance.Unsubscribe(subID)

	result, err := s.runner.Run(ctx, promptloop.Request{
		Client:    tctx.Instance.Client(),
		Events:    events,
		ChatID:    tctx.ChatID,
		ThreadID:  tctx.ThreadID,
		SessionID: tctx.SessionID,
		Prompt:    prompt,
		Agent:     s.cfg.DefaultAgent,
		Model:     s.model(),
	})
	if err != nil {
		s.logger.Warn(ctx, "prompt round failed", slog.Error(err))
		return
	}

	if result.Text != "" && !result.Errored {
		// Mark the delivered reply so the sync loop skips it.
		err = s.store.SetKV(ctx,
			sharedsync.LastAssistantHashKey(tctx.SessionID), sharedsync.HashText(result.Text))
		if err != nil {
			s.logger.Warn(ctx, "persist reply hash", slog.Error(err))
		}
		if result.AssistantMessageID != "" {
			err = s.store.SetKV(ctx,
				sharedsync.LastForwardedKey(tctx.SessionID), result.AssistantMessageID)
			if err != nil {
				s.logger.Warn(ctx, "persist forwarded id", slog.Error(err))
			}
		}
		err = sharedsync.SetSkipWindow(ctx, s.store, tctx.SessionID,
			time.Now().Add(s.cfg.ReplySkipWindow))
		if err != nil {
			s.logger.Warn(ctx, "set reply skip window", slog.Error(err))
		}
	}
}

func (s *Server) reply(ctx context.Context, chatID, threadID int64, text string) {
	_, err := s.tg.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:          chatID,
		MessageThreadID: threadID,
		Text:            text,
	})
	if err != nil {
		s.logger.Warn(ctx, "send reply",
			slog.F("chat_id", chatID), slog.Error(err))
	}
}

// housekeep runs the per-iteration maintenance: topic pruning and the
// idle instance sweep.
func (s *Server) housekeep(ctx context.Context) {
	if _, err := s.store.PruneTopics(ctx, s.cfg.Retention, s.cfg.MaxTopics); err != nil {
		s.logger.Warn(ctx, "prune topics", slog.Error(err))
	}
	s.instances.SweepIdle(ctx)
}

// WarmSessions pre-starts instances and sessions for known topics so
// the first message after a restart is fast. Best effort, bounded by
// the instance cap.
func (s *Server) WarmSessions(ctx context.Context) {
	topics, err := s.store.ListTopics(ctx)
	if err != nil {
		s.logger.Warn(ctx, "list topics for warmup", slog.Error(err))
		return
	}

	warmed := 0
	for _, topic := range topics {
		if warmed >= s.instances.MaxInstances() {
			return
		}
		if topic.Workspace == "" || !isDir(topic.Workspace) {
			continue
		}
		tctx, err := s.resolveTopic(ctx, topic.ChatID, topic.ThreadID)
		if err != nil || tctx == nil {
			continue
		}
		// Re-stamp the title so out-of-band reconciliation keeps
		// working for sessions created before the marker existed.
		label := topic.TopicTitle
		if label == "" {
			label = filepath.Base(topic.Workspace)
		}
		err = tctx.Instance.Client().UpdateSession(ctx, tctx.SessionID,
			opencodesdk.UpdateSessionRequest{
				Title: sharedsync.SessionTitle(topic.ChatID, topic.ThreadID, label),
			})
		if err != nil {
			s.logger.Debug(ctx, "re-title session", slog.Error(err))
		}
		warmed++
	}
}

// RunPolling consumes updates via long polling until ctx is done.
func (s *Server) RunPolling(ctx context.Context) error {
	// A registered webhook would swallow the updates we poll for.
	if err := s.tg.DeleteWebhook(ctx); err != nil {
		s.logger.Warn(ctx, "delete webhook", slog.Error(err))
	}
	if s.cfg.Syncer != nil {
		s.syncOnce.Do(func() { go s.cfg.Syncer.Run(ctx) })
	}
	defer s.Close()

	var offset int64
	if saved, ok, err := s.store.GetKV(ctx, kvLastUpdateID); err != nil {
		return xerrors.Errorf("load update cursor: %w", err)
	} else if ok {
		if id, err := strconv.ParseInt(saved, 10, 64); err == nil {
			offset = id + 1
		}
	}

	s.logger.Info(ctx, "polling for updates", slog.F("offset", offset))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.housekeep(ctx)

		updates, err := s.tg.GetUpdates(ctx, offset, s.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn(ctx, "get updates", slog.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, update := range updates {
			offset = update.UpdateID + 1
			err := s.store.SetKV(ctx, kvLastUpdateID, strconv.FormatInt(update.UpdateID, 10))
			if err != nil {
				s.logger.Warn(ctx, "persist update cursor", slog.Error(err))
			}
			s.HandleUpdate(ctx, update)
		}
	}
}

// RunWebhook serves updates over HTTP until ctx is done. If no
// delivery arrives within the fallback window, the webhook is torn
// down and the daemon reverts to polling.
func (s *Server) RunWebhook(ctx context.Context) error {
	if s.cfg.Syncer != nil {
		s.syncOnce.Do(func() { go s.cfg.Syncer.Run(ctx) })
	}
	defer s.Close()

	srv := &http.Server{
		Addr:              s.cfg.WebhookListen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if s.cfg.WebhookPublicURL != "" {
		url := strings.TrimRight(s.cfg.WebhookPublicURL, "/") + s.cfg.WebhookPath
		if err := s.tg.SetWebhook(ctx, url, s.cfg.WebhookSecret); err != nil {
			return xerrors.Errorf("register webhook: %w", err)
		}
		s.logger.Info(ctx, "webhook registered", slog.F("url", url))
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return xerrors.Errorf("webhook server: %w", err)
		case <-ticker.C:
			s.housekeep(ctx)
			if s.cfg.WebhookFallback > 0 && time.Since(s.lastWebhookTime()) > s.cfg.WebhookFallback {
				s.logger.Warn(ctx, "webhook idle too long, falling back to polling")
				return s.RunPolling(ctx)
			}
		}
	}
}

// Handler returns the webhook-mode HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(rw http.ResponseWriter, r *http.Request) {
		httpapi.Write(r.Context(), rw, http.StatusOK, httpapi.Response{Message: "ok"})
	})
	r.Post(s.cfg.WebhookPath, s.handleWebhook)
	return r
}

func (s *Server) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cfg.WebhookSecret != "" &&
		r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != s.cfg.WebhookSecret {
		httpapi.Write(ctx, rw, http.StatusUnauthorized, httpapi.Response{
			Message: "Invalid secret token.",
		})
		return
	}

	var update telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		httpapi.Write(ctx, rw, http.StatusBadRequest, httpapi.Response{
			Message: "Malformed update payload.",
			Detail:  err.Error(),
		})
		return
	}
	s.markWebhook()

	// Telegram retries deliveries that do not 200 quickly, so the
	// update is handled off the request. The accepted delivery joins
	// the in-flight set before the response goes out, so Close cannot
	// return ahead of it.
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.HandleUpdate(context.Background(), update)
	}()
	httpapi.Write(ctx, rw, http.StatusOK, httpapi.Response{Message: "ok"})
}

func (s *Server) markWebhook() {
	s.mu.Lock()
	s.lastWebhook = time.Now()
	s.mu.Unlock()
}

func (s *Server) lastWebhookTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWebhook
}
