package bridged

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/ocbridge/ocbridge/bridged/database"
)

// cmdMap binds the current topic to a workspace directory. Relative
// paths resolve under the workspace root and must stay inside it.
func (s *Server) cmdMap(ctx context.Context, chatID, threadID int64, arg string) {
	if arg == "" {
		s.reply(ctx, chatID, threadID, "Usage: /map <path>")
		return
	}

	path := arg
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if !filepath.IsAbs(path) {
		if s.cfg.WorkspaceRoot == "" {
			s.reply(ctx, chatID, threadID, "No workspace root configured; use an absolute path.")
			return
		}
		root, err := filepath.Abs(s.cfg.WorkspaceRoot)
		if err != nil {
			s.reply(ctx, chatID, threadID, "Invalid workspace path")
			return
		}
		path = filepath.Join(root, path)
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			s.reply(ctx, chatID, threadID, "Invalid workspace path")
			return
		}
	}
	path = filepath.Clean(path)
	if !isDir(path) {
		s.reply(ctx, chatID, threadID, fmt.Sprintf("Not a directory: %s", path))
		return
	}

	// Remapping invalidates the old instance binding and session.
	topic, err := s.store.GetTopic(ctx, chatID, threadID)
	if err != nil && !xerrors.Is(err, database.ErrNotFound) {
		s.logger.Warn(ctx, "load topic for map", slog.Error(err))
	}
	err = s.store.UpsertTopic(ctx, database.Topic{
		ChatID:     chatID,
		ThreadID:   threadID,
		TopicTitle: topic.TopicTitle,
		Workspace:  path,
	})
	if err != nil {
		s.logger.Warn(ctx, "persist mapping", slog.Error(err))
		s.reply(ctx, chatID, threadID, "Failed to save the mapping.")
		return
	}
	s.reply(ctx, chatID, threadID, fmt.Sprintf("Mapped this topic to: %s", path))
}

func (s *Server) cmdIDs(ctx context.Context, chatID, threadID int64) {
	s.reply(ctx, chatID, threadID, fmt.Sprintf(
		"chat_id: %d\ntopic_id (message_thread_id): %d", chatID, threadID))
}

// cmdAllowHere pairs the current chat onto the allow-list. Gated on
// the configured owner when one is set.
func (s *Server) cmdAllowHere(ctx context.Context, chatID, threadID, fromID int64) {
	if s.cfg.OwnerChatID != 0 && fromID != s.cfg.OwnerChatID {
		s.reply(ctx, chatID, threadID, "Only the owner can pair chats.")
		return
	}
	s.allowChat(ctx, chatID)
	s.reply(ctx, chatID, threadID, fmt.Sprintf("Paired. Allowed chat_id: %d", chatID))
}

func (s *Server) cmdWhere(ctx context.Context, chatID, threadID int64) {
	topic, err := s.store.GetTopic(ctx, chatID, threadID)
	if err != nil || topic.Workspace == "" {
		s.reply(ctx, chatID, threadID, "This topic is not mapped to a workspace yet.")
		return
	}
	s.reply(ctx, chatID, threadID, fmt.Sprintf("Workspace: %s", topic.Workspace))
}

func (s *Server) cmdInfo(ctx context.Context, chatID, threadID int64) {
	var b strings.Builder

	s.mu.Lock()
	defaultModel := s.defaultModel
	s.mu.Unlock()
	fmt.Fprintf(&b, "provider: %s\n", s.cfg.DefaultProvider)
	if defaultModel != "" {
		fmt.Fprintf(&b, "default_model: %s\n", defaultModel)
	} else {
		b.WriteString("default_model: (backend default)\n")
	}

	topic, err := s.store.GetTopic(ctx, chatID, threadID)
	if err == nil && topic.Workspace != "" {
		fmt.Fprintf(&b, "workspace: %s\n", topic.Workspace)
		if topic.SessionID != "" {
			fmt.Fprintf(&b, "session: %s\n", topic.SessionID)
			if last := s.lastModel(ctx, chatID, threadID); last != "" {
				fmt.Fprintf(&b, "last_model: %s\n", last)
			}
		}
		if topic.Port != 0 {
			fmt.Fprintf(&b, "port: %d\n", topic.Port)
		}
	} else {
		b.WriteString("workspace: (unmapped)\n")
	}

	if s.cfg.WebhookPublicURL != "" {
		b.WriteString("updates_mode: webhook\n")
		fmt.Fprintf(&b, "webhook_url: %s%s\n",
			strings.TrimRight(s.cfg.WebhookPublicURL, "/"), s.cfg.WebhookPath)
	} else {
		b.WriteString("updates_mode: polling\n")
	}
	s.reply(ctx, chatID, threadID, strings.TrimRight(b.String(), "\n"))
}

// lastModel reports the provider/model of the newest assistant
// message in this topic's session, if any.
func (s *Server) lastModel(ctx context.Context, chatID, threadID int64) string {
	tctx, err := s.resolveTopic(ctx, chatID, threadID)
	if err != nil || tctx == nil {
		return ""
	}
	msg, ok, err := tctx.Instance.Client().LastAssistantMessage(ctx, tctx.SessionID, false)
	if err != nil || !ok {
		return ""
	}
	if msg.Info.ProviderID == "" && msg.Info.ModelID == "" {
		return ""
	}
	return msg.Info.ProviderID + "/" + msg.Info.ModelID
}

// cmdModel shows or sets the default model. Bare model names are
// prefixed with the session's last provider, falling back to the
// configured default provider.
func (s *Server) cmdModel(ctx context.Context, chatID, threadID int64, arg string) {
	if arg == "" {
		s.mu.Lock()
		defaultModel := s.defaultModel
		s.mu.Unlock()
		var b strings.Builder
		fmt.Fprintf(&b, "provider: %s\n", s.cfg.DefaultProvider)
		if defaultModel != "" {
			fmt.Fprintf(&b, "default_model: %s\n", defaultModel)
		} else {
			b.WriteString("default_model: (backend default)\n")
		}
		if last := s.lastModel(ctx, chatID, threadID); last != "" {
			fmt.Fprintf(&b, "last_model: %s\n", last)
		}
		b.WriteString("auth: not exposed by opencode API")
		s.reply(ctx, chatID, threadID, b.String())
		return
	}

	model := arg
	if !strings.Contains(model, "/") {
		provider := s.cfg.DefaultProvider
		if last := s.lastModel(ctx, chatID, threadID); last != "" {
			if p, _, ok := strings.Cut(last, "/"); ok && p != "" {
				provider = p
			}
		}
		model = provider + "/" + model
	}

	s.mu.Lock()
	s.defaultModel = model
	s.mu.Unlock()
	if err := s.store.SetKV(ctx, kvDefaultModel, model); err != nil {
		s.logger.Warn(ctx, "persist default model", slog.Error(err))
	}
	s.reply(ctx, chatID, threadID, fmt.Sprintf("Default model set to: %s", model))
}

func (s *Server) cmdReset(ctx context.Context, chatID, threadID int64) {
	if err := s.store.ClearTopicBinding(ctx, chatID, threadID); err != nil {
		s.logger.Warn(ctx, "clear topic binding", slog.Error(err))
		s.reply(ctx, chatID, threadID, "Failed to reset this topic.")
		return
	}
	s.reply(ctx, chatID, threadID, "Reset mapping and session for this topic.")
}

// forwardPrompt relays a slash command to the agent as prompt text.
func (s *Server) forwardPrompt(ctx context.Context, chatID, threadID int64, text string) {
	tctx, err := s.resolveTopic(ctx, chatID, threadID)
	if err != nil || tctx == nil {
		s.reply(ctx, chatID, threadID, "This topic is not mapped to a workspace yet.")
		return
	}
	s.runPrompt(ctx, tctx, text)
}
