package bridged

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/ocbridge/ocbridge/bridged/database"
	"github.com/ocbridge/ocbridge/bridged/sharedsync"
	"github.com/ocbridge/ocbridge/opencodesdk"
)

// topicContext is a fully resolved thread: a workspace on disk, a
// running instance, and a session to prompt.
type topicContext struct {
	ChatID    int64
	ThreadID  int64
	Workspace string
	SessionID string
	Instance  boundInstance
}

// boundInstance is the slice of instance.Instance the resolver and
// prompt path need.
type boundInstance interface {
	Client() *opencodesdk.Client
	Port() int
	Subscribe(id uuid.UUID) <-chan opencodesdk.Event
	Unsubscribe(id uuid.UUID)
}

// resolveTopic resolves a thread to a workspace, instance, and
// session, persisting each step as it lands so a crash mid-way leaves
// a resumable binding. A nil context with nil error means the thread
// is not mapped to any workspace yet.
func (s *Server) resolveTopic(ctx context.Context, chatID, threadID int64) (*topicContext, error) {
	topic, err := s.store.GetTopic(ctx, chatID, threadID)
	if err != nil && !xerrors.Is(err, database.ErrNotFound) {
		return nil, xerrors.Errorf("load topic: %w", err)
	}

	workspace := topic.Workspace
	if workspace == "" && topic.TopicTitle != "" {
		// Implicit mapping: a topic titled like a directory under
		// the workspace root binds to it.
		candidate := filepath.Join(s.cfg.WorkspaceRoot, topic.TopicTitle)
		if isDir(candidate) {
			workspace = candidate
			if err := s.store.SetTopicWorkspace(ctx, chatID, threadID, workspace); err != nil {
				return nil, xerrors.Errorf("persist workspace: %w", err)
			}
			s.logger.Info(ctx, "mapped topic by title",
				slog.F("chat_id", chatID),
				slog.F("thread_id", threadID),
				slog.F("workspace", workspace))
		}
	}
	if workspace == "" || !isDir(workspace) {
		return nil, nil
	}

	inst, err := s.instances.EnsureRunning(ctx, workspace, topic.Port)
	if err != nil {
		return nil, xerrors.Errorf("ensure instance: %w", err)
	}
	if port := inst.Port(); port != topic.Port {
		if err := s.store.SetTopicPort(ctx, chatID, threadID, port); err != nil {
			return nil, xerrors.Errorf("persist port: %w", err)
		}
	}

	sessionID := topic.SessionID
	if sessionID == "" {
		label := topic.TopicTitle
		if label == "" {
			label = filepath.Base(workspace)
		}
		session, err := inst.Client().CreateSession(ctx, opencodesdk.CreateSessionRequest{
			Title: sharedsync.SessionTitle(chatID, threadID, label),
		})
		if err != nil {
			return nil, xerrors.Errorf("create session: %w", err)
		}
		sessionID = session.ID
		if err := s.store.SetTopicSession(ctx, chatID, threadID, sessionID); err != nil {
			return nil, xerrors.Errorf("persist session: %w", err)
		}
		s.logger.Info(ctx, "created session",
			slog.F("chat_id", chatID),
			slog.F("thread_id", threadID),
			slog.F("session_id", sessionID))
	}

	return &topicContext{
		ChatID:    chatID,
		ThreadID:  threadID,
		Workspace: workspace,
		SessionID: sessionID,
		Instance:  inst,
	}, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
