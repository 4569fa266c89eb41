// Package sharedsync reconciles sessions driven outside the chat
// (for example from a shared server's web UI) back into their chat
// threads. A periodic pass maps server sessions to topics, keeps one
// monitor per mapped session, and forwards new assistant output with
// content-hash deduplication so nothing is delivered twice.
package sharedsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"

	"github.com/ocbridge/ocbridge/bridged/database"
	"github.com/ocbridge/ocbridge/opencodesdk"
	"github.com/ocbridge/ocbridge/telegram"
)

// titleMarker matches the thread marker the bridge stamps into
// session titles: tg:<chat>/<thread>. Supergroup chat IDs are
// negative.
var titleMarker = regexp.MustCompile(`tg:(-?\d+)/(\d+)`)

// SessionTitle builds a session title carrying the thread marker.
func SessionTitle(chatID, threadID int64, label string) string {
	title := fmt.Sprintf("tg:%d/%d", chatID, threadID)
	if label != "" {
		title += " " + label
	}
	return title
}

// ParseSessionTitle extracts the thread marker from a session title.
func ParseSessionTitle(title string) (chatID, threadID int64, ok bool) {
	m := titleMarker.FindStringSubmatch(title)
	if m == nil {
		return 0, 0, false
	}
	chatID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	threadID, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return chatID, threadID, true
}

// HashText is the content digest used for forwarding dedup.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Key-value keys tracking per-session forwarding state.

func LastForwardedKey(sessionID string) string {
	return "web.last_forwarded." + sessionID
}

func LastAssistantHashKey(sessionID string) string {
	return "web.last_assistant_hash." + sessionID
}

func SkipUntilKey(sessionID string) string {
	return "web.skip_until." + sessionID
}

func LastUserForwardedKey(sessionID string) string {
	return "web.last_user_forwarded." + sessionID
}

func LastUserFromChatKey(chatID, threadID int64) string {
	return fmt.Sprintf("web.last_user_from_tg.%d.%d", chatID, threadID)
}

func LastStepsForwardedKey(sessionID string) string {
	return "web.last_steps_forwarded." + sessionID
}

// SetSkipWindow suppresses forwarding for a session until the given
// time, so a round driven from the chat does not echo back.
func SetSkipWindow(ctx context.Context, store database.Store, sessionID string, until time.Time) error {
	return store.SetKV(ctx, SkipUntilKey(sessionID), strconv.FormatInt(until.Unix(), 10))
}

// TopicKey identifies a chat thread.
type TopicKey struct {
	ChatID   int64
	ThreadID int64
}

// Config configures a Syncer.
type Config struct {
	Logger   slog.Logger
	Store    database.Store
	Client   *opencodesdk.Client
	Telegram *telegram.Client

	// Interval between passes and monitor polls. Defaults to 10s.
	Interval time.Duration
	// Allowed gates forwarding per chat. Nil allows everything.
	Allowed func(chatID int64) bool
	// ForwardUser forwards web-originated user prompts too.
	ForwardUser bool
	// ForwardSteps forwards a compact tool/step trace.
	ForwardSteps bool
}

// Syncer runs the out-of-band reconciliation.
type Syncer struct {
	cfg    Config
	logger slog.Logger

	mu       sync.Mutex
	monitors map[string]*monitor
}

type monitor struct {
	key    TopicKey
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Syncer.
func New(cfg Config) *Syncer {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Syncer{
		cfg:      cfg,
		logger:   cfg.Logger,
		monitors: make(map[string]*monitor),
	}
}

// Run executes sync passes until ctx is done, then stops all
// monitors.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer s.stopAll()

	for {
		if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn(ctx, "sync pass failed", slog.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce computes the desired session→topic mapping and reconciles
// the monitor set against it.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	desired, err := s.SessionMappings(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for sessionID, mon := range s.monitors {
		if _, ok := desired[sessionID]; !ok {
			s.logger.Info(ctx, "stopping session monitor",
				slog.F("session_id", sessionID))
			mon.cancel()
			<-mon.done
			delete(s.monitors, sessionID)
		}
	}
	for sessionID, key := range desired {
		if _, ok := s.monitors[sessionID]; ok {
			continue
		}
		s.logger.Info(ctx, "starting session monitor",
			slog.F("session_id", sessionID),
			slog.F("chat_id", key.ChatID),
			slog.F("thread_id", key.ThreadID))
		monCtx, cancel := context.WithCancel(context.Background())
		mon := &monitor{key: key, cancel: cancel, done: make(chan struct{})}
		s.monitors[sessionID] = mon
		go func() {
			defer close(mon.done)
			s.runMonitor(monCtx, sessionID, key)
		}()
	}
	return nil
}

// stopAll cancels every monitor and waits for each goroutine to
// return before giving them up.
func (s *Syncer) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mon := range s.monitors {
		mon.cancel()
	}
	for sessionID, mon := range s.monitors {
		<-mon.done
		delete(s.monitors, sessionID)
	}
}

// Monitored returns the session IDs currently monitored.
func (s *Syncer) Monitored() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.monitors))
	for id := range s.monitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionMappings maps server sessions to chat threads. Priority per
// session: explicit title marker, then exact workspace directory
// match (newest session wins), then workspace basename appearing in
// the title. Each thread claims at most one session; claimed bindings
// are persisted.
func (s *Syncer) SessionMappings(ctx context.Context) (map[string]TopicKey, error) {
	topics, err := s.cfg.Store.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := s.cfg.Client.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	byWorkspace := make(map[string]TopicKey)
	for _, topic := range topics {
		if topic.Workspace == "" {
			continue
		}
		byWorkspace[topic.Workspace] = TopicKey{ChatID: topic.ChatID, ThreadID: topic.ThreadID}
	}

	mapping := make(map[string]TopicKey)
	claimed := make(map[TopicKey]bool)
	claim := func(sessionID string, key TopicKey) {
		mapping[sessionID] = key
		claimed[key] = true
		if err := s.cfg.Store.SetTopicSession(ctx, key.ChatID, key.ThreadID, sessionID); err != nil {
			s.logger.Warn(ctx, "persist session binding", slog.Error(err))
		}
	}

	// Explicit markers win.
	for _, session := range sessions {
		chatID, threadID, ok := ParseSessionTitle(session.Title)
		if !ok {
			continue
		}
		if s.cfg.Allowed != nil && !s.cfg.Allowed(chatID) {
			continue
		}
		key := TopicKey{ChatID: chatID, ThreadID: threadID}
		if claimed[key] {
			continue
		}
		claim(session.ID, key)
	}

	newestMatch := func(match func(opencodesdk.Session) bool) (opencodesdk.Session, bool) {
		var best opencodesdk.Session
		found := false
		for _, session := range sessions {
			if _, taken := mapping[session.ID]; taken {
				continue
			}
			if !match(session) {
				continue
			}
			if !found || session.Time.Updated > best.Time.Updated {
				best = session
				found = true
			}
		}
		return best, found
	}

	// Exact workspace directory match.
	for workspace, key := range byWorkspace {
		if claimed[key] {
			continue
		}
		ws := workspace
		if session, ok := newestMatch(func(s opencodesdk.Session) bool {
			return s.Directory == ws
		}); ok {
			claim(session.ID, key)
		}
	}

	// Basename-in-title fallback.
	for workspace, key := range byWorkspace {
		if claimed[key] {
			continue
		}
		base := filepath.Base(workspace)
		if base == "" || base == "." || base == string(filepath.Separator) {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(base) + `\b`)
		if err != nil {
			continue
		}
		if session, ok := newestMatch(func(s opencodesdk.Session) bool {
			return re.MatchString(s.Title)
		}); ok {
			claim(session.ID, key)
		}
	}

	return mapping, nil
}

func (s *Syncer) runMonitor(ctx context.Context, sessionID string, key TopicKey) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.PollSession(ctx, sessionID, key); err != nil && ctx.Err() == nil {
			s.logger.Warn(ctx, "session poll failed",
				slog.F("session_id", sessionID), slog.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollSession forwards new assistant output (and optionally user
// prompts and step traces) for one monitored session.
func (s *Syncer) PollSession(ctx context.Context, sessionID string, key TopicKey) error {
	if s.cfg.Allowed != nil && !s.cfg.Allowed(key.ChatID) {
		return nil
	}
	if s.inSkipWindow(ctx, sessionID) {
		return nil
	}

	msg, ok, err := s.cfg.Client.LastAssistantMessage(ctx, sessionID, true)
	if err != nil || !ok {
		return err
	}
	text := strings.TrimSpace(msg.TextContent())
	if text == "" {
		return nil
	}

	// Message-ID dedup catches the common case cheaply.
	lastForwarded, _, err := s.cfg.Store.GetKV(ctx, LastForwardedKey(sessionID))
	if err != nil {
		return err
	}
	if msg.Info.ID != "" && lastForwarded == msg.Info.ID {
		return nil
	}

	// Content hash catches re-listed messages with new IDs.
	digest := HashText(text)
	lastHash, _, err := s.cfg.Store.GetKV(ctx, LastAssistantHashKey(sessionID))
	if err != nil {
		return err
	}
	if lastHash == digest {
		return nil
	}

	_, err = s.cfg.Telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:          key.ChatID,
		MessageThreadID: key.ThreadID,
		Text:            text,
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "forwarded assistant output",
		slog.F("session_id", sessionID),
		slog.F("chat_id", key.ChatID),
		slog.F("thread_id", key.ThreadID))
	if err := s.cfg.Store.SetKV(ctx, LastForwardedKey(sessionID), msg.Info.ID); err != nil {
		return err
	}
	if err := s.cfg.Store.SetKV(ctx, LastAssistantHashKey(sessionID), digest); err != nil {
		return err
	}

	if s.cfg.ForwardUser {
		if err := s.forwardUser(ctx, sessionID, key); err != nil {
			s.logger.Warn(ctx, "forward user prompt", slog.Error(err))
		}
	}
	if s.cfg.ForwardSteps {
		if err := s.forwardSteps(ctx, sessionID, key); err != nil {
			s.logger.Warn(ctx, "forward steps", slog.Error(err))
		}
	}
	return nil
}

func (s *Syncer) inSkipWindow(ctx context.Context, sessionID string) bool {
	raw, ok, err := s.cfg.Store.GetKV(ctx, SkipUntilKey(sessionID))
	if err != nil || !ok {
		return false
	}
	until, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false
	}
	return float64(time.Now().Unix()) < until
}

// forwardUser relays the latest web-originated user prompt, skipping
// prompts that came from the chat itself.
func (s *Syncer) forwardUser(ctx context.Context, sessionID string, key TopicKey) error {
	msg, ok, err := s.cfg.Client.LastUserMessage(ctx, sessionID)
	if err != nil || !ok {
		return err
	}
	text := strings.TrimSpace(msg.TextContent())
	if text == "" {
		return nil
	}
	digest := HashText(text)

	fromChat, _, err := s.cfg.Store.GetKV(ctx, LastUserFromChatKey(key.ChatID, key.ThreadID))
	if err != nil {
		return err
	}
	if fromChat == digest {
		return nil
	}
	last, _, err := s.cfg.Store.GetKV(ctx, LastUserForwardedKey(sessionID))
	if err != nil {
		return err
	}
	if last == digest {
		return nil
	}

	_, err = s.cfg.Telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:          key.ChatID,
		MessageThreadID: key.ThreadID,
		Text:            "User: " + text,
	})
	if err != nil {
		return err
	}
	return s.cfg.Store.SetKV(ctx, LastUserForwardedKey(sessionID), digest)
}

// forwardSteps relays a compact rendering of the latest assistant
// message's non-text parts.
func (s *Syncer) forwardSteps(ctx context.Context, sessionID string, key TopicKey) error {
	msg, ok, err := s.cfg.Client.LastAssistantMessage(ctx, sessionID, false)
	if err != nil || !ok {
		return err
	}
	steps := RenderSteps(msg.Parts)
	if steps == "" {
		return nil
	}
	digest := HashText(steps)
	last, _, err := s.cfg.Store.GetKV(ctx, LastStepsForwardedKey(sessionID))
	if err != nil {
		return err
	}
	if last == digest {
		return nil
	}

	_, err = s.cfg.Telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:          key.ChatID,
		MessageThreadID: key.ThreadID,
		Text:            "Steps:\n" + steps,
	})
	if err != nil {
		return err
	}
	return s.cfg.Store.SetKV(ctx, LastStepsForwardedKey(sessionID), digest)
}

// RenderSteps renders a message's non-text parts as a bullet list,
// one line per part.
func RenderSteps(parts []opencodesdk.Part) string {
	var lines []string
	for _, part := range parts {
		if line := FormatStepPart(part); line != "" {
			lines = append(lines, "- "+line)
		}
	}
	return strings.Join(lines, "\n")
}

// FormatStepPart renders one non-text part as a single line, or ""
// for parts that carry nothing worth forwarding.
func FormatStepPart(part opencodesdk.Part) string {
	if part.Type == "" || part.Type == "text" {
		return ""
	}

	for _, text := range []string{part.Text, part.Message, part.Summary, part.Title} {
		if strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}

	switch part.Type {
	case "step-start":
		if title := firstNonEmpty(part.Title, part.Name); title != "" {
			return "Step: " + title
		}
		return "Step started"
	case "step-finish":
		return "Step finished"
	case "tool-start", "tool-finish", "tool-call", "tool-result":
		name := firstNonEmpty(part.Tool, part.Name, part.Command)
		label := map[string]string{
			"tool-start":  "Tool start",
			"tool-finish": "Tool finished",
			"tool-call":   "Tool",
			"tool-result": "Tool result",
		}[part.Type]
		if name != "" {
			return label + ": " + name
		}
		return label
	case "message.start", "message.finish":
		return strings.ReplaceAll(part.Type, ".", " ")
	}
	return part.Type
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
