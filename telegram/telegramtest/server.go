// Package telegramtest provides a fake Bot API server for tests.
package telegramtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ocbridge/ocbridge/telegram"
)

// SentMessage is one recorded sendMessage call.
type SentMessage struct {
	telegram.SendMessageRequest
	// MessageID is the ID the fake server assigned.
	MessageID int64
}

// Answer is one recorded answerCallbackQuery call.
type Answer struct {
	CallbackQueryID string
	Text            string
}

// Server is a fake Telegram Bot API server. It records outgoing calls
// and serves queued updates to getUpdates.
type Server struct {
	t      testing.TB
	server *httptest.Server

	mu        sync.Mutex
	nextMsgID int64
	sent      []SentMessage
	edits     []telegram.EditMessageTextRequest
	answered  []Answer
	updates   []telegram.Update
	webhook   string
	notify    chan struct{}
}

// New starts a fake server and registers cleanup with t.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		t:      t,
		notify: make(chan struct{}, 1),
	}
	// ServeMux wildcards must cover a whole segment, so the "bot"
	// prefix Telegram puts in front of the token is parsed by hand.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{bot}/{method}", s.handle)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

// Client returns a telegram client pointed at the fake server.
func (s *Server) Client() *telegram.Client {
	return &telegram.Client{
		BaseURL: s.server.URL,
		Token:   "test-token",
	}
}

// QueueUpdate makes an update available to the next getUpdates call.
func (s *Server) QueueUpdate(update telegram.Update) {
	s.mu.Lock()
	s.updates = append(s.updates, update)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Sent returns all recorded sendMessage calls.
func (s *Server) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// Edits returns all recorded editMessageText calls.
func (s *Server) Edits() []telegram.EditMessageTextRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telegram.EditMessageTextRequest(nil), s.edits...)
}

// Answered returns all recorded answerCallbackQuery calls.
func (s *Server) Answered() []Answer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Answer(nil), s.answered...)
}

// Webhook returns the last registered webhook URL, or "" after
// deleteWebhook.
func (s *Server) Webhook() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webhook
}

// LastText returns the most recent text delivered for a chat, whether
// by send or edit.
func (s *Server) LastText(chatID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := ""
	byID := make(map[int64]string)
	for _, msg := range s.sent {
		if msg.ChatID == chatID {
			text = msg.Text
			byID[msg.MessageID] = msg.Text
		}
	}
	for _, edit := range s.edits {
		if edit.ChatID != chatID {
			continue
		}
		if _, ok := byID[edit.MessageID]; ok {
			byID[edit.MessageID] = edit.Text
			text = edit.Text
		}
	}
	return text
}

func (s *Server) handle(rw http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.PathValue("bot"), "bot") {
		writeError(rw, 404, "not found")
		return
	}
	method := r.PathValue("method")

	switch method {
	case "getMe":
		writeResult(rw, telegram.User{ID: 1, IsBot: true, Username: "bridge_bot"})
	case "getUpdates":
		var req struct {
			Offset int64 `json:"offset"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, 400, "bad request")
			return
		}
		s.serveUpdates(rw, r, req.Offset)
	case "sendMessage":
		var req telegram.SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, 400, "bad request")
			return
		}
		s.mu.Lock()
		s.nextMsgID++
		msg := SentMessage{SendMessageRequest: req, MessageID: s.nextMsgID}
		s.sent = append(s.sent, msg)
		s.mu.Unlock()
		writeResult(rw, telegram.Message{
			MessageID:       msg.MessageID,
			MessageThreadID: req.MessageThreadID,
			Chat:            telegram.Chat{ID: req.ChatID},
			Text:            req.Text,
		})
	case "editMessageText":
		var req telegram.EditMessageTextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, 400, "bad request")
			return
		}
		s.mu.Lock()
		s.edits = append(s.edits, req)
		s.mu.Unlock()
		writeResult(rw, true)
	case "answerCallbackQuery":
		var req struct {
			CallbackQueryID string `json:"callback_query_id"`
			Text            string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, 400, "bad request")
			return
		}
		s.mu.Lock()
		s.answered = append(s.answered, Answer{
			CallbackQueryID: req.CallbackQueryID,
			Text:            req.Text,
		})
		s.mu.Unlock()
		writeResult(rw, true)
	case "setWebhook":
		var req struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, 400, "bad request")
			return
		}
		s.mu.Lock()
		s.webhook = req.URL
		s.mu.Unlock()
		writeResult(rw, true)
	case "deleteWebhook":
		s.mu.Lock()
		s.webhook = ""
		s.mu.Unlock()
		writeResult(rw, true)
	default:
		writeError(rw, 404, "method not found: "+method)
	}
}

// serveUpdates returns pending updates past offset, waiting briefly
// when none are queued to mimic long polling.
func (s *Server) serveUpdates(rw http.ResponseWriter, r *http.Request, offset int64) {
	for {
		s.mu.Lock()
		var pending []telegram.Update
		for _, u := range s.updates {
			if u.UpdateID >= offset {
				pending = append(pending, u)
			}
		}
		s.mu.Unlock()

		if len(pending) > 0 {
			writeResult(rw, pending)
			return
		}
		select {
		case <-r.Context().Done():
			writeResult(rw, []telegram.Update{})
			return
		case <-s.notify:
		}
	}
}

func writeResult(rw http.ResponseWriter, result any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"ok":     true,
		"result": result,
	})
}

func writeError(rw http.ResponseWriter, code int, description string) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"ok":          false,
		"error_code":  code,
		"description": strings.TrimSpace(description),
	})
}
