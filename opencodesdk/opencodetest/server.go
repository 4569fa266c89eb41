// Package opencodetest provides a fake opencode server for tests. It
// implements the subset of the API the bridge uses: health, sessions,
// fire-and-forget prompting, permissions, message history, and the
// event stream.
package opencodetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ocbridge/ocbridge/opencodesdk"
)

// PromptRecord is one recorded prompt submission.
type PromptRecord struct {
	SessionID string
	Request   opencodesdk.PromptRequest
}

// PermissionRecord is one recorded permission response.
type PermissionRecord struct {
	SessionID    string
	PermissionID string
	Response     string
}

// Server is a fake opencode server. All mutators are safe for
// concurrent use with the HTTP handlers.
type Server struct {
	t      testing.TB
	server *httptest.Server

	mu          sync.Mutex
	healthy     bool
	sessions    []opencodesdk.Session
	messages    map[string][]opencodesdk.MessageWithParts
	prompts     []PromptRecord
	permissions []PermissionRecord
	nextSession int

	// PromptErrorStatus, when non-zero, fails prompt submissions.
	PromptErrorStatus int

	streamMu      sync.Mutex
	subscribers   map[chan opencodesdk.Event]struct{}
	streamHistory []opencodesdk.Event
}

// Streams reports how many event-stream connections are open.
func (s *Server) Streams() int {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return len(s.subscribers)
}

// New starts a fake server and registers cleanup with t.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		t:           t,
		healthy:     true,
		messages:    make(map[string][]opencodesdk.MessageWithParts),
		subscribers: make(map[chan opencodesdk.Event]struct{}),
	}

	r := chi.NewRouter()
	r.Get("/global/health", s.handleHealth)
	r.Get("/event", s.handleEvents)
	r.Post("/session", s.handleCreateSession)
	r.Get("/session", s.handleListSessions)
	r.Patch("/session/{id}", s.handleUpdateSession)
	r.Post("/session/{id}/prompt_async", s.handlePrompt)
	r.Post("/session/{id}/permissions/{pid}", s.handlePermission)
	r.Get("/session/{id}/message", s.handleMessages)

	s.server = httptest.NewServer(r)
	t.Cleanup(s.server.Close)
	// Close would block on open event streams whose readers outlive
	// this cleanup; drop them first (cleanups run LIFO).
	t.Cleanup(s.server.CloseClientConnections)
	return s
}

// URL returns the base URL of the fake server.
func (s *Server) URL() string { return s.server.URL }

// Client returns an SDK client pointed at the fake server.
func (s *Server) Client() *opencodesdk.Client {
	client, err := opencodesdk.New(s.server.URL)
	if err != nil {
		s.t.Fatalf("build client: %v", err)
	}
	return client
}

// SetHealthy toggles the health endpoint.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// AddSession registers an existing session.
func (s *Server) AddSession(session opencodesdk.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, session)
}

// SetMessages replaces the message history for a session.
func (s *Server) SetMessages(sessionID string, messages []opencodesdk.MessageWithParts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = messages
}

// Prompts returns all recorded prompt submissions.
func (s *Server) Prompts() []PromptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PromptRecord(nil), s.prompts...)
}

// Permissions returns all recorded permission responses.
func (s *Server) Permissions() []PermissionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PermissionRecord(nil), s.permissions...)
}

// Emit broadcasts an event to every connected stream consumer. Events
// emitted before any consumer connects are replayed to the first
// connection of each consumer.
func (s *Server) Emit(event opencodesdk.Event) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.streamHistory = append(s.streamHistory, event)
	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// EmitTyped marshals properties and broadcasts an event of the given
// type.
func (s *Server) EmitTyped(eventType string, properties any) {
	raw, err := json.Marshal(properties)
	if err != nil {
		s.t.Fatalf("marshal event properties: %v", err)
	}
	s.Emit(opencodesdk.Event{Type: eventType, Properties: raw})
}

func (s *Server) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()
	if !healthy {
		http.Error(rw, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (s *Server) handleCreateSession(rw http.ResponseWriter, r *http.Request) {
	var req opencodesdk.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.nextSession++
	session := opencodesdk.Session{
		ID:    fmt.Sprintf("ses_%04d", s.nextSession),
		Title: req.Title,
	}
	s.sessions = append(s.sessions, session)
	s.mu.Unlock()

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(session)
}

func (s *Server) handleListSessions(rw http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	sessions := append([]opencodesdk.Session(nil), s.sessions...)
	s.mu.Unlock()

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(sessions)
}

func (s *Server) handleUpdateSession(rw http.ResponseWriter, r *http.Request) {
	var req opencodesdk.UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			s.sessions[i].Title = req.Title
		}
	}
	s.mu.Unlock()
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("{}"))
}

func (s *Server) handlePrompt(rw http.ResponseWriter, r *http.Request) {
	var req opencodesdk.PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	status := s.PromptErrorStatus
	if status == 0 {
		s.prompts = append(s.prompts, PromptRecord{
			SessionID: chi.URLParam(r, "id"),
			Request:   req,
		})
	}
	s.mu.Unlock()

	if status != 0 {
		http.Error(rw, "prompt rejected", status)
		return
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("{}"))
}

func (s *Server) handlePermission(rw http.ResponseWriter, r *http.Request) {
	var req opencodesdk.PermissionResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.permissions = append(s.permissions, PermissionRecord{
		SessionID:    chi.URLParam(r, "id"),
		PermissionID: chi.URLParam(r, "pid"),
		Response:     req.Response,
	})
	s.mu.Unlock()

	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("{}"))
}

func (s *Server) handleMessages(rw http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	messages := append([]opencodesdk.MessageWithParts(nil), s.messages[chi.URLParam(r, "id")]...)
	s.mu.Unlock()

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(messages)
}

func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := make(chan opencodesdk.Event, 256)
	s.streamMu.Lock()
	backlog := append([]opencodesdk.Event(nil), s.streamHistory...)
	s.subscribers[ch] = struct{}{}
	s.streamMu.Unlock()
	defer func() {
		s.streamMu.Lock()
		delete(s.subscribers, ch)
		s.streamMu.Unlock()
	}()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(event opencodesdk.Event) bool {
		raw, err := json.Marshal(event)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(rw, "data: %s\n\n", raw); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, event := range backlog {
		if !write(event) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			if !write(event) {
				return
			}
		}
	}
}
