package opencodesdk

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"golang.org/x/xerrors"
)

// Event stream event types the bridge reacts to. The server emits
// more; unknown types pass through untouched and callers ignore them.
const (
	EventTypePermissionUpdated  = "permission.updated"
	EventTypeSessionError       = "session.error"
	EventTypeMessageUpdated     = "message.updated"
	EventTypeMessagePartUpdated = "message.part.updated"
)

// Event is one decoded block from the server's event stream.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// DecodeProperties unmarshals the event properties into v.
func (e Event) DecodeProperties(v any) error {
	if len(e.Properties) == 0 {
		return xerrors.New("event has no properties")
	}
	return json.Unmarshal(e.Properties, v)
}

// PermissionUpdatedProperties describes a permission request.
type PermissionUpdatedProperties struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Title     string `json:"title"`
}

// SessionErrorProperties describes a session-level failure.
type SessionErrorProperties struct {
	SessionID string `json:"sessionID"`
	Error     struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

// Message returns the most specific error text available.
func (p SessionErrorProperties) Message() string {
	if p.Error.Data.Message != "" {
		return p.Error.Data.Message
	}
	if p.Error.Name != "" {
		return p.Error.Name
	}
	return "session error"
}

// MessageUpdatedProperties carries updated message metadata.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// MessagePartUpdatedProperties carries one updated part. Delta, when
// non-empty, is an incremental addition; otherwise Part.Text is a full
// snapshot.
type MessagePartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// EventDecoder reads server-sent event blocks from a stream: data
// lines accumulate until a blank line terminates the block, then the
// joined payload is decoded. Malformed or empty blocks are skipped
// rather than terminating the stream.
type EventDecoder struct {
	scanner *bufio.Scanner
}

// NewEventDecoder wraps r in a decoder.
func NewEventDecoder(r io.Reader) *EventDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &EventDecoder{scanner: scanner}
}

// Next returns the next decoded event. It returns io.EOF when the
// underlying stream ends, or the scan error if reading fails.
func (d *EventDecoder) Next() (Event, error) {
	var data []string
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line != "" {
			if rest, ok := strings.CutPrefix(line, "data:"); ok {
				data = append(data, strings.TrimLeft(rest, " "))
			}
			continue
		}
		event, ok := decodeEventBlock(data)
		data = data[:0]
		if !ok {
			continue
		}
		return event, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	// A final unterminated block is delivered if it decodes.
	if event, ok := decodeEventBlock(data); ok {
		return event, nil
	}
	return Event{}, io.EOF
}

// decodeEventBlock joins the accumulated data lines and decodes them.
// Some server versions wrap the event in a payload envelope; both
// shapes are accepted.
func decodeEventBlock(data []string) (Event, bool) {
	if len(data) == 0 {
		return Event{}, false
	}
	raw := strings.Join(data, "\n")

	var envelope struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
		Payload    *Event          `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return Event{}, false
	}
	if envelope.Type == "" && envelope.Payload != nil {
		return *envelope.Payload, true
	}
	if envelope.Type == "" {
		return Event{}, false
	}
	return Event{Type: envelope.Type, Properties: envelope.Properties}, true
}

// Events opens the persistent event stream. The returned channel is
// closed when the stream ends or ctx is canceled; callers must close
// the returned io.Closer to release the connection.
func (c *Client) Events(ctx context.Context) (<-chan Event, io.Closer, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	target := *c.URL
	target.Path = strings.TrimRight(target.Path, "/") + "/event"
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		cancel()
		return nil, nil, xerrors.Errorf("create event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Username != "" || c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	//nolint:bodyclose // Closed by the reader goroutine and the Closer.
	res, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, xerrors.Errorf("open event stream: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		cancel()
		return nil, nil, ReadBodyAsError(res)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer res.Body.Close()

		decoder := NewEventDecoder(res.Body)
		for {
			event, err := decoder.Next()
			if err != nil {
				return
			}
			select {
			case <-streamCtx.Done():
				return
			case events <- event:
			}
		}
	}()

	return events, closeFunc(func() error {
		cancel()
		res.Body.Close()
		return nil
	}), nil
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }
