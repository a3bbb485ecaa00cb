// Package realtime is the websocket client for the speech-to-speech model
// API. It speaks the typed event protocol (session.update,
// input_audio_buffer.append, response.*) and leaves orchestration to the
// bridge.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types read from the model socket.
const (
	EventSessionCreated   = "session.created"
	EventSessionUpdated   = "session.updated"
	EventSpeechStarted    = "input_audio_buffer.speech_started"
	EventSpeechStopped    = "input_audio_buffer.speech_stopped"
	EventResponseCreated  = "response.created"
	EventAudioDelta       = "response.audio.delta"
	EventAudioDone        = "response.audio.done"
	EventTranscriptDelta  = "response.audio_transcript.delta"
	EventTranscriptDone   = "response.audio_transcript.done"
	EventFunctionCallDone = "response.function_call_arguments.done"
	EventResponseDone     = "response.done"
	EventInputTranscript  = "conversation.item.input_audio_transcription.completed"
	EventError            = "error"
)

// TurnDetection configures the model's server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// ToolDefinition is one tool as the model protocol wants it.
type ToolDefinition struct {
	Type        string         `json:"type"` // "function"
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionConfig is the session.update payload sent right after connect.
type SessionConfig struct {
	Instructions            string           `json:"instructions"`
	Voice                   string           `json:"voice,omitempty"`
	InputAudioFormat        string           `json:"input_audio_format"`
	OutputAudioFormat       string           `json:"output_audio_format"`
	Temperature             float64          `json:"temperature,omitempty"`
	MaxResponseOutputTokens int              `json:"max_response_output_tokens,omitempty"`
	Modalities              []string         `json:"modalities,omitempty"`
	TurnDetection           *TurnDetection   `json:"turn_detection,omitempty"`
	Tools                   []ToolDefinition `json:"tools,omitempty"`
}

// APIError is the error event payload.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Fatal reports whether the error means the session cannot continue:
// authentication and quota failures. Everything else is transient.
func (e *APIError) Fatal() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case "authentication_error", "insufficient_quota":
		return true
	}
	c := strings.ToLower(e.Code)
	return strings.Contains(c, "api_key") ||
		strings.Contains(c, "auth") ||
		strings.Contains(c, "quota") ||
		strings.Contains(c, "billing")
}

// ServerEvent is one decoded event from the model. Fields are populated
// according to Type; unrecognized event types pass through with Raw intact
// so the bridge can log them.
type ServerEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	Delta      string          `json:"delta,omitempty"` // base64 audio or text
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Error      *APIError       `json:"error,omitempty"`
	Response   *ResponseMeta   `json:"response,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// ResponseMeta is the nested response object on response.created/done.
type ResponseMeta struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DecodedAudio returns the delta payload as raw bytes.
func (e *ServerEvent) DecodedAudio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Delta)
}

// AudioResponseID resolves the response the event belongs to, falling back
// to the nested response object.
func (e *ServerEvent) AudioResponseID() string {
	if e.ResponseID != "" {
		return e.ResponseID
	}
	if e.Response != nil {
		return e.Response.ID
	}
	return ""
}

// Config holds connection parameters for the model socket.
type Config struct {
	URL            string
	APIKey         string
	ConnectTimeout time.Duration
}

// Client is one model websocket connection, single-reader multi-writer like
// the telephony stream: the bridge's model goroutine reads, any goroutine
// may write.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens the model socket. The context bounds the handshake only.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// ReadEvent blocks for the next server event.
func (c *Client) ReadEvent() (ServerEvent, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return ServerEvent{}, err
		}
		var ev ServerEvent
		if jerr := json.Unmarshal(data, &ev); jerr != nil || ev.Type == "" {
			continue
		}
		ev.Raw = data
		return ev, nil
	}
}

// ConfigureSession sends session.update.
func (c *Client) ConfigureSession(cfg SessionConfig) error {
	return c.send(map[string]any{"type": "session.update", "session": cfg})
}

// AppendAudio forwards caller audio into the model's input buffer. The model
// segments it with server-side VAD; nothing is buffered here.
func (c *Client) AppendAudio(audio []byte) error {
	return c.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
}

// CreateResponse asks the model to speak. Instructions may be empty.
func (c *Client) CreateResponse(instructions string) error {
	payload := map[string]any{"type": "response.create"}
	if instructions != "" {
		payload["response"] = map[string]any{"instructions": instructions}
	}
	return c.send(payload)
}

// CancelResponse aborts the in-flight response (barge-in).
func (c *Client) CancelResponse() error {
	return c.send(map[string]any{"type": "response.cancel"})
}

// SendToolResult returns a tool invocation's output and asks for the spoken
// follow-up in one exchange.
func (c *Client) SendToolResult(callID string, output json.RawMessage) error {
	err := c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	})
	if err != nil {
		return err
	}
	return c.CreateResponse("")
}

func (c *Client) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and drops the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
