package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Media Streams wire envelopes. One JSON object per websocket text message;
// the event field discriminates.

type Envelope struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
}

type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 μ-law 8 kHz
}

type MarkPayload struct {
	Name string `json:"name"`
}

type StopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

var (
	// ErrBackpressure means an outbound write did not drain in time; the
	// call is considered failed.
	ErrBackpressure = errors.New("telephony: outbound write stalled")
	// ErrNoStart means the peer never sent its start event.
	ErrNoStart = errors.New("telephony: start event not received")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Twilio does not send an Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Stream is one Media Streams websocket connection. Reads are single-reader
// (the bridge's telephony goroutine); writes are serialized internally so
// audio and control envelopes may come from different goroutines.
type Stream struct {
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	streamSid string
	callSid   string
}

// Accept upgrades the HTTP request to a Media Streams websocket.
func Accept(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*Stream, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	return &Stream{conn: conn, writeTimeout: writeTimeout}, nil
}

// StreamSid is set once AwaitStart has returned.
func (s *Stream) StreamSid() string { return s.streamSid }

// CallSid is set once AwaitStart has returned.
func (s *Stream) CallSid() string { return s.callSid }

func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Read returns the next envelope. Unparseable messages are skipped; Twilio
// occasionally interleaves envelopes this application does not model.
func (s *Stream) Read() (Envelope, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if jerr := json.Unmarshal(data, &env); jerr != nil || env.Event == "" {
			continue
		}
		return env, nil
	}
}

// AwaitStart consumes envelopes until the start event arrives, recording the
// stream and call identifiers. The connected event preceding it is skipped.
func (s *Stream) AwaitStart(timeout time.Duration) (*StartPayload, error) {
	deadline := time.Now().Add(timeout)
	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		env, err := s.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoStart, err)
		}
		switch env.Event {
		case "connected":
			continue
		case "start":
			if env.Start == nil {
				return nil, ErrNoStart
			}
			s.streamSid = env.Start.StreamSid
			s.callSid = env.Start.CallSid
			return env.Start, nil
		case "stop":
			return nil, ErrNoStart
		}
	}
}

// WriteMedia sends one chunk of μ-law audio to the caller.
func (s *Stream) WriteMedia(ulaw []byte) error {
	return s.write(Envelope{
		Event:     "media",
		StreamSid: s.streamSid,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// WriteMark asks the peer to echo a mark once preceding audio has played.
func (s *Stream) WriteMark(name string) error {
	return s.write(Envelope{
		Event:     "mark",
		StreamSid: s.streamSid,
		Mark:      &MarkPayload{Name: name},
	})
}

// Clear discards queued outbound audio on the peer. This is the barge-in
// primitive: everything buffered but not yet played is dropped.
func (s *Stream) Clear() error {
	return s.write(Envelope{Event: "clear", StreamSid: s.streamSid})
}

func (s *Stream) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if isTimeout(err) {
			return ErrBackpressure
		}
		return err
	}
	return nil
}

// Close sends a close frame then tears the connection down.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
