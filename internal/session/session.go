// Package session holds the per-call state shared by the streaming bridge,
// the turn-based flow and the call supervisor, plus the layered store that
// persists it for the duration of a call.
package session

import (
	"errors"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
)

// Turn is one utterance or tool result in the conversation.
// The sequence is append-only for the lifetime of the call.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Intent    string    `json:"intent,omitempty"`
	Emotion   string    `json:"emotion,omitempty"`
}

// Slots are the structured fields collected during a call, either by the
// realtime model's tool calls or by the turn-based state machine.
type Slots struct {
	Name            string `json:"name,omitempty"`
	CallbackPhone   string `json:"callback_phone,omitempty"` // E.164
	Address         string `json:"address,omitempty"`
	Issue           string `json:"issue,omitempty"`
	PreferredDate   string `json:"preferred_date,omitempty"` // YYYY-MM-DD
	PreferredTime   string `json:"preferred_time,omitempty"` // HH:MM
	LocationCode    string `json:"location_code,omitempty"`
	ConfirmVia      string `json:"confirm_via,omitempty"` // sms | email
}

// Session is the per-call record. It is serialized as JSON into the KV with
// a TTL of one hour from last activity.
type Session struct {
	CallID      string    `json:"call_id"`
	CallerPhone string    `json:"caller_phone"`
	DialedPhone string    `json:"dialed_phone"`
	TenantID    string    `json:"tenant_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`

	Turns []Turn `json:"turns,omitempty"`
	Slots Slots  `json:"slots,omitempty"`

	Emergency         bool `json:"emergency,omitempty"`
	TransferRequested bool `json:"transfer_requested,omitempty"`
	AppointmentBooked bool `json:"appointment_booked,omitempty"`
	ConfirmationID    int  `json:"confirmation_id,omitempty"`
	Frustration       int  `json:"frustration,omitempty"` // 0..5

	// Turn-based flow state; empty on the streaming path.
	FlowState string `json:"flow_state,omitempty"`
	Retries   int    `json:"retries,omitempty"`

	StreamID       string `json:"stream_id,omitempty"`
	LastResponseID string `json:"last_response_id,omitempty"`

	TurnCount     int   `json:"turn_count"`
	ToolCallCount int   `json:"tool_call_count"`
	BytesIn       int64 `json:"bytes_in"`
	BytesOut      int64 `json:"bytes_out"`

	LastActivity time.Time `json:"last_activity"`
}

// ErrTurnOutOfOrder is returned when an appended turn would break the
// monotonic timestamp ordering within the session.
var ErrTurnOutOfOrder = errors.New("session: turn timestamp not after previous turn")

// New creates a session for an inbound call.
func New(callID, callerPhone, dialedPhone string, now time.Time) *Session {
	return &Session{
		CallID:       callID,
		CallerPhone:  callerPhone,
		DialedPhone:  dialedPhone,
		StartedAt:    now,
		LastActivity: now,
	}
}

// AppendTurn adds a turn, enforcing strictly monotonic timestamps. A turn
// carrying a zero timestamp is stamped just after the previous one.
func (s *Session) AppendTurn(t Turn) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	if n := len(s.Turns); n > 0 {
		last := s.Turns[n-1].Timestamp
		if !t.Timestamp.After(last) {
			if t.Timestamp.Before(last) {
				return ErrTurnOutOfOrder
			}
			t.Timestamp = last.Add(time.Microsecond)
		}
	}
	s.Turns = append(s.Turns, t)
	s.TurnCount++
	s.Touch(t.Timestamp)
	return nil
}

// Touch records activity, pushing out the TTL on the next Set.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// Transcript renders the conversation as role-prefixed lines for post-call
// summaries.
func (s *Session) Transcript() []string {
	out := make([]string, 0, len(s.Turns))
	for _, t := range s.Turns {
		out = append(out, string(t.Role)+": "+t.Text)
	}
	return out
}

// SlotsComplete reports whether enough structured fields were collected to
// book an appointment after the call.
func (s *Session) SlotsComplete() bool {
	sl := s.Slots
	return sl.Name != "" && sl.CallbackPhone != "" && sl.Issue != "" &&
		sl.PreferredDate != "" && sl.PreferredTime != "" && sl.LocationCode != ""
}
