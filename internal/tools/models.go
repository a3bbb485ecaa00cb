// Package tools exposes the business operations the realtime model may
// invoke mid-conversation, as a declarative schema plus handlers. Handlers
// are stateless functions over an injected repository and the caller's
// session; they return structured results and never raise past the registry
// boundary.
package tools

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("tools: not found")
	ErrUnknownLocation = errors.New("tools: unknown location")
	ErrSlotTaken       = errors.New("tools: slot taken")
)

// Location is a service area branch. Read-mostly; loaded at startup and
// cached by the repository.
type Location struct {
	Code           string `json:"code"` // 3-letter, unique
	Name           string `json:"name"`
	Address        string `json:"address"`
	Phone          string `json:"phone"`
	OpeningHour    int    `json:"opening_hour"` // 24h local
	ClosingHour    int    `json:"closing_hour"`
	EmergencyPhone string `json:"emergency_phone,omitempty"`
	Active         bool   `json:"is_active"`
}

// Appointment is a booked service visit. Soft-cancelled, never deleted.
type Appointment struct {
	ID            int       `json:"id"` // confirmation id
	CallID        string    `json:"call_id,omitempty"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	Date          string    `json:"date"` // YYYY-MM-DD local
	Time          string    `json:"time"` // HH:MM local
	Issue         string    `json:"issue"`
	IssueCategory string    `json:"issue_category,omitempty"`
	Priority      string    `json:"priority,omitempty"`
	LocationCode  string    `json:"location_code"`
	Cancelled     bool      `json:"is_cancelled"`
	CreatedAt     time.Time `json:"created_at"`
}

// EmergencyLog is an append-only record of a classified emergency.
type EmergencyLog struct {
	ID           int       `json:"id"`
	CallID       string    `json:"call_id"`
	CallerPhone  string    `json:"caller_phone"`
	Type         string    `json:"emergency_type"`
	Description  string    `json:"description"`
	LocationCode string    `json:"location_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Lead is a captured callback request that did not convert into a booking.
type Lead struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Issue     string    `json:"issue"`
	Notes     string    `json:"notes,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BookingStatus is the outcome of create_booking.
type BookingStatus string

const (
	BookingSuccess    BookingStatus = "success"
	BookingTaken      BookingStatus = "taken"
	BookingIdempotent BookingStatus = "idempotent"
)

// Slot is one offered appointment window.
type Slot struct {
	Date  string `json:"date"`
	Time  string `json:"time"`
	Label string `json:"label"`
}
