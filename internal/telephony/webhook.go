package telephony

import (
	"net/http"
	"strconv"
	"strings"
)

// VoiceForm captures the subset of Twilio voice webhook fields this
// application reads. Twilio sends application/x-www-form-urlencoded.
type VoiceForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	CallerName string
	FromCity   string
	FromState  string

	// Gather results, present on /voice/turn callbacks.
	SpeechResult string
	Confidence   float64
	Digits       string

	// Status callback fields.
	CallDuration int
}

// ParseVoiceForm reads the webhook form. Missing fields stay zero; the
// caller decides what is required.
func ParseVoiceForm(r *http.Request) (VoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return VoiceForm{}, err
	}
	f := VoiceForm{
		CallSid:      r.PostFormValue("CallSid"),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         strings.TrimSpace(r.PostFormValue("From")),
		To:           strings.TrimSpace(r.PostFormValue("To")),
		Direction:    r.PostFormValue("Direction"),
		CallStatus:   r.PostFormValue("CallStatus"),
		CallerName:   r.PostFormValue("CallerName"),
		FromCity:     r.PostFormValue("FromCity"),
		FromState:    r.PostFormValue("FromState"),
		SpeechResult: strings.TrimSpace(r.PostFormValue("SpeechResult")),
		Digits:       r.PostFormValue("Digits"),
	}
	if v := r.PostFormValue("Confidence"); v != "" {
		f.Confidence, _ = strconv.ParseFloat(v, 64)
	}
	if v := r.PostFormValue("CallDuration"); v != "" {
		f.CallDuration, _ = strconv.Atoi(v)
	}
	return f, nil
}

// Anonymous reports whether the caller withheld their number. Twilio sends
// "anonymous", "unknown" or an empty string in that case.
func (f VoiceForm) Anonymous() bool {
	switch strings.ToLower(f.From) {
	case "", "anonymous", "unknown", "restricted":
		return true
	}
	return false
}
