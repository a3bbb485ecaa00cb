// Package turnflow is the turn-based voice path: one webhook round-trip per
// conversation turn, slots collected by a state machine, output rendered as
// TwiML. It serves callers when the streaming bridge is unavailable and
// tenants that opt out of streaming.
package turnflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hvac-voice-agent/internal/session"
	"hvac-voice-agent/internal/telephony"
	"hvac-voice-agent/internal/tools"
)

// Flow states. One slot is collected per turn.
const (
	StateGreeting     = "greeting"
	StateIdentifyNeed = "identify_need"
	StateCollectName  = "collect_name"
	StateCollectPhone = "collect_phone"
	StateCollectCity  = "collect_address"
	StateCollectIssue = "collect_issue"
	StateCollectDate  = "collect_date"
	StateCollectTime  = "collect_time"
	StateConfirm      = "confirm"
	StateComplete     = "complete"
	StateFAQ          = "faq"
	StateEmergency    = "emergency"
)

const maxRetries = 3

var emergencyKeywords = []string{
	"smell gas", "gas leak", "gas smell", "carbon monoxide", "co alarm",
	"co detector", "smoke", "fire", "sparks", "burning smell", "flooding",
	"water everywhere",
}

// Config carries the per-process knobs the flow needs.
type Config struct {
	TurnAction     string // webhook path for the next turn, e.g. /voice/turn
	TransferPhone  string
	EmergencyPhone string
	CompanyName    string
	Greeting       string
	Voice          string
}

// Flow runs the state machine. Session state between turns lives in the
// shared store, keyed by call id.
type Flow struct {
	cfg      Config
	store    *session.Store
	registry *tools.Registry
	log      *slog.Logger
	now      func() time.Time
}

func New(cfg Config, store *session.Store, registry *tools.Registry, log *slog.Logger) *Flow {
	if cfg.TurnAction == "" {
		cfg.TurnAction = "/voice/turn"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Flow{cfg: cfg, store: store, registry: registry, log: log, now: time.Now}
}

// Begin starts the flow for a new call and returns the opening TwiML.
func (f *Flow) Begin(ctx context.Context, sess *session.Session) (string, error) {
	sess.FlowState = StateIdentifyNeed
	if err := f.store.Set(ctx, sess); err != nil {
		return "", err
	}
	tw := f.twiml()
	greeting := f.cfg.Greeting
	if greeting == "" {
		greeting = fmt.Sprintf("Thanks for calling %s. How can I help you today?", f.cfg.CompanyName)
	}
	tw.GatherSpeech(greeting, f.cfg.TurnAction, "repair, appointment, hours, emergency")
	return f.render(tw)
}

// HandleTurn processes one webhook round-trip and returns the next TwiML.
func (f *Flow) HandleTurn(ctx context.Context, form telephony.VoiceForm) (string, error) {
	sess, err := f.store.Get(ctx, form.CallSid)
	if err != nil {
		return "", err
	}
	if sess == nil {
		sess = session.New(form.CallSid, form.From, form.To, f.now())
		sess.FlowState = StateIdentifyNeed
	}

	input := form.SpeechResult
	if input == "" && form.Digits != "" {
		input = form.Digits
	}
	if input != "" {
		sess.AppendTurn(session.Turn{Role: session.RoleCaller, Text: input})
	}

	// Emergency keywords short-circuit from any non-terminal state.
	if sess.FlowState != StateComplete && isEmergency(input) {
		return f.handleEmergency(ctx, sess, input)
	}

	tw := f.twiml()
	switch sess.FlowState {
	case StateIdentifyNeed, StateGreeting, StateFAQ:
		f.identifyNeed(sess, input, tw)
	case StateCollectName:
		f.collectName(sess, input, tw)
	case StateCollectPhone:
		f.collectPhone(sess, input, tw)
	case StateCollectCity:
		f.collectCity(sess, input, tw)
	case StateCollectIssue:
		f.collectIssue(sess, input, tw)
	case StateCollectDate:
		f.collectDate(sess, input, tw)
	case StateCollectTime:
		f.collectTime(sess, input, tw)
	case StateConfirm:
		if err := f.confirm(ctx, sess, input, tw); err != nil {
			return "", err
		}
	case StateComplete:
		tw.Say("Thanks again. Goodbye!").Hangup()
	default:
		f.log.Warn("unknown flow state, restarting", "state", sess.FlowState, "call_id", sess.CallID)
		sess.FlowState = StateIdentifyNeed
		tw.GatherSpeech("Sorry, let's start over. How can I help you?", f.cfg.TurnAction, "")
	}

	if err := f.store.Set(ctx, sess); err != nil {
		return "", err
	}
	return f.render(tw)
}

func (f *Flow) identifyNeed(sess *session.Session, input string, tw *telephony.TwiML) {
	s := strings.ToLower(input)
	switch {
	case input == "":
		f.reprompt(sess, tw, "Sorry, I didn't catch that. Are you calling about a repair, a new appointment, or something else?", "repair, appointment, hours")
		return
	case strings.Contains(s, "hour") || strings.Contains(s, "open") ||
		strings.Contains(s, "location") || strings.Contains(s, "address") ||
		strings.Contains(s, "price") || strings.Contains(s, "cost"):
		f.answerFAQ(sess, s, tw)
		return
	case strings.Contains(s, "person") || strings.Contains(s, "human") ||
		strings.Contains(s, "operator") || strings.Contains(s, "representative"):
		sess.TransferRequested = true
		f.transfer(tw, "Of course, let me connect you with our team.")
		return
	}
	// Anything else is a service request; start collecting slots.
	sess.Slots.Issue = input
	f.advance(sess, StateCollectName, tw, "I can help with that. Can I get your first and last name?", "")
}

func (f *Flow) collectName(sess *session.Session, input string, tw *telephony.TwiML) {
	name := cleanName(input)
	if name == "" {
		f.reprompt(sess, tw, "Sorry, could you repeat your name for me?", "")
		return
	}
	sess.Slots.Name = name
	f.advance(sess, StateCollectPhone, tw,
		fmt.Sprintf("Thanks, %s. What's the best callback number for you?", firstName(name)), "")
}

func (f *Flow) collectPhone(sess *session.Session, input string, tw *telephony.TwiML) {
	phone, partial, ok := ParsePhone(input, sess.Slots.CallbackPhone)
	if !ok {
		// Carry partial digits into the next turn.
		sess.Slots.CallbackPhone = partial
		if partial != "" {
			f.reprompt(sess, tw, "Got part of that. Please continue with the rest of the number.", "")
		} else {
			f.reprompt(sess, tw, "Sorry, I didn't get the number. Please say it digit by digit.", "")
		}
		return
	}
	sess.Slots.CallbackPhone = phone
	f.advance(sess, StateCollectCity, tw, "Great. What city is the property in?",
		"Dallas, Fort Worth, Euless, Arlington, Plano")
}

func (f *Flow) collectCity(sess *session.Session, input string, tw *telephony.TwiML) {
	code, ok := LocationForCity(input)
	if !ok {
		f.reprompt(sess, tw, "Which city is that near? For example Dallas or Fort Worth.", "Dallas, Fort Worth")
		return
	}
	sess.Slots.LocationCode = code
	sess.Slots.Address = strings.TrimSpace(input)
	if sess.Slots.Issue != "" {
		f.advance(sess, StateCollectDate, tw, "What day works best for the visit?", "tomorrow, Monday, Tuesday")
		return
	}
	f.advance(sess, StateCollectIssue, tw, "And what's going on with your system?", "")
}

func (f *Flow) collectIssue(sess *session.Session, input string, tw *telephony.TwiML) {
	if strings.TrimSpace(input) == "" {
		f.reprompt(sess, tw, "Could you describe the problem briefly?", "")
		return
	}
	sess.Slots.Issue = input
	f.advance(sess, StateCollectDate, tw, "What day works best for the visit?", "tomorrow, Monday, Tuesday")
}

func (f *Flow) collectDate(sess *session.Session, input string, tw *telephony.TwiML) {
	date, ok := ParseSpokenDate(input, f.now())
	if !ok {
		f.reprompt(sess, tw, "Sorry, which day? You can say tomorrow, or a weekday like Monday.", "tomorrow, Monday")
		return
	}
	sess.Slots.PreferredDate = date
	f.advance(sess, StateCollectTime, tw, "And what time of day? Morning or afternoon?", "morning, afternoon, 9, 10, 2")
}

func (f *Flow) collectTime(sess *session.Session, input string, tw *telephony.TwiML) {
	tm, ok := ParseSpokenTime(input)
	if !ok {
		f.reprompt(sess, tw, "What time should we come by? Morning or afternoon works.", "morning, afternoon")
		return
	}
	sess.Slots.PreferredTime = tm
	sess.FlowState = StateConfirm
	sess.Retries = 0
	tw.GatherSpeech(fmt.Sprintf(
		"To confirm: %s, %s at %s, for %s. Shall I book it?",
		sess.Slots.Name, speakDate(sess.Slots.PreferredDate), speakTime(sess.Slots.PreferredTime), sess.Slots.Issue),
		f.cfg.TurnAction, "yes, no")
}

func (f *Flow) confirm(ctx context.Context, sess *session.Session, input string, tw *telephony.TwiML) error {
	s := strings.ToLower(input)
	switch {
	case strings.Contains(s, "yes") || strings.Contains(s, "yeah") ||
		strings.Contains(s, "correct") || strings.Contains(s, "book it") || s == "1":
		return f.book(ctx, sess, tw)
	case strings.Contains(s, "no") || s == "2":
		sess.FlowState = StateCollectDate
		sess.Retries = 0
		tw.GatherSpeech("No problem. What day should we aim for instead?", f.cfg.TurnAction, "tomorrow, Monday")
		return nil
	default:
		f.reprompt(sess, tw, "Sorry, was that a yes or a no?", "yes, no")
		return nil
	}
}

// book runs the same tool call the streaming path would issue.
func (f *Flow) book(ctx context.Context, sess *session.Session, tw *telephony.TwiML) error {
	args, _ := json.Marshal(map[string]string{
		"name":          sess.Slots.Name,
		"date":          sess.Slots.PreferredDate,
		"time":          sess.Slots.PreferredTime,
		"issue":         sess.Slots.Issue,
		"location_code": sess.Slots.LocationCode,
		"phone":         sess.Slots.CallbackPhone,
	})
	inv := f.registry.NewInvoker(sess)
	raw := inv.Invoke(ctx, "turn:"+sess.CallID, "create_booking", args)

	var res struct {
		Status         string `json:"status"`
		ConfirmationID int    `json:"confirmation_id"`
		Error          string `json:"error"`
	}
	json.Unmarshal(raw, &res)

	switch res.Status {
	case "success", "idempotent":
		sess.FlowState = StateComplete
		tw.Say(fmt.Sprintf(
			"You're all set. Your confirmation number is %d. We'll see you %s at %s. Goodbye!",
			res.ConfirmationID, speakDate(sess.Slots.PreferredDate), speakTime(sess.Slots.PreferredTime))).Hangup()
	case "taken":
		sess.FlowState = StateCollectTime
		tw.GatherSpeech("That time just filled up. Is there another time that day that works?",
			f.cfg.TurnAction, "morning, afternoon")
	default:
		f.log.Warn("turn-path booking failed", "call_id", sess.CallID, "result", string(raw))
		sess.FlowState = StateCollectDate
		tw.GatherSpeech("I couldn't book that slot. Could we try a different day?", f.cfg.TurnAction, "tomorrow")
	}
	return nil
}

func (f *Flow) answerFAQ(sess *session.Session, s string, tw *telephony.TwiML) {
	sess.FlowState = StateIdentifyNeed
	var answer string
	switch {
	case strings.Contains(s, "hour") || strings.Contains(s, "open"):
		answer = "We're open eight A M to six P M on weekdays."
	case strings.Contains(s, "price") || strings.Contains(s, "cost"):
		answer = "Service visits start at eighty nine dollars, waived with any repair."
	default:
		answer = "We have locations in Dallas and Fort Worth serving the whole metro area."
	}
	tw.GatherSpeech(answer+" Anything else I can help with?", f.cfg.TurnAction, "appointment, repair, no")
}

func (f *Flow) handleEmergency(ctx context.Context, sess *session.Session, input string) (string, error) {
	sess.FlowState = StateEmergency
	sess.Emergency = true

	args, _ := json.Marshal(map[string]string{
		"type":        classifyEmergency(input),
		"description": input,
	})
	inv := f.registry.NewInvoker(sess)
	inv.Invoke(ctx, "turn:"+sess.CallID+":emergency", "log_emergency", args)

	if err := f.store.Set(ctx, sess); err != nil {
		return "", err
	}

	tw := f.twiml()
	tw.Say("This sounds urgent. If you smell gas or see smoke, please leave the building now and call 911. I'm connecting you to our emergency line.")
	number := f.cfg.EmergencyPhone
	if number == "" {
		number = f.cfg.TransferPhone
	}
	if number != "" {
		tw.Dial(number)
	} else {
		tw.Hangup()
	}
	return f.render(tw)
}

// reprompt retries the current state, escalating to a transfer after the
// bounded retry count.
func (f *Flow) reprompt(sess *session.Session, tw *telephony.TwiML, prompt, hints string) {
	sess.Retries++
	if sess.Retries > maxRetries {
		sess.TransferRequested = true
		f.transfer(tw, "I'm having trouble understanding. Let me get you to a person.")
		return
	}
	tw.GatherSpeech(prompt, f.cfg.TurnAction, hints)
}

func (f *Flow) advance(sess *session.Session, next string, tw *telephony.TwiML, prompt, hints string) {
	sess.FlowState = next
	sess.Retries = 0
	tw.GatherSpeech(prompt, f.cfg.TurnAction, hints)
}

func (f *Flow) transfer(tw *telephony.TwiML, line string) {
	tw.Say(line)
	if f.cfg.TransferPhone != "" {
		tw.Dial(f.cfg.TransferPhone)
	} else {
		tw.Say("Please call us back during business hours. Goodbye.").Hangup()
	}
}

func (f *Flow) twiml() *telephony.TwiML {
	tw := telephony.NewTwiML()
	tw.Voice = f.cfg.Voice
	return tw
}

func (f *Flow) render(tw *telephony.TwiML) (string, error) {
	return tw.Render()
}

func isEmergency(input string) bool {
	s := strings.ToLower(input)
	for _, kw := range emergencyKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func classifyEmergency(input string) string {
	s := strings.ToLower(input)
	switch {
	case strings.Contains(s, "gas"):
		return "gas_leak"
	case strings.Contains(s, "carbon") || strings.Contains(s, "co "):
		return "carbon_monoxide"
	case strings.Contains(s, "flood") || strings.Contains(s, "water"):
		return "water_leak"
	case strings.Contains(s, "spark") || strings.Contains(s, "fire") || strings.Contains(s, "burn"):
		return "electrical"
	default:
		return "other"
	}
}

func cleanName(input string) string {
	s := strings.TrimSpace(input)
	for _, prefix := range []string{"my name is ", "this is ", "it's ", "its ", "i'm ", "i am "} {
		if strings.HasPrefix(strings.ToLower(s), prefix) {
			s = s[len(prefix):]
			break
		}
	}
	s = strings.Trim(s, ".,!?")
	if s == "" || len(strings.Fields(s)) > 5 {
		return ""
	}
	return s
}

func firstName(name string) string {
	if parts := strings.Fields(name); len(parts) > 0 {
		return parts[0]
	}
	return name
}

func speakDate(date string) string {
	if t, err := time.Parse("2006-01-02", date); err == nil {
		return t.Format("Monday, January 2")
	}
	return date
}

func speakTime(tm string) string {
	if t, err := time.Parse("15:04", tm); err == nil {
		return t.Format("3:04 PM")
	}
	return tm
}
