package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hvac-voice-agent/internal/session"
)

// Notifier is the slice of the notification collaborator the executors use.
// Failures are logged and surfaced in results, never propagated.
type Notifier interface {
	BookingConfirmation(ctx context.Context, a Appointment) error
	EmergencyAlert(ctx context.Context, e EmergencyLog) error
}

// ExecutorConfig tunes scheduling behavior.
type ExecutorConfig struct {
	SlotDuration    time.Duration // default 60m
	ScanDays        int           // forward scan horizon, default 14
	IncludeWeekends bool
	Location        *time.Location // local business timezone; default time.Local
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.SlotDuration <= 0 {
		c.SlotDuration = time.Hour
	}
	if c.ScanDays <= 0 {
		c.ScanDays = 14
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Executors implements the tool handlers over a Repository and a Notifier.
// Handlers receive the caller's session explicitly; they hold no per-call
// state of their own.
type Executors struct {
	repo   Repository
	notify Notifier
	cfg    ExecutorConfig
	log    *slog.Logger
	now    func() time.Time
}

func NewExecutors(repo Repository, notify Notifier, cfg ExecutorConfig, log *slog.Logger) *Executors {
	if log == nil {
		log = slog.Default()
	}
	return &Executors{repo: repo, notify: notify, cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// Typed input records. The published schema is generated from these; see
// schema.go for the tag conventions.

type checkSlotInput struct {
	Date         string `json:"date" desc:"Requested date, YYYY-MM-DD"`
	Time         string `json:"time" desc:"Requested start time, HH:MM 24-hour"`
	LocationCode string `json:"location_code" desc:"3-letter service location code"`
	DurationMin  int    `json:"duration_min" desc:"Visit length in minutes" optional:"true"`
}

type nextSlotsInput struct {
	LocationCode string `json:"location_code" desc:"3-letter service location code"`
	StartDate    string `json:"start_date" desc:"Earliest date to consider, YYYY-MM-DD" optional:"true"`
	NumSlots     int    `json:"num_slots" desc:"How many slots to return, max 5" optional:"true"`
}

type createBookingInput struct {
	Name         string `json:"name" desc:"Customer full name"`
	Date         string `json:"date" desc:"Appointment date, YYYY-MM-DD"`
	Time         string `json:"time" desc:"Appointment start time, HH:MM 24-hour"`
	Issue        string `json:"issue" desc:"Short description of the problem"`
	LocationCode string `json:"location_code" desc:"3-letter service location code"`
	Phone        string `json:"phone" desc:"Callback phone, E.164" optional:"true"`
	Email        string `json:"email" desc:"Email for confirmation" optional:"true"`
}

type rescheduleInput struct {
	Name         string `json:"name" desc:"Customer full name on the booking"`
	NewDate      string `json:"new_date" desc:"New date, YYYY-MM-DD"`
	NewTime      string `json:"new_time" desc:"New start time, HH:MM 24-hour"`
	LocationCode string `json:"location_code" desc:"3-letter service location code"`
}

type cancelInput struct {
	Name           string `json:"name" desc:"Customer full name on the booking"`
	LocationCode   string `json:"location_code" desc:"3-letter service location code"`
	ConfirmationID int    `json:"confirmation_id" desc:"Confirmation number, if known" optional:"true"`
}

type transferInput struct {
	Reason string `json:"reason" desc:"Why the caller needs a person"`
}

type emergencyInput struct {
	Type        string `json:"type" desc:"Emergency classification" enum:"gas_leak|carbon_monoxide|no_heat|no_cooling|water_leak|electrical|other"`
	Description string `json:"description" desc:"What the caller reported"`
}

type leadInput struct {
	Name  string `json:"name" desc:"Caller name"`
	Phone string `json:"phone" desc:"Callback phone"`
	Issue string `json:"issue" desc:"What they need"`
	Notes string `json:"notes" desc:"Anything else worth keeping" optional:"true"`
}

func (e *Executors) listServiceLocations(ctx context.Context, _ *session.Session, _ struct{}) (any, error) {
	locs, err := e.repo.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	type entry struct {
		Name    string `json:"name"`
		Code    string `json:"code"`
		Address string `json:"address"`
		Phone   string `json:"phone"`
		Hours   string `json:"hours"`
	}
	out := make([]entry, 0, len(locs))
	for _, l := range locs {
		out = append(out, entry{
			Name:    l.Name,
			Code:    l.Code,
			Address: l.Address,
			Phone:   l.Phone,
			Hours:   fmt.Sprintf("%d:00-%d:00", l.OpeningHour, l.ClosingHour),
		})
	}
	return map[string]any{"locations": out}, nil
}

func (e *Executors) checkSlotAvailable(ctx context.Context, _ *session.Session, in checkSlotInput) (any, error) {
	if in.DurationMin <= 0 {
		in.DurationMin = int(e.cfg.SlotDuration.Minutes())
	}
	loc, err := e.repo.GetLocation(ctx, in.LocationCode)
	if err != nil {
		return errorResult(err)
	}
	start, err := e.parseLocal(in.Date, in.Time)
	if err != nil {
		return map[string]any{"available": false, "error": "invalid date or time"}, nil
	}
	if start.Before(e.now().In(e.cfg.Location)) {
		return map[string]any{"available": false, "error": "past"}, nil
	}
	if !e.withinHours(loc, start, time.Duration(in.DurationMin)*time.Minute) {
		return map[string]any{"available": false, "error": "closed"}, nil
	}

	taken, err := e.repo.SlotTaken(ctx, loc.Code, in.Date, in.Time)
	if err != nil {
		return nil, err
	}
	if taken {
		return map[string]any{"available": false, "reason": "taken"}, nil
	}
	return map[string]any{"available": true}, nil
}

func (e *Executors) nextAvailableSlots(ctx context.Context, _ *session.Session, in nextSlotsInput) (any, error) {
	loc, err := e.repo.GetLocation(ctx, in.LocationCode)
	if err != nil {
		return errorResult(err)
	}
	if in.NumSlots <= 0 || in.NumSlots > 5 {
		in.NumSlots = 5
	}

	now := e.now().In(e.cfg.Location)
	start := now
	if in.StartDate != "" {
		if d, perr := time.ParseInLocation("2006-01-02", in.StartDate, e.cfg.Location); perr == nil && d.After(now) {
			start = d
		}
	}

	var slots []Slot
	for day := 0; day <= e.cfg.ScanDays && len(slots) < in.NumSlots; day++ {
		d := start.AddDate(0, 0, day)
		if !e.cfg.IncludeWeekends && (d.Weekday() == time.Saturday || d.Weekday() == time.Sunday) {
			continue
		}
		date := d.Format("2006-01-02")
		for h := loc.OpeningHour; h < loc.ClosingHour && len(slots) < in.NumSlots; h++ {
			candidate := time.Date(d.Year(), d.Month(), d.Day(), h, 0, 0, 0, e.cfg.Location)
			if !candidate.After(now) {
				continue
			}
			if !e.withinHours(loc, candidate, e.cfg.SlotDuration) {
				continue
			}
			tm := fmt.Sprintf("%02d:00", h)
			taken, err := e.repo.SlotTaken(ctx, loc.Code, date, tm)
			if err != nil {
				return nil, err
			}
			if taken {
				continue
			}
			slots = append(slots, Slot{
				Date:  date,
				Time:  tm,
				Label: candidate.Format("Monday, January 2 at 3:04 PM"),
			})
		}
	}
	return map[string]any{"slots": slots}, nil
}

func (e *Executors) createBooking(ctx context.Context, sess *session.Session, in createBookingInput) (any, error) {
	loc, err := e.repo.GetLocation(ctx, in.LocationCode)
	if err != nil {
		return errorResult(err)
	}
	start, err := e.parseLocal(in.Date, in.Time)
	if err != nil {
		return map[string]any{"status": "error", "error": "invalid date or time"}, nil
	}
	if start.Before(e.now().In(e.cfg.Location)) {
		return map[string]any{"status": "error", "error": "past"}, nil
	}
	if !e.withinHours(loc, start, e.cfg.SlotDuration) {
		return map[string]any{"status": "error", "error": "closed"}, nil
	}

	callID := ""
	phone := in.Phone
	if sess != nil {
		callID = sess.CallID
		if phone == "" {
			phone = sess.CallerPhone
		}
	}

	appt, status, err := e.repo.CreateBooking(ctx, Appointment{
		CallID:        callID,
		CustomerName:  in.Name,
		CustomerPhone: phone,
		CustomerEmail: in.Email,
		Date:          in.Date,
		Time:          in.Time,
		Issue:         in.Issue,
		IssueCategory: classifyIssue(in.Issue),
		Priority:      "normal",
		LocationCode:  loc.Code,
	})
	if err != nil {
		return nil, err
	}

	switch status {
	case BookingTaken:
		return map[string]any{"status": "taken"}, nil
	case BookingIdempotent:
		// Past the deadline the invoker has already returned and the
		// session may be mid-marshal elsewhere; leave it alone.
		if sess != nil && ctx.Err() == nil {
			sess.AppointmentBooked = true
			sess.ConfirmationID = appt.ID
		}
		return map[string]any{
			"status":          "idempotent",
			"idempotent":      true,
			"confirmation_id": appt.ID,
		}, nil
	}

	if sess != nil && ctx.Err() == nil {
		sess.AppointmentBooked = true
		sess.ConfirmationID = appt.ID
	}

	sent := true
	if e.notify != nil {
		if nerr := e.notify.BookingConfirmation(ctx, appt); nerr != nil {
			// The booking stands even when the confirmation fails.
			e.log.Warn("booking confirmation not sent", "confirmation_id", appt.ID, "err", nerr)
			sent = false
		}
	}
	return map[string]any{
		"status":            "success",
		"confirmation_id":   appt.ID,
		"confirmation_sent": sent,
	}, nil
}

func (e *Executors) rescheduleBooking(ctx context.Context, _ *session.Session, in rescheduleInput) (any, error) {
	loc, err := e.repo.GetLocation(ctx, in.LocationCode)
	if err != nil {
		return errorResult(err)
	}
	start, err := e.parseLocal(in.NewDate, in.NewTime)
	if err != nil {
		return map[string]any{"status": "error", "error": "invalid date or time"}, nil
	}
	if start.Before(e.now().In(e.cfg.Location)) {
		return map[string]any{"status": "error", "error": "past"}, nil
	}
	if !e.withinHours(loc, start, e.cfg.SlotDuration) {
		return map[string]any{"status": "error", "error": "closed"}, nil
	}

	today := e.now().In(e.cfg.Location).Format("2006-01-02")
	appt, err := e.repo.LatestFutureBooking(ctx, in.Name, loc.Code, today)
	if err != nil {
		return errorResult(err)
	}

	taken, err := e.repo.SlotTaken(ctx, loc.Code, in.NewDate, in.NewTime)
	if err != nil {
		return nil, err
	}
	if taken {
		return map[string]any{"status": "taken"}, nil
	}

	if err := e.repo.RescheduleBooking(ctx, appt.ID, in.NewDate, in.NewTime); err != nil {
		return errorResult(err)
	}
	return map[string]any{
		"status":          "success",
		"confirmation_id": appt.ID,
		"date":            in.NewDate,
		"time":            in.NewTime,
	}, nil
}

func (e *Executors) cancelBooking(ctx context.Context, _ *session.Session, in cancelInput) (any, error) {
	loc, err := e.repo.GetLocation(ctx, in.LocationCode)
	if err != nil {
		return errorResult(err)
	}

	id := in.ConfirmationID
	if id == 0 {
		today := e.now().In(e.cfg.Location).Format("2006-01-02")
		appt, err := e.repo.LatestFutureBooking(ctx, in.Name, loc.Code, today)
		if err != nil {
			return errorResult(err)
		}
		id = appt.ID
	}

	if err := e.repo.CancelBooking(ctx, id); err != nil {
		return errorResult(err)
	}
	return map[string]any{"status": "success", "confirmation_id": id}, nil
}

func (e *Executors) requestTransfer(_ context.Context, sess *session.Session, in transferInput) (any, error) {
	if sess != nil {
		sess.TransferRequested = true
	}
	return map[string]any{"status": "success", "reason": in.Reason}, nil
}

func (e *Executors) logEmergency(ctx context.Context, sess *session.Session, in emergencyInput) (any, error) {
	log := EmergencyLog{
		Type:        in.Type,
		Description: in.Description,
	}
	if sess != nil {
		log.CallID = sess.CallID
		log.CallerPhone = sess.CallerPhone
		log.LocationCode = sess.Slots.LocationCode
	}

	row, err := e.repo.InsertEmergency(ctx, log)
	if err != nil {
		return nil, err
	}
	if sess != nil && ctx.Err() == nil {
		sess.Emergency = true
	}
	if e.notify != nil {
		if nerr := e.notify.EmergencyAlert(ctx, row); nerr != nil {
			// The row is already written; the alert is best-effort.
			e.log.Error("emergency alert not sent", "emergency_id", row.ID, "err", nerr)
		}
	}
	return map[string]any{"status": "success", "emergency_id": row.ID}, nil
}

func (e *Executors) captureLead(ctx context.Context, sess *session.Session, in leadInput) (any, error) {
	l := Lead{Name: in.Name, Phone: in.Phone, Issue: in.Issue, Notes: in.Notes}
	if sess != nil {
		l.CallID = sess.CallID
		if l.Phone == "" {
			l.Phone = sess.CallerPhone
		}
	}
	row, err := e.repo.InsertLead(ctx, l)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "lead_id": row.ID}, nil
}

func (e *Executors) parseLocal(date, tm string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", date+" "+tm, e.cfg.Location)
}

func (e *Executors) withinHours(loc Location, start time.Time, dur time.Duration) bool {
	open := time.Date(start.Year(), start.Month(), start.Day(), loc.OpeningHour, 0, 0, 0, start.Location())
	closing := time.Date(start.Year(), start.Month(), start.Day(), loc.ClosingHour, 0, 0, 0, start.Location())
	return !start.Before(open) && !start.Add(dur).After(closing)
}

func errorResult(err error) (any, error) {
	switch {
	case err == ErrUnknownLocation:
		return map[string]any{"status": "error", "error": "unknown location"}, nil
	case err == ErrNotFound:
		return map[string]any{"status": "error", "error": "not found"}, nil
	default:
		return nil, err
	}
}

func classifyIssue(issue string) string {
	s := strings.ToLower(issue)
	switch {
	case strings.Contains(s, "heat") || strings.Contains(s, "furnace"):
		return "heating"
	case strings.Contains(s, "ac") || strings.Contains(s, "cool") || strings.Contains(s, "air condition"):
		return "cooling"
	case strings.Contains(s, "thermostat"):
		return "thermostat"
	case strings.Contains(s, "duct") || strings.Contains(s, "vent"):
		return "airflow"
	case strings.Contains(s, "maintenance") || strings.Contains(s, "tune"):
		return "maintenance"
	default:
		return "general"
	}
}
