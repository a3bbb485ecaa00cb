package tools

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository useful for tests and early
// development. Booking semantics mirror the Postgres implementation,
// including call-id idempotency and slot collision checks.
type MemoryRepo struct {
	mu           sync.Mutex
	Locations    []Location
	Appointments []Appointment
	Emergencies  []EmergencyLog
	Leads        []Lead
	nextID       int
}

// NewMemoryRepo seeds a repo with the given locations.
func NewMemoryRepo(locs ...Location) *MemoryRepo {
	return &MemoryRepo{Locations: locs, nextID: 1000}
}

func (r *MemoryRepo) ListLocations(ctx context.Context) ([]Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Location, 0, len(r.Locations))
	for _, l := range r.Locations {
		if l.Active {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *MemoryRepo) GetLocation(ctx context.Context, code string) (Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, l := range r.Locations {
		if l.Code == code && l.Active {
			return l, nil
		}
	}
	return Location{}, ErrUnknownLocation
}

func (r *MemoryRepo) CreateBooking(ctx context.Context, a Appointment) (Appointment, BookingStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.CallID != "" {
		for _, e := range r.Appointments {
			if e.CallID == a.CallID && !e.Cancelled {
				return e, BookingIdempotent, nil
			}
		}
	}
	for _, e := range r.Appointments {
		if e.LocationCode == a.LocationCode && e.Date == a.Date && e.Time == a.Time && !e.Cancelled {
			return Appointment{}, BookingTaken, nil
		}
	}

	r.nextID++
	a.ID = r.nextID
	a.CreatedAt = time.Now().UTC()
	r.Appointments = append(r.Appointments, a)
	return a, BookingSuccess, nil
}

func (r *MemoryRepo) FindBookingByCallID(ctx context.Context, callID string) (Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.Appointments {
		if e.CallID == callID && !e.Cancelled {
			return e, nil
		}
	}
	return Appointment{}, ErrNotFound
}

func (r *MemoryRepo) SlotTaken(ctx context.Context, locationCode, date, tm string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.Appointments {
		if e.LocationCode == locationCode && e.Date == date && e.Time == tm && !e.Cancelled {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepo) LatestFutureBooking(ctx context.Context, name, locationCode, afterDate string) (Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best Appointment
	found := false
	for _, e := range r.Appointments {
		if e.Cancelled || !strings.EqualFold(e.CustomerName, name) || e.LocationCode != locationCode {
			continue
		}
		if e.Date < afterDate {
			continue
		}
		if !found || e.Date > best.Date || (e.Date == best.Date && e.Time > best.Time) {
			best = e
			found = true
		}
	}
	if !found {
		return Appointment{}, ErrNotFound
	}
	return best, nil
}

func (r *MemoryRepo) RescheduleBooking(ctx context.Context, id int, date, tm string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.Appointments {
		if r.Appointments[i].ID == id && !r.Appointments[i].Cancelled {
			r.Appointments[i].Date = date
			r.Appointments[i].Time = tm
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) CancelBooking(ctx context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.Appointments {
		if r.Appointments[i].ID == id && !r.Appointments[i].Cancelled {
			r.Appointments[i].Cancelled = true
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) InsertEmergency(ctx context.Context, e EmergencyLog) (EmergencyLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.ID = r.nextID
	e.CreatedAt = time.Now().UTC()
	r.Emergencies = append(r.Emergencies, e)
	return e, nil
}

func (r *MemoryRepo) InsertLead(ctx context.Context, l Lead) (Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	l.ID = r.nextID
	l.CreatedAt = time.Now().UTC()
	r.Leads = append(r.Leads, l)
	return l, nil
}
