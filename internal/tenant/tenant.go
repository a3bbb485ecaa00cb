// Package tenant resolves which business a call belongs to from the dialed
// number and carries that business's voice-agent configuration.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var ErrUnknownTenant = errors.New("tenant: unknown dialed number")

// Tenant is one configured business.
type Tenant struct {
	ID             string
	DialedNumber   string
	CompanyName    string
	Greeting       string
	SystemPrompt   string // empty uses the built-in prompt
	Voice          string
	TransferPhone  string
	EmergencyPhone string
	// PreferStreaming selects the realtime bridge; otherwise calls land on
	// the turn-based flow.
	PreferStreaming bool
}

// Instructions renders the system prompt handed to the realtime model.
func (t Tenant) Instructions() string {
	prompt := t.SystemPrompt
	if prompt == "" {
		prompt = defaultPrompt
	}
	r := strings.NewReplacer(
		"{company}", t.CompanyName,
		"{greeting}", t.Greeting,
	)
	return r.Replace(prompt)
}

const defaultPrompt = `You are the phone receptionist for {company}, an HVAC service company.
Be warm, concise and speak naturally for a phone call. Help callers book,
reschedule or cancel service appointments using the provided tools, answer
basic questions about locations and hours, and collect contact details when
no booking is made. If the caller describes a gas smell, carbon monoxide
alarm or any safety emergency, use the log_emergency tool immediately and
tell them to leave the building and call 911 if in danger. If the caller
insists on a person, use request_transfer. Never invent appointment
availability; always check with the tools first.`

// Resolver maps a dialed number to its tenant.
type Resolver interface {
	Resolve(ctx context.Context, dialedNumber string) (Tenant, error)
}

// Defaults is the env-derived fallback tenant used when the database has no
// row for the dialed number (single-tenant deployments).
type Defaults struct {
	CompanyName     string
	Greeting        string
	TransferPhone   string
	EmergencyPhone  string
	Voice           string
	PreferStreaming bool
}

func (d Defaults) tenant(dialed string) Tenant {
	return Tenant{
		ID:              "default",
		DialedNumber:    dialed,
		CompanyName:     d.CompanyName,
		Greeting:        d.Greeting,
		Voice:           d.Voice,
		TransferPhone:   d.TransferPhone,
		EmergencyPhone:  d.EmergencyPhone,
		PreferStreaming: d.PreferStreaming,
	}
}

// StaticResolver always answers with the default tenant.
type StaticResolver struct {
	Defaults Defaults
}

func (r StaticResolver) Resolve(_ context.Context, dialed string) (Tenant, error) {
	return r.Defaults.tenant(dialed), nil
}

// DBResolver reads tenants from Postgres with a short read-through cache,
// falling back to the default tenant when the number is not provisioned.
type DBResolver struct {
	db       *sql.DB
	defaults Defaults
	log      *slog.Logger

	mu       sync.Mutex
	cache    map[string]Tenant
	cachedAt time.Time
	cacheTTL time.Duration
}

func NewDBResolver(db *sql.DB, defaults Defaults, log *slog.Logger) *DBResolver {
	if log == nil {
		log = slog.Default()
	}
	return &DBResolver{
		db:       db,
		defaults: defaults,
		log:      log,
		cache:    make(map[string]Tenant),
		cacheTTL: 5 * time.Minute,
	}
}

const tenantQuery = `
SELECT id, dialed_number, company_name, greeting, system_prompt, voice,
       transfer_phone, emergency_phone, prefer_streaming
FROM tenants
WHERE dialed_number = $1 AND is_active`

func (r *DBResolver) Resolve(ctx context.Context, dialed string) (Tenant, error) {
	if t, ok := r.cached(dialed); ok {
		return t, nil
	}

	var t Tenant
	err := r.db.QueryRowContext(ctx, tenantQuery, dialed).Scan(
		&t.ID, &t.DialedNumber, &t.CompanyName, &t.Greeting, &t.SystemPrompt,
		&t.Voice, &t.TransferPhone, &t.EmergencyPhone, &t.PreferStreaming,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r.defaults.tenant(dialed), nil
	case err != nil:
		// A flaky database should not drop calls; answer with defaults.
		r.log.Warn("tenant lookup failed, using defaults", "dialed", dialed, "err", err)
		return r.defaults.tenant(dialed), nil
	}
	r.store(dialed, t)
	return t, nil
}

func (r *DBResolver) cached(dialed string) (Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.cachedAt) > r.cacheTTL {
		r.cache = make(map[string]Tenant)
		return Tenant{}, false
	}
	t, ok := r.cache[dialed]
	return t, ok
}

func (r *DBResolver) store(dialed string, t Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) == 0 {
		r.cachedAt = time.Now()
	}
	r.cache[dialed] = t
}

// GreetingInstruction is the first response.create instruction: greet with
// the tenant's line, verbatim.
func (t Tenant) GreetingInstruction() string {
	return fmt.Sprintf("Greet the caller with exactly: %q", t.Greeting)
}
