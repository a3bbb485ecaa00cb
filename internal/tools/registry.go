package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"hvac-voice-agent/internal/session"
)

// handlerFunc adapts a typed handler to the registry's wire signature.
type handlerFunc func(ctx context.Context, sess *session.Session, args json.RawMessage) (any, error)

type tool struct {
	def     Definition
	handler handlerFunc
}

// RegistryConfig bounds tool execution.
type RegistryConfig struct {
	BudgetPerResponse int           // max invocations per model response, default 5
	Timeout           time.Duration // per-handler deadline, default 3s
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.BudgetPerResponse <= 0 {
		c.BudgetPerResponse = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	return c
}

// Registry holds the tool set published to the model and dispatches
// invocations. It is safe for concurrent use across calls; per-response
// budget tracking lives in the Invoker each call creates.
type Registry struct {
	cfg   RegistryConfig
	tools map[string]tool
	order []string
	log   *slog.Logger
}

// NewRegistry wires the standard tool set over the given executors.
func NewRegistry(ex *Executors, cfg RegistryConfig, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{cfg: cfg.withDefaults(), tools: make(map[string]tool), log: log}

	register(r, "list_service_locations",
		"List the service locations with addresses, phone numbers and hours.",
		ex.listServiceLocations)
	register(r, "check_slot_available",
		"Check whether a specific appointment date and time is open at a location.",
		ex.checkSlotAvailable)
	register(r, "get_next_available_slots",
		"Find the next open appointment slots at a location, soonest first.",
		ex.nextAvailableSlots)
	register(r, "create_booking",
		"Book a service appointment. Safe to retry: the call id makes it idempotent.",
		ex.createBooking)
	register(r, "reschedule_booking",
		"Move the customer's next upcoming appointment to a new date and time.",
		ex.rescheduleBooking)
	register(r, "cancel_booking",
		"Cancel an appointment. Keeps the record, marks it cancelled.",
		ex.cancelBooking)
	register(r, "request_transfer",
		"Ask for the call to be handed to a human operator.",
		ex.requestTransfer)
	register(r, "log_emergency",
		"Record a safety emergency (gas leak, CO, flooding). Use immediately when detected.",
		ex.logEmergency)
	register(r, "capture_lead",
		"Save caller contact details for follow-up when no booking was made.",
		ex.captureLead)

	return r
}

// register adds one typed handler. The published parameter schema is derived
// from IN itself.
func register[IN any](r *Registry, name, description string, h func(context.Context, *session.Session, IN) (any, error)) {
	var zero IN
	r.tools[name] = tool{
		def: Definition{
			Name:        name,
			Description: description,
			Parameters:  inputSchema(zero),
		},
		handler: func(ctx context.Context, sess *session.Session, args json.RawMessage) (any, error) {
			var in IN
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
			return h(ctx, sess, in)
		},
	}
	r.order = append(r.order, name)
}

// Definitions returns the schema for every tool, in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Invoker executes tools for one call, enforcing the per-response budget.
type Invoker struct {
	reg  *Registry
	sess *session.Session

	responseID string
	used       int
}

// NewInvoker creates a per-call invoker bound to sess.
func (r *Registry) NewInvoker(sess *session.Session) *Invoker {
	return &Invoker{reg: r, sess: sess}
}

// Invoke runs the named tool and returns its JSON result. All failure modes
// collapse into an {"error": ...} payload; the bridge hands that back to the
// model rather than treating it as fatal.
func (inv *Invoker) Invoke(ctx context.Context, responseID, name string, args json.RawMessage) json.RawMessage {
	if responseID != inv.responseID {
		inv.responseID = responseID
		inv.used = 0
	}
	inv.used++
	if inv.used > inv.reg.cfg.BudgetPerResponse {
		inv.reg.log.Warn("tool budget exceeded", "call_id", callID(inv.sess), "tool", name, "response_id", responseID)
		return errorJSON("budget-exceeded")
	}

	t, ok := inv.reg.tools[name]
	if !ok {
		return errorJSON("unknown tool")
	}

	ctx, cancel := context.WithTimeout(ctx, inv.reg.cfg.Timeout)
	defer cancel()

	res, err := runHandler(ctx, t.handler, inv.sess, args)
	if err != nil {
		if ctx.Err() != nil {
			inv.reg.log.Warn("tool timed out", "call_id", callID(inv.sess), "tool", name)
			return errorJSON("timeout")
		}
		inv.reg.log.Error("tool failed", "call_id", callID(inv.sess), "tool", name, "err", err)
		return errorJSON(err.Error())
	}

	if inv.sess != nil {
		inv.sess.ToolCallCount++
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return errorJSON("unencodable result")
	}
	return raw
}

// runHandler isolates handler panics into errors and honours the deadline
// even when a handler ignores its context.
func runHandler(ctx context.Context, h handlerFunc, sess *session.Session, args json.RawMessage) (any, error) {
	type outcome struct {
		res any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		res, err := h(ctx, sess, args)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func errorJSON(msg string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return raw
}

func callID(s *session.Session) string {
	if s == nil {
		return ""
	}
	return s.CallID
}
