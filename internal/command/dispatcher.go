// Package command implements C5: the closed-set command/operator
// dispatcher (spec.md §4.6). Registry + typed dispatch grounded on the
// teacher's internal/webhooks/registry.go and dispatcher.go (subscription
// registry, typed event index, per-event worker pool), generalized from
// webhook event fan-out to ArqonBus's command execution contract
// `execute(command, args, session) -> command_response | error`.
package command

import (
	"fmt"
	"sync"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
	"github.com/arqonbus/bus/internal/history"
	"github.com/arqonbus/bus/internal/routing"
	"github.com/arqonbus/bus/internal/storage"
)

// Caller is the narrow view of a session the dispatcher needs. It embeds
// routing.Recipient's method set (SessionID/ClientID/TenantID/Send) so a
// Caller can be passed straight to Fabric.Subscribe for join_channel.
type Caller interface {
	SessionID() string
	ClientID() string
	TenantID() string
	IsAdmin() bool
	Send(e *envelope.Envelope) error
}

// Role is a command's minimum required privilege (spec.md §4.6).
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Request is one command invocation.
type Request struct {
	Command string
	Args    map[string]interface{}
	Caller  Caller
}

// Response is the result handed back to C5's caller, which wraps it in
// a command_response or error envelope.
type Response struct {
	OK        bool
	Result    map[string]interface{}
	ErrorCode envelope.ErrorCode
	Message   string
}

func ok(result map[string]interface{}) Response {
	if result == nil {
		result = map[string]interface{}{}
	}
	return Response{OK: true, Result: result}
}

func fail(code envelope.ErrorCode, msg string) Response {
	return Response{OK: false, ErrorCode: code, Message: msg}
}

// handlerFunc executes one command after role authorization has passed.
type handlerFunc func(d *Dispatcher, req Request) Response

type registration struct {
	role    Role
	handler handlerFunc
}

// Dispatcher holds the closed command table and every dependency a
// handler may need. Unknown commands are rejected with VALIDATION_ERROR
// and panics inside handlers are converted to INTERNAL_ERROR responses —
// commands never panic the process (spec.md §4.6, "Failure semantics").
type Dispatcher struct {
	fabric  *routing.Fabric
	history *history.Store
	storage *storage.Storage
	casil   CASILAdmin
	omega   OmegaLane

	webhooks  *WebhookRegistry
	cron      *CronScheduler
	projector *Projector

	commands map[string]registration

	mu       sync.Mutex
	latency  map[string]time.Duration
}

// CASILAdmin is the narrow surface op.casil.get/reload needs.
type CASILAdmin interface {
	SnapshotJSON() (map[string]interface{}, error)
	Reload(policyJSON []byte) error
}

// New constructs the dispatcher and registers the full closed command
// set from spec.md §4.6.
func New(fabric *routing.Fabric, hist *history.Store, store *storage.Storage, casilAdmin CASILAdmin, omegaLane OmegaLane) *Dispatcher {
	d := &Dispatcher{
		fabric:    fabric,
		history:   hist,
		storage:   store,
		casil:     casilAdmin,
		omega:     omegaLane,
		webhooks:  NewWebhookRegistry(),
		cron:      NewCronScheduler(),
		projector: NewProjector(),
		commands:  make(map[string]registration),
		latency:   make(map[string]time.Duration),
	}
	d.registerCore()
	d.registerOperators()
	d.registerCASIL()
	d.registerContinuum()
	d.registerOmega()
	return d
}

func (d *Dispatcher) register(name string, role Role, h handlerFunc) {
	d.commands[name] = registration{role: role, handler: h}
}

// Execute runs a command by name, enforcing role authorization and
// recovering from handler panics into INTERNAL_ERROR (spec.md §4.6).
func (d *Dispatcher) Execute(req Request) (resp Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp = fail(envelope.ErrInternal, fmt.Sprintf("internal error: %v", r))
		}
		d.mu.Lock()
		d.latency[req.Command] = time.Since(start)
		d.mu.Unlock()
	}()

	reg, known := d.commands[req.Command]
	if !known {
		return fail(envelope.ErrValidationError, fmt.Sprintf("unknown command %q", req.Command))
	}
	if reg.role == RoleAdmin && !req.Caller.IsAdmin() {
		return fail(envelope.ErrAuthzDenied, fmt.Sprintf("%q requires admin role", req.Command))
	}
	return reg.handler(d, req)
}

// Latency returns the last observed execution duration for a command.
func (d *Dispatcher) Latency(command string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latency[command]
}

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func argStringSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
