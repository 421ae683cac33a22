package casil

import (
	"encoding/json"
	"sync/atomic"
)

// Outcome is the terminal policy decision for one inspected envelope.
type Outcome string

const (
	Allow              Outcome = "ALLOW"
	AllowWithRedaction Outcome = "ALLOW_WITH_REDACTION"
	Block              Outcome = "BLOCK"
)

// Result is the outcome type returned by Inspect — an explicit tagged
// result rather than an error, per spec.md §9's redesign flag.
type Result struct {
	Outcome         Outcome
	WouldBeOutcome  Outcome // set only in monitor mode when the gate downgraded a BLOCK/REDACT
	ReasonCode      string
	Inspected       bool
	Classification  Classification
	RedactedPayload map[string]interface{}
	PolicyID        string
}

// EnvelopeView is the narrow slice of an envelope CASIL needs to inspect.
// envelope.Envelope satisfies it via its exported fields.
type EnvelopeView struct {
	Type    string
	Room    string
	Channel string
	Payload map[string]interface{}
}

// Engine holds the currently-installed Snapshot behind an atomic pointer,
// so concurrent Inspect calls never observe a torn snapshot (spec.md §5:
// "CASIL snapshots are installed via atomic pointer swap; readers always
// see a consistent snapshot for the duration of an inspection").
type Engine struct {
	current atomic.Pointer[Snapshot]
}

// NewEngine creates an Engine with snap installed, which must already be
// Compile()d.
func NewEngine(snap *Snapshot) *Engine {
	e := &Engine{}
	e.current.Store(snap)
	return e
}

// Snapshot returns the currently-installed policy snapshot.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Reload atomically installs a newly compiled snapshot. The caller must
// call Compile(next) first and only call Reload on success — on a
// Compile failure the previous snapshot stays installed untouched
// (CASIL_RELOAD_REJECTED, spec.md §4.6).
func (e *Engine) Reload(next *Snapshot) {
	e.current.Store(next)
}

// Inspect runs the full CASIL pipeline for one envelope (spec.md §4.3).
func (e *Engine) Inspect(view EnvelopeView) (result Result) {
	snap := e.current.Load()
	if snap == nil || !snap.Enabled {
		return Result{Outcome: Allow, ReasonCode: "CASIL_DISABLED", Inspected: false}
	}

	defer func() {
		if r := recover(); r != nil {
			// Step 6: internal errors never crash the pipeline.
			result = Result{
				Outcome:    outcomeForDecision(snap.DefaultDecision),
				ReasonCode: internalReasonCode(snap.DefaultDecision),
				Inspected:  true,
			}
		}
	}()

	// Step 1: scope check.
	if !snap.InScope(view.Room, view.Channel) {
		return Result{Outcome: Allow, ReasonCode: "OUT_OF_SCOPE", Inspected: false}
	}

	// Step 2: size guard.
	full, err := json.Marshal(view.Payload)
	if err != nil {
		return Result{
			Outcome:    outcomeForDecision(snap.DefaultDecision),
			ReasonCode: internalReasonCode(snap.DefaultDecision),
			Inspected:  true,
		}
	}
	inspectView, truncated := extractInspectView(view.Payload, snap.MaxInspectBytes)
	_ = truncated

	if len(full) > hardLimit(snap) {
		switch snap.OversizeBehavior {
		case OversizeAllow:
			return Result{Outcome: Allow, ReasonCode: "CASIL_POLICY_OVERSIZE", Inspected: true}
		case OversizeAllowAndTag:
			cls := classify(view.Type, inspectView)
			cls.Flags = append(cls.Flags, FlagOversize)
			return Result{Outcome: Allow, ReasonCode: "CASIL_POLICY_OVERSIZE", Inspected: true, Classification: cls}
		default:
			return applyModeGate(snap, Result{
				Outcome:    Block,
				ReasonCode: "CASIL_POLICY_OVERSIZE",
				Inspected:  true,
			})
		}
	}

	// Step 3: classification.
	cls := classify(view.Type, inspectView)

	// Step 4: policy evaluation, first terminal match wins.
	for _, rule := range snap.Rules {
		if !rule.matchesKind(cls.Kind) || !rule.matchesRisk(cls.Risk) || !rule.matchesFlags(cls.Flags) {
			continue
		}
		res := Result{Classification: cls, PolicyID: rule.ID, Inspected: true}
		switch rule.Action {
		case ActionBlock:
			res.Outcome = Block
			res.ReasonCode = rule.ReasonCode
		case ActionRedact:
			res.Outcome = AllowWithRedaction
			res.ReasonCode = rule.ReasonCode
			res.RedactedPayload = redactPayload(view.Payload, rule, snap)
		default:
			res.Outcome = Allow
			res.ReasonCode = rule.ReasonCode
		}
		return applyModeGate(snap, res)
	}

	// Built-in probable-secret block, independent of the rule table.
	if snap.BlockOnProbableSecret && containsFlag(cls.Flags, FlagProbableSecret) {
		return applyModeGate(snap, Result{
			Outcome:        Block,
			ReasonCode:     "CASIL_POLICY_BLOCKED_SECRET",
			Inspected:      true,
			Classification: cls,
		})
	}

	// No rule matched: default decision.
	return applyModeGate(snap, Result{
		Outcome:        outcomeForDecision(snap.DefaultDecision),
		ReasonCode:     "CASIL_DEFAULT_DECISION",
		Inspected:      true,
		Classification: cls,
	})
}

func hardLimit(snap *Snapshot) int {
	// The hard limit for oversize_behavior purposes is an order of
	// magnitude above the inspect window; payloads within the inspect
	// window are never "oversize".
	return snap.MaxInspectBytes * 16
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func outcomeForDecision(d Decision) Outcome {
	if d == DecisionBlock {
		return Block
	}
	return Allow
}

func internalReasonCode(d Decision) string {
	if d == DecisionBlock {
		return string(ErrInternalBlock)
	}
	return string(ErrInternalAllow)
}

// applyModeGate implements step 5: in monitor mode, BLOCK/REDACT actions
// are downgraded to ALLOW with telemetry noting the would-be action.
func applyModeGate(snap *Snapshot, res Result) Result {
	if snap.Mode == ModeEnforce || res.Outcome == Allow {
		return res
	}
	res.WouldBeOutcome = res.Outcome
	res.Outcome = Allow
	return res
}

// ErrInternalBlock/ErrInternalAllow mirror spec.md §4.3 step 6's reason
// codes for internal pipeline faults.
type internalErrorCode string

const (
	ErrInternalBlock internalErrorCode = "CASIL_INTERNAL_BLOCK"
	ErrInternalAllow internalErrorCode = "CASIL_INTERNAL_ALLOW"
)
