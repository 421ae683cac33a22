// Package omega implements C10: the Tier-Omega isolated lane, a
// feature-flagged, admin-gated command surface for experimental
// substrates. Grounded on the teacher's internal/security/token_broker.go
// quota-map bookkeeping style (agentTokens-style capacity accounting
// under a single RWMutex) adapted from trust-gated token issuance to
// admin-gated substrate registration, plus a bounded event ring that
// never feeds C4 history (spec.md §4.10: "Events do not enter C4
// history").
package omega

import (
	"fmt"
	"sync"
	"time"
)

// Default caps (spec.md §3).
const (
	DefaultMaxSubstrates = 128
	DefaultMaxEvents     = 1000
)

var (
	ErrFeatureDisabled = fmt.Errorf("FEATURE_DISABLED")
	ErrSubstrateExists = fmt.Errorf("substrate already registered")
	ErrSubstrateUnknown = fmt.Errorf("substrate not registered")
	ErrCapacity        = fmt.Errorf("tier-omega capacity exceeded")
)

// Substrate is one registered experimental substrate.
type Substrate struct {
	ID           string
	Name         string
	RegisteredBy string
	RegisteredAt time.Time

	// OperatorTokenID identifies the bearer credential minted at
	// registration time, so it can be revoked on unregister. The secret
	// half is returned once from RegisterSubstrate and never stored here
	// — only its bcrypt hash lives in the broker.
	OperatorTokenID string

	// issuedBearer carries the full bearer string back to the immediate
	// RegisterSubstrate caller only; it is never persisted in l.substrates.
	issuedBearer string
}

// Event is one emitted tier-omega signal.
type Event struct {
	ID          string
	SubstrateID string
	Signal      string
	Payload     map[string]interface{}
	Timestamp   time.Time
}

// Lane holds Tier-Omega's state, physically separate from the main bus's
// routing/history state (spec.md §9: "keep physically separated"). All
// mutation methods are admin-gated at the command layer, not here; Lane
// itself only enforces the feature flag and capacity limits.
type Lane struct {
	mu            sync.RWMutex
	enabled       bool
	maxSubstrates int
	maxEvents     int

	substrates map[string]Substrate
	events     []Event
	nextEventID int64

	broker *TokenBroker // optional; nil disables operator token issuance
}

// New constructs a Lane. maxSubstrates/maxEvents <= 0 use the package
// defaults.
func New(enabled bool, maxSubstrates, maxEvents int) *Lane {
	if maxSubstrates <= 0 {
		maxSubstrates = DefaultMaxSubstrates
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Lane{
		enabled:       enabled,
		maxSubstrates: maxSubstrates,
		maxEvents:     maxEvents,
		substrates:    make(map[string]Substrate),
	}
}

// WithTokenBroker attaches a TokenBroker so RegisterSubstrate mints an
// operator token and UnregisterSubstrate revokes it.
func (l *Lane) WithTokenBroker(b *TokenBroker) *Lane {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broker = b
	return l
}

// Enabled reports whether the tier-omega flag is on. When false every
// other method returns ErrFeatureDisabled, including reads (spec.md
// §4.10).
func (l *Lane) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// RegisterSubstrate adds a new substrate under id.
func (l *Lane) RegisterSubstrate(id, name, registeredBy string) (Substrate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return Substrate{}, ErrFeatureDisabled
	}
	if _, exists := l.substrates[id]; exists {
		return Substrate{}, ErrSubstrateExists
	}
	if len(l.substrates) >= l.maxSubstrates {
		return Substrate{}, ErrCapacity
	}
	s := Substrate{ID: id, Name: name, RegisteredBy: registeredBy, RegisteredAt: time.Now().UTC()}
	var bearer string
	if l.broker != nil {
		var err error
		bearer, err = l.broker.Issue(id, registeredBy)
		if err != nil {
			return Substrate{}, fmt.Errorf("omega: issuing operator token: %w", err)
		}
		if tokenID, _, ok := splitBearer(bearer); ok {
			s.OperatorTokenID = tokenID
		}
	}
	l.substrates[id] = s
	if bearer != "" {
		s.issuedBearer = bearer
	}
	return s, nil
}

// UnregisterSubstrate removes a substrate and revokes its operator token.
// Its past events remain queryable until the ring evicts them.
func (l *Lane) UnregisterSubstrate(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return ErrFeatureDisabled
	}
	s, exists := l.substrates[id]
	if !exists {
		return ErrSubstrateUnknown
	}
	if l.broker != nil && s.OperatorTokenID != "" {
		l.broker.Revoke(s.OperatorTokenID)
	}
	delete(l.substrates, id)
	return nil
}

// ListSubstrates returns a snapshot of registered substrates.
func (l *Lane) ListSubstrates() ([]Substrate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.enabled {
		return nil, ErrFeatureDisabled
	}
	out := make([]Substrate, 0, len(l.substrates))
	for _, s := range l.substrates {
		out = append(out, s)
	}
	return out, nil
}

// EmitEvent appends an event against a registered substrate, evicting the
// oldest event FIFO-style once maxEvents is reached.
func (l *Lane) EmitEvent(substrateID, signal string, payload map[string]interface{}) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return Event{}, ErrFeatureDisabled
	}
	if _, exists := l.substrates[substrateID]; !exists {
		return Event{}, ErrSubstrateUnknown
	}
	l.nextEventID++
	e := Event{
		ID:          fmt.Sprintf("omega_evt_%d", l.nextEventID),
		SubstrateID: substrateID,
		Signal:      signal,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	if len(l.events) >= l.maxEvents {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, e)
	return e, nil
}

// ListEvents returns events optionally filtered by substrateID and/or
// signal, both empty meaning no filter (spec.md §4.10: "optional filters
// substrate_id, signal").
func (l *Lane) ListEvents(substrateID, signal string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.enabled {
		return nil, ErrFeatureDisabled
	}
	out := make([]Event, 0, len(l.events))
	for _, e := range l.events {
		if substrateID != "" && e.SubstrateID != substrateID {
			continue
		}
		if signal != "" && e.Signal != signal {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ClearEvents empties the event ring. Substrates remain registered.
func (l *Lane) ClearEvents() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return ErrFeatureDisabled
	}
	l.events = nil
	return nil
}
