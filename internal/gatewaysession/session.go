// Package gatewaysession implements C6: the WebSocket session lifecycle —
// handshake/auth, heartbeat, bounded send queue with slow-consumer
// eviction, and the session registry. Grounded on the teacher's
// internal/protocol/session.go (Session/SessionManager state machine and
// tenant index) and internal/fabric/websocket.go (upgrade, origin check,
// ping/pong heartbeat teardown via a done channel).
package gatewaysession

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arqonbus/bus/internal/envelope"
)

// State mirrors the teacher's SessionState enum, generalized to
// ArqonBus's own lifecycle: NEW, ACTIVE, TERMINATING, TERMINATED (there is
// no SUSPENDED/RESUME state).
type State string

const (
	StateNew         State = "NEW"
	StateActive      State = "ACTIVE"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	// sendQueueCapacity bounds the outbound buffer before a session is
	// considered a slow consumer (spec.md §5: "inter-task channel send
	// when the recipient is at its high-watermark" is a suspension
	// point; exceeding capacity is backpressure, not suspension).
	sendQueueCapacity = 256
	// maxMissedPings closes a session after this many unanswered pings
	// (spec.md §6's T_hb/N_hb heartbeat policy).
	maxMissedPings = 2
)

// Claims is the JWT payload ArqonBus expects (spec.md §4.1 handshake).
type Claims struct {
	TenantID string `json:"tenant_id"`
	ClientID string `json:"client_id"`
	Role     string `json:"role"` // "user" | "admin"
	jwt.RegisteredClaims
}

// Authenticator verifies a bearer token and returns its claims.
type Authenticator struct {
	secret    []byte
	algorithm string
}

// NewAuthenticator builds a JWT authenticator (golang-jwt/jwt/v5), the
// session-auth mechanism distinguished in SPEC_FULL.md from the
// teacher's HMAC TokenBroker (reserved for Tier-Omega operator tokens).
func NewAuthenticator(secret, algorithm string) *Authenticator {
	if algorithm == "" {
		algorithm = "HS256"
	}
	return &Authenticator{secret: []byte(secret), algorithm: algorithm}
}

// Verify validates a Bearer token string and returns its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != a.algorithm {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("auth invalid: %w", err)
	}
	if claims.TenantID == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("auth invalid: missing tenant_id/client_id claim")
	}
	return claims, nil
}

// Session is a single WebSocket connection's state. Implements
// internal/routing.Recipient and internal/routing.SessionDefaults.
type Session struct {
	id       string
	clientID string
	tenantID string
	isAdmin  bool

	defaultRoom    string
	defaultChannel string

	conn *websocket.Conn
	send chan *envelope.Envelope

	createdAt time.Time

	mu         sync.RWMutex
	state      State
	lastActive time.Time
	missedPing int

	messagesIn, messagesOut int64
	bytesIn, bytesOut       int64
	errorCount              int64
}

// New constructs a session in the NEW state. Call Activate once the
// handshake completes and the read/write pumps are ready.
func New(conn *websocket.Conn, claims *Claims, defaultRoom, defaultChannel string) *Session {
	now := time.Now().UTC()
	return &Session{
		id:             uuid.NewString(),
		clientID:       claims.ClientID,
		tenantID:       claims.TenantID,
		isAdmin:        claims.Role == "admin",
		defaultRoom:    defaultRoom,
		defaultChannel: defaultChannel,
		conn:           conn,
		send:           make(chan *envelope.Envelope, sendQueueCapacity),
		createdAt:      now,
		lastActive:     now,
		state:          StateNew,
	}
}

func (s *Session) SessionID() string       { return s.id }
func (s *Session) ClientID() string        { return s.clientID }
func (s *Session) TenantID() string        { return s.tenantID }
func (s *Session) IsAdmin() bool           { return s.isAdmin }
func (s *Session) DefaultRoom() string     { return s.defaultRoom }
func (s *Session) DefaultChannel() string  { return s.defaultChannel }
func (s *Session) CreatedAt() time.Time    { return s.createdAt }

// Conn exposes the underlying connection for the gateway's read/write
// pumps, which live outside this package (mirrors the teacher's
// WebSocketSpoke.Conn field being directly accessible to its caller).
func (s *Session) Conn() *websocket.Conn { return s.conn }

// Activate transitions NEW -> ACTIVE.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return fmt.Errorf("cannot activate session in state %s", s.state)
	}
	s.state = StateActive
	s.lastActive = time.Now()
	return nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.missedPing = 0
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Terminate transitions to TERMINATED; it does not close the send queue
// or the connection. Safe to call more than once.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return
	}
	s.state = StateTerminated
}

// Send enqueues an outbound envelope without blocking. Returns an error
// (mapped to SLOW_CONSUMER by the caller) when the queue is already at
// capacity — the session is not closed here; the caller decides policy.
func (s *Session) Send(e *envelope.Envelope) error {
	s.mu.RLock()
	terminated := s.state == StateTerminated || s.state == StateTerminating
	s.mu.RUnlock()
	if terminated {
		return fmt.Errorf("session terminated")
	}
	select {
	case s.send <- e:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// ErrSlowConsumer is returned by Send when the outbound queue is full.
var ErrSlowConsumer = fmt.Errorf("SLOW_CONSUMER")

// RecordInbound updates inbound traffic counters and resets the idle
// timer (called from the read pump on every frame).
func (s *Session) RecordInbound(size int) {
	s.mu.Lock()
	s.messagesIn++
	s.bytesIn += int64(size)
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// RecordOutbound updates outbound traffic counters.
func (s *Session) RecordOutbound(size int) {
	s.mu.Lock()
	s.messagesOut++
	s.bytesOut += int64(size)
	s.mu.Unlock()
}

// RecordError increments the error counter (Resource/Protocol errors
// scoped to this session per spec.md §7).
func (s *Session) RecordError() {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
}

// Stats is a point-in-time snapshot for the status command.
type Stats struct {
	MessagesIn, MessagesOut int64
	BytesIn, BytesOut       int64
	ErrorCount              int64
	State                   State
	LastActive              time.Time
}

// Snapshot returns the session's current stats.
func (s *Session) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		MessagesIn: s.messagesIn, MessagesOut: s.messagesOut,
		BytesIn: s.bytesIn, BytesOut: s.bytesOut,
		ErrorCount: s.errorCount, State: s.state, LastActive: s.lastActive,
	}
}

// RunHeartbeat sends periodic pings and terminates the session (via
// Terminate, which does not close the connection) after maxMissedPings
// unanswered pings or a failed ping write, mirroring the teacher's
// ping-ticker + done-channel teardown in fabric/websocket.go (M5 FIX).
func (s *Session) RunHeartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.missedPing++
			missed := s.missedPing
			s.mu.Unlock()
			if missed > maxMissedPings {
				s.Terminate()
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Terminate()
				return
			}
		case <-done:
			return
		}
	}
}

// Outbound returns the channel the write pump should drain.
func (s *Session) Outbound() <-chan *envelope.Envelope { return s.send }

// WriteDeadline returns the per-write deadline duration used by the
// write pump (exported so internal/gateway's writePump matches the
// teacher's writeWait/pongWait constants without duplicating them).
func WriteDeadline() time.Duration { return writeWait }

// BuildCheckOrigin returns a gorilla/websocket CheckOrigin func. In
// production, only origins listed in allowedOrigins are accepted;
// elsewhere all origins are allowed. Mirrors the teacher's
// buildCheckOrigin L4 fix, generalized from OCX_* to ARQONBUS_* naming.
func BuildCheckOrigin(profile string, allowedOrigins []string) func(r *http.Request) bool {
	if profile != "prod" {
		return func(r *http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}

// Manager tracks live sessions, enforcing per-tenant and global caps
// (spec.md §7 Resource errors) and reaping expired/terminated sessions.
// Generalizes the teacher's SessionManager from TTL/idle expiry to a
// WebSocket-lifetime-bound registry (sessions live exactly as long as
// their connection; there is no persisted TTL).
type Manager struct {
	mu                   sync.RWMutex
	sessions             map[string]*Session
	byTenant             map[string][]*Session
	maxSessionsPerTenant int
	maxTotalSessions     int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewManager creates a session manager and starts its cleanup loop.
func NewManager(maxPerTenant, maxTotal int, cleanupInterval time.Duration) *Manager {
	m := &Manager{
		sessions:             make(map[string]*Session),
		byTenant:             make(map[string][]*Session),
		maxSessionsPerTenant: maxPerTenant,
		maxTotalSessions:     maxTotal,
		cleanupInterval:      cleanupInterval,
		stopCleanup:          make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanupLoop()
	}
	return m
}

// ErrCapacity is returned when a tenant or global session cap is hit.
var ErrCapacity = fmt.Errorf("RATE_LIMITED: session capacity exceeded")

// Register adds sess to the registry, enforcing caps.
func (m *Manager) Register(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxTotalSessions > 0 && len(m.sessions) >= m.maxTotalSessions {
		return ErrCapacity
	}
	if m.maxSessionsPerTenant > 0 && len(m.byTenant[sess.tenantID]) >= m.maxSessionsPerTenant {
		return ErrCapacity
	}
	m.sessions[sess.id] = sess
	m.byTenant[sess.tenantID] = append(m.byTenant[sess.tenantID], sess)
	return nil
}

// Get retrieves a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetByTenant returns live sessions for a tenant.
func (m *Manager) GetByTenant(tenantID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := m.byTenant[tenantID]
	active := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if s.State() != StateTerminated {
			active = append(active, s)
		}
	}
	return active
}

// Remove deregisters a session (called on connection close).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	tenantSessions := m.byTenant[sess.tenantID]
	for i, s := range tenantSessions {
		if s.id == id {
			m.byTenant[sess.tenantID] = append(tenantSessions[:i], tenantSessions[i+1:]...)
			break
		}
	}
}

// Stats summarizes the registry for the status command.
type ManagerStats struct {
	TotalSessions int
	TenantCount   int
	ByState       map[State]int
}

// Stats returns a registry-wide snapshot.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := ManagerStats{TotalSessions: len(m.sessions), TenantCount: len(m.byTenant), ByState: make(map[State]int)}
	for _, s := range m.sessions {
		stats.ByState[s.State()]++
	}
	return stats
}

func (m *Manager) cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for id, s := range m.sessions {
		if s.State() == StateTerminated {
			delete(m.sessions, id)
			tenantSessions := m.byTenant[s.tenantID]
			for i, ts := range tenantSessions {
				if ts.id == id {
					m.byTenant[s.tenantID] = append(tenantSessions[:i], tenantSessions[i+1:]...)
					break
				}
			}
			removed++
		}
	}
	return removed
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// Stop halts the cleanup loop.
func (m *Manager) Stop() { close(m.stopCleanup) }

// DrainAll marks every ACTIVE session TERMINATING (so Send rejects new
// envelopes) and blocks until every session is TERMINATED, tDrain
// elapses or ctx is done, then marks the rest TERMINATED (spec.md §7).
// It sends no close frame and closes no connection itself.
func (m *Manager) DrainAll(ctx context.Context, tDrain time.Duration) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	deadline := time.Now().Add(tDrain)
	for _, s := range sessions {
		s.mu.Lock()
		if s.state == StateActive {
			s.state = StateTerminating
		}
		s.mu.Unlock()
	}

drain:
	for time.Now().Before(deadline) {
		allDone := true
		for _, s := range sessions {
			if s.State() != StateTerminated {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		select {
		case <-ctx.Done():
			break drain
		case <-time.After(50 * time.Millisecond):
		}
	}
	for _, s := range sessions {
		s.Terminate()
	}
}

// originEnv reads the allowed-origins env var for BuildCheckOrigin
// callers that want the teacher's original env-driven wiring style
// instead of explicit config plumbing.
func originEnv() []string {
	raw := os.Getenv("ARQONBUS_ALLOWED_ORIGINS")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
