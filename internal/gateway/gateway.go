// Package gateway wires C1-C10 into the two listeners spec.md §6
// describes: the client WebSocket edge and the telemetry broadcast
// listener, plus the admin HTTP surface (/health, /status, /metrics,
// /version). Grounded on the teacher's internal/api/server.go (gorilla/mux
// router, REST handlers bound to constructed components) and
// internal/fabric/websocket.go (upgrade, ping-ticker heartbeat, done-channel
// teardown), generalized from REST-over-services to the envelope ingest
// pipeline: decode -> validate -> stamp -> CASIL inspect -> dispatch/fanout.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arqonbus/bus/internal/casil"
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/config"
	"github.com/arqonbus/bus/internal/envelope"
	"github.com/arqonbus/bus/internal/gatewaysession"
	"github.com/arqonbus/bus/internal/history"
	"github.com/arqonbus/bus/internal/metrics"
	"github.com/arqonbus/bus/internal/ratelimit"
	"github.com/arqonbus/bus/internal/routing"
	"github.com/arqonbus/bus/internal/storage"
	"github.com/arqonbus/bus/internal/telemetry"
)

// SystemTenantID scopes the rooms ArqonBus itself owns rather than any
// tenant: the immortal "science" system room and the telemetry broadcast
// room below.
const SystemTenantID = "_system"

// TelemetryRoom/TelemetryChannel are the dedicated internal room/channel
// CloudEvents are fanned out to, reusing the same routing.Fabric fan-out
// machinery ordinary channels use (spec.md §6; "integriguard:telemetry-stream"
// is the concrete name).
const (
	TelemetryRoom    = "integriguard"
	TelemetryChannel = "telemetry-stream"
)

// Version is the build identifier surfaced at GET /version.
var Version = "dev"

// Server holds every constructed component and exposes the HTTP/WebSocket
// surface spec.md §6 describes.
type Server struct {
	cfg *config.Config

	fabric     *routing.Fabric
	history    *history.Store
	storage    *storage.Storage
	casil      *casil.Engine
	casilAdmin *casil.Admin
	dispatcher *command.Dispatcher

	sessions *gatewaysession.Manager
	auth     *gatewaysession.Authenticator

	seq   *envelope.SequenceGenerator
	dedup *envelope.DedupWindow

	telemetryBus *telemetry.Bus
	metrics      *metrics.Metrics

	globalLimit  *ratelimit.Limiter
	sessionLimit *ratelimit.Limiter

	upgrader websocket.Upgrader

	startedAt time.Time
}

// Deps bundles every pre-constructed component New needs, so
// cmd/arqonbus-gateway stays a thin wiring layer and Server's own
// constructor signature doesn't balloon with every new dependency.
type Deps struct {
	Config       *config.Config
	Fabric       *routing.Fabric
	History      *history.Store
	Storage      *storage.Storage
	CASIL        *casil.Engine
	CASILAdmin   *casil.Admin
	Dispatcher   *command.Dispatcher
	Sessions     *gatewaysession.Manager
	Auth         *gatewaysession.Authenticator
	Seq          *envelope.SequenceGenerator
	Dedup        *envelope.DedupWindow
	TelemetryBus *telemetry.Bus
	Metrics      *metrics.Metrics
	GlobalLimit  *ratelimit.Limiter
	SessionLimit *ratelimit.Limiter
}

// New constructs a Server and bootstraps the system rooms under
// SystemTenantID: the immortal "science" room (spec.md §3) and the
// dedicated telemetry broadcast room/channel. Other tenants' rooms are
// not bootstrapped here.
func New(d Deps) *Server {
	s := &Server{
		cfg:          d.Config,
		fabric:       d.Fabric,
		history:      d.History,
		storage:      d.Storage,
		casil:        d.CASIL,
		casilAdmin:   d.CASILAdmin,
		dispatcher:   d.Dispatcher,
		sessions:     d.Sessions,
		auth:         d.Auth,
		seq:          d.Seq,
		dedup:        d.Dedup,
		telemetryBus: d.TelemetryBus,
		metrics:      d.Metrics,
		globalLimit:  d.GlobalLimit,
		sessionLimit: d.SessionLimit,
		startedAt:    time.Now().UTC(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     gatewaysession.BuildCheckOrigin(d.Config.Server.Profile, d.Config.Server.CORSAllowOrigins),
	}

	s.fabric.Bootstrap(SystemTenantID, "general")
	if _, err := s.fabric.CreateChannel(SystemTenantID, TelemetryRoom, TelemetryChannel, routing.ChannelSystem, true, "system"); err != nil {
		slog.Error("gateway: failed to bootstrap telemetry room", "error", err)
	}
	return s
}

// Router builds the admin HTTP router: health/status/metrics/version plus
// the client WebSocket upgrade endpoint (spec.md §6 EXTERNAL INTERFACES).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.ServeWS)
	return r
}

// TelemetryRouter builds the separate telemetry WebSocket listener bound
// to cfg.Server.TelemetryPort (spec.md §6: "A separate telemetry WebSocket
// listener (distinct port)").
func (s *Server) TelemetryRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/telemetry", s.ServeTelemetryWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok", "uptime_sec": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.sessions.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessions":           stats,
		"storage_mode":       string(s.storage.Mode()),
		"storage_degraded":   s.storage.IsDegraded(),
		"telemetry_subscribers": s.telemetryBus.SubscriberCount(),
		"profile":            s.cfg.Server.Profile,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"version": Version, "protocol_version": envelope.ProtocolVersion})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return h
}

// ServeWS upgrades an inbound HTTP request to a client WebSocket session
// (spec.md §4.1 handshake).
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	var claims *gatewaysession.Claims
	if s.cfg.Auth.Enabled {
		c, err := s.auth.Verify(bearerToken(r))
		if err != nil {
			s.metrics.AuthRejected.Inc()
			http.Error(w, "AUTH_REQUIRED", http.StatusUnauthorized)
			return
		}
		claims = c
	} else {
		claims = &gatewaysession.Claims{
			TenantID: firstNonEmpty(r.URL.Query().Get("tenant_id"), "default"),
			ClientID: "anon-" + uuid.NewString(),
			Role:     "user",
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}

	sess := gatewaysession.New(conn, claims, r.URL.Query().Get("room"), r.URL.Query().Get("channel"))
	if err := s.sessions.Register(sess); err != nil {
		s.metrics.SessionsClosed.WithLabelValues("capacity").Inc()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "RATE_LIMITED"))
		conn.Close()
		return
	}
	if err := sess.Activate(); err != nil {
		s.sessions.Remove(sess.SessionID())
		conn.Close()
		return
	}
	s.metrics.SessionsOpened.WithLabelValues(claims.TenantID, claims.Role).Inc()
	slog.Info("gateway: session opened", "session_id", sess.SessionID(), "tenant_id", claims.TenantID, "client_id", claims.ClientID)

	done := make(chan struct{})
	go s.writePump(sess, done)
	s.readPump(sess, done)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) writePump(sess *gatewaysession.Session, done chan struct{}) {
	go sess.RunHeartbeat(done)
	for {
		select {
		case e, ok := <-sess.Outbound():
			if !ok {
				return
			}
			data, err := envelope.Encode(e)
			if err != nil {
				continue
			}
			sess.Conn().SetWriteDeadline(time.Now().Add(gatewaysession.WriteDeadline()))
			if err := sess.Conn().WriteMessage(websocket.TextMessage, data); err != nil {
				s.sessions.Remove(sess.SessionID())
				sess.Terminate()
				return
			}
			sess.RecordOutbound(len(data))
		case <-done:
			return
		}
	}
}

func (s *Server) readPump(sess *gatewaysession.Session, done chan struct{}) {
	defer func() {
		close(done)
		s.fabric.UnsubscribeAll(sess.TenantID(), sess.SessionID())
		s.sessions.Remove(sess.SessionID())
		sess.Terminate()
		sess.Conn().Close()
		s.metrics.SessionsClosed.WithLabelValues("closed").Inc()
		slog.Info("gateway: session closed", "session_id", sess.SessionID())
	}()

	for {
		_, raw, err := sess.Conn().ReadMessage()
		if err != nil {
			return
		}
		sess.RecordInbound(len(raw))

		if !s.globalLimit.Allow(ratelimit.GlobalKey) || !s.sessionLimit.Allow(ratelimit.Key(sess.TenantID(), sess.SessionID())) {
			sess.RecordError()
			sess.Send(envelope.NewError("", envelope.ErrRateLimited, "rate limit exceeded", "", "", nil))
			continue
		}
		s.processInbound(sess, raw)
	}
}

// processInbound runs one inbound frame through C1 (decode/validate/stamp),
// C2 (CASIL inspect), and then either C5 (command dispatch) or C3+C4
// (fan-out + history append) (spec.md §4.2-§4.4).
func (s *Server) processInbound(sess *gatewaysession.Session, raw []byte) {
	e, err := envelope.Decode(raw, s.cfg.Server.MaxMessageSize)
	if err != nil {
		sess.RecordError()
		s.metrics.EnvelopesRejected.WithLabelValues(classifyDecodeErr(err)).Inc()
		sess.Send(envelope.NewError("", classifyDecodeErrCode(err), err.Error(), "", "", nil))
		return
	}
	if err := envelope.Validate(e); err != nil {
		sess.RecordError()
		s.metrics.EnvelopesRejected.WithLabelValues(string(envelope.ErrValidationError)).Inc()
		sess.Send(envelope.NewError(e.ID, envelope.ErrValidationError, err.Error(), e.Room, e.Channel, nil))
		return
	}

	if envelope.Stamp(e, sess, s.seq, s.dedup) {
		// Idempotent retry of an envelope already processed: no-op, not
		// an error (spec.md §4.2, DESIGN.md Open Question 3).
		return
	}

	start := time.Now()
	result := s.casil.Inspect(casil.EnvelopeView{Type: string(e.Type), Room: e.Room, Channel: e.Channel, Payload: e.Payload})
	s.metrics.CASILDuration.Observe(time.Since(start).Seconds())
	s.metrics.CASILOutcomes.WithLabelValues(string(result.Outcome), result.ReasonCode).Inc()

	if result.Outcome == casil.Block {
		sess.Send(envelope.NewError(e.ID, envelope.ErrorCode(result.ReasonCode), "blocked by content policy", e.Room, e.Channel, nil))
		return
	}
	if result.Outcome == casil.AllowWithRedaction && result.RedactedPayload != nil {
		e.Payload = result.RedactedPayload
	}

	if e.Type == envelope.TypeCommand {
		s.executeCommand(sess, e)
		return
	}

	s.metrics.EnvelopesAccepted.WithLabelValues(string(e.Type)).Inc()

	if e.Type == envelope.TypePrivate {
		s.privateDeliver(sess, e)
		return
	}

	fanoutResult, err := s.fabric.Fanout(e, e.Echo)
	if err != nil {
		sess.RecordError()
		sess.Send(envelope.NewError(e.ID, envelope.ErrValidationError, err.Error(), e.Room, e.Channel, nil))
		return
	}
	s.metrics.RoutingDelivered.WithLabelValues(e.Room).Add(float64(fanoutResult.Delivered))
	s.metrics.RoutingSkipped.WithLabelValues("recipient_error").Add(float64(fanoutResult.Skipped))

	entry := history.Entry{
		TenantID: e.TenantID, Room: e.Room, Channel: e.Channel, Sequence: e.Sequence,
		ID: e.ID, Timestamp: e.Timestamp, From: e.From, Type: string(e.Type), Payload: e.Payload,
	}
	if err := s.history.Append(entry); err != nil {
		slog.Warn("gateway: history append failed", "error", err)
	}
	s.metrics.HistoryAppends.WithLabelValues(e.Room).Inc()
}

func (s *Server) executeCommand(sess *gatewaysession.Session, e *envelope.Envelope) {
	start := time.Now()
	resp := s.dispatcher.Execute(command.Request{Command: e.Command, Args: e.Payload, Caller: sess})
	s.metrics.CommandLatency.WithLabelValues(e.Command).Observe(time.Since(start).Seconds())

	out := &envelope.Envelope{
		ID: "arq_" + uuid.NewString(), Type: envelope.TypeCommandResponse,
		Room: e.Room, Channel: e.Channel, From: "arqonbus", TenantID: e.TenantID,
		Timestamp: time.Now().UTC(), Version: envelope.ProtocolVersion,
		Command: e.Command,
	}
	if resp.OK {
		out.Payload = map[string]interface{}{"request_id": e.ID, "ok": true, "result": resp.Result}
		sess.Send(out)
		return
	}
	sess.Send(envelope.NewError(e.ID, resp.ErrorCode, resp.Message, e.Room, e.Channel, nil))
}

// privateDeliver routes a type=private envelope to its named target
// client IDs instead of fanning it out to the whole channel (spec.md
// §4.4 private_deliver), looking targets up among the tenant's live
// sessions rather than maintaining a second routing index.
func (s *Server) privateDeliver(sess *gatewaysession.Session, e *envelope.Envelope) {
	result := s.fabric.PrivateDeliver(e, e.Targets, func(tenantID, clientID string) []routing.Recipient {
		var recipients []routing.Recipient
		for _, candidate := range s.sessions.GetByTenant(tenantID) {
			if candidate.ClientID() == clientID {
				recipients = append(recipients, candidate)
			}
		}
		return recipients
	})
	s.metrics.RoutingDelivered.WithLabelValues(e.Room).Add(float64(result.Delivered))
	s.metrics.RoutingSkipped.WithLabelValues("private_target_unreachable").Add(float64(result.Skipped))

	entry := history.Entry{
		TenantID: e.TenantID, Room: e.Room, Channel: e.Channel, Sequence: e.Sequence,
		ID: e.ID, Timestamp: e.Timestamp, From: e.From, Type: string(e.Type), Payload: e.Payload,
	}
	if err := s.history.Append(entry); err != nil {
		slog.Warn("gateway: history append failed", "error", err)
	}
	s.metrics.HistoryAppends.WithLabelValues(e.Room).Inc()
}

func classifyDecodeErr(err error) string {
	switch err.(type) {
	case *envelope.OversizeError:
		return string(envelope.ErrOversize)
	default:
		return string(envelope.ErrValidationError)
	}
}

func classifyDecodeErrCode(err error) envelope.ErrorCode {
	switch err.(type) {
	case *envelope.OversizeError:
		return envelope.ErrOversize
	default:
		return envelope.ErrValidationError
	}
}

// ServeTelemetryWS upgrades a connection on the telemetry listener and
// subscribes it to the dedicated telemetry room/channel. These sessions
// never submit envelopes; they only drain the fan-out the telemetry
// broadcaster loop feeds (RunTelemetryBroadcaster).
func (s *Server) ServeTelemetryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: telemetry websocket upgrade failed", "error", err)
		return
	}

	claims := &gatewaysession.Claims{TenantID: SystemTenantID, ClientID: "telemetry-" + uuid.NewString(), Role: "user"}
	sess := gatewaysession.New(conn, claims, TelemetryRoom, TelemetryChannel)
	if err := s.sessions.Register(sess); err != nil {
		conn.Close()
		return
	}
	sess.Activate()
	if err := s.fabric.Subscribe(SystemTenantID, TelemetryRoom, TelemetryChannel, sess); err != nil {
		s.sessions.Remove(sess.SessionID())
		conn.Close()
		return
	}

	done := make(chan struct{})
	go s.writePump(sess, done)

	defer func() {
		close(done)
		s.fabric.UnsubscribeAll(SystemTenantID, sess.SessionID())
		s.sessions.Remove(sess.SessionID())
		sess.Terminate()
		sess.Conn().Close()
	}()
	for {
		if _, _, err := sess.Conn().ReadMessage(); err != nil {
			return
		}
	}
}

// RunTelemetryBroadcaster drains the telemetry bus and fans each
// CloudEvent out to every subscriber of the telemetry room/channel,
// reusing the same routing.Fabric.Fanout machinery ordinary channels use
// (spec.md §6). Runs until ctx is cancelled.
func (s *Server) RunTelemetryBroadcaster(ctx context.Context) {
	ch := s.telemetryBus.Subscribe()
	defer s.telemetryBus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload := map[string]interface{}{
				"event_type": ev.Type, "subject": ev.Subject, "tenant_id": ev.TenantID, "data": ev.Data,
			}
			e := &envelope.Envelope{
				ID: ev.ID, Type: envelope.TypeTelemetry, Room: TelemetryRoom, Channel: TelemetryChannel,
				From: "arqonbus-telemetry", TenantID: SystemTenantID, Timestamp: ev.Time,
				Version: envelope.ProtocolVersion, Payload: payload,
			}
			if _, err := s.fabric.Fanout(e, true); err != nil && err != routing.ErrRoomNotFound {
				slog.Warn("gateway: telemetry fanout failed", "error", err)
			}
		}
	}
}

// Shutdown drains every live session for cfg.Server.ShutdownDrainSec
// before returning, matching spec.md §7's graceful shutdown contract.
func (s *Server) Shutdown(ctx context.Context) {
	drain := time.Duration(s.cfg.Server.ShutdownDrainSec) * time.Second
	s.sessions.DrainAll(ctx, drain)
	s.sessions.Stop()
	s.globalLimit.Stop()
	s.sessionLimit.Stop()
}
