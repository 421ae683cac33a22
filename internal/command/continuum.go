package command

import (
	"sync"
	"time"

	"github.com/arqonbus/bus/internal/storage"
)

// Projection is the latest applied state for one continuum key
// (tenant/room/channel), keyed for idempotent upsert by event_id
// (spec.md §4.4: "replay projections use event_id as the upsert key;
// duplicate events are silently coalesced").
type Projection struct {
	Key       string
	EventID   string
	SourceTS  time.Time
	Payload   map[string]interface{}
	UpdatedAt time.Time
}

// ApplyResult reports what Projector.Apply did with one event.
type ApplyResult struct {
	Applied   bool
	Duplicate bool
	Stale     bool
}

// Projector implements the idempotent replay/upsert semantics behind
// op.continuum.projector.* (spec.md §4.4 and P8). It holds projection
// state only; DLQ emission on stale rejection is the caller's
// responsibility via internal/storage, keeping this type storage-free.
type Projector struct {
	mu          sync.Mutex
	projections map[string]Projection
	processed   int64
	rejected    int64
	duplicates  int64
}

// NewProjector constructs an empty Projector.
func NewProjector() *Projector {
	return &Projector{projections: make(map[string]Projection)}
}

// Apply upserts payload at key keyed by eventID. A repeat of the same
// eventID at key is silently coalesced (P8). An event whose sourceTS is
// older than the currently-applied projection's sourceTS is rejected as
// stale (spec.md §4.4: "Stale updates ... are rejected on projector
// writes with a STALE_EVENT counter").
func (p *Projector) Apply(key, eventID string, sourceTS time.Time, payload map[string]interface{}) ApplyResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.projections[key]; ok {
		if existing.EventID == eventID {
			p.duplicates++
			return ApplyResult{Duplicate: true}
		}
		if sourceTS.Before(existing.SourceTS) {
			p.rejected++
			return ApplyResult{Stale: true}
		}
	}

	p.projections[key] = Projection{
		Key: key, EventID: eventID, SourceTS: sourceTS,
		Payload: payload, UpdatedAt: time.Now().UTC(),
	}
	p.processed++
	return ApplyResult{Applied: true}
}

// Stats reports projector counters for op.continuum.projector.status.
func (p *Projector) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"projections": len(p.projections),
		"processed":   p.processed,
		"duplicates":  p.duplicates,
		"rejected":    p.rejected,
	}
}

func (d *Dispatcher) registerContinuum() {
	d.register("op.continuum.projector.apply", RoleAdmin, cmdProjectorApply)
	d.register("op.continuum.projector.status", RoleUser, cmdProjectorStatus)
	d.register("op.continuum.projector.dlq", RoleAdmin, cmdProjectorDLQ)
}

func projectionKey(tenantID, room, channel string) string {
	return tenantID + ":" + room + ":" + channel
}

func cmdProjectorApply(d *Dispatcher, req Request) Response {
	room := argString(req.Args, "room")
	channel := argString(req.Args, "channel")
	eventID := argString(req.Args, "event_id")
	if room == "" || channel == "" || eventID == "" {
		return fail(validationErrorCode, "room, channel and event_id are required")
	}
	sourceTS, err := time.Parse(time.RFC3339, argString(req.Args, "source_ts"))
	if err != nil {
		return fail(validationErrorCode, "source_ts must be RFC3339")
	}
	payload, _ := req.Args["payload"].(map[string]interface{})
	tenantID := req.Caller.TenantID()

	result := d.projector.Apply(projectionKey(tenantID, room, channel), eventID, sourceTS, payload)
	if result.Stale {
		d.storage.WriteDLQ(storage.DLQEntry{
			TenantID: tenantID, Room: room, Channel: channel,
			Reason: "STALE_EVENT", Payload: payload, Timestamp: time.Now().UTC(),
		})
		return fail(staleEventCode, "stale projector event rejected")
	}
	return ok(map[string]interface{}{"applied": result.Applied, "duplicate": result.Duplicate})
}

func cmdProjectorStatus(d *Dispatcher, req Request) Response {
	return ok(d.projector.Stats())
}

func cmdProjectorDLQ(d *Dispatcher, req Request) Response {
	entries := d.storage.DLQEntries()
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"tenant_id": e.TenantID, "room": e.Room, "channel": e.Channel,
			"reason": e.Reason, "payload": e.Payload,
			"timestamp": e.Timestamp.Format(time.RFC3339),
		})
	}
	return ok(map[string]interface{}{"entries": out})
}
