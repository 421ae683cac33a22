// Package routing implements C3: tenant-scoped room/channel membership,
// fan-out, private delivery, and de-dup. Generalizes the teacher's
// internal/fabric/hub.go spoke/capability/tenant routing tables (per-room
// locking, atomic metrics, snapshot-on-read fan-out) from virtual-address
// message routing to tenant → room → channel subscriber fan-out.
package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
)

// RoomType mirrors spec.md §3's Room.type.
type RoomType string

const (
	RoomSystem  RoomType = "system"
	RoomUser    RoomType = "user"
	RoomDynamic RoomType = "dynamic"
)

// ChannelType mirrors spec.md §3's Channel.type.
type ChannelType string

const (
	ChannelGeneral ChannelType = "general"
	ChannelPrivate ChannelType = "private"
	ChannelSystem  ChannelType = "system"
	ChannelPM      ChannelType = "pm"
)

// Recipient is the narrow view of a session the fabric needs to deliver
// to it. internal/gatewaysession.Session satisfies it.
type Recipient interface {
	SessionID() string
	ClientID() string
	TenantID() string
	Send(e *envelope.Envelope) error
}

// SessionDefaults supplies the session's default room/channel when an
// envelope omits them (spec.md §4.4 resolve_target).
type SessionDefaults interface {
	DefaultRoom() string
	DefaultChannel() string
}

// Channel belongs to exactly one room (spec.md §3).
type Channel struct {
	Name         string
	Type         ChannelType
	Hardcoded    bool
	CreatedAt    time.Time
	CreatedBy    string
	Participants map[string]Recipient // session id -> recipient

	mu sync.RWMutex
}

func newChannel(name string, typ ChannelType, hardcoded bool, createdBy string) *Channel {
	return &Channel{
		Name:         name,
		Type:         typ,
		Hardcoded:    hardcoded,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    createdBy,
		Participants: make(map[string]Recipient),
	}
}

// ParticipantCount returns the live subscriber count (invariant C3 of
// spec.md §3: "Participants reflects live sessions only").
func (c *Channel) ParticipantCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Participants)
}

func (c *Channel) snapshotParticipants() []Recipient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Recipient, 0, len(c.Participants))
	for _, r := range c.Participants {
		out = append(out, r)
	}
	return out
}

// Room is a tenant-scoped routing namespace (spec.md §3).
type Room struct {
	Name      string
	Type      RoomType
	TenantID  string
	CreatedAt time.Time
	CreatedBy string

	mu       sync.RWMutex
	channels map[string]*Channel
}

func newRoom(tenantID, name string, typ RoomType, createdBy string) *Room {
	return &Room{
		Name:      name,
		Type:      typ,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
		channels:  make(map[string]*Channel),
	}
}

func (r *Room) channel(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Errors returned by fabric operations (spec.md §9: explicit outcome
// types instead of exceptions at this layer; the command dispatcher maps
// these to canonical error envelopes).
var (
	ErrUnknownSystemChannel = fmt.Errorf("unknown channel in system room")
	ErrChannelNotEmpty      = fmt.Errorf("channel has active participants")
	ErrChannelProtected     = fmt.Errorf("channel is hardcoded and cannot be deleted")
	ErrRoomNotFound         = fmt.Errorf("room not found")
	ErrChannelNotFound      = fmt.Errorf("channel not found")
	ErrCrossTenant          = fmt.Errorf("cross-tenant access denied")
)

// Fabric is the routing engine: tenant -> room name -> Room.
type Fabric struct {
	mu     sync.RWMutex
	tenant map[string]map[string]*Room
}

// New creates an empty routing fabric.
func New() *Fabric {
	return &Fabric{tenant: make(map[string]map[string]*Room)}
}

// Bootstrap creates the immortal system "science" room with its workflow
// channels (spec.md §3: "System rooms...are immortal"), scoped to
// tenantID. gateway.New calls it once at startup, for its system tenant
// only.
func (f *Fabric) Bootstrap(tenantID string, channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := f.ensureRoomLocked(tenantID, "science", RoomSystem, "system")
	room.mu.Lock()
	defer room.mu.Unlock()
	for _, ch := range channels {
		if _, ok := room.channels[ch]; !ok {
			room.channels[ch] = newChannel(ch, ChannelGeneral, true, "system")
		}
	}
}

func (f *Fabric) ensureRoomLocked(tenantID, name string, typ RoomType, createdBy string) *Room {
	rooms, ok := f.tenant[tenantID]
	if !ok {
		rooms = make(map[string]*Room)
		f.tenant[tenantID] = rooms
	}
	room, ok := rooms[name]
	if !ok {
		room = newRoom(tenantID, name, typ, createdBy)
		rooms[name] = room
	}
	return room
}

func (f *Fabric) getRoom(tenantID, name string) (*Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rooms, ok := f.tenant[tenantID]
	if !ok {
		return nil, false
	}
	room, ok := rooms[name]
	return room, ok
}

// ResolveTarget implements spec.md §4.4 resolve_target: accepts explicit
// room/channel, the combined "room:channel" form in Room, or falls back
// to the session's defaults.
func ResolveTarget(room, channel string, defaults SessionDefaults) (string, string, error) {
	if room != "" {
		if channel == "" {
			if idx := indexOfColon(room); idx >= 0 {
				return room[:idx], room[idx+1:], nil
			}
		}
		if channel == "" {
			return "", "", fmt.Errorf("channel required alongside room %q", room)
		}
		return room, channel, nil
	}
	if defaults == nil || defaults.DefaultRoom() == "" {
		return "", "", fmt.Errorf("no room specified and no session default")
	}
	ch := channel
	if ch == "" {
		ch = defaults.DefaultChannel()
	}
	return defaults.DefaultRoom(), ch, nil
}

func indexOfColon(s string) int {
	for i, r := range s {
		if r == ':' {
			return i
		}
	}
	return -1
}

// Subscribe adds recipient to (room,channel), auto-creating the room
// and/or channel for non-system rooms (spec.md §4.4 R4). System rooms
// reject subscriptions to unknown channels. Idempotent.
func (f *Fabric) Subscribe(tenantID, roomName, channelName string, recipient Recipient) error {
	f.mu.Lock()
	room, exists := f.tenant[tenantID][roomName]
	if !exists {
		room = f.ensureRoomLocked(tenantID, roomName, RoomUser, recipient.ClientID())
	}
	f.mu.Unlock()

	room.mu.Lock()
	ch, ok := room.channels[channelName]
	if !ok {
		if room.Type == RoomSystem {
			room.mu.Unlock()
			return ErrUnknownSystemChannel
		}
		ch = newChannel(channelName, ChannelGeneral, false, recipient.ClientID())
		room.channels[channelName] = ch
	}
	room.mu.Unlock()

	ch.mu.Lock()
	ch.Participants[recipient.SessionID()] = recipient
	ch.mu.Unlock()
	return nil
}

// Unsubscribe removes recipient from (room,channel). Idempotent.
func (f *Fabric) Unsubscribe(tenantID, roomName, channelName, sessionID string) {
	room, ok := f.getRoom(tenantID, roomName)
	if !ok {
		return
	}
	ch, ok := room.channel(channelName)
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.Participants, sessionID)
	ch.mu.Unlock()
}

// UnsubscribeAll removes a session from every channel it is a member of
// in its tenant; called on session close.
func (f *Fabric) UnsubscribeAll(tenantID, sessionID string) {
	f.mu.RLock()
	rooms := f.tenant[tenantID]
	roomList := make([]*Room, 0, len(rooms))
	for _, r := range rooms {
		roomList = append(roomList, r)
	}
	f.mu.RUnlock()

	for _, room := range roomList {
		room.mu.RLock()
		channels := make([]*Channel, 0, len(room.channels))
		for _, c := range room.channels {
			channels = append(channels, c)
		}
		room.mu.RUnlock()
		for _, ch := range channels {
			ch.mu.Lock()
			delete(ch.Participants, sessionID)
			ch.mu.Unlock()
		}
	}
}

// FanoutResult reports the outcome of a fan-out (spec.md §4.8 telemetry).
type FanoutResult struct {
	Delivered int
	Skipped   int
}

// Fanout delivers e exactly once to each session subscribed to its
// (room,channel), minus the sender unless echo=true (spec.md §4.4 R1-R3).
// Membership is snapshotted at fan-out start so concurrent
// subscribe/unsubscribe never causes duplicate or torn delivery.
func (f *Fabric) Fanout(e *envelope.Envelope, echo bool) (FanoutResult, error) {
	room, ok := f.getRoom(e.TenantID, e.Room)
	if !ok {
		return FanoutResult{}, ErrRoomNotFound
	}
	ch, ok := room.channel(e.Channel)
	if !ok {
		return FanoutResult{}, ErrChannelNotFound
	}

	var result FanoutResult
	for _, recipient := range ch.snapshotParticipants() {
		if recipient.TenantID() != e.TenantID {
			// R1: cross-tenant delivery is impossible.
			result.Skipped++
			continue
		}
		if !echo && recipient.ClientID() == e.From {
			continue
		}
		if err := recipient.Send(e); err != nil {
			// R3: transient send failure — skip and let the session's own
			// lifecycle garbage-collect it; fan-out to others proceeds.
			result.Skipped++
			continue
		}
		result.Delivered++
	}
	return result, nil
}

// PrivateDeliver routes a type=private envelope only to listed client_ids
// present in the same tenant (spec.md §4.4 private_deliver).
func (f *Fabric) PrivateDeliver(e *envelope.Envelope, targetClientIDs []string, sessionsByClient func(tenantID, clientID string) []Recipient) FanoutResult {
	var result FanoutResult
	seen := make(map[string]bool, len(targetClientIDs))
	for _, clientID := range targetClientIDs {
		if seen[clientID] {
			continue
		}
		seen[clientID] = true
		for _, recipient := range sessionsByClient(e.TenantID, clientID) {
			if recipient.TenantID() != e.TenantID {
				result.Skipped++
				continue
			}
			if err := recipient.Send(e); err != nil {
				result.Skipped++
				continue
			}
			result.Delivered++
		}
	}
	return result
}

// CreateChannel creates a channel in roomName (creating the room if it
// doesn't exist), used by the admin create_channel command.
func (f *Fabric) CreateChannel(tenantID, roomName, channelName string, typ ChannelType, hardcoded bool, createdBy string) (*Channel, error) {
	f.mu.Lock()
	room := f.ensureRoomLocked(tenantID, roomName, RoomUser, createdBy)
	f.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	if ch, exists := room.channels[channelName]; exists {
		return ch, nil
	}
	ch := newChannel(channelName, typ, hardcoded, createdBy)
	room.channels[channelName] = ch
	return ch, nil
}

// DeleteChannel removes a channel, enforcing spec.md §3 invariants C1/C2:
// hardcoded channels cannot be deleted; delete requires empty participants.
func (f *Fabric) DeleteChannel(tenantID, roomName, channelName string) error {
	room, ok := f.getRoom(tenantID, roomName)
	if !ok {
		return ErrRoomNotFound
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	ch, ok := room.channels[channelName]
	if !ok {
		return ErrChannelNotFound
	}
	if ch.Hardcoded {
		return ErrChannelProtected
	}
	if ch.ParticipantCount() > 0 {
		return ErrChannelNotEmpty
	}
	delete(room.channels, channelName)
	return nil
}

// ChannelInfo describes a channel for list_channels/channel_info commands.
type ChannelInfo struct {
	Room         string
	Name         string
	Type         ChannelType
	Hardcoded    bool
	Participants int
	CreatedAt    time.Time
	CreatedBy    string
}

// ListChannels returns channel info for roomName, or every channel in the
// tenant when roomName is empty (admin-only unscoped listing).
func (f *Fabric) ListChannels(tenantID, roomName string) ([]ChannelInfo, error) {
	f.mu.RLock()
	rooms := f.tenant[tenantID]
	var roomList []*Room
	if roomName != "" {
		room, ok := rooms[roomName]
		if !ok {
			f.mu.RUnlock()
			return nil, ErrRoomNotFound
		}
		roomList = []*Room{room}
	} else {
		for _, r := range rooms {
			roomList = append(roomList, r)
		}
	}
	f.mu.RUnlock()

	var out []ChannelInfo
	for _, room := range roomList {
		room.mu.RLock()
		for _, ch := range room.channels {
			out = append(out, ChannelInfo{
				Room: room.Name, Name: ch.Name, Type: ch.Type, Hardcoded: ch.Hardcoded,
				Participants: ch.ParticipantCount(), CreatedAt: ch.CreatedAt, CreatedBy: ch.CreatedBy,
			})
		}
		room.mu.RUnlock()
	}
	return out, nil
}

// ChannelDetail returns info for a single (room,channel).
func (f *Fabric) ChannelDetail(tenantID, roomName, channelName string) (ChannelInfo, error) {
	room, ok := f.getRoom(tenantID, roomName)
	if !ok {
		return ChannelInfo{}, ErrRoomNotFound
	}
	ch, ok := room.channel(channelName)
	if !ok {
		return ChannelInfo{}, ErrChannelNotFound
	}
	return ChannelInfo{
		Room: roomName, Name: ch.Name, Type: ch.Type, Hardcoded: ch.Hardcoded,
		Participants: ch.ParticipantCount(), CreatedAt: ch.CreatedAt, CreatedBy: ch.CreatedBy,
	}, nil
}
