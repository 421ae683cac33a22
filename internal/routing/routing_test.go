package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/bus/internal/envelope"
)

type fakeRecipient struct {
	sessionID, clientID, tenantID string
	received                      []*envelope.Envelope
	fail                          bool
}

func (r *fakeRecipient) SessionID() string { return r.sessionID }
func (r *fakeRecipient) ClientID() string  { return r.clientID }
func (r *fakeRecipient) TenantID() string  { return r.tenantID }
func (r *fakeRecipient) Send(e *envelope.Envelope) error {
	if r.fail {
		return assert.AnError
	}
	r.received = append(r.received, e)
	return nil
}

func TestFanoutSkipsSenderUnlessEcho(t *testing.T) {
	f := New()
	_, err := f.CreateChannel("t1", "room", "general", ChannelGeneral, false, "alice")
	require.NoError(t, err)

	alice := &fakeRecipient{sessionID: "s1", clientID: "alice", tenantID: "t1"}
	bob := &fakeRecipient{sessionID: "s2", clientID: "bob", tenantID: "t1"}
	require.NoError(t, f.Subscribe("t1", "room", "general", alice))
	require.NoError(t, f.Subscribe("t1", "room", "general", bob))

	e := &envelope.Envelope{TenantID: "t1", Room: "room", Channel: "general", From: "alice"}

	result, err := f.Fanout(e, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Empty(t, alice.received)
	assert.Len(t, bob.received, 1)

	result, err = f.Fanout(e, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)
	assert.Len(t, alice.received, 1)
}

func TestPrivateDeliverOnlyReachesNamedTargets(t *testing.T) {
	f := New()
	_, err := f.CreateChannel("t1", "room", "general", ChannelGeneral, false, "alice")
	require.NoError(t, err)

	alice := &fakeRecipient{sessionID: "s1", clientID: "alice", tenantID: "t1"}
	bob := &fakeRecipient{sessionID: "s2", clientID: "bob", tenantID: "t1"}
	carol := &fakeRecipient{sessionID: "s3", clientID: "carol", tenantID: "t1"}
	byClient := map[string][]Recipient{"bob": {bob}, "carol": {carol}}

	e := &envelope.Envelope{
		TenantID: "t1", Room: "room", Channel: "general", From: "alice",
		Type: envelope.TypePrivate, Targets: []string{"bob"},
	}

	result := f.PrivateDeliver(e, e.Targets, func(tenantID, clientID string) []Recipient {
		return byClient[clientID]
	})

	assert.Equal(t, 1, result.Delivered)
	assert.Len(t, bob.received, 1)
	assert.Empty(t, carol.received)
	assert.Empty(t, alice.received)
}

func TestPrivateDeliverSkipsCrossTenantTarget(t *testing.T) {
	f := New()
	other := &fakeRecipient{sessionID: "s4", clientID: "mallory", tenantID: "t2"}

	e := &envelope.Envelope{TenantID: "t1", Room: "room", Channel: "general", Targets: []string{"mallory"}}
	result := f.PrivateDeliver(e, e.Targets, func(tenantID, clientID string) []Recipient {
		return []Recipient{other}
	})

	assert.Equal(t, 0, result.Delivered)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, other.received)
}

func TestPrivateDeliverDedupsRepeatedTargets(t *testing.T) {
	f := New()
	bob := &fakeRecipient{sessionID: "s2", clientID: "bob", tenantID: "t1"}

	e := &envelope.Envelope{TenantID: "t1", Targets: []string{"bob", "bob"}}
	result := f.PrivateDeliver(e, e.Targets, func(tenantID, clientID string) []Recipient {
		return []Recipient{bob}
	})

	assert.Equal(t, 1, result.Delivered)
	assert.Len(t, bob.received, 1)
}
