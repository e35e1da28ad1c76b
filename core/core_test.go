package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmessenger/drift/config"
	"github.com/scmessenger/drift/core/contact"
	"github.com/scmessenger/drift/core/envelope"
	"github.com/scmessenger/drift/core/identity"
	"github.com/scmessenger/drift/core/routing"
	"github.com/scmessenger/drift/core/store"
	"github.com/scmessenger/drift/core/transport"
	"github.com/scmessenger/drift/crypto/vault"
)

func newTestNode(t *testing.T) (*Node, *identity.Identity) {
	t.Helper()

	id, err := identity.New()
	require.NoError(t, err)

	cfg := config.Default()
	st := store.NewMemoryStore(store.DefaultScoreWeights(), cfg.SelfReserveBytes)
	routingEngine := routing.NewEngine()
	mgr := transport.NewManager()
	contacts := contact.NewMemoryBook()

	return NewNode(id, cfg, st, routingEngine, mgr, contacts), id
}

func TestCreateAndLoadIdentity(t *testing.T) {
	v := vault.NewMemoryVault()

	id, err := CreateIdentity(v, "correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, id.IdentityID())

	loaded, err := LoadIdentity(v, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, id.IdentityID(), loaded.IdentityID())

	_, err = LoadIdentity(v, "wrong passphrase")
	assert.Error(t, err)
}

func TestNodeGetIdentityInfoAndSetNickname(t *testing.T) {
	n, id := newTestNode(t)

	info := n.GetIdentityInfo()
	assert.Equal(t, id.IdentityID(), info.IdentityID)
	assert.Empty(t, info.Nickname)

	n.SetNickname("scout")
	assert.Equal(t, "scout", n.GetIdentityInfo().Nickname)
}

func TestNodePrepareMessageRequiresRelayEnabled(t *testing.T) {
	n, _ := newTestNode(t)
	n.SetRelayEnabled(false)

	peer, err := identity.New()
	require.NoError(t, err)

	_, err = n.PrepareMessage(peer.AgreementPublicKey(), "hi", 0)
	assert.Error(t, err)
}

func TestNodePrepareMessageSealsChatPayload(t *testing.T) {
	n, _ := newTestNode(t)

	peer, err := identity.New()
	require.NoError(t, err)

	prepared, err := n.PrepareMessage(peer.AgreementPublicKey(), "hello there", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, prepared.Wire)
	assert.NotEmpty(t, prepared.MsgID)

	env, err := envelope.Unmarshal(prepared.Wire)
	require.NoError(t, err)

	plaintext, err := envelope.Receive(peer, env)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)
	assert.Equal(t, envelope.PayloadChat, envelope.PayloadType(plaintext[0]))
	assert.Equal(t, "hello there", string(plaintext[1:]))
}

func TestNodeSendMessageRequiresKnownContact(t *testing.T) {
	n, _ := newTestNode(t)

	_, err := n.SendMessage(context.Background(), "unknown-peer", "hi", 0)
	assert.Error(t, err)
}

func TestNodeSendMessageToKnownContact(t *testing.T) {
	n, _ := newTestNode(t)

	peer, err := identity.New()
	require.NoError(t, err)

	ctx := context.Background()
	err = n.AddContact(ctx, peer.IdentityID(), peer.SigningPublicKey(), peer.AgreementPublicKey(), "peer")
	require.NoError(t, err)

	prepared, err := n.SendMessage(ctx, peer.IdentityID(), "ping", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, prepared.MsgID)

	select {
	case evt := <-n.SubscribeEvents():
		assert.Equal(t, EventMessageSent, evt.Kind)
		assert.Equal(t, peer.IdentityID(), evt.PeerIdentityID)
	default:
		t.Fatal("expected a message_sent event")
	}
}

func TestNodeSetDeviceStateAppliesRelayCap(t *testing.T) {
	n, _ := newTestNode(t)

	policy := n.SetDeviceState(transport.DeviceState{BatteryPct: 90, Charging: true})
	assert.Equal(t, transport.Maximum, policy.Level)
	assert.Equal(t, uint32(600), policy.RelayMessagesPerHourCap)
}

func TestNodeRemoveContactCascadesConversation(t *testing.T) {
	n, _ := newTestNode(t)

	peer, err := identity.New()
	require.NoError(t, err)

	ctx := context.Background()
	err = n.AddContact(ctx, peer.IdentityID(), peer.SigningPublicKey(), peer.AgreementPublicKey(), "peer")
	require.NoError(t, err)

	_, err = n.SendMessage(ctx, peer.IdentityID(), "ping", 0)
	require.NoError(t, err)

	err = n.RemoveContact(ctx, peer.IdentityID())
	require.NoError(t, err)

	_, ok, err := n.contacts.Get(ctx, peer.IdentityID())
	require.NoError(t, err)
	assert.False(t, ok)

	conv, err := n.ListConversation(ctx, peer.IdentityID(), 10)
	require.NoError(t, err)
	assert.Empty(t, conv)
}

func TestNodeExportDiagnostics(t *testing.T) {
	n, _ := newTestNode(t)

	diag, err := n.ExportDiagnostics(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, diag.IdentityID)
	assert.True(t, diag.RelayEnabled)
}
