package wisp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wisp/community"
	"github.com/opd-ai/wisp/presence"
	"github.com/opd-ai/wisp/records"
	"github.com/opd-ai/wisp/session"
	"github.com/opd-ai/wisp/storage"
	"github.com/opd-ai/wisp/transport"
)

// testBed is a shared record store and transport mesh for multi-node
// tests.
type testBed struct {
	net   *transport.MemNetwork
	store *records.MemStore
}

func newBed() *testBed {
	return &testBed{net: transport.NewMemNetwork(), store: records.NewMemStore()}
}

type testPeer struct {
	*Wisp
	tr     *transport.MemTransport
	secure *storage.MemSecureStore
}

func (b *testBed) node(t *testing.T, name string) *testPeer {
	return b.nodeWith(t, name, nil)
}

func (b *testBed) nodeWith(t *testing.T, name string, mod func(*Options)) *testPeer {
	t.Helper()

	tr := b.net.Transport(name)
	secure := storage.NewMemSecureStore()

	opts := NewOptions()
	opts.RecordStore = b.store
	opts.Transport = tr
	opts.SecureStore = secure
	opts.DisplayName = name
	opts.RetryInterval = 50 * time.Millisecond
	if mod != nil {
		mod(opts)
	}

	node, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown(context.Background()) })

	return &testPeer{Wisp: node, tr: tr, secure: secure}
}

// connect has b add a from a's invite. Adding is one-directional; the
// reverse path resolves through a's mailbox record.
func connect(t *testing.T, a, b *testPeer) {
	t.Helper()
	inv, err := a.CreateInvite()
	require.NoError(t, err)
	_, err = b.AddPeer(context.Background(), inv)
	require.NoError(t, err)
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func assertSilent[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	time.Sleep(200 * time.Millisecond)
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	default:
	}
}

type receivedMessage struct {
	peer          [32]byte
	text          string
	authenticated bool
}

func collectMessages(n *testPeer) chan receivedMessage {
	ch := make(chan receivedMessage, 16)
	n.OnMessageReceived(func(peer [32]byte, message []byte, _ time.Time, authenticated bool) {
		ch <- receivedMessage{peer: peer, text: string(message), authenticated: authenticated}
	})
	return ch
}

func TestMessageRoundTripColdStart(t *testing.T) {
	bed := newBed()
	alice := bed.node(t, "alice")
	bob := bed.node(t, "bob")
	connect(t, alice, bob)

	aliceGot := collectMessages(alice)
	bobGot := collectMessages(bob)
	receipts := make(chan uuid.UUID, 4)
	bob.OnReceipt(func(_ [32]byte, id uuid.UUID) { receipts <- id })

	ctx := context.Background()
	id, err := bob.SendMessage(ctx, alice.PublicKey(), "hello alice")
	require.NoError(t, err)

	msg := await(t, aliceGot, "first message")
	assert.Equal(t, bob.PublicKey(), msg.peer)
	assert.Equal(t, "hello alice", msg.text)
	assert.True(t, msg.authenticated)

	assert.Equal(t, id, await(t, receipts, "delivery receipt"))

	// Both ends hold a live session after the first flight.
	assert.Equal(t, session.StateEstablished, bob.SessionState(alice.PublicKey()))
	assert.Equal(t, session.StateEstablished, alice.SessionState(bob.PublicKey()))

	// The reply needs no AddPeer on alice's side; bob's mailbox record
	// carries his route.
	_, err = alice.SendMessage(ctx, bob.PublicKey(), "hey bob")
	require.NoError(t, err)

	reply := await(t, bobGot, "reply")
	assert.Equal(t, alice.PublicKey(), reply.peer)
	assert.Equal(t, "hey bob", reply.text)
	assert.True(t, reply.authenticated)
}

func TestOfflinePeerQueuedAndRedelivered(t *testing.T) {
	bed := newBed()
	alice := bed.node(t, "alice")
	bob := bed.node(t, "bob")
	connect(t, alice, bob)

	aliceGot := collectMessages(alice)
	alice.tr.SetOnline(false)

	ctx := context.Background()
	id, err := bob.SendMessage(ctx, alice.PublicKey(), "catch up later")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pending := bob.PendingDeliveries()
		return len(pending) == 1 && pending[0].ID == id
	}, 2*time.Second, 10*time.Millisecond)

	// At least one redelivery attempt fails while alice is away.
	require.Eventually(t, func() bool {
		pending := bob.PendingDeliveries()
		return len(pending) == 1 && pending[0].RetryCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Less(t, bob.PendingDeliveries()[0].RetryCount, 20)

	alice.tr.SetOnline(true)

	msg := await(t, aliceGot, "redelivered message")
	assert.Equal(t, "catch up later", msg.text)
	assert.True(t, msg.authenticated)

	require.Eventually(t, func() bool {
		return len(bob.PendingDeliveries()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPresencePropagation(t *testing.T) {
	bed := newBed()
	alice := bed.node(t, "alice")
	bob := bed.node(t, "bob")

	events := make(chan presence.Event, 16)
	bob.OnPresenceChanged(func(ev presence.Event) { events <- ev })
	connect(t, alice, bob)

	ev := await(t, events, "initial presence")
	assert.Equal(t, presence.PeerOnline, ev.Kind)
	assert.Equal(t, alice.PublicKey(), ev.Peer)

	require.NoError(t, alice.SetStatus(context.Background(), presence.StatusAway))
	ev = await(t, events, "status change")
	assert.Equal(t, presence.StatusChanged, ev.Kind)
	assert.Equal(t, presence.StatusAway, ev.Status)

	rec, ok := bob.PeerPresence(alice.PublicKey())
	require.True(t, ok)
	assert.Equal(t, "alice", rec.DisplayName)

	require.NoError(t, alice.Shutdown(context.Background()))
	ev = await(t, events, "offline event")
	assert.Equal(t, presence.PeerOffline, ev.Kind)
}

func TestTypingIndicator(t *testing.T) {
	bed := newBed()
	alice := bed.node(t, "alice")
	bob := bed.node(t, "bob")
	connect(t, alice, bob)

	typing := make(chan [32]byte, 4)
	alice.OnTyping(func(peer [32]byte) { typing <- peer })

	require.NoError(t, bob.SendTyping(context.Background(), alice.PublicKey()))
	assert.Equal(t, bob.PublicKey(), await(t, typing, "typing indicator"))
}

func TestSendWithoutKeyMaterialFails(t *testing.T) {
	bed := newBed()
	alice := bed.node(t, "alice")
	bob := bed.node(t, "bob")

	// No AddPeer, plaintext fallback off by default.
	_, err := bob.SendMessage(context.Background(), alice.PublicKey(), "hello?")
	assert.ErrorIs(t, err, ErrNoKeyMaterial)
}

func TestFirstContactRejectedByDefault(t *testing.T) {
	bed := newBed()
	alice := bed.node(t, "alice")
	bob := bed.nodeWith(t, "bob", func(o *Options) { o.AllowPlaintextFirstContact = true })

	aliceGot := collectMessages(alice)

	_, err := bob.SendMessage(context.Background(), alice.PublicKey(), "knock knock")
	require.NoError(t, err)

	assertSilent(t, aliceGot, "plaintext message delivery")
}

func TestFirstContactAcceptedWhenEnabled(t *testing.T) {
	bed := newBed()
	alice := bed.nodeWith(t, "alice", func(o *Options) { o.AllowPlaintextFirstContact = true })
	bob := bed.nodeWith(t, "bob", func(o *Options) { o.AllowPlaintextFirstContact = true })

	aliceGot := collectMessages(alice)

	_, err := bob.SendMessage(context.Background(), alice.PublicKey(), "knock knock")
	require.NoError(t, err)

	msg := await(t, aliceGot, "first contact message")
	assert.Equal(t, "knock knock", msg.text)
	assert.False(t, msg.authenticated)
}

func TestRestartRestoresState(t *testing.T) {
	bed := newBed()
	dave := bed.node(t, "dave")

	secure := storage.NewMemSecureStore()
	build := func() *Wisp {
		opts := NewOptions()
		opts.RecordStore = bed.store
		opts.Transport = bed.net.Transport("carol")
		opts.SecureStore = secure
		opts.DisplayName = "carol"
		opts.RetryInterval = 50 * time.Millisecond
		node, err := New(opts)
		require.NoError(t, err)
		return node
	}

	ctx := context.Background()
	carol := build()
	self := carol.PublicKey()

	inv, err := dave.CreateInvite()
	require.NoError(t, err)
	_, err = carol.AddPeer(ctx, inv)
	require.NoError(t, err)
	require.NoError(t, carol.Shutdown(ctx))

	carol = build()
	defer carol.Shutdown(ctx)

	assert.Equal(t, self, carol.PublicKey(), "identity must survive restart")

	peers := carol.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, dave.PublicKey(), peers[0].PublicKey)
	assert.Equal(t, "dave", peers[0].DisplayName)

	// The restored registration still reaches the peer.
	daveGot := collectMessages(dave)
	_, err = carol.SendMessage(ctx, dave.PublicKey(), "back again")
	require.NoError(t, err)
	assert.Equal(t, "back again", await(t, daveGot, "post-restart message").text)
}

func TestDataDirBoltStore(t *testing.T) {
	bed := newBed()
	dir := t.TempDir()

	build := func(addr string) *Wisp {
		opts := NewOptions()
		opts.RecordStore = bed.store
		opts.Transport = bed.net.Transport(addr)
		opts.DataDir = dir
		opts.DisplayName = "erin"
		node, err := New(opts)
		require.NoError(t, err)
		return node
	}

	ctx := context.Background()
	node := build("erin")
	self := node.PublicKey()
	require.NoError(t, node.Shutdown(ctx))

	node = build("erin")
	defer node.Shutdown(ctx)
	assert.Equal(t, self, node.PublicKey(), "identity must come from the data dir")
}

func TestHistoryRecordsConversation(t *testing.T) {
	bed := newBed()
	hist, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "hist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	alice := bed.node(t, "alice")
	bob := bed.nodeWith(t, "bob", func(o *Options) { o.History = hist })
	connect(t, alice, bob)

	bobGot := collectMessages(bob)

	ctx := context.Background()
	_, err = bob.SendMessage(ctx, alice.PublicKey(), "ping")
	require.NoError(t, err)
	_, err = alice.SendMessage(ctx, bob.PublicKey(), "pong")
	require.NoError(t, err)
	await(t, bobGot, "reply")

	require.Eventually(t, func() bool {
		msgs, err := hist.Messages(conversationID(alice.PublicKey()))
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := hist.Messages(conversationID(alice.PublicKey()))
	require.NoError(t, err)
	assert.Equal(t, bob.PublicKey(), msgs[0].Sender)
	assert.Equal(t, []byte("ping"), msgs[0].Body)
	assert.Equal(t, alice.PublicKey(), msgs[1].Sender)
	assert.Equal(t, []byte("pong"), msgs[1].Body)
}

func TestCommunityOverFacade(t *testing.T) {
	bed := newBed()
	alice := bed.node(t, "alice")
	bob := bed.node(t, "bob")
	connect(t, alice, bob)

	ctx := context.Background()

	// A session must exist before community material can be pushed.
	aliceGot := collectMessages(alice)
	_, err := bob.SendMessage(ctx, alice.PublicKey(), "hi")
	require.NoError(t, err)
	await(t, aliceGot, "session bootstrap message")

	info, err := alice.CreateCommunity(ctx, "gophers")
	require.NoError(t, err)

	invites := make(chan *community.Invite, 2)
	bob.OnCommunityInvite(func(_ [32]byte, inv *community.Invite) { invites <- inv })

	require.NoError(t, alice.InviteToCommunity(ctx, bob.PublicKey(), info.ID))
	inv := await(t, invites, "community invite")
	assert.Equal(t, "gophers", inv.Name)

	joined, err := bob.JoinCommunity(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, info.ID, joined.ID)

	channels, err := bob.CommunityChannels(info.ID)
	require.NoError(t, err)
	require.Len(t, channels, 1)

	events := make(chan community.Event, 16)
	alice.OnCommunityEvent(func(ev community.Event) { events <- ev })

	require.NoError(t, bob.PostToCommunity(ctx, info.ID, channels[0].ID, []byte("hello community")))

	for {
		ev := await(t, events, "community message")
		if ev.Kind != community.EventMessage {
			continue
		}
		assert.Equal(t, []byte("hello community"), ev.Content)
		assert.True(t, ev.Encrypted)
		break
	}
}

func TestShutdownIdempotent(t *testing.T) {
	bed := newBed()
	node := bed.node(t, "alice")

	ctx := context.Background()
	require.NoError(t, node.Shutdown(ctx))
	require.NoError(t, node.Shutdown(ctx))

	_, err := node.SendMessage(ctx, [32]byte{1}, "too late")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = node.CreateInvite()
	assert.ErrorIs(t, err, ErrNotRunning)
}
