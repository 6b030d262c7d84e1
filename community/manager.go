package community

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/crypto"
	"github.com/opd-ai/wisp/envelope"
	"github.com/opd-ai/wisp/records"
	"github.com/opd-ai/wisp/route"
)

// Sender delivers envelopes straight to a route token, bypassing peer
// resolution and the retry queue. The delivery service satisfies it.
// Request/response traffic owns its failure handling here; broadcasts
// are fire-and-forget by design.
type Sender interface {
	SendTo(token route.Token, env *envelope.Envelope) error
}

// SecureSendFunc pushes body to a peer node through its established
// secure session under the given envelope kind. The manager uses it to
// distribute media keys; failures are tolerated because the sealed
// bundle in the community record is the authoritative copy.
type SecureSendFunc func(ctx context.Context, node [32]byte, kind envelope.Kind, body []byte) error

// Invite is the in-band invite a host issues for one prospective
// member. The record key plus a valid invite ID is everything needed
// to join; the host pseudonym anchors verification of everything the
// new member later receives.
type Invite struct {
	CommunityID string
	Name        string
	RecordKey   records.Key
	InviteID    string
	Host        [32]byte
}

// Marshal encodes the invite for transport inside a secure session.
func (inv *Invite) Marshal() ([]byte, error) {
	return cbor.Marshal(inv)
}

// UnmarshalInvite decodes an in-band community invite.
func UnmarshalInvite(data []byte) (*Invite, error) {
	var inv Invite
	if err := cbor.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("malformed community invite: %w", err)
	}
	if inv.CommunityID == "" || inv.InviteID == "" {
		return nil, errors.New("community invite missing id fields")
	}
	return &inv, nil
}

// keyDrop is the media-key payload pushed through secure sessions
// under KindMEKDistribute. The host pseudonym signs it, so the session
// peer relaying it needs no trust of its own.
type keyDrop struct {
	Community  string
	Generation uint32
	Key        [32]byte
	Signature  crypto.Signature
}

// signKeyDrop signs the drop with the host pseudonym over the encoding
// with a zeroed signature field.
func signKeyDrop(drop *keyDrop, pseudonym *crypto.Identity) error {
	drop.Signature = crypto.Signature{}
	body, err := cbor.Marshal(drop)
	if err != nil {
		return fmt.Errorf("failed to encode key drop for signing: %w", err)
	}
	sig, err := pseudonym.Sign(body)
	if err != nil {
		return err
	}
	drop.Signature = sig
	return nil
}

// verifyKeyDrop checks the host pseudonym signature.
func verifyKeyDrop(drop *keyDrop, host [32]byte) bool {
	sig := drop.Signature
	drop.Signature = crypto.Signature{}
	body, err := cbor.Marshal(drop)
	drop.Signature = sig
	if err != nil {
		return false
	}
	return crypto.Verify(body, sig, host)
}

// Info is a snapshot of one community this node participates in.
type Info struct {
	ID         string
	Name       string
	RecordKey  records.Key
	Hosting    bool
	Pseudonym  [32]byte
	Members    int
	Channels   int
	Seq        uint64
	Generation uint32
	HasKey     bool
}

// pendingCall is one in-flight request awaiting its response. expect
// is the host pseudonym the response envelope must be signed by.
type pendingCall struct {
	expect [32]byte
	ch     chan *response
}

// Manager owns every community this node hosts or has joined. Hosting
// and membership states are independent: one node can host some
// communities and be a plain member of others.
type Manager struct {
	identity *crypto.Identity
	store    records.Store
	sender   Sender

	mu     sync.Mutex
	hosted map[string]*host
	joined map[string]*membership
	calls  map[[16]byte]*pendingCall

	onEvent    EventFunc
	secureSend SecureSendFunc
	localRoute func() []byte

	wg sync.WaitGroup
}

// NewManager creates a community manager for the node identity.
func NewManager(identity *crypto.Identity, store records.Store, sender Sender) *Manager {
	return &Manager{
		identity: identity,
		store:    store,
		sender:   sender,
		hosted:   make(map[string]*host),
		joined:   make(map[string]*membership),
		calls:    make(map[[16]byte]*pendingCall),
	}
}

// SetEventHandler registers the community event callback.
func (m *Manager) SetEventHandler(f EventFunc) {
	m.mu.Lock()
	m.onEvent = f
	m.mu.Unlock()
}

// SetSecureSend registers the secure-session push hook for media-key
// distribution. Without it only the record bundle path is used.
func (m *Manager) SetSecureSend(f SecureSendFunc) {
	m.mu.Lock()
	m.secureSend = f
	m.mu.Unlock()
}

// SetLocalRoute registers the source of this node's route token,
// carried in requests so the host can reply and broadcast back.
func (m *Manager) SetLocalRoute(f func() []byte) {
	m.mu.Lock()
	m.localRoute = f
	m.mu.Unlock()
}

// emit delivers an event to the registered handler.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	f := m.onEvent
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "emit",
		"community": ev.Community,
		"kind":      ev.Kind.String(),
	}).Debug("Community event")

	if f != nil {
		f(ev)
	}
}

// pseudonym derives this node's per-community identity. Same community
// in, same pseudonym out, always.
func (m *Manager) pseudonym(communityID string) (*crypto.Identity, error) {
	return crypto.DerivePseudonym(m.identity.MasterSecret(), communityID)
}

// replyRoute returns this node's current route token, or nil when none
// is allocated yet.
func (m *Manager) replyRoute() []byte {
	m.mu.Lock()
	f := m.localRoute
	m.mu.Unlock()
	if f == nil {
		return nil
	}
	return f()
}

// sendRPC wraps body in a community envelope signed by from and pushes
// it straight to the route token.
func (m *Manager) sendRPC(token []byte, from *crypto.Identity, msg *rpcMessage) error {
	if len(token) == 0 {
		return fmt.Errorf("community send: %w", route.ErrUnreachablePeer)
	}
	body, err := encodeRPC(msg)
	if err != nil {
		return err
	}
	env, err := envelope.Build(from, envelope.FramePayload(envelope.KindCommunityRPC, body), uint64(time.Now().UnixMilli()))
	if err != nil {
		return err
	}
	return m.sender.SendTo(route.Token(token), env)
}

// call sends a request to the hosting node and waits for the matching
// response. The timeout is RPCTimeout; expired calls fail with
// ErrTimeout and are never retried here. Retry policy belongs to the
// caller.
func (m *Manager) call(ctx context.Context, c *membership, req *request) (*response, error) {
	req.ID = [16]byte(uuid.New())
	req.Requester = c.pseud.PublicKey()
	req.ReplyTo = m.replyRoute()
	if err := signRequest(req, c.pseud); err != nil {
		return nil, err
	}

	pending := &pendingCall{expect: c.hostKey(), ch: make(chan *response, 1)}
	m.mu.Lock()
	m.calls[req.ID] = pending
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.calls, req.ID)
		m.mu.Unlock()
	}()

	if err := m.sendRPC(c.hostRouteToken(), m.identity, &rpcMessage{Request: req}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(RPCTimeout)
	defer timer.Stop()

	select {
	case resp := <-pending.ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s to %s: %w", req.Op, req.Community, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleRPC is the inbound entry point for community envelopes. peer
// is the verified envelope sender: the member's node identity for
// requests and member posts, the host pseudonym for responses,
// broadcasts, and fanned-out posts.
func (m *Manager) HandleRPC(peer [32]byte, body []byte) {
	msg, err := decodeRPC(body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleRPC",
			"error":    err,
		}).Debug("Dropped malformed community message")
		return
	}

	switch {
	case msg.Request != nil:
		m.handleRequest(peer, msg.Request)
	case msg.Response != nil:
		m.handleResponse(peer, msg.Response)
	case msg.Broadcast != nil:
		m.handleBroadcast(peer, msg.Broadcast)
	case msg.Post != nil:
		m.handleInboundPost(peer, msg.Post)
	}
}

// handleRequest routes a member request to the hosted community. A
// request for a community this node does not host is dropped; the
// caller times out rather than trusting an unverifiable refusal.
func (m *Manager) handleRequest(node [32]byte, req *request) {
	m.mu.Lock()
	h := m.hosted[req.Community]
	m.mu.Unlock()

	if h == nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handleRequest",
			"community": req.Community,
			"op":        req.Op.String(),
		}).Warn("Request for community this node does not host")
		return
	}
	h.handleRequest(context.Background(), req, node)
}

// handleResponse completes a pending call if the response comes from
// the pseudonym the call expects.
func (m *Manager) handleResponse(peer [32]byte, resp *response) {
	m.mu.Lock()
	pending := m.calls[resp.ID]
	m.mu.Unlock()

	if pending == nil || pending.expect != peer {
		return
	}
	select {
	case pending.ch <- resp:
	default:
	}
}

// handleBroadcast applies a change notice to the matching membership.
// Processing may itself perform record reads and a resync call, so it
// runs on its own goroutine.
func (m *Manager) handleBroadcast(peer [32]byte, bc *broadcast) {
	m.mu.Lock()
	c := m.joined[bc.Community]
	m.mu.Unlock()

	if c == nil || c.hostKey() != peer {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.applyBroadcast(context.Background(), bc)
	}()
}

// handleInboundPost dispatches channel content: member pushes land on
// the hosting side, host fan-outs land on the membership side.
func (m *Manager) handleInboundPost(peer [32]byte, p *post) {
	m.mu.Lock()
	h := m.hosted[p.Community]
	c := m.joined[p.Community]
	m.mu.Unlock()

	if h != nil {
		h.handlePost(p, peer)
		return
	}
	if c != nil && c.hostKey() == peer {
		c.handlePost(p)
	}
}

// HandleKeyDrop installs a media key received through a secure session
// (KindMEKDistribute). node is the authenticated session peer, which
// may be any member relaying for the host; what makes the key genuine
// is the host pseudonym signature inside the drop.
func (m *Manager) HandleKeyDrop(node [32]byte, plaintext []byte) {
	var drop keyDrop
	if err := cbor.Unmarshal(plaintext, &drop); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleKeyDrop",
			"error":    err,
		}).Debug("Dropped malformed key distribution")
		return
	}

	m.mu.Lock()
	c := m.joined[drop.Community]
	m.mu.Unlock()
	if c == nil {
		return
	}
	if !verifyKeyDrop(&drop, c.hostKey()) {
		logrus.WithFields(logrus.Fields{
			"function":  "HandleKeyDrop",
			"community": drop.Community,
			"node":      fmt.Sprintf("%x", node[:8]),
		}).Warn("Dropped media key without a valid host signature")
		return
	}
	c.installKey(&MediaKey{Generation: drop.Generation, Key: drop.Key})
}

// Create starts hosting a new community and returns its snapshot. The
// creator's pseudonym enters the roster with every permission bit.
func (m *Manager) Create(ctx context.Context, name, displayName string) (*Info, error) {
	if name == "" {
		return nil, errors.New("community name cannot be empty")
	}

	id := uuid.NewString()
	pseud, err := m.pseudonym(id)
	if err != nil {
		return nil, err
	}

	h, err := newHost(ctx, m, id, name, displayName, pseud)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.hosted[id] = h
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Create",
		"community": id,
		"name":      name,
		"key":       h.handle.Key.String(),
	}).Info("Hosting new community")

	return h.info(), nil
}

// ReopenHost resumes hosting a community from its record after a
// restart. State is read back from the record and the media key
// recovered from the host's own sealed bundle entry.
func (m *Manager) ReopenHost(ctx context.Context, communityID string, key records.Key) (*Info, error) {
	m.mu.Lock()
	_, exists := m.hosted[communityID]
	m.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("community %s already hosted", communityID)
	}

	pseud, err := m.pseudonym(communityID)
	if err != nil {
		return nil, err
	}

	h, err := reopenHost(ctx, m, communityID, key, pseud)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.hosted[communityID] = h
	m.mu.Unlock()
	return h.info(), nil
}

// IssueInvite mints a single-use invite. The host mints directly;
// members holding PermInvite ask the host through OpInviteIssue. Send
// the invite to the prospective member over a secure session;
// presenting its ID is how the joining request gets past the roster
// check.
func (m *Manager) IssueInvite(ctx context.Context, communityID string) (*Invite, error) {
	m.mu.Lock()
	h := m.hosted[communityID]
	c := m.joined[communityID]
	m.mu.Unlock()

	if h != nil {
		return h.issueInvite(ctx)
	}
	if c == nil {
		return nil, fmt.Errorf("community %s: %w", communityID, ErrUnknownCommunity)
	}

	resp, err := m.call(ctx, c, &request{Community: communityID, Op: OpInviteIssue})
	if err != nil {
		return nil, err
	}
	if err := codeError(resp.Code, resp.Detail); err != nil {
		return nil, err
	}
	if resp.Invite == "" {
		return nil, fmt.Errorf("%w: host returned no invite", ErrBadInvite)
	}
	return &Invite{
		CommunityID: communityID,
		Name:        c.communityName(),
		RecordKey:   c.recordKey(),
		InviteID:    resp.Invite,
		Host:        c.hostKey(),
	}, nil
}

// Join becomes a member of a community using an in-band invite. On
// success the local state mirror is primed and the media key installed
// from the record bundle.
func (m *Manager) Join(ctx context.Context, inv *Invite, displayName string) (*Info, error) {
	if inv == nil {
		return nil, errors.New("invite cannot be nil")
	}

	m.mu.Lock()
	_, hosting := m.hosted[inv.CommunityID]
	_, joined := m.joined[inv.CommunityID]
	m.mu.Unlock()
	if hosting || joined {
		return nil, fmt.Errorf("community %s already present", inv.CommunityID)
	}

	pseud, err := m.pseudonym(inv.CommunityID)
	if err != nil {
		return nil, err
	}

	c, err := joinCommunity(ctx, m, inv, pseud, displayName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.joined[inv.CommunityID] = c
	m.mu.Unlock()

	m.emit(Event{Community: inv.CommunityID, Kind: EventMemberJoined, Member: pseud.PublicKey()})
	return c.info(), nil
}

// Rejoin reattaches to an already-joined community after a restart,
// resyncing state from the record and the hosting node.
func (m *Manager) Rejoin(ctx context.Context, communityID string, key records.Key) (*Info, error) {
	m.mu.Lock()
	_, hosting := m.hosted[communityID]
	_, joined := m.joined[communityID]
	m.mu.Unlock()
	if hosting || joined {
		return nil, fmt.Errorf("community %s already present", communityID)
	}

	pseud, err := m.pseudonym(communityID)
	if err != nil {
		return nil, err
	}

	c, err := rejoinCommunity(ctx, m, communityID, key, pseud)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.joined[communityID] = c
	m.mu.Unlock()
	return c.info(), nil
}

// Leave withdraws from a community. Members tell the host; the host
// side of a hosted community cannot leave, only stop.
func (m *Manager) Leave(ctx context.Context, communityID string) error {
	m.mu.Lock()
	c := m.joined[communityID]
	m.mu.Unlock()
	if c == nil {
		return fmt.Errorf("community %s: %w", communityID, ErrUnknownCommunity)
	}

	self := c.pseud.PublicKey()
	resp, err := m.call(ctx, c, &request{
		Community: communityID,
		Op:        OpMemberRemove,
		Target:    &self,
	})
	if err == nil {
		err = codeError(resp.Code, resp.Detail)
	}
	// Drop local state regardless: an unreachable host does not keep a
	// member captive.
	m.dropMembership(communityID, false)
	return err
}

// dropMembership removes local membership state, optionally emitting
// the removal event (used when the removal was the host's doing).
func (m *Manager) dropMembership(communityID string, emitRemoved bool) {
	m.mu.Lock()
	c := m.joined[communityID]
	delete(m.joined, communityID)
	m.mu.Unlock()

	if c == nil {
		return
	}
	self := c.pseud.PublicKey()
	c.close()
	if emitRemoved {
		m.emit(Event{Community: communityID, Kind: EventMemberRemoved, Member: self})
	}
}

// CreateChannel adds a channel and returns its generated ID.
func (m *Manager) CreateChannel(ctx context.Context, communityID, name string) (string, error) {
	ch := &Channel{ID: uuid.NewString(), Name: name}
	err := m.request(ctx, communityID, &request{Op: OpChannelCreate, Channel: ch})
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

// UpdateChannel renames or retopics an existing channel.
func (m *Manager) UpdateChannel(ctx context.Context, communityID string, ch Channel) error {
	return m.request(ctx, communityID, &request{Op: OpChannelUpdate, Channel: &ch})
}

// DeleteChannel removes a channel. Deleting an absent channel is a
// no-op.
func (m *Manager) DeleteChannel(ctx context.Context, communityID, channelID string) error {
	return m.request(ctx, communityID, &request{Op: OpChannelDelete, ChannelID: channelID})
}

// AssignRole sets a member's permission bits. Assigning the bits a
// member already holds is a no-op, not an error.
func (m *Manager) AssignRole(ctx context.Context, communityID string, member [32]byte, perms Permission) error {
	return m.request(ctx, communityID, &request{Op: OpRoleAssign, Grant: &RoleGrant{Member: member, Permissions: perms}})
}

// RevokeRole clears a member's permission bits back to the default.
func (m *Manager) RevokeRole(ctx context.Context, communityID string, member [32]byte) error {
	return m.request(ctx, communityID, &request{Op: OpRoleRevoke, Target: &member})
}

// RemoveMember expels a member. The media key rotates as part of the
// same change, so content sent afterwards is dark to the removed
// member.
func (m *Manager) RemoveMember(ctx context.Context, communityID string, member [32]byte) error {
	return m.request(ctx, communityID, &request{Op: OpMemberRemove, Target: &member})
}

// RotateKey advances the community media key by one generation.
func (m *Manager) RotateKey(ctx context.Context, communityID string) error {
	return m.request(ctx, communityID, &request{Op: OpRotateKey})
}

// Resync refreshes the full community state from the record and the
// hosting node. Members that missed broadcasts call this to catch up.
func (m *Manager) Resync(ctx context.Context, communityID string) error {
	m.mu.Lock()
	h := m.hosted[communityID]
	c := m.joined[communityID]
	m.mu.Unlock()

	if h != nil {
		// The host is the source of truth; refresh only mirrors it.
		return nil
	}
	if c == nil {
		return fmt.Errorf("community %s: %w", communityID, ErrUnknownCommunity)
	}
	return c.resync(ctx)
}

// request routes an operation to the hosting side: applied directly
// when this node hosts the community, sent as an RPC otherwise.
func (m *Manager) request(ctx context.Context, communityID string, req *request) error {
	req.Community = communityID

	m.mu.Lock()
	h := m.hosted[communityID]
	c := m.joined[communityID]
	m.mu.Unlock()

	if h != nil {
		return h.applyLocal(ctx, req)
	}
	if c == nil {
		return fmt.Errorf("community %s: %w", communityID, ErrUnknownCommunity)
	}

	resp, err := m.call(ctx, c, req)
	if err != nil {
		return err
	}
	if err := codeError(resp.Code, resp.Detail); err != nil {
		// The host disowning us is authoritative, however we learn it.
		if errors.Is(err, ErrNotMember) {
			m.dropMembership(communityID, true)
		}
		return err
	}
	return nil
}

// Post sends channel content. Content is sealed under the current
// media key; when none is established yet it travels plain and an
// EncryptionPending event makes that visible.
func (m *Manager) Post(ctx context.Context, communityID, channelID string, content []byte) error {
	if len(content) == 0 {
		return errors.New("post content cannot be empty")
	}

	m.mu.Lock()
	h := m.hosted[communityID]
	c := m.joined[communityID]
	m.mu.Unlock()

	if h != nil {
		return h.post(channelID, content)
	}
	if c == nil {
		return fmt.Errorf("community %s: %w", communityID, ErrUnknownCommunity)
	}
	return c.post(communityID, channelID, content)
}

// Communities lists every hosted and joined community.
func (m *Manager) Communities() []Info {
	m.mu.Lock()
	hosted := make([]*host, 0, len(m.hosted))
	for _, h := range m.hosted {
		hosted = append(hosted, h)
	}
	joined := make([]*membership, 0, len(m.joined))
	for _, c := range m.joined {
		joined = append(joined, c)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(hosted)+len(joined))
	for _, h := range hosted {
		out = append(out, *h.info())
	}
	for _, c := range joined {
		out = append(out, *c.info())
	}
	return out
}

// Channels lists a community's channels.
func (m *Manager) Channels(communityID string) ([]Channel, error) {
	m.mu.Lock()
	h := m.hosted[communityID]
	c := m.joined[communityID]
	m.mu.Unlock()

	if h != nil {
		return h.channels(), nil
	}
	if c != nil {
		return c.channelList(), nil
	}
	return nil, fmt.Errorf("community %s: %w", communityID, ErrUnknownCommunity)
}

// Members lists a community's roster.
func (m *Manager) Members(communityID string) ([]Member, error) {
	m.mu.Lock()
	h := m.hosted[communityID]
	c := m.joined[communityID]
	m.mu.Unlock()

	if h != nil {
		return h.members(), nil
	}
	if c != nil {
		return c.memberList(), nil
	}
	return nil, fmt.Errorf("community %s: %w", communityID, ErrUnknownCommunity)
}

// Pseudonym returns this node's pseudonym public key inside a
// community.
func (m *Manager) Pseudonym(communityID string) ([32]byte, error) {
	id, err := m.pseudonym(communityID)
	if err != nil {
		return [32]byte{}, err
	}
	return id.PublicKey(), nil
}

// Close releases every hosted and joined community, wiping key
// material, and waits for in-flight broadcast processing.
func (m *Manager) Close() {
	m.mu.Lock()
	hosted := m.hosted
	joined := m.joined
	m.hosted = make(map[string]*host)
	m.joined = make(map[string]*membership)
	// Pending calls are left to time out; closing their channels would
	// race the response path.
	m.calls = make(map[[16]byte]*pendingCall)
	m.mu.Unlock()

	for _, h := range hosted {
		h.close()
	}
	for _, c := range joined {
		c.close()
	}
	m.wg.Wait()
}
