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
)

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// host is the authoritative side of one community this node hosts. All
// state changes funnel through apply; the record is a mirror of the
// in-memory state and self-heals on the next write if a flush fails.
type host struct {
	m     *Manager
	pseud *crypto.Identity

	mu      sync.Mutex
	handle  *records.Handle
	st      state
	bundle  *MEKBundle
	keyring *Keyring
	// routes maps member pseudonyms to their last-seen route tokens,
	// refreshed from every request. Routes stay in memory; they never
	// enter the shared record.
	routes map[[32]byte][]byte
	// links maps member pseudonyms to their node identities, learned
	// from the envelope layer. Media keys travel to nodes, not
	// pseudonyms, so distribution needs this.
	links map[[32]byte][32]byte
}

// applyOutcome is the post-commit work a request leaves behind: events
// to emit, a broadcast to fan out, and media keys to push through
// secure sessions. It is executed after the state lock is released.
type applyOutcome struct {
	bumped  bool
	op      Op
	seq     uint64
	events  []Event
	newKey  *MediaKey
	addedTo *[32]byte
}

// newHost creates a community: a fresh multi-writer record owned by
// the host pseudonym, a default channel, and generation zero of the
// media key sealed to the only member so far.
func newHost(ctx context.Context, m *Manager, id, name, displayName string, pseud *crypto.Identity) (*host, error) {
	schema := records.MultiWriter([][32]byte{pseud.PublicKey()}, RecordSubkeys)
	handle, err := m.store.Create(ctx, schema, pseud.Signing)
	if err != nil {
		return nil, fmt.Errorf("create community record: %w", err)
	}

	now := nowMillis()
	h := &host{
		m:       m,
		pseud:   pseud,
		handle:  handle,
		keyring: NewKeyring(),
		routes:  make(map[[32]byte][]byte),
		links:   make(map[[32]byte][32]byte),
	}
	h.st = state{
		meta: Metadata{
			ID:           id,
			Name:         name,
			Host:         pseud.PublicKey(),
			HostExchange: pseud.Exchange.Public,
			CreatedAt:    now,
			Seq:          1,
		},
		channels: []Channel{{ID: uuid.NewString(), Name: "general", Created: now}},
		roster: []Member{{
			Pseudonym: pseud.PublicKey(),
			Exchange:  pseud.Exchange.Public,
			Name:      displayName,
			JoinedAt:  now,
		}},
		roles: []RoleGrant{{Member: pseud.PublicKey(), Permissions: PermAll}},
	}

	mek, err := GenerateMEK()
	if err != nil {
		m.store.Close(handle)
		return nil, err
	}
	h.keyring.Install(mek)
	if err := h.resealLocked(); err != nil {
		m.store.Close(handle)
		return nil, err
	}

	if err := h.writeLocked(ctx, SubkeyChannels, SubkeyRoster, SubkeyRoles, SubkeyInvites, SubkeyMEKBundle, SubkeyHostRoute); err != nil {
		m.store.Close(handle)
		return nil, fmt.Errorf("write community record: %w", err)
	}
	return h, nil
}

// reopenHost resumes hosting from the community record after a
// restart. The media key comes back from the host's own sealed bundle
// entry; member routes and node links rebuild as members reconnect.
func reopenHost(ctx context.Context, m *Manager, id string, key records.Key, pseud *crypto.Identity) (*host, error) {
	handle, err := m.store.Open(ctx, key, pseud.Signing)
	if err != nil {
		return nil, fmt.Errorf("open community record: %w", err)
	}

	h := &host{
		m:       m,
		pseud:   pseud,
		handle:  handle,
		keyring: NewKeyring(),
		routes:  make(map[[32]byte][]byte),
		links:   make(map[[32]byte][32]byte),
	}
	if err := h.loadLocked(ctx); err != nil {
		m.store.Close(handle)
		return nil, err
	}
	if h.st.meta.ID != id {
		m.store.Close(handle)
		return nil, fmt.Errorf("record holds community %s, not %s", h.st.meta.ID, id)
	}
	if h.st.meta.Host != pseud.PublicKey() {
		m.store.Close(handle)
		return nil, errors.New("community record is hosted by a different pseudonym")
	}

	if h.bundle != nil {
		mek, err := unsealBundle(h.bundle, pseud)
		if err != nil {
			m.store.Close(handle)
			return nil, fmt.Errorf("recover media key: %w", err)
		}
		h.keyring.Install(mek)
	}

	// Republish reachability; the old token died with the old process.
	if err := h.writeLocked(ctx, SubkeyHostRoute); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "reopenHost",
			"community": id,
			"error":     err,
		}).Warn("Failed to republish host route")
	}
	return h, nil
}

// loadLocked reads the full record into memory.
func (h *host) loadLocked(ctx context.Context) error {
	read := func(subkey int, v any) error {
		data, err := h.m.store.Read(ctx, h.handle, subkey, true)
		if err != nil {
			if errors.Is(err, records.ErrNotFound) {
				return nil
			}
			return err
		}
		return decodeInto(data, v)
	}

	if err := read(SubkeyMetadata, &h.st.meta); err != nil {
		return err
	}
	if err := read(SubkeyChannels, &h.st.channels); err != nil {
		return err
	}
	if err := read(SubkeyRoster, &h.st.roster); err != nil {
		return err
	}
	if err := read(SubkeyRoles, &h.st.roles); err != nil {
		return err
	}
	if err := read(SubkeyInvites, &h.st.invites); err != nil {
		return err
	}
	var bundle MEKBundle
	if err := read(SubkeyMEKBundle, &bundle); err != nil {
		return err
	}
	if len(bundle.Keys) > 0 {
		h.bundle = &bundle
	}
	return nil
}

// unsealBundle recovers this pseudonym's media key from a sealed
// bundle.
func unsealBundle(bundle *MEKBundle, pseud *crypto.Identity) (*MediaKey, error) {
	self := pseud.PublicKey()
	for _, sk := range bundle.Keys {
		if sk.Member != self {
			continue
		}
		plain, err := crypto.Decrypt(sk.Box, sk.Nonce, bundle.Sealer, pseud.Exchange.Private)
		if err != nil {
			return nil, err
		}
		if len(plain) != 32 {
			crypto.ZeroBytes(plain)
			return nil, ErrMalformedContent
		}
		mk := &MediaKey{Generation: bundle.Generation}
		copy(mk.Key[:], plain)
		crypto.ZeroBytes(plain)
		return mk, nil
	}
	return nil, ErrNoMediaKey
}

// resealLocked rebuilds the record bundle: the current media key boxed
// to every roster member, the host included, so any of them can
// recover it from the record alone.
func (h *host) resealLocked() error {
	mk := h.keyring.Current()
	if mk == nil {
		return ErrNoMediaKey
	}

	bundle := &MEKBundle{
		Generation: mk.Generation,
		Sealer:     h.pseud.Exchange.Public,
		Keys:       make([]SealedKey, 0, len(h.st.roster)),
	}
	for _, mem := range h.st.roster {
		nonce, err := crypto.GenerateNonce()
		if err != nil {
			return err
		}
		box, err := crypto.Encrypt(mk.Key[:], nonce, mem.Exchange, h.pseud.Exchange.Private)
		if err != nil {
			return fmt.Errorf("seal media key for %x: %w", mem.Pseudonym[:8], err)
		}
		bundle.Keys = append(bundle.Keys, SealedKey{Member: mem.Pseudonym, Nonce: nonce, Box: box})
	}
	h.bundle = bundle
	return nil
}

// writeLocked flushes the metadata header plus the named subkeys to
// the record.
func (h *host) writeLocked(ctx context.Context, subkeys ...int) error {
	flush := func(subkey int) error {
		var (
			data []byte
			err  error
		)
		switch subkey {
		case SubkeyMetadata:
			data, err = encodeSubkey(&h.st.meta)
		case SubkeyChannels:
			data, err = encodeSubkey(h.st.channels)
		case SubkeyRoster:
			data, err = encodeSubkey(h.st.roster)
		case SubkeyRoles:
			data, err = encodeSubkey(h.st.roles)
		case SubkeyInvites:
			data, err = encodeSubkey(h.st.invites)
		case SubkeyMEKBundle:
			data, err = encodeSubkey(h.bundle)
		case SubkeyHostRoute:
			data = h.m.replyRoute()
		}
		if err != nil {
			return err
		}
		return h.m.store.Write(ctx, h.handle, subkey, data)
	}

	if err := flush(SubkeyMetadata); err != nil {
		return err
	}
	for _, subkey := range subkeys {
		if err := flush(subkey); err != nil {
			return err
		}
	}
	return nil
}

// handleRequest runs one member request end to end: verify, apply,
// respond, then fan out the post-commit work.
func (h *host) handleRequest(ctx context.Context, req *request, node [32]byte) {
	resp, out := h.apply(ctx, req, node)

	if len(req.ReplyTo) > 0 {
		if err := h.m.sendRPC(req.ReplyTo, h.pseud, &rpcMessage{Response: resp}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "handleRequest",
				"community": h.st.meta.ID,
				"op":        req.Op.String(),
				"error":     err,
			}).Debug("Failed to send response")
		}
	}
	h.finish(ctx, out, req.Requester)
}

// applyLocal runs an operation issued by the hosting node itself,
// through the same code path member requests take.
func (h *host) applyLocal(ctx context.Context, req *request) error {
	req.ID = [16]byte(uuid.New())
	req.Requester = h.pseud.PublicKey()
	if err := signRequest(req, h.pseud); err != nil {
		return err
	}

	resp, out := h.apply(ctx, req, h.m.identity.PublicKey())
	h.finish(ctx, out, req.Requester)
	return codeError(resp.Code, resp.Detail)
}

// apply validates and executes one request under the state lock. It
// returns the response and the work to perform after unlocking.
func (h *host) apply(ctx context.Context, req *request, node [32]byte) (*response, applyOutcome) {
	resp := &response{ID: req.ID}
	var out applyOutcome
	out.op = req.Op

	if !verifyRequest(req) {
		resp.Code = codeBadRequest
		resp.Detail = "bad pseudonym signature"
		return resp, out
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if req.Community != h.st.meta.ID {
		resp.Code = codeUnknownCommunity
		return resp, out
	}

	// Reachability bookkeeping happens even when the operation fails;
	// a denied member still reached us through a live route.
	if len(req.ReplyTo) > 0 {
		h.routes[req.Requester] = append([]byte(nil), req.ReplyTo...)
	}
	h.links[req.Requester] = node

	member := h.st.member(req.Requester)
	if member == nil && req.Op != OpMemberAdd {
		resp.Code = codeNotMember
		return resp, out
	}
	perms := h.st.permissions(req.Requester)

	var dirty []int
	switch req.Op {
	case OpMemberAdd:
		dirty = h.applyMemberAdd(req, node, resp, &out)
	case OpMemberRemove:
		dirty = h.applyMemberRemove(req, perms, resp, &out)
	case OpChannelCreate:
		dirty = h.applyChannelCreate(req, perms, resp, &out)
	case OpChannelUpdate:
		dirty = h.applyChannelUpdate(req, perms, resp, &out)
	case OpChannelDelete:
		dirty = h.applyChannelDelete(req, perms, resp, &out)
	case OpRoleAssign:
		dirty = h.applyRoleAssign(req, perms, resp, &out)
	case OpRoleRevoke:
		dirty = h.applyRoleRevoke(req, perms, resp, &out)
	case OpRotateKey:
		dirty = h.applyRotateKey(perms, resp, &out)
	case OpResync:
		resp.Code = codeOK
	case OpInviteIssue:
		dirty = h.applyInviteIssue(req, perms, resp)
	default:
		resp.Code = codeBadRequest
		resp.Detail = "unknown operation"
	}

	if out.bumped {
		h.st.meta.Seq++
		out.seq = h.st.meta.Seq
	}
	if len(dirty) > 0 || out.bumped {
		if err := h.writeLocked(ctx, dirty...); err != nil {
			// Memory is authoritative. The record catches up on the
			// next successful flush because subkey writes carry the
			// full slice.
			logrus.WithFields(logrus.Fields{
				"function":  "apply",
				"community": h.st.meta.ID,
				"op":        req.Op.String(),
				"error":     err,
			}).Warn("Failed to flush community record")
		}
	}
	resp.Seq = h.st.meta.Seq
	return resp, out
}

func (h *host) applyMemberAdd(req *request, node [32]byte, resp *response, out *applyOutcome) []int {
	if req.Member == nil || req.Member.Pseudonym != req.Requester || isZero(req.Member.Exchange) {
		resp.Code = codeBadRequest
		resp.Detail = "join must carry the requester's own member entry"
		return nil
	}
	if h.st.member(req.Requester) != nil {
		// Rejoin. The roster entry stands; only reachability was stale.
		resp.Code = codeOK
		return nil
	}

	inv := h.st.invite(req.InviteID)
	if inv == nil {
		resp.Code = codeBadInvite
		resp.Detail = "invite unknown or already used"
		return nil
	}
	h.st.invites = removeInvite(h.st.invites, inv.ID)

	entry := *req.Member
	entry.JoinedAt = nowMillis()
	h.st.roster = append(h.st.roster, entry)
	h.st.roles = append(h.st.roles, RoleGrant{Member: entry.Pseudonym, Permissions: DefaultMemberPermissions})

	if err := h.resealLocked(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "applyMemberAdd",
			"community": h.st.meta.ID,
			"error":     err,
		}).Error("Failed to reseal media key bundle")
	}

	resp.Code = codeOK
	out.bumped = true
	out.events = append(out.events, Event{
		Community: h.st.meta.ID,
		Kind:      EventMemberJoined,
		Member:    entry.Pseudonym,
	})
	out.addedTo = &node
	return []int{SubkeyRoster, SubkeyRoles, SubkeyInvites, SubkeyMEKBundle}
}

func (h *host) applyMemberRemove(req *request, perms Permission, resp *response, out *applyOutcome) []int {
	if req.Target == nil {
		resp.Code = codeBadRequest
		resp.Detail = "remove needs a target"
		return nil
	}
	target := *req.Target
	if target == h.st.meta.Host {
		resp.Code = codeDenied
		resp.Detail = "the host cannot be removed"
		return nil
	}
	if target != req.Requester && perms&PermManageMembers == 0 {
		resp.Code = codeDenied
		return nil
	}
	if h.st.member(target) == nil {
		resp.Code = codeOK
		return nil
	}

	h.st.roster = removeMember(h.st.roster, target)
	h.st.roles = removeGrant(h.st.roles, target)
	delete(h.routes, target)
	delete(h.links, target)

	// Removal always rotates: content sealed from here on is dark to
	// the removed member even though they still hold old generations.
	mek, err := Rotate(h.keyring.Current())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "applyMemberRemove",
			"community": h.st.meta.ID,
			"error":     err,
		}).Error("Failed to rotate media key")
	} else {
		h.keyring.Install(mek)
		out.newKey = mek
		if err := h.resealLocked(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "applyMemberRemove",
				"community": h.st.meta.ID,
				"error":     err,
			}).Error("Failed to reseal media key bundle")
		}
	}

	resp.Code = codeOK
	out.bumped = true
	out.events = append(out.events,
		Event{Community: h.st.meta.ID, Kind: EventMemberRemoved, Member: target},
	)
	if mek != nil {
		out.events = append(out.events,
			Event{Community: h.st.meta.ID, Kind: EventKeyRotated, Generation: mek.Generation},
		)
	}
	return []int{SubkeyRoster, SubkeyRoles, SubkeyMEKBundle}
}

func (h *host) applyChannelCreate(req *request, perms Permission, resp *response, out *applyOutcome) []int {
	if perms&PermManageChannels == 0 {
		resp.Code = codeDenied
		return nil
	}
	if req.Channel == nil || req.Channel.ID == "" || req.Channel.Name == "" {
		resp.Code = codeBadRequest
		resp.Detail = "channel needs an id and a name"
		return nil
	}
	if h.st.channel(req.Channel.ID) != nil {
		resp.Code = codeOK
		return nil
	}

	ch := *req.Channel
	ch.Created = nowMillis()
	h.st.channels = append(h.st.channels, ch)

	resp.Code = codeOK
	out.bumped = true
	out.events = append(out.events, Event{Community: h.st.meta.ID, Kind: EventChannelCreated, Channel: ch.ID})
	return []int{SubkeyChannels}
}

func (h *host) applyChannelUpdate(req *request, perms Permission, resp *response, out *applyOutcome) []int {
	if perms&PermManageChannels == 0 {
		resp.Code = codeDenied
		return nil
	}
	if req.Channel == nil || req.Channel.ID == "" {
		resp.Code = codeBadRequest
		resp.Detail = "update needs a channel id"
		return nil
	}
	ch := h.st.channel(req.Channel.ID)
	if ch == nil {
		resp.Code = codeBadRequest
		resp.Detail = "unknown channel"
		return nil
	}

	name := ch.Name
	if req.Channel.Name != "" {
		name = req.Channel.Name
	}
	if name == ch.Name && req.Channel.Topic == ch.Topic {
		resp.Code = codeOK
		return nil
	}
	ch.Name = name
	ch.Topic = req.Channel.Topic

	resp.Code = codeOK
	out.bumped = true
	out.events = append(out.events, Event{Community: h.st.meta.ID, Kind: EventChannelUpdated, Channel: ch.ID})
	return []int{SubkeyChannels}
}

func (h *host) applyChannelDelete(req *request, perms Permission, resp *response, out *applyOutcome) []int {
	if perms&PermManageChannels == 0 {
		resp.Code = codeDenied
		return nil
	}
	if req.ChannelID == "" {
		resp.Code = codeBadRequest
		resp.Detail = "delete needs a channel id"
		return nil
	}
	if h.st.channel(req.ChannelID) == nil {
		resp.Code = codeOK
		return nil
	}

	kept := h.st.channels[:0]
	for _, ch := range h.st.channels {
		if ch.ID != req.ChannelID {
			kept = append(kept, ch)
		}
	}
	h.st.channels = kept

	resp.Code = codeOK
	out.bumped = true
	out.events = append(out.events, Event{Community: h.st.meta.ID, Kind: EventChannelDeleted, Channel: req.ChannelID})
	return []int{SubkeyChannels}
}

func (h *host) applyRoleAssign(req *request, perms Permission, resp *response, out *applyOutcome) []int {
	if perms&PermManageRoles == 0 {
		resp.Code = codeDenied
		return nil
	}
	if req.Grant == nil {
		resp.Code = codeBadRequest
		resp.Detail = "assign needs a grant"
		return nil
	}
	if req.Grant.Member == h.st.meta.Host {
		resp.Code = codeDenied
		resp.Detail = "the host role is fixed"
		return nil
	}
	if h.st.member(req.Grant.Member) == nil {
		resp.Code = codeBadRequest
		resp.Detail = "target is not a member"
		return nil
	}
	if h.st.permissions(req.Grant.Member) == req.Grant.Permissions {
		resp.Code = codeOK
		return nil
	}

	h.st.roles = setGrant(h.st.roles, *req.Grant)

	resp.Code = codeOK
	out.bumped = true
	out.events = append(out.events, Event{Community: h.st.meta.ID, Kind: EventRoleChanged, Member: req.Grant.Member})
	return []int{SubkeyRoles}
}

func (h *host) applyRoleRevoke(req *request, perms Permission, resp *response, out *applyOutcome) []int {
	if perms&PermManageRoles == 0 {
		resp.Code = codeDenied
		return nil
	}
	if req.Target == nil {
		resp.Code = codeBadRequest
		resp.Detail = "revoke needs a target"
		return nil
	}
	target := *req.Target
	if target == h.st.meta.Host {
		resp.Code = codeDenied
		resp.Detail = "the host role is fixed"
		return nil
	}
	if h.st.member(target) == nil {
		resp.Code = codeBadRequest
		resp.Detail = "target is not a member"
		return nil
	}
	if h.st.permissions(target) == DefaultMemberPermissions {
		resp.Code = codeOK
		return nil
	}

	h.st.roles = setGrant(h.st.roles, RoleGrant{Member: target, Permissions: DefaultMemberPermissions})

	resp.Code = codeOK
	out.bumped = true
	out.events = append(out.events, Event{Community: h.st.meta.ID, Kind: EventRoleChanged, Member: target})
	return []int{SubkeyRoles}
}

func (h *host) applyRotateKey(perms Permission, resp *response, out *applyOutcome) []int {
	if perms&PermRotateKey == 0 {
		resp.Code = codeDenied
		return nil
	}

	mek, err := Rotate(h.keyring.Current())
	if err != nil {
		resp.Code = codeBadRequest
		resp.Detail = "key rotation failed"
		return nil
	}
	h.keyring.Install(mek)
	if err := h.resealLocked(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "applyRotateKey",
			"community": h.st.meta.ID,
			"error":     err,
		}).Error("Failed to reseal media key bundle")
	}

	resp.Code = codeOK
	out.bumped = true
	out.newKey = mek
	out.events = append(out.events, Event{Community: h.st.meta.ID, Kind: EventKeyRotated, Generation: mek.Generation})
	return []int{SubkeyMEKBundle}
}

func (h *host) applyInviteIssue(req *request, perms Permission, resp *response) []int {
	if perms&PermInvite == 0 {
		resp.Code = codeDenied
		return nil
	}

	inv := IssuedInvite{ID: uuid.NewString(), CreatedBy: req.Requester, CreatedAt: nowMillis()}
	h.st.invites = append(h.st.invites, inv)

	resp.Code = codeOK
	resp.Invite = inv.ID
	// Invites are host bookkeeping, invisible to members; no seq bump,
	// no broadcast.
	return []int{SubkeyInvites}
}

// finish runs the post-commit work: events, the change broadcast, and
// secure media-key distribution. Never called with the state lock
// held.
func (h *host) finish(ctx context.Context, out applyOutcome, requester [32]byte) {
	for _, ev := range out.events {
		h.m.emit(ev)
	}

	if out.bumped {
		h.fanBroadcast(&broadcast{Community: h.st.meta.ID, Seq: out.seq, Op: out.op}, requester)
	}

	if out.newKey != nil {
		h.distributeKey(ctx, out.newKey, nil)
	} else if out.addedTo != nil {
		if mk := h.keyring.Current(); mk != nil {
			h.distributeKey(ctx, mk, out.addedTo)
		}
	}
}

// fanBroadcast pushes a change notice to every member route except the
// member who caused it, who already has the response.
func (h *host) fanBroadcast(bc *broadcast, except [32]byte) {
	h.mu.Lock()
	targets := make(map[[32]byte][]byte, len(h.routes))
	for pseud, token := range h.routes {
		if pseud == except || h.st.member(pseud) == nil {
			continue
		}
		targets[pseud] = token
	}
	h.mu.Unlock()

	for pseud, token := range targets {
		if err := h.m.sendRPC(token, h.pseud, &rpcMessage{Broadcast: bc}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "fanBroadcast",
				"community": bc.Community,
				"member":    fmt.Sprintf("%x", pseud[:8]),
				"error":     err,
			}).Debug("Broadcast not delivered")
		}
	}
}

// distributeKey pushes a media key through secure sessions: to one
// node when only is set, to every linked member node otherwise. The
// record bundle stays the authoritative copy; failures here only delay
// a member until it re-reads the record.
func (h *host) distributeKey(ctx context.Context, mk *MediaKey, only *[32]byte) {
	h.m.mu.Lock()
	push := h.m.secureSend
	h.m.mu.Unlock()
	if push == nil {
		return
	}

	drop := &keyDrop{Community: h.st.meta.ID, Generation: mk.Generation, Key: mk.Key}
	if err := signKeyDrop(drop, h.pseud); err != nil {
		return
	}
	body, err := cbor.Marshal(drop)
	if err != nil {
		return
	}

	var nodes [][32]byte
	if only != nil {
		nodes = [][32]byte{*only}
	} else {
		h.mu.Lock()
		for pseud, node := range h.links {
			if h.st.member(pseud) == nil {
				continue
			}
			nodes = append(nodes, node)
		}
		h.mu.Unlock()
	}

	self := h.m.identity.PublicKey()
	for _, node := range nodes {
		if node == self {
			continue
		}
		if err := push(ctx, node, envelope.KindMEKDistribute, body); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "distributeKey",
				"community": h.st.meta.ID,
				"node":      fmt.Sprintf("%x", node[:8]),
				"error":     err,
			}).Debug("Key distribution deferred to record bundle")
		}
	}
}

// issueInvite mints a single-use invite directly on the hosting node.
func (h *host) issueInvite(ctx context.Context) (*Invite, error) {
	h.mu.Lock()
	inv := IssuedInvite{ID: uuid.NewString(), CreatedBy: h.pseud.PublicKey(), CreatedAt: nowMillis()}
	h.st.invites = append(h.st.invites, inv)
	err := h.writeLocked(ctx, SubkeyInvites)
	meta := h.st.meta
	key := h.handle.Key
	h.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("write invite: %w", err)
	}
	return &Invite{
		CommunityID: meta.ID,
		Name:        meta.Name,
		RecordKey:   key,
		InviteID:    inv.ID,
		Host:        meta.Host,
	}, nil
}

// handlePost validates a member's channel content and fans it out.
// The hosting node is a participant too, so valid posts also surface
// as local message events.
func (h *host) handlePost(p *post, node [32]byte) {
	if !verifyPost(p) {
		logrus.WithFields(logrus.Fields{
			"function":  "handlePost",
			"community": p.Community,
		}).Debug("Dropped post with bad signature")
		return
	}

	h.mu.Lock()
	member := h.st.member(p.Author)
	perms := h.st.permissions(p.Author)
	channelOK := h.st.channel(p.ChannelID) != nil
	_, hasKey := h.keyring.Generation()
	if member != nil {
		h.links[p.Author] = node
	}
	h.mu.Unlock()

	if member == nil || perms&PermMessage == 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "handlePost",
			"community": p.Community,
			"author":    fmt.Sprintf("%x", p.Author[:8]),
		}).Warn("Dropped post from non-member or muted member")
		return
	}
	if !channelOK {
		return
	}
	if hasKey && len(p.Sealed) == 0 {
		// Plaintext is only tolerated before any media key exists.
		logrus.WithFields(logrus.Fields{
			"function":  "handlePost",
			"community": p.Community,
			"author":    fmt.Sprintf("%x", p.Author[:8]),
		}).Warn("Dropped plaintext post in keyed community")
		return
	}

	h.fanPost(p, p.Author)
	if ev, ok := h.postEvent(p); ok {
		h.m.emit(ev)
	}
}

// fanPost relays content to every member route except the author's.
func (h *host) fanPost(p *post, except [32]byte) {
	h.mu.Lock()
	targets := make(map[[32]byte][]byte, len(h.routes))
	for pseud, token := range h.routes {
		if pseud == except || h.st.member(pseud) == nil {
			continue
		}
		targets[pseud] = token
	}
	h.mu.Unlock()

	for pseud, token := range targets {
		if err := h.m.sendRPC(token, h.pseud, &rpcMessage{Post: p}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "fanPost",
				"community": p.Community,
				"member":    fmt.Sprintf("%x", pseud[:8]),
				"error":     err,
			}).Debug("Post not relayed")
		}
	}
}

// postEvent turns a validated post into the local message event,
// opening sealed content with the keyring. Content sealed under a
// generation this keyring no longer holds yields no event.
func (h *host) postEvent(p *post) (Event, bool) {
	ev := Event{
		Community: p.Community,
		Kind:      EventMessage,
		Channel:   p.ChannelID,
		Author:    p.Author,
	}
	if len(p.Sealed) > 0 {
		plain, err := h.keyring.Open(p.Sealed)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "postEvent",
				"community": p.Community,
				"error":     err,
			}).Debug("Cannot open sealed content")
			return ev, false
		}
		ev.Content = plain
		ev.Encrypted = true
		return ev, true
	}
	ev.Content = p.Plain
	return ev, true
}

// post sends the hosting node's own channel content. The host always
// holds the current media key, so its content is always sealed.
func (h *host) post(channelID string, content []byte) error {
	h.mu.Lock()
	channelOK := h.st.channel(channelID) != nil
	community := h.st.meta.ID
	h.mu.Unlock()

	if !channelOK {
		return fmt.Errorf("unknown channel %s", channelID)
	}

	sealed, err := h.keyring.Seal(content)
	if err != nil {
		return err
	}
	p := &post{
		Community: community,
		ChannelID: channelID,
		Author:    h.pseud.PublicKey(),
		Sealed:    sealed,
		SentAt:    nowMillis(),
	}
	if err := signPost(p, h.pseud); err != nil {
		return err
	}
	h.fanPost(p, p.Author)
	return nil
}

// info snapshots the hosted community.
func (h *host) info() *Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	gen, has := h.keyring.Generation()
	return &Info{
		ID:         h.st.meta.ID,
		Name:       h.st.meta.Name,
		RecordKey:  h.handle.Key,
		Hosting:    true,
		Pseudonym:  h.pseud.PublicKey(),
		Members:    len(h.st.roster),
		Channels:   len(h.st.channels),
		Seq:        h.st.meta.Seq,
		Generation: gen,
		HasKey:     has,
	}
}

func (h *host) channels() []Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Channel, len(h.st.channels))
	copy(out, h.st.channels)
	return out
}

func (h *host) members() []Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Member, len(h.st.roster))
	copy(out, h.st.roster)
	return out
}

// close releases the record handle and wipes key material. The
// community itself lives on in the record.
func (h *host) close() {
	h.mu.Lock()
	handle := h.handle
	h.handle = nil
	h.mu.Unlock()

	if handle != nil {
		h.m.store.Close(handle)
	}
	h.keyring.Wipe()
}

func isZero(key [32]byte) bool {
	var zero [32]byte
	return key == zero
}

func removeInvite(invites []IssuedInvite, id string) []IssuedInvite {
	kept := invites[:0]
	for _, inv := range invites {
		if inv.ID != id {
			kept = append(kept, inv)
		}
	}
	return kept
}

func removeMember(roster []Member, pseudonym [32]byte) []Member {
	kept := roster[:0]
	for _, mem := range roster {
		if mem.Pseudonym != pseudonym {
			kept = append(kept, mem)
		}
	}
	return kept
}

func removeGrant(grants []RoleGrant, member [32]byte) []RoleGrant {
	kept := grants[:0]
	for _, g := range grants {
		if g.Member != member {
			kept = append(kept, g)
		}
	}
	return kept
}

func setGrant(grants []RoleGrant, grant RoleGrant) []RoleGrant {
	for i := range grants {
		if grants[i].Member == grant.Member {
			grants[i] = grant
			return grants
		}
	}
	return append(grants, grant)
}
