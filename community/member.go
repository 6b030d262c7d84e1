package community

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/crypto"
	"github.com/opd-ai/wisp/records"
)

// membership is the member side of one joined community: a read-only
// mirror of the record, kept current by host broadcasts and resync.
type membership struct {
	m     *Manager
	id    string
	pseud *crypto.Identity

	mu        sync.Mutex
	handle    *records.Handle
	st        state
	keyring   *Keyring
	hostRoute []byte
	resyncing bool
}

// joinCommunity opens the community record named by an invite, asks
// the host to add this node's pseudonym to the roster, and primes the
// local mirror. The invite pins the host pseudonym, so a swapped
// record cannot impersonate the community.
func joinCommunity(ctx context.Context, m *Manager, inv *Invite, pseud *crypto.Identity, displayName string) (*membership, error) {
	handle, err := m.store.Open(ctx, inv.RecordKey, nil)
	if err != nil {
		return nil, fmt.Errorf("open community record: %w", err)
	}

	c := &membership{
		m:       m,
		id:      inv.CommunityID,
		pseud:   pseud,
		handle:  handle,
		keyring: NewKeyring(),
	}
	if err := c.loadMeta(ctx); err != nil {
		m.store.Close(handle)
		return nil, err
	}
	if c.st.meta.ID != inv.CommunityID {
		m.store.Close(handle)
		return nil, fmt.Errorf("record holds community %s, not %s", c.st.meta.ID, inv.CommunityID)
	}
	if c.st.meta.Host != inv.Host {
		m.store.Close(handle)
		return nil, errors.New("community record host does not match the invite")
	}

	resp, err := m.call(ctx, c, &request{
		Community: inv.CommunityID,
		Op:        OpMemberAdd,
		InviteID:  inv.InviteID,
		Member: &Member{
			Pseudonym: pseud.PublicKey(),
			Exchange:  pseud.Exchange.Public,
			Name:      displayName,
		},
	})
	if err == nil {
		err = codeError(resp.Code, resp.Detail)
	}
	if err != nil {
		m.store.Close(handle)
		return nil, err
	}

	if err := c.refresh(ctx, false); err != nil {
		m.store.Close(handle)
		return nil, err
	}
	return c, nil
}

// rejoinCommunity reattaches to an already-joined community after a
// restart. Membership is proven by the deterministic pseudonym already
// sitting in the roster; the host is pinged best-effort to refresh
// reachability.
func rejoinCommunity(ctx context.Context, m *Manager, id string, key records.Key, pseud *crypto.Identity) (*membership, error) {
	handle, err := m.store.Open(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open community record: %w", err)
	}

	c := &membership{
		m:       m,
		id:      id,
		pseud:   pseud,
		handle:  handle,
		keyring: NewKeyring(),
	}
	if err := c.loadMeta(ctx); err != nil {
		m.store.Close(handle)
		return nil, err
	}
	if c.st.meta.ID != id {
		m.store.Close(handle)
		return nil, fmt.Errorf("record holds community %s, not %s", c.st.meta.ID, id)
	}

	if err := c.refresh(ctx, false); err != nil {
		m.store.Close(handle)
		return nil, err
	}
	if c.memberSelf() == nil {
		m.store.Close(handle)
		return nil, fmt.Errorf("community %s: %w", id, ErrNotMember)
	}

	// Tell the host we are reachable again. Failure is fine; the next
	// request or broadcast heals it.
	if resp, err := m.call(ctx, c, &request{Community: id, Op: OpResync}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "rejoinCommunity",
			"community": id,
			"error":     err,
		}).Debug("Host unreachable during rejoin")
	} else if err := codeError(resp.Code, resp.Detail); errors.Is(err, ErrNotMember) {
		m.store.Close(handle)
		return nil, fmt.Errorf("community %s: %w", id, ErrNotMember)
	}
	return c, nil
}

// loadMeta reads only the metadata subkey, enough to know who hosts
// the community and where its state sequence stands.
func (c *membership) loadMeta(ctx context.Context) error {
	data, err := c.m.store.Read(ctx, c.handle, SubkeyMetadata, true)
	if err != nil {
		return fmt.Errorf("read community metadata: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return decodeInto(data, &c.st.meta)
}

// refresh replaces the whole mirror from the record. With emitEvents
// set, differences against the previous mirror surface as events, so
// a refresh after missed broadcasts tells the application exactly
// what changed.
func (c *membership) refresh(ctx context.Context, emitEvents bool) error {
	var fresh state
	read := func(subkey int, v any) error {
		data, err := c.m.store.Read(ctx, c.handle, subkey, true)
		if err != nil {
			if errors.Is(err, records.ErrNotFound) {
				return nil
			}
			return err
		}
		return decodeInto(data, v)
	}

	if err := read(SubkeyMetadata, &fresh.meta); err != nil {
		return err
	}
	if err := read(SubkeyChannels, &fresh.channels); err != nil {
		return err
	}
	if err := read(SubkeyRoster, &fresh.roster); err != nil {
		return err
	}
	if err := read(SubkeyRoles, &fresh.roles); err != nil {
		return err
	}
	var bundle MEKBundle
	if err := read(SubkeyMEKBundle, &bundle); err != nil {
		return err
	}
	var route []byte
	if data, err := c.m.store.Read(ctx, c.handle, SubkeyHostRoute, true); err == nil && len(data) > 0 {
		route = data
	}

	c.mu.Lock()
	if fresh.meta.Seq < c.st.meta.Seq {
		// The record lagged behind what we already mirrored; keep ours.
		c.mu.Unlock()
		return nil
	}
	old := c.st
	c.st = fresh
	if route != nil {
		c.hostRoute = route
	}
	self := c.pseud.PublicKey()
	removed := fresh.member(self) == nil && old.member(self) != nil
	c.mu.Unlock()

	c.installFromBundle(&bundle, emitEvents)

	if emitEvents {
		for _, ev := range diffStates(c.id, &old, &fresh) {
			c.m.emit(ev)
		}
	}
	if removed {
		c.m.dropMembership(c.id, true)
	}
	return nil
}

// installFromBundle recovers this member's media key from the record
// bundle. The bundle must be sealed by the host's exchange key; being
// absent from it usually means a rotation just excluded us.
func (c *membership) installFromBundle(bundle *MEKBundle, emitEvents bool) {
	if bundle == nil || len(bundle.Keys) == 0 {
		return
	}

	c.mu.Lock()
	hostExchange := c.st.meta.HostExchange
	c.mu.Unlock()
	if bundle.Sealer != hostExchange {
		logrus.WithFields(logrus.Fields{
			"function":  "installFromBundle",
			"community": c.id,
		}).Warn("Media key bundle sealed by an unexpected key")
		return
	}

	prevGen, hadKey := c.keyring.Generation()
	mk, err := unsealBundle(bundle, c.pseud)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "installFromBundle",
			"community": c.id,
			"error":     err,
		}).Debug("No media key recoverable from bundle")
		return
	}
	c.keyring.Install(mk)

	if emitEvents && (!hadKey || mk.Generation > prevGen) {
		c.m.emit(Event{Community: c.id, Kind: EventKeyRotated, Generation: mk.Generation})
	}
}

// installKey adopts a media key pushed through a secure session.
func (c *membership) installKey(mk *MediaKey) {
	prevGen, hadKey := c.keyring.Generation()
	c.keyring.Install(mk)
	if !hadKey || mk.Generation > prevGen {
		c.m.emit(Event{Community: c.id, Kind: EventKeyRotated, Generation: mk.Generation})
	}
}

// applyBroadcast folds one host change notice into the mirror. A
// sequence gap means missed broadcasts, which escalates to a full
// resync.
func (c *membership) applyBroadcast(ctx context.Context, bc *broadcast) {
	c.mu.Lock()
	current := c.st.meta.Seq
	c.mu.Unlock()

	if bc.Seq <= current {
		return
	}
	if bc.Seq > current+1 {
		logrus.WithFields(logrus.Fields{
			"function":  "applyBroadcast",
			"community": c.id,
			"have":      current,
			"got":       bc.Seq,
		}).Info("Missed community broadcasts, resyncing")
		if err := c.resync(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "applyBroadcast",
				"community": c.id,
				"error":     err,
			}).Warn("Resync failed")
		}
		return
	}

	if err := c.refresh(ctx, true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "applyBroadcast",
			"community": c.id,
			"op":        bc.Op.String(),
			"error":     err,
		}).Warn("Failed to refresh community state")
	}
}

// resync pulls the authoritative sequence from the host, then rebuilds
// the mirror from the record. Concurrent resyncs collapse into one.
func (c *membership) resync(ctx context.Context) error {
	c.mu.Lock()
	if c.resyncing {
		c.mu.Unlock()
		return nil
	}
	c.resyncing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.resyncing = false
		c.mu.Unlock()
	}()

	resp, err := c.m.call(ctx, c, &request{Community: c.id, Op: OpResync})
	if err != nil {
		return err
	}
	if err := codeError(resp.Code, resp.Detail); err != nil {
		if errors.Is(err, ErrNotMember) {
			c.m.dropMembership(c.id, true)
		}
		return err
	}

	if err := c.refresh(ctx, true); err != nil {
		return err
	}

	c.mu.Lock()
	have := c.st.meta.Seq
	c.mu.Unlock()
	if have < resp.Seq {
		logrus.WithFields(logrus.Fields{
			"function":  "resync",
			"community": c.id,
			"have":      have,
			"host":      resp.Seq,
		}).Debug("Record still behind host state")
	}

	c.m.emit(Event{Community: c.id, Kind: EventResynced})
	return nil
}

// post sends channel content to the host for fan-out. Content is
// sealed under the current media key; before one is established it
// travels plain and an EncryptionPending event makes that visible.
func (c *membership) post(communityID, channelID string, content []byte) error {
	c.mu.Lock()
	channelOK := c.st.channel(channelID) != nil
	c.mu.Unlock()
	if !channelOK {
		return fmt.Errorf("unknown channel %s", channelID)
	}

	p := &post{
		Community: communityID,
		ChannelID: channelID,
		Author:    c.pseud.PublicKey(),
		SentAt:    nowMillis(),
	}

	sealed, err := c.keyring.Seal(content)
	switch {
	case err == nil:
		p.Sealed = sealed
	case errors.Is(err, ErrNoMediaKey):
		p.Plain = content
		c.m.emit(Event{
			Community: communityID,
			Kind:      EventEncryptionPending,
			Channel:   channelID,
		})
	default:
		return err
	}

	if err := signPost(p, c.pseud); err != nil {
		return err
	}
	return c.m.sendRPC(c.hostRouteToken(), c.m.identity, &rpcMessage{Post: p})
}

// handlePost surfaces content fanned out by the host. The manager has
// already checked the envelope came from the host pseudonym; what is
// verified here is the author's own signature and roster membership.
func (c *membership) handlePost(p *post) {
	if !verifyPost(p) {
		logrus.WithFields(logrus.Fields{
			"function":  "handlePost",
			"community": c.id,
		}).Debug("Dropped post with bad signature")
		return
	}

	c.mu.Lock()
	known := c.st.member(p.Author) != nil
	c.mu.Unlock()
	if !known {
		// The roster mirror may lag one broadcast behind a join.
		logrus.WithFields(logrus.Fields{
			"function":  "handlePost",
			"community": c.id,
			"author":    fmt.Sprintf("%x", p.Author[:8]),
		}).Debug("Post from unknown author")
		return
	}

	ev := Event{
		Community: c.id,
		Kind:      EventMessage,
		Channel:   p.ChannelID,
		Author:    p.Author,
	}
	if len(p.Sealed) > 0 {
		plain, err := c.openSealed(p.Sealed)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "handlePost",
				"community": c.id,
				"error":     err,
			}).Debug("Cannot open sealed content")
			return
		}
		ev.Content = plain
		ev.Encrypted = true
	} else {
		ev.Content = p.Plain
	}
	c.m.emit(ev)
}

// openSealed opens media-key content, refreshing the key bundle from
// the record once when the named generation is unknown. Covers the
// window where content sealed under a fresh rotation outruns the
// key distribution.
func (c *membership) openSealed(sealed []byte) ([]byte, error) {
	plain, err := c.keyring.Open(sealed)
	if err == nil {
		return plain, nil
	}
	if !errors.Is(err, ErrStaleKey) && !errors.Is(err, ErrNoMediaKey) {
		return nil, err
	}

	var bundle MEKBundle
	data, rerr := c.m.store.Read(context.Background(), c.handle, SubkeyMEKBundle, true)
	if rerr != nil || decodeInto(data, &bundle) != nil {
		return nil, err
	}
	c.installFromBundle(&bundle, true)
	return c.keyring.Open(sealed)
}

// memberSelf returns this node's roster entry, or nil.
func (c *membership) memberSelf() *Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	mem := c.st.member(c.pseud.PublicKey())
	if mem == nil {
		return nil
	}
	copied := *mem
	return &copied
}

// hostKey returns the hosting pseudonym the mirror is pinned to.
func (c *membership) hostKey() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.meta.Host
}

// hostRouteToken returns the freshest host route: the record subkey
// when readable, the cached copy otherwise.
func (c *membership) hostRouteToken() []byte {
	data, err := c.m.store.Read(context.Background(), c.handle, SubkeyHostRoute, false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && len(data) > 0 {
		c.hostRoute = data
	}
	return c.hostRoute
}

func (c *membership) communityName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.meta.Name
}

func (c *membership) recordKey() records.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle.Key
}

// info snapshots the joined community.
func (c *membership) info() *Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen, has := c.keyring.Generation()
	return &Info{
		ID:         c.st.meta.ID,
		Name:       c.st.meta.Name,
		RecordKey:  c.handle.Key,
		Hosting:    false,
		Pseudonym:  c.pseud.PublicKey(),
		Members:    len(c.st.roster),
		Channels:   len(c.st.channels),
		Seq:        c.st.meta.Seq,
		Generation: gen,
		HasKey:     has,
	}
}

func (c *membership) channelList() []Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Channel, len(c.st.channels))
	copy(out, c.st.channels)
	return out
}

func (c *membership) memberList() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Member, len(c.st.roster))
	copy(out, c.st.roster)
	return out
}

// close releases the record handle and wipes key material.
func (c *membership) close() {
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	if handle != nil {
		c.m.store.Close(handle)
	}
	c.keyring.Wipe()
}

// diffStates derives member-visible events from two mirror snapshots.
func diffStates(id string, old, fresh *state) []Event {
	var evs []Event

	for _, mem := range fresh.roster {
		if old.member(mem.Pseudonym) == nil {
			evs = append(evs, Event{Community: id, Kind: EventMemberJoined, Member: mem.Pseudonym})
		}
	}
	for _, mem := range old.roster {
		if fresh.member(mem.Pseudonym) == nil {
			evs = append(evs, Event{Community: id, Kind: EventMemberRemoved, Member: mem.Pseudonym})
		}
	}

	for i := range fresh.channels {
		ch := &fresh.channels[i]
		prev := old.channel(ch.ID)
		switch {
		case prev == nil:
			evs = append(evs, Event{Community: id, Kind: EventChannelCreated, Channel: ch.ID})
		case prev.Name != ch.Name || prev.Topic != ch.Topic:
			evs = append(evs, Event{Community: id, Kind: EventChannelUpdated, Channel: ch.ID})
		}
	}
	for i := range old.channels {
		if fresh.channel(old.channels[i].ID) == nil {
			evs = append(evs, Event{Community: id, Kind: EventChannelDeleted, Channel: old.channels[i].ID})
		}
	}

	for _, g := range fresh.roles {
		if old.member(g.Member) == nil {
			// Fresh joins already surface as member events.
			continue
		}
		if old.permissions(g.Member) != g.Permissions {
			evs = append(evs, Event{Community: id, Kind: EventRoleChanged, Member: g.Member})
		}
	}
	return evs
}
