package community

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/wisp/crypto"
)

// Community record subkey layout. The record is written only by the
// hosting node's community pseudonym; members open it read-only and
// learn changes through broadcasts or resync.
const (
	SubkeyMetadata  = 0
	SubkeyChannels  = 1
	SubkeyRoster    = 2
	SubkeyRoles     = 3
	SubkeyInvites   = 4
	SubkeyMEKBundle = 5
	SubkeyHostRoute = 6
	RecordSubkeys   = 7
)

// Permission bits gate community operations. Grants are per pseudonym
// in the roles subkey.
type Permission uint32

const (
	PermMessage Permission = 1 << iota
	PermInvite
	PermManageChannels
	PermManageMembers
	PermManageRoles
	PermRotateKey
)

// PermAll is every permission bit, granted to the community creator.
const PermAll = PermMessage | PermInvite | PermManageChannels |
	PermManageMembers | PermManageRoles | PermRotateKey

// DefaultMemberPermissions is what a freshly joined member can do.
const DefaultMemberPermissions = PermMessage | PermInvite

// Metadata is subkey 0: the community's descriptive header and the
// state sequence number bumped on every applied change. Host and
// HostExchange are the hosting pseudonym's keys; members verify
// responses, broadcasts, and the MEK bundle against them.
type Metadata struct {
	ID           string
	Name         string
	Topic        string `cbor:",omitempty"`
	Host         [32]byte
	HostExchange [32]byte
	CreatedAt    uint64
	Seq          uint64
}

// Channel is one entry of the channels subkey.
type Channel struct {
	ID      string
	Name    string
	Topic   string `cbor:",omitempty"`
	Created uint64
}

// Member is one roster entry. Members appear under their per-community
// pseudonym; main identities never enter the record.
type Member struct {
	Pseudonym [32]byte
	Exchange  [32]byte
	Name      string `cbor:",omitempty"`
	JoinedAt  uint64
}

// RoleGrant binds permission bits to a member pseudonym.
type RoleGrant struct {
	Member      [32]byte
	Permissions Permission
}

// IssuedInvite is one entry of the invites subkey: an opaque ID a
// joining member must present, plus bookkeeping.
type IssuedInvite struct {
	ID        string
	CreatedBy [32]byte
	CreatedAt uint64
}

// SealedKey is one member's copy of the media key inside the MEK
// bundle, boxed from the host pseudonym's exchange key to the member
// pseudonym's exchange key.
type SealedKey struct {
	Member [32]byte
	Nonce  [crypto.NonceSize]byte
	Box    []byte
}

// MEKBundle is subkey 5: the current media key sealed per member, so
// members offline during distribution can recover it from the record.
type MEKBundle struct {
	Generation uint32
	Sealer     [32]byte
	Keys       []SealedKey
}

// ErrNotMember indicates a pseudonym absent from the roster.
var ErrNotMember = errors.New("pseudonym is not a community member")

// state is the decoded community record.
type state struct {
	meta     Metadata
	channels []Channel
	roster   []Member
	roles    []RoleGrant
	invites  []IssuedInvite
}

func (s *state) member(pseudonym [32]byte) *Member {
	for i := range s.roster {
		if s.roster[i].Pseudonym == pseudonym {
			return &s.roster[i]
		}
	}
	return nil
}

func (s *state) permissions(pseudonym [32]byte) Permission {
	for _, g := range s.roles {
		if g.Member == pseudonym {
			return g.Permissions
		}
	}
	return 0
}

func (s *state) channel(id string) *Channel {
	for i := range s.channels {
		if s.channels[i].ID == id {
			return &s.channels[i]
		}
	}
	return nil
}

func (s *state) invite(id string) *IssuedInvite {
	for i := range s.invites {
		if s.invites[i].ID == id {
			return &s.invites[i]
		}
	}
	return nil
}

// encodeSubkey serializes one slice-valued subkey.
func encodeSubkey(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode community state: %w", err)
	}
	return data, nil
}

func decodeInto(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode community state: %w", err)
	}
	return nil
}
