package community

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/wisp/crypto"
)

// RPCTimeout bounds one request/response exchange with the hosting
// node. Expired calls fail with ErrTimeout and are never auto-retried.
const RPCTimeout = 8 * time.Second

var (
	// ErrTimeout indicates no response arrived within RPCTimeout.
	ErrTimeout = errors.New("community request timed out")
	// ErrPermissionDenied indicates the requester's role lacks the
	// permission bit an operation requires.
	ErrPermissionDenied = errors.New("community permission denied")
	// ErrUnknownCommunity indicates an operation against a community
	// this node neither hosts nor joined.
	ErrUnknownCommunity = errors.New("unknown community")
	// ErrBadInvite indicates a join presenting an invite the host
	// never issued or already consumed.
	ErrBadInvite = errors.New("invalid community invite")
	// ErrBadRequest indicates a structurally invalid request.
	ErrBadRequest = errors.New("malformed community request")
)

// Op names a community state operation.
type Op uint8

const (
	OpMemberAdd Op = iota + 1
	OpMemberRemove
	OpChannelCreate
	OpChannelUpdate
	OpChannelDelete
	OpRoleAssign
	OpRoleRevoke
	OpRotateKey
	OpResync
	OpInviteIssue
)

// String names the operation for logs.
func (o Op) String() string {
	switch o {
	case OpMemberAdd:
		return "member_add"
	case OpMemberRemove:
		return "member_remove"
	case OpChannelCreate:
		return "channel_create"
	case OpChannelUpdate:
		return "channel_update"
	case OpChannelDelete:
		return "channel_delete"
	case OpRoleAssign:
		return "role_assign"
	case OpRoleRevoke:
		return "role_revoke"
	case OpRotateKey:
		return "rotate_key"
	case OpResync:
		return "resync"
	case OpInviteIssue:
		return "invite_issue"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Response codes. The host maps request failures onto these; the
// client maps them back to sentinel errors.
const (
	codeOK byte = iota
	codeDenied
	codeUnknownCommunity
	codeNotMember
	codeBadInvite
	codeBadRequest
)

func codeError(code byte, detail string) error {
	var base error
	switch code {
	case codeOK:
		return nil
	case codeDenied:
		base = ErrPermissionDenied
	case codeUnknownCommunity:
		base = ErrUnknownCommunity
	case codeNotMember:
		base = ErrNotMember
	case codeBadInvite:
		base = ErrBadInvite
	default:
		base = ErrBadRequest
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%s: %w", detail, base)
}

// request is one community operation sent to the hosting node. The
// transport envelope authenticates the sending node; the embedded
// pseudonym signature authorizes the operation inside the community
// without tying the record to any main identity.
type request struct {
	ID        [16]byte
	Community string
	Op        Op
	Requester [32]byte
	// ReplyTo is the route token the response travels back on. The
	// host also remembers it for broadcasts.
	ReplyTo   []byte     `cbor:",omitempty"`
	InviteID  string     `cbor:",omitempty"`
	Member    *Member    `cbor:",omitempty"`
	Target    *[32]byte  `cbor:",omitempty"`
	Channel   *Channel   `cbor:",omitempty"`
	ChannelID string     `cbor:",omitempty"`
	Grant     *RoleGrant `cbor:",omitempty"`
	Seq       uint64     `cbor:",omitempty"`
	Signature crypto.Signature
}

// signRequest signs the request with the member's community pseudonym.
// The signature covers the encoding with a zeroed signature field.
func signRequest(req *request, pseudonym *crypto.Identity) error {
	req.Signature = crypto.Signature{}
	body, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request for signing: %w", err)
	}
	sig, err := pseudonym.Sign(body)
	if err != nil {
		return err
	}
	req.Signature = sig
	return nil
}

// verifyRequest checks the pseudonym signature against the requester
// key carried in the request.
func verifyRequest(req *request) bool {
	sig := req.Signature
	req.Signature = crypto.Signature{}
	body, err := cbor.Marshal(req)
	req.Signature = sig
	if err != nil {
		return false
	}
	return crypto.Verify(body, sig, req.Requester)
}

// response answers one request. Seq is the community's state sequence
// after the operation, letting the caller detect missed broadcasts.
// Invite carries the minted invite ID for OpInviteIssue.
type response struct {
	ID     [16]byte
	Code   byte
	Detail string `cbor:",omitempty"`
	Seq    uint64 `cbor:",omitempty"`
	Invite string `cbor:",omitempty"`
}

// broadcast is an unacknowledged change notice pushed to members. The
// record itself is authoritative; the broadcast only says what kind of
// state to re-read.
type broadcast struct {
	Community string
	Seq       uint64
	Op        Op
}

// post carries channel content. Members push posts to the hosting
// node, which validates authorship and fans them out to every other
// member. Sealed content is a media-key box; Plain is the explicit,
// auditable path for channels with no media key established yet.
type post struct {
	Community string
	ChannelID string
	Author    [32]byte
	Sealed    []byte `cbor:",omitempty"`
	Plain     []byte `cbor:",omitempty"`
	SentAt    uint64
	Signature crypto.Signature
}

// signPost signs the post with the author's community pseudonym. The
// signature covers the encoding with a zeroed signature field.
func signPost(p *post, pseudonym *crypto.Identity) error {
	p.Signature = crypto.Signature{}
	body, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode post for signing: %w", err)
	}
	sig, err := pseudonym.Sign(body)
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// verifyPost checks the pseudonym signature against the author key
// carried in the post.
func verifyPost(p *post) bool {
	sig := p.Signature
	p.Signature = crypto.Signature{}
	body, err := cbor.Marshal(p)
	p.Signature = sig
	if err != nil {
		return false
	}
	return crypto.Verify(body, sig, p.Author)
}

// rpcMessage is the single community payload kind on the wire; exactly
// one field is set.
type rpcMessage struct {
	Request   *request   `cbor:",omitempty"`
	Response  *response  `cbor:",omitempty"`
	Broadcast *broadcast `cbor:",omitempty"`
	Post      *post      `cbor:",omitempty"`
}

func encodeRPC(msg *rpcMessage) ([]byte, error) {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode community message: %w", err)
	}
	return data, nil
}

func decodeRPC(data []byte) (*rpcMessage, error) {
	var msg rpcMessage
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return &msg, nil
}
