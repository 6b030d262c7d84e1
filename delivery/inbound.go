package delivery

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/envelope"
	"github.com/opd-ai/wisp/transport"
)

// Handler processes one verified inbound envelope body. peer is the
// envelope's authenticated sender, body the payload with its kind byte
// stripped. Handlers run on transport dispatch goroutines.
type Handler func(peer [32]byte, env *envelope.Envelope, body []byte)

// RegisterHandler routes verified envelopes of the given kind to h.
// Re-registering a kind replaces the previous handler.
func (s *Service) RegisterHandler(kind envelope.Kind, h Handler) {
	s.handlersMu.Lock()
	s.handlers[kind] = h
	s.handlersMu.Unlock()
}

// handleEnvelopePacket is the transport-facing intake: parse, reject
// replays, verify the signature, then dispatch on the payload kind.
// Anything malformed or unverifiable is dropped without processing.
func (s *Service) handleEnvelopePacket(pkt *transport.Packet, addr net.Addr) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	env, err := envelope.Parse(pkt.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleEnvelopePacket",
			"from":     addr.String(),
			"error":    err,
		}).Debug("Dropped malformed envelope")
		return nil
	}

	if err := s.replay.Check(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleEnvelopePacket",
			"sender":   fmt.Sprintf("%x", env.SenderPublicKey[:8]),
		}).Debug("Dropped replayed envelope")
		return nil
	}

	payload, err := envelope.Verify(env)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleEnvelopePacket",
			"sender":   fmt.Sprintf("%x", env.SenderPublicKey[:8]),
			"error":    err,
		}).Debug("Dropped envelope with bad signature")
		return nil
	}

	kind, body, err := envelope.SplitPayload(payload)
	if err != nil {
		return nil
	}

	s.handlersMu.RLock()
	h := s.handlers[kind]
	s.handlersMu.RUnlock()
	if h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleEnvelopePacket",
			"kind":     kind.String(),
		}).Debug("No handler for envelope kind")
		return nil
	}

	h(env.SenderPublicKey, env, body)
	return nil
}
