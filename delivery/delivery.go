// Package delivery moves signed envelopes between peers: outbound with
// per-class failure handling and a bounded retry queue, inbound through
// the replay guard and signature verification to kind handlers.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/envelope"
	"github.com/opd-ai/wisp/route"
	"github.com/opd-ai/wisp/transport"
)

const (
	// DefaultRetryInterval is how often the retry task redelivers
	// queued envelopes.
	DefaultRetryInterval = 30 * time.Second
	// MaxRetries is the attempt count after which a queued delivery is
	// discarded as permanently failed.
	MaxRetries = 20
)

var (
	// ErrClosed indicates a send after shutdown began.
	ErrClosed = errors.New("delivery service closed")
	// ErrRetriesExhausted is the permanent-failure reason after
	// MaxRetries redelivery attempts.
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
)

// Class selects how a send failure is handled.
type Class uint8

const (
	// ClassFireAndForget queues the envelope for retry on failure and
	// reports success to the caller either way.
	ClassFireAndForget Class = iota
	// ClassRequestResponse propagates the failure to the caller and
	// never queues.
	ClassRequestResponse
	// ClassEphemeral drops the envelope silently on failure. Typing
	// indicators and probes are worthless late.
	ClassEphemeral
)

// String names the class for logs.
func (c Class) String() string {
	switch c {
	case ClassFireAndForget:
		return "fire_and_forget"
	case ClassRequestResponse:
		return "request_response"
	case ClassEphemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// PendingDelivery is one queued envelope awaiting redelivery.
type PendingDelivery struct {
	ID         uuid.UUID
	Target     [32]byte
	Envelope   []byte
	Created    time.Time
	RetryCount int
}

// FailedFunc reports a permanently failed delivery.
type FailedFunc func(id uuid.UUID, target [32]byte, reason error)

// Resolver supplies route tokens for peers and accepts invalidations
// after failed sends. *route.Directory satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, peer [32]byte) (route.Token, error)
	Invalidate(peer [32]byte)
}

// Service is the delivery pipeline. One mutex guards the retry queue
// for both the enqueue path and the retry task, so a retry pass can
// never lose an entry added concurrently.
type Service struct {
	transport transport.Transport
	routes    Resolver
	replay    *envelope.ReplayGuard

	mu            sync.Mutex
	queue         []*PendingDelivery
	closed        bool
	retryInterval time.Duration
	onFailed      FailedFunc

	handlersMu sync.RWMutex
	handlers   map[envelope.Kind]Handler

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewService wires the pipeline onto the transport and starts the
// retry task. Envelope packets arriving on the transport flow through
// the replay guard and signature verification before reaching
// registered kind handlers. A non-positive retryInterval selects the
// default.
func NewService(tr transport.Transport, routes Resolver, retryInterval time.Duration) *Service {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	s := &Service{
		transport:     tr,
		routes:        routes,
		replay:        envelope.NewReplayGuard(),
		retryInterval: retryInterval,
		handlers:      make(map[envelope.Kind]Handler),
		stopChan:      make(chan struct{}),
	}
	tr.RegisterHandler(transport.PacketEnvelope, s.handleEnvelopePacket)

	s.wg.Add(1)
	go s.retryLoop()

	logrus.WithFields(logrus.Fields{
		"function":       "NewService",
		"retry_interval": s.retryInterval,
	}).Info("Delivery service started")

	return s
}

// SetFailedHandler registers the permanent-failure callback.
func (s *Service) SetFailedHandler(f FailedFunc) {
	s.mu.Lock()
	s.onFailed = f
	s.mu.Unlock()
}

// Send serializes and delivers an envelope to the peer, returning the
// delivery ID. Failure handling follows the class: fire-and-forget
// queues and reports success, request/response propagates the error,
// ephemeral drops silently.
func (s *Service) Send(ctx context.Context, peer [32]byte, env *envelope.Envelope, class Class) (uuid.UUID, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return uuid.Nil, ErrClosed
	}

	data, err := env.Serialize()
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()

	if err := s.deliver(ctx, peer, data); err != nil {
		switch class {
		case ClassEphemeral:
			logrus.WithFields(logrus.Fields{
				"function": "Send",
				"peer":     fmt.Sprintf("%x", peer[:8]),
				"error":    err,
			}).Debug("Dropped ephemeral envelope")
			return id, nil
		case ClassFireAndForget:
			s.enqueue(id, peer, data)
			return id, nil
		default:
			return id, err
		}
	}
	return id, nil
}

// SendTo delivers an envelope straight to a route token, bypassing
// peer resolution and the retry queue. Callers own failure handling.
func (s *Service) SendTo(token route.Token, env *envelope.Envelope) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := env.Serialize()
	if err != nil {
		return err
	}
	addr, err := transport.TokenAddr(token)
	if err != nil {
		return err
	}
	return s.transport.Send(&transport.Packet{PacketType: transport.PacketEnvelope, Data: data}, addr)
}

// deliver resolves the peer's route and pushes the envelope bytes out.
// Failed sends invalidate the cached route so the next attempt
// refetches it.
func (s *Service) deliver(ctx context.Context, peer [32]byte, data []byte) error {
	token, err := s.routes.Resolve(ctx, peer)
	if err != nil {
		return err
	}
	addr, err := transport.TokenAddr(token)
	if err != nil {
		s.routes.Invalidate(peer)
		return err
	}

	pkt := &transport.Packet{PacketType: transport.PacketEnvelope, Data: data}
	if err := s.transport.Send(pkt, addr); err != nil {
		s.routes.Invalidate(peer)
		return fmt.Errorf("send to %x: %w", peer[:8], err)
	}
	return nil
}

func (s *Service) enqueue(id uuid.UUID, peer [32]byte, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, &PendingDelivery{
		ID:       id,
		Target:   peer,
		Envelope: data,
		Created:  time.Now(),
	})

	logrus.WithFields(logrus.Fields{
		"function": "enqueue",
		"id":       id,
		"peer":     fmt.Sprintf("%x", peer[:8]),
		"queued":   len(s.queue),
	}).Debug("Queued envelope for retry")
}

// Pending returns a snapshot of the retry queue.
func (s *Service) Pending() []PendingDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingDelivery, len(s.queue))
	for i, pd := range s.queue {
		out[i] = *pd
	}
	return out
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryInterval
}

func (s *Service) retryLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case <-time.After(s.interval()):
			s.flushQueue(context.Background())
		}
	}
}

// flushQueue attempts redelivery of everything queued. Attempts run
// without the queue lock; results are folded back in under it, so
// entries enqueued during the pass are preserved untouched.
func (s *Service) flushQueue(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*PendingDelivery, len(s.queue))
	copy(snapshot, s.queue)
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	attempted := make(map[uuid.UUID]bool, len(snapshot))
	delivered := make(map[uuid.UUID]bool, len(snapshot))
	for _, pd := range snapshot {
		attempted[pd.ID] = true
		if err := s.deliver(ctx, pd.Target, pd.Envelope); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "flushQueue",
				"id":       pd.ID,
				"error":    err,
			}).Debug("Redelivery attempt failed")
			continue
		}
		delivered[pd.ID] = true
	}

	var failed []*PendingDelivery
	s.mu.Lock()
	kept := s.queue[:0]
	for _, pd := range s.queue {
		switch {
		case delivered[pd.ID]:
		case attempted[pd.ID]:
			pd.RetryCount++
			if pd.RetryCount >= MaxRetries {
				failed = append(failed, pd)
			} else {
				kept = append(kept, pd)
			}
		default:
			kept = append(kept, pd)
		}
	}
	s.queue = kept
	onFailed := s.onFailed
	s.mu.Unlock()

	for _, pd := range failed {
		logrus.WithFields(logrus.Fields{
			"function": "flushQueue",
			"id":       pd.ID,
			"peer":     fmt.Sprintf("%x", pd.Target[:8]),
			"retries":  pd.RetryCount,
		}).Warn("Delivery permanently failed")
		if onFailed != nil {
			onFailed(pd.ID, pd.Target, ErrRetriesExhausted)
		}
	}
}

// Close stops intake, makes a final redelivery pass bounded by ctx,
// and waits for in-flight inbound handlers within the same bound.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopChan) })
	s.flushQueue(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.replay.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"dropped":  len(s.Pending()),
	}).Info("Delivery service stopped")

	return err
}
