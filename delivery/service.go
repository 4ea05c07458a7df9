package delivery

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Service orchestrates delivery to one receiver: append the message to the
// replay buffer, then push a framed copy to every connection the receiver
// currently has open. The whole path is best effort; failures are logged
// and contained, never surfaced to the event's originator.
type Service struct {
	registry *Registry
	replay   *ReplayStore
	logger   *log.Logger
}

// NewService wires the delivery orchestrator.
func NewService(registry *Registry, replay *ReplayStore, logger *log.Logger) *Service {
	if registry == nil {
		panic("delivery.NewService: registry is nil")
	}
	if replay == nil {
		panic("delivery.NewService: replay store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{registry: registry, replay: replay, logger: logger}
}

// Deliver records the message under the receiver's stream key and pushes
// it to each of the receiver's open connections. A failing connection is
// pruned from the registry and closed; the remaining connections still
// receive the push. Zero open connections is a normal, successful outcome.
func (s *Service) Deliver(ctx context.Context, receiverID, eventName string, payload []byte) {
	entry := Entry{ID: uuid.NewString(), Event: eventName, Data: payload}
	score, err := s.replay.Append(ctx, receiverID, entry)
	if err != nil {
		// replay buffer is a cache, not a source of truth; keep pushing
		s.logger.WithError(err).WithField("receiver", receiverID).Warn("replay append failed")
	}

	frame := Frame{ID: FrameID(score, entry.ID), Event: eventName, Data: payload}
	for _, conn := range s.registry.Get(receiverID) {
		if err := conn.Push(frame); err != nil {
			s.logger.WithError(err).WithField("receiver", receiverID).Info("pruning dead connection")
			s.registry.Remove(receiverID, conn)
			conn.Close()
		}
	}
}

// Sweep pings every registered connection and prunes the ones that fail.
// Run periodically; a dead client that never triggered a push error would
// otherwise linger until shutdown.
func (s *Service) Sweep() {
	pruned := 0
	for userID, conns := range s.registry.Snapshot() {
		for _, conn := range conns {
			if err := conn.Push(Frame{Event: "ping", Data: []byte(`"keep-alive"`)}); err != nil {
				s.registry.Remove(userID, conn)
				conn.Close()
				pruned++
			}
		}
	}
	if pruned > 0 {
		s.logger.WithField("pruned", pruned).Info("swept dead connections")
	}
}
