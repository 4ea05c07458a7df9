package events

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"ootd-notify/domain"
)

// QueueSender sends one serialized event to the broker topic.
type QueueSender interface {
	SendEvent(ctx context.Context, payload string) error
}

// Publisher hands committed domain events to the broker without ever
// blocking or failing the business request that raised them. Sends happen
// on background workers; a send failure is logged and the event is lost.
// There is deliberately no retry and no dead-letter at this layer: a
// receiver who misses a push recovers from the replay buffer or the
// persisted notification list.
type Publisher struct {
	sender      QueueSender
	logger      *log.Logger
	sendTimeout time.Duration

	ch        chan domain.Event
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPublisher starts the background send workers.
func NewPublisher(sender QueueSender, logger *log.Logger, buffer, workers int, sendTimeout time.Duration) *Publisher {
	if sender == nil {
		panic("events.NewPublisher: sender is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	p := &Publisher{
		sender:      sender,
		logger:      logger,
		sendTimeout: sendTimeout,
		ch:          make(chan domain.Event, buffer),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Publish enqueues the event for asynchronous sending. Call only after the
// triggering transaction has committed; for staging inside a unit of work
// use Buffer. Publish never blocks: if the buffer is saturated the event
// is dropped with a log entry.
func (p *Publisher) Publish(ev domain.Event) {
	select {
	case p.ch <- ev:
	default:
		p.logger.WithField("type", ev.Type).Error("publish buffer saturated, event dropped")
	}
}

// Close stops accepting events and waits for in-flight sends to finish.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.ch) })
	p.wg.Wait()
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for ev := range p.ch {
		p.send(ev)
	}
}

func (p *Publisher) send(ev domain.Event) {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		p.logger.WithError(err).WithField("type", ev.Type).Error("failed to serialize event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()
	if err := p.sender.SendEvent(ctx, string(payload)); err != nil {
		p.logger.WithError(err).WithField("type", ev.Type).Error("failed to publish event")
		return
	}
	p.logger.WithField("type", ev.Type).Debug("published event")
}

// TxBuffer stages events raised inside a unit of work so nothing reaches
// the broker before the surrounding transaction commits. Commit hands the
// staged events to the publisher; Discard drops them. A buffer is single
// use and not safe for concurrent use, matching a request-scoped
// transaction.
type TxBuffer struct {
	p      *Publisher
	staged []domain.Event
	done   bool
}

// Buffer creates an empty staging buffer bound to this publisher.
func (p *Publisher) Buffer() *TxBuffer {
	return &TxBuffer{p: p}
}

// Stage records an event to publish if the unit of work commits.
func (b *TxBuffer) Stage(ev domain.Event) {
	if b.done {
		return
	}
	b.staged = append(b.staged, ev)
}

// Commit publishes every staged event. Call after the transaction commits.
func (b *TxBuffer) Commit() {
	if b.done {
		return
	}
	b.done = true
	for _, ev := range b.staged {
		b.p.Publish(ev)
	}
	b.staged = nil
}

// Discard drops the staged events. Call when the unit of work rolls back.
func (b *TxBuffer) Discard() {
	b.done = true
	b.staged = nil
}
