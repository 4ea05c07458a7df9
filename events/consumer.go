package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ootd-notify/domain"
)

// ChannelNotifications is the named SSE channel every fan-out delivery
// uses.
const ChannelNotifications = "notifications"

// Broker dequeues and deletes raw messages from the event topic.
type Broker interface {
	DequeueEvents(ctx context.Context) ([]domain.QueueMessage, error)
	DeleteEvent(ctx context.Context, msg domain.QueueMessage) error
}

// NotificationStore persists fan-out results and resolves broadcasts.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n domain.Notification) error
	AllUserIDs(ctx context.Context) ([]string, error)
}

// Deliverer pushes a materialized notification to a receiver's live
// connections.
type Deliverer interface {
	Deliver(ctx context.Context, receiverID, eventName string, payload []byte)
}

// Consumer runs the fan-out side of the pipeline: worker lanes dequeue
// broker messages, expand each event's receiver set, materialize one
// notification per receiver and hand it to the delivery layer. Failure
// policy is logged-best-effort throughout: an undecodable or failing
// message is dropped, a failing receiver does not abort its siblings.
type Consumer struct {
	broker    Broker
	store     NotificationStore
	deliverer Deliverer
	logger    *log.Logger
	lanes     int
	idleDelay time.Duration
}

// NewConsumer wires a fan-out consumer with the given number of worker
// lanes.
func NewConsumer(broker Broker, store NotificationStore, deliverer Deliverer, logger *log.Logger, lanes int) *Consumer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if lanes <= 0 {
		lanes = 1
	}
	return &Consumer{
		broker:    broker,
		store:     store,
		deliverer: deliverer,
		logger:    logger,
		lanes:     lanes,
		idleDelay: time.Second,
	}
}

// Run blocks until ctx is cancelled, processing messages on all lanes.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.lanes; i++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			c.runLane(ctx, lane)
		}(i)
	}
	wg.Wait()
}

func (c *Consumer) runLane(ctx context.Context, lane int) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := c.broker.DequeueEvents(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).WithField("lane", lane).Error("dequeue failed")
			if !sleepCtx(ctx, c.idleDelay) {
				return
			}
			continue
		}
		if len(msgs) == 0 {
			if !sleepCtx(ctx, c.idleDelay) {
				return
			}
			continue
		}
		for _, msg := range msgs {
			c.process(ctx, msg.Body)
			// always delete: a failed message is dropped, not retried
			if err := c.broker.DeleteEvent(ctx, msg); err != nil {
				c.logger.WithError(err).WithField("lane", lane).Error("delete message failed")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// process fans out one raw broker message. All failures end here.
func (c *Consumer) process(ctx context.Context, body string) {
	metrics, ctx := newConsumeMetrics(ctx, c.logger)
	var procErr error
	defer func() { metrics.Log(procErr) }()

	decodeStart := time.Now()
	ev, err := decodeEvent(body)
	metrics.ObserveDecode(time.Since(decodeStart))
	if err != nil {
		metrics.SetErrorStage("decode")
		procErr = err
		c.logger.WithError(err).Warn("dropping undecodable event message")
		return
	}
	metrics.SetEventType(ev.Type)

	receivers := ev.Receivers
	if len(receivers) == 0 {
		receivers, err = c.store.AllUserIDs(ctx)
		if err != nil {
			metrics.SetErrorStage("resolve_receivers")
			procErr = err
			c.logger.WithError(err).Error("failed to resolve broadcast receivers, dropping event")
			return
		}
	}
	metrics.SetReceivers(len(receivers), ev.Broadcast())

	fanoutStart := time.Now()
	delivered := 0
	for _, receiverID := range receivers {
		if err := c.deliverTo(ctx, receiverID, ev); err != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"receiver": receiverID,
				"type":     ev.Type,
			}).Error("failed to deliver to receiver")
			continue
		}
		delivered++
	}
	metrics.ObserveFanout(time.Since(fanoutStart))
	metrics.SetDelivered(delivered)
}

func (c *Consumer) deliverTo(ctx context.Context, receiverID string, ev domain.Event) error {
	title, content, err := domain.Render(ev)
	if err != nil {
		return err
	}
	level := ev.Level
	if level == "" {
		level = domain.LevelInfo
	}
	n := domain.Notification{
		ID:         uuid.NewString(),
		ReceiverID: receiverID,
		Title:      title,
		Content:    content,
		Level:      level,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.SaveNotification(ctx, n); err != nil {
		return err
	}
	payload, err := sonic.Marshal(n)
	if err != nil {
		return err
	}
	c.deliverer.Deliver(ctx, receiverID, ChannelNotifications, payload)
	return nil
}

// decodeEvent tolerates double-encoded bodies: some producers have shipped
// the JSON envelope wrapped once more as a JSON string. Unwrap a single
// layer and retry before giving up.
func decodeEvent(body string) (domain.Event, error) {
	var ev domain.Event
	err := sonic.Unmarshal([]byte(body), &ev)
	if err == nil && ev.Type != "" {
		return ev, nil
	}
	if looksDoubleEncoded(body) {
		var unwrapped string
		if uerr := sonic.Unmarshal([]byte(body), &unwrapped); uerr == nil {
			var inner domain.Event
			if ierr := sonic.Unmarshal([]byte(unwrapped), &inner); ierr == nil && inner.Type != "" {
				return inner, nil
			}
		}
	}
	if err == nil {
		err = domain.ErrUnknownEventType
	}
	return domain.Event{}, err
}

func looksDoubleEncoded(s string) bool {
	trimmed := strings.TrimSpace(s)
	return len(trimmed) >= 2 &&
		trimmed[0] == '"' &&
		trimmed[len(trimmed)-1] == '"' &&
		strings.Contains(trimmed, `\"type\"`)
}
