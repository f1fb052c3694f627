package harness

import (
	"context"

	"go.uber.org/atomic"

	"github.com/AntonStoeckl/eventstore-tail/actor"
	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

type consumerMessage interface {
	isConsumerMessage()
}

type subscribe struct {
	continueAfter eventstore.Cursor
}

// messageReceived and subscriptionDropped carry the generation of the subscription that produced
// them, so events of a released subscription are recognized and ignored.
type messageReceived struct {
	position   int64
	generation uint64
}

type subscriptionDropped struct {
	reason     eventstore.DropReason
	cause      error
	generation uint64
}

func (subscribe) isConsumerMessage()           {}
func (messageReceived) isConsumerMessage()     {}
func (subscriptionDropped) isConsumerMessage() {}

// ConsumerStats is a snapshot of a Consumer's counters.
type ConsumerStats struct {
	MessagesReceived   int64
	OrderingViolations int64
	SubscriptionDrops  int64
	Resubscribes       int64
	SubscribeFailures  int64
}

type consumerCounters struct {
	messagesReceived   atomic.Int64
	orderingViolations atomic.Int64
	subscriptionDrops  atomic.Int64
	resubscribes       atomic.Int64
	subscribeFailures  atomic.Int64
}

const unsetPosition = int64(-1)

// Consumer follows the global feed and reports positions that go backwards.
type Consumer struct {
	id        int
	backend   eventstore.AllSubscriber
	scheduler Scheduler
	settings  settings
	jitter    jitter
	loop      *actor.Actor[consumerMessage]
	started   *atomic.Bool
	counters  consumerCounters

	// owned by the loop
	subscription eventstore.Subscription
	generation   uint64
	lastObserved eventstore.Cursor

	// lastObservedMirror publishes lastObserved to other goroutines, unsetPosition when unset.
	lastObservedMirror *atomic.Int64
}

// NewConsumer creates a Consumer and spawns its idle loop.
func NewConsumer(id int, backend eventstore.AllSubscriber, sched Scheduler, options ...Option) (*Consumer, error) {
	s, err := buildSettings(options)
	if err != nil {
		return nil, err
	}

	return newConsumer(id, backend, sched, s)
}

func newConsumer(id int, backend eventstore.AllSubscriber, sched Scheduler, s settings) (*Consumer, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	if sched == nil {
		return nil, ErrNilScheduler
	}

	c := &Consumer{
		id:                 id,
		backend:            backend,
		scheduler:          sched,
		settings:           s,
		jitter:             newJitter(s, newRand(s, saltConsumer, id)),
		started:            atomic.NewBool(false),
		lastObservedMirror: atomic.NewInt64(unsetPosition),
	}

	c.loop = actor.Spawn(context.Background(), c.handle, actor.OnStop(c.releaseSubscription))

	return c, nil
}

// ID returns the consumer id.
func (c *Consumer) ID() int {
	return c.id
}

// Start subscribes from the beginning of the feed. Calls after the first are ignored.
func (c *Consumer) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	c.loop.Post(subscribe{})
}

// Cancel signals the loop to stop without waiting for it.
func (c *Consumer) Cancel() {
	c.loop.Cancel()
}

// Stop cancels the loop, waits for it to exit, and releases the active subscription.
func (c *Consumer) Stop() {
	c.loop.Stop()
}

// Done is closed once the loop has exited and the subscription was released.
func (c *Consumer) Done() <-chan struct{} {
	return c.loop.Done()
}

// LastObserved returns the position of the last processed message, unset before the first one and
// right after a drop.
func (c *Consumer) LastObserved() eventstore.Cursor {
	position := c.lastObservedMirror.Load()
	if position == unsetPosition {
		return eventstore.Cursor{}
	}

	return eventstore.CursorAt(position)
}

// Stats returns a snapshot of the counters. It is safe to call from any goroutine.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesReceived:   c.counters.messagesReceived.Load(),
		OrderingViolations: c.counters.orderingViolations.Load(),
		SubscriptionDrops:  c.counters.subscriptionDrops.Load(),
		Resubscribes:       c.counters.resubscribes.Load(),
		SubscribeFailures:  c.counters.subscribeFailures.Load(),
	}
}

func (c *Consumer) handle(ctx context.Context, msg consumerMessage) {
	switch m := msg.(type) {
	case subscribe:
		c.onSubscribe(ctx, m)
	case messageReceived:
		c.onMessageReceived(ctx, m)
	case subscriptionDropped:
		c.onSubscriptionDropped(ctx, m)
	}
}

func (c *Consumer) onSubscribe(ctx context.Context, m subscribe) {
	c.setLastObserved(m.continueAfter)
	c.releaseSubscription()

	c.generation++
	generation := c.generation

	subscription, err := c.backend.SubscribeAll(
		ctx,
		m.continueAfter,
		func(msg eventstore.StreamMessage) {
			c.loop.Post(messageReceived{position: msg.Position, generation: generation})
		},
		func(reason eventstore.DropReason, cause error) {
			c.loop.Post(subscriptionDropped{reason: reason, cause: cause, generation: generation})
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		c.counters.subscribeFailures.Inc()
		c.settings.telemetry.warn(ctx, logMsgSubscribeFailed,
			logAttrConsumer, c.id,
			logAttrContinueAfter, m.continueAfter.String(),
			logAttrError, err.Error())
		c.onSubscriptionDropped(ctx, subscriptionDropped{
			reason:     eventstore.DropReasonSubscriptionError,
			cause:      err,
			generation: generation,
		})

		return
	}

	c.subscription = subscription
	c.settings.telemetry.info(ctx, logMsgSubscribed,
		logAttrConsumer, c.id,
		logAttrContinueAfter, m.continueAfter.String())
}

func (c *Consumer) onMessageReceived(ctx context.Context, m messageReceived) {
	if m.generation != c.generation {
		return
	}

	c.counters.messagesReceived.Inc()
	c.settings.telemetry.incrementCounter(ctx, eventstore.MetricMessagesReceivedTotal, nil)

	if last, ok := c.lastObserved.Position(); ok && m.position < last {
		c.reportViolation(ctx, OrderingViolation{ConsumerID: c.id, Position: m.position, LastObserved: last})
	}

	c.setLastObserved(eventstore.CursorAt(m.position))
}

func (c *Consumer) reportViolation(ctx context.Context, violation OrderingViolation) {
	c.counters.orderingViolations.Inc()
	c.settings.telemetry.incrementCounter(ctx, eventstore.MetricOrderingViolations, nil)
	c.settings.telemetry.warn(ctx, logMsgOrderingViolation,
		logAttrConsumer, violation.ConsumerID,
		logAttrPosition, violation.Position,
		logAttrLastObserved, violation.LastObserved)

	if c.settings.onViolation != nil {
		c.settings.onViolation(violation)
	}
}

// onSubscriptionDropped schedules a resubscribe after the last observed position and forgets that
// position, so messages racing the resubscribe are not compared against it.
func (c *Consumer) onSubscriptionDropped(ctx context.Context, m subscriptionDropped) {
	if ctx.Err() != nil {
		return
	}

	if m.generation != c.generation {
		return
	}

	continueAfter := c.lastObserved
	delay := c.jitter.next()

	cause := "none"
	if m.cause != nil {
		cause = m.cause.Error()
	}

	c.counters.subscriptionDrops.Inc()
	c.settings.telemetry.incrementCounter(ctx, eventstore.MetricSubscriptionDrops,
		map[string]string{labelDropReason: string(m.reason)})
	c.settings.telemetry.warn(ctx, logMsgSubscriptionDropped,
		logAttrConsumer, c.id,
		logAttrDropReason, string(m.reason),
		logAttrError, cause,
		logAttrContinueAfter, continueAfter.String(),
		logAttrDelayMS, delay.Milliseconds())

	c.scheduler.ScheduleOnce(func() { c.loop.Post(subscribe{continueAfter: continueAfter}) }, delay)
	c.counters.resubscribes.Inc()
	c.settings.telemetry.incrementCounter(ctx, eventstore.MetricResubscribesTotal, nil)

	c.setLastObserved(eventstore.Cursor{})
}

func (c *Consumer) setLastObserved(cursor eventstore.Cursor) {
	c.lastObserved = cursor

	if position, ok := cursor.Position(); ok {
		c.lastObservedMirror.Store(position)
		return
	}

	c.lastObservedMirror.Store(unsetPosition)
}

func (c *Consumer) releaseSubscription() {
	if c.subscription == nil {
		return
	}

	c.subscription.Release()
	c.subscription = nil
}
