package harness

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
	"github.com/AntonStoeckl/eventstore-tail/scheduler"
)

// Stats aggregates the counters of all producers and consumers.
type Stats struct {
	Producers          int
	Consumers          int
	AppendCalls        int64
	MessagesAppended   int64
	Conflicts          int64
	AppendFailures     int64
	Retries            int64
	MessagesReceived   int64
	OrderingViolations int64
	SubscriptionDrops  int64
	Resubscribes       int64
	SubscribeFailures  int64
	PendingActions     int
}

// Harness owns one Scheduler and the producers and consumers sharing it.
type Harness struct {
	scheduler *scheduler.Scheduler
	producers []*Producer
	consumers []*Consumer
	settings  settings
	started   *atomic.Bool
	stopped   *atomic.Bool
}

// New builds the Scheduler, the producers (ids 0..n-1) and the consumers (ids 0..m-1).
// Nothing runs until Start is called.
func New(backend eventstore.Backend, options ...Option) (*Harness, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	s, err := buildSettings(options)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(schedulerOptions(s)...)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scheduler: sched,
		settings:  s,
		started:   atomic.NewBool(false),
		stopped:   atomic.NewBool(false),
	}

	for id := range s.producers {
		producer, err := newProducer(id, backend, sched, s)
		if err != nil {
			h.abort()
			return nil, err
		}

		h.producers = append(h.producers, producer)
	}

	for id := range s.consumers {
		consumer, err := newConsumer(id, backend, sched, s)
		if err != nil {
			h.abort()
			return nil, err
		}

		h.consumers = append(h.consumers, consumer)
	}

	return h, nil
}

func schedulerOptions(s settings) []scheduler.Option {
	var options []scheduler.Option

	if s.telemetry.logger != nil {
		options = append(options, scheduler.WithLogger(s.telemetry.logger))
	}

	if s.telemetry.metricsCollector != nil {
		options = append(options, scheduler.WithMetrics(s.telemetry.metricsCollector))
	}

	return append(options, s.schedulerOptions...)
}

// Producers returns the producers in id order.
func (h *Harness) Producers() []*Producer {
	return h.producers
}

// Consumers returns the consumers in id order.
func (h *Harness) Consumers() []*Consumer {
	return h.consumers
}

// Start starts consumers first, then producers. Calls after the first are ignored.
func (h *Harness) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}

	for _, consumer := range h.consumers {
		consumer.Start()
	}

	for _, producer := range h.producers {
		producer.Start()
	}

	h.settings.telemetry.info(context.Background(), logMsgStarted,
		logAttrProducers, len(h.producers),
		logAttrConsumers, len(h.consumers),
		logAttrMode, h.settings.mode.String())
}

// Stop cancels all actors, closes the Scheduler so no pending action fires, and waits until every
// actor loop has exited or ctx is done. It is safe to call more than once.
func (h *Harness) Stop(ctx context.Context) error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}

	for _, producer := range h.producers {
		producer.Cancel()
	}

	for _, consumer := range h.consumers {
		consumer.Cancel()
	}

	h.scheduler.Close()

	g, gctx := errgroup.WithContext(ctx)

	for _, producer := range h.producers {
		g.Go(func() error { return awaitDone(gctx, producer.Done()) })
	}

	for _, consumer := range h.consumers {
		g.Go(func() error { return awaitDone(gctx, consumer.Done()) })
	}

	err := g.Wait()

	h.settings.telemetry.info(ctx, logMsgStopped,
		logAttrProducers, len(h.producers),
		logAttrConsumers, len(h.consumers))

	return err
}

// Stats sums up the counters of all actors.
func (h *Harness) Stats() Stats {
	stats := Stats{
		Producers:      len(h.producers),
		Consumers:      len(h.consumers),
		PendingActions: h.scheduler.Pending(),
	}

	for _, producer := range h.producers {
		ps := producer.Stats()
		stats.AppendCalls += ps.AppendCalls
		stats.MessagesAppended += ps.MessagesAppended
		stats.Conflicts += ps.Conflicts
		stats.AppendFailures += ps.Failures
		stats.Retries += ps.Retries
	}

	for _, consumer := range h.consumers {
		cs := consumer.Stats()
		stats.MessagesReceived += cs.MessagesReceived
		stats.OrderingViolations += cs.OrderingViolations
		stats.SubscriptionDrops += cs.SubscriptionDrops
		stats.Resubscribes += cs.Resubscribes
		stats.SubscribeFailures += cs.SubscribeFailures
	}

	return stats
}

// abort tears down what New has built so far.
func (h *Harness) abort() {
	for _, producer := range h.producers {
		producer.Stop()
	}

	for _, consumer := range h.consumers {
		consumer.Stop()
	}

	h.scheduler.Close()
}

func awaitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
