package harness

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/AntonStoeckl/eventstore-tail/actor"
	"github.com/AntonStoeckl/eventstore-tail/eventstore"
	"github.com/AntonStoeckl/eventstore-tail/scheduler"
)

// Scheduler delivers delayed callbacks. *scheduler.Scheduler implements it.
type Scheduler interface {
	ScheduleOnce(action scheduler.Action, delay time.Duration)
	ScheduleOnceAsync(ctx context.Context, action scheduler.Action, delay time.Duration) error
}

type producerMessage interface {
	isProducerMessage()
}

type appendRequested struct {
	stream   string
	expected eventstore.ExpectedVersion
}

func (appendRequested) isProducerMessage() {}

// ProducerStats is a snapshot of a Producer's counters.
type ProducerStats struct {
	AppendCalls      int64
	MessagesAppended int64
	Conflicts        int64
	Failures         int64
	Retries          int64
}

type producerCounters struct {
	appendCalls      atomic.Int64
	messagesAppended atomic.Int64
	conflicts        atomic.Int64
	failures         atomic.Int64
	retries          atomic.Int64
}

// Producer appends synthesized batches to its own stream forever, until it is stopped.
type Producer struct {
	id        int
	stream    string
	backend   eventstore.Appender
	scheduler Scheduler
	settings  settings
	jitter    jitter
	payloads  payloadGenerator
	loop      *actor.Actor[producerMessage]
	started   *atomic.Bool
	counters  producerCounters
}

// NewProducer creates a Producer writing to "<prefix><id>" and spawns its idle loop.
func NewProducer(id int, backend eventstore.Appender, sched Scheduler, options ...Option) (*Producer, error) {
	s, err := buildSettings(options)
	if err != nil {
		return nil, err
	}

	return newProducer(id, backend, sched, s)
}

func newProducer(id int, backend eventstore.Appender, sched Scheduler, s settings) (*Producer, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	if sched == nil {
		return nil, ErrNilScheduler
	}

	rng := newRand(s, saltProducer, id)

	p := &Producer{
		id:        id,
		stream:    fmt.Sprintf("%s%d", s.streamPrefix, id),
		backend:   backend,
		scheduler: sched,
		settings:  s,
		jitter:    newJitter(s, rng),
		payloads:  newPayloadGenerator(s, rng),
		started:   atomic.NewBool(false),
	}

	p.loop = actor.Spawn(context.Background(), p.handle)

	return p, nil
}

// ID returns the producer id.
func (p *Producer) ID() int {
	return p.id
}

// Stream returns the id of the stream the Producer appends to.
func (p *Producer) Stream() string {
	return p.stream
}

// Start requests the first append, expecting the stream to be new. Calls after the first are ignored.
func (p *Producer) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.loop.Post(appendRequested{stream: p.stream, expected: eventstore.NoStream})
}

// Cancel signals the loop to stop without waiting for it.
func (p *Producer) Cancel() {
	p.loop.Cancel()
}

// Stop cancels the loop and waits for it to exit. An append in flight is aborted through its context.
// After Stop returns, the Producer issues no further backend calls.
func (p *Producer) Stop() {
	p.loop.Stop()
}

// Done is closed once the loop has exited.
func (p *Producer) Done() <-chan struct{} {
	return p.loop.Done()
}

// Stats returns a snapshot of the counters. It is safe to call from any goroutine.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		AppendCalls:      p.counters.appendCalls.Load(),
		MessagesAppended: p.counters.messagesAppended.Load(),
		Conflicts:        p.counters.conflicts.Load(),
		Failures:         p.counters.failures.Load(),
		Retries:          p.counters.retries.Load(),
	}
}

func (p *Producer) handle(ctx context.Context, msg producerMessage) {
	switch m := msg.(type) {
	case appendRequested:
		p.onAppendRequested(ctx, m)
	}
}

func (p *Producer) onAppendRequested(ctx context.Context, req appendRequested) {
	batch, err := p.payloads.batch(req.stream, req.expected)
	if err != nil {
		p.settings.telemetry.error(ctx, logMsgBuildingBatchFailed, err, logAttrProducer, p.id)
		p.counters.retries.Inc()
		p.schedule(ctx, req)

		return
	}

	next, err := p.appendBatch(ctx, req, batch)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		p.recordAppendError(ctx, req, err)
		p.counters.retries.Inc()
	}

	p.schedule(ctx, appendRequested{stream: req.stream, expected: next})
}

// appendBatch returns the expected version for the follow-up request together with the first error.
func (p *Producer) appendBatch(ctx context.Context, req appendRequested, batch eventstore.NewStreamMessages) (eventstore.ExpectedVersion, error) {
	switch {
	case p.settings.mode == Batched:
		return p.appendOnce(ctx, req.stream, req.expected, batch...)

	case p.settings.singularPolicy == SingularOnePerCall:
		next := req.expected
		for _, message := range batch {
			if ctx.Err() != nil {
				return next, ctx.Err()
			}

			version, err := p.appendOnce(ctx, req.stream, next, message)
			if err != nil {
				return next, err
			}

			next = version
		}

		return next, nil

	default:
		next := req.expected
		for range batch {
			if ctx.Err() != nil {
				return req.expected, ctx.Err()
			}

			version, err := p.appendOnce(ctx, req.stream, req.expected, batch...)
			if err != nil {
				return req.expected, err
			}

			next = version
		}

		return next, nil
	}
}

// appendOnce returns the version reported by the backend, or expected if the append failed.
func (p *Producer) appendOnce(
	ctx context.Context,
	stream string,
	expected eventstore.ExpectedVersion,
	messages ...eventstore.NewStreamMessage,
) (eventstore.ExpectedVersion, error) {
	p.counters.appendCalls.Inc()

	start := time.Now()
	result, err := p.backend.Append(ctx, stream, expected, messages...)
	duration := time.Since(start)

	if err != nil {
		p.settings.telemetry.recordDuration(ctx, eventstore.MetricAppendDuration, duration,
			map[string]string{labelMode: p.settings.mode.String(), labelStatus: statusError})

		return expected, err
	}

	p.counters.messagesAppended.Add(int64(len(messages)))
	p.settings.telemetry.recordDuration(ctx, eventstore.MetricAppendDuration, duration,
		map[string]string{labelMode: p.settings.mode.String(), labelStatus: statusSuccess})
	p.settings.telemetry.incrementCounter(ctx, eventstore.MetricAppendsTotal,
		map[string]string{labelMode: p.settings.mode.String()})
	p.settings.telemetry.debug(ctx, logMsgAppended,
		logAttrProducer, p.id,
		logAttrStreamID, stream,
		logAttrExpectedVersion, expected.String(),
		logAttrCurrentVersion, result.CurrentVersion,
		logAttrMessageCount, len(messages),
		logAttrDurationMS, toMilliseconds(duration))

	return result.NextExpectedVersion(), nil
}

func (p *Producer) recordAppendError(ctx context.Context, req appendRequested, err error) {
	labels := map[string]string{labelMode: p.settings.mode.String(), labelErrorType: eventstore.ErrorType(err)}
	args := []any{
		logAttrProducer, p.id,
		logAttrStreamID, req.stream,
		logAttrExpectedVersion, req.expected.String(),
		logAttrError, err.Error(),
	}

	if eventstore.IsConflict(err) {
		p.counters.conflicts.Inc()
		p.settings.telemetry.incrementCounter(ctx, eventstore.MetricAppendConflictsTotal, labels)
		p.settings.telemetry.warn(ctx, logMsgAppendConflict, args...)

		return
	}

	p.counters.failures.Inc()
	p.settings.telemetry.incrementCounter(ctx, eventstore.MetricAppendFailuresTotal, labels)
	p.settings.telemetry.warn(ctx, logMsgAppendFailed, args...)
}

// schedule asks the Scheduler to post req back into the mailbox after a random delay.
// Once the Producer is stopped, the posted request is dropped.
func (p *Producer) schedule(ctx context.Context, req appendRequested) {
	delay := p.jitter.next()

	err := p.scheduler.ScheduleOnceAsync(ctx, func() { p.loop.Post(req) }, delay)
	if err != nil && ctx.Err() == nil && !eventstore.IsCancellation(err) {
		p.settings.telemetry.error(ctx, logMsgSchedulingFailed, err,
			logAttrProducer, p.id,
			logAttrDelayMS, delay.Milliseconds())
	}
}
