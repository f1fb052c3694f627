package memengine

import (
	"context"

	"go.uber.org/atomic"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

type dropSignal struct {
	reason eventstore.DropReason
	cause  error
}

type subscription struct {
	store     *EventStore
	next      int64
	onMessage eventstore.MessageHandler
	onDropped eventstore.DropHandler

	ctx      context.Context
	cancel   context.CancelFunc
	released *atomic.Bool
	drops    chan dropSignal
}

// Release stops delivery. The drop handler is not invoked afterwards.
func (s *subscription) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// SubscribeAll delivers every message after continueAfter on a dedicated goroutine.
// Canceling ctx ends the subscription like Release.
func (es *EventStore) SubscribeAll(
	ctx context.Context,
	continueAfter eventstore.Cursor,
	onMessage eventstore.MessageHandler,
	onDropped eventstore.DropHandler,
) (eventstore.Subscription, error) {

	if onMessage == nil {
		return nil, eventstore.ErrNilMessageHandler
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		store:     es,
		onMessage: onMessage,
		onDropped: onDropped,
		ctx:       subCtx,
		cancel:    cancel,
		released:  atomic.NewBool(false),
		drops:     make(chan dropSignal, 1),
	}

	if position, ok := continueAfter.Position(); ok {
		sub.next = position + 1
	}

	es.subscriptions.Add(sub)
	es.running.Add(1)

	go sub.run()

	return sub, nil
}

// DropAll ends every live subscription with reason and cause. It returns the number of subscriptions signaled.
func (es *EventStore) DropAll(reason eventstore.DropReason, cause error) int {
	live := es.subscriptions.ToSlice()

	if es.logger != nil {
		es.logger.Info(logMsgSubscriptionsDrop, logAttrReason, string(reason), logAttrSubscriptions, len(live))
	}

	for _, sub := range live {
		select {
		case sub.drops <- dropSignal{reason: reason, cause: cause}:
		default:
		}
	}

	return len(live)
}

// Subscriptions returns the number of live subscriptions.
func (es *EventStore) Subscriptions() int {
	return es.subscriptions.Cardinality()
}

// Close drops all subscriptions with DropReasonServerShutdown and waits for their goroutines.
func (es *EventStore) Close() {
	es.DropAll(eventstore.DropReasonServerShutdown, nil)
	es.running.Wait()
}

func (s *subscription) run() {
	defer s.store.running.Done()
	defer s.store.subscriptions.Remove(s)
	defer s.cancel()

	for {
		batch, wake := s.store.readFrom(s.next)

		for _, msg := range batch {
			if s.stopped() {
				return
			}

			s.onMessage(msg)
			s.next++
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case signal := <-s.drops:
			s.dropped(signal)
			return
		case <-wake:
		}
	}
}

func (s *subscription) stopped() bool {
	select {
	case <-s.ctx.Done():
		return true
	case signal := <-s.drops:
		s.dropped(signal)
		return true
	default:
		return s.released.Load()
	}
}

func (s *subscription) dropped(signal dropSignal) {
	if s.released.Load() || s.onDropped == nil {
		return
	}

	s.onDropped(signal.reason, signal.cause)
}
