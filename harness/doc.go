// Package harness drives an event stream backend with many concurrent producers and consumers.
//
// A Producer owns one stream ("producer-<id>") and keeps appending randomly sized batches of
// lorem ipsum messages to it, chaining the expected version from one append to the next. After
// every append, successful or not, it asks the Scheduler to wake it up again after a random delay.
//
// A Consumer subscribes to the global feed and checks that positions never go backwards. When
// the backend drops the subscription, the Consumer resubscribes after a random delay, continuing
// after the last position it has seen.
//
// Both run as actors: every state change happens on the actor's own loop, and callbacks from the
// backend or the Scheduler only post messages into the actor's mailbox.
//
// Harness builds one Scheduler plus N producers and M consumers around a Backend:
//
//	h, err := harness.New(backend, harness.WithProducers(100), harness.WithConsumers(2))
//	if err != nil {
//		return err
//	}
//	h.Start()
//	defer h.Stop(context.Background())
package harness
