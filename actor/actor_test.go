package actor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	. "github.com/AntonStoeckl/eventstore-tail/actor"
)

type tagged struct {
	sender int
	seq    int
}

func Test_Actor_ProcessesMessagesOfOneSenderInSendOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	// arrange
	const senders = 8
	const perSender = 250
	seen := make(map[int][]int) // loop-owned
	var snapshot map[int][]int
	processed := make(chan struct{}, senders*perSender)

	a := Spawn(context.Background(), func(_ context.Context, msg tagged) {
		seen[msg.sender] = append(seen[msg.sender], msg.seq)
		processed <- struct{}{}
	}, OnStop(func() { snapshot = seen }))

	// act
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(sender int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				a.Post(tagged{sender: sender, seq: i})
			}
		}(s)
	}
	wg.Wait()

	for i := 0; i < senders*perSender; i++ {
		<-processed
	}
	a.Stop()

	// assert
	assert.Len(t, snapshot, senders)
	for sender, seqs := range snapshot {
		assert.Len(t, seqs, perSender, "sender %d", sender)
		for i, seq := range seqs {
			assert.Equal(t, i, seq, "sender %d", sender)
		}
	}
}

func Test_Actor_Stop_WaitsForTheCurrentMessageAndDropsTheRest(t *testing.T) {
	defer goleak.VerifyNone(t)

	// arrange
	started := make(chan struct{})
	release := make(chan struct{})
	var handled []int
	var afterStop []int

	a := Spawn(context.Background(), func(_ context.Context, msg int) {
		if msg == 1 {
			close(started)
			<-release
		}
		handled = append(handled, msg)
	}, OnStop(func() { afterStop = handled }))

	a.Post(1)
	a.Post(2)
	a.Post(3)
	<-started

	// act
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	a.Stop()

	// assert
	assert.Equal(t, []int{1}, afterStop)
	assert.False(t, a.Post(4))
	assert.ErrorIs(t, a.Send(context.Background(), 5), ErrMailboxClosed)
}

func Test_Actor_When_ParentContextIsCanceled_Stops(t *testing.T) {
	defer goleak.VerifyNone(t)

	// arrange
	parent, cancel := context.WithCancel(context.Background())
	a := Spawn(parent, func(_ context.Context, _ string) {})

	// act
	cancel()

	// assert
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor loop did not exit after parent cancellation")
	}
	assert.Error(t, a.Context().Err())
}

func Test_Actor_When_TheHandlerPanics_KeepsRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	// arrange
	done := make(chan int, 1)
	a := Spawn(context.Background(), func(_ context.Context, msg int) {
		if msg == 0 {
			panic("boom")
		}
		done <- msg
	})
	defer a.Stop()

	// act
	a.Post(0)
	a.Post(42)

	// assert
	select {
	case got := <-done:
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("actor did not process the message after a panic")
	}
}
