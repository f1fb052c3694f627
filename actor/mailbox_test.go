package actor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/AntonStoeckl/eventstore-tail/actor"
)

func Test_Mailbox_Receive_PreservesSendOrder(t *testing.T) {
	// arrange
	ctx := context.Background()
	mailbox := NewMailbox[int]()
	const numberOfMessages = 1000

	for i := 0; i < numberOfMessages; i++ {
		require.True(t, mailbox.Post(i))
	}

	// act
	received := make([]int, 0, numberOfMessages)
	for i := 0; i < numberOfMessages; i++ {
		msg, err := mailbox.Receive(ctx)
		require.NoError(t, err)
		received = append(received, msg)
	}

	// assert
	for i, msg := range received {
		assert.Equal(t, i, msg)
	}
	assert.Equal(t, 0, mailbox.Len())
}

func Test_Mailbox_Receive_BlocksUntilAMessageIsPosted(t *testing.T) {
	// arrange
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mailbox := NewMailbox[string]()

	go func() {
		time.Sleep(20 * time.Millisecond)
		mailbox.Post("hello")
	}()

	// act
	msg, err := mailbox.Receive(ctx)

	// assert
	assert.NoError(t, err)
	assert.Equal(t, "hello", msg)
}

func Test_Mailbox_Receive_When_ContextIsCanceled_Unblocks(t *testing.T) {
	// arrange
	ctx, cancel := context.WithCancel(context.Background())
	mailbox := NewMailbox[string]()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	// act
	_, err := mailbox.Receive(ctx)

	// assert
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, mailbox.Closed())
}

func Test_Mailbox_Receive_When_ContextIsAlreadyCanceled_IgnoresPendingMessages(t *testing.T) {
	// arrange
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mailbox := NewMailbox[int]()
	mailbox.Post(1)

	// act
	_, err := mailbox.Receive(ctx)

	// assert
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, mailbox.Post(2))
}

func Test_Mailbox_Send_When_Closed(t *testing.T) {
	// arrange
	mailbox := NewMailbox[int]()
	mailbox.Post(1)
	mailbox.Post(2)

	// act
	dropped := mailbox.Close()
	err := mailbox.Send(context.Background(), 3)

	// assert
	assert.Equal(t, 2, dropped)
	assert.ErrorIs(t, err, ErrMailboxClosed)
	assert.False(t, mailbox.Post(4))
}

func Test_Mailbox_Send_When_ContextIsDone(t *testing.T) {
	// arrange
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mailbox := NewMailbox[int]()

	// act
	err := mailbox.Send(ctx, 1)

	// assert
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, mailbox.Len())
}

func Test_Mailbox_Receive_When_Closed(t *testing.T) {
	// arrange
	mailbox := NewMailbox[int]()
	mailbox.Close()

	// act
	_, err := mailbox.Receive(context.Background())

	// assert
	assert.ErrorIs(t, err, ErrMailboxClosed)
}
