package postgresengine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/AntonStoeckl/eventstore-tail/eventstore"
	. "github.com/AntonStoeckl/eventstore-tail/eventstore/postgresengine"
	"github.com/AntonStoeckl/eventstore-tail/testutil/helper/postgreswrapper"
)

// givenEventStoreOnFreshTable creates an event store on a table only this test uses.
func givenEventStoreOnFreshTable(t *testing.T, options ...Option) (*EventStore, postgreswrapper.Wrapper) {
	t.Helper()

	options = append(options, WithPollInterval(10*time.Millisecond))
	wrapper := postgreswrapper.CreateWrapper(t, options...)

	return wrapper.EventStore(), wrapper
}

func givenBatch(t *testing.T, n int) []NewStreamMessage {
	t.Helper()

	batch := make([]NewStreamMessage, n)
	for i := range batch {
		msg, err := BuildNewStreamMessage(uuid.New(), "tail.generated", []byte(fmt.Sprintf(`{"n":%d}`, i)), []byte(`{}`))
		require.NoError(t, err)
		batch[i] = msg
	}

	return batch
}

type receivedFeed struct {
	mu       sync.Mutex
	messages []StreamMessage
}

func (f *receivedFeed) onMessage(msg StreamMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *receivedFeed) snapshot() []StreamMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]StreamMessage(nil), f.messages...)
}

func Test_Append_When_StreamIsNew(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t)

	// act
	result, err := es.Append(ctx, "producer-1", NoStream, givenBatch(t, 3)...)

	// assert
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.CurrentVersion)
	assert.Positive(t, result.CurrentPosition)
}

func Test_Append_ChainsVersions(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t)

	// arrange
	first, err := es.Append(ctx, "producer-1", NoStream, givenBatch(t, 2)...)
	require.NoError(t, err)

	// act
	second, err := es.Append(ctx, "producer-1", first.NextExpectedVersion(), givenBatch(t, 4)...)

	// assert
	require.NoError(t, err)
	assert.Equal(t, int64(5), second.CurrentVersion)
	assert.Greater(t, second.CurrentPosition, first.CurrentPosition)
}

func Test_Append_When_ExpectedVersionIsStale(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t)

	// arrange
	_, err := es.Append(ctx, "producer-1", NoStream, givenBatch(t, 2)...)
	require.NoError(t, err)

	// act
	_, err = es.Append(ctx, "producer-1", NoStream, givenBatch(t, 1)...)

	// assert
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func Test_Append_When_SameMessagesAreAppendedTwice(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t)
	batch := givenBatch(t, 3)

	// arrange
	first, err := es.Append(ctx, "producer-1", NoStream, batch...)
	require.NoError(t, err)

	// act
	repeated, err := es.Append(ctx, "producer-1", NoStream, batch...)

	// assert
	require.NoError(t, err)
	assert.Equal(t, first, repeated)
}

func Test_Append_When_ManyWritersRaceForTheSameVersion(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t)

	// act
	var wg sync.WaitGroup
	results := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := es.Append(ctx, "contended", NoStream, givenBatch(t, 1)...)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	// assert
	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	}
	assert.Equal(t, 1, succeeded)
}

func Test_Append_When_AnEarlierAppendIsUncommitted_WaitsForItsCommit(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	es, wrapper := givenEventStoreOnFreshTable(t)
	feed := &receivedFeed{}
	batch := givenBatch(t, 1)

	// arrange
	pending, err := wrapper.BeginUncommittedAppend(ctx, "producer-1")
	require.NoError(t, err)
	defer func() { _ = pending.Rollback(context.Background()) }()

	sub, err := es.SubscribeAll(ctx, Cursor{}, feed.onMessage, nil)
	require.NoError(t, err)
	defer sub.Release()

	// act
	appended := make(chan error, 1)
	go func() {
		_, appendErr := es.Append(ctx, "producer-2", NoStream, batch...)
		appended <- appendErr
	}()

	// assert
	assert.Never(t, func() bool { return len(appended) > 0 }, 300*time.Millisecond, 10*time.Millisecond,
		"the append must wait until the earlier transaction commits")
	assert.Empty(t, feed.snapshot())

	require.NoError(t, pending.Commit(ctx))
	require.NoError(t, <-appended)
	assert.Eventually(t, func() bool { return len(feed.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)

	received := feed.snapshot()
	assert.Equal(t, "producer-1", received[0].StreamID)
	assert.Equal(t, "producer-2", received[1].StreamID)
	assert.Greater(t, received[1].Position, received[0].Position)
}

func Test_SubscribeAll_When_ManyWritersAppendConcurrently_DeliversEveryMessage(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t)
	feed := &receivedFeed{}

	const writers, appendsPerWriter, batchSize = 8, 10, 2

	// arrange
	sub, err := es.SubscribeAll(ctx, Cursor{}, feed.onMessage, nil)
	require.NoError(t, err)
	defer sub.Release()

	batches := make([][][]NewStreamMessage, writers)
	for w := range batches {
		batches[w] = make([][]NewStreamMessage, appendsPerWriter)
		for a := range batches[w] {
			batches[w][a] = givenBatch(t, batchSize)
		}
	}

	// act
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			expected := NoStream
			for _, batch := range batches[w] {
				result, appendErr := es.Append(ctx, fmt.Sprintf("producer-%d", w), expected, batch...)
				if appendErr != nil {
					errs <- appendErr
					return
				}
				expected = result.NextExpectedVersion()
			}
		}()
	}
	wg.Wait()
	close(errs)

	// assert
	for appendErr := range errs {
		assert.NoError(t, appendErr)
	}

	total := writers * appendsPerWriter * batchSize
	assert.Eventually(t, func() bool { return len(feed.snapshot()) >= total }, 10*time.Second, 10*time.Millisecond)

	received := feed.snapshot()
	assert.Len(t, received, total)
	seen := make(map[uuid.UUID]struct{}, len(received))
	for i, msg := range received {
		seen[msg.MessageID] = struct{}{}
		if i > 0 {
			assert.Greater(t, msg.Position, received[i-1].Position)
		}
	}
	assert.Len(t, seen, total)
}

func Test_SubscribeAll_DeliversInPositionOrder(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t, WithSubscriptionBatchSize(4))

	// arrange
	_, err := es.Append(ctx, "producer-1", NoStream, givenBatch(t, 5)...)
	require.NoError(t, err)
	_, err = es.Append(ctx, "producer-2", NoStream, givenBatch(t, 5)...)
	require.NoError(t, err)

	feed := &receivedFeed{}

	// act
	sub, err := es.SubscribeAll(ctx, Cursor{}, feed.onMessage, nil)
	require.NoError(t, err)
	defer sub.Release()

	// assert
	assert.Eventually(t, func() bool { return len(feed.snapshot()) == 10 }, 5*time.Second, 10*time.Millisecond)

	received := feed.snapshot()
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i].Position, received[i-1].Position)
	}
	assert.Equal(t, "producer-1", received[0].StreamID)
	assert.Equal(t, int64(0), received[0].StreamVersion)
	assert.JSONEq(t, `{"n":0}`, string(received[0].PayloadJSON))
}

func Test_SubscribeAll_ContinuesAfterTheCursor(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t)

	// arrange
	first, err := es.Append(ctx, "producer-1", NoStream, givenBatch(t, 3)...)
	require.NoError(t, err)
	_, err = es.Append(ctx, "producer-1", first.NextExpectedVersion(), givenBatch(t, 2)...)
	require.NoError(t, err)

	feed := &receivedFeed{}

	// act
	sub, err := es.SubscribeAll(ctx, CursorAt(first.CurrentPosition), feed.onMessage, nil)
	require.NoError(t, err)
	defer sub.Release()

	// assert
	assert.Eventually(t, func() bool { return len(feed.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(feed.snapshot()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int64(3), feed.snapshot()[0].StreamVersion)
}

func Test_SubscribeAll_When_ReadingFails(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	es, wrapper := givenEventStoreOnFreshTable(t)

	// arrange
	err := wrapper.Exec(ctx, postgreswrapper.DropTableQuery(wrapper.Table()))
	require.NoError(t, err)

	dropped := make(chan DropReason, 1)

	// act
	sub, err := es.SubscribeAll(ctx, Cursor{}, func(StreamMessage) {}, func(reason DropReason, cause error) {
		assert.ErrorIs(t, cause, ErrReadingAllFailed)
		dropped <- reason
	})
	require.NoError(t, err)
	defer sub.Release()

	// assert
	select {
	case reason := <-dropped:
		assert.Equal(t, DropReasonSubscriptionError, reason)
	case <-ctx.Done():
		t.Fatal("subscription was not dropped")
	}
}

func Test_SubscribeAll_When_Released(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t)
	feed := &receivedFeed{}

	// arrange
	sub, err := es.SubscribeAll(ctx, Cursor{}, feed.onMessage, func(DropReason, error) {
		t.Error("drop handler must not run after Release")
	})
	require.NoError(t, err)

	// act
	sub.Release()
	sub.Release()
	_, err = es.Append(ctx, "producer-1", NoStream, givenBatch(t, 1)...)
	require.NoError(t, err)

	// assert
	assert.Never(t, func() bool { return len(feed.snapshot()) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func Test_Ping_When_OnlyThePrimaryIsConfigured(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	es, _ := givenEventStoreOnFreshTable(t)

	// act & assert
	assert.Equal(t, []Node{NodePrimary}, es.Nodes())
	assert.NoError(t, es.Ping(ctx, NodePrimary))
	assert.ErrorIs(t, es.Ping(ctx, NodeReplica), ErrNoReplicaConfigured)
}

func Test_Ping_When_ContextIsCanceled(t *testing.T) {
	// setup
	ctx, cancel := context.WithCancel(context.Background())
	es, _ := givenEventStoreOnFreshTable(t)

	// act
	cancel()
	err := es.Ping(ctx, NodePrimary)

	// assert
	assert.Error(t, err)
}
