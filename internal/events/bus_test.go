package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/storage"
)

func record(key string, version uint64, progress int) storage.DownloadRecord {
	return storage.DownloadRecord{Key: key, Version: version, Progress: progress, State: storage.StateInProgress}
}

func TestBus_DeliversToKeyAndWildcard(t *testing.T) {
	bus := NewBus(context.Background())

	var keyed, wildcard []string

	bus.Subscribe("a", func(rec storage.DownloadRecord) { keyed = append(keyed, rec.Key) })
	bus.Subscribe(Wildcard, func(rec storage.DownloadRecord) { wildcard = append(wildcard, rec.Key) })

	bus.Publish(record("a", 1, 0))
	bus.Publish(record("b", 2, 0))

	assert.Equal(t, []string{"a"}, keyed)
	assert.Equal(t, []string{"a", "b"}, wildcard)
}

func TestBus_MultipleHandlersAndUnsubscribe(t *testing.T) {
	bus := NewBus(context.Background())

	var first, second int

	unsubscribe := bus.Subscribe("a", func(storage.DownloadRecord) { first++ })
	bus.Subscribe("a", func(storage.DownloadRecord) { second++ })

	bus.Publish(record("a", 1, 0))

	unsubscribe()
	unsubscribe()

	bus.Publish(record("a", 2, 0))

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestBus_TopicReleasedWithLastHandler(t *testing.T) {
	bus := NewBus(context.Background())

	unsubscribe := bus.Subscribe("a", func(storage.DownloadRecord) {})
	require.Contains(t, bus.topics, "a")

	unsubscribe()
	assert.NotContains(t, bus.topics, "a")
}

func TestBus_NoReplayForLateSubscribers(t *testing.T) {
	bus := NewBus(context.Background())

	bus.Publish(record("a", 1, 10))

	var got []int

	bus.Subscribe("a", func(rec storage.DownloadRecord) { got = append(got, rec.Progress) })
	bus.Publish(record("a", 2, 20))

	assert.Equal(t, []int{20}, got)
}

func TestBus_DropsStaleVersions(t *testing.T) {
	bus := NewBus(context.Background())

	var got []uint64

	bus.Subscribe("a", func(rec storage.DownloadRecord) { got = append(got, rec.Version) })

	bus.Publish(record("a", 5, 50))
	bus.Publish(record("a", 3, 30))
	bus.Publish(record("a", 5, 50))
	bus.Publish(record("a", 7, 70))

	assert.Equal(t, []uint64{5, 7}, got)
}

func TestBus_ReentrantPublishIsQueued(t *testing.T) {
	bus := NewBus(context.Background())

	var got []uint64

	bus.Subscribe("a", func(rec storage.DownloadRecord) {
		got = append(got, rec.Version)

		if rec.Version == 1 {
			bus.Publish(record("a", 2, 0))
			// The nested publish must not have been delivered yet.
			assert.Equal(t, []uint64{1}, got)
		}
	})

	done := make(chan struct{})

	go func() {
		defer close(done)
		bus.Publish(record("a", 1, 0))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant publish deadlocked")
	}

	assert.Equal(t, []uint64{1, 2}, got)
}

func TestBus_HandlerPanicDoesNotStopFanOut(t *testing.T) {
	bus := NewBus(context.Background())

	delivered := false

	bus.Subscribe("a", func(storage.DownloadRecord) { panic("boom") })
	bus.Subscribe("a", func(storage.DownloadRecord) { delivered = true })

	require.NotPanics(t, func() { bus.Publish(record("a", 1, 0)) })
	assert.True(t, delivered)
}

func TestBus_HandlersReceiveCopies(t *testing.T) {
	bus := NewBus(context.Background())

	var seen []byte

	bus.Subscribe("a", func(rec storage.DownloadRecord) { rec.ResumeToken[0] = 'X' })
	bus.Subscribe("a", func(rec storage.DownloadRecord) { seen = rec.ResumeToken })

	original := record("a", 1, 0)
	original.ResumeToken = []byte("token")

	bus.Publish(original)

	assert.Equal(t, "token", string(seen))
	assert.Equal(t, "token", string(original.ResumeToken))
}

func TestBus_ConcurrentPublishersKeepPerKeyOrder(t *testing.T) {
	bus := NewBus(context.Background())

	var (
		mu  sync.Mutex
		got []uint64
	)

	bus.Subscribe("a", func(rec storage.DownloadRecord) {
		mu.Lock()
		defer mu.Unlock()

		got = append(got, rec.Version)
	})

	var wg sync.WaitGroup

	for v := uint64(1); v <= 100; v++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			bus.Publish(record("a", v, 0))
		}()
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, got)

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}
