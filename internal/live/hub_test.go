package live

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var out []Event
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "channel closed after %d events", i)
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	return out
}

func TestHub_FanOutInOrder(t *testing.T) {
	h := NewHub(8, nil)
	a, err := h.Subscribe("demo")
	require.NoError(t, err)
	b, err := h.Subscribe("demo")
	require.NoError(t, err)
	other, err := h.Subscribe("other")
	require.NoError(t, err)

	assert.Equal(t, 2, h.Publish("demo", Started("demo")))
	assert.Equal(t, 2, h.Publish("demo", Updated("demo", 1, []PageRef{{Index: 1}}, time.Second)))

	for _, sub := range []*Subscription{a, b} {
		evs := drain(t, sub, 2)
		assert.Equal(t, EventExecutionStarted, evs[0].Type)
		assert.Equal(t, EventPreviewUpdated, evs[1].Type)
		assert.Equal(t, 1.0, evs[1].ExecutionTime)
	}
	assert.Len(t, other.Events(), 0, "other sketch must not receive demo events")
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h := NewHub(1, nil)
	assert.Equal(t, 0, h.Publish("nobody", Started("nobody")))
}

func TestHub_SlowSubscriberDisconnected(t *testing.T) {
	h := NewHub(1, nil)
	slow, _ := h.Subscribe("demo")
	fast, _ := h.Subscribe("demo")

	h.Publish("demo", Started("demo"))
	drain(t, fast, 1)

	// slow still holds the first event; the second does not fit.
	delivered := h.Publish("demo", Failed("demo", 2, "runtime_error", "boom", ""))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, h.Count("demo"))

	ev := <-slow.Events()
	assert.Equal(t, EventExecutionStarted, ev.Type)
	_, ok := <-slow.Events()
	assert.False(t, ok, "slow subscriber channel should be closed")

	evs := drain(t, fast, 1)
	assert.Equal(t, "boom", evs[0].Error)
}

func TestHub_CloseSubscriptionIdempotent(t *testing.T) {
	h := NewHub(4, nil)
	sub, _ := h.Subscribe("demo")
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Count("demo"))
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestHub_ActivityHooks(t *testing.T) {
	h := NewHub(4, nil)
	var mu sync.Mutex
	var calls []string
	h.OnActivity(
		func(s string) { mu.Lock(); calls = append(calls, "first:"+s); mu.Unlock() },
		func(s string) { mu.Lock(); calls = append(calls, "last:"+s); mu.Unlock() },
	)

	a, _ := h.Subscribe("demo")
	b, _ := h.Subscribe("demo")
	a.Close()
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:demo", "last:demo"}, calls)
}

func TestHub_CloseNotifiesShutdown(t *testing.T) {
	h := NewHub(4, nil)
	sub, _ := h.Subscribe("demo")
	h.Close()

	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, EventServerShutdown, ev.Type)
	_, ok = <-sub.Events()
	assert.False(t, ok)

	_, err := h.Subscribe("demo")
	assert.ErrorIs(t, err, ErrClosed)
	sub.Close() // no panic after hub close
}

func TestHub_Stats(t *testing.T) {
	h := NewHub(4, nil)
	a, _ := h.Subscribe("a")
	h.Subscribe("b")
	h.Subscribe("b")
	a.Close()

	st := h.Stats()
	assert.Equal(t, int64(3), st.TotalConnections)
	assert.Equal(t, 2, st.ActiveConnections)
	assert.Equal(t, map[string]int{"b": 2}, st.Sketches)
	assert.Equal(t, []string{"b"}, h.Sketches())
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	h := NewHub(64, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := h.Subscribe("demo")
			if err == nil {
				sub.Close()
			}
		}()
		go func() {
			defer wg.Done()
			h.Publish("demo", Started("demo"))
		}()
	}
	wg.Wait()
	h.Close()
}
