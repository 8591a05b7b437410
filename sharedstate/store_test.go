package sharedstate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetRoundTrip(t *testing.T) {
	s := New()

	values := map[string]Value{
		"int":    42,
		"float":  3.25,
		"string": "ready",
		"bool":   true,
		"slice":  []any{1.0, "two", false},
		"map":    map[string]any{"value": 1, "unit": "C"},
		"nil":    nil,
	}

	for key, v := range values {
		require.NoError(t, s.Set(key, v))
		got, ok := s.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, v, got, key)
	}
}

func TestStore_KeyValidation(t *testing.T) {
	s := New()

	assert.ErrorIs(t, s.Set("", 1), ErrEmptyKey)
	assert.ErrorIs(t, s.Set(strings.Repeat("k", MaxKeyLength+1), 1), ErrKeyTooLong)
	assert.NoError(t, s.Set(strings.Repeat("k", MaxKeyLength), 1))
}

func TestStore_CapacityFailsClosed(t *testing.T) {
	s := New(WithCapacity(2))

	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))

	err := s.Set("c", 3)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.False(t, s.Exists("c"))

	// existing keys remain writable when full
	require.NoError(t, s.Set("a", 10))
	v, _ := s.Get("a")
	assert.Equal(t, 10, v)

	_, err = s.Increment("counter", 1)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	stats := s.Stats()
	assert.Equal(t, 2, stats.Capacity)
	assert.Equal(t, 2, stats.Used)
	assert.Equal(t, 2, stats.PeakUsed)
}

func TestStore_SameValueDoesNotNotify(t *testing.T) {
	s := New()
	var calls atomic.Int32

	_, err := s.Subscribe("mode", func(string, Value) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Set("mode", map[string]any{"name": "auto"}))
	require.NoError(t, s.Set("mode", map[string]any{"name": "auto"}))
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, s.Set("mode", map[string]any{"name": "manual"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestStore_SubscribePattern(t *testing.T) {
	s := New()
	var got []string

	_, err := s.Subscribe("sensor.*", func(key string, _ Value) error {
		got = append(got, key)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Set("sensor.temp", 21.5))
	require.NoError(t, s.Set("other.temp", 1))
	require.NoError(t, s.Set("sensor.humidity", 40))

	assert.Equal(t, []string{"sensor.temp", "sensor.humidity"}, got)
}

func TestStore_CallbackMayReenterStore(t *testing.T) {
	s := New()

	_, err := s.Subscribe("input", func(_ string, v Value) error {
		return s.Set("mirror", v)
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Set("input", 7)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback re-entering the store deadlocked")
	}

	v, ok := s.Get("mirror")
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestStore_CallbackFailuresAreCounted(t *testing.T) {
	s := New(WithLogger(&testLogger{t: t}))
	var reached atomic.Bool

	_, err := s.Subscribe("*", func(string, Value) error { return errors.New("boom") })
	require.NoError(t, err)
	_, err = s.Subscribe("*", func(string, Value) error { panic("bad callback") })
	require.NoError(t, err)
	_, err = s.Subscribe("*", func(string, Value) error {
		reached.Store(true)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Set("k", 1))

	assert.True(t, reached.Load())
	assert.Equal(t, uint64(2), s.Stats().CallbackErrors)
}

func TestStore_SubscriptionLimit(t *testing.T) {
	s := New(WithMaxSubscriptions(2))
	noop := func(string, Value) error { return nil }

	h1, err := s.Subscribe("a", noop)
	require.NoError(t, err)
	_, err = s.Subscribe("b", noop)
	require.NoError(t, err)

	_, err = s.Subscribe("c", noop)
	assert.ErrorIs(t, err, ErrTooManySubscriptions)

	require.NoError(t, s.Unsubscribe(h1))
	_, err = s.Subscribe("c", noop)
	assert.NoError(t, err)

	assert.ErrorIs(t, s.Unsubscribe(h1), ErrSubscriptionNotFound)
	_, err = s.Subscribe("d", nil)
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestStore_CompareAndSet(t *testing.T) {
	s := New()

	assert.ErrorIs(t, s.CompareAndSet("state", "idle", "busy"), ErrKeyNotFound)

	require.NoError(t, s.Set("state", "idle"))
	assert.ErrorIs(t, s.CompareAndSet("state", "busy", "done"), ErrValueMismatch)
	require.NoError(t, s.CompareAndSet("state", "idle", "busy"))

	v, _ := s.Get("state")
	assert.Equal(t, "busy", v)
}

func TestStore_CompareAndSetIsExclusive(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("owner", ""))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.CompareAndSet("owner", "", fmt.Sprintf("worker-%d", i)) == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestStore_IncrementConcurrent(t *testing.T) {
	s := New()
	const perWorker = 5000

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				_, err := s.Increment("ticks", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, ok := s.Get("ticks")
	require.True(t, ok)
	assert.Equal(t, float64(2*perWorker), v)
}

func TestStore_Increment(t *testing.T) {
	s := New()

	got, err := s.Increment("count", 2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	require.NoError(t, s.Set("int", 10))
	got, err = s.Increment("int", 1)
	require.NoError(t, err)
	assert.Equal(t, 11.0, got)

	require.NoError(t, s.Set("name", "pump"))
	_, err = s.Increment("name", 1)
	assert.ErrorIs(t, err, ErrNotNumeric)
}

func TestStore_HasChangedAndLastUpdate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))

	assert.True(t, s.LastUpdate("sensor.temp").IsZero())

	require.NoError(t, s.Set("sensor.temp", 20))
	assert.Equal(t, now, s.LastUpdate("sensor.temp"))

	mark := now
	now = now.Add(time.Second)
	assert.False(t, s.HasChanged("sensor.*", mark))

	require.NoError(t, s.Set("sensor.temp", 20))
	assert.False(t, s.HasChanged("sensor.*", mark), "unchanged value keeps its timestamp")

	require.NoError(t, s.Set("sensor.temp", 21))
	assert.True(t, s.HasChanged("sensor.*", mark))
	assert.False(t, s.HasChanged("actuator.*", mark))
}

func TestStore_KeysRemoveClear(t *testing.T) {
	s := New()
	for _, k := range []string{"sensor.b", "sensor.a", "actuator.x"} {
		require.NoError(t, s.Set(k, 1))
	}

	assert.Equal(t, []string{"sensor.a", "sensor.b"}, s.Keys("sensor.*"))
	assert.Equal(t, []string{"actuator.x", "sensor.a", "sensor.b"}, s.Keys(""))
	assert.Len(t, s.Snapshot("actuator.*"), 1)

	require.NoError(t, s.Remove("sensor.a"))
	assert.ErrorIs(t, s.Remove("sensor.a"), ErrKeyNotFound)
	assert.False(t, s.Exists("sensor.a"))

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 3, s.Stats().PeakUsed)
}

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, args ...any)  { l.t.Log(append([]any{"INFO", msg}, args...)...) }
func (l *testLogger) Error(msg string, args ...any) { l.t.Log(append([]any{"ERROR", msg}, args...)...) }
func (l *testLogger) Warn(msg string, args ...any)  { l.t.Log(append([]any{"WARN", msg}, args...)...) }
func (l *testLogger) Debug(msg string, args ...any) { l.t.Log(append([]any{"DEBUG", msg}, args...)...) }
