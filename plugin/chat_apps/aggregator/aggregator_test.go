package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hrygo/kbot/plugin/chat_apps"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is a manually driven clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// batchRecorder is a FlushHandler that records every batch.
type batchRecorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *batchRecorder) handle(_ context.Context, b Batch) error {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	return nil
}

func (r *batchRecorder) all() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Batch, len(r.batches))
	copy(out, r.batches)
	return out
}

func passthrough(_ context.Context, _ string, text string) (string, error) {
	return text, nil
}

func textUnit(userID, content string) chat_apps.KMessage {
	return chat_apps.KMessage{
		ID:       chat_apps.NewMessageID(userID, "chat-"+userID),
		Kind:     chat_apps.MessageKindText,
		Sender:   chat_apps.SenderPrivate,
		Platform: chat_apps.PlatformTelegram,
		Content:  content,
	}
}

func contents(units []chat_apps.KMessage) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.Content)
	}
	return out
}

func TestAggregator_Ingest(t *testing.T) {
	t.Run("Creates queue on first ingest", func(t *testing.T) {
		agg := New()
		assert.Empty(t, agg.Users())

		agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", "a")})
		assert.Equal(t, []string{"u1"}, agg.Users())
		assert.Equal(t, []string{"a"}, contents(agg.Pending("u1")))
	})

	t.Run("Empty ingest is a no-op", func(t *testing.T) {
		agg := New()
		agg.Ingest("u1", nil)
		assert.Empty(t, agg.Users())
		assert.Nil(t, agg.Pending("u1"))
	})

	t.Run("Appends in order", func(t *testing.T) {
		agg := New()
		agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", "a"), textUnit("u1", "b")})
		agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", "c")})
		assert.Equal(t, []string{"a", "b", "c"}, contents(agg.Pending("u1")))
	})

	t.Run("Concurrent ingest keeps every unit", func(t *testing.T) {
		agg := New()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", fmt.Sprintf("m%d", i))})
				agg.Ingest(fmt.Sprintf("other-%d", i%5), []chat_apps.KMessage{textUnit("x", "y")})
			}(i)
		}
		wg.Wait()

		assert.Len(t, agg.Pending("u1"), 50)
		assert.Len(t, agg.Users(), 6)
	})
}

func TestScheduler_Debounce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	base := clock.Now()

	agg := New(WithClock(clock.Now))
	agg.RegisterMessageProcessor("passthrough", passthrough)
	rec := &batchRecorder{}
	s := NewScheduler(agg, rec.handle, SchedulerConfig{Interval: 5 * time.Second, TickInterval: time.Second})

	ingestAt := map[int]string{0: "first", 2: "second", 4: "third"}
	for sec := 0; sec <= 12; sec++ {
		now := base.Add(time.Duration(sec) * time.Second)
		clock.Set(now)
		if content, ok := ingestAt[sec]; ok {
			agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", content)})
		}

		s.scan(ctx, now)
		s.flushes.Wait()

		if sec < 9 {
			assert.Empty(t, rec.all(), "no flush expected at t=%d", sec)
		}
	}

	batches := rec.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "u1", batches[0].UserID)
	assert.Equal(t, []string{"first", "second", "third"}, contents(batches[0].Units))
	assert.Equal(t, "first\nsecond\nthird", batches[0].Text)
}

func TestScheduler_IngestDuringFlush(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	base := clock.Now()

	agg := New(WithClock(clock.Now))
	agg.RegisterMessageProcessor("passthrough", passthrough)

	entered := make(chan struct{}, 1)
	unblock := make(chan struct{})
	rec := &batchRecorder{}
	handler := func(ctx context.Context, b Batch) error {
		_ = rec.handle(ctx, b)
		if len(rec.all()) == 1 {
			entered <- struct{}{}
			<-unblock
		}
		return nil
	}
	s := NewScheduler(agg, handler, SchedulerConfig{Interval: 5 * time.Second})

	agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", "a")})

	clock.Set(base.Add(5 * time.Second))
	s.scan(ctx, clock.Now())
	<-entered

	// New units arrive while the first batch is being handled.
	clock.Set(base.Add(6 * time.Second))
	agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", "b"), textUnit("u1", "c")})

	// A flushing user is never claimed again.
	clock.Set(base.Add(20 * time.Second))
	s.scan(ctx, clock.Now())
	assert.Len(t, rec.all(), 1)

	close(unblock)
	s.flushes.Wait()

	s.scan(ctx, clock.Now())
	s.flushes.Wait()

	batches := rec.all()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"a"}, contents(batches[0].Units))
	assert.Equal(t, []string{"b", "c"}, contents(batches[1].Units))
}

func TestScheduler_Pipeline(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, register func(agg *Aggregator)) []Batch {
		t.Helper()
		clock := newFakeClock()
		agg := New(WithClock(clock.Now))
		register(agg)
		rec := &batchRecorder{}
		s := NewScheduler(agg, rec.handle, SchedulerConfig{Interval: time.Second})

		agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", "hello")})
		s.scan(ctx, clock.Now().Add(time.Second))
		s.flushes.Wait()
		return rec.all()
	}

	t.Run("Non-empty outputs only", func(t *testing.T) {
		batches := run(t, func(agg *Aggregator) {
			agg.RegisterMessageProcessor("a", func(context.Context, string, string) (string, error) { return "A", nil })
			agg.RegisterMessageProcessor("empty", func(context.Context, string, string) (string, error) { return "", nil })
		})
		require.Len(t, batches, 1)
		assert.Equal(t, "A", batches[0].Text)
	})

	t.Run("No output means no handler call", func(t *testing.T) {
		batches := run(t, func(agg *Aggregator) {
			agg.RegisterMessageProcessor("empty", func(context.Context, string, string) (string, error) { return "", nil })
		})
		assert.Empty(t, batches)
	})

	t.Run("No processors means no handler call", func(t *testing.T) {
		assert.Empty(t, run(t, func(*Aggregator) {}))
	})

	t.Run("Registration order, no separator", func(t *testing.T) {
		batches := run(t, func(agg *Aggregator) {
			agg.RegisterMessageProcessor("x", func(context.Context, string, string) (string, error) { return "x", nil })
			agg.RegisterMessageProcessor("y", func(context.Context, string, string) (string, error) { return "y", nil })
		})
		require.Len(t, batches, 1)
		assert.Equal(t, "xy", batches[0].Text)
	})

	t.Run("Failing processors are skipped", func(t *testing.T) {
		batches := run(t, func(agg *Aggregator) {
			agg.RegisterMessageProcessor("err", func(context.Context, string, string) (string, error) {
				return "ignored", errors.New("boom")
			})
			agg.RegisterMessageProcessor("panic", func(context.Context, string, string) (string, error) {
				panic("boom")
			})
			agg.RegisterMessageProcessor("ok", passthrough)
		})
		require.Len(t, batches, 1)
		assert.Equal(t, "hello", batches[0].Text)
	})

	t.Run("Removed processor does not run", func(t *testing.T) {
		batches := run(t, func(agg *Aggregator) {
			h := agg.RegisterMessageProcessor("x", func(context.Context, string, string) (string, error) { return "x", nil })
			agg.RegisterMessageProcessor("ok", passthrough)
			h.Remove()
			h.Remove()
		})
		require.Len(t, batches, 1)
		assert.Equal(t, "hello", batches[0].Text)
	})
}

func TestScheduler_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	agg := New(WithClock(clock.Now))
	agg.RegisterMessageProcessor("passthrough", passthrough)

	var mu sync.Mutex
	handled := map[string]int{}
	handler := func(_ context.Context, b Batch) error {
		mu.Lock()
		handled[b.UserID]++
		mu.Unlock()
		switch b.UserID {
		case "bad":
			return errors.New("model unavailable")
		case "panics":
			panic("handler exploded")
		}
		return nil
	}
	s := NewScheduler(agg, handler, SchedulerConfig{Interval: time.Second})

	for _, id := range []string{"bad", "good", "panics"} {
		agg.Ingest(id, []chat_apps.KMessage{textUnit(id, "hi")})
	}
	s.scan(ctx, clock.Now().Add(time.Second))
	s.flushes.Wait()

	assert.Equal(t, map[string]int{"bad": 1, "good": 1, "panics": 1}, handled)

	// Failed batches are dropped, not retried.
	s.scan(ctx, clock.Now().Add(time.Minute))
	s.flushes.Wait()
	assert.Equal(t, 1, handled["bad"])
}

func TestScheduler_MaxConcurrentFlushes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	agg := New(WithClock(clock.Now))
	agg.RegisterMessageProcessor("passthrough", passthrough)

	unblock := make(chan struct{})
	rec := &batchRecorder{}
	handler := func(ctx context.Context, b Batch) error {
		<-unblock
		return rec.handle(ctx, b)
	}
	s := NewScheduler(agg, handler, SchedulerConfig{Interval: time.Second, MaxConcurrentFlushes: 1})

	agg.Ingest("a", []chat_apps.KMessage{textUnit("a", "1")})
	agg.Ingest("b", []chat_apps.KMessage{textUnit("b", "2")})

	now := clock.Now().Add(time.Second)
	s.scan(ctx, now)
	// "b" stays queued while "a" holds the only slot.
	assert.Len(t, agg.Pending("b"), 1)
	assert.Empty(t, agg.Pending("a"))

	close(unblock)
	s.flushes.Wait()
	s.scan(ctx, now)
	s.flushes.Wait()

	batches := rec.all()
	require.Len(t, batches, 2)
	assert.Equal(t, "a", batches[0].UserID)
	assert.Equal(t, "b", batches[1].UserID)
}

func TestScheduler_SaturatedScanRotates(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	agg := New(WithClock(clock.Now))
	agg.RegisterMessageProcessor("passthrough", passthrough)

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	handler := func(_ context.Context, b Batch) error {
		mu.Lock()
		order = append(order, b.UserID)
		mu.Unlock()
		<-release
		return nil
	}
	s := NewScheduler(agg, handler, SchedulerConfig{Interval: time.Second, MaxConcurrentFlushes: 1})

	for _, id := range []string{"a", "b", "c"} {
		agg.Ingest(id, []chat_apps.KMessage{textUnit(id, "hi")})
	}

	// Users already served keep sending, so a scan that always started at
	// the front of the list would never reach "c".
	for _, refill := range [][]string{nil, {"a"}, {"a", "b"}} {
		clock.Set(clock.Now().Add(10 * time.Second))
		for _, id := range refill {
			agg.Ingest(id, []chat_apps.KMessage{textUnit(id, "again")})
		}
		s.scan(ctx, clock.Now().Add(time.Second))
		release <- struct{}{}
		s.flushes.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestScheduler_ReapsIdleUsers(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	agg := New(WithClock(clock.Now))
	agg.RegisterMessageProcessor("passthrough", passthrough)
	rec := &batchRecorder{}
	s := NewScheduler(agg, rec.handle, SchedulerConfig{Interval: time.Second})

	agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", "hi")})
	now := clock.Now().Add(time.Second)
	s.scan(ctx, now)
	s.flushes.Wait()
	require.Len(t, rec.all(), 1)

	s.scan(ctx, now)
	assert.Empty(t, agg.Users())
}

func TestScheduler_StartStop(t *testing.T) {
	agg := New()
	agg.RegisterMessageProcessor("passthrough", passthrough)
	rec := &batchRecorder{}
	s := NewScheduler(agg, rec.handle, SchedulerConfig{
		Interval:     20 * time.Millisecond,
		TickInterval: 5 * time.Millisecond,
	})

	s.Start(context.Background())
	s.Start(context.Background())

	agg.Ingest("u1", []chat_apps.KMessage{textUnit("u1", "hi")})
	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestScheduler_Run(t *testing.T) {
	agg := New()
	s := NewScheduler(agg, (&batchRecorder{}).handle, SchedulerConfig{TickInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestBatch_Last(t *testing.T) {
	assert.Equal(t, chat_apps.KMessage{}, Batch{}.Last())

	b := Batch{Units: []chat_apps.KMessage{textUnit("u1", "a"), textUnit("u1", "b")}}
	assert.Equal(t, "b", b.Last().Content)
}
