package store

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohans/genq/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Redis, *fakeClock) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := Open(s.Addr(), "", 0, WithClock(clock.Now))
	t.Cleanup(func() { st.Close() })
	return st, clock
}

func newRecord(t *testing.T, kind task.Kind) *task.Record {
	t.Helper()
	rec, err := task.New(kind, json.RawMessage(`{"text":"hi"}`), time.Now())
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	return rec
}

func TestRedis_SubmitDequeueFIFO(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec := newRecord(t, task.KindSimple)
		n, err := st.Submit(ctx, "simple_tasks", "simple_queue", rec, time.Hour)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if n != int64(i+1) {
			t.Fatalf("queue length = %d want %d", n, i+1)
		}
		ids = append(ids, rec.ID)
	}

	peek, err := st.PeekAll(ctx, "simple_queue")
	if err != nil {
		t.Fatalf("PeekAll: %v", err)
	}
	if !reflect.DeepEqual(peek, ids) {
		t.Fatalf("PeekAll = %v want %v", peek, ids)
	}

	for _, want := range ids {
		q, id, err := st.Dequeue(ctx, 100*time.Millisecond, "simple_queue")
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if q != "simple_queue" || id != want {
			t.Fatalf("Dequeue = %s/%s want simple_queue/%s", q, id, want)
		}
	}

	q, id, err := st.Dequeue(ctx, 100*time.Millisecond, "simple_queue")
	if err != nil || q != "" || id != "" {
		t.Fatalf("empty Dequeue = %q,%q,%v", q, id, err)
	}
}

func TestRedis_DequeuePriority(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if err := st.Enqueue(ctx, "low", "l1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := st.Enqueue(ctx, "high", "h1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q, id, err := st.Dequeue(ctx, time.Second, "high", "low")
	if err != nil || q != "high" || id != "h1" {
		t.Fatalf("first Dequeue = %s/%s/%v", q, id, err)
	}
	q, id, err = st.Dequeue(ctx, time.Second, "high", "low")
	if err != nil || q != "low" || id != "l1" {
		t.Fatalf("second Dequeue = %s/%s/%v", q, id, err)
	}
}

func TestRedis_GetPutRemove(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, task.KindTTSInvoke)
	if _, err := st.Submit(ctx, "tts_tasks", "tts_invoke_queue", rec, time.Hour); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := st.Get(ctx, "tts_tasks", rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusQueued || got.Kind != task.KindTTSInvoke {
		t.Fatalf("unexpected record %+v", got)
	}

	got.Status = task.StatusCancelled
	if err := st.Put(ctx, "tts_tasks", got); err != nil {
		t.Fatalf("Put: %v", err)
	}
	removed, err := st.Remove(ctx, "tts_invoke_queue", rec.ID)
	if err != nil || !removed {
		t.Fatalf("Remove = %v,%v", removed, err)
	}
	removed, err = st.Remove(ctx, "tts_invoke_queue", rec.ID)
	if err != nil || removed {
		t.Fatalf("second Remove = %v,%v", removed, err)
	}
	n, _ := st.QueueLen(ctx, "tts_invoke_queue")
	if n != 0 {
		t.Fatalf("QueueLen = %d", n)
	}

	if _, err := st.Get(ctx, "tts_tasks", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: %v", err)
	}
}

func TestRedis_ExpiryHidesAndPurges(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()

	oldRec := newRecord(t, task.KindSimple)
	if _, err := st.Submit(ctx, "simple_tasks", "simple_queue", oldRec, 24*time.Hour); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	clock.Advance(23 * time.Hour)
	fresh := newRecord(t, task.KindSimple)
	if _, err := st.Submit(ctx, "simple_tasks", "simple_queue", fresh, 24*time.Hour); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	clock.Advance(2 * time.Hour)

	if _, err := st.Get(ctx, "simple_tasks", oldRec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record still visible: %v", err)
	}
	all, err := st.GetAll(ctx, "simple_tasks")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 || all[fresh.ID] == nil {
		t.Fatalf("GetAll = %v", all)
	}

	n, err := st.PurgeExpired(ctx, "simple_tasks")
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpired = %d,%v", n, err)
	}
	n, err = st.PurgeExpired(ctx, "simple_tasks")
	if err != nil || n != 0 {
		t.Fatalf("second PurgeExpired = %d,%v", n, err)
	}
	if _, err := st.Get(ctx, "simple_tasks", fresh.ID); err != nil {
		t.Fatalf("fresh record lost: %v", err)
	}
}

func TestRedis_UnavailableIsNotNotFound(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	st := Open(s.Addr(), "", 0)
	defer st.Close()
	s.Close()

	_, err = st.Get(context.Background(), "simple_tasks", "simple_1_x")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("want transient store error, got %v", err)
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("want *store.Error, got %T", err)
	}
}

func TestRedis_RequeueGoesToHead(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	_ = st.Enqueue(ctx, "q", "a")
	_ = st.Enqueue(ctx, "q", "b")
	_, id, _ := st.Dequeue(ctx, time.Second, "q")
	if id != "a" {
		t.Fatalf("Dequeue = %q", id)
	}
	if err := st.Requeue(ctx, "q", "a"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	peek, _ := st.PeekAll(ctx, "q")
	if !reflect.DeepEqual(peek, []string{"a", "b"}) {
		t.Fatalf("PeekAll = %v", peek)
	}
}
