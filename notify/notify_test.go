package notify

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobmesh/jobs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
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

func testEvent(i int) jobs.Event {
	return jobs.Event{
		ID:         fmt.Sprintf("evt-%d", i),
		Type:       jobs.EventJobFunded,
		JobID:      "job-1",
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestQueueDropOldest(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewQueue(
		WithTaskCapacity(3),
		WithHistoryCapacity(2),
		WithTTL(time.Minute),
		withClock(clock.Now),
	)

	for i := 0; i < 5; i++ {
		queue.Emit(testEvent(i))
	}

	events := queue.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events in history, got %d", len(events))
	}
	if events[0].ID != "evt-3" || events[1].ID != "evt-4" {
		t.Fatalf("unexpected history events: %+v", events)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var ids []string
	for len(ids) < 3 {
		task, ok := queue.Dequeue(ctx)
		if !ok {
			t.Fatalf("expected task, queue closed early after %d items", len(ids))
		}
		ids = append(ids, task.Event.ID)
	}

	expected := []string{"evt-2", "evt-3", "evt-4"}
	for i, id := range expected {
		if ids[i] != id {
			t.Fatalf("expected event %s at position %d, got %s", id, i, ids[i])
		}
	}
}

func TestQueueEvictsExpired(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewQueue(
		WithTaskCapacity(2),
		WithHistoryCapacity(2),
		WithTTL(10*time.Second),
		withClock(clock.Now),
	)

	queue.Emit(testEvent(42))
	clock.Advance(11 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if task, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected expired event to be dropped, dequeued %s", task.Event.ID)
	}

	if remaining := queue.Events(); len(remaining) != 0 {
		t.Fatalf("expected no history events after TTL eviction, got %d", len(remaining))
	}
}

func TestRegistryFiltersByEventType(t *testing.T) {
	registry := NewRegistry()
	allID := registry.Subscribe(Subscription{URL: "http://a", Secret: "s"})
	fundedID := registry.Subscribe(Subscription{URL: "http://b", Secret: "s", Events: []string{jobs.EventJobFunded}})
	registry.Subscribe(Subscription{URL: "http://c", Secret: "s", Events: []string{jobs.EventJobExpired}})

	matched := registry.ForEvent(jobs.EventJobFunded)
	if len(matched) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matched))
	}
	if matched[0].ID != allID || matched[1].ID != fundedID {
		t.Fatalf("unexpected match order: %+v", matched)
	}

	registry.Deactivate(fundedID)
	if matched := registry.ForEvent(jobs.EventJobFunded); len(matched) != 1 {
		t.Fatalf("expected deactivated subscription to be skipped, got %d matches", len(matched))
	}
}

func TestWorkerDeliversSignedPayload(t *testing.T) {
	var (
		delivered atomic.Int64
		gotSig    atomic.Value
		gotBody   atomic.Value
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get("X-Jobmesh-Signature"))
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := NewRegistry()
	registry.Subscribe(Subscription{URL: server.URL, Secret: "topsecret"})

	queue := NewQueue()
	attempts := NewAttemptLog(16)
	worker := NewWorker(registry, queue, attempts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	queue.Emit(testEvent(1))

	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if delivered.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered.Load())
	}

	body, _ := gotBody.Load().([]byte)
	var evt jobs.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		t.Fatalf("unmarshal delivered payload: %v", err)
	}
	if evt.ID != "evt-1" || evt.Type != jobs.EventJobFunded {
		t.Fatalf("unexpected payload: %+v", evt)
	}

	sig, _ := gotSig.Load().(string)
	if !hmac.Equal([]byte(sig), []byte(SignPayload("topsecret", body))) {
		t.Fatalf("signature mismatch: %s", sig)
	}

	log := attempts.Attempts()
	if len(log) != 1 || log[0].Status != "success" {
		t.Fatalf("unexpected attempt log: %+v", log)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := NewRegistry()
	registry.Subscribe(Subscription{URL: server.URL, Secret: "s"})

	queue := NewQueue()
	attempts := NewAttemptLog(16)
	worker := NewWorker(registry, queue, attempts)
	// Pretend time is ahead of the computed NotBefore so the retry fires
	// without a real one second sleep.
	base := time.Now()
	worker.SetNowFunc(func() time.Time { return base.Add(-2 * time.Second) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	queue.Emit(testEvent(7))

	deadline := time.Now().Add(3 * time.Second)
	for hits.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if hits.Load() != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", hits.Load())
	}

	log := attempts.Attempts()
	if len(log) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(log))
	}
	if log[0].Status != "failed" || log[1].Status != "success" {
		t.Fatalf("unexpected attempt statuses: %+v", log)
	}
	if log[1].Attempt != 2 {
		t.Fatalf("expected second attempt number 2, got %d", log[1].Attempt)
	}
}

func TestWorkerAbandonsAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	registry := NewRegistry()
	registry.Subscribe(Subscription{URL: server.URL, Secret: "s"})

	queue := NewQueue()
	attempts := NewAttemptLog(16)
	worker := NewWorker(registry, queue, attempts)
	base := time.Now()
	worker.SetNowFunc(func() time.Time { return base.Add(-10 * time.Minute) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	queue.Emit(testEvent(9))

	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() < maxDeliveryAttempts && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give the worker a moment to ensure no sixth attempt is queued.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if hits.Load() != maxDeliveryAttempts {
		t.Fatalf("expected %d delivery attempts, got %d", maxDeliveryAttempts, hits.Load())
	}
	log := attempts.Attempts()
	if len(log) != maxDeliveryAttempts {
		t.Fatalf("expected %d recorded attempts, got %d", maxDeliveryAttempts, len(log))
	}
	for _, entry := range log {
		if entry.Status != "failed" {
			t.Fatalf("expected every attempt to fail, got %+v", entry)
		}
	}
}
