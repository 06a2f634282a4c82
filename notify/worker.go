package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"jobmesh/jobs"
)

// Subscription describes a webhook target. Events lists the event types the
// subscriber wants; an empty list means everything.
type Subscription struct {
	ID        int64
	URL       string
	Secret    string
	Events    []string
	RateLimit int
	Active    bool
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, evt := range s.Events {
		if evt == eventType {
			return true
		}
	}
	return false
}

// Registry holds webhook subscriptions in memory.
type Registry struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[int64]Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[int64]Subscription)}
}

// Subscribe registers a new target and returns its assigned ID.
func (r *Registry) Subscribe(sub Subscription) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub.ID = r.nextID
	sub.Active = true
	r.subs[sub.ID] = sub
	return sub.ID
}

// Deactivate stops delivery to a subscription without forgetting it.
func (r *Registry) Deactivate(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	sub.Active = false
	r.subs[id] = sub
}

// ForEvent returns the active subscriptions matching an event type.
func (r *Registry) ForEvent(eventType string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.Active && sub.wants(eventType) {
			matched = append(matched, sub)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched
}

// Attempt records the outcome of a single delivery try.
type Attempt struct {
	SubscriptionID int64
	EventID        string
	Attempt        int
	Status         string
	Error          string
	NextAttempt    time.Time
	CreatedAt      time.Time
}

// AttemptLog keeps a bounded record of delivery attempts.
type AttemptLog struct {
	mu      sync.Mutex
	entries queueRing[Attempt]
}

func NewAttemptLog(capacity int) *AttemptLog {
	if capacity <= 0 {
		capacity = 512
	}
	return &AttemptLog{entries: newQueueRing[Attempt](capacity)}
}

func (l *AttemptLog) record(attempt Attempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.push(attempt)
}

// Attempts returns a snapshot of recorded attempts, oldest first.
func (l *AttemptLog) Attempts() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make([]Attempt, 0, l.entries.len())
	l.entries.forEach(func(a Attempt) {
		snapshot = append(snapshot, a)
	})
	return snapshot
}

const maxDeliveryAttempts = 5

// Worker delivers queued events to external subscribers.
type Worker struct {
	registry *Registry
	queue    *Queue
	attempts *AttemptLog
	client   *http.Client
	logger   *slog.Logger
	nowFn    func() time.Time

	rateMu sync.Mutex
	rate   map[int64]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWorker(registry *Registry, queue *Queue, attempts *AttemptLog) *Worker {
	if attempts == nil {
		attempts = NewAttemptLog(0)
	}
	return &Worker{
		registry: registry,
		queue:    queue,
		attempts: attempts,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
		nowFn:    time.Now,
		rate:     make(map[int64]rateWindow),
	}
}

// SetLogger replaces the worker logger.
func (w *Worker) SetLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// SetNowFunc overrides the worker clock. Intended for tests.
func (w *Worker) SetNowFunc(now func() time.Time) {
	if now != nil {
		w.nowFn = now
	}
}

// Run processes delivery tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *Worker) expandTask(task Task) {
	for _, sub := range w.registry.ForEvent(task.Event.Type) {
		sub := sub
		w.queue.enqueueTask(Task{Event: task.Event, Subscription: &sub})
	}
}

func (w *Worker) handleDelivery(ctx context.Context, task Task) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.enqueueTask(task)
		return
	}
	payload, err := json.Marshal(task.Event)
	if err != nil {
		w.recordAttempt(task, "error", err.Error(), now, time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(task, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jobmesh-Signature", SignPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(task, resp.Status)
		return
	}
	w.recordAttempt(task, "success", "", now, time.Time{})
}

func (w *Worker) retryLater(task Task, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	w.recordAttempt(task, "failed", errMsg, now, now.Add(w.backoffDuration(attemptNum)))
	if attemptNum >= maxDeliveryAttempts {
		w.logger.Warn("webhook delivery abandoned",
			"subscription", task.Subscription.ID,
			"event", task.Event.ID,
			"attempts", attemptNum,
			"error", errMsg)
		return
	}
	task.Attempt++
	task.NotBefore = now.Add(w.backoffDuration(attemptNum))
	w.queue.enqueueTask(task)
}

func (w *Worker) backoffDuration(attempt int) time.Duration {
	base := time.Second
	if attempt <= 0 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *Worker) recordAttempt(task Task, status, errMsg string, now time.Time, next time.Time) {
	w.attempts.record(Attempt{
		SubscriptionID: task.Subscription.ID,
		EventID:        task.Event.ID,
		Attempt:        task.Attempt + 1,
		Status:         status,
		Error:          errMsg,
		NextAttempt:    next,
		CreatedAt:      now,
	})
}

func (w *Worker) allow(id int64, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *Worker) rateReset(id int64) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[id] = state
	return reset
}

// SignPayload computes the hex HMAC-SHA256 signature carried in the
// X-Jobmesh-Signature header.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ jobs.Emitter = (*Queue)(nil)
