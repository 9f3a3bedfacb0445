package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/internal/breaker"
	"tickflow/internal/broker"
	"tickflow/models"
)

type fakeClient struct {
	mu         sync.Mutex
	placeCalls int32
	concurrent atomic.Int32
	maxSeen    atomic.Int32
	delay      time.Duration
	err        error
	orderID    string
}

func (f *fakeClient) EnsureSession(context.Context) error { return nil }
func (f *fakeClient) FetchInstruments(context.Context, string) ([]models.Instrument, error) {
	return nil, nil
}
func (f *fakeClient) FetchHistorical(context.Context, uint32, time.Time, time.Time, string, bool, bool) ([]models.Candle, error) {
	return nil, nil
}
func (f *fakeClient) Quote(context.Context, []string) (map[string]broker.Quote, error) {
	return nil, nil
}
func (f *fakeClient) LastPrice(context.Context, string) (float64, error) { return 0, nil }

func (f *fakeClient) PlaceOrder(context.Context, models.OrderParams) (string, error) {
	cur := f.concurrent.Add(1)
	defer f.concurrent.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.err != nil {
		return "", f.err
	}
	if f.orderID != "" {
		return f.orderID, nil
	}
	return "OID100", nil
}

func (f *fakeClient) ModifyOrder(context.Context, models.OrderParams) (string, error) {
	return "OID100", nil
}
func (f *fakeClient) CancelOrder(_ context.Context, orderID string) (string, error) {
	return orderID, nil
}
func (f *fakeClient) ExitOrder(_ context.Context, orderID string) (string, error) {
	return orderID, nil
}

func (f *fakeClient) calls() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls
}

func testExecutor(client *fakeClient) *Executor {
	session := &broker.AccountSession{ID: "acc1", Client: client}
	pool := broker.NewSessionPoolWith(session)
	cb := breaker.New("order", config.CircuitBreakerConfig{FailureThreshold: 100})
	exec := NewExecutor(config.ExecutorConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxTasks:     10000,
	}, pool, cb, nil)
	exec.ctx = context.Background()
	return exec
}

func placeParams() models.OrderParams {
	return models.OrderParams{
		Exchange:        "NFO",
		TradingSymbol:   "NIFTY24SEP24500CE",
		TransactionType: "BUY",
		Quantity:        50,
		Price:           150.25,
		Product:         "NRML",
		OrderType:       "LIMIT",
	}
}

func TestSubmitIdempotentWithinBucket(t *testing.T) {
	exec := testExecutor(&fakeClient{})
	base := time.Date(2026, 8, 28, 10, 0, 10, 0, time.UTC)
	exec.now = func() time.Time { return base }

	first, err := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Same request two minutes later lands in the same bucket.
	exec.now = func() time.Time { return base.Add(2 * time.Minute) }
	second, err := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.TaskID != first.TaskID {
		t.Fatalf("expected same task, got %s and %s", first.TaskID, second.TaskID)
	}

	// Past the bucket boundary a fresh task is created.
	exec.now = func() time.Time { return base.Add(6 * time.Minute) }
	third, err := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())
	if err != nil {
		t.Fatalf("late submit: %v", err)
	}
	if third.TaskID == first.TaskID {
		t.Fatal("expected a new task outside the placement bucket")
	}
}

func TestSubmitDistinctAccountsDistinctTasks(t *testing.T) {
	exec := testExecutor(&fakeClient{})
	a, _ := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())
	b, _ := exec.Submit(context.Background(), "acc2", models.OpPlaceOrder, placeParams())
	if a.TaskID == b.TaskID {
		t.Fatal("same order on different accounts must not collide")
	}
}

func TestSubmitValidation(t *testing.T) {
	exec := testExecutor(&fakeClient{})
	ctx := context.Background()

	if _, err := exec.Submit(ctx, "acc1", models.OpPlaceOrder, models.OrderParams{Quantity: 50}); err == nil {
		t.Fatal("place without symbol must fail")
	}
	if _, err := exec.Submit(ctx, "acc1", models.OpCancelOrder, models.OrderParams{}); err == nil {
		t.Fatal("cancel without order id must fail")
	}
	if _, err := exec.Submit(ctx, "acc1", models.OrderOperation("amend"), models.OrderParams{OrderID: "X"}); err == nil {
		t.Fatal("unknown operation must fail")
	}
}

func TestExecuteCompletesTask(t *testing.T) {
	client := &fakeClient{orderID: "OID42"}
	exec := testExecutor(client)
	task, _ := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())

	ids := exec.claimDue()
	if len(ids) != 1 {
		t.Fatalf("expected 1 claimed task, got %d", len(ids))
	}
	exec.wg.Add(1)
	exec.execute(ids[0])

	got, ok := exec.Get(task.TaskID)
	if !ok {
		t.Fatal("task vanished")
	}
	if got.Status != models.TaskCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result != "OID42" {
		t.Fatalf("expected broker order id, got %q", got.Result)
	}
}

func TestAtMostOneConcurrentExecution(t *testing.T) {
	client := &fakeClient{delay: 30 * time.Millisecond}
	exec := testExecutor(client)
	task, _ := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())

	first := exec.claimDue()
	if len(first) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(first))
	}
	// A second poll while the task is claimed must find nothing.
	if again := exec.claimDue(); len(again) != 0 {
		t.Fatalf("claimed task was claimed again: %v", again)
	}

	exec.wg.Add(1)
	done := make(chan struct{})
	go func() {
		exec.execute(task.TaskID)
		close(done)
	}()
	<-done

	if got := client.maxSeen.Load(); got != 1 {
		t.Fatalf("expected max concurrency 1, saw %d", got)
	}
	if got := client.calls(); got != 1 {
		t.Fatalf("expected exactly one broker call, got %d", got)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	client := &fakeClient{err: errors.New("exchange rejected")}
	exec := testExecutor(client)
	task, _ := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())

	for attempt := 0; attempt < 3; attempt++ {
		ids := exec.claimDue()
		if len(ids) != 1 {
			t.Fatalf("attempt %d: expected 1 due task, got %d", attempt, len(ids))
		}
		exec.wg.Add(1)
		exec.execute(task.TaskID)
		time.Sleep(10 * time.Millisecond)
	}

	got, _ := exec.Get(task.TaskID)
	if got.Status != models.TaskDeadLetter {
		t.Fatalf("expected dead_letter after max attempts, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.Attempts)
	}
	if got.LastError == "" {
		t.Fatal("dead-lettered task must carry the last error")
	}

	dead := exec.ListByStatus(models.TaskDeadLetter)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-lettered task listed, got %d", len(dead))
	}
}

func TestDeadLetterFreesKeyForResubmission(t *testing.T) {
	client := &fakeClient{err: errors.New("down")}
	exec := testExecutor(client)
	fixed := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return fixed }

	task, _ := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())
	for attempt := 0; attempt < 3; attempt++ {
		exec.claimDue()
		exec.wg.Add(1)
		exec.execute(task.TaskID)
		exec.now = func() time.Time { return fixed.Add(time.Duration(attempt+1) * time.Second) }
	}
	if got, _ := exec.Get(task.TaskID); got.Status != models.TaskDeadLetter {
		t.Fatalf("setup failed, status %s", got.Status)
	}

	fresh, err := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())
	if err != nil {
		t.Fatalf("resubmit after dead letter: %v", err)
	}
	if fresh.TaskID == task.TaskID {
		t.Fatal("dead-lettered task must not be returned for a new submission")
	}
	if fresh.Status != models.TaskPending {
		t.Fatalf("expected fresh pending task, got %s", fresh.Status)
	}
}

func TestCircuitOpenDefersWithoutAttempt(t *testing.T) {
	client := &fakeClient{}
	exec := testExecutor(client)
	cb := breaker.New("order", config.CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	cb.RecordFailure()
	exec.cb = cb

	task, _ := exec.Submit(context.Background(), "acc1", models.OpPlaceOrder, placeParams())
	exec.claimDue()
	exec.wg.Add(1)
	exec.execute(task.TaskID)

	got, _ := exec.Get(task.TaskID)
	if got.Status != models.TaskRetrying {
		t.Fatalf("expected retrying while circuit open, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("breaker rejection must not consume an attempt, got %d", got.Attempts)
	}
	if client.calls() != 0 {
		t.Fatal("no broker call may happen while the circuit is open")
	}
}

func TestCleanupEvictsOldTerminal(t *testing.T) {
	exec := testExecutor(&fakeClient{})
	exec.cfg.TaskMaxAge = time.Hour
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return now }

	stale := &models.OrderTask{TaskID: "old", IdempotencyKey: "k-old", Status: models.TaskCompleted, UpdatedAt: now.Add(-2 * time.Hour)}
	fresh := &models.OrderTask{TaskID: "new", IdempotencyKey: "k-new", Status: models.TaskCompleted, UpdatedAt: now.Add(-time.Minute)}
	open := &models.OrderTask{TaskID: "open", IdempotencyKey: "k-open", Status: models.TaskRetrying, UpdatedAt: now.Add(-3 * time.Hour)}
	for _, task := range []*models.OrderTask{stale, fresh, open} {
		exec.tasks[task.TaskID] = task
		exec.byKey[task.IdempotencyKey] = task.TaskID
	}

	exec.Cleanup()

	if _, ok := exec.Get("old"); ok {
		t.Fatal("stale terminal task should be removed")
	}
	if _, ok := exec.Get("new"); !ok {
		t.Fatal("recent terminal task should survive")
	}
	if _, ok := exec.Get("open"); !ok {
		t.Fatal("non-terminal task must never be evicted by age")
	}
}

func TestCleanupKeepsReusedKeyIndex(t *testing.T) {
	exec := testExecutor(&fakeClient{})
	exec.cfg.TaskMaxAge = time.Hour
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return now }

	// A dead-lettered task whose key was since reclaimed by a fresh submit.
	dead := &models.OrderTask{TaskID: "dl", IdempotencyKey: "k", Status: models.TaskDeadLetter, UpdatedAt: now.Add(-2 * time.Hour)}
	reused := &models.OrderTask{TaskID: "fresh", IdempotencyKey: "k", Status: models.TaskPending, UpdatedAt: now.Add(-time.Minute)}
	exec.tasks["dl"] = dead
	exec.tasks["fresh"] = reused
	exec.byKey["k"] = "fresh"

	exec.Cleanup()

	if _, ok := exec.Get("dl"); ok {
		t.Fatal("aged dead-letter task should be removed")
	}
	if id := exec.byKey["k"]; id != "fresh" {
		t.Fatalf("idempotency key resolves to %q, want the reused task", id)
	}
}

func TestCleanupEnforcesCeiling(t *testing.T) {
	exec := testExecutor(&fakeClient{})
	exec.cfg.MaxTasks = 100
	exec.cfg.TaskMaxAge = 24 * time.Hour
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return now }

	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("task-%03d", i)
		exec.tasks[id] = &models.OrderTask{
			TaskID:         id,
			IdempotencyKey: "k-" + id,
			Status:         models.TaskCompleted,
			UpdatedAt:      now.Add(time.Duration(i-150) * time.Minute),
		}
		exec.byKey["k-"+id] = id
	}
	running := &models.OrderTask{TaskID: "inflight", IdempotencyKey: "k-inflight", Status: models.TaskRunning, UpdatedAt: now.Add(-10 * time.Hour)}
	exec.tasks[running.TaskID] = running
	exec.byKey[running.IdempotencyKey] = running.TaskID

	exec.Cleanup()

	exec.mu.Lock()
	total := len(exec.tasks)
	exec.mu.Unlock()
	if total != exec.cfg.MaxTasks {
		t.Fatalf("expected population at ceiling %d, got %d", exec.cfg.MaxTasks, total)
	}
	if _, ok := exec.Get("inflight"); !ok {
		t.Fatal("in-flight task must survive the ceiling eviction")
	}
	// Oldest terminal tasks go first.
	if _, ok := exec.Get("task-000"); ok {
		t.Fatal("oldest terminal task should have been evicted")
	}
	if _, ok := exec.Get("task-149"); !ok {
		t.Fatal("newest terminal task should survive")
	}
}

func TestBackoffCapped(t *testing.T) {
	exec := testExecutor(&fakeClient{})
	exec.cfg.BaseDelay = time.Second
	exec.cfg.MaxDelay = 60 * time.Second

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := exec.backoff(tc.attempts); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestExecutorLifecycle(t *testing.T) {
	client := &fakeClient{orderID: "OID7"}
	exec := testExecutor(client)

	ctx, cancel := context.WithCancel(context.Background())
	if err := exec.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := exec.Start(ctx); err == nil {
		t.Fatal("double start must fail")
	}

	task, err := exec.Submit(ctx, "acc1", models.OpPlaceOrder, placeParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := exec.Get(task.TaskID); got.Status == models.TaskCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := exec.Get(task.TaskID)
	if got.Status != models.TaskCompleted {
		t.Fatalf("task never completed, status %s", got.Status)
	}

	cancel()
	exec.Stop()
}
