package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickflow/config"
	"tickflow/internal/breaker"
	"tickflow/internal/broker"
	"tickflow/logger"
	"tickflow/models"
)

// placementBucket widens the idempotency window for order placement so a
// client retrying the same order within it gets the original task back.
const placementBucket = 5 * time.Minute

// Executor owns the order task lifecycle: idempotent submission, background
// execution through the session pool behind the order circuit breaker,
// bounded retries with exponential backoff, dead-lettering and task GC.
// At most one goroutine executes a given task at a time.
type Executor struct {
	cfg   config.ExecutorConfig
	pool  *broker.SessionPool
	cb    *breaker.CircuitBreaker
	store Store
	log   *logger.Log

	mu        sync.Mutex
	tasks     map[string]*models.OrderTask
	byKey     map[string]string
	nextRun   map[string]time.Time
	executing map[string]struct{}

	ctx     context.Context
	wg      *sync.WaitGroup
	running bool
	now     func() time.Time
}

// NewExecutor wires the executor. store may be nil for memory-only operation.
func NewExecutor(cfg config.ExecutorConfig, pool *broker.SessionPool, cb *breaker.CircuitBreaker, store Store) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 10000
	}
	if cfg.TaskMaxAge <= 0 {
		cfg.TaskMaxAge = 24 * time.Hour
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = 10 * time.Minute
	}
	return &Executor{
		cfg:       cfg,
		pool:      pool,
		cb:        cb,
		store:     store,
		log:       logger.GetLogger(),
		tasks:     make(map[string]*models.OrderTask),
		byKey:     make(map[string]string),
		nextRun:   make(map[string]time.Time),
		executing: make(map[string]struct{}),
		wg:        &sync.WaitGroup{},
		now:       time.Now,
	}
}

// Start recovers open tasks from the store and launches the poll and
// cleanup loops.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("executor already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	if e.store != nil {
		if err := e.recover(ctx); err != nil {
			return fmt.Errorf("recover order tasks: %w", err)
		}
	}

	e.wg.Add(2)
	go e.pollLoop()
	go e.cleanupLoop()

	e.log.WithComponent("order_executor").WithFields(logger.Fields{
		"max_attempts": e.cfg.MaxAttempts,
		"max_tasks":    e.cfg.MaxTasks,
	}).Info("order executor started")
	return nil
}

func (e *Executor) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.wg.Wait()
	e.log.WithComponent("order_executor").Info("order executor stopped")
}

// recover reloads non-terminal tasks. Tasks found RUNNING were interrupted
// mid-flight and are demoted to RETRYING.
func (e *Executor) recover(ctx context.Context) error {
	open, err := e.store.LoadOpen(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range open {
		task := open[i]
		if task.Status == models.TaskRunning {
			task.Status = models.TaskRetrying
		}
		e.tasks[task.TaskID] = &task
		e.byKey[task.IdempotencyKey] = task.TaskID
		e.nextRun[task.TaskID] = e.now()
	}
	if len(open) > 0 {
		e.log.WithComponent("order_executor").WithFields(logger.Fields{"recovered": len(open)}).Info("recovered open order tasks")
	}
	return nil
}

// IdempotencyKey derives the dedup key for one request. Placement keys fold
// in a time bucket so an identical order resubmitted within the window maps
// to the same task; modify, cancel and exit key on the target order id.
func IdempotencyKey(op models.OrderOperation, accountID string, params models.OrderParams, at time.Time) string {
	var material string
	switch op {
	case models.OpPlaceOrder:
		bucket := at.Truncate(placementBucket).Unix()
		material = fmt.Sprintf("%s|%s|%s|%s|%s|%d|%.2f|%s|%s|%d",
			op, accountID, params.Exchange, params.TradingSymbol, params.TransactionType,
			params.Quantity, params.Price, params.Product, params.OrderType, bucket)
	case models.OpModifyOrder:
		material = fmt.Sprintf("%s|%s|%s|%d|%.2f|%s",
			op, accountID, params.OrderID, params.Quantity, params.Price, params.OrderType)
	default:
		material = fmt.Sprintf("%s|%s|%s", op, accountID, params.OrderID)
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Submit creates an order task or returns the existing one for an equivalent
// request. Only a dead-lettered task frees its key for resubmission.
func (e *Executor) Submit(ctx context.Context, accountID string, op models.OrderOperation, params models.OrderParams) (models.OrderTask, error) {
	switch op {
	case models.OpPlaceOrder:
		if params.TradingSymbol == "" || params.Quantity <= 0 {
			return models.OrderTask{}, fmt.Errorf("place order requires tradingsymbol and positive quantity")
		}
	case models.OpModifyOrder, models.OpCancelOrder, models.OpExitOrder:
		if params.OrderID == "" {
			return models.OrderTask{}, fmt.Errorf("%s requires an order id", op)
		}
	default:
		return models.OrderTask{}, fmt.Errorf("unknown order operation %q", op)
	}

	key := IdempotencyKey(op, accountID, params, e.now())

	e.mu.Lock()
	if id, ok := e.byKey[key]; ok {
		if existing := e.tasks[id]; existing != nil && existing.Status != models.TaskDeadLetter {
			task := *existing
			e.mu.Unlock()
			return task, nil
		}
	}
	task := &models.OrderTask{
		TaskID:         uuid.New().String(),
		IdempotencyKey: key,
		Operation:      op,
		Params:         params,
		Status:         models.TaskPending,
		AccountID:      accountID,
		CreatedAt:      e.now(),
		UpdatedAt:      e.now(),
	}
	e.tasks[task.TaskID] = task
	e.byKey[key] = task.TaskID
	e.nextRun[task.TaskID] = e.now()
	snapshot := *task
	e.mu.Unlock()

	e.persist(ctx, &snapshot)
	e.log.WithComponent("order_executor").WithAccount(accountID).WithFields(logger.Fields{
		"task_id":   snapshot.TaskID,
		"operation": string(op),
	}).Info("order task submitted")
	return snapshot, nil
}

// Get returns a copy of the task with the given id.
func (e *Executor) Get(taskID string) (models.OrderTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[taskID]
	if !ok {
		return models.OrderTask{}, false
	}
	return *task, true
}

// ListByStatus returns copies of all tasks in the given state, oldest first.
func (e *Executor) ListByStatus(status models.TaskStatus) []models.OrderTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.OrderTask
	for _, t := range e.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Counts returns the task population per status.
func (e *Executor) Counts() map[models.TaskStatus]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range e.tasks {
		counts[t.Status]++
	}
	return counts
}

func (e *Executor) pollLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range e.claimDue() {
				e.wg.Add(1)
				go e.execute(id)
			}
		}
	}
}

// claimDue moves due pending/retrying tasks into the executing set so no
// second goroutine can pick them up.
func (e *Executor) claimDue() []string {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var due []string
	for id, task := range e.tasks {
		if task.Status != models.TaskPending && task.Status != models.TaskRetrying {
			continue
		}
		if _, busy := e.executing[id]; busy {
			continue
		}
		if e.nextRun[id].After(now) {
			continue
		}
		e.executing[id] = struct{}{}
		task.Status = models.TaskRunning
		task.UpdatedAt = now
		due = append(due, id)
	}
	return due
}

func (e *Executor) execute(taskID string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.executing, taskID)
		e.mu.Unlock()
	}()

	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	snapshot := *task
	e.mu.Unlock()

	log := e.log.WithComponent("order_executor").WithAccount(snapshot.AccountID).WithFields(logger.Fields{
		"task_id":   snapshot.TaskID,
		"operation": string(snapshot.Operation),
		"attempt":   snapshot.Attempts + 1,
	})

	if !e.cb.Allow() {
		// Breaker rejection is not an attempt against the broker.
		e.reschedule(taskID, e.cfg.BaseDelay, breaker.ErrOpen.Error())
		log.Debug("order task deferred, circuit open")
		return
	}

	result, err := e.run(snapshot)
	if err != nil {
		e.cb.RecordFailure()
		e.fail(taskID, err)
		return
	}
	e.cb.RecordSuccess()

	e.mu.Lock()
	if task, ok := e.tasks[taskID]; ok {
		task.Attempts++
		task.Status = models.TaskCompleted
		task.Result = result
		task.LastError = ""
		task.UpdatedAt = e.now()
		snapshot = *task
	}
	e.mu.Unlock()
	e.persist(e.ctx, &snapshot)
	log.WithFields(logger.Fields{"order_id": result}).Info("order task completed")
}

// run performs the broker call for one task, preferring the task's own
// account session and falling back to pool failover.
func (e *Executor) run(task models.OrderTask) (string, error) {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	call := func(ctx context.Context, s *broker.AccountSession) (string, error) {
		switch task.Operation {
		case models.OpPlaceOrder:
			return s.Client.PlaceOrder(ctx, task.Params)
		case models.OpModifyOrder:
			return s.Client.ModifyOrder(ctx, task.Params)
		case models.OpCancelOrder:
			return s.Client.CancelOrder(ctx, task.Params.OrderID)
		case models.OpExitOrder:
			return s.Client.ExitOrder(ctx, task.Params.OrderID)
		default:
			return "", fmt.Errorf("unknown order operation %q", task.Operation)
		}
	}

	if session, ok := e.pool.Get(task.AccountID); ok {
		session.Begin()
		result, err := call(ctx, session)
		session.End(err)
		return result, err
	}
	var result string
	err := e.pool.Do(ctx, func(ctx context.Context, s *broker.AccountSession) error {
		var callErr error
		result, callErr = call(ctx, s)
		return callErr
	})
	return result, err
}

// fail consumes one attempt and either schedules a retry or dead-letters.
func (e *Executor) fail(taskID string, cause error) {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	task.Attempts++
	task.LastError = cause.Error()
	task.UpdatedAt = e.now()
	var snapshot models.OrderTask
	if task.Attempts >= e.cfg.MaxAttempts {
		task.Status = models.TaskDeadLetter
		snapshot = *task
		e.mu.Unlock()
		e.persist(e.ctx, &snapshot)
		e.log.WithComponent("order_executor").WithAccount(snapshot.AccountID).WithError(cause).WithFields(logger.Fields{
			"task_id":  snapshot.TaskID,
			"attempts": snapshot.Attempts,
		}).Error("order task dead-lettered")
		return
	}
	task.Status = models.TaskRetrying
	delay := e.backoff(task.Attempts)
	e.nextRun[taskID] = e.now().Add(delay)
	snapshot = *task
	e.mu.Unlock()
	e.persist(e.ctx, &snapshot)
	e.log.WithComponent("order_executor").WithAccount(snapshot.AccountID).WithError(cause).WithFields(logger.Fields{
		"task_id":     snapshot.TaskID,
		"attempt":     snapshot.Attempts,
		"retry_after": delay.String(),
	}).Warn("order task failed, retrying")
}

// reschedule defers a task without consuming an attempt.
func (e *Executor) reschedule(taskID string, delay time.Duration, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[taskID]
	if !ok {
		return
	}
	task.Status = models.TaskRetrying
	task.LastError = reason
	task.UpdatedAt = e.now()
	e.nextRun[taskID] = e.now().Add(delay)
}

// backoff doubles from BaseDelay per consumed attempt, capped at MaxDelay.
func (e *Executor) backoff(attempts int) time.Duration {
	delay := e.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= e.cfg.MaxDelay {
			return e.cfg.MaxDelay
		}
	}
	if delay > e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	return delay
}

func (e *Executor) cleanupLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Cleanup()
		}
	}
}

// Cleanup removes terminal tasks past TaskMaxAge and, if the population
// still exceeds MaxTasks, evicts the oldest terminal tasks down to the
// ceiling. Non-terminal tasks are never evicted.
func (e *Executor) Cleanup() {
	now := e.now()
	cutoff := now.Add(-e.cfg.TaskMaxAge)

	e.mu.Lock()
	var removed []string
	for id, task := range e.tasks {
		if task.Status.Terminal() && task.UpdatedAt.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		e.removeLocked(id)
	}

	if len(e.tasks) > e.cfg.MaxTasks {
		var terminal []*models.OrderTask
		for _, task := range e.tasks {
			if task.Status.Terminal() {
				terminal = append(terminal, task)
			}
		}
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
		})
		for _, task := range terminal {
			if len(e.tasks) <= e.cfg.MaxTasks {
				break
			}
			e.removeLocked(task.TaskID)
			removed = append(removed, task.TaskID)
		}
	}
	e.mu.Unlock()

	if len(removed) > 0 {
		if e.store != nil {
			if err := e.store.Delete(context.Background(), removed); err != nil {
				e.log.WithComponent("order_executor").WithError(err).Warn("task cleanup delete failed")
			}
		}
		e.log.WithComponent("order_executor").WithFields(logger.Fields{"removed": len(removed)}).Info("order tasks cleaned up")
	}
}

// removeLocked drops one task from every index; caller holds the lock. The
// key index is only cleared when it still points at this task, since a
// dead-lettered task's key may have been reused by a newer submission.
func (e *Executor) removeLocked(taskID string) {
	if task, ok := e.tasks[taskID]; ok && e.byKey[task.IdempotencyKey] == taskID {
		delete(e.byKey, task.IdempotencyKey)
	}
	delete(e.tasks, taskID)
	delete(e.nextRun, taskID)
	delete(e.executing, taskID)
}

func (e *Executor) persist(ctx context.Context, task *models.OrderTask) {
	if e.store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.store.Save(ctx, task); err != nil {
		e.log.WithComponent("order_executor").WithError(err).Warn("task persist failed")
	}
}
