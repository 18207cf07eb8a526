package position

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"pulseTrader/internal/ports"
)

const (
	defaultQueueSize         = 256
	defaultWriteTimeout      = 10 * time.Second
	defaultMaxAttempts       = 5
	defaultReconcileInterval = 30 * time.Second
)

type writeTask struct {
	op    string
	posID string
	fn    func(ctx context.Context) error
}

// Writer applies durable writes asynchronously so position mutations never
// block on storage I/O while a position lock is held. In-memory state stays
// authoritative; the durable copy catches up. Failed writes are retried with
// exponential backoff; when retries exhaust (or the queue overflows) the
// position is marked dirty and a periodic reconciliation sweep re-drives the
// durable copy from memory until it catches up.
type Writer struct {
	logger      ports.Logger
	tasks       chan writeTask
	maxAttempts int

	// dirty holds the last write that could not be applied, per position. The
	// sweep prefers a fresh snapshot from the reconciler over the stale task.
	dirtyMu    sync.Mutex
	dirty      map[string]writeTask
	reconciler func(positionID string) (func(ctx context.Context) error, bool)

	stopReconcile chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewWriter starts the background write loop and the reconciliation sweep.
// Zero values for queueSize, maxAttempts and reconcileEvery select the
// defaults.
func NewWriter(logger ports.Logger, queueSize, maxAttempts int, reconcileEvery time.Duration) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if reconcileEvery <= 0 {
		reconcileEvery = defaultReconcileInterval
	}
	w := &Writer{
		logger:        logger,
		tasks:         make(chan writeTask, queueSize),
		maxAttempts:   maxAttempts,
		dirty:         make(map[string]writeTask),
		stopReconcile: make(chan struct{}),
	}
	w.wg.Add(2)
	go w.run()
	go w.reconcileLoop(reconcileEvery)
	return w
}

// SetReconciler installs the callback that produces a fresh durable write
// from the authoritative in-memory position. ok false means the position is
// no longer held in memory; the sweep then replays the last failed write.
func (w *Writer) SetReconciler(fn func(positionID string) (func(ctx context.Context) error, bool)) {
	w.dirtyMu.Lock()
	w.reconciler = fn
	w.dirtyMu.Unlock()
}

// Enqueue schedules a durable write. Never blocks: if the queue is full the
// task goes straight to the dirty set for the reconciliation sweep, since
// memory remains authoritative.
func (w *Writer) Enqueue(op, positionID string, fn func(ctx context.Context) error) {
	task := writeTask{op: op, posID: positionID, fn: fn}
	select {
	case w.tasks <- task:
	default:
		w.markDirty(task)
		w.logger.Error(context.Background(), ports.ErrPersistenceFailure,
			"Persistence queue full, deferring write to reconciliation", map[string]interface{}{
				"op": op, "positionID": positionID,
			})
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for task := range w.tasks {
		b.Reset()
		var err error
		for attempt := 1; attempt <= w.maxAttempts; attempt++ {
			err = w.attempt(task.fn)
			if err == nil {
				break
			}
			w.logger.Warn(context.Background(), "Durable write failed, will retry", map[string]interface{}{
				"op":      task.op,
				"attempt": attempt,
				"error":   err.Error(),
			})
			if attempt < w.maxAttempts {
				time.Sleep(b.Duration())
			}
		}
		if err != nil {
			w.markDirty(task)
			w.logger.Error(context.Background(), err, "Durable write abandoned after retries, scheduled for reconciliation", map[string]interface{}{
				"op":         task.op,
				"positionID": task.posID,
				"attempts":   w.maxAttempts,
			})
		}
	}
}

func (w *Writer) reconcileLoop(every time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Reconcile()
		case <-w.stopReconcile:
			return
		}
	}
}

// Reconcile retries every dirty position once, preferring a fresh snapshot of
// the in-memory state over the stale failed write. Positions that still fail
// stay dirty for the next sweep.
func (w *Writer) Reconcile() {
	w.dirtyMu.Lock()
	pending := make([]writeTask, 0, len(w.dirty))
	for _, task := range w.dirty {
		pending = append(pending, task)
	}
	reconciler := w.reconciler
	w.dirtyMu.Unlock()

	for _, task := range pending {
		fn := task.fn
		if reconciler != nil {
			if fresh, ok := reconciler(task.posID); ok {
				fn = fresh
			}
		}
		if err := w.attempt(fn); err != nil {
			w.logger.Warn(context.Background(), "Reconciliation write failed, position stays dirty", map[string]interface{}{
				"positionID": task.posID,
				"error":      err.Error(),
			})
			continue
		}
		w.dirtyMu.Lock()
		delete(w.dirty, task.posID)
		w.dirtyMu.Unlock()
		w.logger.Info(context.Background(), "Durable copy reconciled", map[string]interface{}{
			"positionID": task.posID,
		})
	}
}

// DirtyCount reports how many positions await reconciliation.
func (w *Writer) DirtyCount() int {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	return len(w.dirty)
}

func (w *Writer) markDirty(task writeTask) {
	if task.posID == "" {
		return
	}
	w.dirtyMu.Lock()
	w.dirty[task.posID] = task
	w.dirtyMu.Unlock()
}

func (w *Writer) attempt(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	return fn(ctx)
}

// Close drains the queue, stops both loops and makes a final reconciliation
// pass over whatever is still dirty.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.stopReconcile)
		close(w.tasks)
	})
	w.wg.Wait()
	w.Reconcile()
}
