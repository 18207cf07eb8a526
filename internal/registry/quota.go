package registry

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"pulseTrader/internal/ports"
)

// QuotaManager bounds how many strategies may run at once, globally and per
// owner. System-owned strategies (empty owner) count against the global limit
// only.
type QuotaManager struct {
	globalSemaphore *semaphore.Weighted
	globalMax       int64

	ownerSemaphores sync.Map // map[ownerID]*semaphore.Weighted
	perOwnerMax     int64

	mu              sync.RWMutex
	totalAcquired   int64
	totalReleased   int64
	quotaRejections int64
}

// NewQuotaManager creates a quota manager with the given limits.
func NewQuotaManager(globalMax, perOwnerMax int64) *QuotaManager {
	return &QuotaManager{
		globalSemaphore: semaphore.NewWeighted(globalMax),
		globalMax:       globalMax,
		perOwnerMax:     perOwnerMax,
	}
}

// Acquire claims one running-strategy slot for the owner. Returns an error
// wrapping ErrQuotaExceeded when either limit is hit.
func (q *QuotaManager) Acquire(ownerID string) error {
	if ownerID != "" {
		ownerSem := q.ownerSemaphore(ownerID)
		if !ownerSem.TryAcquire(1) {
			q.recordRejection()
			return fmt.Errorf("%w: owner %s at max %d running strategies", ports.ErrQuotaExceeded, ownerID, q.perOwnerMax)
		}
	}

	if !q.globalSemaphore.TryAcquire(1) {
		if ownerID != "" {
			q.ownerSemaphore(ownerID).Release(1)
		}
		q.recordRejection()
		return fmt.Errorf("%w: global max of %d running strategies reached", ports.ErrQuotaExceeded, q.globalMax)
	}

	q.mu.Lock()
	q.totalAcquired++
	q.mu.Unlock()
	return nil
}

// Release returns a running-strategy slot for the owner.
func (q *QuotaManager) Release(ownerID string) {
	q.globalSemaphore.Release(1)
	if ownerID != "" {
		q.ownerSemaphore(ownerID).Release(1)
	}

	q.mu.Lock()
	q.totalReleased++
	q.mu.Unlock()
}

// GlobalUsage reports how many global slots are in use.
func (q *QuotaManager) GlobalUsage() (current, max int64) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.totalAcquired - q.totalReleased, q.globalMax
}

// Metrics returns quota counters for observability.
func (q *QuotaManager) Metrics() map[string]interface{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return map[string]interface{}{
		"global_current":   q.totalAcquired - q.totalReleased,
		"global_max":       q.globalMax,
		"per_owner_max":    q.perOwnerMax,
		"total_acquired":   q.totalAcquired,
		"total_released":   q.totalReleased,
		"quota_rejections": q.quotaRejections,
	}
}

func (q *QuotaManager) ownerSemaphore(ownerID string) *semaphore.Weighted {
	if sem, ok := q.ownerSemaphores.Load(ownerID); ok {
		return sem.(*semaphore.Weighted)
	}
	sem := semaphore.NewWeighted(q.perOwnerMax)
	actual, _ := q.ownerSemaphores.LoadOrStore(ownerID, sem)
	return actual.(*semaphore.Weighted)
}

func (q *QuotaManager) recordRejection() {
	q.mu.Lock()
	q.quotaRejections++
	q.mu.Unlock()
}
