// Package mutex implements string-addressed exclusive locks with a single
// priority FIFO queue, per-lock hold timeouts, and deadlock-free multi-lock
// acquisition. The gateway uses it to serialize order placement per
// (account, order type).
package mutex

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"topstep-gateway/config"
	"topstep-gateway/internal/events"
	"topstep-gateway/internal/logging"
)

// Priority orders waiting acquirers. High entries are inserted before the
// first non-high entry; normal and low append at the tail.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a string to a Priority, defaulting to normal
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

var (
	ErrQueueFull    = errors.New("lock queue is full")
	ErrQueueTimeout = errors.New("timed out waiting in lock queue")
	ErrReset        = errors.New("lock manager reset")
)

// AcquireResult reports how the acquisition went
type AcquireResult struct {
	WaitTime      time.Duration
	QueuePosition int
}

type heldLock struct {
	holder     string
	acquiredAt time.Time
	timer      *time.Timer
}

type grantResult struct {
	res AcquireResult
	err error
}

type waiter struct {
	name       string
	holder     string
	priority   Priority
	enqueuedAt time.Time
	ch         chan grantResult
	timer      *time.Timer
	done       bool
}

// Stats is a snapshot of manager activity
type Stats struct {
	HeldLocks      int   `json:"held_locks"`
	QueueLength    int   `json:"queue_length"`
	TotalAcquired  int64 `json:"total_acquired"`
	TotalTimeouts  int64 `json:"total_timeouts"`
	ForcedReleases int64 `json:"forced_releases"`
}

// Manager owns all named locks and the global wait queue
type Manager struct {
	mu    sync.Mutex
	locks map[string]*heldLock
	queue []*waiter

	lockTimeout  time.Duration
	queueTimeout time.Duration
	maxQueueSize int

	totalAcquired  int64
	totalTimeouts  int64
	forcedReleases int64

	log *logging.Logger
	ev  *events.Bus
}

// NewManager creates a lock manager. The event bus is optional; when present
// it receives lockAcquired/lockReleased/lockForceReleased events.
func NewManager(cfg config.OrderMutexConfig, log *logging.Logger, ev *events.Bus) *Manager {
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	queueTimeout := cfg.QueueTimeout
	if queueTimeout <= 0 {
		queueTimeout = 60 * time.Second
	}
	maxQueue := cfg.MaxQueueSize
	if maxQueue <= 0 {
		maxQueue = 50
	}

	return &Manager{
		locks:        make(map[string]*heldLock),
		lockTimeout:  lockTimeout,
		queueTimeout: queueTimeout,
		maxQueueSize: maxQueue,
		log:          log.WithComponent("mutex"),
		ev:           ev,
	}
}

// Acquire blocks until the named lock is granted to holder, the queue entry
// times out, or the manager is reset.
func (m *Manager) Acquire(name, holder string, priority Priority) (AcquireResult, error) {
	m.mu.Lock()

	if len(m.queue) >= m.maxQueueSize {
		m.mu.Unlock()
		return AcquireResult{}, ErrQueueFull
	}

	w := &waiter{
		name:       name,
		holder:     holder,
		priority:   priority,
		enqueuedAt: time.Now(),
		ch:         make(chan grantResult, 1),
	}

	w.timer = time.AfterFunc(m.queueTimeout, func() {
		m.expireWaiter(w)
	})

	m.insertLocked(w)
	m.processQueueLocked()
	m.mu.Unlock()

	result := <-w.ch
	return result.res, result.err
}

// insertLocked places the waiter according to priority policy
func (m *Manager) insertLocked(w *waiter) {
	if w.priority != PriorityHigh {
		m.queue = append(m.queue, w)
		return
	}
	for i, q := range m.queue {
		if q.priority != PriorityHigh {
			m.queue = append(m.queue[:i], append([]*waiter{w}, m.queue[i:]...)...)
			return
		}
	}
	m.queue = append(m.queue, w)
}

// processQueueLocked grants every queued waiter whose lock is currently free.
// Only the first waiter per lock name is eligible; later waiters for the same
// name stay queued in order.
func (m *Manager) processQueueLocked() {
	granted := map[string]bool{}
	remaining := m.queue[:0]

	for i, w := range m.queue {
		if w.done {
			continue
		}
		if _, held := m.locks[w.name]; held || granted[w.name] {
			remaining = append(remaining, w)
			continue
		}

		w.done = true
		w.timer.Stop()
		granted[w.name] = true

		name, holder := w.name, w.holder
		m.locks[name] = &heldLock{
			holder:     holder,
			acquiredAt: time.Now(),
			timer: time.AfterFunc(m.lockTimeout, func() {
				m.forceRelease(name, holder)
			}),
		}
		m.totalAcquired++

		w.ch <- grantResult{res: AcquireResult{
			WaitTime:      time.Since(w.enqueuedAt),
			QueuePosition: i,
		}}

		if m.ev != nil {
			m.ev.PublishLockEvent(events.EventLockAcquired, name, holder)
		}
	}

	m.queue = remaining
}

// expireWaiter removes a queue entry whose queueTimeout fired
func (m *Manager) expireWaiter(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.done {
		return
	}
	w.done = true
	m.totalTimeouts++

	for i, q := range m.queue {
		if q == w {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}

	m.log.Warn("lock queue entry timed out", "lock", w.name, "holder", w.holder)
	w.ch <- grantResult{err: ErrQueueTimeout}
}

// Release frees a lock held by holder. A holder mismatch is logged and
// ignored; the lock stays with its real holder.
func (m *Manager) Release(name, holder string) {
	m.mu.Lock()

	held, ok := m.locks[name]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("release of unheld lock", "lock", name, "holder", holder)
		return
	}
	if held.holder != holder {
		m.mu.Unlock()
		m.log.Warn("release holder mismatch, ignoring",
			"lock", name, "holder", holder, "actual", held.holder)
		return
	}

	held.timer.Stop()
	delete(m.locks, name)
	m.processQueueLocked()
	m.mu.Unlock()

	if m.ev != nil {
		m.ev.PublishLockEvent(events.EventLockReleased, name, holder)
	}
}

// forceRelease frees a lock whose hold timeout expired and lets the queue
// proceed, regardless of whether the holder's operation is still running
func (m *Manager) forceRelease(name, holder string) {
	m.mu.Lock()

	held, ok := m.locks[name]
	if !ok || held.holder != holder {
		m.mu.Unlock()
		return
	}

	delete(m.locks, name)
	m.forcedReleases++
	m.processQueueLocked()
	m.mu.Unlock()

	m.log.Warn("lock force-released after timeout", "lock", name, "holder", holder)
	if m.ev != nil {
		m.ev.PublishLockEvent(events.EventLockForceReleased, name, holder)
	}
}

// WithLock runs fn while holding the named lock, releasing on every exit path
func (m *Manager) WithLock(name, holder string, fn func() error) error {
	if _, err := m.Acquire(name, holder, PriorityNormal); err != nil {
		return fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	defer m.Release(name, holder)
	return fn()
}

// AcquireMultiple acquires all named locks in lexicographic order so that two
// callers with overlapping sets can never deadlock. On failure everything
// already acquired is released.
func (m *Manager) AcquireMultiple(names []string, holder string, priority Priority) error {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	acquired := make([]string, 0, len(sorted))
	for _, name := range sorted {
		if _, err := m.Acquire(name, holder, priority); err != nil {
			for i := len(acquired) - 1; i >= 0; i-- {
				m.Release(acquired[i], holder)
			}
			return fmt.Errorf("acquiring lock %s: %w", name, err)
		}
		acquired = append(acquired, name)
	}
	return nil
}

// ReleaseMultiple releases the named locks in reverse lexicographic order
func (m *Manager) ReleaseMultiple(names []string, holder string) {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	for i := len(sorted) - 1; i >= 0; i-- {
		m.Release(sorted[i], holder)
	}
}

// IsHeld reports whether the named lock currently has a holder
func (m *Manager) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[name]
	return ok
}

// Reset rejects every queued entry and frees every held lock. Used during
// shutdown and in tests.
func (m *Manager) Reset() {
	m.mu.Lock()

	for _, w := range m.queue {
		if w.done {
			continue
		}
		w.done = true
		w.timer.Stop()
		w.ch <- grantResult{err: ErrReset}
	}
	m.queue = nil

	for name, held := range m.locks {
		held.timer.Stop()
		delete(m.locks, name)
	}

	m.mu.Unlock()
	m.log.Info("lock manager reset")
}

// GetStats returns a snapshot of manager activity
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		HeldLocks:      len(m.locks),
		QueueLength:    len(m.queue),
		TotalAcquired:  m.totalAcquired,
		TotalTimeouts:  m.totalTimeouts,
		ForcedReleases: m.forcedReleases,
	}
}

// OrderLockName builds the per-account-per-type order placement lock key
func OrderLockName(accountID, orderType string) string {
	return fmt.Sprintf("cm_order_%s_%s", accountID, orderType)
}
