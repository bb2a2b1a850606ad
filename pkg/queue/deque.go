package queue

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"

	"inference-node/pkg/errors"
	"inference-node/pkg/models"
)

// Forever makes Poll wait until an item arrives or the context is done.
const Forever = time.Duration(math.MaxInt64)

// Prioritized is an item that carries a priority level the queue may correct.
type Prioritized interface {
	Priority() models.Priority
	SetPriority(p models.Priority)
}

type Option func(*options)

type options struct {
	selector Selector
	rnd      Rand
	logger   *logrus.Entry
}

// WithSelector sets the cross-level selection strategy.
func WithSelector(s Selector) Option {
	return func(o *options) {
		o.selector = s
	}
}

// WithRand sets the random source used by the selector.
func WithRand(rnd Rand) Option {
	return func(o *options) {
		o.rnd = rnd
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// PriorityDeque is a bounded multi-level blocking queue. Each level is a FIFO
// sub-queue with its own capacity. Extraction always serves level 0 first and
// otherwise lets a Selector choose among the remaining levels.
type PriorityDeque[T Prioritized] struct {
	mu       sync.Mutex
	levels   []*deque.Deque[T]
	capacity int
	size     atomic.Int64
	waiters  []chan struct{}
	selector Selector
	rnd      Rand
	logger   *logrus.Entry
}

// New creates a queue with the given number of levels, each holding at most capacity items.
func New[T Prioritized](levels, capacity int, opts ...Option) (*PriorityDeque[T], error) {
	if levels < 1 {
		return nil, errors.ErrInvalidLevels
	}

	if capacity < 1 {
		return nil, errors.ErrInvalidQueueSize
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.selector == nil {
		o.selector = NewWeightedSelector(levels)
	}

	if o.rnd == nil {
		o.rnd = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	}

	if o.logger == nil {
		o.logger = logrus.NewEntry(logrus.StandardLogger())
	}

	q := &PriorityDeque[T]{
		levels:   make([]*deque.Deque[T], levels),
		capacity: capacity,
		selector: o.selector,
		rnd:      o.rnd,
		logger:   o.logger,
	}

	for i := range q.levels {
		q.levels[i] = new(deque.Deque[T])
	}

	return q, nil
}

// Offer appends item to its level without blocking. It returns false when that level is full.
func (q *PriorityDeque[T]) Offer(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	level := q.levelForInsertion(item)
	if level.Len() >= q.capacity {
		return false
	}

	level.PushBack(item)
	q.size.Add(1)
	q.signal()

	return true
}

// AddFirst puts item at the head of its level. It is used to return an item
// that was extracted but could not be used, so capacity is not enforced.
func (q *PriorityDeque[T]) AddFirst(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.levelForInsertion(item).PushFront(item)
	q.size.Add(1)
	q.signal()
}

// Poll removes and returns an item, waiting up to timeout for one to arrive.
// A timeout yields ok == false and a nil error; a done context yields its error.
func (q *PriorityDeque[T]) Poll(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var zero T

	var expired <-chan time.Time
	if timeout > 0 && timeout != Forever {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}

		q.mu.Lock()
		if item, ok := q.extract(); ok {
			q.mu.Unlock()
			return item, true, nil
		}

		if timeout <= 0 {
			q.mu.Unlock()
			return zero, false, nil
		}

		wake := make(chan struct{}, 1)
		q.waiters = append(q.waiters, wake)
		q.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-expired:
			q.mu.Lock()
			defer q.mu.Unlock()

			if !q.removeWaiter(wake) {
				// an insert signalled us while the timer fired
				if item, ok := q.extract(); ok {
					return item, true, nil
				}
			}

			return zero, false, nil
		case <-ctx.Done():
			q.mu.Lock()
			if !q.removeWaiter(wake) {
				q.signal()
			}
			q.mu.Unlock()

			return zero, false, ctx.Err()
		}
	}
}

// IsEmpty reports whether every level is empty at the time of the call.
func (q *PriorityDeque[T]) IsEmpty() bool {
	return q.size.Load() == 0
}

// Len returns the total number of queued items.
func (q *PriorityDeque[T]) Len() int {
	return int(q.size.Load())
}

// Levels returns the number of priority levels.
func (q *PriorityDeque[T]) Levels() int {
	return len(q.levels)
}

// LevelLens returns the number of items queued on each level.
func (q *PriorityDeque[T]) LevelLens() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.lens()
}

func (q *PriorityDeque[T]) lens() []int {
	lens := make([]int, len(q.levels))
	for i, level := range q.levels {
		lens[i] = level.Len()
	}

	return lens
}

func (q *PriorityDeque[T]) levelForInsertion(item T) *deque.Deque[T] {
	priority := item.Priority()
	if priority < 0 || int(priority) >= len(q.levels) {
		corrected := models.Priority(len(q.levels) - 1)
		q.logger.WithFields(logrus.Fields{
			"priority":  int(priority),
			"corrected": int(corrected),
		}).Warn("priority value not valid, setting to lowest valid priority")

		item.SetPriority(corrected)
		priority = corrected
	}

	return q.levels[priority]
}

func (q *PriorityDeque[T]) extract() (T, bool) {
	var zero T

	if q.size.Load() == 0 {
		return zero, false
	}

	level := q.levelForExtraction()
	if level.Len() == 0 {
		return zero, false
	}

	q.size.Add(-1)

	return level.PopFront(), true
}

func (q *PriorityDeque[T]) levelForExtraction() *deque.Deque[T] {
	if len(q.levels) == 1 || q.levels[0].Len() > 0 {
		return q.levels[0]
	}

	picked := q.selector.Pick(q.lens(), q.rnd)
	if picked > 0 && picked < len(q.levels) && q.levels[picked].Len() > 0 {
		return q.levels[picked]
	}

	for _, level := range q.levels[1:] {
		if level.Len() > 0 {
			return level
		}
	}

	return q.levels[0]
}

// signal wakes the longest waiting Poll, if any. Callers hold q.mu.
func (q *PriorityDeque[T]) signal() {
	if len(q.waiters) == 0 {
		return
	}

	wake := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	wake <- struct{}{}
}

// removeWaiter drops wake from the waiter list. It returns false when wake was
// already signalled. Callers hold q.mu.
func (q *PriorityDeque[T]) removeWaiter(wake chan struct{}) bool {
	for i, w := range q.waiters {
		if w == wake {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}

	return false
}
