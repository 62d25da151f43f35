package systems

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/vesta/engine/containers"
	"github.com/spaghettifunk/vesta/engine/core"
)

var ErrNegativeWorkers = fmt.Errorf("attempting to create worker pool with a negative number of workers")
var ErrNegativeQueueSize = fmt.Errorf("attempting to create worker pool with a negative queue size")

// WorkQueue holds critical and non-critical items in two FIFO rings. Batches
// always take critical items first.
type WorkQueue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	critical *containers.RingQueue[T]
	normal   *containers.RingQueue[T]
	closed   bool
}

func NewWorkQueue[T any](capacity int) *WorkQueue[T] {
	q := &WorkQueue[T]{
		critical: containers.NewGrowableRingQueue[T](capacity),
		normal:   containers.NewGrowableRingQueue[T](capacity),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues item and wakes one waiting worker.
func (q *WorkQueue[T]) Push(item T, critical bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return core.ErrShuttingDown
	}
	var err error
	if critical {
		err = q.critical.Enqueue(item)
	} else {
		err = q.normal.Enqueue(item)
	}
	if err != nil {
		return err
	}
	q.cond.Signal()
	return nil
}

// take must be called with mu held.
func (q *WorkQueue[T]) take(max int, criticalOnly bool) []T {
	var batch []T
	for len(batch) < max {
		item, err := q.critical.Dequeue()
		if err != nil {
			break
		}
		batch = append(batch, item)
	}
	if criticalOnly {
		return batch
	}
	for len(batch) < max {
		item, err := q.normal.Dequeue()
		if err != nil {
			break
		}
		batch = append(batch, item)
	}
	return batch
}

// PopBatch blocks until at least one eligible item is queued and returns up to
// max of them. criticalOnly is consulted every time the queue is inspected.
// It returns false once the queue is closed.
func (q *WorkQueue[T]) PopBatch(max int, criticalOnly func() bool) ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, false
		}
		only := criticalOnly != nil && criticalOnly()
		if batch := q.take(max, only); len(batch) > 0 {
			return batch, true
		}
		q.cond.Wait()
	}
}

// TryPopBatch returns up to max items without waiting.
func (q *WorkQueue[T]) TryPopBatch(max int, criticalOnly bool) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || max <= 0 {
		return nil
	}
	return q.take(max, criticalOnly)
}

// Wake re-evaluates waiting workers, e.g. when the critical-only filter changes.
func (q *WorkQueue[T]) Wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Close stops the queue and returns the items that were never handed out.
func (q *WorkQueue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	dropped := append(q.critical.Drain(), q.normal.Drain()...)
	q.cond.Broadcast()
	return dropped
}

// Len returns the number of queued critical and non-critical items.
func (q *WorkQueue[T]) Len() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.critical.Len(), q.normal.Len()
}

// JobSystem drains a WorkQueue with a fixed pool of workers. With zero workers
// nothing runs in the background and the owner pulls batches itself.
type JobSystem[T any] struct {
	numWorkers int
	batchSize  int
	queue      *WorkQueue[T]
	group      errgroup.Group
	started    bool
}

func NewJobSystem[T any](numWorkers, batchSize, queueSize int) (*JobSystem[T], error) {
	if numWorkers < 0 {
		return nil, ErrNegativeWorkers
	}
	if queueSize < 0 {
		return nil, ErrNegativeQueueSize
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return &JobSystem[T]{
		numWorkers: numWorkers,
		batchSize:  batchSize,
		queue:      NewWorkQueue[T](queueSize),
	}, nil
}

/**
 * @brief Starts the workers. Each one pops a batch and hands it to process until
 * the queue is closed.
 * @param criticalOnly restricts the workers to critical items while it reports true.
 */
func (js *JobSystem[T]) Start(process func(batch []T), criticalOnly func() bool) {
	if js.started {
		return
	}
	js.started = true
	for i := 0; i < js.numWorkers; i++ {
		js.group.Go(func() error {
			for {
				batch, ok := js.queue.PopBatch(js.batchSize, criticalOnly)
				if !ok {
					return nil
				}
				process(batch)
			}
		})
	}
}

func (js *JobSystem[T]) Workers() int {
	return js.numWorkers
}

func (js *JobSystem[T]) Inline() bool {
	return js.numWorkers == 0
}

// Submit queues the provided item.
func (js *JobSystem[T]) Submit(item T, critical bool) error {
	return js.queue.Push(item, critical)
}

func (js *JobSystem[T]) Queue() *WorkQueue[T] {
	return js.queue
}

/**
 * @brief Shuts the job system down. Queued items are not executed, they are
 * returned to the caller once every worker has exited.
 */
func (js *JobSystem[T]) Shutdown() ([]T, error) {
	dropped := js.queue.Close()
	err := js.group.Wait()
	return dropped, err
}
