package graphsync

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// fifo is an unbounded queue with a blocking pop. Producers never block,
// which keeps the event loop free even when a consumer is slow.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{signal: make(chan struct{}, 1)}
}

func (q *fifo[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available, the queue is closed and drained,
// or ctx is done.
func (q *fifo[T]) pop(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			var zero T
			return zero, false
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// drain closes the queue and returns whatever was still waiting.
func (q *fifo[T]) drain() []T {
	q.mu.Lock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return rest
}

func (q *fifo[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

// dispatcher runs application callbacks in order on one goroutine, away from
// the event loop, so handlers may call back into the Client.
type dispatcher struct {
	queue *fifo[func()]
	log   *zap.Logger
	done  chan struct{}
	gid   atomic.Uint64
}

func newDispatcher(log *zap.Logger) *dispatcher {
	d := &dispatcher{
		queue: newFIFO[func()](),
		log:   log,
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	d.gid.Store(goroutineID())
	for {
		task, ok := d.queue.pop(context.Background())
		if !ok {
			return
		}
		task()
	}
}

func (d *dispatcher) enqueue(task func()) {
	if !d.queue.push(task) {
		d.log.Debug("dispatcher closed, dropping task")
	}
}

// stop lets queued tasks drain, then ends the goroutine. Called from inside a
// task it cannot wait for itself, so it returns once the queue is closed and
// the remaining tasks run after the caller returns.
func (d *dispatcher) stop() {
	d.queue.close()
	if d.onDispatcher() {
		return
	}
	<-d.done
}

func (d *dispatcher) onDispatcher() bool {
	id := d.gid.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the current goroutine's id from its stack header,
// which always reads "goroutine <id> [".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		id, err := strconv.ParseUint(string(b[:i]), 10, 64)
		if err == nil {
			return id
		}
	}
	return 0
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
