package server

// Worker pool: a fixed set of goroutines draining one bounded queue. Requests from all
// connections of a unit are interleaved onto it, so a handler blocked in a synchronous
// call holds one worker, not its connection.

import (
	"errors"
	"sync"
)

// ErrBusy is returned when the queue is full.
var ErrBusy = errors.New("worker pool busy")

type workerPool struct {
	taskCh  chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closeCh chan struct{}
}

func newWorkerPool(size, queue int) *workerPool {
	wp := &workerPool{
		taskCh:  make(chan func(), queue),
		closeCh: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		wp.wg.Add(1)
		go wp.work()
	}
	return wp
}

// put queues fn. It never blocks.
func (wp *workerPool) put(fn func()) error {
	select {
	case <-wp.closeCh:
		return ErrBusy
	default:
	}
	select {
	case wp.taskCh <- fn:
		return nil
	default:
		return ErrBusy
	}
}

// close stops the workers once the queue is drained and waits for them.
func (wp *workerPool) close() {
	wp.once.Do(func() { close(wp.closeCh) })
	wp.wg.Wait()
}

func (wp *workerPool) work() {
	defer wp.wg.Done()
	for {
		select {
		case fn := <-wp.taskCh:
			fn()
		case <-wp.closeCh:
			for {
				select {
				case fn := <-wp.taskCh:
					fn()
				default:
					return
				}
			}
		}
	}
}
