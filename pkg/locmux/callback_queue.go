package locmux

import (
	"sync"

	"go.uber.org/zap"
)

// callbackQueue runs request handlers one at a time, in the order they were enqueued, on its own goroutine.
// Handlers are thereby free to call back into the RequestManager
type callbackQueue struct {
	logger *zap.SugaredLogger

	lock    sync.Mutex
	pending []func()
	stopped bool
	busy    bool

	wakeChannel chan struct{}
	stopChannel chan struct{}
	wg          sync.WaitGroup
}

func newCallbackQueue(logger *zap.SugaredLogger) *callbackQueue {
	return &callbackQueue{
		logger:      logger.Named("callbacks"),
		wakeChannel: make(chan struct{}, 1),
		stopChannel: make(chan struct{}),
	}
}

func (q *callbackQueue) start() {
	q.wg.Add(1)
	go q.loop()
}

// stop runs whatever is still queued, then returns. When a handler is running, stop may have been
// called from it, so the worker is left to drain the queue on its own
func (q *callbackQueue) stop() {
	q.lock.Lock()
	if q.stopped {
		q.lock.Unlock()
		return
	}
	q.stopped = true
	busy := q.busy
	q.lock.Unlock()

	close(q.stopChannel)

	if busy {
		q.logger.Debug("Stopping while a handler runs, not waiting for the queue to drain")
		return
	}

	q.wg.Wait()
}

func (q *callbackQueue) enqueue(fn func()) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.stopped {
		q.logger.Debug("Dropping callback enqueued after stop")
		return
	}

	q.pending = append(q.pending, fn)

	select {
	case q.wakeChannel <- struct{}{}:
	default:
		// already has a pending wakeup
	}
}

func (q *callbackQueue) loop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.wakeChannel:
			q.drain()
		case <-q.stopChannel:
			q.drain()
			return
		}
	}
}

func (q *callbackQueue) drain() {
	for {
		q.lock.Lock()
		if len(q.pending) == 0 {
			q.lock.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.busy = true
		q.lock.Unlock()

		q.run(fn)

		q.lock.Lock()
		q.busy = false
		q.lock.Unlock()
	}
}

func (q *callbackQueue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorw("Request handler panicked", "panic", r)
		}
	}()

	fn()
}
