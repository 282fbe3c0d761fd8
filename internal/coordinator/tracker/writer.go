package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tcluster/pkg/model"
	"tcluster/pkg/store"
)

// writeBehind persists task snapshots off the tracker lock. Writes for one
// task coalesce to the latest snapshot and tasks are written in the order
// they were first queued.
type writeBehind struct {
	store   store.Store
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	pending map[string]*model.Task
	order   []string
	idle    chan struct{} // closed while nothing is queued or in flight
	closed  bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWriteBehind(st store.Store, timeout time.Duration, log *zap.Logger) *writeBehind {
	idle := make(chan struct{})
	close(idle)
	w := &writeBehind{
		store:   st,
		timeout: timeout,
		log:     log,
		pending: make(map[string]*model.Task),
		idle:    idle,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writeBehind) enqueue(task *model.Task) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.write(task)
		return
	}
	if _, ok := w.pending[task.ID]; !ok {
		w.order = append(w.order, task.ID)
	}
	w.pending[task.ID] = task
	select {
	case <-w.idle:
		w.idle = make(chan struct{})
	default:
	}
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *writeBehind) run() {
	defer close(w.done)
	for {
		select {
		case <-w.kick:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *writeBehind) drain() {
	for {
		w.mu.Lock()
		if len(w.order) == 0 {
			select {
			case <-w.idle:
			default:
				close(w.idle)
			}
			w.mu.Unlock()
			return
		}
		id := w.order[0]
		w.order = w.order[1:]
		task := w.pending[id]
		delete(w.pending, id)
		w.mu.Unlock()

		w.write(task)
	}
}

func (w *writeBehind) write(task *model.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	err := w.store.UpdateTask(ctx, task)
	if errors.Is(err, store.ErrNotFound) {
		err = w.store.CreateTask(ctx, task)
	}
	if err != nil {
		w.log.Warn("persist task failed", zap.String("task", task.ID), zap.Error(err))
	}
}

// flush waits until every queued snapshot has been written.
func (w *writeBehind) flush(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writeBehind) close(ctx context.Context) error {
	err := w.flush(ctx)
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return err
	}
	w.closed = true
	w.mu.Unlock()
	close(w.stop)
	if err != nil {
		// a hung write is abandoned; the goroutine exits after its timeout
		return err
	}
	<-w.done
	return nil
}
