// Package dispatch provides the lifecycle dispatcher: the single logical
// thread on which every slot transition and listener callback runs.
//
// Vendor collaborators deliver completions and render events on their own
// goroutines. They must re-submit those events here before touching slot
// state; with that rule followed, slots need no locks of their own.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/adslot/internal/observability"

	"go.uber.org/zap"
)

// ErrClosed is returned by Call once the dispatcher has been closed.
var ErrClosed = errors.New("dispatcher closed")

// Task is a unit of work run on the dispatcher.
type Task func()

// Dispatcher runs submitted tasks one at a time, in submission order, on a
// dedicated goroutine. The queue is unbounded so Submit never blocks.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []Task
	closed bool

	wake chan struct{}
	done chan struct{}

	logger    *zap.Logger
	metrics   observability.MetricsRegistry
	warnDepth int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueWarning logs a warning whenever the backlog reaches depth.
func WithQueueWarning(depth int) Option {
	return func(d *Dispatcher) { d.warnDepth = depth }
}

// New starts a dispatcher goroutine. Call Close to stop it.
func New(logger *zap.Logger, metrics observability.MetricsRegistry, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	d := &Dispatcher{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Submit enqueues task and returns immediately. It reports false when the
// dispatcher is closed and the task was dropped.
func (d *Dispatcher) Submit(task Task) bool {
	if task == nil {
		return false
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, task)
	depth := len(d.queue)
	d.mu.Unlock()

	d.metrics.SetDispatchQueueDepth(depth)
	if d.warnDepth > 0 && depth == d.warnDepth {
		d.logger.Warn("dispatcher backlog growing", zap.Int("depth", depth))
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// SubmitAfter submits task once delay has elapsed. The returned timer can be
// stopped to cancel a submission that has not happened yet.
func (d *Dispatcher) SubmitAfter(delay time.Duration, task Task) *time.Timer {
	return time.AfterFunc(delay, func() {
		if !d.Submit(task) {
			d.logger.Debug("delayed task dropped: dispatcher closed")
		}
	})
}

// Call runs fn on the dispatcher and waits for its result. It is meant for
// callers outside the dispatcher; calling it from a running task deadlocks.
func (d *Dispatcher) Call(fn func() error) error {
	result := make(chan error, 1)
	ok := d.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatched call panicked", zap.Any("panic", r))
				result <- fmt.Errorf("dispatched call panicked: %v", r)
			}
		}()
		result <- fn()
	})
	if !ok {
		return ErrClosed
	}
	return <-result
}

// Len returns the number of queued tasks.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops accepting tasks, runs everything already queued and waits for
// the dispatcher goroutine to exit. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			if d.closed {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		task := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		depth := len(d.queue)
		d.mu.Unlock()

		d.metrics.SetDispatchQueueDepth(depth)
		d.execute(task)
	}
}

// execute runs a task, keeping the dispatcher alive if it panics.
func (d *Dispatcher) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncrementDispatchTasks("panic")
			d.logger.Error("dispatcher task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
	d.metrics.IncrementDispatchTasks("ok")
}
