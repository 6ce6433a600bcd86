// Package pool runs tasks with a fixed upper bound on concurrency.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"report-scheduler/internal/errs"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errs.New("pool is shut down")

// Task is one unit of work. ctx is cancelled when the pool is forced to stop.
type Task func(ctx context.Context)

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Size      int   `json:"size"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
}

// Pool admits at most Size tasks at a time. A single feeder goroutine admits
// waiting tasks in submission order; none is dropped while the pool is open.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu        sync.Mutex
	pending   []Task
	closed    bool
	active    int
	completed int64
}

func New(size int, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	go p.feed()
	return p
}

// Submit queues task and returns immediately.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending = append(p.pending, task)
	p.wg.Add(1)
	p.mu.Unlock()

	p.signal()
	return nil
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// feed takes one slot per task, oldest first.
func (p *Pool) feed() {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-p.wake:
			case <-p.ctx.Done():
				p.drop()
				return
			}
			continue
		}
		p.mu.Unlock()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.drop()
			return
		}

		p.mu.Lock()
		task := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.active++
		p.mu.Unlock()

		go p.run(task)
	}
}

// drop abandons every task still waiting for a slot.
func (p *Pool) drop() {
	p.mu.Lock()
	n := len(p.pending)
	p.pending = nil
	p.mu.Unlock()
	if n > 0 {
		p.log.Warn().Int("tasks", n).Msg("queued tasks abandoned")
	}
	for i := 0; i < n; i++ {
		p.wg.Done()
	}
}

func (p *Pool) run(task Task) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("task panicked")
		}
		p.mu.Lock()
		p.active--
		p.completed++
		p.mu.Unlock()
	}()
	task(p.ctx)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: p.size, Active: p.active, Queued: len(p.pending), Completed: p.completed}
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting tasks and waits for queued and running ones. If ctx
// ends first, queued tasks are abandoned and running ones see a cancelled context.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
