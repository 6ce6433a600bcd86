package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"report-scheduler/internal/models"
	"report-scheduler/internal/pool"
)

// Submitter is the part of the worker pool the dispatcher needs.
type Submitter interface {
	Submit(task pool.Task) error
}

// RunFunc executes one job on a pool slot.
type RunFunc func(ctx context.Context, id int64)

type entry struct {
	due    time.Time
	timer  *time.Timer
	fired  bool
	killed bool
}

// Dispatcher arms one timer per job and hands fired jobs to the pool. A job id
// stays known from Schedule until its run returns, so repeated scans of the same
// window never arm it twice.
type Dispatcher struct {
	submit Submitter
	run    RunFunc
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
	stopped bool
}

func NewDispatcher(submit Submitter, run RunFunc, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		submit:  submit,
		run:     run,
		log:     log,
		now:     time.Now,
		entries: make(map[int64]*entry),
	}
}

// Schedule arms a timer for job.DueTime, firing at once when it is already past.
// It reports false when the id is already known or the dispatcher is stopped.
func (d *Dispatcher) Schedule(job models.Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if _, ok := d.entries[job.ID]; ok {
		return false
	}
	delay := job.DueTime.Sub(d.now())
	if delay < 0 {
		delay = 0
	}
	id := job.ID
	e := &entry{due: job.DueTime}
	e.timer = time.AfterFunc(delay, func() { d.fire(id) })
	d.entries[id] = e
	d.log.Debug().Int64("job_id", id).Dur("in", delay).Msg("armed")
	return true
}

func (d *Dispatcher) fire(id int64) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok || e.fired {
		d.mu.Unlock()
		return
	}
	// Stop or MarkKilled got here after the timer had already started.
	if d.stopped || e.killed {
		delete(d.entries, id)
		d.mu.Unlock()
		return
	}
	e.fired = true
	d.mu.Unlock()

	err := d.submit.Submit(func(ctx context.Context) {
		defer d.release(id)
		d.run(ctx, id)
	})
	if err != nil {
		d.log.Error().Err(err).Int64("job_id", id).Msg("submit failed")
		d.release(id)
	}
}

func (d *Dispatcher) release(id int64) {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
}

// Armed is the number of jobs waiting on a timer, queued or running.
func (d *Dispatcher) Armed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Has reports whether id is armed or in flight.
func (d *Dispatcher) Has(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[id]
	return ok
}

// MarkKilled raises the cooperative kill flag for id. A timer that has not fired
// yet is disarmed so the job never reaches the pool.
func (d *Dispatcher) MarkKilled(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return
	}
	e.killed = true
	if !e.fired && e.timer.Stop() {
		delete(d.entries, id)
	}
}

// Killed reports the in-process kill flag for a job that is still in flight.
func (d *Dispatcher) Killed(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	return ok && e.killed
}

// Stop disarms every pending timer. Jobs already handed to the pool keep running.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, e := range d.entries {
		if !e.fired && e.timer.Stop() {
			delete(d.entries, id)
		}
	}
}
