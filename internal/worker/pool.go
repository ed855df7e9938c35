package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"ultrasonic-sim/internal/telemetry"
)

var (
	// ErrQueueFull is returned by Reserve when every worker and queue slot is taken.
	ErrQueueFull = errors.New("solver queue is full")
	// ErrStopped is returned by Reserve once Stop has been called.
	ErrStopped = errors.New("solver pool is stopping")
)

// Task is one unit of background work.
type Task func(ctx context.Context)

// Job is what a ticket queues. Abort, if set, runs instead of Run when the
// pool shuts down before a worker picked the job up.
type Job struct {
	Run   Task
	Abort Task
}

// Pool runs jobs on a fixed number of goroutines. Admission is decided up
// front by Reserve so a caller can refuse work before changing any state.
// Every admitted job either runs or is aborted.
type Pool struct {
	workers  int
	capacity int64
	slots    *semaphore.Weighted
	jobs     chan Job
	quit     chan struct{}
	log      logrus.FieldLogger

	mu       sync.Mutex
	runCtx   context.Context
	stopping bool
	closed   bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool sizes the pool for workers concurrent jobs plus queueSize waiting ones.
func NewPool(workers, queueSize int, log logrus.FieldLogger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	capacity := workers + queueSize
	return &Pool{
		workers:  workers,
		capacity: int64(capacity),
		slots:    semaphore.NewWeighted(int64(capacity)),
		jobs:     make(chan Job, capacity),
		quit:     make(chan struct{}),
		log:      log,
		runCtx:   context.Background(),
	}
}

// Start launches the workers. Jobs run on a context derived from ctx that is
// never cancelled with it; workers keep draining the queue until Stop.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx := context.WithoutCancel(ctx)
		p.mu.Lock()
		p.runCtx = runCtx
		p.mu.Unlock()
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.loop(runCtx, i)
		}
	})
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			telemetry.PoolQueueDepth.Set(float64(len(p.jobs)))
			p.run(ctx, id, job.Run)
			p.slots.Release(1)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	telemetry.PoolBusyWorkers.Inc()
	defer telemetry.PoolBusyWorkers.Dec()
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{"worker": id, "panic": r}).Error("task panicked")
		}
	}()
	task(ctx)
}

func (p *Pool) abort(ctx context.Context, job Job) {
	if job.Abort != nil {
		p.run(ctx, -1, job.Abort)
	}
	p.slots.Release(1)
}

// Reserve claims a slot without blocking.
func (p *Pool) Reserve() (*Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return nil, ErrStopped
	}
	if !p.slots.TryAcquire(1) {
		return nil, ErrQueueFull
	}
	return &Ticket{pool: p}, nil
}

// Stop refuses new reservations and waits until every admitted job has run.
// If ctx expires first, jobs still waiting in the queue are aborted and the
// error reports how many; jobs already running are left to finish on their own.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	// Holding the full capacity means no ticket is outstanding.
	drainErr := p.slots.Acquire(ctx, p.capacity)

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	runCtx := p.runCtx
	p.mu.Unlock()

	if drainErr == nil {
		p.slots.Release(p.capacity)
		return p.wait(ctx)
	}

	aborted := 0
	for drained := false; !drained; {
		select {
		case job := <-p.jobs:
			p.abort(runCtx, job)
			aborted++
		default:
			drained = true
		}
	}
	telemetry.PoolQueueDepth.Set(0)
	if aborted > 0 {
		p.log.WithField("aborted", aborted).Warn("queued jobs aborted at shutdown")
	}
	return fmt.Errorf("%w: %d queued jobs aborted", drainErr, aborted)
}

func (p *Pool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ticket is a reserved slot. Exactly one of Submit or Release takes effect.
type Ticket struct {
	pool *Pool
	once sync.Once
}

// Submit queues job into the reserved slot. It never blocks. After the pool
// has shut down the job is aborted instead.
func (t *Ticket) Submit(job Job) {
	t.once.Do(func() {
		p := t.pool
		p.mu.Lock()
		if p.closed {
			runCtx := p.runCtx
			p.mu.Unlock()
			p.abort(runCtx, job)
			return
		}
		p.jobs <- job
		p.mu.Unlock()
		telemetry.PoolQueueDepth.Set(float64(len(p.jobs)))
	})
}

// Release gives the slot back without running anything.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.pool.slots.Release(1)
	})
}
