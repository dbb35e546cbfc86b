package rebuild

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/searchfolder/internal/searchfolder/internal/metrics"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

// Runner executes one rebuild.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// FinishFunc is called by the worker after a job ran and before its Done
// channel closes. It must not wait for other jobs.
type FinishFunc func(job *Job, err error)

type cmdKind int

const (
	cmdSchedule cmdKind = iota
	cmdCancel
	cmdFinished
	cmdShutdown
	cmdPending
)

type command struct {
	kind  cmdKind
	job   *Job
	key   folderKey
	reply chan (<-chan struct{})
	count chan int
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Pool runs rebuild jobs on a fixed number of workers. A supervisor
// goroutine owns all scheduling state, so at most one job per folder runs
// at any time: scheduling a folder whose job is running cancels that job
// and starts the new one only after the old one has finished.
type Pool struct {
	workers  int
	runner   Runner
	onFinish FinishFunc
	logger   *slog.Logger

	ctx       context.Context
	cancelAll context.CancelFunc
	cmds      chan command
	work      chan *Job
	stopped   chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewPool creates a pool. Start must be called before jobs are scheduled.
func NewPool(workers int, runner Runner, onFinish FinishFunc, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:   workers,
		runner:    runner,
		onFinish:  onFinish,
		logger:    logger.With("component", "rebuild"),
		ctx:       ctx,
		cancelAll: cancel,
		cmds:      make(chan command),
		work:      make(chan *Job),
		stopped:   make(chan struct{}),
	}
}

// Start launches the supervisor and the workers.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1 + p.workers)
		go p.supervise()
		for i := 0; i < p.workers; i++ {
			go p.worker()
		}
		p.logger.Info("rebuild pool started", "workers", p.workers)
	})
}

func (p *Pool) send(c command) bool {
	select {
	case p.cmds <- c:
		return true
	case <-p.stopped:
		return false
	}
}

// Schedule queues job. A queued job for the same folder is replaced and a
// running one is canceled. After shutdown the job finishes immediately with
// model.ErrClosed.
func (p *Pool) Schedule(job *Job) error {
	if !p.send(command{kind: cmdSchedule, job: job}) {
		job.finish(model.ErrClosed)
		return model.ErrClosed
	}
	return nil
}

// Cancel cancels any queued or running job for the folder. The returned
// channel is closed once no job for the folder is running.
func (p *Pool) Cancel(storeID, folderID uint32) <-chan struct{} {
	reply := make(chan (<-chan struct{}), 1)
	if !p.send(command{kind: cmdCancel, key: folderKey{storeID, folderID}, reply: reply}) {
		return closedCh
	}
	return <-reply
}

// CancelAndWait cancels the folder's job and waits for it to finish.
func (p *Pool) CancelAndWait(ctx context.Context, storeID, folderID uint32) error {
	done := p.Cancel(storeID, folderID)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return model.WrapError(ctx.Err())
	}
}

// Pending returns the number of jobs queued or running.
func (p *Pool) Pending() int {
	count := make(chan int, 1)
	if !p.send(command{kind: cmdPending, count: count}) {
		return 0
	}
	return <-count
}

// Shutdown cancels every job and waits for the workers to exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.send(command{kind: cmdShutdown})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelAll()
		p.logger.Info("rebuild pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func indexOf(queue []*Job, k folderKey) int {
	for i, j := range queue {
		if j.key() == k {
			return i
		}
	}
	return -1
}

func (p *Pool) supervise() {
	defer p.wg.Done()
	defer close(p.stopped)

	running := make(map[folderKey]*Job)
	deferred := make(map[folderKey]*Job)
	var queue []*Job
	idle := p.workers
	closing := false

	dispatch := func() {
		for idle > 0 && len(queue) > 0 {
			job := queue[0]
			queue = queue[1:]
			running[job.key()] = job
			idle--
			p.work <- job
		}
	}

	for cmd := range p.cmds {
		switch cmd.kind {
		case cmdSchedule:
			job := cmd.job
			if closing {
				job.finish(model.ErrClosed)
				continue
			}
			job.ctx, job.cancel = context.WithCancel(p.ctx)
			k := job.key()
			if cur, ok := running[k]; ok {
				cur.cancel()
				if old, ok := deferred[k]; ok {
					old.finish(model.ErrCanceled)
				}
				deferred[k] = job
				p.logger.Debug("rebuild deferred until running job exits", "jobID", job.ID, "storeID", k.storeID, "folderID", k.folderID)
				continue
			}
			if i := indexOf(queue, k); i >= 0 {
				queue[i].finish(model.ErrCanceled)
				queue[i] = job
			} else {
				queue = append(queue, job)
			}
			dispatch()

		case cmdCancel:
			k := cmd.key
			if i := indexOf(queue, k); i >= 0 {
				queue[i].finish(model.ErrCanceled)
				queue = append(queue[:i], queue[i+1:]...)
			}
			if old, ok := deferred[k]; ok {
				old.finish(model.ErrCanceled)
				delete(deferred, k)
			}
			if cur, ok := running[k]; ok {
				cur.cancel()
				cmd.reply <- cur.done
			} else {
				cmd.reply <- closedCh
			}

		case cmdFinished:
			k := cmd.job.key()
			if running[k] == cmd.job {
				delete(running, k)
			}
			idle++
			if next, ok := deferred[k]; ok {
				delete(deferred, k)
				queue = append([]*Job{next}, queue...)
			}
			if closing && len(running) == 0 {
				close(p.work)
				return
			}
			dispatch()

		case cmdShutdown:
			if closing {
				continue
			}
			closing = true
			for _, j := range queue {
				j.finish(model.ErrClosed)
			}
			queue = nil
			for k, j := range deferred {
				j.finish(model.ErrClosed)
				delete(deferred, k)
			}
			for _, j := range running {
				j.cancel()
			}
			if len(running) == 0 {
				close(p.work)
				return
			}

		case cmdPending:
			cmd.count <- len(running) + len(deferred) + len(queue)
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.work {
		p.run(job)
		p.send(command{kind: cmdFinished, job: job})
	}
}

func (p *Pool) run(job *Job) {
	logger := p.logger.With("jobID", job.ID, "storeID", job.StoreID, "folderID", job.FolderID)
	job.Started = time.Now()

	err := p.runner.Run(job.ctx, job)
	if err != nil && (model.IsCanceled(err) || job.ctx.Err() != nil) {
		err = model.ErrCanceled
	}
	job.Finished = time.Now()
	elapsed := job.Finished.Sub(job.Started)

	switch {
	case err == nil:
		metrics.Rebuilds.WithLabelValues("success").Inc()
		metrics.RebuildDuration.Observe(elapsed.Seconds())
		logger.Info("rebuild completed", "duration", elapsed, "scanned", job.Scanned, "matched", job.Matched)
	case err == model.ErrCanceled:
		metrics.Rebuilds.WithLabelValues("canceled").Inc()
		logger.Info("rebuild canceled", "duration", elapsed, "scanned", job.Scanned)
	default:
		metrics.Rebuilds.WithLabelValues("failed").Inc()
		logger.Error("rebuild failed", "duration", elapsed, "error", err)
	}

	if p.onFinish != nil {
		p.onFinish(job, err)
	}
	job.finish(err)
}
