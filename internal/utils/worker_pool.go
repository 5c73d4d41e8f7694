package utils

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Job represents a task to be executed by a worker.
type Job struct {
	Name string
	Task func()
}

// WorkerPool manages a pool of workers to execute jobs.
type WorkerPool struct {
	workers   int
	jobQueue  chan Job
	waitGroup sync.WaitGroup
	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewWorkerPool creates a new WorkerPool with the specified number of workers.
func NewWorkerPool(workers int, logger zerolog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	pool := &WorkerPool{
		workers:  workers,
		jobQueue: make(chan Job, workers),
		logger:   logger,
	}

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}

	return pool
}

// Workers returns the number of workers.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// worker processes jobs from the jobQueue.
func (wp *WorkerPool) worker() {
	defer wp.waitGroup.Done()
	for job := range wp.jobQueue {
		wp.run(job)
	}
}

// run executes one job, turning a panic into a logged error so the worker survives.
func (wp *WorkerPool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().Str("job", job.Name).Err(fmt.Errorf("%v", r)).Msg("Job panicked")
		}
	}()
	job.Task()
}

// Submit adds a new job to the worker pool.
func (wp *WorkerPool) Submit(name string, task func()) {
	wp.jobQueue <- Job{Name: name, Task: task}
}

// Shutdown waits for all workers to finish and then closes the worker pool.
// Calling it more than once is safe.
func (wp *WorkerPool) Shutdown() {
	wp.closeOnce.Do(func() {
		close(wp.jobQueue)
	})
	wp.waitGroup.Wait()
}
