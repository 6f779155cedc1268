package net

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	TASK_CHAN_SIZE = 100
)

type WorkerFunction[T any] func(t *tomb.Tomb, task T) error

// WorkerPool runs a fixed number of workers over a bounded task channel.
// AddTask blocks once the channel is full, which is what bounds the number
// of connections in flight.
type WorkerPool[T any] struct {
	n     int    // number of workers
	tasks chan T // pending tasks
}

func NewWorkerPool[T any](size uint) *WorkerPool[T] {
	if size == 0 {
		size = 1
	}
	return &WorkerPool[T]{
		n:     int(size),
		tasks: make(chan T, TASK_CHAN_SIZE),
	}
}

// Setup starts the workers on t. It must be called while t is alive and
// before any other goroutine on t can return.
func (pool *WorkerPool[T]) Setup(t *tomb.Tomb, work WorkerFunction[T]) {
	for id := 0; id < pool.n; id++ {
		t.Go(func() error {
			return pool.worker(t, id, work)
		})
	}
}

// AddTask hands task to a worker. It reports false if t started dying
// before a slot freed up.
func (pool *WorkerPool[T]) AddTask(t *tomb.Tomb, task T) bool {
	select {
	case pool.tasks <- task:
		return true
	case <-t.Dying():
		return false
	}
}

// Drain returns the tasks no worker picked up. Only call it after the
// workers have stopped.
func (pool *WorkerPool[T]) Drain() []T {
	var left []T
	for {
		select {
		case task := <-pool.tasks:
			left = append(left, task)
		default:
			return left
		}
	}
}

// Workers wait on tasks and action them. Any error is fatal to the tomb.
func (pool *WorkerPool[T]) worker(t *tomb.Tomb, id int, work WorkerFunction[T]) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-pool.tasks:
			if err := work(t, task); err != nil {
				log.Error().Err(err).Int("id", id).Msg("worker exiting")
				return err
			}
		}
	}
}
