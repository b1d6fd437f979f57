package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type txJob struct {
	ctx    context.Context
	req    txRequest
	result chan txOutcome
	state  atomic.Int32
}

type txOutcome struct {
	res *TxResult
	err error
}

// TxQueue runs relay-signed writes one at a time in arrival order.
// A single worker owns nonce assignment, so concurrent callers never race.
type TxQueue struct {
	jobs     chan *txJob
	submit   func(context.Context, txRequest) (*TxResult, error)
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTxQueue creates a queue with room for size waiting jobs.
func NewTxQueue(size int, submit func(context.Context, txRequest) (*TxResult, error)) *TxQueue {
	if size <= 0 {
		size = 1
	}
	return &TxQueue{
		jobs:   make(chan *txJob, size),
		submit: submit,
		logger: slog.Default(),
		stop:   make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (q *TxQueue) Running() bool {
	return q.running.Load()
}

// Start runs the worker loop until ctx is cancelled or Stop is called.
// Call in a goroutine.
func (q *TxQueue) Start(ctx context.Context) {
	q.running.Store(true)
	defer q.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			q.drain(ctx.Err())
			return
		case <-q.stop:
			q.drain(ErrQueueStopped)
			return
		case job := <-q.jobs:
			txQueueDepth.Set(float64(len(q.jobs)))
			q.run(job)
		}
	}
}

// Stop signals the worker to exit. Waiting jobs fail with ErrQueueStopped.
func (q *TxQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Submit enqueues req and waits for its outcome. A caller that gives up
// before the worker picks the job up gets ctx.Err() and nothing is sent.
// Once the job has started, Submit waits for its outcome regardless of ctx,
// so a broadcast hash is never lost.
func (q *TxQueue) Submit(ctx context.Context, req txRequest) (*TxResult, error) {
	job := &txJob{ctx: ctx, req: req, result: make(chan txOutcome, 1)}

	select {
	case q.jobs <- job:
		txQueueDepth.Set(float64(len(q.jobs)))
	case <-q.stop:
		return nil, ErrQueueStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-job.result:
		return out.res, out.err
	case <-ctx.Done():
		if job.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return nil, ctx.Err()
		}
	}
	out := <-job.result
	return out.res, out.err
}

func (q *TxQueue) run(job *txJob) {
	if err := job.ctx.Err(); err != nil || !job.state.CompareAndSwap(jobQueued, jobStarted) {
		if err == nil {
			err = context.Canceled
		}
		job.result <- txOutcome{err: err}
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in tx queue", "op", job.req.op, "panic", fmt.Sprint(r))
			job.result <- txOutcome{err: fmt.Errorf("chain: %s panicked: %v", job.req.op, r)}
		}
	}()
	res, err := q.submit(context.WithoutCancel(job.ctx), job.req)
	job.result <- txOutcome{res: res, err: err}
}

func (q *TxQueue) drain(err error) {
	for {
		select {
		case job := <-q.jobs:
			job.result <- txOutcome{err: err}
		default:
			txQueueDepth.Set(0)
			return
		}
	}
}
