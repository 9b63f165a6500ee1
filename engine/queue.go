package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rustyeddy/tradeguard/trade"
)

var ErrStopped = errors.New("engine stopped")

type result struct {
	rec trade.Record
	err error
}

type job struct {
	ctx   context.Context
	in    trade.Intent
	reply chan result // buffered, one result
}

// intentQueue feeds a single consumer. Jobs still queued at shutdown are
// answered with ErrStopped.
type intentQueue struct {
	ch      chan job
	stopped chan struct{}
	once    sync.Once
}

func newIntentQueue(size int) *intentQueue {
	if size <= 0 {
		size = 1
	}
	return &intentQueue{ch: make(chan job, size), stopped: make(chan struct{})}
}

// submit blocks until the job is queued, ctx is done or the queue stops,
// then waits for the result. Once queued a job always gets an answer.
func (q *intentQueue) submit(ctx context.Context, in trade.Intent) (trade.Record, error) {
	j := job{ctx: ctx, in: in, reply: make(chan result, 1)}
	select {
	case q.ch <- j:
	case <-ctx.Done():
		return trade.Record{}, ctx.Err()
	case <-q.stopped:
		return trade.Record{}, ErrStopped
	}

	select {
	case r := <-j.reply:
		return r.rec, r.err
	case <-q.stopped:
		// the consumer may have answered just before stopping
		select {
		case r := <-j.reply:
			return r.rec, r.err
		default:
			return trade.Record{}, ErrStopped
		}
	}
}

// run serves jobs until ctx is done.
func (q *intentQueue) run(ctx context.Context, handle func(context.Context, trade.Intent) (trade.Record, error)) {
	defer q.stop()
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return
		case j := <-q.ch:
			if err := j.ctx.Err(); err != nil {
				// cancelled while queued
				j.reply <- result{err: err}
				continue
			}
			rec, err := handle(j.ctx, j.in)
			j.reply <- result{rec: rec, err: err}
		}
	}
}

func (q *intentQueue) drain() {
	for {
		select {
		case j := <-q.ch:
			j.reply <- result{err: ErrStopped}
		default:
			return
		}
	}
}

func (q *intentQueue) stop() {
	q.once.Do(func() { close(q.stopped) })
}
