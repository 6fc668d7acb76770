package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

var ErrStopped = errors.New("work queue is stopped")

// Work is a deferred unit of execution. Name is used for logging only.
type Work struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue accepts work for asynchronous execution. Completion is observed by the submitter through state reads.
type Queue interface {
	Submit(ctx context.Context, w Work) error
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// Retryable marks err as a transient failure the pool retries.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

type Config struct {
	Workers    int
	QueueSize  int
	Retries    uint64
	RetryDelay time.Duration
}

// FailureHandler is called with work that failed after all retries.
type FailureHandler func(w Work, err error)

// Pool runs work on a fixed number of goroutines. Submit never blocks: work that does not fit the queue is
// kept in a backlog and handed to the workers in submission order.
type Pool struct {
	conf      Config
	ch        chan Work
	wake      chan struct{}
	logger    hclog.Logger
	onFailure FailureHandler
	pending   atomic.Int64

	mu      sync.Mutex
	backlog []Work
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

var _ Queue = &Pool{}

func NewPool(conf Config, onFailure FailureHandler) *Pool {
	if conf.Workers <= 0 {
		conf.Workers = 1
	}
	if conf.QueueSize < 0 {
		conf.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		conf:      conf,
		ch:        make(chan Work, conf.QueueSize),
		wake:      make(chan struct{}, 1),
		logger:    hclog.Default().Named("work-queue"),
		onFailure: onFailure,
		ctx:       gctx,
		cancel:    cancel,
		group:     group,
	}
	for range conf.Workers {
		group.Go(p.work)
	}
	group.Go(p.dispatch)
	return p
}

// Submit enqueues w and returns without waiting for a free worker.
func (p *Pool) Submit(ctx context.Context, w Work) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.pending.Add(1)
	if len(p.backlog) == 0 {
		select {
		case p.ch <- w:
			return nil
		default:
		}
	}
	p.backlog = append(p.backlog, w)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// dispatch moves the backlog into the queue as workers free up. The head of the backlog is removed only
// after it was handed over, Submit therefore never overtakes queued work.
func (p *Pool) dispatch() error {
	for {
		p.mu.Lock()
		var next Work
		queued := len(p.backlog) > 0
		if queued {
			next = p.backlog[0]
		}
		p.mu.Unlock()

		if !queued {
			select {
			case <-p.ctx.Done():
				return nil
			case <-p.wake:
				continue
			}
		}
		select {
		case <-p.ctx.Done():
			return nil
		case p.ch <- next:
			p.mu.Lock()
			p.backlog[0] = Work{}
			p.backlog = p.backlog[1:]
			p.mu.Unlock()
		}
	}
}

// Pending returns the number of submitted work items that did not finish yet.
func (p *Pool) Pending() int64 {
	return p.pending.Load()
}

func (p *Pool) work() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case w := <-p.ch:
			p.execute(w)
			p.pending.Add(-1)
		}
	}
}

func (p *Pool) execute(w Work) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(w, fmt.Errorf("work panicked: %v", r))
		}
	}()
	backoff := retry.WithMaxRetries(p.conf.Retries, retry.NewConstant(max(p.conf.RetryDelay, time.Millisecond)))
	attempt := 0
	err := retry.Do(p.ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := w.Run(ctx)
		if IsRetryable(err) {
			p.logger.Debug(fmt.Sprintf("Retrying work %s after attempt %d: %s", w.Name, attempt, err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		p.fail(w, err)
	}
}

func (p *Pool) fail(w Work, err error) {
	p.logger.Error(fmt.Sprintf("Work %s failed: %s", w.Name, err))
	if p.onFailure != nil {
		p.onFailure(w, err)
	}
}

// Stop stops accepting work and waits for running work to finish. Queued work that has not started is dropped.
func (p *Pool) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
	err := p.group.Wait()
	p.mu.Lock()
	dropped := len(p.ch) + len(p.backlog)
	p.backlog = nil
	p.mu.Unlock()
	if dropped > 0 {
		p.logger.Warn(fmt.Sprintf("Dropped %d queued work items on stop", dropped))
	}
	return err
}
