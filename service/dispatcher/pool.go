package dispatcher

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mdobak/go-xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/classifier"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

type outcome struct {
	result model.DetectionResult
	err    error
}

type job struct {
	order   uint64
	ctx     context.Context
	payload []byte
	state   atomic.Int32
	elem    *list.Element // position in the queue while pending
	started chan struct{} // closed when a slot picks the job up
	done    chan outcome  // buffered so a worker never blocks on a departed caller
}

type pool struct {
	params Parameters
	clock  clockwork.Clock
	tracer trace.Tracer

	classifiers []classifier.IService
	wg          sync.WaitGroup

	// guards closed, queue, idle and every pending job's state change
	mu     sync.Mutex
	ready  *sync.Cond
	closed bool
	queue  *list.List
	idle   int

	serial sync.Mutex

	arrivals    atomic.Uint64
	submitted   atomic.Uint64
	completed   atomic.Uint64
	decodeFails atomic.Uint64
	failed      atomic.Uint64
	rejected    atomic.Uint64
	timedOut    atomic.Uint64
	abandoned   atomic.Uint64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// New builds one classifier per slot and starts the slot goroutines.
// A nil clock uses the real clock.
func New(params Parameters, factory classifier.Factory, clock clockwork.Clock) (IService, error) {
	if params.Slots < 1 {
		return nil, fmt.Errorf("dispatcher slots must be at least 1, got %d", params.Slots)
	}
	if params.QueueSize < 0 {
		return nil, fmt.Errorf("dispatcher queue size must not be negative, got %d", params.QueueSize)
	}
	if params.JobTimeout < 0 {
		return nil, fmt.Errorf("dispatcher job timeout must not be negative, got %v", params.JobTimeout)
	}
	if factory == nil {
		return nil, errors.New("dispatcher needs a classifier factory")
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	p := &pool{
		params: params,
		clock:  clock,
		tracer: otel.Tracer("github.com/khaledhikmat/vs-firewatch/service/dispatcher"),
		queue:  list.New(),
	}
	p.ready = sync.NewCond(&p.mu)

	for slot := 0; slot < params.Slots; slot++ {
		c, err := factory(slot)
		if err != nil {
			p.closeClassifiers()
			return nil, fmt.Errorf("building classifier for slot %d: %w", slot, err)
		}
		p.classifiers = append(p.classifiers, c)
	}

	for slot, c := range p.classifiers {
		p.wg.Add(1)
		go p.worker(slot, c)
	}

	lgr.Logger.Info("dispatcher started",
		slog.Int("slots", params.Slots),
		slog.Int("queueSize", params.QueueSize),
		slog.Duration("jobTimeout", params.JobTimeout),
		slog.Bool("serialize", params.Serialize),
	)

	return p, nil
}

func (p *pool) Submit(ctx context.Context, payload []byte) (model.DetectionResult, error) {
	ctx, span := p.tracer.Start(ctx, "dispatcher.Submit")
	defer span.End()

	j := &job{
		ctx:     ctx,
		payload: payload,
		started: make(chan struct{}),
		done:    make(chan outcome, 1),
	}

	if err := p.admit(j); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.DetectionResult{}, err
	}
	span.SetAttributes(attribute.Int64("job.order", int64(j.order)))

	// the job timeout only runs once a slot executes the job
	started := j.started
	var timeout <-chan time.Time
	for {
		select {
		case out := <-j.done:
			if out.err != nil {
				span.RecordError(out.err)
				span.SetStatus(codes.Error, out.err.Error())
			}
			return out.result, out.err
		case <-started:
			started = nil
			if p.params.JobTimeout > 0 {
				timer := p.clock.NewTimer(p.params.JobTimeout)
				defer timer.Stop()
				timeout = timer.Chan()
			}
		case <-timeout:
			p.timedOut.Add(1)
			span.SetStatus(codes.Error, ErrTimeout.Error())
			return model.DetectionResult{}, ErrTimeout
		case <-ctx.Done():
			p.leave(j)
			span.SetStatus(codes.Error, ctx.Err().Error())
			return model.DetectionResult{}, ctx.Err()
		}
	}
}

// admit enqueues a job when an idle slot can take it or fewer than
// QueueSize live jobs are waiting.
func (p *pool) admit(j *job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	j.order = p.arrivals.Add(1)
	if p.queue.Len()-p.idle >= p.params.QueueSize {
		p.rejected.Add(1)
		return ErrOverloaded
	}

	j.elem = p.queue.PushBack(j)
	p.submitted.Add(1)
	p.ready.Signal()
	return nil
}

// leave takes a still queued job out of the queue so it neither runs nor
// holds a queue place. A job that is already running finishes and its
// result is dropped.
func (p *pool) leave(j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if j.state.CompareAndSwap(jobPending, jobAbandoned) {
		p.queue.Remove(j.elem)
		j.elem = nil
		p.abandoned.Add(1)
	}
}

// next blocks until a job is queued, or returns false once the pool is
// closed and the queue is empty.
func (p *pool) next() (*job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.idle++
	for p.queue.Len() == 0 && !p.closed {
		p.ready.Wait()
	}
	p.idle--

	front := p.queue.Front()
	if front == nil {
		return nil, false
	}

	j := p.queue.Remove(front).(*job)
	j.elem = nil
	j.state.Store(jobRunning)
	close(j.started)
	return j, true
}

func (p *pool) worker(slot int, c classifier.IService) {
	defer p.wg.Done()

	for {
		j, ok := p.next()
		if !ok {
			break
		}

		out := p.run(slot, c, j)
		j.done <- out
	}

	lgr.Logger.Debug("dispatcher slot exited", slog.Int("slot", slot))
}

// run executes one job. The in-flight count drops before the outcome is
// handed back to the caller.
func (p *pool) run(slot int, c classifier.IService, j *job) outcome {
	n := p.inFlight.Add(1)
	for {
		m := p.maxInFlight.Load()
		if n <= m || p.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	defer p.inFlight.Add(-1)

	ctx, span := p.tracer.Start(context.WithoutCancel(j.ctx), "dispatcher.classify",
		trace.WithAttributes(attribute.Int("slot", slot), attribute.Int64("job.order", int64(j.order))))
	defer span.End()

	candidates, err := p.classify(ctx, slot, c, j.payload)
	switch {
	case err == nil:
		p.completed.Add(1)
		return outcome{result: classifier.ToResult(candidates)}
	case errors.Is(err, classifier.ErrDecode):
		p.completed.Add(1)
		p.decodeFails.Add(1)
		res := model.NoDetection()
		res.Error = DecodeFailure
		return outcome{result: res}
	default:
		p.failed.Add(1)
		span.RecordError(err)
		lgr.Logger.Error("classification failed",
			slog.Int("slot", slot),
			slog.Uint64("order", j.order),
			slog.Any("error", err),
		)
		return outcome{err: err}
	}
}

func (p *pool) classify(ctx context.Context, slot int, c classifier.IService, payload []byte) (candidates []model.Candidate, err error) {
	if p.params.Serialize {
		p.serial.Lock()
		defer p.serial.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			candidates = nil
			err = &ClassifierError{Slot: slot, Err: xerrors.New(fmt.Sprintf("panic: %v", r))}
		}
	}()

	candidates, err = c.Classify(ctx, payload)
	if err != nil && !errors.Is(err, classifier.ErrDecode) {
		err = &ClassifierError{Slot: slot, Err: err}
	}
	return candidates, err
}

func (p *pool) Stats() model.DispatcherStats {
	return model.DispatcherStats{
		Slots:       p.params.Slots,
		QueueSize:   p.params.QueueSize,
		Submitted:   p.submitted.Load(),
		Completed:   p.completed.Load(),
		DecodeFails: p.decodeFails.Load(),
		Failed:      p.failed.Load(),
		Rejected:    p.rejected.Load(),
		TimedOut:    p.timedOut.Load(),
		Abandoned:   p.abandoned.Load(),
		InFlight:    p.inFlight.Load(),
		MaxInFlight: p.maxInFlight.Load(),
		Queued:      p.queued(),
		Timestamp:   p.clock.Now().Unix(),
	}
}

func (p *pool) queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.ready.Broadcast()
	p.mu.Unlock()

	// classifiers are closed once the slots are done, even when ctx ends
	// first
	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.closeClassifiers()
		close(drained)
	}()

	select {
	case <-drained:
		lgr.Logger.Info("dispatcher stopped", slog.Any("stats", p.Stats()))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (p *pool) closeClassifiers() {
	for slot, c := range p.classifiers {
		if err := c.Close(); err != nil {
			lgr.Logger.Warn("closing classifier",
				slog.Int("slot", slot),
				slog.Any("error", err),
			)
		}
	}
}
