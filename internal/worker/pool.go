package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zachbroad/webhook-dispatch/internal/metrics"
)

type PoolConfig struct {
	Concurrency  int
	QueueSize    int
	PollInterval time.Duration
	PollBatch    int
}

// Pool runs Dispatcher attempts on a fixed set of goroutines. Work arrives
// through Schedule, Submit, retry timers, and a poller that picks up anything
// due in the store (deliveries from other processes, missed wake-ups, retries
// that outlived a restart).
type Pool struct {
	dispatcher   *Dispatcher
	jobs         chan uuid.UUID
	concurrency  int
	pollInterval time.Duration
	pollBatch    int

	mu     sync.Mutex
	queued map[uuid.UUID]struct{}
	ctx    context.Context
	wg     sync.WaitGroup
}

func NewPool(d *Dispatcher, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 100
	}
	return &Pool{
		dispatcher:   d,
		jobs:         make(chan uuid.UUID, cfg.QueueSize),
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		pollBatch:    cfg.PollBatch,
		queued:       make(map[uuid.UUID]struct{}),
		ctx:          context.Background(),
	}
}

// Start launches the workers and the poller. They stop when ctx is done;
// call Wait to block until they have.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	for range p.concurrency {
		p.wg.Add(1)
		go p.work(ctx)
	}

	p.wg.Add(1)
	go p.poll(ctx)

	log.Info().Int("concurrency", p.concurrency).Dur("poll_interval", p.pollInterval).Msg("dispatcher pool started")
}

// Wait blocks until all pool goroutines have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Schedule queues id without blocking. If the queue is full the delivery is
// left for the poller.
func (p *Pool) Schedule(_ context.Context, id uuid.UUID) error {
	p.enqueue(id)
	return nil
}

// Submit queues id, waiting for room in the queue.
func (p *Pool) Submit(ctx context.Context, id uuid.UUID) error {
	if !p.mark(id) {
		return nil
	}
	select {
	case p.jobs <- id:
		return nil
	case <-ctx.Done():
		p.unmark(id)
		return fmt.Errorf("submit delivery: %w", ctx.Err())
	}
}

func (p *Pool) enqueue(id uuid.UUID) {
	if !p.mark(id) {
		return
	}
	select {
	case p.jobs <- id:
	default:
		p.unmark(id)
		metrics.SchedulerDroppedTotal.Inc()
		log.Debug().Str("delivery_id", id.String()).Msg("worker queue full, leaving delivery to poller")
	}
}

// mark records id as queued and reports false if it already was.
func (p *Pool) mark(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[id]; ok {
		return false
	}
	p.queued[id] = struct{}{}
	return true
}

func (p *Pool) unmark(id uuid.UUID) {
	p.mu.Lock()
	delete(p.queued, id)
	p.mu.Unlock()
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.jobs:
			p.unmark(id)
			if delay, retry := p.dispatcher.Attempt(ctx, id); retry {
				p.retryAfter(id, delay)
			}
		}
	}
}

// retryAfter re-queues id once delay has elapsed. If the process stops first
// the poller of the next run picks it up from next_attempt_at.
func (p *Pool) retryAfter(id uuid.UUID, delay time.Duration) {
	time.AfterFunc(delay, func() {
		p.mu.Lock()
		ctx := p.ctx
		p.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		p.enqueue(id)
	})
}

func (p *Pool) poll(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := p.dispatcher.Due(ctx, p.pollBatch)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("poll due deliveries error")
				}
				continue
			}
			for _, id := range ids {
				p.enqueue(id)
			}
		}
	}
}
