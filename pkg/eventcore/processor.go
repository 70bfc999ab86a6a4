package eventcore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/dlq"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// Interval is how often Start drains the queue.
	// Default: 10 seconds
	Interval time.Duration

	// BatchSize caps how many entries one run takes when EventTypes is empty.
	// Default: 10
	BatchSize int

	// EventTypes restricts runs to these kinds. Every entry of a listed kind
	// is taken on each run.
	EventTypes []event.Kind

	// OnRetry is called before an envelope is redelivered.
	OnRetry func(*event.Envelope)

	// OnFailure is called when a redelivery fails again. The envelope is
	// back in the queue by then.
	OnFailure func(*event.Envelope, error)
}

// DefaultProcessorConfig provides reasonable defaults.
var DefaultProcessorConfig = ProcessorConfig{
	Interval:  10 * time.Second,
	BatchSize: 10,
}

// ProcessResult summarises one run.
type ProcessResult struct {
	Retried   int
	Succeeded int
	Failed    int
}

// Processor drains a bus's dead-letter queue by redelivering entries to
// the handler that gave up on them.
type Processor struct {
	bus *Bus
	cfg ProcessorConfig

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	done    chan struct{}
}

// NewProcessor creates a processor for the bus's dead-letter queue.
func NewProcessor(bus *Bus, cfg ProcessorConfig) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProcessorConfig.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultProcessorConfig.BatchSize
	}
	return &Processor{bus: bus, cfg: cfg}
}

// Start runs the processor every Interval until ctx is done or Stop is
// called. Starting a running processor does nothing.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})

	go p.run(ctx, p.stopCh, p.done)
}

// Stop halts the processor and waits for a run in progress to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	done := p.done
	p.mu.Unlock()

	<-done
}

func (p *Processor) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.bus.log().Warn("dead-letter processing stopped early", "error", err)
			}
		}
	}
}

// RunOnce takes entries out of the queue and redelivers each one,
// waiting for the outcome. An entry whose handler is no longer subscribed
// is republished to every current subscriber instead.
func (p *Processor) RunOnce(ctx context.Context) (ProcessResult, error) {
	var res ProcessResult
	for _, env := range p.take() {
		if err := ctx.Err(); err != nil {
			// Put back what was taken but not processed.
			_ = p.bus.DLQ().Send(context.WithoutCancel(ctx), env)
			continue
		}
		res.Retried++
		if p.cfg.OnRetry != nil {
			p.cfg.OnRetry(env)
		}

		err := p.bus.Redeliver(ctx, env)
		var notFound *event.HandlerNotFoundError
		if errors.As(err, &notFound) {
			err = p.bus.PublishEventAndWait(ctx, env.Event)
		}
		if errors.Is(err, ErrHandlerBusy) || errors.Is(err, ErrBusDisposed) {
			// Nothing ran, so nothing re-queued it.
			_ = p.bus.DLQ().Send(context.WithoutCancel(ctx), env)
		}
		if err == nil {
			if back, requeued := p.bus.DLQ().FailedEvent(env.Event.ID()); requeued {
				err = back.Err
				if err == nil {
					err = errors.New(back.ErrorMessage())
				}
			}
		}

		if err != nil {
			res.Failed++
			if p.cfg.OnFailure != nil {
				p.cfg.OnFailure(env, err)
			}
			continue
		}
		res.Succeeded++
	}
	return res, ctx.Err()
}

// take removes the entries for this run from the queue, oldest failure
// first.
func (p *Processor) take() []*event.Envelope {
	q := p.bus.DLQ()

	if len(p.cfg.EventTypes) > 0 {
		var out []*event.Envelope
		for _, kind := range p.cfg.EventTypes {
			out = append(out, q.RetryByType(kind)...)
		}
		return out
	}

	candidates := q.FailedEvents(dlq.Filter{})
	slices.Reverse(candidates)
	if len(candidates) > p.cfg.BatchSize {
		candidates = candidates[:p.cfg.BatchSize]
	}

	out := make([]*event.Envelope, 0, len(candidates))
	for _, env := range candidates {
		fresh, err := q.Retry(env.Event.ID())
		if err != nil {
			// Taken by a concurrent Retry.
			continue
		}
		out = append(out, fresh)
	}
	return out
}
