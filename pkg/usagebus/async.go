package usagebus

import (
	"context"
	"errors"
	"sync"
	"time"

	"toolgate/pkg/models"
)

var (
	ErrQueueFull = errors.New("usage event queue full")
	ErrClosed    = errors.New("usage event publisher closed")
)

type AsyncOptions struct {
	// Buffer is the queue length. Defaults to 1024.
	Buffer int
	// Timeout bounds each delivery to the wrapped publisher. Defaults to 5s.
	Timeout time.Duration
	// OnError is called from the delivery goroutine for every event the
	// wrapped publisher rejected.
	OnError func(evt models.UsageEvent, err error)
}

// AsyncPublisher queues events and delivers them from one background
// goroutine, so a slow or unreachable broker never holds up a request.
// Publish fails fast with ErrQueueFull instead of blocking.
type AsyncPublisher struct {
	next    Publisher
	timeout time.Duration
	onError func(models.UsageEvent, error)

	mu     sync.RWMutex
	closed bool
	queue  chan models.UsageEvent
	done   chan struct{}
}

func NewAsync(next Publisher, opts AsyncOptions) *AsyncPublisher {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	p := &AsyncPublisher{
		next:    next,
		timeout: opts.Timeout,
		onError: opts.OnError,
		queue:   make(chan models.UsageEvent, opts.Buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *AsyncPublisher) Publish(_ context.Context, evt models.UsageEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for evt := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.next.Publish(ctx, evt)
		cancel()
		if err != nil && p.onError != nil {
			p.onError(evt, err)
		}
	}
}

// Close stops accepting events, delivers what is queued and closes the
// wrapped publisher.
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	return p.next.Close()
}
