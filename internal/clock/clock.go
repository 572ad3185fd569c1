package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TickFunc is called on every tick.
type TickFunc func(ctx context.Context)

// Ticker runs registered callbacks at a fixed interval. Callbacks run
// sequentially on one goroutine, so a slow tick delays the next one
// instead of overlapping it.
type Ticker interface {
	// Start begins ticking. The first tick fires one interval after Start.
	Start(ctx context.Context) error
	// Stop terminates the ticker and waits for a running tick to finish.
	Stop() error
	// Interval returns the current tick interval.
	Interval() time.Duration
	// Reset changes the interval. The next tick fires one new interval
	// after the call.
	Reset(interval time.Duration) error
	// OnTick registers a callback.
	OnTick(fn TickFunc)
}

type ticker struct {
	log  logrus.FieldLogger
	name string

	mu        sync.Mutex
	interval  time.Duration
	ticker    *time.Ticker
	callbacks []TickFunc
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped Ticker. name labels its log lines.
func New(
	log logrus.FieldLogger,
	name string,
	interval time.Duration,
) (Ticker, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}

	return &ticker{
		log: log.WithFields(logrus.Fields{
			"component": "clock",
			"ticker":    name,
		}),
		name:      name,
		interval:  interval,
		callbacks: make([]TickFunc, 0, 2),
	}, nil
}

func (t *ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done != nil {
		return fmt.Errorf("ticker %s already started", t.name)
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.ticker = time.NewTicker(t.interval)
	t.done = make(chan struct{})

	go t.run(ctx, t.ticker, t.done)

	t.log.WithField("interval", t.interval).Info("Ticker started")

	return nil
}

func (t *ticker) run(ctx context.Context, tk *time.Ticker, done chan struct{}) {
	defer close(done)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.mu.Lock()
			callbacks := append([]TickFunc(nil), t.callbacks...)
			t.mu.Unlock()

			for _, fn := range callbacks {
				fn(ctx)
			}
		}
	}
}

func (t *ticker) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done, t.ticker = nil, nil, nil
	t.mu.Unlock()

	if done == nil {
		return nil
	}

	cancel()
	<-done

	t.log.Debug("Ticker stopped")

	return nil
}

func (t *ticker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.interval
}

func (t *ticker) Reset(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if interval == t.interval {
		return nil
	}

	t.interval = interval

	if t.ticker != nil {
		t.ticker.Reset(interval)
	}

	t.log.WithField("interval", interval).Info("Ticker interval changed")

	return nil
}

func (t *ticker) OnTick(fn TickFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callbacks = append(t.callbacks, fn)
}
