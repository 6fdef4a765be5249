package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler reacts to a committed event.
type Handler func(ctx context.Context, ev Event) error

// Publisher forwards events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type subscription struct {
	name    string
	handler Handler
}

type delivery struct {
	ev        Event
	sub       subscription
	attempt   int
	notBefore time.Time
}

// Dispatcher runs handlers right after commit, in the committing goroutine,
// and keeps failed deliveries for retry with linear back-off.
type Dispatcher struct {
	mu          sync.Mutex
	subs        map[Kind][]subscription
	pending     []delivery
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		d.maxAttempts = maxAttempts
		d.backoff = backoff
	}
}

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:        make(map[Kind][]subscription),
		maxAttempts: 5,
		backoff:     5 * time.Second,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("events.dispatcher")
	return d
}

func (d *Dispatcher) Subscribe(kind Kind, name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[kind] = append(d.subs[kind], subscription{name: name, handler: h})
}

// SubscribePublisher forwards every kind to p.
func (d *Dispatcher) SubscribePublisher(name string, p Publisher) {
	for _, kind := range []Kind{KindPlanApproved, KindFactChanged} {
		d.Subscribe(kind, name, p.Publish)
	}
}

// Dispatch delivers committed events. Caller cancellation does not stop
// delivery; the commit already happened.
func (d *Dispatcher) Dispatch(ctx context.Context, evs []Event) {
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		d.mu.Lock()
		subs := append([]subscription(nil), d.subs[ev.Kind]...)
		d.mu.Unlock()

		for _, sub := range subs {
			d.deliver(ctx, delivery{ev: ev, sub: sub, attempt: 1})
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, dl delivery) {
	err := dl.sub.handler(ctx, dl.ev)
	if err == nil {
		return
	}

	log := d.logger.With(
		zap.String("event_id", dl.ev.ID.String()),
		zap.String("kind", string(dl.ev.Kind)),
		zap.String("handler", dl.sub.name),
		zap.Int("attempt", dl.attempt),
		zap.Error(err),
	)
	if dl.attempt >= d.maxAttempts {
		log.Error("event handler failed, giving up")
		return
	}
	log.Warn("event handler failed, will retry")

	dl.notBefore = d.now().Add(time.Duration(dl.attempt) * d.backoff)
	dl.attempt++
	d.mu.Lock()
	d.pending = append(d.pending, dl)
	d.mu.Unlock()
}

// RetryDue redelivers every pending delivery whose back-off has elapsed
// and returns how many remain queued.
func (d *Dispatcher) RetryDue(ctx context.Context) int {
	now := d.now()
	d.mu.Lock()
	var due, later []delivery
	for _, dl := range d.pending {
		if dl.notBefore.After(now) {
			later = append(later, dl)
		} else {
			due = append(due, dl)
		}
	}
	d.pending = later
	d.mu.Unlock()

	for _, dl := range due {
		d.deliver(ctx, dl)
	}
	return d.Pending()
}

func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run retries failed deliveries until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("retry worker started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("retry worker stopped", zap.Int("pending", d.Pending()))
			return
		case <-ticker.C:
			d.RetryDue(ctx)
		}
	}
}
