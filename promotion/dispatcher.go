/*
Package promotion delivers level changes to the systems that act on them.

PURPOSE:
  The ledger calls a points.PromotionHook after every level change. The
  types here are hooks: a queue that takes delivery off the ledger's
  path, a role mapper and an HTTP webhook. They compose:

    hook := promotion.NewDispatcher(
        promotion.Multi(
            promotion.NewRolePromoter(promotion.DefaultRoles(), assigner),
            promotion.NewWebhook(url, secret),
        ),
        promotion.DispatcherConfig{Workers: 4},
        log,
    )
    ledger, _ := points.NewLedger(store, policy, points.WithPromotionHook(hook))

DISPATCHER:
  - OnLevelChange never blocks: the event is queued or dropped
  - Workers retry failed deliveries with exponential backoff
  - Each event gets a uuid, visible to sinks via EventID(ctx), so a
    receiver can discard redeliveries
  - Close stops intake and drains the queue. When its deadline passes,
    in-flight attempts are cancelled and queued events are dropped

SEE ALSO:
  - points/hook.go: PromotionHook and LevelChange
  - roles.go, webhook.go: Sinks
*/
package promotion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/points-ledger/points"
)

var (
	// ErrQueueFull is returned by OnLevelChange when the buffer is full.
	ErrQueueFull = errors.New("promotion queue full")

	// ErrDispatcherClosed is returned by OnLevelChange after Close.
	ErrDispatcherClosed = errors.New("promotion dispatcher closed")
)

type eventIDKey struct{}

// EventID returns the delivery id attached by a Dispatcher.
func EventID(ctx context.Context) string {
	id, _ := ctx.Value(eventIDKey{}).(string)
	return id
}

func withEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey{}, id)
}

// DispatcherConfig tunes the queue. Zero values take the defaults.
type DispatcherConfig struct {
	Workers        int
	BufferSize     int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	return c
}

type job struct {
	id     string
	change points.LevelChange
}

// DispatcherStats counts outcomes since start.
type DispatcherStats struct {
	Delivered int64
	Failed    int64
	Dropped   int64
	Retried   int64
}

// Dispatcher is an asynchronous points.PromotionHook.
type Dispatcher struct {
	target points.PromotionHook
	cfg    DispatcherConfig
	log    logrus.FieldLogger

	jobs   chan job
	quit   chan struct{}

	// base parents every attempt; cancelled when Close gives up.
	base       context.Context
	cancelBase context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retried   atomic.Int64
}

var _ points.PromotionHook = (*Dispatcher)(nil)

// NewDispatcher starts the workers.
func NewDispatcher(target points.PromotionHook, cfg DispatcherConfig, log logrus.FieldLogger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Dispatcher{
		target: target,
		cfg:    cfg,
		log:    log.WithField("component", "promotion"),
		jobs:   make(chan job, cfg.BufferSize),
		quit:   make(chan struct{}),
	}
	d.base, d.cancelBase = context.WithCancel(context.Background())
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.log.WithFields(logrus.Fields{
		"workers":     cfg.Workers,
		"buffer_size": cfg.BufferSize,
	}).Info("promotion dispatcher started")
	return d
}

// OnLevelChange queues the change and returns immediately.
func (d *Dispatcher) OnLevelChange(_ context.Context, change points.LevelChange) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return ErrDispatcherClosed
	}

	j := job{id: uuid.NewString(), change: change}
	select {
	case d.jobs <- j:
		return nil
	default:
		d.dropped.Add(1)
		d.log.WithFields(logrus.Fields{
			"user_id":   change.UserID,
			"new_level": change.NewLevel,
		}).Warn("promotion queue full, dropping level change")
		return fmt.Errorf("%w: user %d level %d", ErrQueueFull, change.UserID, change.NewLevel)
	}
}

// Close stops intake and waits for queued events until ctx expires. At the
// deadline running attempts are cancelled, events waiting on a backoff are
// abandoned and events still queued are dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelBase()
		d.log.Info("promotion dispatcher stopped")
		return nil
	case <-ctx.Done():
		close(d.quit)
		d.cancelBase()
		<-done
		d.log.WithField("dropped", d.dropped.Load()).Warn("promotion dispatcher stopped before the queue drained")
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Retried:   d.retried.Load(),
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for j := range d.jobs {
		select {
		case <-d.quit:
			d.dropped.Add(1)
			continue
		default:
		}
		d.deliver(id, j)
	}
}

func (d *Dispatcher) deliver(worker int, j job) {
	entry := d.log.WithFields(logrus.Fields{
		"worker":    worker,
		"event_id":  j.id,
		"user_id":   j.change.UserID,
		"old_level": j.change.OldLevel,
		"new_level": j.change.NewLevel,
	})

	backoff := d.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		err := d.attempt(j)
		if err == nil {
			d.delivered.Add(1)
			entry.WithField("attempt", attempt).Debug("level change delivered")
			return
		}
		if attempt >= d.cfg.MaxAttempts {
			d.failed.Add(1)
			entry.WithError(err).WithField("attempts", attempt).Error("level change delivery failed")
			return
		}

		d.retried.Add(1)
		entry.WithError(err).WithField("attempt", attempt).Warn("level change delivery failed, retrying")
		select {
		case <-time.After(backoff):
		case <-d.quit:
			d.failed.Add(1)
			entry.Warn("dispatcher closing, abandoning level change")
			return
		}
		backoff = min(backoff*2, d.cfg.MaxBackoff)
	}
}

func (d *Dispatcher) attempt(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("promotion sink panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(withEventID(d.base, j.id), d.cfg.AttemptTimeout)
	defer cancel()
	return d.target.OnLevelChange(ctx, j.change)
}
