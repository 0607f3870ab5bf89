package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"remittance/internal/ledger"
)

// RetryPolicy is the exponential backoff applied per publisher.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     int
}

type Config struct {
	BufferSize int
	Retry      RetryPolicy
	// DLQPath receives one JSON file per event that exhausted its retries.
	// Empty disables the dead-letter queue.
	DLQPath string
	Logger  *slog.Logger
}

type target struct {
	name      string
	publisher Publisher
}

// Dispatcher implements ledger.Sink. Notify only enqueues; a single worker
// fans events out to the registered publishers in order.
type Dispatcher struct {
	cfg     Config
	logger  *slog.Logger
	targets []target
	queue   chan ledger.Event
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.With("component", "notify"),
		queue:  make(chan ledger.Event, cfg.BufferSize),
		stop:   make(chan struct{}),
	}
}

// Register adds a publisher. Call before Start.
func (d *Dispatcher) Register(name string, p Publisher) {
	d.targets = append(d.targets, target{name: name, publisher: p})
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(ctx)
}

// Notify enqueues ev, dropping it when the buffer is full or the
// dispatcher is closed.
func (d *Dispatcher) Notify(ev ledger.Event) {
	if d.closed.Load() {
		d.drop(ev, "closed")
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.drop(ev, "buffer full")
	}
}

func (d *Dispatcher) drop(ev ledger.Event, reason string) {
	d.dropped.Add(1)
	d.logger.Warn("notification dropped", "reason", reason, "kind", ev.Kind, "entry_id", ev.EntryID)
}

// Close stops accepting events and drains the queue. If ctx expires first,
// in-flight retries are abandoned and their events go to the DLQ.
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.stop)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if d.cancel != nil {
			d.cancel()
		}
		<-done
		return ctx.Err()
	}
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *Dispatcher) Dropped() uint64   { return d.dropped.Load() }
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }
func (d *Dispatcher) Failed() uint64    { return d.failed.Load() }

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		case <-d.stop:
			for {
				select {
				case ev := <-d.queue:
					d.dispatch(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev ledger.Event) {
	for _, t := range d.targets {
		if err := d.publishWithRetry(ctx, t, ev); err != nil {
			d.failed.Add(1)
			d.logger.Error("notification failed", "publisher", t.name, "kind", ev.Kind, "entry_id", ev.EntryID, "error", err)
			d.writeDLQ(t.name, ev, err)
			continue
		}
		d.delivered.Add(1)
	}
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, t target, ev ledger.Event) error {
	policy := d.cfg.Retry
	backoff := policy.InitialBackoff

	for i := 1; ; i++ {
		err := t.publisher.Publish(ctx, ev)
		if err == nil {
			return nil
		}
		if !isRetryable(err) || i >= policy.MaxAttempts {
			return err
		}

		d.logger.Debug("retrying notification", "publisher", t.name, "attempt", i, "error", err)
		sleep := backoff
		if policy.MaxBackoff > 0 && sleep > policy.MaxBackoff {
			sleep = policy.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
		if policy.Multiplier > 1 {
			backoff *= time.Duration(policy.Multiplier)
		}
	}
}

type dlqEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Publisher string    `json:"publisher"`
	Event     Message   `json:"event"`
	Error     string    `json:"error"`
}

func (d *Dispatcher) writeDLQ(publisher string, ev ledger.Event, cause error) {
	if d.cfg.DLQPath == "" {
		return
	}

	data, err := json.MarshalIndent(dlqEntry{
		Timestamp: time.Now().UTC(),
		Publisher: publisher,
		Event:     NewMessage(ev),
		Error:     cause.Error(),
	}, "", "  ")
	if err != nil {
		d.logger.Error("dlq marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(d.cfg.DLQPath, 0o755); err != nil {
		d.logger.Error("dlq mkdir failed", "error", err)
		return
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString())
	if err := os.WriteFile(filepath.Join(d.cfg.DLQPath, name), data, 0o600); err != nil {
		d.logger.Error("dlq write failed", "error", err)
	}
}

// DLQDepth counts dead-lettered events on disk.
func (d *Dispatcher) DLQDepth() int {
	if d.cfg.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(d.cfg.DLQPath)
	if err != nil {
		return 0
	}
	return len(entries)
}
