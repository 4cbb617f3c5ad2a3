package exchange

import (
	"context"
	"errors"
	"fmt"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/models"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errQueueFull = errors.New("dispatch queue full")

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchAlerts sets the function that receives transport alerts.
func WithDispatchAlerts(fn func(models.Alert)) DispatcherOption {
	return func(d *Dispatcher) { d.onAlert = fn }
}

// Dispatcher delivers engine commands to an Executor in submission order,
// rate limited and retried with backoff. Submit never blocks; failures come
// back to the engine as events.
type Dispatcher struct {
	strategyID string
	symbol     string
	exec       Executor
	sink       EventSink
	limiter    *rate.Limiter
	retry      retrypolicy.RetryPolicy[any]
	queue      chan models.Command
	onAlert    func(models.Alert)
	logger     *zap.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher builds a dispatcher for one strategy. Call Run to start delivery.
func NewDispatcher(strategyID, symbol string, exec Executor, sink EventSink, cfg config.DispatchConfig, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	initial := time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond
	if initial <= 0 {
		initial = time.Millisecond
	}
	if maxDelay <= initial {
		maxDelay = initial * 2
	}

	d := &Dispatcher{
		strategyID: strategyID,
		symbol:     symbol,
		exec:       exec,
		sink:       sink,
		limiter:    rate.NewLimiter(limit, burst),
		retry: retrypolicy.NewBuilder[any]().
			HandleIf(func(_ any, err error) bool {
				// 交易所明确拒绝的请求不重试
				return err != nil && !IsReject(err)
			}).
			WithBackoff(initial, maxDelay).
			WithMaxRetries(cfg.RetryAttempts).
			Build(),
		queue:  make(chan models.Command, queueSize),
		logger: logger.Named("dispatcher").With(zap.String("strategy", strategyID)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit queues commands for delivery. When the queue is full the command
// fails immediately as a transport error.
func (d *Dispatcher) Submit(cmds ...models.Command) {
	for _, cmd := range cmds {
		select {
		case d.queue <- cmd:
		default:
			terr := &TransportError{Command: cmd, Err: errQueueFull}
			// 调用方是引擎事件循环, 回传必须异步
			go d.transportFailed(terr)
		}
	}
}

// Delivered returns the number of commands the executor accepted.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Failed returns the number of commands that were rejected or undeliverable.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Pending returns the number of commands waiting for delivery.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run delivers queued commands until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", zap.Float64("rate_limit", float64(d.limiter.Limit())), zap.Int("burst", d.limiter.Burst()))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", zap.Int("undelivered", len(d.queue)))
			return nil
		case cmd := <-d.queue:
			d.deliver(ctx, cmd)
		}
	}
}

// Drain delivers every queued command on the calling goroutine and returns
// once the queue is empty. Commands queued while draining are delivered too.
// Not for use alongside Run.
func (d *Dispatcher) Drain(ctx context.Context) {
	for {
		select {
		case cmd := <-d.queue:
			d.deliver(ctx, cmd)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, cmd models.Command) {
	attempts := 0
	var last error
	err := failsafe.With[any](d.retry).WithContext(ctx).Run(func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		attempts++
		last = d.call(ctx, cmd)
		if last != nil && !IsReject(last) {
			d.logger.Warn("command delivery failed", zap.Stringer("command", cmd), zap.Int("attempt", attempts), zap.Error(last))
		}
		return last
	})
	if err == nil {
		d.delivered.Add(1)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if last != nil && IsReject(last) {
		d.rejected(cmd, last)
		return
	}
	if last == nil {
		last = err
	}
	d.transportFailed(&TransportError{Command: cmd, Attempts: attempts, Err: last})
}

func (d *Dispatcher) call(ctx context.Context, cmd models.Command) error {
	switch c := cmd.(type) {
	case models.PlaceOrder:
		return d.exec.PlaceOrder(ctx, d.symbol, c)
	case models.CancelOrder:
		return d.exec.CancelOrder(ctx, d.symbol, c)
	case models.MarketClose:
		return d.exec.MarketClose(ctx, d.symbol, c)
	case models.ReconcileRequest:
		return d.exec.Reconcile(ctx, d.symbol, c)
	default:
		return &RejectError{Reason: fmt.Sprintf("unsupported command %T", cmd)}
	}
}

// rejected feeds a venue refusal back to the engine.
func (d *Dispatcher) rejected(cmd models.Command, err error) {
	d.failed.Add(1)
	d.logger.Warn("command rejected", zap.Stringer("command", cmd), zap.Error(err))
	now := time.Now()
	switch c := cmd.(type) {
	case models.PlaceOrder, models.MarketClose:
		d.sink.DispatchEvent(models.OrderRejected{LevelID: c.Level(), Reason: err.Error(), Timestamp: now})
	case models.CancelOrder:
		// 交易所不认识这个订单: 可能已成交, 查询真实状态
		select {
		case d.queue <- models.ReconcileRequest{LevelID: c.LevelID, ClientOrderID: c.ClientOrderID, Reason: "cancel rejected"}:
		default:
			d.alert(c.LevelID, "cancel rejected and reconcile could not be queued: %v", err)
		}
	case models.ReconcileRequest:
		d.sink.DispatchEvent(models.ReconcileReport{LevelID: c.LevelID, Known: false, Timestamp: now})
	}
}

// transportFailed surfaces an undeliverable command as an alert. Orders that
// never reached the venue are reported to the engine as rejected; cancels
// are reported as failed so the engine can send them again.
func (d *Dispatcher) transportFailed(terr *TransportError) {
	d.failed.Add(1)
	d.alert(terr.Command.Level(), "%v", terr)
	switch c := terr.Command.(type) {
	case models.PlaceOrder, models.MarketClose:
		d.sink.DispatchEvent(models.OrderRejected{LevelID: c.Level(), Reason: terr.Error(), Timestamp: time.Now()})
	case models.CancelOrder:
		d.sink.DispatchEvent(models.CancelFailed{LevelID: c.LevelID, ClientOrderID: c.ClientOrderID, Reason: terr.Error(), Timestamp: time.Now()})
	}
}

func (d *Dispatcher) alert(levelID int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.logger.Error("transport alert", zap.Int("level", levelID), zap.String("message", msg))
	if d.onAlert != nil {
		d.onAlert(models.Alert{
			StrategyID: d.strategyID,
			Kind:       models.AlertTransport,
			LevelID:    levelID,
			Message:    msg,
			Time:       time.Now(),
		})
	}
}
