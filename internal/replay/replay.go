// Package replay drives one strategy over recorded klines against the paper
// venue, on a single goroutine, so a run is reproducible.
package replay

import (
	"context"
	"errors"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/downloader"
	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result is the outcome of a replay.
type Result struct {
	State  *models.GridTradingState
	Bars   int
	Fills  int
	Alerts []models.Alert
}

// Driver owns the engine, the simulated venue and the event queue between them.
type Driver struct {
	cfg     models.GridConfig
	eng     *engine.Engine
	venue   *exchange.PaperExchange
	disp    *exchange.Dispatcher
	pending []models.Event
	alerts  []models.Alert
	logger  *zap.Logger
}

// New builds a driver for cfg. fillRatio limits how much of an order fills
// per price touch; zero fills whole orders.
func New(cfg models.GridConfig, fillRatio decimal.Decimal, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{cfg: cfg, logger: logger.Named("replay")}
	eng, err := engine.New(cfg, logger.Named("engine"), engine.WithAlertSink(func(a models.Alert) {
		d.alerts = append(d.alerts, a)
	}))
	if err != nil {
		return nil, err
	}
	d.eng = eng

	sink := exchange.SinkFunc(d.enqueue)
	d.venue = exchange.NewPaperExchange(sink, cfg.Slippage, logger)
	d.venue.FillRatio = fillRatio
	d.disp = exchange.NewDispatcher(cfg.StrategyID, cfg.Symbol, d.venue, sink, config.DispatchConfig{QueueSize: 4096}, logger)
	return d, nil
}

func (d *Driver) enqueue(ev models.Event) bool {
	d.pending = append(d.pending, ev)
	return true
}

// Run replays klines in order. The strategy starts at the first bar's close
// and every later bar walks open, low, high, close on the venue before the
// engine sees the close as a tick. Replay ends early when the engine halts.
func (d *Driver) Run(ctx context.Context, klines []downloader.Kline) (*Result, error) {
	if len(klines) == 0 {
		return nil, errors.New("no klines to replay")
	}
	first := klines[0]
	d.venue.SetPrice(first.Open, first.High, first.Low, first.Close, first.OpenTime)
	cmds, err := d.eng.Start(first.Close, first.OpenTime)
	if err != nil {
		return nil, err
	}
	d.disp.Submit(cmds...)
	d.settle(ctx)

	bars := 1
	last := first
	for _, k := range klines[1:] {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if d.eng.Status() == models.StatusHalted {
			d.logger.Warn("engine halted, ending replay early", zap.String("reason", string(d.eng.HaltReason())), zap.Time("at", last.OpenTime))
			break
		}
		d.venue.SetPrice(k.Open, k.High, k.Low, k.Close, k.OpenTime)
		d.enqueue(models.PriceTick{Price: k.Close, Timestamp: k.OpenTime})
		d.settle(ctx)
		bars++
		last = k
	}

	d.disp.Submit(d.eng.Stop(last.OpenTime)...)
	d.settle(ctx)

	return &Result{
		State:  d.eng.Snapshot(),
		Bars:   bars,
		Fills:  d.venue.Fills(),
		Alerts: d.alerts,
	}, nil
}

// settle alternates between the engine and the venue until neither has
// anything left to do.
func (d *Driver) settle(ctx context.Context) {
	d.disp.Drain(ctx)
	for len(d.pending) > 0 {
		ev := d.pending[0]
		d.pending = d.pending[1:]
		cmds, err := d.eng.Handle(ev)
		if err != nil {
			d.logger.Debug("event not applied cleanly", zap.Error(err))
		}
		d.disp.Submit(cmds...)
		d.disp.Drain(ctx)
	}
}
