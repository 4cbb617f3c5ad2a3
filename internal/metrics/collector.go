package metrics

import (
	"grid-engine-go/internal/models"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// SnapshotSource publishes immutable engine snapshots.
type SnapshotSource interface {
	Snapshot() *models.GridTradingState
}

// Collector exports the performance metrics of registered strategies. It
// reads a fresh snapshot on every scrape and never touches engine state.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]SnapshotSource

	position    *prometheus.Desc
	price       *prometheus.Desc
	pnl         *prometheus.Desc
	commission  *prometheus.Desc
	drawdown    *prometheus.Desc
	winRate     *prometheus.Desc
	trades      *prometheus.Desc
	grids       *prometheus.Desc
	halted      *prometheus.Desc
	snapVersion *prometheus.Desc
}

// NewCollector returns an empty collector. Register it with a prometheus
// registry and add sources as strategies start.
func NewCollector() *Collector {
	labels := []string{"strategy", "symbol"}
	return &Collector{
		sources:     make(map[string]SnapshotSource),
		position:    prometheus.NewDesc("grid_position", "Signed net position in base currency.", labels, nil),
		price:       prometheus.NewDesc("grid_price", "Last price seen by the engine.", labels, nil),
		pnl:         prometheus.NewDesc("grid_pnl", "Profit and loss in quote currency.", append(labels, "kind"), nil),
		commission:  prometheus.NewDesc("grid_commission_total", "Commission paid in quote currency.", labels, nil),
		drawdown:    prometheus.NewDesc("grid_max_drawdown_ratio", "Largest drawdown from peak equity observed.", labels, nil),
		winRate:     prometheus.NewDesc("grid_win_rate_percent", "Share of closing trades with positive net P&L.", labels, nil),
		trades:      prometheus.NewDesc("grid_trades_total", "Closing trades by outcome.", append(labels, "outcome"), nil),
		grids:       prometheus.NewDesc("grid_levels", "Grid levels by activity.", append(labels, "kind"), nil),
		halted:      prometheus.NewDesc("grid_halted", "1 while the strategy is halted by a risk limit.", append(labels, "reason"), nil),
		snapVersion: prometheus.NewDesc("grid_state_version", "Version of the last published snapshot.", labels, nil),
	}
}

// Add registers a strategy's snapshot source under its id.
func (c *Collector) Add(strategyID string, src SnapshotSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[strategyID] = src
}

// Remove stops exporting a strategy.
func (c *Collector) Remove(strategyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, strategyID)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.position, c.price, c.pnl, c.commission, c.drawdown, c.winRate, c.trades, c.grids, c.halted, c.snapVersion} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	sources := make([]SnapshotSource, 0, len(c.sources))
	for _, src := range c.sources {
		sources = append(sources, src)
	}
	c.mu.RUnlock()

	for _, src := range sources {
		s := src.Snapshot()
		if s == nil {
			continue
		}
		m := FromState(s)
		id, sym := s.StrategyID, s.Symbol

		gauge := func(d *prometheus.Desc, v decimal.Decimal, extra ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v.InexactFloat64(), append([]string{id, sym}, extra...)...)
		}
		gauge(c.position, m.CurrentPosition)
		gauge(c.price, s.CurrentPrice)
		gauge(c.pnl, m.RealizedPnL, "realized")
		gauge(c.pnl, m.UnrealizedPnL, "unrealized")
		gauge(c.pnl, m.TotalPnL, "total")
		gauge(c.commission, m.TotalCommission)
		gauge(c.drawdown, m.MaxDrawdown)
		gauge(c.winRate, m.WinRate)

		ch <- prometheus.MustNewConstMetric(c.trades, prometheus.CounterValue, float64(m.WinningTrades), id, sym, "win")
		ch <- prometheus.MustNewConstMetric(c.trades, prometheus.CounterValue, float64(m.LosingTrades), id, sym, "loss")
		ch <- prometheus.MustNewConstMetric(c.grids, prometheus.GaugeValue, float64(m.ActiveGrids), id, sym, "active")
		ch <- prometheus.MustNewConstMetric(c.grids, prometheus.GaugeValue, float64(m.TotalGrids), id, sym, "total")

		halted := 0.0
		if s.Status == models.StatusHalted {
			halted = 1
		}
		ch <- prometheus.MustNewConstMetric(c.halted, prometheus.GaugeValue, halted, id, sym, string(s.HaltReason))
		ch <- prometheus.MustNewConstMetric(c.snapVersion, prometheus.GaugeValue, float64(s.Version), id, sym)
	}
}
