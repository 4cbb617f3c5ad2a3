package reporter

import (
	"fmt"
	"grid-engine-go/internal/metrics"
	"grid-engine-go/internal/models"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
)

// ReplayInfo 描述一次历史回放
type ReplayInfo struct {
	DataFile string
	Bars     int
	Skipped  int
	Fills    int
	Start    time.Time
	End      time.Time
}

// Summary renders the headline numbers of a strategy snapshot.
func Summary(state *models.GridTradingState) string {
	if state == nil {
		return "no state\n"
	}
	m := metrics.FromState(state)

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s %s", state.StrategyID, state.Symbol))
	t.Style().Title.Align = text.AlignCenter
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	status := string(state.Status)
	if state.HaltReason != models.HaltNone {
		status += " (" + string(state.HaltReason) + ")"
	}
	t.AppendRows([]table.Row{
		{"状态", status},
		{"当前价格", state.CurrentPrice.String()},
		{"网格中心", state.GridCenter.String()},
		{"净持仓", m.CurrentPosition.String()},
		{"持仓均价", state.Ledger.AvgEntryPrice.StringFixed(4)},
	})
	if !state.LastAdjustment.IsZero() {
		t.AppendRow(table.Row{"网格调整时间", state.LastAdjustment.UTC().Format("2006-01-02 15:04:05")})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"已实现盈亏", m.RealizedPnL.StringFixed(4)},
		{"未实现盈亏", m.UnrealizedPnL.StringFixed(4)},
		{"总盈亏", m.TotalPnL.StringFixed(4)},
		{"手续费", m.TotalCommission.StringFixed(4)},
		{"最大回撤", percent(m.MaxDrawdown)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"交易次数", m.TotalTrades},
		{"盈利 / 亏损", fmt.Sprintf("%d / %d", m.WinningTrades, m.LosingTrades)},
		{"胜率", m.WinRate.StringFixed(2) + "%"},
		{"活跃网格", fmt.Sprintf("%d / %d", m.ActiveGrids, m.TotalGrids)},
	})
	return t.Render() + "\n"
}

// LevelBook renders every level that is not closed, highest price first.
func LevelBook(levels []models.GridLevel) string {
	var open []models.GridLevel
	for _, l := range levels {
		if l.State != models.LevelClosed {
			open = append(open, l)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if c := open[i].Price.Cmp(open[j].Price); c != 0 {
			return c > 0
		}
		return open[i].ID < open[j].ID
	})

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "方向", "价格", "数量", "已成交", "状态", "来源", "反向价"})
	for _, l := range open {
		state := string(l.State)
		if l.Flagged {
			state += "!"
		}
		flip := "-"
		if l.FlipPrice.IsPositive() {
			flip = l.FlipPrice.String()
		}
		t.AppendRow(table.Row{l.ID, l.Side, l.Price.String(), l.Quantity.String(), l.FilledQuantity.String(), state, l.Origin, flip})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "共", len(open)})
	return t.Render() + "\n"
}

// WriteReplayReport writes the replay header, the summary and the level book.
func WriteReplayReport(w io.Writer, info ReplayInfo, state *models.GridTradingState) error {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("回放结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", info.DataFile},
		{"回放周期", fmt.Sprintf("%s 到 %s", info.Start.Format("2006-01-02 15:04"), info.End.Format("2006-01-02 15:04"))},
		{"K线数量", fmt.Sprintf("%d (跳过 %d)", info.Bars, info.Skipped)},
		{"模拟成交", info.Fills},
	})

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(Summary(state))
	if state != nil {
		b.WriteString(LevelBook(state.GridLevels))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func percent(ratio decimal.Decimal) string {
	return ratio.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}
