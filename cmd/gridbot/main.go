package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/downloader"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/logger"
	"grid-engine-go/internal/metrics"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"
	"grid-engine-go/internal/replay"
	"grid-engine-go/internal/reporter"
	"grid-engine-go/internal/statemanager"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 10 * time.Second

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.yaml", "path to the config file (.json, .yaml)")
	mode := flag.String("mode", "", "override the configured mode: paper, binance or replay")
	dataPath := flag.String("data", "", "kline CSV to replay")
	symbol := flag.String("symbol", "", "symbol to download for replay (e.g., BTCUSDT)")
	startDate := flag.String("start", "", "replay download start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "replay download end date (YYYY-MM-DD)")
	statusEvery := flag.Duration("status", time.Minute, "interval between status reports, 0 disables")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}
	if *mode != "" {
		os.Setenv("GRID_MODE", *mode)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case "replay":
		path, err := replayData(ctx, log, *dataPath, *symbol, *startDate, *endDate)
		if err != nil {
			logger.S().Fatal(err)
		}
		if err := runReplay(ctx, cfg, log, path); err != nil {
			logger.S().Fatalf("回放失败: %v", err)
		}
	default:
		if err := runLive(ctx, cfg, log, *statusEvery); err != nil {
			logger.S().Fatalf("运行失败: %v", err)
		}
	}
}

// replayData resolves the kline file, downloading it first when a symbol
// and date range are given.
func replayData(ctx context.Context, log *zap.Logger, dataPath, symbol, startDate, endDate string) (string, error) {
	if symbol == "" || startDate == "" || endDate == "" {
		if dataPath == "" {
			return "", errors.New("回放模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
		}
		return dataPath, nil
	}
	start, err1 := time.Parse("2006-01-02", startDate)
	end, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式: %w", errors.Join(err1, err2))
	}
	path := dataPath
	if path == "" {
		path = downloader.FileName("data", symbol, start, end)
	}
	if err := downloader.NewKlineDownloader(log).DownloadKlines(ctx, symbol, path, start, end); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return path, nil
}

func runReplay(ctx context.Context, cfg *config.AppConfig, log *zap.Logger, path string) error {
	klines, skipped, err := downloader.LoadKlines(path)
	if err != nil {
		return err
	}
	if skipped > 0 {
		log.Warn("unparsable kline rows skipped", zap.Int("rows", skipped))
	}
	for _, gc := range cfg.Strategies {
		drv, err := replay.New(gc, cfg.Exchange.PaperFillRatio, logger.ForStrategy(log, "replay", gc.StrategyID, gc.Symbol))
		if err != nil {
			return fmt.Errorf("strategy %s: %w", gc.StrategyID, err)
		}
		res, err := drv.Run(ctx, klines)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", gc.StrategyID, err)
		}
		info := reporter.ReplayInfo{
			DataFile: path,
			Bars:     res.Bars,
			Skipped:  skipped,
			Fills:    res.Fills,
			Start:    klines[0].OpenTime,
			End:      klines[res.Bars-1].OpenTime,
		}
		if err := reporter.WriteReplayReport(os.Stdout, info, res.State); err != nil {
			return err
		}
		for _, a := range res.Alerts {
			log.Warn("replay alert", zap.String("strategy", a.StrategyID), zap.String("kind", string(a.Kind)), zap.String("message", a.Message))
		}
	}
	return nil
}

// runner bundles what one strategy needs at run time.
type runner struct {
	cfg        models.GridConfig
	sm         *statemanager.StateManager
	disp       *exchange.Dispatcher
	firstPrice chan decimal.Decimal
}

func runLive(ctx context.Context, cfg *config.AppConfig, log *zap.Logger, statusEvery time.Duration) error {
	log.Info("--- 启动网格策略 ---", zap.String("mode", cfg.Mode), zap.Int("strategies", len(cfg.Strategies)))

	repo, err := openRepository(cfg.DBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	var venue *exchange.BinanceExecutor
	if cfg.Mode == "binance" {
		venue, err = exchange.NewBinanceExecutor(ctx, cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.IsTestnet, log)
		if err != nil {
			return err
		}
		symbols := make([]string, 0, len(cfg.Strategies))
		for _, gc := range cfg.Strategies {
			symbols = append(symbols, gc.Symbol)
		}
		if err := venue.LoadSymbols(ctx, symbols...); err != nil {
			return err
		}
	}

	alert := func(a models.Alert) {
		log.Error("strategy alert",
			zap.String("strategy", a.StrategyID),
			zap.String("kind", string(a.Kind)),
			zap.Int("level", a.LevelID),
			zap.String("message", a.Message))
	}

	collector := metrics.NewCollector()
	prometheus.MustRegister(collector)

	feeds := make(map[string]*exchange.PriceFeed)
	var runners []*runner
	for _, gc := range cfg.Strategies {
		strategyLog := logger.ForStrategy(log, "strategy", gc.StrategyID, gc.Symbol)
		r := &runner{cfg: gc, firstPrice: make(chan decimal.Decimal, 1)}
		sink := exchange.SinkFunc(func(ev models.Event) bool { return r.sm.DispatchEvent(ev) })

		feed, ok := feeds[gc.Symbol]
		if !ok {
			feed = exchange.NewPriceFeed(cfg.Exchange.WSBaseURL, gc.Symbol,
				time.Duration(cfg.Exchange.PongTimeout)*time.Second,
				time.Duration(cfg.Exchange.PingInterval)*time.Second,
				time.Duration(cfg.Exchange.ReconnectWait)*time.Second, log)
			feeds[gc.Symbol] = feed
		}

		var exec exchange.Executor
		if venue != nil {
			exec = venue.Route(gc.StrategyID, sink)
		} else {
			paper := exchange.NewPaperExchange(sink, gc.Slippage, strategyLog)
			paper.FillRatio = cfg.Exchange.PaperFillRatio
			// 模拟撮合先于引擎看到价格
			feed.OnPrice(paper.Tick)
			exec = paper
		}

		r.disp = exchange.NewDispatcher(gc.StrategyID, gc.Symbol, exec, sink, cfg.Dispatch, log, exchange.WithDispatchAlerts(alert))
		r.sm, err = statemanager.NewStateManager(gc, repo, r.disp, strategyLog, statemanager.WithAlertHandler(alert))
		if err != nil {
			return fmt.Errorf("strategy %s: %w", gc.StrategyID, err)
		}
		feed.OnPrice(func(price decimal.Decimal, ts time.Time) {
			select {
			case r.firstPrice <- price:
			default:
			}
			r.sm.DispatchEvent(models.PriceTick{Price: price, Timestamp: ts})
		})
		collector.Add(gc.StrategyID, r.sm)
		runners = append(runners, r)
	}

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	var dispatchers errgroup.Group
	for _, r := range runners {
		r.sm.Start()
		dispatchers.Go(func() error { return r.disp.Run(dispatchCtx) })
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, feed := range feeds {
		g.Go(func() error { return feed.Run(gctx) })
	}
	if venue != nil {
		g.Go(func() error { return venue.RunUserStream(gctx) })
	}
	for _, r := range runners {
		g.Go(func() error { return activate(gctx, r) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, log) })
	}
	if statusEvery > 0 {
		g.Go(func() error {
			monitorStatus(gctx, runners, statusEvery)
			return nil
		})
	}

	err = g.Wait()
	shutdown(runners, log)
	cancelDispatch()
	dispatchers.Wait()
	for _, r := range runners {
		r.sm.Stop()
		collector.Remove(r.cfg.StrategyID)
		fmt.Print(reporter.Summary(r.sm.Snapshot()))
	}
	log.Info("所有策略已停止，状态已保存。")
	return err
}

func openRepository(path string) (persistence.StateRepository, error) {
	if path == "" {
		return persistence.NewInMemoryRepository()
	}
	return persistence.NewBadgerRepository(path)
}

// activate starts a strategy at the first traded price of its symbol.
func activate(ctx context.Context, r *runner) error {
	select {
	case price := <-r.firstPrice:
		if err := r.sm.Activate(price); err != nil && !errors.Is(err, statemanager.ErrStopped) {
			return fmt.Errorf("activate %s: %w", r.cfg.StrategyID, err)
		}
	case <-ctx.Done():
	}
	return nil
}

// shutdown cancels every resting order and waits, bounded, for the cancels
// to leave the dispatch queues.
func shutdown(runners []*runner, log *zap.Logger) {
	for _, r := range runners {
		if err := r.sm.StopStrategy(); err != nil {
			log.Warn("stop strategy failed", zap.String("strategy", r.cfg.StrategyID), zap.Error(err))
		}
	}
	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		pending := 0
		for _, r := range runners {
			pending += r.disp.Pending()
		}
		if pending == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Warn("shutdown grace period elapsed with commands still queued")
}

func serveMetrics(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("Starting Prometheus metrics server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// monitorStatus periodically prints each strategy's summary.
func monitorStatus(ctx context.Context, runners []*runner, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range runners {
				logger.S().Info("\n" + reporter.Summary(r.sm.Snapshot()))
			}
		}
	}
}
