package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// Kline 一根K线
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client   *binance.Client
	interval string
	pause    time.Duration
	logger   *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{
		client:   binance.NewClient("", ""), // 公共接口不需要API Key
		interval: "1m",
		pause:    200 * time.Millisecond,
		logger:   logger.Named("downloader"),
	}
}

// FileName is the cache file used for a symbol and date range.
func FileName(dir, symbol string, start, end time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s.csv", symbol, start.Format("2006-01-02"), end.Format("2006-01-02")))
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件.
// An existing file is treated as a cache hit. A failed download leaves no
// partial file behind.
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) (err error) {
	if _, statErr := os.Stat(filePath); statErr == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return nil
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("无法创建目录 %s: %w", dir, err)
		}
	}

	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}
	defer func() {
		file.Close()
		if err != nil {
			os.Remove(tmp)
		}
	}()

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.Time("start", startTime),
		zap.Time("end", endTime))

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(d.interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}
		rows += len(klines)
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t), zap.Int("rows", rows))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return err
	}
	d.logger.Info("成功下载K线数据", zap.String("file", filePath), zap.Int("rows", rows))
	return nil
}

// ReadKlines loads a kline CSV written by DownloadKlines. Only the first
// six columns are required. Rows that cannot be parsed are skipped and
// counted.
func ReadKlines(r io.Reader) ([]Kline, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var klines []Kline
	skipped := 0
	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("无法读取CSV记录: %w", err)
		}
		if first {
			first = false
			if len(record) > 0 && strings.EqualFold(record[0], header[0]) {
				continue
			}
		}
		k, ok := parseRecord(record)
		if !ok {
			skipped++
			continue
		}
		klines = append(klines, k)
	}
	if len(klines) == 0 {
		return nil, skipped, errors.New("历史数据文件为空或只有表头")
	}
	return klines, skipped, nil
}

// LoadKlines opens path and reads it with ReadKlines.
func LoadKlines(path string) ([]Kline, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()
	return ReadKlines(file)
}

func parseRecord(record []string) (Kline, bool) {
	if len(record) < 6 {
		return Kline{}, false
	}
	ms, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return Kline{}, false
	}
	var vals [5]decimal.Decimal
	for i := range vals {
		v, err := decimal.NewFromString(record[i+1])
		if err != nil {
			return Kline{}, false
		}
		vals[i] = v
	}
	k := Kline{
		OpenTime: time.UnixMilli(ms),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}
	if !k.Low.IsPositive() || k.High.LessThan(k.Low) {
		return Kline{}, false
	}
	return k, true
}
