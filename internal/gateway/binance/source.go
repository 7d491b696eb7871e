package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"quantbench/internal/backtest"
	"quantbench/internal/logger"
	"quantbench/internal/market"
)

const (
	defaultPageLimit = 1000
	maxPageLimit     = 1500
	// 收盘后多等一小段时间，避免把刚收盘但未定稿的 K 线写入缓存
	closeGrace = 2 * time.Second
)

// Source 基于 go-binance SDK 拉取 USDT 合约历史 K 线，实现 backtest.Fetcher。
type Source struct {
	cfg    Config
	client *futures.Client
	now    func() time.Time
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client, now: time.Now}, nil
}

func (s *Source) Name() string { return "binance" }

// Fetch 以 startTime 翻页拉取 [Start, End] 的 K 线，丢弃尚未收盘的最后一根。
func (s *Source) Fetch(ctx context.Context, req backtest.FetchRequest) (market.Series, error) {
	symbol := ExchangeSymbol(req.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval := req.Timeframe.BinanceInterval
	if interval == "" {
		return nil, fmt.Errorf("timeframe %s has no binance interval", req.Timeframe.Key)
	}
	startMs, endMs := req.Start.UnixMilli(), req.End.UnixMilli()
	if endMs < startMs {
		return market.Series{}, nil
	}

	var out market.Series
	for cursor := startMs; cursor <= endMs; {
		kls, err := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cursor).
			EndTime(endMs).
			Limit(s.cfg.PageLimit).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(kls) == 0 {
			break
		}
		last := cursor - 1
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			if kl.OpenTime > last {
				last = kl.OpenTime
			}
			if !s.closed(kl) {
				continue
			}
			bar, err := klineBar(kl)
			if err != nil {
				return nil, fmt.Errorf("binance %s %s: %w", symbol, interval, err)
			}
			out = append(out, bar)
		}
		if len(kls) < s.cfg.PageLimit || last < cursor {
			break
		}
		cursor = last + 1
	}
	logger.Debugf("[binance] %s %s rows=%d", symbol, interval, len(out))
	return out, nil
}

func (s *Source) closed(kl *futures.Kline) bool {
	closeAt := kl.CloseTime
	if closeAt <= 0 {
		return true
	}
	return s.now().UnixMilli() >= closeAt+closeGrace.Milliseconds()
}

// ExchangeSymbol 把 BTC/USDT、btc-usdt 等写法转换为 BTCUSDT。
func ExchangeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "", "-", "", "_", "", ":", "").Replace(s)
}

// klineBar 任一字段无法解析都返回错误，不写入 0 值。
func klineBar(kl *futures.Kline) (market.Bar, error) {
	bar := market.Bar{Time: time.UnixMilli(kl.OpenTime).UTC()}
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", kl.Open, &bar.Open},
		{"high", kl.High, &bar.High},
		{"low", kl.Low, &bar.Low},
		{"close", kl.Close, &bar.Close},
		{"volume", kl.Volume, &bar.Volume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f.raw), 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("kline %d 字段 %s 无法解析 %q", kl.OpenTime, f.name, f.raw)
		}
		*f.dst = v
	}
	return bar, nil
}
