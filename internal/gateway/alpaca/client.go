package alpaca

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"quantbench/internal/backtest"
	"quantbench/internal/logger"
	"quantbench/internal/market"
)

const (
	defaultBaseURL   = "https://data.alpaca.markets"
	defaultPageLimit = 10000
	maxPages         = 500
)

type Config struct {
	BaseURL         string
	KeyID           string
	SecretKey       string
	Feed            string // iex / sip
	Adjustment      string // raw / split / dividend / all
	PageLimit       int
	RateLimitPerMin int
	Timeout         time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.BaseURL == "" {
		out.BaseURL = defaultBaseURL
	}
	out.Feed = strings.ToLower(strings.TrimSpace(out.Feed))
	if out.Feed == "" {
		out.Feed = "iex"
	}
	out.Adjustment = strings.ToLower(strings.TrimSpace(out.Adjustment))
	if out.Adjustment == "" {
		out.Adjustment = "raw"
	}
	if out.PageLimit <= 0 || out.PageLimit > defaultPageLimit {
		out.PageLimit = defaultPageLimit
	}
	if out.RateLimitPerMin <= 0 {
		out.RateLimitPerMin = 200
	}
	if out.Timeout <= 0 {
		out.Timeout = 20 * time.Second
	}
	return out
}

// Client 调用 Alpaca v2 股票 bars 接口，实现 backtest.Fetcher。
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	if strings.TrimSpace(final.KeyID) == "" || strings.TrimSpace(final.SecretKey) == "" {
		return nil, fmt.Errorf("alpaca key_id/secret_key 不能为空")
	}
	if _, err := url.Parse(final.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid alpaca base url: %w", err)
	}
	perSec := rate.Limit(float64(final.RateLimitPerMin) / 60.0)
	burst := final.RateLimitPerMin / 20
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     final,
		http:    &http.Client{Timeout: final.Timeout},
		limiter: rate.NewLimiter(perSec, burst),
	}, nil
}

func (c *Client) Name() string { return "alpaca" }

// Fetch 拉取 [Start, End] 的 bars，跟随 next_page_token 直到取完。
func (c *Client) Fetch(ctx context.Context, req backtest.FetchRequest) (market.Series, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if req.Timeframe.Tag == "" {
		return nil, fmt.Errorf("timeframe is required")
	}
	var (
		out   market.Series
		token string
	)
	for page := 0; page < maxPages; page++ {
		body, err := c.get(ctx, c.barsURL(symbol, req, token))
		if err != nil {
			return nil, err
		}
		bars, next, err := parseBars(body)
		if err != nil {
			return nil, err
		}
		out = append(out, bars...)
		if next == "" {
			logger.Debugf("[alpaca] %s %s pages=%d rows=%d", symbol, req.Timeframe.Tag, page+1, len(out))
			return out, nil
		}
		token = next
	}
	return nil, fmt.Errorf("alpaca: %s exceeded %d pages", symbol, maxPages)
}

func (c *Client) barsURL(symbol string, req backtest.FetchRequest, pageToken string) string {
	q := url.Values{}
	q.Set("timeframe", req.Timeframe.Tag)
	q.Set("start", req.Start.UTC().Format(time.RFC3339))
	q.Set("end", req.End.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(c.cfg.PageLimit))
	q.Set("adjustment", c.cfg.Adjustment)
	q.Set("feed", c.cfg.Feed)
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	return fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.cfg.BaseURL, url.PathEscape(symbol), q.Encode())
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("APCA-API-KEY-ID", c.cfg.KeyID)
	httpReq.Header.Set("APCA-API-SECRET-KEY", c.cfg.SecretKey)
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("alpaca 返回状态码 %d: %s", resp.StatusCode, msg)
	}
	return body, nil
}

// parseBars 解析 {"bars":[{"t","o","h","l","c","v"}...], "next_page_token": ...}。
func parseBars(body []byte) (market.Series, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("alpaca: invalid json response")
	}
	doc := gjson.ParseBytes(body)
	var (
		out     market.Series
		scanErr error
	)
	doc.Get("bars").ForEach(func(_, item gjson.Result) bool {
		ts, err := time.Parse(time.RFC3339Nano, item.Get("t").String())
		if err != nil {
			scanErr = fmt.Errorf("alpaca: bad bar timestamp %q: %w", item.Get("t").String(), err)
			return false
		}
		out = append(out, market.Bar{
			Time:   ts,
			Open:   item.Get("o").Float(),
			High:   item.Get("h").Float(),
			Low:    item.Get("l").Float(),
			Close:  item.Get("c").Float(),
			Volume: item.Get("v").Float(),
		})
		return true
	})
	if scanErr != nil {
		return nil, "", scanErr
	}
	return out, doc.Get("next_page_token").String(), nil
}
