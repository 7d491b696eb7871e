package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quantbench/internal/cache"
	"quantbench/internal/logger"
	"quantbench/internal/market"
)

var ErrInvalidRange = errors.New("invalid range")

type ReconcilerConfig struct {
	Store   *cache.Store
	Fetcher Fetcher
	// Session 非空时，对日内周期的新拉取数据做常规时段过滤。
	Session *market.Session
	Journal *Journal
}

// Reconciler 让本地缓存与远端数据源保持同步，只拉取缺失的首尾区间。
type Reconciler struct {
	store   *cache.Store
	fetcher Fetcher
	session *market.Session
	journal *Journal
	loc     *time.Location
	log     *slog.Logger
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cache store 不能为空")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher 不能为空")
	}
	loc := cfg.Store.Location()
	if cfg.Session != nil && cfg.Session.Location != nil {
		loc = cfg.Session.Location
	}
	return &Reconciler{
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		session: cfg.Session,
		journal: cfg.Journal,
		loc:     loc,
		log:     logger.With("reconcile"),
	}, nil
}

func (r *Reconciler) Location() *time.Location { return r.loc }

// GetRange 返回 [start, end] 闭区间内的 bar，必要时补齐缓存的首尾。
func (r *Reconciler) GetRange(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) (market.Series, error) {
	series, _, err := r.Reconcile(ctx, symbol, tf, start, end)
	return series, err
}

// Bars 即 GetRange，使 Reconciler 可直接作为 Runner 的 BarSource。
func (r *Reconciler) Bars(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) (market.Series, error) {
	return r.GetRange(ctx, symbol, tf, start, end)
}

// Reconcile 与 GetRange 相同，同时返回本次对账的事件记录。
func (r *Reconciler) Reconcile(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) (market.Series, SyncEvent, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	ev := SyncEvent{Symbol: symbol, Timeframe: tf.Tag, RequestedStart: start, RequestedEnd: end}
	if symbol == "" {
		return nil, ev, fmt.Errorf("%w: symbol 不能为空", ErrInvalidRange)
	}
	if tf.Tag == "" {
		return nil, ev, fmt.Errorf("%w: timeframe 不能为空", ErrInvalidRange)
	}
	if end.Before(start) {
		return nil, ev, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	start, end = start.In(r.loc), end.In(r.loc)

	cached, ok, err := r.store.Load(symbol, tf.Tag)
	if err != nil {
		return nil, ev, err
	}
	if !ok || len(cached) == 0 {
		fresh, err := r.fetch(ctx, symbol, tf, start, end)
		if err != nil {
			return nil, ev, err
		}
		if len(fresh) == 0 {
			r.log.Warn("no data", "symbol", symbol, "timeframe", tf.Tag)
			return market.Series{}, ev, nil
		}
		fresh = fresh.Normalize()
		if err := r.store.Save(symbol, tf.Tag, fresh); err != nil {
			return nil, ev, err
		}
		ev.SuffixRows = len(fresh)
		ev.Persisted = true
		r.finish(ctx, &ev, fresh)
		return fresh.Between(start, end), ev, nil
	}

	localStart, localEnd, _ := cached.Bounds()
	var prefix, suffix market.Series
	if start.Before(localStart) {
		// 数据源的 end 是包含的，localStart 这根会与缓存重叠，以新数据为准
		prefix, err = r.fetch(ctx, symbol, tf, start, localStart)
		if err != nil {
			return nil, ev, err
		}
	}
	if end.After(localEnd) {
		if from := tf.Next(localEnd); !from.After(end) {
			suffix, err = r.fetch(ctx, symbol, tf, from, end)
			if err != nil {
				return nil, ev, err
			}
		}
	}
	ev.PrefixRows, ev.SuffixRows = len(prefix), len(suffix)

	merged := cached
	if len(prefix)+len(suffix) > 0 {
		combined := make(market.Series, 0, len(cached)+len(prefix)+len(suffix))
		combined = append(combined, cached...)
		combined = append(combined, prefix...)
		combined = append(combined, suffix...)
		merged = combined.Normalize()
		if err := r.store.Save(symbol, tf.Tag, merged); err != nil {
			return nil, ev, err
		}
		ev.Persisted = true
		r.log.Info("merged", "symbol", symbol, "timeframe", tf.Tag,
			"prefix", len(prefix), "suffix", len(suffix), "rows", len(merged))
	} else {
		restored, err := r.store.EnsureBackup(symbol, tf.Tag, cached)
		if err != nil {
			return nil, ev, err
		}
		ev.Restored = restored
	}
	r.finish(ctx, &ev, merged)
	return merged.Between(start, end), ev, nil
}

func (r *Reconciler) finish(ctx context.Context, ev *SyncEvent, stored market.Series) {
	ev.Rows = len(stored)
	ev.First, ev.Last, _ = stored.Bounds()
	ev.SyncedAt = time.Now()
	if r.journal == nil || (!ev.Persisted && !ev.Restored) {
		return
	}
	if err := r.journal.Record(ctx, ev); err != nil {
		r.log.Warn("journal write failed", "symbol", ev.Symbol, "timeframe", ev.Timeframe, "error", err)
	}
}

// fetch 是拉取边界：数据源的任何错误都记录日志后视为空结果，只有 ctx 取消会向上返回。
func (r *Reconciler) fetch(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) (market.Series, error) {
	series, err := r.fetcher.Fetch(ctx, FetchRequest{Symbol: symbol, Timeframe: tf, Start: start, End: end})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		r.log.Warn("fetch failed", "source", r.fetcher.Name(), "symbol", symbol, "timeframe", tf.Tag,
			"start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339), "error", err)
		return market.Series{}, nil
	}
	if tf.Intraday && r.session != nil {
		series = r.session.Filter(series)
	}
	series = series.In(r.loc)
	r.log.Debug("fetched", "source", r.fetcher.Name(), "symbol", symbol, "timeframe", tf.Tag, "rows", len(series))
	return series, nil
}
