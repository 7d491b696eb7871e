package scheduler

import (
	"context"
	"time"

	"quantbench/internal/logger"
)

// Aligned 在每个 Interval 边界之后 Offset 执行一次任务，用于 K 线收盘后刷新缓存。
type Aligned struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAligned(ctx context.Context, name string, interval, offset time.Duration) *Aligned {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Aligned{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start 阻塞运行直到 ctx 结束。
func (s *Aligned) Start(task func(context.Context)) {
	if s == nil {
		return
	}
	prefix := "scheduler"
	if s.Name != "" {
		prefix = prefix + "[" + s.Name + "]"
	}
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("%s: negative offset=%s, clamp to 0", prefix, s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	startAt := s.nowFn().UTC()
	logger.Infof("%s: started interval=%s offset=%s run_immediately=%v at=%s",
		prefix, s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task(s.ctx)
	}
	for {
		now := s.nowFn().UTC()
		nextAt := NextRun(now, s.Interval, s.Offset)
		logger.Debugf("%s: 下次执行=%s (in %s) | uptime=%s",
			prefix,
			nextAt.Format(time.RFC3339),
			nextAt.Sub(now).Truncate(time.Second),
			now.Sub(startAt).Truncate(time.Second),
		)
		if !s.waitUntil(nextAt) {
			logger.Infof("%s: ctx done, exit", prefix)
			return
		}
		task(s.ctx)
	}
}

func (s *Aligned) waitUntil(target time.Time) bool {
	wait := target.Sub(s.nowFn().UTC())
	if wait <= 0 {
		select {
		case <-s.ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// NextRun 返回严格晚于 now 的下一个 "边界 + offset" 时刻，边界按 UTC 对齐。
func NextRun(now time.Time, interval, offset time.Duration) time.Time {
	now = now.UTC()
	if interval <= 0 {
		return now
	}
	at := now.Truncate(interval).Add(offset)
	for !at.After(now) {
		at = at.Add(interval)
	}
	return at
}
