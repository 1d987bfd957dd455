package burnrate

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule agent 已配置的定时触发
type Schedule struct {
	// Cron 标准五段式表达式，也接受 @every/@hourly 等描述符
	Cron string
	// Interval 固定间隔触发，配合 LastRunAt 计算下一次
	Interval  time.Duration
	LastRunAt time.Time
}

// NextDue 返回最近一次将到期的定时触发时间
func (s Schedule) NextDue(now time.Time) (time.Time, bool) {
	var next time.Time

	if s.Cron != "" {
		if sched, err := cron.ParseStandard(s.Cron); err == nil {
			next = sched.Next(now)
		}
	}
	if s.Interval > 0 {
		base := s.LastRunAt
		if base.IsZero() {
			base = now
		}
		due := base.Add(s.Interval)
		if due.Before(now) {
			due = now
		}
		if next.IsZero() || due.Before(next) {
			next = due
		}
	}
	return next, !next.IsZero()
}

// DueWithin 判断是否有定时触发会在 horizon 内到期
func (s Schedule) DueWithin(now time.Time, horizon time.Duration) bool {
	next, ok := s.NextDue(now)
	return ok && next.Sub(now) <= horizon
}

// ValidCron 校验 cron 表达式
func ValidCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// Due 自 LastRunAt 以来是否已有定时触发到期；从未运行过的定时 agent 立即到期
func (s Schedule) Due(now time.Time) bool {
	if s.Cron == "" && s.Interval <= 0 {
		return false
	}
	next, ok := s.NextDue(s.LastRunAt)
	return ok && !next.After(now)
}
