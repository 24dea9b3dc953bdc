package model

import "time"

// UsageHistoryLimit caps the per-rental usage history; the oldest events are
// dropped first.
const UsageHistoryLimit = 1000

// Default quota limits applied to new rentals when configuration does not
// override them.
const (
	DefaultDailyLimit   = 1000
	DefaultMonthlyLimit = 30000
	DefaultAlertPercent = 80
	QuotaWindowDaily    = "daily"
	QuotaWindowMonthly  = "monthly"
)

// QuotaWindow is the per-rental usage accounting. Resets are calendar
// aligned: the stored reset timestamps are compared by date (and by month),
// never by elapsed duration.
type QuotaWindow struct {
	DailyLimit       int64
	MonthlyLimit     int64
	DailyUsed        int64
	MonthlyUsed      int64
	TotalUsed        int64
	LastDailyReset   time.Time
	LastMonthlyReset time.Time
	DailyAlerted     bool
	MonthlyAlerted   bool
}

// NewQuotaWindow returns a fresh window whose reset stamps are at now.
func NewQuotaWindow(dailyLimit, monthlyLimit int64, now time.Time) QuotaWindow {
	return QuotaWindow{
		DailyLimit:       dailyLimit,
		MonthlyLimit:     monthlyLimit,
		LastDailyReset:   now,
		LastMonthlyReset: now,
	}
}

// Roll applies any pending calendar resets as observed in loc at now.
func (w *QuotaWindow) Roll(now time.Time, loc *time.Location) {
	cur := now.In(loc)
	y, m, d := cur.Date()

	ly, lm, ld := w.LastDailyReset.In(loc).Date()
	if y != ly || m != lm || d != ld {
		w.DailyUsed = 0
		w.DailyAlerted = false
		w.LastDailyReset = now
	}

	my, mm, _ := w.LastMonthlyReset.In(loc).Date()
	if y != my || m != mm {
		w.MonthlyUsed = 0
		w.MonthlyAlerted = false
		w.LastMonthlyReset = now
	}
}

// QuotaAlert describes a usage window that crossed the alert threshold.
type QuotaAlert struct {
	Window string
	Used   int64
	Limit  int64
}

// Record rolls the window, counts one call and returns the alerts whose
// threshold was crossed by this call. Each window alerts at most once until
// its next reset.
func (w *QuotaWindow) Record(now time.Time, loc *time.Location, alertPercent int64) []QuotaAlert {
	w.Roll(now, loc)

	w.DailyUsed++
	w.MonthlyUsed++
	w.TotalUsed++

	var alerts []QuotaAlert
	if !w.DailyAlerted && crossed(w.DailyUsed, w.DailyLimit, alertPercent) {
		w.DailyAlerted = true
		alerts = append(alerts, QuotaAlert{Window: QuotaWindowDaily, Used: w.DailyUsed, Limit: w.DailyLimit})
	}
	if !w.MonthlyAlerted && crossed(w.MonthlyUsed, w.MonthlyLimit, alertPercent) {
		w.MonthlyAlerted = true
		alerts = append(alerts, QuotaAlert{Window: QuotaWindowMonthly, Used: w.MonthlyUsed, Limit: w.MonthlyLimit})
	}
	return alerts
}

func crossed(used, limit, percent int64) bool {
	return limit > 0 && used*100 >= limit*percent
}

// QuotaUsage is the read view of one window.
type QuotaUsage struct {
	Used      int64
	Limit     int64
	Remaining int64
	Exceeded  bool
}

// QuotaView is the result of a limit check.
type QuotaView struct {
	WithinLimits bool
	Daily        QuotaUsage
	Monthly      QuotaUsage
	Total        int64
}

// View reports the window's state at now without mutating it. Pending
// calendar resets are applied to a copy so a stale window reads as fresh.
// A window counts as exceeded once used reaches the limit.
func (w QuotaWindow) View(now time.Time, loc *time.Location) QuotaView {
	w.Roll(now, loc)

	daily := usage(w.DailyUsed, w.DailyLimit)
	monthly := usage(w.MonthlyUsed, w.MonthlyLimit)
	return QuotaView{
		WithinLimits: !daily.Exceeded && !monthly.Exceeded,
		Daily:        daily,
		Monthly:      monthly,
		Total:        w.TotalUsed,
	}
}

func usage(used, limit int64) QuotaUsage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return QuotaUsage{
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		Exceeded:  used >= limit,
	}
}

// UsageEvent is one metered credential call.
type UsageEvent struct {
	At         time.Time
	Endpoint   string
	StatusCode int
}
