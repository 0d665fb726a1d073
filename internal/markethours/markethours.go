// Package markethours answers NSE session questions in IST: whether the market
// is open, when it next opens, and which trading date a timestamp belongs to.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30

	// Feed connects a little before open so the subscribe round-trip is done by 9:15.
	FeedConnectMinutesBefore = 2
)

// IsMarketOpen returns true if t falls within NSE trading hours
// (9:15 AM to 3:30 PM IST on trading days).
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// InFeedWindow reports whether the feed should be connected at t: from
// FeedConnectMinutesBefore the open until the close of a trading day.
func InFeedWindow(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	open := FeedConnectTime(StartOfDay(ist).Add(OpenHour*time.Hour + OpenMinute*time.Minute))
	return !ist.Before(open) && ist.Before(TodayClose(ist))
}

// IsWeekday returns true if t is Mon-Fri in IST.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

// StartOfDay returns midnight IST of t's calendar date.
func StartOfDay(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, IST)
}

// TradingDate returns t's IST calendar date as "2006-01-02".
func TradingDate(t time.Time) string {
	return t.In(IST).Format("2006-01-02")
}

// SameTradingDay reports whether a and b fall on the same IST calendar date.
func SameTradingDay(a, b time.Time) bool {
	return TradingDate(a) == TradingDate(b)
}

// NextOpen returns the next market open time (9:15 AM IST on next trading day).
// If t is before today's open on a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)

	todayOpen := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}

	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // holidays + weekends never span more than this
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, IST)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, OpenHour, OpenMinute, 0, 0, IST)
}

// FeedConnectTime returns when the feed should connect for the given open time.
func FeedConnectTime(openTime time.Time) time.Time {
	return openTime.Add(-time.Duration(FeedConnectMinutesBefore) * time.Minute)
}

// TodayClose returns today's market close time (3:30 PM IST).
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// TimeUntilFeedWindow returns how long to wait before the feed should connect.
// Zero inside the window.
func TimeUntilFeedWindow(t time.Time) time.Duration {
	if InFeedWindow(t) {
		return 0
	}
	ist := t.In(IST)
	open := NextOpen(ist)
	if d := FeedConnectTime(open).Sub(ist); d > 0 {
		return d
	}
	return 0
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		d := TodayClose(t).Sub(t.In(IST))
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(d))
	}
	next := NextOpen(t)
	ist := next.In(IST)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
