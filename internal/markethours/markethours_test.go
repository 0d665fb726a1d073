package markethours

import (
	"testing"
	"time"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, IST)
}

func TestIsMarketOpen(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"tuesday open", at(2025, time.June, 10, 9, 15), true},
		{"tuesday before open", at(2025, time.June, 10, 9, 14), false},
		{"tuesday at close", at(2025, time.June, 10, 15, 30), false},
		{"saturday", at(2025, time.June, 14, 11, 0), false},
		{"independence day", at(2025, time.August, 15, 11, 0), false},
	}
	for _, c := range cases {
		if got := IsMarketOpen(c.t); got != c.want {
			t.Errorf("%s: IsMarketOpen = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestIsMarketOpen_ConvertsFromUTC(t *testing.T) {
	// 04:00 UTC is 09:30 IST.
	utc := time.Date(2025, time.June, 10, 4, 0, 0, 0, time.UTC)
	if !IsMarketOpen(utc) {
		t.Error("expected open for 09:30 IST given as UTC")
	}
}

func TestTradingDate(t *testing.T) {
	// 20:00 UTC on the 9th is 01:30 IST on the 10th.
	utc := time.Date(2025, time.June, 9, 20, 0, 0, 0, time.UTC)
	if got := TradingDate(utc); got != "2025-06-10" {
		t.Errorf("TradingDate = %s, want 2025-06-10", got)
	}
	if !SameTradingDay(utc, at(2025, time.June, 10, 23, 59)) {
		t.Error("expected same IST trading day")
	}
	if SameTradingDay(utc, at(2025, time.June, 9, 23, 0)) {
		t.Error("expected different IST trading days")
	}
}

func TestNextOpen(t *testing.T) {
	// Friday after close -> Monday.
	got := NextOpen(at(2025, time.June, 13, 16, 0))
	if want := at(2025, time.June, 16, 9, 15); !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}
	// Before open on a trading day -> same day.
	got = NextOpen(at(2025, time.June, 10, 7, 0))
	if want := at(2025, time.June, 10, 9, 15); !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}
	// Thursday before a Friday holiday -> Monday.
	got = NextOpen(at(2025, time.August, 14, 16, 0))
	if want := at(2025, time.August, 18, 9, 15); !got.Equal(want) {
		t.Errorf("NextOpen over holiday = %v, want %v", got, want)
	}
}

func TestFeedWindow(t *testing.T) {
	if !InFeedWindow(at(2025, time.June, 10, 9, 13)) {
		t.Error("09:13 should be inside the feed window")
	}
	if InFeedWindow(at(2025, time.June, 10, 9, 12)) {
		t.Error("09:12 should be outside the feed window")
	}
	if d := TimeUntilFeedWindow(at(2025, time.June, 10, 9, 0)); d != 13*time.Minute {
		t.Errorf("TimeUntilFeedWindow = %v, want 13m", d)
	}
	if d := TimeUntilFeedWindow(at(2025, time.June, 10, 10, 0)); d != 0 {
		t.Errorf("TimeUntilFeedWindow inside window = %v, want 0", d)
	}
}
