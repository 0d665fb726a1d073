package model

import (
	"strings"
	"time"
)

// Push channel names consumed by the dashboard.
const (
	StatsChannel  = "stats"
	StatusChannel = "market-status"
)

// ExpiryKey formats an expiry for use in channel names and storage keys.
func ExpiryKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func MarketChannel(symbol string) string  { return "market:" + symbol }
func OIChannel(symbol string) string      { return "oi:" + symbol }
func OptionsChannel(symbol string) string { return "options:" + symbol }
func FuturesChannel(symbol string) string { return "futures:" + symbol }

func OptionsExpiryChannel(symbol string, expiry time.Time) string {
	return "options:" + symbol + ":" + ExpiryKey(expiry)
}

// ValidChannel reports whether name follows one of the push channel
// conventions. oi:{symbol}:{interval} and chart:{type}:{symbol} are produced
// by downstream analytics and are accepted for subscription.
func ValidChannel(name string) bool {
	if name == StatsChannel || name == StatusChannel {
		return true
	}
	parts := strings.Split(name, ":")
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	switch parts[0] {
	case "market", "futures":
		return len(parts) == 2
	case "oi", "options":
		return len(parts) == 2 || len(parts) == 3
	case "chart":
		return len(parts) == 3
	}
	return false
}
