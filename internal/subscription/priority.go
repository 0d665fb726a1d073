package subscription

import (
	"sort"

	"derivfeed/internal/catalog"
	"derivfeed/internal/model"
)

var symbolPriority = map[string]int{
	catalog.NIFTY:      1,
	catalog.BANKNIFTY:  2,
	catalog.FINNIFTY:   3,
	catalog.MIDCPNIFTY: 4,
}

const lowestPriority = 99

// PriorityLess orders entries for truncation. Index quotes come first, then
// symbols by NIFTY, BANKNIFTY, FINNIFTY, MIDCPNIFTY, then the nearer expiry.
// Entries without an expiry sort after dated ones of the same symbol.
func PriorityLess(a, b model.SubscriptionEntry) bool {
	ai, bi := a.Kind == model.KindIndex, b.Kind == model.KindIndex
	if ai != bi {
		return ai
	}

	if pa, pb := rank(a.Symbol), rank(b.Symbol); pa != pb {
		return pa < pb
	}

	switch {
	case a.Expiry == nil:
		return false
	case b.Expiry == nil:
		return true
	}
	return a.Expiry.Before(*b.Expiry)
}

func rank(symbol string) int {
	if p, ok := symbolPriority[symbol]; ok {
		return p
	}
	return lowestPriority
}

// CapToLimit returns entries unchanged when len(entries) <= limit. Otherwise it
// returns a PriorityLess-sorted copy truncated to limit. Ties keep input order.
// A limit of zero or less disables the cap.
func CapToLimit(entries []model.SubscriptionEntry, limit int) []model.SubscriptionEntry {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	out := make([]model.SubscriptionEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return PriorityLess(out[i], out[j]) })
	return out[:limit:limit]
}
