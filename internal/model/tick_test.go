package model

import (
	"testing"
	"time"
)

func TestSignature(t *testing.T) {
	ltt := time.Date(2025, 6, 10, 4, 0, 0, 0, time.UTC)
	oi := 1200.0
	base := NormalizedTick{Identifier: "NSE_FO|1", LTP: 100, LTT: ltt, OpenInterest: &oi, DataType: DataTick}

	later := base
	later.ServerTS = ltt.Add(time.Second)
	later.IngestedAt = ltt.Add(2 * time.Second)
	if base.Signature() != later.Signature() {
		t.Error("signature depends on delivery timestamps")
	}

	moreOI := 1300.0
	changed := base
	changed.OpenInterest = &moreOI
	if base.Signature() == changed.Signature() {
		t.Error("signature ignores an open interest change")
	}

	bid := 99.5
	quoted := base
	quoted.BidPrice = &bid
	if base.Signature() == quoted.Signature() {
		t.Error("signature ignores a depth change")
	}
}
