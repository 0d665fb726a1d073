package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"derivfeed/internal/marketdata/normalize"
	"derivfeed/internal/model"
)

type memTickStore struct {
	ticks    []model.NormalizedTick
	statuses []model.MarketStatus
	err      error
}

func (s *memTickStore) SaveTicks(_ context.Context, ticks []model.NormalizedTick) (model.SaveResult, error) {
	if s.err != nil {
		return model.SaveResult{}, s.err
	}
	s.ticks = append(s.ticks, ticks...)
	return model.SaveResult{Inserted: len(ticks)}, nil
}

func (s *memTickStore) SaveMarketStatus(_ context.Context, st []model.MarketStatus) error {
	s.statuses = append(s.statuses, st...)
	return s.err
}

func (s *memTickStore) Close() error { return nil }

func f64(v float64) *float64 { return &v }

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// drained returns every event queued on a single attached publisher without running workers.
func drained(fo *FanOut) []Event {
	var out []Event
	for {
		select {
		case ev := <-fo.subs[0].ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newTestSink(store model.TickStore) (*Sink, *FanOut) {
	fo := NewFanOut(64)
	fo.Attach("test", &recordingPublisher{})
	s := NewSink(store, fo, nil)
	s.now = func() time.Time { return time.Date(2025, 6, 10, 4, 0, 0, 0, time.UTC) }
	return s, fo
}

func TestSink_PublishChannels(t *testing.T) {
	s, fo := newTestSink(nil)
	ticks := []model.NormalizedTick{
		{Identifier: "NSE_INDEX|Nifty 50", Symbol: "NIFTY", Kind: model.KindIndex, LTP: 100},
		{Identifier: "NSE_FO|1", Symbol: "NIFTY", Kind: model.KindCall, Expiry: date(2025, 6, 19), OpenInterest: f64(10)},
		{Identifier: "NSE_FO|2", Symbol: "NIFTY", Kind: model.KindPut, Expiry: date(2025, 6, 12)},
		{Identifier: "NSE_FO|3", Symbol: "NIFTY", Kind: model.KindFuture, Expiry: date(2025, 6, 26)},
		{Identifier: "NSE_FO|4", Symbol: "BANKNIFTY", Kind: model.KindCall, Expiry: date(2025, 6, 26)},
		{Identifier: "NSE_FO|5"},
	}
	if err := s.Publish(context.Background(), ticks); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	want := map[string]int{
		"market:NIFTY":                4,
		"options:NIFTY":               2,
		"options:NIFTY:2025-06-12":    1,
		"options:NIFTY:2025-06-19":    1,
		"futures:NIFTY":               1,
		"oi:NIFTY":                    1,
		"market:BANKNIFTY":            1,
		"options:BANKNIFTY":           1,
		"options:BANKNIFTY:2025-06-26": 1,
	}
	events := drained(fo)
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	var order []string
	for _, ev := range events {
		var p TickPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("%s: %v", ev.Channel, err)
		}
		n, ok := want[ev.Channel]
		if !ok {
			t.Errorf("unexpected channel %s", ev.Channel)
			continue
		}
		if len(p.Ticks) != n {
			t.Errorf("%s: %d ticks, want %d", ev.Channel, len(p.Ticks), n)
		}
		order = append(order, ev.Channel)
	}
	if order[0] != "market:NIFTY" || order[2] != "options:NIFTY:2025-06-12" || order[3] != "options:NIFTY:2025-06-19" {
		t.Errorf("unexpected order: %v", order)
	}
}

func TestSink_IngestWithoutStore(t *testing.T) {
	s, _ := newTestSink(nil)
	res, err := s.Ingest(context.Background(), make([]model.NormalizedTick, 3))
	if err != nil || res.Inserted != 3 {
		t.Fatalf("Ingest = %+v, %v", res, err)
	}
}

func TestSink_IngestPropagatesStoreError(t *testing.T) {
	st := &memTickStore{err: errors.New("disk full")}
	s, _ := newTestSink(st)
	if _, err := s.Ingest(context.Background(), make([]model.NormalizedTick, 1)); err == nil {
		t.Fatal("expected error")
	}
}

func TestSink_PublishStatusPersistsAndEmits(t *testing.T) {
	st := &memTickStore{}
	s, fo := newTestSink(st)
	statuses := []model.MarketStatus{{Segment: "NSE_FO", Status: "NORMAL_OPEN"}}
	if err := s.PublishStatus(context.Background(), statuses); err != nil {
		t.Fatalf("PublishStatus: %v", err)
	}
	if len(st.statuses) != 1 {
		t.Fatalf("persisted %d statuses", len(st.statuses))
	}
	ev := drained(fo)
	if len(ev) != 1 || ev[0].Channel != model.StatusChannel {
		t.Fatalf("events = %v", ev)
	}
}

func TestSink_PublishStats(t *testing.T) {
	s, fo := newTestSink(nil)
	if err := s.PublishStats(context.Background(), normalize.Snapshot{MessagesReceived: 7}); err != nil {
		t.Fatal(err)
	}
	ev := drained(fo)
	if len(ev) != 1 || ev[0].Channel != model.StatsChannel {
		t.Fatalf("events = %v", ev)
	}
	var p StatsPayload
	if err := json.Unmarshal(ev[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Stats.MessagesReceived != 7 {
		t.Errorf("messages = %d", p.Stats.MessagesReceived)
	}
}
