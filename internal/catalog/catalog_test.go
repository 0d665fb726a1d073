package catalog

import (
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"derivfeed/internal/markethours"
	"derivfeed/internal/model"
)

const sampleMaster = `[
  {"instrument_key":"NSE_INDEX|Nifty 50","name":"Nifty 50","trading_symbol":"NIFTY","segment":"NSE_INDEX","instrument_type":"INDEX"},
  {"instrument_key":"NSE_FO|1001","name":"NIFTY","trading_symbol":"NIFTY 24000 CE 12 JUN 25","asset_symbol":"NIFTY","segment":"NSE_FO","expiry":1749666600000,"strike_price":24000,"instrument_type":"CE","lot_size":75},
  {"instrument_key":"NSE_FO|1002","name":"NIFTY","trading_symbol":"NIFTY 24000 PE 19 JUN 25","asset_symbol":"NIFTY","segment":"NSE_FO","expiry":"2025-06-19","strike_price":24000,"instrument_type":"PE","lot_size":75},
  {"instrument_key":"NSE_FO|1003","name":"NIFTY","trading_symbol":"NIFTY 24500 CE 18 SEP 25","asset_symbol":"NIFTY","segment":"NSE_FO","expiry":"2025-09-18","strike_price":24500,"instrument_type":"CE","lot_size":75},
  {"instrument_key":"NSE_FO|1004","name":"NIFTY","trading_symbol":"NIFTY FUT 26 JUN 25","asset_symbol":"NIFTY","segment":"NSE_FO","expiry":"2025-06-26","instrument_type":"FUT","lot_size":75},
  {"instrument_key":"NSE_FO|2001","name":"BANKNIFTY","trading_symbol":"BANKNIFTY 52000 CE 26 JUN 25","asset_symbol":"BANKNIFTY","segment":"NSE_FO","expiry":"2025-06-26","strike_price":52000,"instrument_type":"CE","lot_size":35},
  {"instrument_key":"NSE_FO|9999","name":"NIFTY","trading_symbol":"NIFTY BAD","asset_symbol":"NIFTY","segment":"NSE_FO","expiry":"not-a-date","strike_price":1,"instrument_type":"CE"},
  {"instrument_key":"NSE_EQ|X","name":"EQ","trading_symbol":"X","segment":"NSE_EQ","instrument_type":"EQ"}
]`

func fixedNow() time.Time {
	return time.Date(2025, time.June, 10, 10, 0, 0, 0, markethours.IST)
}

func writeMaster(t *testing.T, name string, gz bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if gz {
		w := gzip.NewWriter(f)
		if _, err := w.Write([]byte(sampleMaster)); err != nil {
			t.Fatalf("gzip write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("gzip close: %v", err)
		}
		return path
	}
	if _, err := f.WriteString(sampleMaster); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func istDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, markethours.IST)
}

func TestLoad_JSON(t *testing.T) {
	c := New(writeMaster(t, "master.json", false), WithClock(fixedNow))
	recs, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// EQ row has no known contract kind and is skipped.
	if len(recs) != 7 {
		t.Fatalf("expected 7 records, got %d", len(recs))
	}
	if recs[0].Kind != model.KindIndex || recs[0].Expiry != nil {
		t.Errorf("index row should have kind INDEX and no expiry: %+v", recs[0])
	}
	if recs[1].Expiry == nil || !recs[1].Expiry.Equal(istDate(2025, time.June, 12)) {
		t.Errorf("epoch expiry not converted to IST date: %v", recs[1].Expiry)
	}
	if recs[1].Strike == nil || *recs[1].Strike != 24000 {
		t.Errorf("strike not parsed: %v", recs[1].Strike)
	}
	if recs[6].Expiry != nil {
		t.Errorf("unparseable expiry should be nil, got %v", recs[6].Expiry)
	}
	if c.badExp != 1 {
		t.Errorf("expected 1 unparseable expiry, got %d", c.badExp)
	}
}

func TestLoad_Gzip(t *testing.T) {
	c := New(writeMaster(t, "master.json.gz", true))
	recs, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 7 {
		t.Fatalf("expected 7 records, got %d", len(recs))
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	missing := New(filepath.Join(dir, "nope.json"))
	_, err := missing.Load()
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError for missing file, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadError should unwrap to ErrNotExist: %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"not":"an array"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(bad).Load(); !errors.As(err, &le) {
		t.Fatalf("expected LoadError for invalid JSON, got %v", err)
	}
}

func TestLoad_RetriesAfterFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.json")
	c := New(path)
	if _, err := c.Load(); err == nil {
		t.Fatal("expected error before file exists")
	}
	if err := os.WriteFile(path, []byte(sampleMaster), 0o644); err != nil {
		t.Fatal(err)
	}
	recs, err := c.Load()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if len(recs) != 7 {
		t.Fatalf("expected 7 records, got %d", len(recs))
	}
}

func TestLoad_Cached(t *testing.T) {
	path := writeMaster(t, "master.json", false)
	c := New(path)
	first, err := c.Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	second, err := c.Load()
	if err != nil {
		t.Fatalf("cached load should not touch the file: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("cached result differs: %d vs %d", len(first), len(second))
	}
}

func TestResolveExpiries_Window(t *testing.T) {
	c := New(writeMaster(t, "master.json", false), WithClock(fixedNow))

	got, err := c.ResolveExpiries("nifty", 1)
	if err != nil {
		t.Fatal(err)
	}
	// Window for 2025-06-10 with monthsAhead=1 is [2025-06-01, 2025-09-01).
	want := []time.Time{
		istDate(2025, time.June, 12),
		istDate(2025, time.June, 19),
		istDate(2025, time.June, 26),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d expiries, got %v", len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("expiry[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	wide, err := c.ResolveExpiries("NIFTY", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(wide) != 4 || !wide[3].Equal(istDate(2025, time.September, 18)) {
		t.Errorf("monthsAhead=2 should include September: %v", wide)
	}

	none, err := c.ResolveExpiries("MIDCPNIFTY", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected no expiries, got %v", none)
	}
}

func TestResolveExpiries_SortedUniqueInWindow(t *testing.T) {
	var recs []model.InstrumentRecord
	base := istDate(2025, time.January, 1)
	for i := 0; i < 400; i++ {
		exp := base.AddDate(0, 0, (i*37)%500)
		recs = append(recs, model.InstrumentRecord{
			Identifier: "NSE_FO|" + exp.Format("20060102") + string(rune('a'+i%3)),
			Symbol:     "NIFTY",
			Kind:       model.KindCall,
			Expiry:     &exp,
		})
	}
	now := func() time.Time { return istDate(2025, time.March, 15).Add(5 * time.Hour) }
	c := NewFromRecords(recs, WithClock(now))

	for months := 0; months <= 6; months++ {
		got, err := c.ResolveExpiries("NIFTY", months)
		if err != nil {
			t.Fatal(err)
		}
		from, until := expiryWindow(now(), months)
		for i, d := range got {
			if d.Before(from) || !d.Before(until) {
				t.Errorf("months=%d: %v outside [%v, %v)", months, d, from, until)
			}
			if i > 0 && !got[i-1].Before(d) {
				t.Errorf("months=%d: not strictly ascending at %d: %v then %v", months, i, got[i-1], d)
			}
		}
	}
}

func TestResolveIdentifiers(t *testing.T) {
	c := New(writeMaster(t, "master.json", false), WithClock(fixedNow))
	ids, err := c.ResolveIdentifiers([]string{"NIFTY"}, []time.Time{
		istDate(2025, time.June, 12),
		// Time of day is ignored.
		istDate(2025, time.June, 19).Add(15 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 identifiers, got %v", ids)
	}
	for _, id := range []string{"NSE_FO|1001", "NSE_FO|1002"} {
		if _, ok := ids[id]; !ok {
			t.Errorf("missing %s", id)
		}
	}

	recs, err := c.Derivatives([]string{"NIFTY", "BANKNIFTY"}, []time.Time{istDate(2025, time.June, 26)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Identifier != "NSE_FO|1004" || recs[1].Identifier != "NSE_FO|2001" {
		t.Errorf("unexpected derivatives: %+v", recs)
	}
}

func TestIndexIdentifier(t *testing.T) {
	cases := map[string]string{
		"NIFTY":      "NSE_INDEX|Nifty 50",
		"banknifty":  "NSE_INDEX|Nifty Bank",
		"FINNIFTY":   "NSE_INDEX|Nifty Fin Service",
		"MIDCPNIFTY": "NSE_INDEX|NIFTY MID SELECT",
	}
	for sym, want := range cases {
		got, err := IndexIdentifier(sym)
		if err != nil {
			t.Errorf("%s: %v", sym, err)
			continue
		}
		if got != want {
			t.Errorf("%s: got %q, want %q", sym, got, want)
		}
	}

	_, err := IndexIdentifier("SENSEX")
	var ue *UnknownSymbolError
	if !errors.As(err, &ue) || ue.Symbol != "SENSEX" {
		t.Fatalf("expected UnknownSymbolError, got %v", err)
	}
}

func TestIndexRecord(t *testing.T) {
	c := New(writeMaster(t, "master.json", false))
	r, err := c.IndexRecord("NIFTY")
	if err != nil {
		t.Fatal(err)
	}
	if r.Identifier != "NSE_INDEX|Nifty 50" || r.Symbol != "NIFTY" || r.Kind != model.KindIndex {
		t.Errorf("unexpected catalog index row: %+v", r)
	}

	// Not in the file: synthesized.
	r, err = c.IndexRecord("BANKNIFTY")
	if err != nil {
		t.Fatal(err)
	}
	if r.Identifier != "NSE_INDEX|Nifty Bank" || r.Segment != model.SegmentIndex {
		t.Errorf("unexpected synthesized index row: %+v", r)
	}
}
