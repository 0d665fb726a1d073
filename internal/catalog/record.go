package catalog

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"derivfeed/internal/markethours"
	"derivfeed/internal/model"
)

// rawRecord mirrors one element of the broker's instrument dump.
type rawRecord struct {
	InstrumentKey    string          `json:"instrument_key"`
	Name             string          `json:"name"`
	TradingSymbol    string          `json:"trading_symbol"`
	AssetSymbol      string          `json:"asset_symbol"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
	Segment          string          `json:"segment"`
	Expiry           json.RawMessage `json:"expiry"`
	StrikePrice      *float64        `json:"strike_price"`
	InstrumentType   string          `json:"instrument_type"`
	LotSize          int             `json:"lot_size"`
}

// convert maps raw rows onto records. Rows without an identifier or with an
// unknown instrument type are skipped; the second result counts rows whose
// expiry was present but unparseable (those keep a nil Expiry).
func convert(raw []rawRecord) ([]model.InstrumentRecord, int) {
	out := make([]model.InstrumentRecord, 0, len(raw))
	bad := 0
	for i := range raw {
		r := &raw[i]
		if r.InstrumentKey == "" {
			continue
		}
		kind, ok := model.ParseContractKind(r.InstrumentType)
		if !ok {
			continue
		}
		rec := model.InstrumentRecord{
			Identifier:    r.InstrumentKey,
			Name:          r.Name,
			TradingSymbol: r.TradingSymbol,
			Symbol:        strings.ToUpper(firstNonEmpty(r.AssetSymbol, r.UnderlyingSymbol, r.TradingSymbol)),
			Segment:       r.Segment,
			Kind:          kind,
			LotSize:       r.LotSize,
		}
		if kind != model.KindIndex {
			rec.Strike = r.StrikePrice
			if exp, present, ok := parseExpiry(r.Expiry); ok {
				rec.Expiry = &exp
			} else if present {
				bad++
			}
		}
		out = append(out, rec)
	}
	return out, bad
}

// parseExpiry accepts epoch milliseconds, epoch seconds, "2006-01-02" or RFC 3339,
// truncated to the IST calendar date.
func parseExpiry(raw json.RawMessage) (t time.Time, present, ok bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, false, false
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
		if s == "" {
			return time.Time{}, false, false
		}
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		ms := int64(n)
		if ms < 1e11 {
			ms *= 1000
		}
		return dateOf(time.UnixMilli(ms)), true, true
	}
	if d, err := time.ParseInLocation("2006-01-02", s, markethours.IST); err == nil {
		return d, true, true
	}
	if d, err := time.Parse(time.RFC3339, s); err == nil {
		return dateOf(d), true, true
	}
	return time.Time{}, true, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
