package feedproto

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeError reports a frame that does not parse as a FeedResponse.
type DecodeError struct {
	Message string // innermost message being decoded
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("feedproto: decode %s: %v", e.Message, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errWireType = errors.New("unexpected wire type")

// fieldFn handles one field whose tag has already been consumed. It returns the
// number of bytes of b it consumed, or 0 to have the field skipped as unknown.
type fieldFn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(msg string, b []byte, fn fieldFn) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Message: msg, Err: protowire.ParseError(n)}
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return &DecodeError{Message: msg, Err: protowire.ParseError(m)}
		}
		b = b[m:]
	}
	return nil
}

func double(typ protowire.Type, b []byte, dst *float64) int {
	if typ != protowire.Fixed64Type {
		return 0
	}
	v, n := protowire.ConsumeFixed64(b)
	if n > 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func varint(typ protowire.Type, b []byte, dst *int64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n > 0 {
		*dst = int64(v)
	}
	return n
}

// nested consumes a length-delimited field and decodes its body with dec.
func nested(typ protowire.Type, b []byte, dec func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, dec(v)
}

// Decode parses one binary frame.
func Decode(frame []byte) (*FeedResponse, error) {
	resp := &FeedResponse{Feeds: make(map[string]Feed)}
	err := walk("FeedResponse", frame, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v int64
			n := varint(typ, b, &v)
			resp.Type = FeedType(v)
			return n, nil
		case 2:
			return nested(typ, b, func(body []byte) error {
				key, feed, err := decodeFeedEntry(body)
				if err != nil {
					return err
				}
				if feed != nil {
					resp.Feeds[key] = feed
				}
				return nil
			})
		case 3:
			return varint(typ, b, &resp.CurrentTS), nil
		case 4:
			return nested(typ, b, func(body []byte) error {
				if resp.MarketInfo == nil {
					resp.MarketInfo = make(map[string]MarketStatus)
				}
				return decodeMarketInfo(body, resp.MarketInfo)
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeFeedEntry(b []byte) (string, Feed, error) {
	var key string
	var feed Feed
	err := walk("FeedResponse.FeedsEntry", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			if typ != protowire.BytesType {
				return 0, nil
			}
			v, n := protowire.ConsumeString(b)
			key = v
			return n, nil
		case 2:
			return nested(typ, b, func(body []byte) error {
				f, err := decodeFeed(body)
				feed = f
				return err
			})
		}
		return 0, nil
	})
	return key, feed, err
}

// decodeFeed returns nil when none of the oneof arms is set.
func decodeFeed(b []byte) (Feed, error) {
	var feed Feed
	err := walk("Feed", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return nested(typ, b, func(body []byte) error {
				f := &LTPCFeed{}
				feed = f
				return decodeLTPC(body, &f.LTPC)
			})
		case 2:
			return nested(typ, b, func(body []byte) error {
				f, err := decodeFullFeed(body)
				if f != nil {
					feed = f
				}
				return err
			})
		case 3:
			return nested(typ, b, func(body []byte) error {
				f := &FirstLevelGreeksFeed{}
				feed = f
				return decodeFirstLevel(body, f)
			})
		}
		return 0, nil
	})
	return feed, err
}

func decodeFullFeed(b []byte) (Feed, error) {
	var feed Feed
	err := walk("FullFeed", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return nested(typ, b, func(body []byte) error {
				f := &MarketFullFeed{}
				feed = f
				return decodeMarketFull(body, f)
			})
		case 2:
			return nested(typ, b, func(body []byte) error {
				f := &IndexFullFeed{}
				feed = f
				return decodeIndexFull(body, f)
			})
		}
		return 0, nil
	})
	return feed, err
}

func decodeLTPC(b []byte, p *LTPC) error {
	return walk("LTPC", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return double(typ, b, &p.LTP), nil
		case 2:
			return varint(typ, b, &p.LTT), nil
		case 3:
			return varint(typ, b, &p.LTQ), nil
		case 4:
			return double(typ, b, &p.CP), nil
		}
		return 0, nil
	})
}

func decodeQuote(b []byte, q *Quote) error {
	return walk("Quote", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return varint(typ, b, &q.BidQty), nil
		case 2:
			return double(typ, b, &q.BidPrice), nil
		case 3:
			return varint(typ, b, &q.AskQty), nil
		case 4:
			return double(typ, b, &q.AskPrice), nil
		}
		return 0, nil
	})
}

func decodeGreeks(b []byte, g *OptionGreeks) error {
	return walk("OptionGreeks", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return double(typ, b, &g.Delta), nil
		case 2:
			return double(typ, b, &g.Theta), nil
		case 3:
			return double(typ, b, &g.Gamma), nil
		case 4:
			return double(typ, b, &g.Vega), nil
		case 5:
			return double(typ, b, &g.Rho), nil
		}
		return 0, nil
	})
}

func decodeOHLC(b []byte, c *OHLC) error {
	return walk("OHLC", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			if typ != protowire.BytesType {
				return 0, nil
			}
			v, n := protowire.ConsumeString(b)
			c.Interval = v
			return n, nil
		case 2:
			return double(typ, b, &c.Open), nil
		case 3:
			return double(typ, b, &c.High), nil
		case 4:
			return double(typ, b, &c.Low), nil
		case 5:
			return double(typ, b, &c.Close), nil
		case 6:
			return varint(typ, b, &c.Volume), nil
		case 7:
			return varint(typ, b, &c.TS), nil
		}
		return 0, nil
	})
}

// decodeRepeated decodes a wrapper message whose field 1 is a repeated
// sub-message (MarketLevel, MarketOHLC).
func decodeRepeated(msg string, b []byte, each func([]byte) error) error {
	return walk(msg, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		return nested(typ, b, each)
	})
}

func decodeOHLCList(b []byte, dst *[]OHLC) error {
	return decodeRepeated("MarketOHLC", b, func(body []byte) error {
		var c OHLC
		if err := decodeOHLC(body, &c); err != nil {
			return err
		}
		*dst = append(*dst, c)
		return nil
	})
}

func decodeMarketFull(b []byte, f *MarketFullFeed) error {
	return walk("MarketFullFeed", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return nested(typ, b, func(body []byte) error { return decodeLTPC(body, &f.LTPC) })
		case 2:
			return nested(typ, b, func(body []byte) error {
				return decodeRepeated("MarketLevel", body, func(q []byte) error {
					var quote Quote
					if err := decodeQuote(q, &quote); err != nil {
						return err
					}
					f.Depth = append(f.Depth, quote)
					return nil
				})
			})
		case 3:
			return nested(typ, b, func(body []byte) error {
				f.Greeks = &OptionGreeks{}
				return decodeGreeks(body, f.Greeks)
			})
		case 4:
			return nested(typ, b, func(body []byte) error { return decodeOHLCList(body, &f.OHLC) })
		case 5:
			return double(typ, b, &f.ATP), nil
		case 6:
			return varint(typ, b, &f.VTT), nil
		case 7:
			return double(typ, b, &f.OI), nil
		case 8:
			return double(typ, b, &f.IV), nil
		case 9:
			return double(typ, b, &f.TBQ), nil
		case 10:
			return double(typ, b, &f.TSQ), nil
		}
		return 0, nil
	})
}

func decodeIndexFull(b []byte, f *IndexFullFeed) error {
	return walk("IndexFullFeed", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return nested(typ, b, func(body []byte) error { return decodeLTPC(body, &f.LTPC) })
		case 2:
			return nested(typ, b, func(body []byte) error { return decodeOHLCList(body, &f.OHLC) })
		}
		return 0, nil
	})
}

func decodeFirstLevel(b []byte, f *FirstLevelGreeksFeed) error {
	return walk("FirstLevelWithGreeks", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return nested(typ, b, func(body []byte) error { return decodeLTPC(body, &f.LTPC) })
		case 2:
			return nested(typ, b, func(body []byte) error { return decodeQuote(body, &f.FirstDepth) })
		case 3:
			return nested(typ, b, func(body []byte) error { return decodeGreeks(body, &f.Greeks) })
		case 4:
			return varint(typ, b, &f.VTT), nil
		case 5:
			return double(typ, b, &f.OI), nil
		case 6:
			return double(typ, b, &f.IV), nil
		}
		return 0, nil
	})
}

func decodeMarketInfo(b []byte, dst map[string]MarketStatus) error {
	return walk("MarketInfo", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		return nested(typ, b, func(body []byte) error {
			var key string
			var status int64
			err := walk("MarketInfo.SegmentStatusEntry", body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					if typ != protowire.BytesType {
						return 0, nil
					}
					v, n := protowire.ConsumeString(b)
					key = v
					return n, nil
				case 2:
					return varint(typ, b, &status), nil
				}
				return 0, nil
			})
			if err != nil {
				return err
			}
			dst[key] = MarketStatus(status)
			return nil
		})
	})
}
