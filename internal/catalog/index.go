package catalog

import "strings"

// Supported index symbols.
const (
	NIFTY      = "NIFTY"
	BANKNIFTY  = "BANKNIFTY"
	FINNIFTY   = "FINNIFTY"
	MIDCPNIFTY = "MIDCPNIFTY"
)

var indexIdentifiers = map[string]string{
	NIFTY:      "NSE_INDEX|Nifty 50",
	BANKNIFTY:  "NSE_INDEX|Nifty Bank",
	FINNIFTY:   "NSE_INDEX|Nifty Fin Service",
	MIDCPNIFTY: "NSE_INDEX|NIFTY MID SELECT",
}

// IndexIdentifier returns the index-quote identifier for symbol.
func IndexIdentifier(symbol string) (string, error) {
	id, ok := indexIdentifiers[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return "", &UnknownSymbolError{Symbol: symbol}
	}
	return id, nil
}

