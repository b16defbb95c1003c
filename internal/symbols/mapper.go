package symbols

import "strings"

const separator = ":"

// Qualify builds the exchange-qualified key used by the cache and the pool,
// e.g. "binance:BTCUSDT".
func Qualify(exchange, sym string) string {
	return strings.ToLower(strings.TrimSpace(exchange)) + separator + strings.ToUpper(strings.TrimSpace(sym))
}

// Split undoes Qualify. ok is false when key carries no exchange prefix.
func Split(key string) (exchange, sym string, ok bool) {
	exchange, sym, ok = strings.Cut(key, separator)
	if !ok || exchange == "" || sym == "" {
		return "", key, false
	}
	return exchange, sym, true
}

// ToBinance converts exchange-specific perpetual symbols to Binance style so
// the same market can be recognised across venues. Symbols are uppercase
// without separators and use BTC instead of XBT.
func ToBinance(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	}
	return sym
}

// QuoteAsset reports which of quotes the Binance-style symbol ends with.
func QuoteAsset(sym string, quotes []string) (string, bool) {
	for _, q := range quotes {
		q = strings.ToUpper(q)
		if q != "" && strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return q, true
		}
	}
	return "", false
}
