// Package subscription defines the canonical SubscriptionKey identifying one
// upstream stream, and the ref-counted Registry of keys that must be live.
package subscription

import (
	"fmt"
	"strings"
)

// StreamType enumerates the kinds of upstream streams a Key can address.
type StreamType string

// Recognized stream types.
const (
	StreamKline  StreamType = "KLINE"
	StreamQuotes StreamType = "QUOTES"
	StreamTrade  StreamType = "TRADE"
	StreamDepth  StreamType = "DEPTH"
	StreamAccount StreamType = "ACCOUNT"
)

// validStreamTypes is used for parse-time validation.
var validStreamTypes = map[StreamType]bool{
	StreamKline:   true,
	StreamQuotes:  true,
	StreamTrade:   true,
	StreamDepth:   true,
	StreamAccount: true,
}

// validIntervals enumerates the minutes-or-code interval tokens accepted
// after KLINE_. Matches spec.md §3's "1|5|15|60|240|D|W|M".
var validIntervals = map[string]bool{
	"1": true, "5": true, "15": true, "60": true, "240": true,
	"D": true, "W": true, "M": true,
}

// Key is the canonical, opaque identifier of one upstream stream subscription:
// "{EXCHANGE}:{SYMBOL}@{STREAM_TYPE}[_{PARAM}]". Equality is string equality
// on the canonical form returned by String().
type Key struct {
	Exchange   string
	Symbol     string
	StreamType StreamType
	Interval   string // only meaningful when StreamType == StreamKline
}

// String renders the canonical wire/storage form of the key.
func (k Key) String() string {
	if k.StreamType == StreamKline {
		return fmt.Sprintf("%s:%s@%s_%s", k.Exchange, k.Symbol, k.StreamType, k.Interval)
	}
	return fmt.Sprintf("%s:%s@%s", k.Exchange, k.Symbol, k.StreamType)
}

// Parse canonicalizes and validates a raw subscription key string as
// described in spec.md §3: upper-cases exchange/symbol, validates the
// stream type, and requires a recognized interval for KLINE keys.
func Parse(raw string) (Key, error) {
	exchangeSymbol, rest, ok := strings.Cut(raw, "@")
	if !ok {
		return Key{}, fmt.Errorf("invalid subscription key %q: missing '@'", raw)
	}
	exchange, symbol, ok := strings.Cut(exchangeSymbol, ":")
	if !ok {
		return Key{}, fmt.Errorf("invalid subscription key %q: missing ':'", raw)
	}
	exchange = strings.ToUpper(strings.TrimSpace(exchange))
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if exchange == "" || symbol == "" {
		return Key{}, fmt.Errorf("invalid subscription key %q: empty exchange or symbol", raw)
	}

	streamPart, interval, hasInterval := strings.Cut(rest, "_")
	streamType := StreamType(strings.ToUpper(strings.TrimSpace(streamPart)))
	if !validStreamTypes[streamType] {
		return Key{}, fmt.Errorf("invalid subscription key %q: unknown stream type %q", raw, streamType)
	}

	k := Key{Exchange: exchange, Symbol: symbol, StreamType: streamType}

	if streamType == StreamKline {
		if !hasInterval {
			return Key{}, fmt.Errorf("invalid subscription key %q: KLINE requires an interval", raw)
		}
		interval = strings.ToUpper(strings.TrimSpace(interval))
		if !validIntervals[interval] {
			return Key{}, fmt.Errorf("invalid subscription key %q: unrecognized interval %q", raw, interval)
		}
		k.Interval = interval
	} else if hasInterval {
		return Key{}, fmt.Errorf("invalid subscription key %q: only KLINE accepts an interval suffix", raw)
	}

	return k, nil
}

// MustParse is Parse but panics on error; only for constants/tests.
func MustParse(raw string) Key {
	k, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return k
}

// IsBar reports whether this key addresses a bar-sealing (kline) stream,
// i.e. one that ever produces a closed-bar event and an ArchiveRow.
func (k Key) IsBar() bool {
	return k.StreamType == StreamKline
}
