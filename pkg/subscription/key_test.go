package subscription

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_KlineRequiresInterval(t *testing.T) {
	k, err := Parse("binance:btcusdt@kline_60")
	require.NoError(t, err)
	assert.Equal(t, Key{Exchange: "BINANCE", Symbol: "BTCUSDT", StreamType: StreamKline, Interval: "60"}, k)
	assert.Equal(t, "BINANCE:BTCUSDT@KLINE_60", k.String())
	assert.True(t, k.IsBar())
}

func TestParse_NonKlineRejectsInterval(t *testing.T) {
	_, err := Parse("BINANCE:BTCUSDT@QUOTES_60")
	require.Error(t, err)
}

func TestParse_KlineWithoutIntervalFails(t *testing.T) {
	_, err := Parse("BINANCE:BTCUSDT@KLINE")
	require.Error(t, err)
}

func TestParse_UnknownStreamType(t *testing.T) {
	_, err := Parse("BINANCE:BTCUSDT@BOGUS")
	require.Error(t, err)
}

func TestParse_MalformedMissingAt(t *testing.T) {
	_, err := Parse("BINANCE:BTCUSDT")
	require.Error(t, err)
}

func TestParse_MalformedMissingColon(t *testing.T) {
	_, err := Parse("BINANCEBTCUSDT@QUOTES")
	require.Error(t, err)
}

func TestParse_UnrecognizedInterval(t *testing.T) {
	_, err := Parse("BINANCE:BTCUSDT@KLINE_7")
	require.Error(t, err)
}

func TestParse_AccountKey(t *testing.T) {
	k, err := Parse("binance:account@account")
	require.NoError(t, err)
	assert.Equal(t, "BINANCE:ACCOUNT@ACCOUNT", k.String())
	assert.False(t, k.IsBar())
}

func TestMustParse_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() {
		MustParse("not-a-key")
	})
}

func TestString_RoundTripsThroughParse(t *testing.T) {
	original := Key{Exchange: "BINANCE", Symbol: "ETHUSDT", StreamType: StreamKline, Interval: "D"}
	reparsed, err := Parse(original.String())
	require.NoError(t, err)
	assert.Equal(t, original, reparsed)
}

// TestParse_CanonicalizesAcrossCaseAndWhitespace is a table-driven pass
// over every stream type's canonicalization rules (upper-casing, interval
// normalization); cmp.Diff gives a field-level diff on mismatch instead of
// just "not equal", which matters here since a single wrong field
// (Interval vs. StreamType) produces an otherwise-identical-looking Key.
func TestParse_CanonicalizesAcrossCaseAndWhitespace(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Key
	}{
		{"kline lower-cases to upper", "binance:btcusdt@kline_60", Key{Exchange: "BINANCE", Symbol: "BTCUSDT", StreamType: StreamKline, Interval: "60"}},
		{"kline daily interval code", "BINANCE:ETHUSDT@KLINE_D", Key{Exchange: "BINANCE", Symbol: "ETHUSDT", StreamType: StreamKline, Interval: "D"}},
		{"quotes has no interval", "binance:solusdt@quotes", Key{Exchange: "BINANCE", Symbol: "SOLUSDT", StreamType: StreamQuotes}},
		{"trade stream", "binance:btcusdt@trade", Key{Exchange: "BINANCE", Symbol: "BTCUSDT", StreamType: StreamTrade}},
		{"depth stream", "binance:btcusdt@depth", Key{Exchange: "BINANCE", Symbol: "BTCUSDT", StreamType: StreamDepth}},
		{"account stream, futures market", "binance:futures@account", Key{Exchange: "BINANCE", Symbol: "FUTURES", StreamType: StreamAccount}},
		{"whitespace around exchange/symbol is trimmed", " binance : btcusdt @QUOTES", Key{Exchange: "BINANCE", Symbol: "BTCUSDT", StreamType: StreamQuotes}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.raw)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tc.raw, diff)
			}
		})
	}
}
