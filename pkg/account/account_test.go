package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApply_OverlayMergesWithoutDroppingUntouchedAssets(t *testing.T) {
	base := Snapshot{
		Balances:  map[string]float64{"BTC": 1.0, "USDT": 100.0},
		EventTime: time.Unix(100, 0),
	}
	delta := Overlay{
		Balances:  map[string]float64{"USDT": 150.0},
		EventTime: time.Unix(101, 0),
	}

	merged := apply(base, delta)

	assert.Equal(t, 1.0, merged.Balances["BTC"])
	assert.Equal(t, 150.0, merged.Balances["USDT"])
}

func TestApply_StaleOverlayIsDropped(t *testing.T) {
	base := Snapshot{
		Balances:  map[string]float64{"BTC": 1.0},
		EventTime: time.Unix(200, 0),
	}
	delta := Overlay{
		Balances:  map[string]float64{"BTC": 999.0},
		EventTime: time.Unix(100, 0), // older than base
	}

	merged := apply(base, delta)

	assert.Equal(t, 1.0, merged.Balances["BTC"], "an overlay older than the current snapshot must not apply")
}

func TestApply_PositionsMergeIndependentlyOfBalances(t *testing.T) {
	base := Snapshot{
		Balances:  map[string]float64{"USDT": 100},
		Positions: map[string]float64{"BTCUSDT": 0.5},
		EventTime: time.Unix(1, 0),
	}
	delta := Overlay{
		Positions: map[string]float64{"ETHUSDT": 2.0},
		EventTime: time.Unix(2, 0),
	}

	merged := apply(base, delta)

	assert.Equal(t, 100.0, merged.Balances["USDT"])
	assert.Equal(t, 0.5, merged.Positions["BTCUSDT"])
	assert.Equal(t, 2.0, merged.Positions["ETHUSDT"])
}
