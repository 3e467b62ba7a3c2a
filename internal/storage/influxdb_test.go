package storage

import (
	"math"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/obsignal/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestAnalysisPointLong(t *testing.T) {
	optimal := 99.5
	ts := time.Unix(1700000000, 0)
	r := &models.AnalysisResult{
		Symbol:       "BTCUSDT",
		CurrentPrice: 100,
		Timestamp:    ts,
		Signals: models.Signals{
			CompositeSignal: models.SignalLong,
			SignalScore:     models.SignalScore{Long: 10, Short: 2},
			OrderBook: &models.OrderBookSignals{
				CompositeSignal: models.CompositeStrongBuy,
				PricePressure:   models.PressureUp,
			},
		},
		SuggestedPrices: &models.SuggestedPrices{Entry: 100, OptimalEntry: &optimal, StopLoss: 97.6, TakeProfit: 104.8},
		Indicators:      models.Indicators{RSI: 55, Imbalance: models.Float(math.Inf(1))},
	}

	line := write.PointToLineProtocol(analysisPoint("cycle-1", r), time.Second)

	assert.Contains(t, line, "analysis,signal=long,symbol=BTCUSDT ")
	assert.Contains(t, line, `cycle_id="cycle-1"`)
	assert.Contains(t, line, "long_score=10")
	assert.Contains(t, line, "short_score=2")
	assert.Regexp(t, `imbalance=(1e\+09|1000000000)[, ]`, line)
	assert.NotContains(t, line, "Inf")
	assert.Contains(t, line, `composite="strong_buy"`)
	assert.Contains(t, line, "stop_loss=97.6")
	assert.Contains(t, line, "optimal_entry=99.5")
	assert.Contains(t, line, "suppressed=false")
	assert.Contains(t, line, " 1700000000")
}

func TestAnalysisPointNeutralHasNoPrices(t *testing.T) {
	r := &models.AnalysisResult{
		Symbol:    "ETHUSDT",
		Timestamp: time.Unix(1700000000, 0),
		Signals:   models.Signals{CompositeSignal: models.SignalNeutral},
	}

	line := write.PointToLineProtocol(analysisPoint("c", r), time.Second)

	assert.Contains(t, line, "signal=neutral")
	assert.NotContains(t, line, "entry=")
	assert.NotContains(t, line, "composite=")
}

func TestSignalRecord(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	rec := signalRecord("BTCUSDT", ts, map[string]interface{}{
		"cycle_id":    "c1",
		"signal":      "short",
		"price":       101.5,
		"long_score":  1.0,
		"short_score": 9.0,
		"composite":   "sell",
		"suppressed":  true,
	})

	assert.Equal(t, SignalRecord{
		Symbol:     "BTCUSDT",
		Timestamp:  ts,
		CycleID:    "c1",
		Signal:     models.SignalShort,
		Price:      101.5,
		LongScore:  1,
		ShortScore: 9,
		Composite:  models.CompositeSell,
		Suppressed: true,
	}, rec)
}
