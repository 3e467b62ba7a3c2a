package orderbook

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/skalibog/obsignal/internal/config"
	obook "github.com/skalibog/obsignal/internal/orderbook"
	"github.com/skalibog/obsignal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lv(price, qty float64) models.OrderBookLevel {
	return models.OrderBookLevel{Price: price, Quantity: qty}
}

// ladder строит n уровней от start с шагом step
func ladder(start, step float64, n int, qty float64) []models.OrderBookLevel {
	out := make([]models.OrderBookLevel, n)
	for i := range out {
		out[i] = lv(start+step*float64(i), qty)
	}
	return out
}

func makeBook(bids, asks []models.OrderBookLevel) *obook.Book {
	return obook.FromSnapshot("BTCUSDT", models.OrderBookSnapshot{Bids: bids, Asks: asks, LastUpdateID: 1}, obook.DefaultLimits, time.Now())
}

func testAnalyzer() (*Analyzer, config.PairConfig) {
	cfg := config.Default()
	return NewAnalyzer(cfg.Analysis.OrderBook), cfg.Analysis.PairDefaults
}

func TestAnalyzeRequiresBook(t *testing.T) {
	a, pair := testAnalyzer()
	_, err := a.Analyze(nil, nil, nil, pair, nil)
	assert.ErrorIs(t, err, ErrNoBook)
}

func TestImbalance(t *testing.T) {
	assert.Equal(t, 3.0, imbalance(30, 10))
	assert.True(t, math.IsInf(imbalance(5, 0), 1))
	assert.Equal(t, 1.0, imbalance(0, 0))
}

func TestAnalyzeInfiniteImbalanceEncodes(t *testing.T) {
	a, pair := testAnalyzer()
	book := makeBook([]models.OrderBookLevel{lv(100, 5)}, nil)

	res, err := a.Analyze(book, nil, nil, pair, nil)
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(res.Signals.Imbalance), 1))

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"imbalance":1000000000`)
}

func TestAnalyzeEmptyBookUsesCandleMid(t *testing.T) {
	a, pair := testAnalyzer()
	book := makeBook(nil, nil)
	candles := []models.Candle{{OpenTime: 1, Close: 42}}

	res, err := a.Analyze(book, nil, candles, pair, NewHistory(3))
	require.NoError(t, err)
	assert.Equal(t, 42.0, res.Metrics.MidPrice)
	assert.Equal(t, 1.0, float64(res.Signals.Imbalance))
	assert.False(t, res.Signals.StrongBidImbalance)
	assert.Equal(t, models.CompositeNeutral, res.Signals.CompositeSignal)
}

func TestFindClusters(t *testing.T) {
	a, _ := testAnalyzer()
	bids := []models.OrderBookLevel{lv(100, 2), lv(99.95, 3), lv(99.92, 5), lv(99, 1), lv(98, 0.1)}

	clusters := a.findClusters(bids, sideVolume(bids))
	require.Len(t, clusters, 2)
	assert.Equal(t, 10.0, clusters[0].Volume)
	assert.Equal(t, 3, clusters[0].Levels)
	assert.InDelta(t, (100*2+99.95*3+99.92*5)/10, clusters[0].Price, 1e-9)
	assert.Equal(t, 1.0, clusters[1].Volume)
}

func TestFindWalls(t *testing.T) {
	a, _ := testAnalyzer()
	levels := ladder(100, -0.5, 10, 1)
	levels = append(levels, lv(94, 100))
	total := sideVolume(levels)

	walls := a.findWalls(levels, total, 0)
	require.Len(t, walls, 1)
	assert.Equal(t, 94.0, walls[0].Price)

	assert.Empty(t, a.findWalls(levels, total, 200))
}

func TestCompositeStrongBuyOnDeepBook(t *testing.T) {
	a, pair := testAnalyzer()
	bids := ladder(99.9, -0.15, 60, 3)
	bids[10].Quantity = 100
	asks := ladder(100.1, 0.15, 60, 1)

	res, err := a.Analyze(makeBook(bids, asks), nil, nil, pair, nil)
	require.NoError(t, err)

	s := res.Signals
	assert.True(t, s.StrongBidImbalance)
	assert.True(t, s.StrongSupport)
	assert.True(t, s.HasBidWall)
	assert.True(t, s.DeepBook)
	assert.Equal(t, models.CompositeStrongBuy, s.CompositeSignal)
}

func TestCompositeStrongBuyDowngradedOnShallowBook(t *testing.T) {
	a, pair := testAnalyzer()
	bids := ladder(99.9, -0.15, 12, 3)
	bids[5].Quantity = 100
	asks := ladder(100.1, 0.15, 12, 1)

	res, err := a.Analyze(makeBook(bids, asks), nil, nil, pair, nil)
	require.NoError(t, err)

	assert.False(t, res.Signals.DeepBook)
	assert.True(t, res.Signals.SufficientDepth)
	assert.Equal(t, models.CompositeBuy, res.Signals.CompositeSignal)
}

func TestCompositeWeakBuyOnImbalanceOnly(t *testing.T) {
	a, pair := testAnalyzer()
	bids := ladder(99.9, -0.15, 60, 3)
	asks := ladder(100.1, 0.15, 60, 1)

	res, err := a.Analyze(makeBook(bids, asks), nil, nil, pair, nil)
	require.NoError(t, err)

	assert.True(t, res.Signals.StrongBidImbalance)
	assert.Empty(t, res.Metrics.Support)
	assert.Equal(t, models.CompositeWeakBuy, res.Signals.CompositeSignal)
}

func TestCompositeSellMirrorsBuy(t *testing.T) {
	a, pair := testAnalyzer()
	bids := ladder(99.9, -0.15, 12, 1)
	asks := ladder(100.1, 0.15, 12, 3)
	asks[5].Quantity = 100

	res, err := a.Analyze(makeBook(bids, asks), nil, nil, pair, nil)
	require.NoError(t, err)

	assert.True(t, res.Signals.StrongAskImbalance)
	assert.True(t, res.Signals.StrongResistance)
	assert.Equal(t, models.CompositeSell, res.Signals.CompositeSignal)
}

func TestImbalanceGatedOnThinBook(t *testing.T) {
	a, pair := testAnalyzer()
	bids := ladder(99.9, -0.15, 5, 3)
	asks := ladder(100.1, 0.15, 5, 1)

	res, err := a.Analyze(makeBook(bids, asks), nil, nil, pair, nil)
	require.NoError(t, err)

	assert.Equal(t, 3.0, float64(res.Signals.Imbalance))
	assert.False(t, res.Signals.SufficientDepth)
	assert.False(t, res.Signals.StrongBidImbalance)
}

func TestImbalanceGatedOnUnstableBook(t *testing.T) {
	a, pair := testAnalyzer()
	bids := ladder(99.9, -0.15, 12, 3)
	asks := ladder(100.1, 0.15, 12, 1)

	history := NewHistory(3)
	history.Push(90)
	history.Push(95)

	res, err := a.Analyze(makeBook(bids, asks), nil, nil, pair, history)
	require.NoError(t, err)

	assert.Less(t, res.Metrics.Stability, 0.7)
	assert.False(t, res.Signals.Stable)
	assert.False(t, res.Signals.StrongBidImbalance)
}

func TestCompositeWallSkew(t *testing.T) {
	a, pair := testAnalyzer()
	bids := ladder(99.9, -0.15, 12, 1)
	bids[3].Quantity = 40
	bids[7].Quantity = 40
	asks := ladder(100.1, 0.15, 12, 6)

	res, err := a.Analyze(makeBook(bids, asks), nil, nil, pair, nil)
	require.NoError(t, err)

	assert.False(t, res.Signals.StrongBidImbalance)
	assert.Len(t, res.Metrics.BidWalls, 2)
	assert.Empty(t, res.Metrics.AskWalls)
	assert.Equal(t, models.CompositeWeakBuy, res.Signals.CompositeSignal)
}

func TestVolumeChangeAndPressure(t *testing.T) {
	a, pair := testAnalyzer()
	prev := makeBook([]models.OrderBookLevel{lv(100.00005, 5)}, []models.OrderBookLevel{lv(101, 5)})
	cur := makeBook([]models.OrderBookLevel{lv(100, 10), lv(99.5, 1)}, []models.OrderBookLevel{lv(101, 5)})

	res, err := a.Analyze(cur, prev, nil, pair, nil)
	require.NoError(t, err)

	vc := res.Metrics.VolumeChange
	assert.True(t, vc.Available)
	assert.Equal(t, 5.0, vc.BidChange)
	assert.Equal(t, 0.0, vc.AskChange)
	assert.Equal(t, 5.0, vc.NetChange)
	assert.InDelta(t, 5.0/16.0, vc.Ratio, 1e-12)
	assert.True(t, res.Signals.VolumeSpike)
	assert.Equal(t, models.PressureStrongUp, res.Signals.PricePressure)
	assert.True(t, res.Signals.InUptrend)
}

func TestStrongPressureBandsSymmetric(t *testing.T) {
	a, pair := testAnalyzer()
	prev := makeBook([]models.OrderBookLevel{lv(100, 10)}, []models.OrderBookLevel{lv(101, 10)})

	// 0.6 ниже 1/1.5, но выше прежней фиксированной границы 0.5
	cur := makeBook([]models.OrderBookLevel{lv(100, 6)}, []models.OrderBookLevel{lv(101, 10)})
	res, err := a.Analyze(cur, prev, nil, pair, nil)
	require.NoError(t, err)
	assert.Equal(t, -4.0, res.Metrics.VolumeChange.NetChange)
	assert.Equal(t, models.PressureStrongDown, res.Signals.PricePressure)

	cur = makeBook([]models.OrderBookLevel{lv(100, 10)}, []models.OrderBookLevel{lv(101, 14)})
	res, err = a.Analyze(cur, prev, nil, pair, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PressureDown, res.Signals.PricePressure)
}

func TestPressureFallbackWithoutPrevious(t *testing.T) {
	a, pair := testAnalyzer()
	cur := makeBook([]models.OrderBookLevel{lv(100, 3)}, []models.OrderBookLevel{lv(101, 10)})

	res, err := a.Analyze(cur, nil, nil, pair, nil)
	require.NoError(t, err)

	assert.False(t, res.Metrics.VolumeChange.Available)
	assert.False(t, res.Signals.VolumeSpike)
	assert.Equal(t, models.PressureDown, res.Signals.PricePressure)
	assert.True(t, res.Signals.InDowntrend)
}

func TestMatchLevel(t *testing.T) {
	desc := []models.OrderBookLevel{lv(101, 1), lv(100, 2), lv(99, 3)}
	qty, ok := matchLevel(desc, 100.00001, true, 1e-6)
	require.True(t, ok)
	assert.Equal(t, 2.0, qty)

	_, ok = matchLevel(desc, 100.5, true, 1e-6)
	assert.False(t, ok)

	asc := []models.OrderBookLevel{lv(99, 3), lv(100, 2), lv(101, 1)}
	qty, ok = matchLevel(asc, 99.99999, false, 1e-6)
	require.True(t, ok)
	assert.Equal(t, 2.0, qty)
}

func TestHistoryStability(t *testing.T) {
	h := NewHistory(3)
	assert.Equal(t, 0.75, h.Stability(0.01, 0.75))

	h.Push(100)
	h.Push(100)
	h.Push(100)
	assert.Equal(t, 1.0, h.Stability(0.01, 0.75))

	h.Push(102)
	h.Push(104)
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 0.5, h.Stability(0.01, 0.75))
	assert.InDelta(t, 0.04, h.Trend(), 1e-12)
}
