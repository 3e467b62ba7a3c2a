package candles

import (
	"testing"

	"github.com/skalibog/obsignal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candle(openTime int64, close float64) models.Candle {
	return models.Candle{OpenTime: openTime, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

func TestSeriesUpdatesFormingCandleInPlace(t *testing.T) {
	s := NewSeries(10)
	s.Update(candle(1000, 10))
	s.Update(candle(1000, 11))

	got := s.Snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, 11.0, got[0].Close)
}

func TestSeriesAppendsAndClosesPrevious(t *testing.T) {
	s := NewSeries(10)
	s.Update(candle(1000, 10))
	s.Update(candle(2000, 12))

	got := s.Snapshot()
	require.Len(t, got, 2)
	assert.True(t, got[0].Closed)
	assert.False(t, got[1].Closed)
}

func TestSeriesEvictsOldest(t *testing.T) {
	s := NewSeries(3)
	for i := int64(1); i <= 5; i++ {
		s.Update(candle(i*1000, float64(i)))
	}

	got := s.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, int64(3000), got[0].OpenTime)
	assert.Equal(t, int64(5000), got[2].OpenTime)
}

func TestSeriesIgnoresOlderCandles(t *testing.T) {
	s := NewSeries(3)
	s.Update(candle(2000, 2))
	s.Update(candle(1000, 1))

	assert.Equal(t, 1, s.Len())
}

func TestSnapshotIsIndependent(t *testing.T) {
	st := NewStore(5)
	st.Seed("BTCUSDT", []models.Candle{candle(1000, 1), candle(2000, 2)})

	snap := st.Candles("BTCUSDT")
	st.Update("BTCUSDT", candle(2000, 99))

	assert.Equal(t, 2.0, snap[1].Close)
	assert.Equal(t, 99.0, st.Candles("BTCUSDT")[1].Close)
}

func TestSeedTrimsToCapacity(t *testing.T) {
	st := NewStore(2)
	st.Seed("BTCUSDT", []models.Candle{candle(1000, 1), candle(2000, 2), candle(3000, 3)})

	got := st.Candles("BTCUSDT")
	require.Len(t, got, 2)
	assert.Equal(t, int64(2000), got[0].OpenTime)
}
