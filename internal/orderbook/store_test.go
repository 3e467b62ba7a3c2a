package orderbook

import (
	"math/rand"
	"testing"

	"github.com/skalibog/obsignal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lv(price, qty float64) models.OrderBookLevel {
	return models.OrderBookLevel{Price: price, Quantity: qty}
}

func seededStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s := NewStore(cfg)
	_, err := s.ApplySnapshot("BTCUSDT", models.OrderBookSnapshot{
		Bids:         []models.OrderBookLevel{lv(100, 5)},
		Asks:         []models.OrderBookLevel{lv(101, 5)},
		LastUpdateID: 10,
	})
	require.NoError(t, err)
	return s
}

func TestApplyDiffRemovesLevel(t *testing.T) {
	s := seededStore(t, DefaultConfig)

	book, err := s.ApplyDiff("BTCUSDT", models.DepthUpdateEvent{
		FirstUpdateID: 11,
		LastUpdateID:  11,
		Bids:          []models.OrderBookLevel{lv(100, 0)},
	})
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	assert.Equal(t, []models.OrderBookLevel{lv(101, 5)}, book.Asks)
	assert.Equal(t, int64(11), book.LastUpdateID)
}

func TestApplyDiffStaleEventIsIgnored(t *testing.T) {
	s := seededStore(t, DefaultConfig)
	before, err := s.Book("BTCUSDT")
	require.NoError(t, err)
	snapshot := before.Clone()

	after, err := s.ApplyDiff("BTCUSDT", models.DepthUpdateEvent{
		FirstUpdateID: 5,
		LastUpdateID:  10,
		Bids:          []models.OrderBookLevel{lv(100, 42)},
	})
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.Equal(t, snapshot, after)
}

func TestApplyDiffDetectsGap(t *testing.T) {
	s := NewStore(DefaultConfig)
	_, err := s.ApplySnapshot("BTCUSDT", models.OrderBookSnapshot{
		Bids:         []models.OrderBookLevel{lv(100, 5)},
		Asks:         []models.OrderBookLevel{lv(101, 5)},
		LastUpdateID: 100,
	})
	require.NoError(t, err)
	before, _ := s.Book("BTCUSDT")
	snapshot := before.Clone()

	book, err := s.ApplyDiff("BTCUSDT", models.DepthUpdateEvent{
		FirstUpdateID: 250,
		LastUpdateID:  260,
		Bids:          []models.OrderBookLevel{lv(100, 1)},
	})
	assert.ErrorIs(t, err, ErrGap)
	assert.Equal(t, snapshot, book)
	assert.True(t, s.NeedsResync("BTCUSDT"))

	_, err = s.Book("BTCUSDT")
	assert.ErrorIs(t, err, ErrStale)
}

func TestApplyDiffBridgesSmallGap(t *testing.T) {
	s := seededStore(t, DefaultConfig)

	book, err := s.ApplyDiff("BTCUSDT", models.DepthUpdateEvent{
		FirstUpdateID: 60,
		LastUpdateID:  61,
		Asks:          []models.OrderBookLevel{lv(102, 3)},
	})
	require.NoError(t, err)
	assert.Len(t, book.Asks, 2)
	assert.Equal(t, int64(61), book.LastUpdateID)
}

func TestApplyDiffColdStart(t *testing.T) {
	s := NewStore(DefaultConfig)

	book, err := s.ApplyDiff("ETHUSDT", models.DepthUpdateEvent{
		FirstUpdateID: 1,
		LastUpdateID:  3,
		Bids:          []models.OrderBookLevel{lv(11, 1), lv(11.2, 2), lv(10.9, 0)},
		Asks:          []models.OrderBookLevel{lv(11.5, 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.OrderBookLevel{lv(11.2, 2), lv(11, 1)}, book.Bids)
	assert.Equal(t, int64(3), book.LastUpdateID)
}

func TestCopyOnWriteKeepsPreviousBook(t *testing.T) {
	s := seededStore(t, DefaultConfig)
	prev, _ := s.Book("BTCUSDT")

	_, err := s.ApplyDiff("BTCUSDT", models.DepthUpdateEvent{
		FirstUpdateID: 11,
		LastUpdateID:  12,
		Bids:          []models.OrderBookLevel{lv(100, 9), lv(99.5, 1)},
	})
	require.NoError(t, err)

	assert.Equal(t, []models.OrderBookLevel{lv(100, 5)}, prev.Bids)
	assert.Equal(t, int64(10), prev.LastUpdateID)
}

func TestDiffsBufferedWhileSnapshotLoads(t *testing.T) {
	s := NewStore(DefaultConfig)
	s.BeginSnapshot("BTCUSDT")

	// события приходят не по порядку
	events := []models.DepthUpdateEvent{
		{FirstUpdateID: 23, LastUpdateID: 25, Bids: []models.OrderBookLevel{lv(100, 7)}},
		{FirstUpdateID: 15, LastUpdateID: 18, Bids: []models.OrderBookLevel{lv(100, 1)}},
		{FirstUpdateID: 19, LastUpdateID: 22, Bids: []models.OrderBookLevel{lv(100, 3)}},
	}
	for _, ev := range events {
		_, err := s.ApplyDiff("BTCUSDT", ev)
		assert.ErrorIs(t, err, ErrSnapshotPending)
	}
	assert.Equal(t, 3, s.Pending("BTCUSDT"))

	_, err := s.Book("BTCUSDT")
	assert.ErrorIs(t, err, ErrSnapshotPending)

	book, err := s.ApplySnapshot("BTCUSDT", models.OrderBookSnapshot{
		Bids:         []models.OrderBookLevel{lv(100, 5)},
		Asks:         []models.OrderBookLevel{lv(101, 5)},
		LastUpdateID: 20,
	})
	require.NoError(t, err)
	// событие 15-18 устарело, применяются 19-22 и 23-25
	assert.Equal(t, int64(25), book.LastUpdateID)
	assert.Equal(t, []models.OrderBookLevel{lv(100, 7)}, book.Bids)
	assert.Equal(t, 0, s.Pending("BTCUSDT"))
}

func TestBufferIsBounded(t *testing.T) {
	cfg := DefaultConfig
	cfg.BufferSize = 2
	s := NewStore(cfg)
	s.BeginSnapshot("BTCUSDT")

	for i := int64(1); i <= 5; i++ {
		_, _ = s.ApplyDiff("BTCUSDT", models.DepthUpdateEvent{FirstUpdateID: i, LastUpdateID: i})
	}
	assert.Equal(t, 2, s.Pending("BTCUSDT"))
}

func TestPruneByPriceBandAndLevels(t *testing.T) {
	cfg := DefaultConfig
	cfg.Limits = Limits{MaxLevels: 3, PriceBand: 0.10}
	s := NewStore(cfg)

	book, err := s.ApplySnapshot("BTCUSDT", models.OrderBookSnapshot{
		Bids:         []models.OrderBookLevel{lv(100, 1), lv(99, 1), lv(98, 1), lv(97, 1), lv(50, 10)},
		Asks:         []models.OrderBookLevel{lv(101, 1), lv(150, 10)},
		LastUpdateID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.OrderBookLevel{lv(100, 1), lv(99, 1), lv(98, 1)}, book.Bids)
	assert.Equal(t, []models.OrderBookLevel{lv(101, 1)}, book.Asks)
}

func TestLevelInvariantAfterRandomDiffs(t *testing.T) {
	cfg := DefaultConfig
	cfg.Limits = Limits{MaxLevels: 15, PriceBand: 0.10}
	s := NewStore(cfg)
	_, err := s.ApplySnapshot("BTCUSDT", models.OrderBookSnapshot{
		Bids:         []models.OrderBookLevel{lv(99.5, 1)},
		Asks:         []models.OrderBookLevel{lv(100.5, 1)},
		LastUpdateID: 1,
	})
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(42))
	id := int64(1)
	for i := 0; i < 500; i++ {
		ev := models.DepthUpdateEvent{FirstUpdateID: id + 1, LastUpdateID: id + 1 + int64(rnd.Intn(3))}
		id = ev.LastUpdateID
		for j := 0; j < 5; j++ {
			qty := float64(rnd.Intn(4))
			ev.Bids = append(ev.Bids, lv(90+float64(rnd.Intn(20))*0.5, qty))
			ev.Asks = append(ev.Asks, lv(100.5+float64(rnd.Intn(20))*0.5, qty))
		}

		book, err := s.ApplyDiff("BTCUSDT", ev)
		require.NoError(t, err)

		assert.LessOrEqual(t, len(book.Bids), 15)
		assert.LessOrEqual(t, len(book.Asks), 15)
		for k := 1; k < len(book.Bids); k++ {
			require.Greater(t, book.Bids[k-1].Price, book.Bids[k].Price)
		}
		for k := 1; k < len(book.Asks); k++ {
			require.Less(t, book.Asks[k-1].Price, book.Asks[k].Price)
		}
		for _, l := range book.Bids {
			require.Greater(t, l.Quantity, 0.0)
		}
		for _, l := range book.Asks {
			require.Greater(t, l.Quantity, 0.0)
		}
	}
}

func TestBookUnknownPair(t *testing.T) {
	s := NewStore(DefaultConfig)
	_, err := s.Book("XRPUSDT")
	assert.ErrorIs(t, err, ErrNoBook)
	assert.False(t, s.NeedsResync("XRPUSDT"))
}

func TestApplySnapshotKeepsNewerSyncedBook(t *testing.T) {
	s := seededStore(t, DefaultConfig)
	_, err := s.ApplyDiff("BTCUSDT", models.DepthUpdateEvent{
		FirstUpdateID: 11,
		LastUpdateID:  11,
		Bids:          []models.OrderBookLevel{lv(100.5, 7)},
	})
	require.NoError(t, err)

	s.BeginSnapshot("BTCUSDT")
	_, err = s.ApplyDiff("BTCUSDT", models.DepthUpdateEvent{
		FirstUpdateID: 12,
		LastUpdateID:  12,
		Asks:          []models.OrderBookLevel{lv(101.5, 2)},
	})
	require.ErrorIs(t, err, ErrSnapshotPending)

	book, err := s.ApplySnapshot("BTCUSDT", models.OrderBookSnapshot{
		Bids:         []models.OrderBookLevel{lv(100, 5)},
		Asks:         []models.OrderBookLevel{lv(101, 5)},
		LastUpdateID: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.OrderBookLevel{lv(100.5, 7), lv(100, 5)}, book.Bids)
	assert.Equal(t, []models.OrderBookLevel{lv(101, 5), lv(101.5, 2)}, book.Asks)
	assert.Equal(t, int64(12), book.LastUpdateID)
}

func TestApplySnapshotReplacesStaleBook(t *testing.T) {
	s := seededStore(t, DefaultConfig)
	_, err := s.ApplyDiff("BTCUSDT", models.DepthUpdateEvent{
		FirstUpdateID: 11,
		LastUpdateID:  11,
		Bids:          []models.OrderBookLevel{lv(100.5, 7)},
	})
	require.NoError(t, err)

	s.MarkResync("BTCUSDT")
	book, err := s.ApplySnapshot("BTCUSDT", models.OrderBookSnapshot{
		Bids:         []models.OrderBookLevel{lv(99, 1)},
		Asks:         []models.OrderBookLevel{lv(101, 1)},
		LastUpdateID: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.OrderBookLevel{lv(99, 1)}, book.Bids)
	assert.Equal(t, int64(9), book.LastUpdateID)
}
