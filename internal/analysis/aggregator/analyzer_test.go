package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/obsignal/internal/config"
	obook "github.com/skalibog/obsignal/internal/orderbook"
	"github.com/skalibog/obsignal/pkg/models"
	"github.com/skalibog/obsignal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKlines struct {
	mu    sync.Mutex
	count int
	calls map[string]int
}

func (f *fakeKlines) GetKlines(_ context.Context, symbol, _ string, _ int) ([]models.Candle, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[symbol]++
	f.mu.Unlock()

	if symbol == "PANICUSDT" {
		panic("неожиданные данные")
	}
	return zigzagCandles(f.count), nil
}

type recordingSink struct {
	mu     sync.Mutex
	saved  []*models.AnalysisResult
	cycles []string
}

func (s *recordingSink) Save(_ context.Context, cycleID string, result *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, result)
	s.cycles = append(s.cycles, cycleID)
	return nil
}

type countingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *countingNotifier) Notify(_ context.Context, result *models.AnalysisResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, result.Symbol)
	return nil
}

func (n *countingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeSnapshots struct {
	id int64
}

func (f *fakeSnapshots) GetOrderBookSnapshot(_ context.Context, symbol string, _ int) (*models.OrderBookSnapshot, error) {
	return &models.OrderBookSnapshot{
		Symbol:       symbol,
		LastUpdateID: f.id,
		Bids:         []models.OrderBookLevel{{Price: 100, Quantity: 1}},
		Asks:         []models.OrderBookLevel{{Price: 101, Quantity: 1}},
	}, nil
}

// zigzagCandles растущий ряд с колебаниями, закрытие около 100+0.1·n
func zigzagCandles(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		c := 100 + 0.1*float64(i) + 0.5*float64(i%2)
		out[i] = models.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     c - 0.2,
			High:     c + 0.5,
			Low:      c - 0.5,
			Close:    c,
			Volume:   10,
			Closed:   i < n-1,
		}
	}
	return out
}

func seedBook(t *testing.T, books *obook.Store, symbol string, mid float64) {
	t.Helper()
	var bids, asks []models.OrderBookLevel
	for i := 0; i < 20; i++ {
		bids = append(bids, models.OrderBookLevel{Price: mid - 0.1 - 0.2*float64(i), Quantity: 2})
		asks = append(asks, models.OrderBookLevel{Price: mid + 0.1 + 0.2*float64(i), Quantity: 2})
	}
	_, err := books.ApplySnapshot(symbol, models.OrderBookSnapshot{Bids: bids, Asks: asks, LastUpdateID: 1})
	require.NoError(t, err)
}

func testConfig(symbols ...string) config.Config {
	cfg := config.Default()
	cfg.Trading.Symbols = symbols
	return cfg
}

func TestGenerateSignalsSkipsFailingPairs(t *testing.T) {
	cfg := testConfig("BTCUSDT", "ETHUSDT", "PANICUSDT")
	books := obook.NewStore(obook.DefaultConfig)
	seedBook(t, books, "BTCUSDT", 106)

	klines := &fakeKlines{count: 60}
	sink := &recordingSink{}
	a := NewAnalyzer(cfg.Analysis, cfg.Trading, Options{
		Klines: klines,
		Books:  books,
		Sinks:  []Sink{sink},
		Retry:  retry.Policy{Attempts: 1},
	})

	results, err := a.GenerateSignals(context.Background())
	require.NoError(t, err)

	require.Len(t, results, 1)
	res := results["BTCUSDT"]
	require.NotNil(t, res)
	assert.Equal(t, "BTCUSDT", res.Symbol)
	assert.NotNil(t, res.Signals.Candle)
	assert.NotNil(t, res.Signals.OrderBook)
	assert.Contains(t, []models.Signal{models.SignalLong, models.SignalShort, models.SignalNeutral}, res.Signals.CompositeSignal)
	assert.Equal(t, res.Signals.Candle.CurrentPrice, res.CurrentPrice)

	require.Len(t, sink.saved, 1)
	assert.NotEmpty(t, sink.cycles[0])
	assert.Contains(t, a.Latest(), "BTCUSDT")

	// у ETHUSDT нет стакана, но свечи загружены
	assert.Equal(t, 1, klines.calls["ETHUSDT"])
	assert.Equal(t, 1, klines.calls["PANICUSDT"])
}

func TestAnalyzePairInsufficientCandles(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	books := obook.NewStore(obook.DefaultConfig)
	seedBook(t, books, "BTCUSDT", 101)

	a := NewAnalyzer(cfg.Analysis, cfg.Trading, Options{
		Klines: &fakeKlines{count: 10},
		Books:  books,
	})

	res, err := a.AnalyzePair(context.Background(), "BTCUSDT")
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestAnalyzePairKeepsPreviousBook(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	books := obook.NewStore(obook.DefaultConfig)
	seedBook(t, books, "BTCUSDT", 106)

	a := NewAnalyzer(cfg.Analysis, cfg.Trading, Options{Klines: &fakeKlines{count: 60}, Books: books})

	first, err := a.AnalyzePair(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := a.AnalyzePair(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, 2, a.session("BTCUSDT").history.Len())
	assert.NotNil(t, a.session("BTCUSDT").previous)
}

func TestPublishRespectsCooldown(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	sink := &recordingSink{}
	notifier := &countingNotifier{}
	a := NewAnalyzer(cfg.Analysis, cfg.Trading, Options{Sinks: []Sink{sink}, Notifier: notifier})

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	long := func() *models.AnalysisResult {
		return &models.AnalysisResult{Symbol: "BTCUSDT", Signals: models.Signals{CompositeSignal: models.SignalLong}}
	}

	first := long()
	a.publish(context.Background(), "c1", first)
	assert.False(t, first.Suppressed)
	assert.Equal(t, 1, notifier.Count())
	assert.True(t, a.IsCoolingDown("BTCUSDT"))

	now = now.Add(30 * time.Minute)
	second := long()
	a.publish(context.Background(), "c2", second)
	assert.True(t, second.Suppressed)
	assert.Equal(t, 1, notifier.Count())
	// окно не продлено вторым сигналом
	assert.Equal(t, 90*time.Minute, a.CooldownRemaining("BTCUSDT"))

	a.ResetCooldown("BTCUSDT")
	a.publish(context.Background(), "c3", long())
	assert.Equal(t, 2, notifier.Count())

	a.publish(context.Background(), "c4", &models.AnalysisResult{Symbol: "ETHUSDT", Signals: models.Signals{CompositeSignal: models.SignalNeutral}})
	assert.Equal(t, 2, notifier.Count())
	assert.False(t, a.IsCoolingDown("ETHUSDT"))

	// все результаты попадают в sinks, включая подавленные и нейтральные
	assert.Len(t, sink.saved, 4)
}

func TestOnDepthUpdateGapTriggersResync(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	books := obook.NewStore(obook.DefaultConfig)
	_, err := books.ApplySnapshot("BTCUSDT", models.OrderBookSnapshot{
		Bids:         []models.OrderBookLevel{{Price: 100, Quantity: 5}},
		Asks:         []models.OrderBookLevel{{Price: 101, Quantity: 5}},
		LastUpdateID: 100,
	})
	require.NoError(t, err)

	syncer := obook.NewSyncer(books, &fakeSnapshots{id: 300}, obook.SyncerConfig{
		Depth:       100,
		Retry:       retry.Policy{Attempts: 1},
		ResyncDelay: time.Millisecond,
	})
	a := NewAnalyzer(cfg.Analysis, cfg.Trading, Options{Books: books, Syncer: syncer})

	a.OnDepthUpdate(context.Background(), models.DepthUpdateEvent{
		Symbol:        "BTCUSDT",
		FirstUpdateID: 250,
		LastUpdateID:  260,
	})
	syncer.Wait()

	book, err := books.Book("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(300), book.LastUpdateID)
}

func TestOnKlineUpdatesSeries(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	a := NewAnalyzer(cfg.Analysis, cfg.Trading, Options{})

	a.OnKline(models.KlineEvent{Symbol: "BTCUSDT", Candle: models.Candle{OpenTime: 1000, Close: 10}})
	a.OnKline(models.KlineEvent{Symbol: "BTCUSDT", Candle: models.Candle{OpenTime: 1000, Close: 11}})

	got := a.candles.Candles("BTCUSDT")
	require.Len(t, got, 1)
	assert.Equal(t, 11.0, got[0].Close)
}

func TestRunStopsAtCycleBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.Analysis.Interval = 10 * time.Millisecond
	a := NewAnalyzer(cfg.Analysis, cfg.Trading, Options{})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	require.Eventually(t, a.Running, time.Second, time.Millisecond)
	assert.ErrorIs(t, a.Run(context.Background()), ErrAlreadyRunning)

	a.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("цикл не остановился")
	}
	assert.False(t, a.Running())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Analysis.Interval = time.Hour
	a := NewAnalyzer(cfg.Analysis, cfg.Trading, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Running, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("цикл не остановился")
	}
}
