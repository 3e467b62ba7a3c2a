package orderbook

import (
	"errors"
	"math"
	"sort"

	"github.com/skalibog/obsignal/internal/config"
	obook "github.com/skalibog/obsignal/internal/orderbook"
	"github.com/skalibog/obsignal/pkg/models"
)

// ErrNoBook стакан не передан
var ErrNoBook = errors.New("стакан не передан")

// Пороги давления цены по дисбалансу
const (
	pressureUpImbalance   = 1.2
	pressureDownImbalance = 0.8
	fallbackUpImbalance   = 1.5
	fallbackDownImbalance = 0.5
)

// Analyzer реализует анализатор стакана заявок
type Analyzer struct {
	config config.OrderBookConfig
}

// NewAnalyzer создает новый анализатор стакана заявок
func NewAnalyzer(cfg config.OrderBookConfig) *Analyzer {
	return &Analyzer{
		config: cfg,
	}
}

// NewHistory создает буфер mid-цен с окном из конфигурации
func (a *Analyzer) NewHistory() *History {
	return NewHistory(a.config.StabilityWindow)
}

// Analyze рассчитывает метрики и сигналы стакана.
// previous может быть nil: тогда изменение объема недоступно.
// history обновляется текущей mid-ценой
func (a *Analyzer) Analyze(book, previous *obook.Book, candles []models.Candle, pair config.PairConfig, history *History) (*models.OrderBookAnalysis, error) {
	if book == nil {
		return nil, ErrNoBook
	}

	metrics := a.calculateMetrics(book, candles)

	if history != nil {
		if metrics.MidPrice > 0 {
			history.Push(metrics.MidPrice)
		}
		metrics.Stability = history.Stability(a.config.StabilityJump, a.config.StabilityDefault)
		metrics.MidTrend = history.Trend()
	} else {
		metrics.Stability = a.config.StabilityDefault
	}

	metrics.Support = a.findClusters(book.Bids, metrics.BidVolume)
	metrics.Resistance = a.findClusters(book.Asks, metrics.AskVolume)
	metrics.BidWalls = a.findWalls(book.Bids, metrics.BidVolume, pair.MinWallVolume)
	metrics.AskWalls = a.findWalls(book.Asks, metrics.AskVolume, pair.MinWallVolume)
	metrics.VolumeChange = a.calculateVolumeChange(book, previous, metrics.BidVolume+metrics.AskVolume)

	signals := a.calculateSignals(book, &metrics, pair)

	return &models.OrderBookAnalysis{
		Metrics: metrics,
		Signals: signals,
	}, nil
}

// calculateMetrics рассчитывает базовые метрики стакана
func (a *Analyzer) calculateMetrics(book *obook.Book, candles []models.Candle) models.OrderBookMetrics {
	m := models.OrderBookMetrics{
		BestBid:   book.BestBid(),
		BestAsk:   book.BestAsk(),
		MidPrice:  book.MidPrice(),
		BidLevels: len(book.Bids),
		AskLevels: len(book.Asks),
	}
	// Пустой стакан: mid-цена берется из последней свечи
	if m.MidPrice == 0 && len(candles) > 0 {
		m.MidPrice = candles[len(candles)-1].Close
	}
	if m.BestBid > 0 && m.BestAsk > 0 {
		m.Spread = m.BestAsk - m.BestBid
	}

	m.BidVolume = sideVolume(book.Bids)
	m.AskVolume = sideVolume(book.Asks)
	m.Imbalance = models.Float(imbalance(m.BidVolume, m.AskVolume))
	return m
}

func sideVolume(levels []models.OrderBookLevel) float64 {
	var total float64
	for _, l := range levels {
		total += l.Quantity
	}
	return total
}

// imbalance отношение объема бидов к объему асков
func imbalance(bid, ask float64) float64 {
	switch {
	case ask > 0:
		return bid / ask
	case bid > 0:
		return math.Inf(1)
	default:
		return 1
	}
}

// findClusters группирует соседние уровни в кластеры и оставляет значимые,
// по убыванию объема
func (a *Analyzer) findClusters(levels []models.OrderBookLevel, total float64) []models.PriceCluster {
	if len(levels) == 0 || total <= 0 {
		return nil
	}

	var clusters []models.PriceCluster
	start := levels[0].Price
	var volume, weighted float64
	var count int

	flush := func() {
		if count == 0 {
			return
		}
		if volume >= total*a.config.ClusterVolumeShare {
			clusters = append(clusters, models.PriceCluster{
				Price:  weighted / volume,
				Volume: volume,
				Levels: count,
			})
		}
		volume, weighted, count = 0, 0, 0
	}

	for _, l := range levels {
		if count > 0 && math.Abs(l.Price-start)/start > a.config.ClusterTolerance {
			flush()
		}
		if count == 0 {
			start = l.Price
		}
		volume += l.Quantity
		weighted += l.Price * l.Quantity
		count++
	}
	flush()

	sort.SliceStable(clusters, func(i, j int) bool {
		return clusters[i].Volume > clusters[j].Volume
	})
	return clusters
}

// findWalls ищет уровни с объемом выше среднего в WallMultiplier раз
func (a *Analyzer) findWalls(levels []models.OrderBookLevel, total, minVolume float64) []models.Wall {
	if len(levels) == 0 {
		return nil
	}
	avg := total / float64(len(levels))

	var walls []models.Wall
	for _, l := range levels {
		if l.Quantity > avg*a.config.WallMultiplier && l.Quantity >= minVolume {
			walls = append(walls, models.Wall{Price: l.Price, Volume: l.Quantity})
		}
	}
	return walls
}

// calculateVolumeChange считает изменение объема по уровням,
// совпадающим с предыдущим стаканом с относительной точностью
func (a *Analyzer) calculateVolumeChange(book, previous *obook.Book, total float64) models.VolumeChange {
	if previous == nil || previous.Empty() {
		return models.VolumeChange{}
	}

	tol := a.config.PriceMatchTolerance
	vc := models.VolumeChange{
		BidChange: matchedDelta(book.Bids, previous.Bids, true, tol),
		AskChange: matchedDelta(book.Asks, previous.Asks, false, tol),
		Available: true,
	}
	vc.NetChange = vc.BidChange - vc.AskChange
	if total > 0 {
		vc.Ratio = math.Abs(vc.NetChange) / total
	}
	return vc
}

func matchedDelta(current, previous []models.OrderBookLevel, desc bool, tol float64) float64 {
	var delta float64
	for _, l := range current {
		if qty, ok := matchLevel(previous, l.Price, desc, tol); ok {
			delta += l.Quantity - qty
		}
	}
	return delta
}

// matchLevel ищет в отсортированных уровнях цену в пределах относительного допуска
func matchLevel(levels []models.OrderBookLevel, price float64, desc bool, tol float64) (float64, bool) {
	idx := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price <= price
		}
		return levels[i].Price >= price
	})

	best, found := 0.0, false
	bestDiff := math.MaxFloat64
	for _, i := range []int{idx - 1, idx} {
		if i < 0 || i >= len(levels) {
			continue
		}
		diff := math.Abs(levels[i].Price-price) / price
		if diff <= tol && diff < bestDiff {
			best, bestDiff, found = levels[i].Quantity, diff, true
		}
	}
	return best, found
}

// calculateSignals рассчитывает сигналы стакана по метрикам
func (a *Analyzer) calculateSignals(book *obook.Book, m *models.OrderBookMetrics, pair config.PairConfig) models.OrderBookSignals {
	imb := float64(m.Imbalance)
	minLevels := min(m.BidLevels, m.AskLevels)

	s := models.OrderBookSignals{
		Imbalance:        m.Imbalance,
		HasBidWall:       len(m.BidWalls) > 0,
		HasAskWall:       len(m.AskWalls) > 0,
		SufficientVolume: m.BidVolume+m.AskVolume >= pair.MinVolume,
		SufficientDepth:  minLevels >= pair.MinDepthLevels,
		DeepBook:         minLevels >= a.config.StrongDepthLevels,
		Stable:           m.Stability >= a.config.StabilityThreshold,
		VolumeSpike:      m.VolumeChange.Available && m.VolumeChange.Ratio > a.config.VolumeSpikeRatio,
	}

	s.StrongSupport = len(m.Support) > 0 && (len(m.Resistance) == 0 || m.Support[0].Volume > m.Resistance[0].Volume)
	s.StrongResistance = len(m.Resistance) > 0 && (len(m.Support) == 0 || m.Resistance[0].Volume > m.Support[0].Volume)

	// Дисбаланс учитывается только на достаточно ликвидном и стабильном стакане
	gated := !book.Empty() && s.SufficientVolume && s.SufficientDepth && s.Stable
	s.StrongBidImbalance = gated && imb >= a.config.ImbalanceThreshold
	s.StrongAskImbalance = gated && imb <= 1/a.config.ImbalanceThreshold

	s.PricePressure = a.pricePressure(imb, m.VolumeChange)
	s.InUptrend = s.PricePressure.IsUp() || (m.MidTrend > a.config.TrendThreshold && imb > 1)
	s.InDowntrend = s.PricePressure.IsDown() || (m.MidTrend < -a.config.TrendThreshold && imb < 1)

	s.CompositeSignal = a.compositeSignal(&s, len(m.BidWalls), len(m.AskWalls))
	return s
}

// pricePressure комбинирует знак изменения объема с величиной дисбаланса.
// Сильные полосы симметричны: ImbalanceThreshold и 1/ImbalanceThreshold
func (a *Analyzer) pricePressure(imb float64, vc models.VolumeChange) models.PricePressure {
	net := vc.NetChange
	if vc.Available {
		switch {
		case net > 0 && imb > a.config.ImbalanceThreshold:
			return models.PressureStrongUp
		case net > 0 && imb > pressureUpImbalance:
			return models.PressureUp
		case net < 0 && imb < 1/a.config.ImbalanceThreshold:
			return models.PressureStrongDown
		case net < 0 && imb < pressureDownImbalance:
			return models.PressureDown
		}
	}

	switch {
	case imb > fallbackUpImbalance:
		return models.PressureUp
	case imb < fallbackDownImbalance:
		return models.PressureDown
	}
	return models.PressureNeutral
}

// compositeRule правило каскада сводного сигнала
type compositeRule struct {
	match  func(s *models.OrderBookSignals) bool
	signal models.CompositeSignal
}

// compositeRules порядок важен: более сильные условия проверяются первыми
var compositeRules = []compositeRule{
	{
		match: func(s *models.OrderBookSignals) bool {
			return s.StrongBidImbalance && s.StrongSupport && s.HasBidWall
		},
		signal: models.CompositeStrongBuy,
	},
	{
		match: func(s *models.OrderBookSignals) bool {
			return s.StrongAskImbalance && s.StrongResistance && s.HasAskWall
		},
		signal: models.CompositeStrongSell,
	},
	{
		match: func(s *models.OrderBookSignals) bool {
			return s.StrongBidImbalance && s.StrongSupport
		},
		signal: models.CompositeBuy,
	},
	{
		match: func(s *models.OrderBookSignals) bool {
			return s.StrongAskImbalance && s.StrongResistance
		},
		signal: models.CompositeSell,
	},
	{
		match: func(s *models.OrderBookSignals) bool {
			return s.StrongBidImbalance
		},
		signal: models.CompositeWeakBuy,
	},
	{
		match: func(s *models.OrderBookSignals) bool {
			return s.StrongAskImbalance
		},
		signal: models.CompositeWeakSell,
	},
}

// compositeSignal вычисляет сводный сигнал по каскаду правил
func (a *Analyzer) compositeSignal(s *models.OrderBookSignals, bidWalls, askWalls int) models.CompositeSignal {
	for _, rule := range compositeRules {
		if !rule.match(s) {
			continue
		}
		// сильный сигнал на неглубоком стакане понижается
		switch {
		case rule.signal == models.CompositeStrongBuy && !s.DeepBook:
			return models.CompositeBuy
		case rule.signal == models.CompositeStrongSell && !s.DeepBook:
			return models.CompositeSell
		}
		return rule.signal
	}

	// Перекос количества стен
	skew := a.config.WallSkew
	switch {
	case bidWalls > 0 && float64(bidWalls) >= skew*float64(askWalls):
		return models.CompositeWeakBuy
	case askWalls > 0 && float64(askWalls) >= skew*float64(bidWalls):
		return models.CompositeWeakSell
	}
	return models.CompositeNeutral
}
