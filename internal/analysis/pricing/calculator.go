package pricing

import (
	"errors"
	"math"
	"sort"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"github.com/skalibog/obsignal/internal/config"
	obook "github.com/skalibog/obsignal/internal/orderbook"
	"github.com/skalibog/obsignal/pkg/models"
)

// ErrNoPrice нет текущей цены для расчета
var ErrNoPrice = errors.New("нет текущей цены")

// precisionStep шаг таблицы точности: цены от minPrice округляются до places знаков
type precisionStep struct {
	minPrice float64
	places   int32
}

// precisionTable чем дороже инструмент, тем грубее шаг цены
var precisionTable = []precisionStep{
	{10000, 1},
	{1000, 2},
	{100, 2},
	{10, 3},
	{1, 4},
	{0.1, 5},
	{0.01, 6},
	{0, 8},
}

// Calculator рассчитывает рекомендованные цены входа и выхода
type Calculator struct {
	config config.PricingConfig
}

// NewCalculator создает новый калькулятор цен
func NewCalculator(cfg config.PricingConfig) *Calculator {
	return &Calculator{
		config: cfg,
	}
}

// CalculateSuggestedPrices рассчитывает вход, оптимальный вход, стоп и тейк.
// Для neutral возвращает nil, nil
func (c *Calculator) CalculateSuggestedPrices(book *obook.Book, candles []models.Candle, signal models.Signal, cs *models.CandleSignals, pair config.PairConfig) (*models.SuggestedPrices, error) {
	if signal != models.SignalLong && signal != models.SignalShort {
		return nil, nil
	}

	current := 0.0
	if cs != nil {
		current = cs.CurrentPrice
	}
	if current <= 0 && len(candles) > 0 {
		current = candles[len(candles)-1].Close
	}
	if current <= 0 {
		return nil, ErrNoPrice
	}
	if cs == nil {
		cs = &models.CandleSignals{CurrentPrice: current}
	}

	atr := c.ATR(candles)
	stopPct := c.StopPercent(atr, current, pair.VolatilityMultiplier)

	var prices *models.SuggestedPrices
	if signal == models.SignalLong {
		prices = c.longPrices(book, candles, cs, current, atr, stopPct)
	} else {
		prices = c.shortPrices(book, candles, cs, current, atr, stopPct)
	}
	prices.ATR = atr
	prices.StopPercent = stopPct
	return prices, nil
}

// ATR средний истинный диапазон как SMA истинного диапазона
func (c *Calculator) ATR(candles []models.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}

	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, k := range candles {
		high[i], low[i], closes[i] = k.High, k.Low, k.Close
	}

	// первый элемент не имеет предыдущего закрытия
	tr := talib.TRange(high, low, closes)[1:]
	period := c.config.ATRPeriod
	if period <= 0 || period > len(tr) {
		period = len(tr)
	}
	sma := talib.Sma(tr, period)
	return sma[len(sma)-1]
}

// StopPercent динамический процент стопа с учетом волатильности пары
func (c *Calculator) StopPercent(atr, price, volatility float64) float64 {
	if volatility <= 0 {
		volatility = 1
	}
	pct := c.config.BaseStopPercent * volatility
	if price > 0 {
		pct *= 1 + atr/price*c.config.ATRStopFactor
	}
	return math.Max(c.config.MinStopPercent, math.Min(pct, c.config.MaxStopPercent))
}

func (c *Calculator) longPrices(book *obook.Book, candles []models.Candle, cs *models.CandleSignals, current, atr, stopPct float64) *models.SuggestedPrices {
	entry := current
	if ask := book.BestAsk(); ask > 0 {
		entry = ask * (1 - c.config.LongEntryDiscount)
	}
	// у нижней полосы вход сдвигается к ней
	if cs.NearLowerBand && cs.BBLower > 0 && cs.BBLower < entry {
		entry = (entry + cs.BBLower) / 2
	}

	stop := entry * (1 - stopPct)
	if atr > 0 {
		stop = math.Max(stop, entry-atr*c.config.ATRMultiplier)
	}
	if bandStop := cs.BBLower * (1 - c.config.BandStopBuffer); cs.BBLower > 0 && bandStop < entry {
		stop = math.Max(stop, bandStop)
	}

	entry = RoundPrice(entry)
	stop = below(RoundPrice(stop), entry)
	take := above(RoundPrice(entry+(entry-stop)*c.config.RiskRewardRatio), entry)

	return &models.SuggestedPrices{
		Entry:        entry,
		OptimalEntry: c.optimalLongEntry(book, candles, current),
		StopLoss:     stop,
		TakeProfit:   take,
	}
}

func (c *Calculator) shortPrices(book *obook.Book, candles []models.Candle, cs *models.CandleSignals, current, atr, stopPct float64) *models.SuggestedPrices {
	entry := current
	if bid := book.BestBid(); bid > 0 {
		entry = bid * (1 + c.config.ShortEntryPremium)
	}
	if cs.NearUpperBand && cs.BBUpper > entry {
		entry = (entry + cs.BBUpper) / 2
	}

	stop := entry * (1 + stopPct)
	if atr > 0 {
		stop = math.Min(stop, entry+atr*c.config.ATRMultiplier)
	}
	if bandStop := cs.BBUpper * (1 + c.config.BandStopBuffer); cs.BBUpper > 0 && bandStop > entry {
		stop = math.Min(stop, bandStop)
	}

	entry = RoundPrice(entry)
	stop = above(RoundPrice(stop), entry)
	take := below(RoundPrice(entry-(stop-entry)*c.config.RiskRewardRatio), entry)

	return &models.SuggestedPrices{
		Entry:        entry,
		OptimalEntry: c.optimalShortEntry(book, candles, current),
		StopLoss:     stop,
		TakeProfit:   take,
	}
}

// optimalLongEntry взвешенная цель для лимитного входа ниже рынка
func (c *Calculator) optimalLongEntry(book *obook.Book, candles []models.Candle, current float64) *float64 {
	window := c.window(candles)
	if len(window) == 0 {
		return nil
	}

	lows := make([]float64, len(window))
	for i, k := range window {
		lows[i] = k.Low
	}
	support := median(lows)

	var bids []models.OrderBookLevel
	if book != nil {
		bids = book.Bids
	}
	target := c.blend(support, vwap(window), bids)
	target = clamp(target, current*(1-c.config.MaxDiscount), current*(1-c.config.MinDiscount))
	target = math.Max(target, support)

	target = RoundPrice(target)
	if target >= current {
		return nil
	}
	return &target
}

// optimalShortEntry зеркально: цель выше рынка у сопротивления
func (c *Calculator) optimalShortEntry(book *obook.Book, candles []models.Candle, current float64) *float64 {
	window := c.window(candles)
	if len(window) == 0 {
		return nil
	}

	highs := make([]float64, len(window))
	for i, k := range window {
		highs[i] = k.High
	}
	resistance := median(highs)

	var asks []models.OrderBookLevel
	if book != nil {
		asks = book.Asks
	}
	target := c.blend(resistance, vwap(window), asks)
	target = clamp(target, current*(1+c.config.MinDiscount), current*(1+c.config.MaxDiscount))
	target = math.Min(target, resistance)

	target = RoundPrice(target)
	if target <= current {
		return nil
	}
	return &target
}

func (c *Calculator) window(candles []models.Candle) []models.Candle {
	n := c.config.OptimalLookback
	if n <= 0 || n > len(candles) {
		n = len(candles)
	}
	return candles[len(candles)-n:]
}

// blend смешивает уровень, VWAP и среднюю цену верхних уровней стакана.
// Отсутствующие компоненты исключаются, веса нормируются
func (c *Calculator) blend(level, vw float64, levels []models.OrderBookLevel) float64 {
	var sum, weights float64
	add := func(v, w float64) {
		if v > 0 && w > 0 {
			sum += v * w
			weights += w
		}
	}
	add(level, c.config.SupportResistanceWeight)
	add(vw, c.config.VolumeWeight)
	add(topLevelsPrice(levels, c.config.OrderBookTopLevels), c.config.OrderBookWeight)

	if weights == 0 {
		return level
	}
	return sum / weights
}

// topLevelsPrice средневзвешенная по объему цена первых n уровней
func topLevelsPrice(levels []models.OrderBookLevel, n int) float64 {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	var volume, weighted float64
	for _, l := range levels[:n] {
		volume += l.Quantity
		weighted += l.Price * l.Quantity
	}
	if volume == 0 {
		return 0
	}
	return weighted / volume
}

// vwap по типичной цене свечи; без объема возвращается средняя типичная цена
func vwap(candles []models.Candle) float64 {
	var volume, weighted, plain float64
	for _, k := range candles {
		typical := (k.High + k.Low + k.Close) / 3
		volume += k.Volume
		weighted += typical * k.Volume
		plain += typical
	}
	if volume == 0 {
		return plain / float64(len(candles))
	}
	return weighted / volume
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

// RoundPrice округляет цену до шага, зависящего от порядка цены
func RoundPrice(price float64) float64 {
	return decimal.NewFromFloat(price).Round(places(price)).InexactFloat64()
}

// Tick минимальный шаг цены для порядка price
func Tick(price float64) float64 {
	return decimal.New(1, -places(price)).InexactFloat64()
}

func places(price float64) int32 {
	abs := math.Abs(price)
	for _, step := range precisionTable {
		if abs >= step.minPrice {
			return step.places
		}
	}
	return precisionTable[len(precisionTable)-1].places
}

// below гарантирует, что после округления цена осталась строго ниже ref
func below(v, ref float64) float64 {
	if v < ref {
		return v
	}
	return RoundPrice(ref - Tick(ref))
}

// above гарантирует, что после округления цена осталась строго выше ref
func above(v, ref float64) float64 {
	if v > ref {
		return v
	}
	return RoundPrice(ref + Tick(ref))
}
