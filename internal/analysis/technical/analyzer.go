package technical

import (
	"errors"
	"fmt"
	"sort"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/obsignal/internal/config"
	"github.com/skalibog/obsignal/pkg/models"
)

// ErrInsufficientData свечей меньше минимального окна
var ErrInsufficientData = errors.New("недостаточно свечей для анализа")

// Analyzer реализует анализатор технических индикаторов.
// Индикаторы пересчитываются по всему окну при каждом вызове,
// поэтому изменение последней (формирующейся) свечи всегда учитывается
type Analyzer struct {
	config config.TechnicalConfig
}

// NewAnalyzer создает новый анализатор технических индикаторов
func NewAnalyzer(cfg config.TechnicalConfig) *Analyzer {
	return &Analyzer{
		config: cfg,
	}
}

// MinCandles минимальное количество свечей для анализа
func (a *Analyzer) MinCandles() int {
	return a.config.MinCandles
}

// GetAllSignals рассчитывает все сигналы по свечам
func (a *Analyzer) GetAllSignals(candles []models.Candle) (*models.CandleSignals, error) {
	if len(candles) < a.config.MinCandles || len(candles) < a.longestPeriod()+1 {
		return nil, fmt.Errorf("%w: %d свечей, требуется %d", ErrInsufficientData, len(candles), a.config.MinCandles)
	}

	// Подготавливаем данные для анализа
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	last := candles[len(candles)-1]
	signals := &models.CandleSignals{
		CurrentPrice:  last.Close,
		CurrentVolume: last.Volume,
	}

	a.calculateEMA(closes, signals)
	a.calculateRSI(closes, signals)
	a.calculateBollingerBands(closes, signals)
	a.calculateVolume(volumes, signals)
	a.calculatePressure(candles, signals)

	return signals, nil
}

func (a *Analyzer) longestPeriod() int {
	return max(a.config.EMASlow, a.config.RSIPeriod+1, a.config.BBPeriod, a.config.VolumeEMAPeriod, a.config.EMAMedium+2)
}

// calculateEMA рассчитывает три EMA, пересечение быстрой и средней
// за последние 1-2 свечи и тренд по строгому порядку EMA
func (a *Analyzer) calculateEMA(closes []float64, s *models.CandleSignals) {
	fast := talib.Ema(closes, a.config.EMAFast)
	medium := talib.Ema(closes, a.config.EMAMedium)
	slow := talib.Ema(closes, a.config.EMASlow)

	n := len(closes)
	s.EMAFast = fast[n-1]
	s.EMAMedium = medium[n-1]
	s.EMASlow = slow[n-1]

	for k := 1; k <= 2; k++ {
		prev, cur := n-1-k, n-k
		if fast[prev] <= medium[prev] && fast[cur] > medium[cur] && s.EMAFast > s.EMAMedium {
			s.EMABullishCross = true
		}
		if fast[prev] >= medium[prev] && fast[cur] < medium[cur] && s.EMAFast < s.EMAMedium {
			s.EMABearishCross = true
		}
	}

	s.IsUptrend = s.EMAFast > s.EMAMedium && s.EMAMedium > s.EMASlow
	s.IsDowntrend = s.EMAFast < s.EMAMedium && s.EMAMedium < s.EMASlow
}

// calculateRSI рассчитывает RSI со сглаживанием Уайлдера
func (a *Analyzer) calculateRSI(closes []float64, s *models.CandleSignals) {
	rsi := talib.Rsi(closes, a.config.RSIPeriod)
	s.RSI = rsi[len(rsi)-1]
	s.IsOverbought = s.RSI > a.config.RSIOverbought
	s.IsOversold = s.RSI < a.config.RSIOversold
}

// calculateBollingerBands рассчитывает полосы Боллинджера, близость цены
// к границам и сжатие полос относительно истории ширины
func (a *Analyzer) calculateBollingerBands(closes []float64, s *models.CandleSignals) {
	upper, middle, lower := talib.BBands(closes, a.config.BBPeriod, a.config.BBStdDev, a.config.BBStdDev, talib.SMA)

	n := len(closes)
	s.BBUpper = upper[n-1]
	s.BBMiddle = middle[n-1]
	s.BBLower = lower[n-1]

	lastClose := closes[n-1]
	tol := a.config.BBTolerance
	s.NearUpperBand = lastClose >= s.BBUpper*(1-tol)
	s.NearLowerBand = lastClose <= s.BBLower*(1+tol)

	// История ширины полос для определения сжатия
	first := a.config.BBPeriod - 1
	if lookback := a.config.BBSqueezeLookback; lookback > 0 && n-lookback > first {
		first = n - lookback
	}
	widths := make([]float64, 0, n-first)
	for i := first; i < n; i++ {
		if middle[i] == 0 {
			continue
		}
		widths = append(widths, (upper[i]-lower[i])/middle[i])
	}
	if len(widths) < 2 {
		return
	}
	current := widths[len(widths)-1]
	s.BBandsSqueeze = current < percentile(widths, a.config.BBSqueezePercentile)
}

// calculateVolume рассчитывает EMA объема и всплеск объема
func (a *Analyzer) calculateVolume(volumes []float64, s *models.CandleSignals) {
	ema := talib.Ema(volumes, a.config.VolumeEMAPeriod)
	s.VolumeEMA = ema[len(ema)-1]
	s.VolumeSpike = s.VolumeEMA > 0 && s.CurrentVolume > s.VolumeEMA*a.config.VolumeSpikeMultiplier
}

// calculatePressure оценивает давление покупателей/продавцов по доле свечей,
// закрывшихся в верхней/нижней трети своего диапазона
func (a *Analyzer) calculatePressure(candles []models.Candle, s *models.CandleSignals) {
	lookback := a.config.PressureLookback
	if lookback <= 0 || lookback > len(candles) {
		lookback = len(candles)
	}

	var upper, lower int
	for _, c := range candles[len(candles)-lookback:] {
		rng := c.High - c.Low
		if rng <= 0 {
			continue
		}
		pos := (c.Close - c.Low) / rng
		switch {
		case pos >= 2.0/3.0:
			upper++
		case pos <= 1.0/3.0:
			lower++
		}
	}

	s.BuyingRatio = float64(upper) / float64(lookback)
	s.SellingRatio = float64(lower) / float64(lookback)
	s.BuyingPressure = s.BuyingRatio > a.config.PressureThreshold
	s.SellingPressure = s.SellingRatio > a.config.PressureThreshold
}

// percentile возвращает p-й перцентиль (0..1) с линейной интерполяцией
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}
