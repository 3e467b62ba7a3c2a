package scoring

import (
	"github.com/skalibog/obsignal/internal/config"
	"github.com/skalibog/obsignal/pkg/logger"
	"github.com/skalibog/obsignal/pkg/models"
	"go.uber.org/zap"
)

// Scorer начисляет баллы long/short по сигналам свечей и стакана
type Scorer struct {
	config           config.ScoringConfig
	bollingerEnabled bool
}

// NewScorer создает новый Scorer
func NewScorer(cfg config.ScoringConfig, bollingerEnabled bool) *Scorer {
	return &Scorer{
		config:           cfg,
		bollingerEnabled: bollingerEnabled,
	}
}

// side сигналы, с которыми работает одна сторона расчета
type side struct {
	cross         bool
	pressure      bool
	trend         bool
	nearBand      bool
	notExhausted  bool
	bookAgainst   bool
	bookImbalance bool
	bookCluster   bool
	bookPressure  bool
	bookComposite bool
	bookTrend     bool
}

// CalculateSignalScore рассчитывает баллы. Без подтверждения объемом
// обе стороны равны нулю
func (s *Scorer) CalculateSignalScore(cs *models.CandleSignals, ob *models.OrderBookSignals, candles []models.Candle, pair string) models.SignalScore {
	if cs == nil || ob == nil {
		return models.SignalScore{}
	}

	// Тренд по порядку EMA
	isUptrend := cs.EMAFast > cs.EMAMedium && cs.EMAMedium > cs.EMASlow
	isDowntrend := cs.EMAFast < cs.EMAMedium && cs.EMAMedium < cs.EMASlow

	lastVolume := cs.CurrentVolume
	if len(candles) > 0 {
		lastVolume = candles[len(candles)-1].Volume
	}
	isHighVolume := cs.VolumeSpike || lastVolume > cs.VolumeEMA*s.config.VolumeAverageMultiplier
	if !isHighVolume {
		logger.Debug("Недостаточный объем, баллы не начисляются",
			zap.String("symbol", pair),
			zap.Float64("volume", lastVolume),
			zap.Float64("volumeEma", cs.VolumeEMA))
		return models.SignalScore{}
	}

	long := side{
		cross:         cs.EMABullishCross,
		pressure:      cs.BuyingPressure,
		trend:         isUptrend,
		nearBand:      cs.NearLowerBand,
		notExhausted:  !cs.IsOverbought,
		bookAgainst:   ob.InDowntrend,
		bookImbalance: ob.StrongBidImbalance,
		bookCluster:   ob.StrongSupport,
		bookPressure:  ob.PricePressure.IsUp(),
		bookComposite: ob.CompositeSignal.IsBuy(),
		bookTrend:     ob.InUptrend,
	}
	short := side{
		cross:         cs.EMABearishCross,
		pressure:      cs.SellingPressure,
		trend:         isDowntrend,
		nearBand:      cs.NearUpperBand,
		notExhausted:  !cs.IsOversold,
		bookAgainst:   ob.InUptrend,
		bookImbalance: ob.StrongAskImbalance,
		bookCluster:   ob.StrongResistance,
		bookPressure:  ob.PricePressure.IsDown(),
		bookComposite: ob.CompositeSignal.IsSell(),
		bookTrend:     ob.InDowntrend,
	}

	score := models.SignalScore{
		Long:  s.score(long),
		Short: s.score(short),
	}
	logger.Debug("Рассчитаны баллы сигнала",
		zap.String("symbol", pair),
		zap.Float64("long", score.Long),
		zap.Float64("short", score.Short))
	return score
}

// score баллы одной стороны. Без базового сигнала (пересечение или давление)
// сторона не набирает баллов
func (s *Scorer) score(sd side) float64 {
	hasBase := sd.cross || sd.pressure
	if !hasBase {
		return 0
	}

	w := s.config
	var total float64
	if sd.cross {
		total += w.EMACross
	}
	if sd.pressure {
		total += w.Pressure
	}
	if sd.trend {
		total += w.Trend
	}
	if s.bollingerEnabled && sd.nearBand {
		total += w.BollingerProximity
	}
	if sd.notExhausted {
		total += w.RSIFilter
	}
	// объем уже подтвержден
	total += w.VolumeBonus

	if !sd.bookAgainst {
		if sd.bookImbalance {
			total += w.BookImbalance
		}
		if sd.bookCluster {
			total += w.BookCluster
		}
		if sd.bookPressure {
			total += w.BookPressure
		}
		if sd.bookComposite {
			total += w.BookComposite
		}
	} else {
		total -= w.BookTrendPenalty
	}

	if sd.trend && sd.bookTrend {
		total += w.AlignmentBonus
	}

	return max(0, min(total, w.MaxScore))
}
