package decision

import (
	"github.com/skalibog/obsignal/internal/config"
	"github.com/skalibog/obsignal/pkg/logger"
	"github.com/skalibog/obsignal/pkg/models"
	"go.uber.org/zap"
)

// Причины отказа от сигнала
const (
	ReasonBelowThreshold    = "below_threshold"
	ReasonBearishDivergence = "bearish_divergence"
	ReasonBullishDivergence = "bullish_divergence"
	ReasonBookDowntrend     = "book_downtrend"
	ReasonBookUptrend       = "book_uptrend"
	ReasonNoConfirmation    = "no_confirmation"
	ReasonLowVolume         = "low_volume"
	ReasonMissingSignals    = "missing_signals"
)

// Decision итог оценки пары за цикл
type Decision struct {
	Signal     models.Signal
	Divergence models.Divergence
	Reason     string // первое сработавшее правило вето, пусто для long/short
}

// input данные, по которым проверяются правила вето
type input struct {
	score float64
	cs    *models.CandleSignals
	ob    *models.OrderBookSignals
	div   models.Divergence
}

// vetoRule правило, переводящее сигнал в neutral
type vetoRule struct {
	name  string
	match func(e *Engine, in input) bool
}

// longVetoes порядок важен: причиной считается первое совпавшее правило
var longVetoes = []vetoRule{
	{ReasonBearishDivergence, func(_ *Engine, in input) bool {
		return in.div.Bearish
	}},
	{ReasonBookDowntrend, func(_ *Engine, in input) bool {
		return in.ob.InDowntrend && !in.cs.BuyingPressure && !in.cs.VolumeSpike
	}},
	{ReasonNoConfirmation, func(e *Engine, in input) bool {
		confirmed := in.cs.EMABullishCross || in.cs.BuyingPressure || in.cs.VolumeSpike
		return !confirmed && in.score < e.config.PerfectScore
	}},
	{ReasonLowVolume, func(e *Engine, in input) bool {
		return in.cs.CurrentVolume < in.cs.VolumeEMA*e.config.LowVolumeRatio && !in.cs.BuyingPressure
	}},
}

var shortVetoes = []vetoRule{
	{ReasonBullishDivergence, func(_ *Engine, in input) bool {
		return in.div.Bullish
	}},
	{ReasonBookUptrend, func(_ *Engine, in input) bool {
		return in.ob.InUptrend && !in.cs.SellingPressure && !in.cs.VolumeSpike
	}},
	{ReasonNoConfirmation, func(e *Engine, in input) bool {
		confirmed := in.cs.EMABearishCross || in.cs.SellingPressure || in.cs.VolumeSpike
		return !confirmed && in.score < e.config.PerfectScore
	}},
	{ReasonLowVolume, func(e *Engine, in input) bool {
		return in.cs.CurrentVolume < in.cs.VolumeEMA*e.config.LowVolumeRatio && !in.cs.SellingPressure
	}},
}

// Engine принимает решение long/short/neutral по баллам и сигналам
type Engine struct {
	config config.DecisionConfig
}

// NewEngine создает новый DecisionEngine
func NewEngine(cfg config.DecisionConfig) *Engine {
	return &Engine{
		config: cfg,
	}
}

// DetectDivergence ищет расхождение между стаканом и движением цены
func (e *Engine) DetectDivergence(cs *models.CandleSignals, ob *models.OrderBookSignals) models.Divergence {
	if cs == nil || ob == nil {
		return models.Divergence{}
	}

	bookBuying := ob.StrongBidImbalance || ob.CompositeSignal.IsBuy() || ob.PricePressure.IsUp()
	bookSelling := ob.StrongAskImbalance || ob.CompositeSignal.IsSell() || ob.PricePressure.IsDown()

	priceWeak := cs.IsDowntrend || cs.SellingPressure || cs.EMABearishCross || (!cs.BuyingPressure && !cs.VolumeSpike)
	priceStrong := cs.IsUptrend || cs.BuyingPressure || cs.EMABullishCross || (!cs.SellingPressure && !cs.VolumeSpike)

	return models.Divergence{
		Bearish: bookBuying && priceWeak,
		Bullish: bookSelling && priceStrong,
	}
}

// ValidateLongSignal проверяет порог и правила вето для long.
// Возвращает причину отказа или пустую строку
func (e *Engine) ValidateLongSignal(score models.SignalScore, cs *models.CandleSignals, ob *models.OrderBookSignals, div models.Divergence) string {
	return e.validate(score.Long, longVetoes, input{score: score.Long, cs: cs, ob: ob, div: div})
}

// ValidateShortSignal проверяет порог и правила вето для short
func (e *Engine) ValidateShortSignal(score models.SignalScore, cs *models.CandleSignals, ob *models.OrderBookSignals, div models.Divergence) string {
	return e.validate(score.Short, shortVetoes, input{score: score.Short, cs: cs, ob: ob, div: div})
}

func (e *Engine) validate(score float64, rules []vetoRule, in input) string {
	if in.cs == nil || in.ob == nil {
		return ReasonMissingSignals
	}
	if score < e.config.RequiredScore {
		return ReasonBelowThreshold
	}
	for _, rule := range rules {
		if rule.match(e, in) {
			return rule.name
		}
	}
	return ""
}

// DetermineCompositeSignal возвращает ровно одно решение: long проверяется
// первым, затем short, иначе neutral
func (e *Engine) DetermineCompositeSignal(symbol string, score models.SignalScore, cs *models.CandleSignals, ob *models.OrderBookSignals) Decision {
	div := e.DetectDivergence(cs, ob)

	longReason := e.ValidateLongSignal(score, cs, ob, div)
	if longReason == "" {
		return Decision{Signal: models.SignalLong, Divergence: div}
	}

	shortReason := e.ValidateShortSignal(score, cs, ob, div)
	if shortReason == "" {
		return Decision{Signal: models.SignalShort, Divergence: div}
	}

	// Причина отказа: вето приоритетнее недобора баллов
	reason := longReason
	if reason == ReasonBelowThreshold {
		reason = shortReason
	}
	if reason != ReasonBelowThreshold {
		logger.Debug("Сигнал отклонен",
			zap.String("symbol", symbol),
			zap.String("reason", reason),
			zap.Float64("long", score.Long),
			zap.Float64("short", score.Short))
	}
	return Decision{Signal: models.SignalNeutral, Divergence: div, Reason: reason}
}
