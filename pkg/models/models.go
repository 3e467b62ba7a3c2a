package models

import (
	"encoding/json"
	"math"
	"time"
)

// Candle представляет свечу. Последняя свеча окна может изменяться,
// пока интервал не закрыт (Closed == false)
type Candle struct {
	OpenTime int64   `json:"openTime"` // epoch-ms
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Closed   bool    `json:"closed"`
}

// KlineEvent представляет обновление свечи из потока (k.x → Closed)
type KlineEvent struct {
	Symbol    string
	EventTime int64
	Candle    Candle
}

// OrderBookLevel представляет уровень стакана. Quantity == 0 в диффе означает удаление уровня
type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookSnapshot представляет REST-снимок стакана
type OrderBookSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []OrderBookLevel
	Asks         []OrderBookLevel
}

// DepthUpdateEvent представляет инкрементальное обновление стакана (U/u/b/a)
type DepthUpdateEvent struct {
	Symbol        string
	EventTime     int64
	FirstUpdateID int64 // U
	LastUpdateID  int64 // u
	Bids          []OrderBookLevel
	Asks          []OrderBookLevel
}

// Signal итоговый дискретный сигнал
type Signal string

const (
	SignalLong    Signal = "long"
	SignalShort   Signal = "short"
	SignalNeutral Signal = "neutral"
)

// PricePressure направление давления в стакане
type PricePressure string

const (
	PressureStrongUp   PricePressure = "strong_up"
	PressureUp         PricePressure = "up"
	PressureNeutral    PricePressure = "neutral"
	PressureDown       PricePressure = "down"
	PressureStrongDown PricePressure = "strong_down"
)

// IsUp true для up и strong_up
func (p PricePressure) IsUp() bool {
	return p == PressureUp || p == PressureStrongUp
}

// IsDown true для down и strong_down
func (p PricePressure) IsDown() bool {
	return p == PressureDown || p == PressureStrongDown
}

// CompositeSignal сводный сигнал стакана
type CompositeSignal string

const (
	CompositeStrongBuy  CompositeSignal = "strong_buy"
	CompositeBuy        CompositeSignal = "buy"
	CompositeWeakBuy    CompositeSignal = "weak_buy"
	CompositeNeutral    CompositeSignal = "neutral"
	CompositeWeakSell   CompositeSignal = "weak_sell"
	CompositeSell       CompositeSignal = "sell"
	CompositeStrongSell CompositeSignal = "strong_sell"
)

// IsBuy true для strong_buy и buy
func (c CompositeSignal) IsBuy() bool {
	return c == CompositeStrongBuy || c == CompositeBuy
}

// IsSell true для strong_sell и sell
func (c CompositeSignal) IsSell() bool {
	return c == CompositeStrongSell || c == CompositeSell
}

// CandleSignals сигналы, рассчитанные по свечам
type CandleSignals struct {
	CurrentPrice float64 `json:"currentPrice"`

	EMAFast         float64 `json:"emaFast"`
	EMAMedium       float64 `json:"emaMedium"`
	EMASlow         float64 `json:"emaSlow"`
	EMABullishCross bool    `json:"emaBullishCross"`
	EMABearishCross bool    `json:"emaBearishCross"`
	IsUptrend       bool    `json:"isUptrend"`
	IsDowntrend     bool    `json:"isDowntrend"`

	RSI          float64 `json:"rsi"`
	IsOverbought bool    `json:"isOverbought"`
	IsOversold   bool    `json:"isOversold"`

	BBUpper       float64 `json:"bbUpper"`
	BBMiddle      float64 `json:"bbMiddle"`
	BBLower       float64 `json:"bbLower"`
	NearUpperBand bool    `json:"nearUpperBand"`
	NearLowerBand bool    `json:"nearLowerBand"`
	BBandsSqueeze bool    `json:"bbandsSqueeze"`

	CurrentVolume float64 `json:"currentVolume"`
	VolumeEMA     float64 `json:"volumeEma"`
	VolumeSpike   bool    `json:"volumeSpike"`

	BuyingPressure  bool    `json:"buyingPressure"`
	SellingPressure bool    `json:"sellingPressure"`
	BuyingRatio     float64 `json:"buyingRatio"`
	SellingRatio    float64 `json:"sellingRatio"`
}

// PriceCluster кластер соседних уровней стакана
type PriceCluster struct {
	Price  float64 `json:"price"` // средневзвешенная по объему цена
	Volume float64 `json:"volume"`
	Levels int     `json:"levels"`
}

// Wall уровень с аномально большим объемом
type Wall struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// VolumeChange изменение объема между двумя снимками стакана
type VolumeChange struct {
	BidChange float64 `json:"bidChange"`
	AskChange float64 `json:"askChange"`
	NetChange float64 `json:"netChange"`
	Ratio     float64 `json:"ratio"`
	Available bool    `json:"available"`
}

// OrderBookMetrics метрики микроструктуры стакана
type OrderBookMetrics struct {
	BestBid      float64        `json:"bestBid"`
	BestAsk      float64        `json:"bestAsk"`
	MidPrice     float64        `json:"midPrice"`
	Spread       float64        `json:"spread"`
	BidVolume    float64        `json:"bidVolume"`
	AskVolume    float64        `json:"askVolume"`
	BidLevels    int            `json:"bidLevels"`
	AskLevels    int            `json:"askLevels"`
	Imbalance    Float          `json:"imbalance"`
	Support      []PriceCluster `json:"support"`
	Resistance   []PriceCluster `json:"resistance"`
	BidWalls     []Wall         `json:"bidWalls"`
	AskWalls     []Wall         `json:"askWalls"`
	Stability    float64        `json:"stability"`
	MidTrend     float64        `json:"midTrend"`
	VolumeChange VolumeChange   `json:"volumeChange"`
}

// OrderBookSignals сигналы, рассчитанные по стакану
type OrderBookSignals struct {
	Imbalance          Float           `json:"imbalance"`
	StrongBidImbalance bool            `json:"strongBidImbalance"`
	StrongAskImbalance bool            `json:"strongAskImbalance"`
	StrongSupport      bool            `json:"strongSupport"`
	StrongResistance   bool            `json:"strongResistance"`
	HasBidWall         bool            `json:"hasBidWall"`
	HasAskWall         bool            `json:"hasAskWall"`
	SufficientVolume   bool            `json:"sufficientVolume"`
	SufficientDepth    bool            `json:"sufficientDepth"`
	DeepBook           bool            `json:"deepBook"`
	Stable             bool            `json:"stable"`
	InUptrend          bool            `json:"inUptrend"`
	InDowntrend        bool            `json:"inDowntrend"`
	VolumeSpike        bool            `json:"volumeSpike"`
	PricePressure      PricePressure   `json:"pricePressure"`
	CompositeSignal    CompositeSignal `json:"compositeSignal"`
}

// OrderBookAnalysis результат анализа стакана
type OrderBookAnalysis struct {
	Metrics OrderBookMetrics `json:"metrics"`
	Signals OrderBookSignals `json:"signals"`
}

// SignalScore баллы long/short
type SignalScore struct {
	Long  float64 `json:"long"`
	Short float64 `json:"short"`
}

// Divergence расхождение между стаканом и ценой
type Divergence struct {
	Bullish bool `json:"bullishDivergence"`
	Bearish bool `json:"bearishDivergence"`
}

// SuggestedPrices рекомендованные цены входа/выхода
type SuggestedPrices struct {
	Entry        float64  `json:"entry"`
	OptimalEntry *float64 `json:"optimalEntry"`
	StopLoss     float64  `json:"stopLoss"`
	TakeProfit   float64  `json:"takeProfit"`
	ATR          float64  `json:"atr"`
	StopPercent  float64  `json:"stopPercent"`
}

// Indicators значения индикаторов для потребителей результата
type Indicators struct {
	RSI       float64 `json:"rsi"`
	EMAFast   float64 `json:"emaFast"`
	EMAMedium float64 `json:"emaMedium"`
	EMASlow   float64 `json:"emaSlow"`
	BBUpper   float64 `json:"bbUpper"`
	BBMiddle  float64 `json:"bbMiddle"`
	BBLower   float64 `json:"bbLower"`
	VolumeEMA float64 `json:"volumeEma"`
	Imbalance Float   `json:"imbalance"`
	Stability float64 `json:"stability"`
}

// Signals набор сигналов результата анализа
type Signals struct {
	Candle          *CandleSignals    `json:"candle"`
	OrderBook       *OrderBookSignals `json:"orderBook"`
	CompositeSignal Signal            `json:"compositeSignal"`
	SignalScore     SignalScore       `json:"signalScore"`
}

// AnalysisResult результат цикла анализа для одной пары.
// Форма стабильна: на нее завязаны алерты, хранилище и UI
type AnalysisResult struct {
	Symbol          string           `json:"symbol"`
	CurrentPrice    float64          `json:"currentPrice"`
	Timestamp       time.Time        `json:"timestamp"`
	Signals         Signals          `json:"signals"`
	SuggestedPrices *SuggestedPrices `json:"suggestedPrices"`
	Indicators      Indicators       `json:"indicators"`

	// Служебные поля, не входят в JSON
	Divergence Divergence `json:"-"`
	Reason     string     `json:"-"`
	Suppressed bool       `json:"-"`
}

// MaxFiniteRatio значение, которым кодируется бесконечный дисбаланс в JSON
const MaxFiniteRatio = 1e9

// Float число, которое кодируется в JSON без ошибок для ±Inf и NaN
type Float float64

// MarshalJSON реализует json.Marshaler
func (f Float) MarshalJSON() ([]byte, error) {
	return json.Marshal(Finite(float64(f)))
}

// Finite ограничивает бесконечности значением MaxFiniteRatio, NaN превращает в 0
func Finite(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case math.IsInf(v, 1):
		return MaxFiniteRatio
	case math.IsInf(v, -1):
		return -MaxFiniteRatio
	}
	return v
}
