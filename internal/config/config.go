package config

import (
	"fmt"
	"os"
	"time"

	"github.com/skalibog/obsignal/pkg/logger"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance       BinanceConfig       `yaml:"binance"`
	Trading       TradingConfig       `yaml:"trading"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	OrderBookFeed OrderBookFeedConfig `yaml:"orderbook_feed"`
	Storage       StorageConfig       `yaml:"storage"`
	Publisher     PublisherConfig     `yaml:"publisher"`
	UI            UIConfig            `yaml:"ui"`
	Log           logger.Config       `yaml:"log"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// TradingConfig содержит список пар и таймфрейм
type TradingConfig struct {
	Symbols     []string `yaml:"symbols"`
	Interval    string   `yaml:"interval"`
	CandleLimit int      `yaml:"candle_limit"`
}

// AnalysisConfig содержит настройки цикла анализа и его модулей
type AnalysisConfig struct {
	Interval          time.Duration         `yaml:"interval"`
	ReconnectInterval time.Duration         `yaml:"reconnect_interval"`
	WorkerLimit       int                   `yaml:"worker_limit"`
	Technical         TechnicalConfig       `yaml:"technical"`
	OrderBook         OrderBookConfig       `yaml:"orderbook"`
	Scoring           ScoringConfig         `yaml:"scoring"`
	Decision          DecisionConfig        `yaml:"decision"`
	Pricing           PricingConfig         `yaml:"pricing"`
	PairDefaults      PairConfig            `yaml:"pair_defaults"`
	Pairs             map[string]PairConfig `yaml:"pairs"`
}

// TechnicalConfig настройки технического анализа
type TechnicalConfig struct {
	MinCandles            int     `yaml:"min_candles"`
	EMAFast               int     `yaml:"ema_fast"`
	EMAMedium             int     `yaml:"ema_medium"`
	EMASlow               int     `yaml:"ema_slow"`
	RSIPeriod             int     `yaml:"rsi_period"`
	RSIOverbought         float64 `yaml:"rsi_overbought"`
	RSIOversold           float64 `yaml:"rsi_oversold"`
	BollingerEnabled      bool    `yaml:"bollinger_enabled"`
	BBPeriod              int     `yaml:"bb_period"`
	BBStdDev              float64 `yaml:"bb_std_dev"`
	BBTolerance           float64 `yaml:"bb_tolerance"`
	BBSqueezeLookback     int     `yaml:"bb_squeeze_lookback"`
	BBSqueezePercentile   float64 `yaml:"bb_squeeze_percentile"`
	VolumeEMAPeriod       int     `yaml:"volume_ema_period"`
	VolumeSpikeMultiplier float64 `yaml:"volume_spike_multiplier"`
	PressureLookback      int     `yaml:"pressure_lookback"`
	PressureThreshold     float64 `yaml:"pressure_threshold"`
}

// OrderBookConfig настройки анализа стакана
type OrderBookConfig struct {
	StabilityWindow     int     `yaml:"stability_window"`
	StabilityThreshold  float64 `yaml:"stability_threshold"`
	StabilityJump       float64 `yaml:"stability_jump"`
	StabilityDefault    float64 `yaml:"stability_default"`
	ImbalanceThreshold  float64 `yaml:"imbalance_threshold"`
	ClusterTolerance    float64 `yaml:"cluster_tolerance"`
	ClusterVolumeShare  float64 `yaml:"cluster_volume_share"`
	WallMultiplier      float64 `yaml:"wall_multiplier"`
	WallSkew            float64 `yaml:"wall_skew"`
	PriceMatchTolerance float64 `yaml:"price_match_tolerance"`
	VolumeSpikeRatio    float64 `yaml:"volume_spike_ratio"`
	TrendThreshold      float64 `yaml:"trend_threshold"`
	StrongDepthLevels   int     `yaml:"strong_depth_levels"`
}

// ScoringConfig веса правил SignalScorer
type ScoringConfig struct {
	VolumeAverageMultiplier float64 `yaml:"volume_average_multiplier"`
	EMACross                float64 `yaml:"ema_cross"`
	Pressure                float64 `yaml:"pressure"`
	Trend                   float64 `yaml:"trend"`
	BollingerProximity      float64 `yaml:"bollinger_proximity"`
	RSIFilter               float64 `yaml:"rsi_filter"`
	VolumeBonus             float64 `yaml:"volume_bonus"`
	BookImbalance           float64 `yaml:"book_imbalance"`
	BookCluster             float64 `yaml:"book_cluster"`
	BookPressure            float64 `yaml:"book_pressure"`
	BookComposite           float64 `yaml:"book_composite"`
	BookTrendPenalty        float64 `yaml:"book_trend_penalty"`
	AlignmentBonus          float64 `yaml:"alignment_bonus"`
	MaxScore                float64 `yaml:"max_score"`
}

// DecisionConfig пороги DecisionEngine
type DecisionConfig struct {
	RequiredScore     float64       `yaml:"required_score"`
	PerfectScore      float64       `yaml:"perfect_score"`
	LowVolumeRatio    float64       `yaml:"low_volume_ratio"`
	CooldownRetention time.Duration `yaml:"cooldown_retention"`
}

// PricingConfig настройки PriceSuggestionEngine
type PricingConfig struct {
	ATRPeriod               int     `yaml:"atr_period"`
	ATRMultiplier           float64 `yaml:"atr_multiplier"`
	BaseStopPercent         float64 `yaml:"base_stop_percent"`
	MinStopPercent          float64 `yaml:"min_stop_percent"`
	MaxStopPercent          float64 `yaml:"max_stop_percent"`
	ATRStopFactor           float64 `yaml:"atr_stop_factor"`
	RiskRewardRatio         float64 `yaml:"risk_reward_ratio"`
	LongEntryDiscount       float64 `yaml:"long_entry_discount"`
	ShortEntryPremium       float64 `yaml:"short_entry_premium"`
	BandStopBuffer          float64 `yaml:"band_stop_buffer"`
	OptimalLookback         int     `yaml:"optimal_lookback"`
	OrderBookTopLevels      int     `yaml:"orderbook_top_levels"`
	SupportResistanceWeight float64 `yaml:"support_resistance_weight"`
	VolumeWeight            float64 `yaml:"volume_weight"`
	OrderBookWeight         float64 `yaml:"orderbook_weight"`
	MinDiscount             float64 `yaml:"min_discount"`
	MaxDiscount             float64 `yaml:"max_discount"`
}

// PairConfig настройки, специфичные для пары
type PairConfig struct {
	MinVolume            float64 `yaml:"min_volume"`
	MinDepthLevels       int     `yaml:"min_depth_levels"`
	MinWallVolume        float64 `yaml:"min_wall_volume"`
	VolatilityMultiplier float64 `yaml:"volatility_multiplier"`
	CooldownMinutes      int     `yaml:"cooldown_minutes"`
}

// OrderBookFeedConfig настройки восстановления стакана
type OrderBookFeedConfig struct {
	MaxLevels     int           `yaml:"max_levels"`
	PriceBand     float64       `yaml:"price_band"`
	GapThreshold  int64         `yaml:"gap_threshold"`
	BufferSize    int           `yaml:"buffer_size"`
	SnapshotDepth int           `yaml:"snapshot_depth"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	ResyncDelay   time.Duration `yaml:"resync_delay"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// PublisherConfig настройки публикации результатов в Kafka
type PublisherConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	AlertTopic string   `yaml:"alert_topic"` // пусто - алерты в Kafka не публикуются
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	Enabled     bool `yaml:"enabled"`
	RefreshRate int  `yaml:"refresh_rate_ms"`
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() Config {
	return Config{
		Trading: TradingConfig{
			Interval:    "15m",
			CandleLimit: 200,
		},
		Analysis: AnalysisConfig{
			Interval:          time.Minute,
			ReconnectInterval: 30 * time.Second,
			WorkerLimit:       8,
			Technical: TechnicalConfig{
				MinCandles:            50,
				EMAFast:               9,
				EMAMedium:             21,
				EMASlow:               50,
				RSIPeriod:             14,
				RSIOverbought:         70,
				RSIOversold:           30,
				BollingerEnabled:      true,
				BBPeriod:              20,
				BBStdDev:              2,
				BBTolerance:           0.002,
				BBSqueezeLookback:     50,
				BBSqueezePercentile:   0.2,
				VolumeEMAPeriod:       20,
				VolumeSpikeMultiplier: 2.0,
				PressureLookback:      5,
				PressureThreshold:     0.6,
			},
			OrderBook: OrderBookConfig{
				StabilityWindow:     3,
				StabilityThreshold:  0.7,
				StabilityJump:       0.01,
				StabilityDefault:    0.75,
				ImbalanceThreshold:  1.5,
				ClusterTolerance:    0.001,
				ClusterVolumeShare:  0.05,
				WallMultiplier:      5,
				WallSkew:            2,
				PriceMatchTolerance: 1e-6,
				VolumeSpikeRatio:    0.2,
				TrendThreshold:      0.001,
				StrongDepthLevels:   50,
			},
			Scoring: ScoringConfig{
				VolumeAverageMultiplier: 1.2,
				EMACross:                2,
				Pressure:                2,
				Trend:                   1,
				BollingerProximity:      1,
				RSIFilter:               1,
				VolumeBonus:             2,
				BookImbalance:           1,
				BookCluster:             1,
				BookPressure:            1,
				BookComposite:           1,
				BookTrendPenalty:        3,
				AlignmentBonus:          2,
				MaxScore:                10,
			},
			Decision: DecisionConfig{
				RequiredScore:     9,
				PerfectScore:      10,
				LowVolumeRatio:    0.5,
				CooldownRetention: 24 * time.Hour,
			},
			Pricing: PricingConfig{
				ATRPeriod:               14,
				ATRMultiplier:           1.5,
				BaseStopPercent:         0.02,
				MinStopPercent:          0.015,
				MaxStopPercent:          0.05,
				ATRStopFactor:           10,
				RiskRewardRatio:         2,
				LongEntryDiscount:       0.001,
				ShortEntryPremium:       0.001,
				BandStopBuffer:          0.002,
				OptimalLookback:         20,
				OrderBookTopLevels:      10,
				SupportResistanceWeight: 0.4,
				VolumeWeight:            0.3,
				OrderBookWeight:         0.3,
				MinDiscount:             0.002,
				MaxDiscount:             0.03,
			},
			PairDefaults: PairConfig{
				MinVolume:            0,
				MinDepthLevels:       10,
				MinWallVolume:        0,
				VolatilityMultiplier: 1,
				CooldownMinutes:      120,
			},
		},
		OrderBookFeed: OrderBookFeedConfig{
			MaxLevels:     500,
			PriceBand:     0.10,
			GapThreshold:  100,
			BufferSize:    1000,
			SnapshotDepth: 1000,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			ResyncDelay:   10 * time.Second,
		},
		UI: UIConfig{
			RefreshRate: 1000,
		},
		Log: logger.Config{
			Level:    "info",
			File:     "app.log",
			JSONFile: "app.json.log",
		},
	}
}

// Pair возвращает настройки пары с учетом значений по умолчанию
func (c AnalysisConfig) Pair(symbol string) PairConfig {
	p, ok := c.Pairs[symbol]
	if !ok {
		return c.PairDefaults
	}
	d := c.PairDefaults
	if p.MinVolume == 0 {
		p.MinVolume = d.MinVolume
	}
	if p.MinDepthLevels == 0 {
		p.MinDepthLevels = d.MinDepthLevels
	}
	if p.MinWallVolume == 0 {
		p.MinWallVolume = d.MinWallVolume
	}
	if p.VolatilityMultiplier == 0 {
		p.VolatilityMultiplier = d.VolatilityMultiplier
	}
	if p.CooldownMinutes == 0 {
		p.CooldownMinutes = d.CooldownMinutes
	}
	return p
}

// Cooldown возвращает окно cooldown для пары
func (c AnalysisConfig) Cooldown(symbol string) time.Duration {
	minutes := c.Pair(symbol).CooldownMinutes
	if minutes <= 0 {
		minutes = 120
	}
	return time.Duration(minutes) * time.Minute
}

// Validate проверяет конфигурацию и возвращает все найденные ошибки
func (c *Config) Validate() error {
	var err error
	if len(c.Trading.Symbols) == 0 {
		err = multierr.Append(err, fmt.Errorf("trading.symbols: список пар пуст"))
	}
	if c.Trading.Interval == "" {
		err = multierr.Append(err, fmt.Errorf("trading.interval: не задан"))
	}
	t := c.Analysis.Technical
	if !(t.EMAFast < t.EMAMedium && t.EMAMedium < t.EMASlow) {
		err = multierr.Append(err, fmt.Errorf("analysis.technical: требуется ema_fast < ema_medium < ema_slow"))
	}
	if need := max(t.EMASlow, t.RSIPeriod+1, t.BBPeriod, t.VolumeEMAPeriod); t.MinCandles < need {
		err = multierr.Append(err, fmt.Errorf("analysis.technical.min_candles: %d меньше самого длинного периода %d", t.MinCandles, need))
	}
	if c.Trading.CandleLimit < t.MinCandles {
		err = multierr.Append(err, fmt.Errorf("trading.candle_limit: %d меньше min_candles %d", c.Trading.CandleLimit, t.MinCandles))
	}
	if c.Analysis.Interval <= 0 {
		err = multierr.Append(err, fmt.Errorf("analysis.interval: должен быть положительным"))
	}
	if c.Analysis.OrderBook.ImbalanceThreshold <= 1 {
		err = multierr.Append(err, fmt.Errorf("analysis.orderbook.imbalance_threshold: должен быть больше 1"))
	}
	if c.OrderBookFeed.MaxLevels <= 0 {
		err = multierr.Append(err, fmt.Errorf("orderbook_feed.max_levels: должен быть положительным"))
	}
	if c.OrderBookFeed.PriceBand <= 0 || c.OrderBookFeed.PriceBand >= 1 {
		err = multierr.Append(err, fmt.Errorf("orderbook_feed.price_band: ожидается значение в (0, 1)"))
	}
	if c.OrderBookFeed.RetryAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("orderbook_feed.retry_attempts: должен быть положительным"))
	}
	if c.Storage.Enabled && (c.Storage.URL == "" || c.Storage.Bucket == "") {
		err = multierr.Append(err, fmt.Errorf("storage: url и bucket обязательны"))
	}
	if c.Publisher.Enabled && (len(c.Publisher.Brokers) == 0 || c.Publisher.Topic == "") {
		err = multierr.Append(err, fmt.Errorf("publisher: brokers и topic обязательны"))
	}
	return err
}

// Load загружает конфигурацию из файла поверх значений по умолчанию
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}

	return &config, nil
}
