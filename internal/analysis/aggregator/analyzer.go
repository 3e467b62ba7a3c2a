package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/obsignal/internal/analysis/decision"
	"github.com/skalibog/obsignal/internal/analysis/orderbook"
	"github.com/skalibog/obsignal/internal/analysis/pricing"
	"github.com/skalibog/obsignal/internal/analysis/scoring"
	"github.com/skalibog/obsignal/internal/analysis/technical"
	"github.com/skalibog/obsignal/internal/candles"
	"github.com/skalibog/obsignal/internal/config"
	"github.com/skalibog/obsignal/internal/notify"
	obook "github.com/skalibog/obsignal/internal/orderbook"
	"github.com/skalibog/obsignal/pkg/logger"
	"github.com/skalibog/obsignal/pkg/models"
	"github.com/skalibog/obsignal/pkg/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning цикл анализа уже запущен
var ErrAlreadyRunning = errors.New("цикл анализа уже запущен")

// KlineFetcher источник исторических свечей
type KlineFetcher interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// Sink получатель всех результатов цикла (хранилище, брокер)
type Sink interface {
	Save(ctx context.Context, cycleID string, result *models.AnalysisResult) error
}

// Options зависимости анализатора
type Options struct {
	Klines   KlineFetcher
	Candles  *candles.Store
	Books    *obook.Store
	Syncer   *obook.Syncer
	Sinks    []Sink
	Notifier notify.Notifier
	Retry    retry.Policy
}

// session состояние пары между циклами
type session struct {
	mu       sync.Mutex
	history  *orderbook.History
	previous *obook.Book
}

// Analyzer объединяет все аналитические компоненты и ведет цикл анализа
type Analyzer struct {
	config  config.AnalysisConfig
	trading config.TradingConfig
	symbols []string

	klines  KlineFetcher
	candles *candles.Store
	books   *obook.Store
	syncer  *obook.Syncer
	retry   retry.Policy

	technicalAnal *technical.Analyzer
	orderbookAnal *orderbook.Analyzer
	scorer        *scoring.Scorer
	engine        *decision.Engine
	pricing       *pricing.Calculator
	cooldown      *decision.Cooldown

	sinks    []Sink
	notifier notify.Notifier

	mu       sync.RWMutex
	sessions map[string]*session
	latest   map[string]*models.AnalysisResult

	running atomic.Bool
	wake    chan struct{}
	now     func() time.Time
}

// NewAnalyzer создает новый анализатор
func NewAnalyzer(cfg config.AnalysisConfig, trading config.TradingConfig, opts Options) *Analyzer {
	if opts.Candles == nil {
		opts.Candles = candles.NewStore(trading.CandleLimit)
	}
	if opts.Books == nil {
		opts.Books = obook.NewStore(obook.DefaultConfig)
	}

	return &Analyzer{
		config:        cfg,
		trading:       trading,
		symbols:       trading.Symbols,
		klines:        opts.Klines,
		candles:       opts.Candles,
		books:         opts.Books,
		syncer:        opts.Syncer,
		retry:         opts.Retry,
		technicalAnal: technical.NewAnalyzer(cfg.Technical),
		orderbookAnal: orderbook.NewAnalyzer(cfg.OrderBook),
		scorer:        scoring.NewScorer(cfg.Scoring, cfg.Technical.BollingerEnabled),
		engine:        decision.NewEngine(cfg.Decision),
		pricing:       pricing.NewCalculator(cfg.Pricing),
		cooldown:      decision.NewCooldown(cfg.Cooldown, cfg.Decision.CooldownRetention),
		sinks:         opts.Sinks,
		notifier:      opts.Notifier,
		sessions:      make(map[string]*session),
		latest:        make(map[string]*models.AnalysisResult),
		wake:          make(chan struct{}, 1),
		now:           time.Now,
	}
}

// Symbols отслеживаемые пары
func (a *Analyzer) Symbols() []string {
	return a.symbols
}

// Init загружает историю свечей и снимки стаканов для всех пар.
// Ошибки отдельных пар не прерывают запуск: такие пары догружаются позже
func (a *Analyzer) Init(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(a.workerLimit())

	for _, symbol := range a.symbols {
		symbol := symbol
		g.Go(func() error {
			if err := a.seedCandles(ctx, symbol); err != nil {
				logger.Warn("Не удалось загрузить свечи", zap.String("symbol", symbol), zap.Error(err))
			}
			if a.syncer == nil {
				return nil
			}
			if err := a.syncer.Sync(ctx, symbol); err != nil {
				logger.Warn("Не удалось загрузить снимок стакана, повтор позже", zap.String("symbol", symbol), zap.Error(err))
				a.syncer.Resync(ctx, symbol)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// GenerateSignals анализирует все пары параллельно и публикует результаты.
// Пары без данных или с ошибкой в результат не попадают
func (a *Analyzer) GenerateSignals(ctx context.Context) (map[string]*models.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cycleID := uuid.NewString()
	results := make(map[string]*models.AnalysisResult, len(a.symbols))
	var mutex sync.Mutex

	var g errgroup.Group
	g.SetLimit(a.workerLimit())

	for _, symbol := range a.symbols {
		symbol := symbol
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Паника при анализе пары",
						zap.String("symbol", symbol),
						zap.String("cycle_id", cycleID),
						zap.Any("panic", r))
				}
			}()

			result, err := a.AnalyzePair(ctx, symbol)
			if err != nil {
				// Логируем ошибку, но продолжаем для других символов
				logger.Warn("Ошибка анализа пары",
					zap.String("symbol", symbol),
					zap.String("cycle_id", cycleID),
					zap.Error(err))
				return nil
			}
			if result == nil {
				return nil
			}

			mutex.Lock()
			results[symbol] = result
			mutex.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, result := range results {
		a.publish(ctx, cycleID, result)
	}

	a.mu.Lock()
	for symbol, result := range results {
		a.latest[symbol] = result
	}
	a.mu.Unlock()

	logger.Info("Цикл анализа завершен",
		zap.String("cycle_id", cycleID),
		zap.Int("pairs", len(a.symbols)),
		zap.Int("results", len(results)))
	return results, nil
}

// AnalyzePair выполняет конвейер анализа для одной пары.
// Недостаточно данных: nil, nil
func (a *Analyzer) AnalyzePair(ctx context.Context, symbol string) (*models.AnalysisResult, error) {
	window, err := a.loadCandles(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(window) < a.technicalAnal.MinCandles() {
		logger.Info("Недостаточно свечей, пара пропущена",
			zap.String("symbol", symbol),
			zap.Int("candles", len(window)),
			zap.Int("required", a.technicalAnal.MinCandles()))
		return nil, nil
	}

	book, err := a.books.Book(symbol)
	if err != nil {
		logger.Info("Стакан недоступен, пара пропущена", zap.String("symbol", symbol), zap.Error(err))
		if a.syncer != nil && !errors.Is(err, obook.ErrSnapshotPending) {
			a.syncer.Resync(ctx, symbol)
		}
		return nil, nil
	}

	candleSignals, err := a.technicalAnal.GetAllSignals(window)
	if errors.Is(err, technical.ErrInsufficientData) {
		logger.Info("Недостаточно данных для индикаторов", zap.String("symbol", symbol), zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка технического анализа: %w", err)
	}

	pair := a.config.Pair(symbol)
	sess := a.session(symbol)

	sess.mu.Lock()
	obAnalysis, err := a.orderbookAnal.Analyze(book, sess.previous, window, pair, sess.history)
	sess.previous = book
	sess.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ошибка анализа стакана: %w", err)
	}
	obSignals := &obAnalysis.Signals

	score := a.scorer.CalculateSignalScore(candleSignals, obSignals, window, symbol)
	dec := a.engine.DetermineCompositeSignal(symbol, score, candleSignals, obSignals)

	prices, err := a.pricing.CalculateSuggestedPrices(book, window, dec.Signal, candleSignals, pair)
	if err != nil {
		logger.Warn("Не удалось рассчитать цены", zap.String("symbol", symbol), zap.Error(err))
	}

	result := &models.AnalysisResult{
		Symbol:       symbol,
		CurrentPrice: candleSignals.CurrentPrice,
		Timestamp:    a.now(),
		Signals: models.Signals{
			Candle:          candleSignals,
			OrderBook:       obSignals,
			CompositeSignal: dec.Signal,
			SignalScore:     score,
		},
		SuggestedPrices: prices,
		Indicators: models.Indicators{
			RSI:       candleSignals.RSI,
			EMAFast:   candleSignals.EMAFast,
			EMAMedium: candleSignals.EMAMedium,
			EMASlow:   candleSignals.EMASlow,
			BBUpper:   candleSignals.BBUpper,
			BBMiddle:  candleSignals.BBMiddle,
			BBLower:   candleSignals.BBLower,
			VolumeEMA: candleSignals.VolumeEMA,
			Imbalance: obAnalysis.Metrics.Imbalance,
			Stability: obAnalysis.Metrics.Stability,
		},
		Divergence: dec.Divergence,
		Reason:     dec.Reason,
	}

	logger.Debug("AGGREGATOR: Анализ пары завершен",
		zap.String("symbol", symbol),
		zap.String("signal", string(dec.Signal)),
		zap.Float64("long", score.Long),
		zap.Float64("short", score.Short),
		zap.String("reason", dec.Reason))
	return result, nil
}

// publish отправляет результат в sinks и, для long/short вне cooldown, алерт.
// Подавленный алерт не продлевает cooldown
func (a *Analyzer) publish(ctx context.Context, cycleID string, result *models.AnalysisResult) {
	if result.Signals.CompositeSignal != models.SignalNeutral {
		if !a.cooldown.TryAcquire(result.Symbol, a.now()) {
			result.Suppressed = true
			logger.Info("Алерт подавлен: пара в cooldown",
				zap.String("symbol", result.Symbol),
				zap.String("signal", string(result.Signals.CompositeSignal)),
				zap.Duration("remaining", a.cooldown.Remaining(result.Symbol, a.now())))
		}
	}

	for _, sink := range a.sinks {
		if err := sink.Save(ctx, cycleID, result); err != nil {
			logger.Warn("Не удалось сохранить результат",
				zap.String("symbol", result.Symbol),
				zap.String("cycle_id", cycleID),
				zap.Error(err))
		}
	}

	if result.Signals.CompositeSignal == models.SignalNeutral || result.Suppressed || a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, result); err != nil {
		logger.Error("Не удалось отправить алерт", zap.String("symbol", result.Symbol), zap.Error(err))
	}
}

// Run запускает цикл анализа до Stop или отмены контекста.
// Флаг работы проверяется только между циклами
func (a *Analyzer) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	logger.Info("Цикл анализа запущен",
		zap.Strings("symbols", a.symbols),
		zap.Duration("interval", a.config.Interval))

	for a.running.Load() {
		start := a.now()
		wait := a.config.Interval

		if err := a.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Ошибка цикла анализа, повтор после паузы",
				zap.Error(err),
				zap.Duration("reconnect_interval", a.config.ReconnectInterval))
			wait = a.config.ReconnectInterval
		} else {
			wait -= a.now().Sub(start)
		}

		if !a.running.Load() {
			break
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-a.wake:
			timer.Stop()
		case <-timer.C:
		}
	}

	logger.Info("Цикл анализа остановлен")
	return nil
}

// runCycle один цикл; паника уровня цикла превращается в ошибку
func (a *Analyzer) runCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в цикле анализа: %v", r)
		}
	}()
	_, err = a.GenerateSignals(ctx)
	return err
}

// Stop сбрасывает флаг работы; текущий цикл завершается полностью
func (a *Analyzer) Stop() {
	a.running.Store(false)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Running true, пока цикл анализа работает
func (a *Analyzer) Running() bool {
	return a.running.Load()
}

// IsCoolingDown true, если алерты пары подавляются
func (a *Analyzer) IsCoolingDown(symbol string) bool {
	return a.cooldown.Active(symbol, a.now())
}

// CooldownRemaining оставшееся время cooldown пары
func (a *Analyzer) CooldownRemaining(symbol string) time.Duration {
	return a.cooldown.Remaining(symbol, a.now())
}

// ResetCooldown принудительно снимает cooldown пары
func (a *Analyzer) ResetCooldown(symbol string) {
	a.cooldown.Reset(symbol)
	logger.Info("Cooldown сброшен", zap.String("symbol", symbol))
}

// Latest последние результаты по парам
func (a *Analyzer) Latest() map[string]*models.AnalysisResult {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]*models.AnalysisResult, len(a.latest))
	for symbol, result := range a.latest {
		out[symbol] = result
	}
	return out
}

// OnDepthUpdate применяет дифф стакана из потока. При разрыве
// последовательности запускается ресинхронизация
func (a *Analyzer) OnDepthUpdate(ctx context.Context, ev models.DepthUpdateEvent) {
	_, err := a.books.ApplyDiff(ev.Symbol, ev)
	switch {
	case err == nil, errors.Is(err, obook.ErrSnapshotPending):
	case errors.Is(err, obook.ErrGap):
		logger.Warn("Разрыв последовательности стакана, ресинхронизация",
			zap.String("symbol", ev.Symbol),
			zap.Int64("U", ev.FirstUpdateID),
			zap.Int64("u", ev.LastUpdateID))
		if a.syncer != nil {
			a.syncer.Resync(ctx, ev.Symbol)
		}
	default:
		logger.Warn("Ошибка применения обновления стакана", zap.String("symbol", ev.Symbol), zap.Error(err))
	}
}

// OnKline применяет обновление свечи из потока
func (a *Analyzer) OnKline(ev models.KlineEvent) {
	a.candles.Update(ev.Symbol, ev.Candle)
}

// OnFeedReconnect загружает новый снимок после переподключения потока стакана
func (a *Analyzer) OnFeedReconnect(ctx context.Context, symbol string) {
	if a.syncer == nil {
		return
	}
	logger.Info("Поток стакана переподключен, ресинхронизация", zap.String("symbol", symbol))
	a.syncer.Resync(ctx, symbol)
}

func (a *Analyzer) session(symbol string) *session {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[symbol]
	if !ok {
		s = &session{history: a.orderbookAnal.NewHistory()}
		a.sessions[symbol] = s
	}
	return s
}

// loadCandles возвращает окно свечей, догружая историю, если окно короткое
func (a *Analyzer) loadCandles(ctx context.Context, symbol string) ([]models.Candle, error) {
	window := a.candles.Candles(symbol)
	if len(window) >= a.technicalAnal.MinCandles() || a.klines == nil {
		return window, nil
	}
	if err := a.seedCandles(ctx, symbol); err != nil {
		return nil, err
	}
	return a.candles.Candles(symbol), nil
}

func (a *Analyzer) seedCandles(ctx context.Context, symbol string) error {
	if a.klines == nil {
		return nil
	}

	var fetched []models.Candle
	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		var err error
		fetched, err = a.klines.GetKlines(ctx, symbol, a.trading.Interval, a.trading.CandleLimit)
		return err
	})
	if err != nil {
		return fmt.Errorf("ошибка загрузки свечей: %w", err)
	}

	a.candles.Seed(symbol, fetched)
	logger.Debug("Загружена история свечей", zap.String("symbol", symbol), zap.Int("candles", len(fetched)))
	return nil
}

func (a *Analyzer) workerLimit() int {
	if a.config.WorkerLimit > 0 {
		return a.config.WorkerLimit
	}
	return len(a.symbols) + 1
}
