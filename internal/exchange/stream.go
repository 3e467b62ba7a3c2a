package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/skalibog/obsignal/pkg/logger"
	"github.com/skalibog/obsignal/pkg/models"
	"go.uber.org/zap"
)

// StreamHandler получатель событий потоков
type StreamHandler interface {
	OnDepthUpdate(ctx context.Context, ev models.DepthUpdateEvent)
	OnKline(ev models.KlineEvent)
	// OnFeedReconnect поток стакана переподключен, часть диффов могла быть потеряна
	OnFeedReconnect(ctx context.Context, symbol string)
}

// StreamConfig настройки потоков
type StreamConfig struct {
	Interval       string
	ReconnectDelay time.Duration
}

type (
	depthServeFunc func(symbol string, handler futures.WsDepthHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error)
	klineServeFunc func(symbol, interval string, handler futures.WsKlineHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error)
)

// Streamer держит подписки на диффы стакана и свечи по всем парам
type Streamer struct {
	symbols []string
	cfg     StreamConfig
	handler StreamHandler

	serveDepth depthServeFunc
	serveKline klineServeFunc

	wg sync.WaitGroup
}

// NewStreamer создает Streamer
func NewStreamer(symbols []string, cfg StreamConfig, handler StreamHandler) *Streamer {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Streamer{
		symbols:    symbols,
		cfg:        cfg,
		handler:    handler,
		serveDepth: futures.WsDiffDepthServe,
		serveKline: futures.WsKlineServe,
	}
}

// Start подписывается на потоки всех пар и возвращается сразу.
// Потоки работают до отмены контекста
func (s *Streamer) Start(ctx context.Context) {
	for _, symbol := range s.symbols {
		s.wg.Add(2)
		go s.keepAlive(ctx, symbol, "depth", s.connectDepth)
		go s.keepAlive(ctx, symbol, "kline", s.connectKline)
	}
	logger.Info("Подписка на потоки запущена", zap.Strings("symbols", s.symbols), zap.String("interval", s.cfg.Interval))
}

// Wait ожидает завершения всех потоков
func (s *Streamer) Wait() {
	s.wg.Wait()
}

type connectFunc func(ctx context.Context, symbol string) (chan struct{}, chan struct{}, error)

// keepAlive переподключает поток после разрыва с нарастающей паузой
func (s *Streamer) keepAlive(ctx context.Context, symbol, stream string, connect connectFunc) {
	defer s.wg.Done()

	b := &backoff.Backoff{
		Min:    s.cfg.ReconnectDelay,
		Max:    10 * s.cfg.ReconnectDelay,
		Factor: 2,
	}
	connected := false

	for ctx.Err() == nil {
		doneC, stopC, err := connect(ctx, symbol)
		if err != nil {
			logger.Warn("Не удалось подключиться к потоку",
				zap.String("symbol", symbol),
				zap.String("stream", stream),
				zap.Error(err))
		} else {
			if connected && stream == "depth" {
				s.handler.OnFeedReconnect(ctx, symbol)
			}
			connected = true
			started := time.Now()

			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
				return
			case <-doneC:
			}
			if time.Since(started) > b.Max {
				b.Reset()
			}
			logger.Warn("Поток завершен, переподключение",
				zap.String("symbol", symbol),
				zap.String("stream", stream))
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Streamer) connectDepth(ctx context.Context, symbol string) (chan struct{}, chan struct{}, error) {
	return s.serveDepth(symbol, func(event *futures.WsDepthEvent) {
		ev, err := depthEvent(event)
		if err != nil {
			logger.Warn("Некорректное обновление стакана", zap.String("symbol", symbol), zap.Error(err))
			return
		}
		s.handler.OnDepthUpdate(ctx, ev)
	}, s.errHandler(symbol, "depth"))
}

func (s *Streamer) connectKline(_ context.Context, symbol string) (chan struct{}, chan struct{}, error) {
	return s.serveKline(symbol, s.cfg.Interval, func(event *futures.WsKlineEvent) {
		ev, err := klineEvent(event)
		if err != nil {
			logger.Warn("Некорректное обновление свечи", zap.String("symbol", symbol), zap.Error(err))
			return
		}
		s.handler.OnKline(ev)
	}, s.errHandler(symbol, "kline"))
}

func (s *Streamer) errHandler(symbol, stream string) futures.ErrHandler {
	return func(err error) {
		logger.Warn("Ошибка потока",
			zap.String("symbol", symbol),
			zap.String("stream", stream),
			zap.Error(err))
	}
}

func depthEvent(event *futures.WsDepthEvent) (models.DepthUpdateEvent, error) {
	bids, err := parseLevels(event.Bids)
	if err != nil {
		return models.DepthUpdateEvent{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(event.Asks)
	if err != nil {
		return models.DepthUpdateEvent{}, fmt.Errorf("asks: %w", err)
	}
	return models.DepthUpdateEvent{
		Symbol:        event.Symbol,
		EventTime:     event.Time,
		FirstUpdateID: event.FirstUpdateID,
		LastUpdateID:  event.LastUpdateID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

func klineEvent(event *futures.WsKlineEvent) (models.KlineEvent, error) {
	k := event.Kline
	candle, err := parseCandle(k.StartTime, k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return models.KlineEvent{}, err
	}
	candle.Closed = k.IsFinal
	return models.KlineEvent{
		Symbol:    event.Symbol,
		EventTime: event.Time,
		Candle:    candle,
	}, nil
}
