package exchange

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/skalibog/obsignal/internal/config"
	"github.com/skalibog/obsignal/pkg/models"
)

// BinanceClient клиент для взаимодействия с Binance Futures
type BinanceClient struct {
	futures *futures.Client
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) *BinanceClient {
	// UseTestnet глобальный для пакета futures и влияет и на REST, и на потоки
	futures.UseTestnet = cfg.Testnet

	return &BinanceClient{
		futures: futures.NewClient(cfg.APIKey, cfg.APISecret),
	}
}

// GetKlines получает исторические свечи
func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := c.futures.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей: %w", err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for i, k := range klines {
		candle, err := parseCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора свечи %s: %w", symbol, err)
		}
		// последняя свеча ответа относится к текущему, незакрытому интервалу
		candle.Closed = i < len(klines)-1
		candles = append(candles, candle)
	}

	return candles, nil
}

// GetOrderBookSnapshot получает REST-снимок стакана
func (c *BinanceClient) GetOrderBookSnapshot(ctx context.Context, symbol string, limit int) (*models.OrderBookSnapshot, error) {
	ob, err := c.futures.NewDepthService().
		Symbol(symbol).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения стакана: %w", err)
	}

	bids, err := parseLevels(ob.Bids)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора bids %s: %w", symbol, err)
	}
	asks, err := parseLevels(ob.Asks)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора asks %s: %w", symbol, err)
	}

	return &models.OrderBookSnapshot{
		Symbol:       symbol,
		LastUpdateID: ob.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func parseLevels(levels []common.PriceLevel) ([]models.OrderBookLevel, error) {
	out := make([]models.OrderBookLevel, 0, len(levels))
	for _, l := range levels {
		price, qty, err := l.Parse()
		if err != nil {
			return nil, err
		}
		out = append(out, models.OrderBookLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

func parseCandle(openTime int64, open, high, low, close, volume string) (models.Candle, error) {
	values := [5]float64{}
	for i, s := range [5]string{open, high, low, close, volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, err
		}
		values[i] = v
	}
	return models.Candle{
		OpenTime: openTime,
		Open:     values[0],
		High:     values[1],
		Low:      values[2],
		Close:    values[3],
		Volume:   values[4],
	}, nil
}
