package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/obsignal/internal/config"
	"github.com/skalibog/obsignal/pkg/models"
)

const analysisMeasurement = "analysis"

// SignalRecord запись истории результатов анализа
type SignalRecord struct {
	Symbol     string
	Timestamp  time.Time
	CycleID    string
	Signal     models.Signal
	Price      float64
	LongScore  float64
	ShortScore float64
	Composite  models.CompositeSignal
	Suppressed bool
}

// InfluxDBStorage хранит результаты анализа в InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(ctx context.Context, cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.client.Close()
}

// Save сохраняет результат анализа пары
func (s *InfluxDBStorage) Save(ctx context.Context, cycleID string, result *models.AnalysisResult) error {
	if err := s.writeAPI.WritePoint(ctx, analysisPoint(cycleID, result)); err != nil {
		return fmt.Errorf("ошибка записи результата %s: %w", result.Symbol, err)
	}
	return nil
}

// GetSignalHistory получает историю результатов пары, новые первыми
func (s *InfluxDBStorage) GetSignalHistory(ctx context.Context, symbol string, limit int) ([]SignalRecord, error) {
	// Формируем Flux-запрос
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.symbol == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> group()
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, analysisMeasurement, symbol, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории сигналов: %w", err)
	}

	var records []SignalRecord
	for result.Next() {
		values := result.Record().Values()
		records = append(records, signalRecord(symbol, result.Record().Time(), values))
	}

	// Проверяем на ошибки
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return records, nil
}

// analysisPoint строит точку для результата. Цены пишутся только
// для long/short, бесконечный дисбаланс ограничивается
func analysisPoint(cycleID string, r *models.AnalysisResult) *write.Point {
	tags := map[string]string{
		"symbol": r.Symbol,
		"signal": string(r.Signals.CompositeSignal),
	}

	fields := map[string]interface{}{
		"cycle_id":    cycleID,
		"price":       r.CurrentPrice,
		"long_score":  r.Signals.SignalScore.Long,
		"short_score": r.Signals.SignalScore.Short,
		"rsi":         r.Indicators.RSI,
		"imbalance":   models.Finite(float64(r.Indicators.Imbalance)),
		"stability":   r.Indicators.Stability,
		"suppressed":  r.Suppressed,
	}
	if r.Signals.OrderBook != nil {
		fields["composite"] = string(r.Signals.OrderBook.CompositeSignal)
		fields["pressure"] = string(r.Signals.OrderBook.PricePressure)
	}
	if p := r.SuggestedPrices; p != nil {
		fields["entry"] = p.Entry
		fields["stop_loss"] = p.StopLoss
		fields["take_profit"] = p.TakeProfit
		if p.OptimalEntry != nil {
			fields["optimal_entry"] = *p.OptimalEntry
		}
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(analysisMeasurement, tags, fields, ts)
}

func signalRecord(symbol string, ts time.Time, values map[string]interface{}) SignalRecord {
	rec := SignalRecord{Symbol: symbol, Timestamp: ts}
	rec.CycleID, _ = values["cycle_id"].(string)
	signal, _ := values["signal"].(string)
	rec.Signal = models.Signal(signal)
	rec.Price, _ = values["price"].(float64)
	rec.LongScore, _ = values["long_score"].(float64)
	rec.ShortScore, _ = values["short_score"].(float64)
	composite, _ := values["composite"].(string)
	rec.Composite = models.CompositeSignal(composite)
	rec.Suppressed, _ = values["suppressed"].(bool)
	return rec
}
