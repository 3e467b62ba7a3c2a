package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/skalibog/obsignal/internal/config"
	"github.com/skalibog/obsignal/internal/notify"
	"github.com/skalibog/obsignal/pkg/models"
)

// CycleIDHeader заголовок сообщения с идентификатором цикла анализа
const CycleIDHeader = "cycle-id"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher публикует результаты анализа в топик Kafka
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher создает publisher. Ключ сообщения - пара,
// поэтому результаты одной пары попадают в одну партицию по порядку
func NewKafkaPublisher(cfg config.PublisherConfig) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic}
}

// NewAlertPublisher создает publisher алертов в AlertTopic
func NewAlertPublisher(cfg config.PublisherConfig) *KafkaPublisher {
	cfg.Topic = cfg.AlertTopic
	return NewKafkaPublisher(cfg)
}

// Save публикует результат
func (p *KafkaPublisher) Save(ctx context.Context, cycleID string, result *models.AnalysisResult) error {
	msg, err := buildMessage(cycleID, result)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("ошибка публикации в %s: %w", p.topic, err)
	}
	return nil
}

// Notify публикует текст алерта, реализует notify.Notifier
func (p *KafkaPublisher) Notify(ctx context.Context, result *models.AnalysisResult) error {
	msg, err := buildAlertMessage(result)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("ошибка публикации алерта в %s: %w", p.topic, err)
	}
	return nil
}

// Close закрывает writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func buildMessage(cycleID string, result *models.AnalysisResult) (kafka.Message, error) {
	value, err := json.Marshal(result)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("ошибка сериализации результата %s: %w", result.Symbol, err)
	}
	return kafka.Message{
		Key:   []byte(result.Symbol),
		Value: value,
		Time:  result.Timestamp,
		Headers: []kafka.Header{
			{Key: CycleIDHeader, Value: []byte(cycleID)},
		},
	}, nil
}

type alert struct {
	Symbol    string        `json:"symbol"`
	Signal    models.Signal `json:"signal"`
	Price     float64       `json:"price"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

func buildAlertMessage(result *models.AnalysisResult) (kafka.Message, error) {
	value, err := json.Marshal(alert{
		Symbol:    result.Symbol,
		Signal:    result.Signals.CompositeSignal,
		Price:     result.CurrentPrice,
		Message:   notify.FormatAlert(result),
		Timestamp: result.Timestamp,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("ошибка сериализации алерта %s: %w", result.Symbol, err)
	}
	return kafka.Message{Key: []byte(result.Symbol), Value: value, Time: result.Timestamp}, nil
}
