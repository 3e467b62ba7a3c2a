package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/skalibog/obsignal/pkg/logger"
	"github.com/skalibog/obsignal/pkg/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Notifier отправляет алерт по результату анализа
type Notifier interface {
	Notify(ctx context.Context, result *models.AnalysisResult) error
}

// LogNotifier пишет алерты в лог
type LogNotifier struct{}

// NewLogNotifier создает LogNotifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Notify реализует Notifier
func (n *LogNotifier) Notify(_ context.Context, result *models.AnalysisResult) error {
	logger.Info("Сигнал",
		zap.String("symbol", result.Symbol),
		zap.String("signal", string(result.Signals.CompositeSignal)),
		zap.Float64("price", result.CurrentPrice),
		zap.String("message", FormatAlert(result)))
	return nil
}

// Multi рассылает алерт всем получателям и собирает ошибки
type Multi []Notifier

// Notify реализует Notifier
func (m Multi) Notify(ctx context.Context, result *models.AnalysisResult) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Notify(ctx, result))
	}
	return err
}

// FormatAlert текст алерта
func FormatAlert(r *models.AnalysisResult) string {
	var b strings.Builder

	direction := "ЛОНГ"
	if r.Signals.CompositeSignal == models.SignalShort {
		direction = "ШОРТ"
	}
	fmt.Fprintf(&b, "%s %s по %g", direction, r.Symbol, r.CurrentPrice)
	fmt.Fprintf(&b, " | баллы long %.0f / short %.0f", r.Signals.SignalScore.Long, r.Signals.SignalScore.Short)

	if p := r.SuggestedPrices; p != nil {
		fmt.Fprintf(&b, " | вход %g, стоп %g, тейк %g", p.Entry, p.StopLoss, p.TakeProfit)
		if p.OptimalEntry != nil {
			fmt.Fprintf(&b, ", оптимальный вход %g", *p.OptimalEntry)
		}
	}
	fmt.Fprintf(&b, " | RSI %.1f", r.Indicators.RSI)
	return b.String()
}
