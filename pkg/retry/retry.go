package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// Policy описывает ограниченный повтор с фиксированной задержкой
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Do выполняет fn до Attempts раз с паузой Delay между попытками.
// Возвращает последнюю ошибку, если все попытки исчерпаны
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    p.Delay,
		Max:    p.Delay,
		Factor: 1,
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("попытки исчерпаны (%d): %w", attempts, err)
}
