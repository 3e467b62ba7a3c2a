package decision

import (
	"sync"
	"time"
)

// DefaultCooldown окно cooldown, если для пары не задано другое
const DefaultCooldown = 120 * time.Minute

// Cooldown таблица времени последнего отправленного алерта по парам.
// Записи старше retention удаляются при обращении
type Cooldown struct {
	mu        sync.Mutex
	window    func(symbol string) time.Duration
	retention time.Duration
	last      map[string]time.Time
}

// NewCooldown создает таблицу cooldown. window возвращает окно для пары
func NewCooldown(window func(symbol string) time.Duration, retention time.Duration) *Cooldown {
	if window == nil {
		window = func(string) time.Duration { return DefaultCooldown }
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Cooldown{
		window:    window,
		retention: retention,
		last:      make(map[string]time.Time),
	}
}

// Active true, если пара в cooldown
func (c *Cooldown) Active(symbol string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked(symbol, now) > 0
}

// Remaining оставшееся время cooldown, 0 если пара свободна
func (c *Cooldown) Remaining(symbol string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked(symbol, now)
}

// Record начинает окно cooldown для пары
func (c *Cooldown) Record(symbol string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(now)
	c.last[symbol] = now
}

// TryAcquire атомарно проверяет cooldown и, если пара свободна, начинает окно.
// Во время активного окна время не обновляется
func (c *Cooldown) TryAcquire(symbol string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remainingLocked(symbol, now) > 0 {
		return false
	}
	c.last[symbol] = now
	return true
}

// Reset снимает cooldown с пары
func (c *Cooldown) Reset(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, symbol)
}

// Len количество записей в таблице
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

func (c *Cooldown) remainingLocked(symbol string, now time.Time) time.Duration {
	c.evictLocked(now)
	at, ok := c.last[symbol]
	if !ok {
		return 0
	}
	window := c.window(symbol)
	if window <= 0 {
		window = DefaultCooldown
	}
	if left := at.Add(window).Sub(now); left > 0 {
		return left
	}
	return 0
}

func (c *Cooldown) evictLocked(now time.Time) {
	for symbol, at := range c.last {
		if now.Sub(at) > c.retention {
			delete(c.last, symbol)
		}
	}
}
