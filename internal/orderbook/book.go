package orderbook

import (
	"sort"
	"time"

	"github.com/skalibog/obsignal/pkg/models"
)

// Limits ограничения размера стакана
type Limits struct {
	MaxLevels int     // максимум уровней на сторону
	PriceBand float64 // допустимое отклонение от mid-цены, доля
}

// DefaultLimits 500 уровней и ±10% от mid
var DefaultLimits = Limits{MaxLevels: 500, PriceBand: 0.10}

// Book неизменяемый снимок стакана. Любая мутация возвращает новый Book,
// поэтому ранее полученная ссылка остается валидной
type Book struct {
	Symbol       string
	Bids         []models.OrderBookLevel // по убыванию цены
	Asks         []models.OrderBookLevel // по возрастанию цены
	LastUpdateID int64
	Timestamp    time.Time
}

// FromSnapshot строит стакан из REST-снимка
func FromSnapshot(symbol string, snap models.OrderBookSnapshot, limits Limits, now time.Time) *Book {
	b := &Book{
		Symbol:       symbol,
		Bids:         mergeLevels(nil, snap.Bids, true),
		Asks:         mergeLevels(nil, snap.Asks, false),
		LastUpdateID: snap.LastUpdateID,
		Timestamp:    now,
	}
	b.prune(limits)
	return b
}

// FromEvent синтезирует стакан напрямую из события (холодный старт)
func FromEvent(symbol string, ev models.DepthUpdateEvent, limits Limits, now time.Time) *Book {
	b := &Book{
		Symbol:       symbol,
		Bids:         mergeLevels(nil, ev.Bids, true),
		Asks:         mergeLevels(nil, ev.Asks, false),
		LastUpdateID: ev.LastUpdateID,
		Timestamp:    now,
	}
	b.prune(limits)
	return b
}

// WithDiff применяет дифф и возвращает новый стакан. Проверки
// последовательности выполняет Store
func (b *Book) WithDiff(ev models.DepthUpdateEvent, limits Limits, now time.Time) *Book {
	nb := &Book{
		Symbol:       b.Symbol,
		Bids:         mergeLevels(b.Bids, ev.Bids, true),
		Asks:         mergeLevels(b.Asks, ev.Asks, false),
		LastUpdateID: ev.LastUpdateID,
		Timestamp:    now,
	}
	nb.prune(limits)
	return nb
}

// Clone возвращает независимую копию
func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	c := *b
	c.Bids = append([]models.OrderBookLevel(nil), b.Bids...)
	c.Asks = append([]models.OrderBookLevel(nil), b.Asks...)
	return &c
}

// Empty true, если обе стороны пусты
func (b *Book) Empty() bool {
	return b == nil || (len(b.Bids) == 0 && len(b.Asks) == 0)
}

// BestBid лучшая цена покупки, 0 если бидов нет
func (b *Book) BestBid() float64 {
	if b == nil || len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk лучшая цена продажи, 0 если асков нет
func (b *Book) BestAsk() float64 {
	if b == nil || len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// MidPrice средняя цена между лучшим бидом и аском.
// Если одна сторона пуста, используется лучшая цена другой
func (b *Book) MidPrice() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}

// mergeLevels удаляет существующие уровни по цене обновления и вставляет
// заново при quantity > 0. Возвращает новый отсортированный срез
func mergeLevels(current, updates []models.OrderBookLevel, desc bool) []models.OrderBookLevel {
	levels := make(map[float64]float64, len(current)+len(updates))
	for _, l := range current {
		levels[l.Price] = l.Quantity
	}
	for _, u := range updates {
		delete(levels, u.Price)
		if u.Quantity > 0 {
			levels[u.Price] = u.Quantity
		}
	}

	out := make([]models.OrderBookLevel, 0, len(levels))
	for price, qty := range levels {
		out = append(out, models.OrderBookLevel{Price: price, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// prune отбрасывает уровни вне ценового коридора и сверх лимита.
// Вызывается только для только что созданного Book
func (b *Book) prune(limits Limits) {
	if limits.PriceBand > 0 {
		if mid := b.MidPrice(); mid > 0 {
			low := mid * (1 - limits.PriceBand)
			high := mid * (1 + limits.PriceBand)

			n := 0
			for _, l := range b.Bids {
				if l.Price >= low {
					b.Bids[n] = l
					n++
				}
			}
			b.Bids = b.Bids[:n]

			n = 0
			for _, l := range b.Asks {
				if l.Price <= high {
					b.Asks[n] = l
					n++
				}
			}
			b.Asks = b.Asks[:n]
		}
	}

	if limits.MaxLevels > 0 {
		if len(b.Bids) > limits.MaxLevels {
			b.Bids = b.Bids[:limits.MaxLevels]
		}
		if len(b.Asks) > limits.MaxLevels {
			b.Asks = b.Asks[:limits.MaxLevels]
		}
	}
}
