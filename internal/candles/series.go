package candles

import (
	"sync"

	"github.com/skalibog/obsignal/pkg/models"
)

// Series ограниченное окно свечей. Последняя свеча обновляется на месте,
// пока интервал не закрыт; при переполнении вытесняется самая старая
type Series struct {
	mu      sync.RWMutex
	max     int
	candles []models.Candle
}

// NewSeries создает окно на max свечей
func NewSeries(max int) *Series {
	if max <= 0 {
		max = 500
	}
	return &Series{max: max, candles: make([]models.Candle, 0, max)}
}

// Update применяет свечу: заменяет текущую при совпадении OpenTime,
// добавляет новую, если она позже. Более старые свечи игнорируются
func (s *Series) Update(c models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.candles)
	if n > 0 {
		last := s.candles[n-1]
		switch {
		case c.OpenTime == last.OpenTime:
			s.candles[n-1] = c
			return
		case c.OpenTime < last.OpenTime:
			return
		}
		// предыдущая свеча закрыта, раз пришла следующая
		s.candles[n-1].Closed = true
	}

	if n >= s.max {
		copy(s.candles, s.candles[1:])
		s.candles = s.candles[:n-1]
	}
	s.candles = append(s.candles, c)
}

// Reset заменяет содержимое окна
func (s *Series) Reset(candles []models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(candles) > s.max {
		candles = candles[len(candles)-s.max:]
	}
	s.candles = append(s.candles[:0], candles...)
}

// Snapshot возвращает копию окна
func (s *Series) Snapshot() []models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Candle(nil), s.candles...)
}

// Len количество свечей
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

// Store окна свечей по парам
type Store struct {
	mu     sync.RWMutex
	max    int
	series map[string]*Series
}

// NewStore создает хранилище свечей
func NewStore(max int) *Store {
	return &Store{max: max, series: make(map[string]*Series)}
}

func (s *Store) get(symbol string) *Series {
	s.mu.RLock()
	sr, ok := s.series[symbol]
	s.mu.RUnlock()
	if ok {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[symbol]; !ok {
		sr = NewSeries(s.max)
		s.series[symbol] = sr
	}
	return sr
}

// Seed заменяет окно пары историческими свечами
func (s *Store) Seed(symbol string, candles []models.Candle) {
	s.get(symbol).Reset(candles)
}

// Update применяет обновление свечи для пары
func (s *Store) Update(symbol string, c models.Candle) {
	s.get(symbol).Update(c)
}

// Candles возвращает копию окна пары
func (s *Store) Candles(symbol string) []models.Candle {
	return s.get(symbol).Snapshot()
}
