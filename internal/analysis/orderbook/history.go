package orderbook

import (
	"math"
	"sync"
)

// History короткий буфер последних mid-цен пары
type History struct {
	mu   sync.Mutex
	size int
	mids []float64
}

// NewHistory создает буфер на size значений
func NewHistory(size int) *History {
	if size < 2 {
		size = 3
	}
	return &History{size: size, mids: make([]float64, 0, size)}
}

// Push добавляет mid-цену, вытесняя самую старую
func (h *History) Push(mid float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.mids) == h.size {
		copy(h.mids, h.mids[1:])
		h.mids = h.mids[:h.size-1]
	}
	h.mids = append(h.mids, mid)
}

// Len количество значений в буфере
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mids)
}

// Stability оценка стабильности в [0.5, 1]: средний относительный скачок
// mid-цены, равный jump и больше, дает 0.5. Меньше двух значений: def
func (h *History) Stability(jump, def float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.mids) < 2 || jump <= 0 {
		return def
	}

	var sum float64
	for i := 1; i < len(h.mids); i++ {
		if h.mids[i-1] == 0 {
			continue
		}
		sum += math.Abs(h.mids[i]-h.mids[i-1]) / h.mids[i-1]
	}
	mean := sum / float64(len(h.mids)-1)
	return 1 - 0.5*math.Min(1, mean/jump)
}

// Trend относительное изменение mid-цены от самой старой к последней
func (h *History) Trend() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.mids) < 2 || h.mids[0] == 0 {
		return 0
	}
	return (h.mids[len(h.mids)-1] - h.mids[0]) / h.mids[0]
}
