package orderbook

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/skalibog/obsignal/pkg/logger"
	"github.com/skalibog/obsignal/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrGap разрыв последовательности слишком велик, нужен новый снимок
	ErrGap = errors.New("разрыв последовательности обновлений стакана")
	// ErrSnapshotPending снимок еще загружается, событие буферизовано
	ErrSnapshotPending = errors.New("ожидается снимок стакана")
	// ErrNoBook стакан для пары еще не построен
	ErrNoBook = errors.New("стакан отсутствует")
	// ErrStale стакан помечен для ресинхронизации
	ErrStale = errors.New("стакан требует ресинхронизации")
)

// Config настройки хранилища стаканов
type Config struct {
	Limits       Limits
	GapThreshold int64 // максимально допустимый разрыв U - lastUpdateId
	BufferSize   int   // максимум событий в буфере на время загрузки снимка
}

// DefaultConfig значения по умолчанию
var DefaultConfig = Config{
	Limits:       DefaultLimits,
	GapThreshold: 100,
	BufferSize:   1000,
}

type pairBook struct {
	mu      sync.Mutex
	book    *Book
	loading bool
	resync  bool
	synced  bool // стакан построен из снимка и с тех пор не терял последовательность
	pending []models.DepthUpdateEvent
}

// Store хранит стаканы по парам. Обновления одной пары сериализуются
// ее собственным мьютексом, между парами блокировок нет
type Store struct {
	cfg Config
	now func() time.Time

	mu    sync.RWMutex
	pairs map[string]*pairBook
}

// NewStore создает хранилище стаканов
func NewStore(cfg Config) *Store {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}
	return &Store{
		cfg:   cfg,
		now:   time.Now,
		pairs: make(map[string]*pairBook),
	}
}

func (s *Store) pair(symbol string) *pairBook {
	s.mu.RLock()
	pb, ok := s.pairs[symbol]
	s.mu.RUnlock()
	if ok {
		return pb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pb, ok = s.pairs[symbol]; !ok {
		pb = &pairBook{}
		s.pairs[symbol] = pb
	}
	return pb
}

// BeginSnapshot переводит пару в режим загрузки: диффы буферизуются
// до вызова ApplySnapshot
func (s *Store) BeginSnapshot(symbol string) {
	pb := s.pair(symbol)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.loading = true
	pb.pending = pb.pending[:0]
}

// AbortSnapshot завершает неудачную загрузку снимка, пара остается
// помеченной для ресинхронизации
func (s *Store) AbortSnapshot(symbol string) {
	pb := s.pair(symbol)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.loading = false
	pb.resync = true
	pb.synced = false
	pb.pending = nil
}

// ApplySnapshot заменяет стакан целиком и проигрывает буферизованные диффы
// по порядку. Разрыв при проигрывании возвращает ErrGap.
// Снимок старше синхронизированного стакана не заменяет его, буфер
// проигрывается поверх текущего стакана
func (s *Store) ApplySnapshot(symbol string, snap models.OrderBookSnapshot) (*Book, error) {
	pb := s.pair(symbol)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pending := pb.pending
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].FirstUpdateID < pending[j].FirstUpdateID
	})

	if pb.synced && !pb.resync && pb.book != nil && snap.LastUpdateID < pb.book.LastUpdateID {
		logger.Debug("Снимок стакана старше текущего, оставляем стакан",
			zap.String("symbol", symbol),
			zap.Int64("snapshot_update_id", snap.LastUpdateID),
			zap.Int64("last_update_id", pb.book.LastUpdateID))
	} else {
		pb.book = FromSnapshot(symbol, snap, s.cfg.Limits, s.now())
	}
	pb.loading = false
	pb.resync = false
	pb.synced = true
	pb.pending = nil

	replayed := 0
	for _, ev := range pending {
		if _, err := s.apply(pb, ev); err != nil {
			logger.Warn("Разрыв при проигрывании буфера стакана",
				zap.String("symbol", symbol),
				zap.Int64("last_update_id", pb.book.LastUpdateID),
				zap.Int64("first_update_id", ev.FirstUpdateID))
			return pb.book, err
		}
		replayed++
	}

	logger.Debug("Применен снимок стакана",
		zap.String("symbol", symbol),
		zap.Int64("last_update_id", pb.book.LastUpdateID),
		zap.Int("replayed", replayed))
	return pb.book, nil
}

// ApplyDiff применяет инкрементальное обновление.
// Устаревшее событие (u <= lastUpdateId) не меняет стакан.
// Слишком большой разрыв возвращает ErrGap, стакан не изменяется.
// Во время загрузки снимка событие буферизуется и возвращается ErrSnapshotPending
func (s *Store) ApplyDiff(symbol string, ev models.DepthUpdateEvent) (*Book, error) {
	pb := s.pair(symbol)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.loading {
		if len(pb.pending) >= s.cfg.BufferSize {
			pb.pending = pb.pending[1:]
		}
		pb.pending = append(pb.pending, ev)
		return pb.book, ErrSnapshotPending
	}

	if pb.book == nil {
		pb.book = FromEvent(symbol, ev, s.cfg.Limits, s.now())
		pb.synced = false
		return pb.book, nil
	}

	return s.apply(pb, ev)
}

func (s *Store) apply(pb *pairBook, ev models.DepthUpdateEvent) (*Book, error) {
	if ev.LastUpdateID <= pb.book.LastUpdateID {
		return pb.book, nil
	}
	if ev.FirstUpdateID > pb.book.LastUpdateID+s.cfg.GapThreshold {
		pb.resync = true
		pb.synced = false
		return pb.book, ErrGap
	}
	pb.book = pb.book.WithDiff(ev, s.cfg.Limits, s.now())
	return pb.book, nil
}

// Book возвращает текущий стакан пары, пригодный для анализа
func (s *Store) Book(symbol string) (*Book, error) {
	s.mu.RLock()
	pb, ok := s.pairs[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoBook
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	switch {
	case pb.resync:
		return nil, ErrStale
	case pb.loading:
		return nil, ErrSnapshotPending
	case pb.book == nil:
		return nil, ErrNoBook
	}
	return pb.book, nil
}

// NeedsResync true, если пара ждет нового снимка
func (s *Store) NeedsResync(symbol string) bool {
	s.mu.RLock()
	pb, ok := s.pairs[symbol]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.resync
}

// MarkResync помечает пару для ресинхронизации
func (s *Store) MarkResync(symbol string) {
	pb := s.pair(symbol)
	pb.mu.Lock()
	pb.resync = true
	pb.synced = false
	pb.mu.Unlock()
}

// Pending количество буферизованных событий пары
func (s *Store) Pending(symbol string) int {
	pb := s.pair(symbol)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return len(pb.pending)
}
