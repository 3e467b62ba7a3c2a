package orderbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skalibog/obsignal/pkg/logger"
	"github.com/skalibog/obsignal/pkg/models"
	"github.com/skalibog/obsignal/pkg/retry"
	"go.uber.org/zap"
)

// SnapshotFetcher источник REST-снимков стакана
type SnapshotFetcher interface {
	GetOrderBookSnapshot(ctx context.Context, symbol string, limit int) (*models.OrderBookSnapshot, error)
}

// SyncerConfig настройки ресинхронизации
type SyncerConfig struct {
	Depth       int
	Retry       retry.Policy
	ResyncDelay time.Duration
}

// Syncer загружает снимки стакана и восстанавливает пары после разрыва
type Syncer struct {
	store   *Store
	fetcher SnapshotFetcher
	cfg     SyncerConfig

	mu       sync.Mutex
	inflight map[string]bool
	locks    map[string]*sync.Mutex
	wg       sync.WaitGroup
}

// NewSyncer создает Syncer
func NewSyncer(store *Store, fetcher SnapshotFetcher, cfg SyncerConfig) *Syncer {
	return &Syncer{
		store:    store,
		fetcher:  fetcher,
		cfg:      cfg,
		inflight: make(map[string]bool),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Syncer) pairLock(symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.locks[symbol] = l
	}
	return l
}

// Sync синхронно загружает снимок и применяет его вместе с буфером диффов.
// Загрузки одной пары выполняются строго по очереди
func (s *Syncer) Sync(ctx context.Context, symbol string) error {
	l := s.pairLock(symbol)
	l.Lock()
	defer l.Unlock()

	s.store.BeginSnapshot(symbol)

	var snap *models.OrderBookSnapshot
	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		snap, err = s.fetcher.GetOrderBookSnapshot(ctx, symbol, s.cfg.Depth)
		return err
	})
	if err != nil {
		s.store.AbortSnapshot(symbol)
		return fmt.Errorf("ошибка загрузки снимка стакана %s: %w", symbol, err)
	}

	if _, err := s.store.ApplySnapshot(symbol, *snap); err != nil {
		return fmt.Errorf("ошибка применения снимка стакана %s: %w", symbol, err)
	}
	return nil
}

// Resync асинхронно восстанавливает пару. Повторные вызовы для пары,
// которая уже восстанавливается, игнорируются. После неудачи попытка
// повторяется через ResyncDelay
func (s *Syncer) Resync(ctx context.Context, symbol string) {
	s.mu.Lock()
	if s.inflight[symbol] {
		s.mu.Unlock()
		return
	}
	s.inflight[symbol] = true
	s.mu.Unlock()

	s.store.MarkResync(symbol)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, symbol)
			s.mu.Unlock()
		}()

		for {
			err := s.Sync(ctx, symbol)
			if err == nil {
				logger.Info("Стакан ресинхронизирован", zap.String("symbol", symbol))
				return
			}
			logger.Warn("Ресинхронизация стакана не удалась, повтор позже",
				zap.String("symbol", symbol),
				zap.Duration("delay", s.cfg.ResyncDelay),
				zap.Error(err))

			timer := time.NewTimer(s.cfg.ResyncDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// Resyncing true, если для пары выполняется ресинхронизация
func (s *Syncer) Resyncing(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[symbol]
}

// Wait ожидает завершения фоновых ресинхронизаций
func (s *Syncer) Wait() {
	s.wg.Wait()
}
