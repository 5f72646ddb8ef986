package audit

/*
Журнал операций флота: развёртывания, восстановления, переходы режима
приоритета и алерты.

- Неблокирующая запись: Record не ждёт хранилище, события идут через буфер.
- Пакетная запись по таймеру или при накоплении batchSize событий.
- Drain при остановке: Stop закрывает вход, воркер вычитывает остаток
  и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	batchSize     = 100
	flushInterval = 500 * time.Millisecond
)

// Storage определяет, куда физически сохраняются события
type Storage interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// Recorder — то, что нужно компонентам флота.
type Recorder interface {
	Record(event Event)
}

type Journal struct {
	ch     chan Event
	repo   Storage
	logger *zap.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewJournal(repo Storage, bufferSize int, logger *zap.Logger) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Journal{
		ch:     make(chan Event, bufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждёт, пока воркер всё допишет.
func (j *Journal) Stop() {
	if !j.closed.CompareAndSwap(false, true) {
		return
	}
	// Пауза, чтобы Record, уже прошедшие проверку флага, успели положить событие
	time.Sleep(10 * time.Millisecond)

	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Record(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if j.closed.Load() {
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	// Load shedding: при переполнении событие остаётся только в логе
	select {
	case j.ch <- event:
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("kind", string(event.Kind)),
			zap.String("bot_id", event.BotID),
			zap.String("status", event.Status),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст приложения при остановке уже отменён
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := j.repo.WriteBatch(ctx, batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Nop — журнал-заглушка для тестов и сборок без журнала.
type Nop struct{}

func (Nop) Record(Event) {}

// LogStorage пишет события в структурированный лог (когда нет Postgres).
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("events")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Info("fleet event",
			zap.String("id", e.ID),
			zap.String("kind", string(e.Kind)),
			zap.String("bot_id", e.BotID),
			zap.String("ref_id", e.RefID),
			zap.String("status", e.Status),
			zap.String("message", e.Message),
			zap.Any("details", e.Details),
			zap.Time("ts", e.Timestamp),
		)
	}
	return nil
}
