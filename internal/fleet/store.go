package fleet

import (
	"context"
	"errors"

	"github.com/xela07ax/botfleet/internal/domain"
)

// ErrNoSnapshot — хранилище пустое (первый запуск).
var ErrNoSnapshot = errors.New("no snapshot stored")

// Store определяет, куда физически сохраняется документ состояния.
type Store interface {
	Load(ctx context.Context) (*domain.Snapshot, error)
	Save(ctx context.Context, snap *domain.Snapshot) error
}
