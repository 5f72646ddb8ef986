package alert

import (
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/audit"
	"github.com/xela07ax/botfleet/internal/domain"
)

// AlertStore — часть реестра, в которой живут алерты.
type AlertStore interface {
	AddAlert(a *domain.Alert)
	ResolveAlert(id string) bool
}

// Hub фиксирует алерт в состоянии (для dashboard), журнале и отправляет его.
type Hub struct {
	store   AlertStore
	sender  Sender
	journal audit.Recorder
	clock   clockwork.Clock
	logger  *zap.Logger
}

func NewHub(store AlertStore, sender Sender, journal audit.Recorder, clock clockwork.Clock, logger *zap.Logger) *Hub {
	if journal == nil {
		journal = audit.Nop{}
	}
	return &Hub{
		store:   store,
		sender:  sender,
		journal: journal,
		clock:   clock,
		logger:  logger.Named("alerts"),
	}
}

// Raise создаёт открытый алерт и возвращает его ID.
func (h *Hub) Raise(botID, message string) string {
	a := &domain.Alert{
		ID:        uuid.NewString(),
		BotID:     botID,
		Message:   message,
		CreatedAt: h.clock.Now(),
	}
	h.store.AddAlert(a)
	h.sender.Send(message)
	h.journal.Record(audit.Event{
		Kind:      audit.EventAlert,
		BotID:     botID,
		RefID:     a.ID,
		Status:    "raised",
		Message:   message,
		Timestamp: a.CreatedAt,
	})
	h.logger.Info("alert raised", zap.String("bot_id", botID), zap.String("alert_id", a.ID))
	return a.ID
}

// Notify — информационный алерт, закрытый сразу (итоги операций).
func (h *Hub) Notify(botID, message string) {
	id := h.Raise(botID, message)
	h.store.ResolveAlert(id)
}

func (h *Hub) Resolve(id string) {
	if h.store.ResolveAlert(id) {
		h.journal.Record(audit.Event{Kind: audit.EventAlert, RefID: id, Status: "resolved", Timestamp: h.clock.Now()})
	}
}
