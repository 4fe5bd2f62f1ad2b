package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/messages"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateEvent(ctx context.Context, ev *models.EmergencyEvent) error
	GetEvent(ctx context.Context, id string) (*models.EmergencyEvent, error)
	ListEventsByGroup(ctx context.Context, groupID, status string) ([]*models.EmergencyEvent, error)
	TransitionEvent(ctx context.Context, id, from, to string) (*models.EmergencyEvent, bool, error)
	ResolveEvent(ctx context.Context, id, by string) (*models.EmergencyEvent, bool, error)
	AcknowledgeEvent(ctx context.Context, eventID, memberID, responseType string) (*models.Acknowledgment, bool, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo         Repository
	producer     Producer
	notifyTopic  string
	triggerTopic string
}

func New(repo Repository, producer Producer, notifyTopic, triggerTopic string) *Service {
	return &Service{repo: repo, producer: producer, notifyTopic: notifyTopic, triggerTopic: triggerTopic}
}

// statusRank задаёт монотонный порядок жизненного цикла.
var statusRank = map[string]int{
	models.EventStatusActive:       0,
	models.EventStatusAcknowledged: 1,
	models.EventStatusResolved:     2,
}

func validEventType(t string) bool {
	switch t {
	case models.EventTypeSOS, models.EventTypePanic, models.EventTypeMedical, models.EventTypeAccident:
		return true
	}
	return false
}

// Trigger создаёт событие и раздаёт его: нотификация семье и задание воркеру
// на эскалацию. Вызывающий получает подтверждение сразу после записи события,
// исход эскалации доедет асинхронно.
func (s *Service) Trigger(ctx context.Context, caller models.Caller, groupID, eventType string, loc models.Location, notes string) (*models.EmergencyEvent, error) {
	if caller.MemberID == "" {
		return nil, errors.Wrap(models.ErrValidation, "caller memberId is required")
	}
	if groupID == "" {
		return nil, errors.Wrap(models.ErrValidation, "groupId is required")
	}
	if !validEventType(eventType) {
		return nil, errors.Wrapf(models.ErrValidation, "unknown emergency type: %s", eventType)
	}

	ev := &models.EmergencyEvent{
		ID:       uuid.NewString(),
		MemberID: caller.MemberID,
		GroupID:  groupID,
		Type:     eventType,
		Status:   models.EventStatusActive,
		Location: loc,
	}
	if err := s.repo.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}

	s.publishTriggered(ctx, ev, caller, notes)
	s.publishNotify(ctx, ev.GroupID, messages.KindEventCreated, messages.EventCreated{Event: toWireEvent(ev)})
	return ev, nil
}

// Acknowledge всегда пишет строку подтверждения. Переход active->acknowledged
// выполняется ровно один раз, сработавший — публикует нотификацию.
func (s *Service) Acknowledge(ctx context.Context, caller models.Caller, eventID, responseType string) (*models.Acknowledgment, error) {
	if caller.MemberID == "" {
		return nil, errors.Wrap(models.ErrValidation, "caller memberId is required")
	}
	if eventID == "" {
		return nil, errors.Wrap(models.ErrValidation, "eventId is required")
	}
	if responseType == "" {
		responseType = "acknowledged"
	}

	ev, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	ack, transitioned, err := s.repo.AcknowledgeEvent(ctx, eventID, caller.MemberID, responseType)
	if err != nil {
		return nil, err
	}

	if transitioned {
		s.publishNotify(ctx, ev.GroupID, messages.KindEventAcknowledged, messages.EventAcknowledged{
			EventID:  eventID,
			MemberID: caller.MemberID,
		})
	}
	return ack, nil
}

// Resolve идемпотентен: повторный вызов возвращает текущую запись без ошибки.
// Первый успешный resolve публикует отменяющую нотификацию.
func (s *Service) Resolve(ctx context.Context, caller models.Caller, eventID string) (*models.EmergencyEvent, error) {
	if caller.MemberID == "" {
		return nil, errors.Wrap(models.ErrValidation, "caller memberId is required")
	}

	ev, transitioned, err := s.repo.ResolveEvent(ctx, eventID, caller.MemberID)
	if err != nil {
		return nil, err
	}

	if transitioned {
		s.publishNotify(ctx, ev.GroupID, messages.KindEventResolved, messages.EventResolved{EventID: ev.ID})
	}
	return ev, nil
}

// Transition двигает статус строго вперёд. Попытка назад — ErrInvalidTransition.
// Переход в текущий статус — no-op.
func (s *Service) Transition(ctx context.Context, eventID, target string) (*models.EmergencyEvent, error) {
	targetRank, ok := statusRank[target]
	if !ok {
		return nil, errors.Wrapf(models.ErrValidation, "unknown event status: %s", target)
	}

	ev, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status == target {
		return ev, nil
	}
	if targetRank < statusRank[ev.Status] {
		return nil, errors.Wrapf(models.ErrInvalidTransition, "%s -> %s", ev.Status, target)
	}

	ev, swapped, err := s.repo.TransitionEvent(ctx, eventID, ev.Status, target)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Кто-то успел раньше. Если статус уже не позади цели — отдаём как есть,
		// иначе это гонка с откатом, чего CAS не допускает.
		if statusRank[ev.Status] >= targetRank {
			return ev, nil
		}
		return nil, errors.Wrapf(models.ErrInvalidTransition, "%s -> %s", ev.Status, target)
	}
	return ev, nil
}

func (s *Service) Get(ctx context.Context, eventID string) (*models.EmergencyEvent, error) {
	return s.repo.GetEvent(ctx, eventID)
}

// ListOpen — pull-сверка для переподключившихся клиентов: доставка стрима
// best-effort, пропущенное добирают отсюда.
func (s *Service) ListOpen(ctx context.Context, groupID string) ([]*models.EmergencyEvent, error) {
	if groupID == "" {
		return nil, errors.Wrap(models.ErrValidation, "groupId is required")
	}
	all, err := s.repo.ListEventsByGroup(ctx, groupID, "")
	if err != nil {
		return nil, err
	}
	out := make([]*models.EmergencyEvent, 0, len(all))
	for _, ev := range all {
		if ev.Status != models.EventStatusResolved {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Service) publishTriggered(ctx context.Context, ev *models.EmergencyEvent, caller models.Caller, notes string) {
	if s.producer == nil {
		return
	}
	b, _ := json.Marshal(messages.EventTriggered{
		EventID:     ev.ID,
		GroupID:     ev.GroupID,
		MemberID:    ev.MemberID,
		Type:        ev.Type,
		Location:    messages.Location{Lat: ev.Location.Lat, Lng: ev.Location.Lng, Address: ev.Location.Address},
		MemberName:  caller.Name,
		MemberPhone: caller.Phone,
		Notes:       notes,
		CreatedAt:   ev.CreatedAt,
	})
	// Kafka может быть недоступна короткое время; событие уже сохранено,
	// поэтому пробуем несколько раз и не роняем вызов.
	var pubErr error
	for i := 0; i < 3; i++ {
		if pubErr = s.producer.Publish(ctx, s.triggerTopic, []byte(ev.GroupID), b); pubErr == nil {
			return
		}
		time.Sleep(time.Duration(100*(i+1)) * time.Millisecond)
	}
	slog.Error("publish event trigger", "event_id", ev.ID, "error", pubErr.Error())
}

func (s *Service) publishNotify(ctx context.Context, groupID, kind string, payload any) {
	if s.producer == nil {
		return
	}
	n, err := messages.NewGroupNotify(kind, groupID, payload)
	if err != nil {
		slog.Error("build group notify", "kind", kind, "error", err.Error())
		return
	}
	b, _ := json.Marshal(n)
	if err := s.producer.Publish(ctx, s.notifyTopic, []byte(groupID), b); err != nil {
		slog.Error("publish group notify", "kind", kind, "error", err.Error())
	}
}

func toWireEvent(ev *models.EmergencyEvent) messages.Event {
	return messages.Event{
		ID:        ev.ID,
		MemberID:  ev.MemberID,
		GroupID:   ev.GroupID,
		Type:      ev.Type,
		Status:    ev.Status,
		Location:  messages.Location{Lat: ev.Location.Lat, Lng: ev.Location.Lng, Address: ev.Location.Address},
		CreatedAt: ev.CreatedAt,
	}
}
