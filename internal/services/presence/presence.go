package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/messages"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/cache"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/pkg/errors"
)

// Пороги производного статуса присутствия.
const (
	onlineWindow = 5 * time.Minute
	idleWindow   = 30 * time.Minute
)

type Repository interface {
	UpsertPresence(ctx context.Context, in models.PresenceInput) (*models.Presence, bool, error)
	ListPresence(ctx context.Context, groupID string) ([]*models.Presence, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo        Repository
	producer    Producer
	notifyTopic string
	cache       cache.BytesCache
	listTTL     time.Duration
}

func New(repo Repository, producer Producer, notifyTopic string, c cache.BytesCache, listTTL time.Duration) *Service {
	return &Service{repo: repo, producer: producer, notifyTopic: notifyTopic, cache: c, listTTL: listTTL}
}

// Status — чистая функция от сохранённых полей, статус нигде не хранится.
// paused => idle; свежий last_seen => online; до 30 минут => idle; дальше offline.
func Status(p *models.Presence, now time.Time) string {
	if p.Paused {
		return models.PresenceStatusIdle
	}
	age := now.Sub(p.LastSeen)
	switch {
	case age < onlineWindow:
		return models.PresenceStatusOnline
	case age < idleWindow:
		return models.PresenceStatusIdle
	default:
		return models.PresenceStatusOffline
	}
}

// Upsert применяет heartbeat. Устаревший timestamp не ошибка: запись молча
// остаётся прежней, accepted=false.
func (s *Service) Upsert(ctx context.Context, in models.PresenceInput) (*models.Presence, bool, error) {
	if in.MemberID == "" {
		return nil, false, errors.Wrap(models.ErrValidation, "memberId is required")
	}
	if in.GroupID == "" {
		return nil, false, errors.Wrap(models.ErrValidation, "groupId is required")
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}

	p, accepted, err := s.repo.UpsertPresence(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if !accepted {
		return p, false, nil
	}

	if s.cache != nil && s.listTTL > 0 {
		_ = s.cache.Del(ctx, groupKey(p.GroupID))
	}

	s.publishUpdated(ctx, p)
	return p, true, nil
}

// List отдаёт присутствие всех участников группы. Хранилище — источник
// истины; кэш короткоживущий и сбрасывается на каждом принятом апдейте.
func (s *Service) List(ctx context.Context, groupID string) ([]*models.Presence, error) {
	if groupID == "" {
		return nil, errors.Wrap(models.ErrValidation, "groupId is required")
	}

	if s.cache != nil && s.listTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, groupKey(groupID)); err == nil && ok {
			var out []*models.Presence
			if json.Unmarshal(b, &out) == nil {
				return out, nil
			}
		}
	}

	out, err := s.repo.ListPresence(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.listTTL > 0 {
		if b, err := json.Marshal(out); err == nil {
			_ = s.cache.Set(ctx, groupKey(groupID), b, s.listTTL)
		}
	}
	return out, nil
}

func (s *Service) publishUpdated(ctx context.Context, p *models.Presence) {
	if s.producer == nil {
		return
	}
	n, err := messages.NewGroupNotify(messages.KindPresenceUpdated, p.GroupID, messages.PresenceUpdated{
		MemberID: p.MemberID,
		Status:   Status(p, time.Now().UTC()),
		Lat:      p.Lat,
		Lng:      p.Lng,
		Battery:  p.Battery,
		Paused:   p.Paused,
		LastSeen: p.LastSeen,
	})
	if err != nil {
		slog.Error("build presence notify", "member_id", p.MemberID, "error", err.Error())
		return
	}
	b, _ := json.Marshal(n)
	if err := s.producer.Publish(ctx, s.notifyTopic, []byte(p.GroupID), b); err != nil {
		// Нотификация best-effort: heartbeat уже сохранён, не роняем вызов.
		slog.Error("publish presence notify", "member_id", p.MemberID, "error", err.Error())
	}
}

func groupKey(groupID string) string {
	return fmt.Sprintf("presence:group:%s", groupID)
}
