package pgsos

import (
	"context"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) CreateEvent(ctx context.Context, ev *models.EmergencyEvent) error {
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
INSERT INTO emergency_events (id, member_id, group_id, type, status, lat, lng, address, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
`, ev.ID, ev.MemberID, ev.GroupID, ev.Type, ev.Status, ev.Location.Lat, ev.Location.Lng, ev.Location.Address, now)
	return errors.Wrap(err, "insert event")
}

func (s *Storage) GetEvent(ctx context.Context, id string) (*models.EmergencyEvent, error) {
	row := s.db.QueryRow(ctx, `
SELECT id, member_id, group_id, type, status, lat, lng, address, created_at, updated_at, resolved_by, resolved_at
FROM emergency_events WHERE id = $1
`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrEventNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select event")
	}
	return ev, nil
}

// ListEventsByGroup возвращает события группы; status="" — без фильтра.
func (s *Storage) ListEventsByGroup(ctx context.Context, groupID, status string) ([]*models.EmergencyEvent, error) {
	q := `
SELECT id, member_id, group_id, type, status, lat, lng, address, created_at, updated_at, resolved_by, resolved_at
FROM emergency_events
WHERE group_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
`
	rows, err := s.db.Query(ctx, q, groupID, status)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	out := []*models.EmergencyEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, ev)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// TransitionEvent — compare-and-swap статуса: переход выполняется только если
// событие всё ещё в from. Возвращает обновлённую запись и флаг, сработал ли CAS.
func (s *Storage) TransitionEvent(ctx context.Context, id, from, to string) (*models.EmergencyEvent, bool, error) {
	row := s.db.QueryRow(ctx, `
UPDATE emergency_events SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2
RETURNING id, member_id, group_id, type, status, lat, lng, address, created_at, updated_at, resolved_by, resolved_at
`, id, from, to)
	ev, err := scanEvent(row)
	if err == nil {
		return ev, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.Wrap(err, "transition event")
	}

	ev, err = s.GetEvent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return ev, false, nil
}

// ResolveEvent переводит событие в resolved из любого не-терминального статуса.
// Повторный resolve — no-op, возвращается текущая запись.
func (s *Storage) ResolveEvent(ctx context.Context, id, by string) (*models.EmergencyEvent, bool, error) {
	row := s.db.QueryRow(ctx, `
UPDATE emergency_events SET status = $3, resolved_by = $2, resolved_at = now(), updated_at = now()
WHERE id = $1 AND status <> $3
RETURNING id, member_id, group_id, type, status, lat, lng, address, created_at, updated_at, resolved_by, resolved_at
`, id, by, models.EventStatusResolved)
	ev, err := scanEvent(row)
	if err == nil {
		return ev, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.Wrap(err, "resolve event")
	}

	ev, err = s.GetEvent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return ev, false, nil
}

// AcknowledgeEvent пишет строку подтверждения и пытается выполнить переход
// active -> acknowledged. Переход срабатывает ровно один раз ("первый долетел"),
// сами строки подтверждений сохраняются все.
func (s *Storage) AcknowledgeEvent(ctx context.Context, eventID, memberID, responseType string) (*models.Acknowledgment, bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var ack models.Acknowledgment
	err = tx.QueryRow(ctx, `
INSERT INTO acknowledgments (event_id, member_id, response_type, created_at)
VALUES ($1,$2,$3,$4)
RETURNING id, event_id, member_id, response_type, created_at
`, eventID, memberID, responseType, now).Scan(&ack.ID, &ack.EventID, &ack.MemberID, &ack.ResponseType, &ack.CreatedAt)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert acknowledgment")
	}

	res, err := tx.Exec(ctx, `
UPDATE emergency_events SET status = $2, updated_at = now()
WHERE id = $1 AND status = $3
`, eventID, models.EventStatusAcknowledged, models.EventStatusActive)
	if err != nil {
		return nil, false, errors.Wrap(err, "ack transition")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit tx")
	}
	return &ack, res.RowsAffected() == 1, nil
}

func scanEvent(r rowScanner) (*models.EmergencyEvent, error) {
	var ev models.EmergencyEvent
	var resolvedBy *string
	var resolvedAt *time.Time
	if err := r.Scan(
		&ev.ID, &ev.MemberID, &ev.GroupID, &ev.Type, &ev.Status,
		&ev.Location.Lat, &ev.Location.Lng, &ev.Location.Address,
		&ev.CreatedAt, &ev.UpdatedAt, &resolvedBy, &resolvedAt,
	); err != nil {
		return nil, err
	}
	ev.ResolvedBy = resolvedBy
	ev.ResolvedAt = resolvedAt
	return &ev, nil
}
