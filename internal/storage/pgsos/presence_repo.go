package pgsos

import (
	"context"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// UpsertPresence применяет heartbeat по правилу last-write-wins: апдейт со
// старым timestamp молча отбрасывается (accepted=false), возвращается
// сохранённая запись.
func (s *Storage) UpsertPresence(ctx context.Context, in models.PresenceInput) (*models.Presence, bool, error) {
	now := time.Now().UTC()

	row := s.db.QueryRow(ctx, `
INSERT INTO presence (member_id, group_id, lat, lng, battery, paused, last_seen, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (member_id) DO UPDATE SET
  group_id = EXCLUDED.group_id,
  lat = EXCLUDED.lat,
  lng = EXCLUDED.lng,
  battery = EXCLUDED.battery,
  paused = EXCLUDED.paused,
  last_seen = EXCLUDED.last_seen,
  updated_at = EXCLUDED.updated_at
WHERE presence.last_seen <= EXCLUDED.last_seen
RETURNING member_id, group_id, lat, lng, battery, paused, last_seen, updated_at
`, in.MemberID, in.GroupID, in.Lat, in.Lng, in.Battery, in.Paused, in.Timestamp.UTC(), now)

	p, err := scanPresence(row)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.Wrap(err, "upsert presence")
	}

	// Stale write: вернём то, что уже лежит.
	row = s.db.QueryRow(ctx, `
SELECT member_id, group_id, lat, lng, battery, paused, last_seen, updated_at
FROM presence WHERE member_id = $1
`, in.MemberID)
	p, err = scanPresence(row)
	if err != nil {
		return nil, false, errors.Wrap(err, "select presence after stale upsert")
	}
	return p, false, nil
}

func (s *Storage) ListPresence(ctx context.Context, groupID string) ([]*models.Presence, error) {
	rows, err := s.db.Query(ctx, `
SELECT member_id, group_id, lat, lng, battery, paused, last_seen, updated_at
FROM presence
WHERE group_id = $1
ORDER BY member_id
`, groupID)
	if err != nil {
		return nil, errors.Wrap(err, "select presence")
	}
	defer rows.Close()

	out := []*models.Presence{}
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan presence")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPresence(r rowScanner) (*models.Presence, error) {
	var p models.Presence
	var battery *int32
	if err := r.Scan(
		&p.MemberID, &p.GroupID, &p.Lat, &p.Lng,
		&battery, &p.Paused, &p.LastSeen, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Battery = battery
	return &p, nil
}
