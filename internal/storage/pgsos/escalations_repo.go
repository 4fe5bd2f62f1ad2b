package pgsos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) ListActiveProviders(ctx context.Context) ([]*models.Provider, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, name, contact_number, endpoint_url, api_key, priority, active,
       min_lat, max_lat, min_lng, max_lng, created_at
FROM providers
WHERE active
ORDER BY priority ASC, id ASC
`)
	if err != nil {
		return nil, errors.Wrap(err, "select providers")
	}
	defer rows.Close()

	out := []*models.Provider{}
	for rows.Next() {
		var p models.Provider
		var minLat, maxLat, minLng, maxLng *float64
		if err := rows.Scan(
			&p.ID, &p.Name, &p.ContactNumber, &p.EndpointURL, &p.APIKey,
			&p.Priority, &p.Active,
			&minLat, &maxLat, &minLng, &maxLng, &p.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan provider")
		}
		if minLat != nil && maxLat != nil && minLng != nil && maxLng != nil {
			p.Region = &models.Geofence{MinLat: *minLat, MaxLat: *maxLat, MinLng: *minLng, MaxLng: *maxLng}
		}
		out = append(out, &p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// CreateOrGetEscalationRequest — атомарный check-then-insert по паре
// (event_id, provider_id). Если не-failed заявка уже есть, возвращаем её
// (created=false) — дублей диспатча не бывает. Для resolved события новая
// заявка не создаётся.
func (s *Storage) CreateOrGetEscalationRequest(ctx context.Context, id, eventID, providerID string) (*models.EscalationRequest, bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM emergency_events WHERE id = $1`, eventID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, models.ErrEventNotFound
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "select event status")
	}
	if status == models.EventStatusResolved {
		return nil, false, models.ErrEventResolved
	}

	row := tx.QueryRow(ctx, `
INSERT INTO escalation_requests (id, event_id, provider_id, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (event_id, provider_id) WHERE status <> 'failed' DO NOTHING
RETURNING id, event_id, provider_id, status, method, incident_number, response_time_ms, created_at, updated_at
`, id, eventID, providerID, models.EscalationStatusInitiated, now)

	req, err := scanEscalationRequest(row)
	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		// Уже есть не-failed заявка — отдаём её как есть.
		row = tx.QueryRow(ctx, `
SELECT id, event_id, provider_id, status, method, incident_number, response_time_ms, created_at, updated_at
FROM escalation_requests
WHERE event_id = $1 AND provider_id = $2 AND status <> 'failed'
`, eventID, providerID)
		req, err = scanEscalationRequest(row)
		created = false
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "escalation request")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit tx")
	}
	return req, created, nil
}

// FinishEscalationRequest фиксирует исход попытки. Обновляется только заявка
// в статусе initiated: после submitted/failed запись неизменяема.
func (s *Storage) FinishEscalationRequest(ctx context.Context, id, status, method string, incidentNumber *string, responseTimeMS *int64) (*models.EscalationRequest, error) {
	row := s.db.QueryRow(ctx, `
UPDATE escalation_requests
SET status = $2, method = $3, incident_number = $4, response_time_ms = $5, updated_at = now()
WHERE id = $1 AND status = $6
RETURNING id, event_id, provider_id, status, method, incident_number, response_time_ms, created_at, updated_at
`, id, status, method, incidentNumber, responseTimeMS, models.EscalationStatusInitiated)
	req, err := scanEscalationRequest(row)
	if err != nil {
		return nil, errors.Wrap(err, "finish escalation request")
	}
	return req, nil
}

// AppendAuditEntry — append-only: записи журнала никогда не правятся.
func (s *Storage) AppendAuditEntry(ctx context.Context, e *models.EscalationAuditEntry) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return errors.Wrap(err, "marshal audit metadata")
		}
		meta = b
	}

	err := s.db.QueryRow(ctx, `
INSERT INTO escalation_audit_log (event_id, request_id, provider_id, action_taken, success, response_time_ms, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id
`, e.EventID, e.RequestID, e.ProviderID, e.ActionTaken, e.Success, e.ResponseTimeMS, meta, time.Now().UTC()).Scan(&e.ID)
	return errors.Wrap(err, "insert audit entry")
}

func (s *Storage) ListAuditEntries(ctx context.Context, eventID string) ([]*models.EscalationAuditEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, event_id, request_id, provider_id, action_taken, success, response_time_ms, metadata, created_at
FROM escalation_audit_log
WHERE event_id = $1
ORDER BY id ASC
`, eventID)
	if err != nil {
		return nil, errors.Wrap(err, "select audit entries")
	}
	defer rows.Close()

	out := []*models.EscalationAuditEntry{}
	for rows.Next() {
		var e models.EscalationAuditEntry
		var meta []byte
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.RequestID, &e.ProviderID,
			&e.ActionTaken, &e.Success, &e.ResponseTimeMS, &meta, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, errors.Wrap(err, "unmarshal audit metadata")
			}
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) InsertManualPacket(ctx context.Context, p *models.ManualPacket) error {
	err := s.db.QueryRow(ctx, `
INSERT INTO manual_packets (request_id, event_id, provider_name, contact_number, emergency_type, severity,
                            lat, lng, address, member_name, member_phone, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING id
`, p.RequestID, p.EventID, p.ProviderName, p.ContactNumber, p.EmergencyType, p.Severity,
		p.Location.Lat, p.Location.Lng, p.Location.Address,
		p.MemberName, p.MemberPhone, p.Notes, time.Now().UTC()).Scan(&p.ID)
	return errors.Wrap(err, "insert manual packet")
}

func scanEscalationRequest(r rowScanner) (*models.EscalationRequest, error) {
	var req models.EscalationRequest
	var incidentNumber *string
	var responseTimeMS *int64
	if err := r.Scan(
		&req.ID, &req.EventID, &req.ProviderID, &req.Status, &req.Method,
		&incidentNumber, &responseTimeMS, &req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	req.IncidentNumber = incidentNumber
	req.ResponseTimeMS = responseTimeMS
	return &req, nil
}
