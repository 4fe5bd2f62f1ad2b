package pgsos

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS presence (
  member_id TEXT PRIMARY KEY,
  group_id TEXT NOT NULL,
  lat DOUBLE PRECISION NOT NULL,
  lng DOUBLE PRECISION NOT NULL,
  battery INT NULL,
  paused BOOLEAN NOT NULL DEFAULT FALSE,
  last_seen TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_group_id ON presence(group_id)`,
		`
CREATE TABLE IF NOT EXISTS emergency_events (
  id UUID PRIMARY KEY,
  member_id TEXT NOT NULL,
  group_id TEXT NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  lat DOUBLE PRECISION NOT NULL,
  lng DOUBLE PRECISION NOT NULL,
  address TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  resolved_by TEXT NULL,
  resolved_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_emergency_events_group_status ON emergency_events(group_id, status)`,
		`
CREATE TABLE IF NOT EXISTS escalation_requests (
  id UUID PRIMARY KEY,
  event_id UUID NOT NULL REFERENCES emergency_events(id) ON DELETE CASCADE,
  provider_id TEXT NOT NULL,
  status TEXT NOT NULL,
  method TEXT NOT NULL DEFAULT '',
  incident_number TEXT NULL,
  response_time_ms BIGINT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Гарантия идемпотентности: не больше одной не-failed заявки
		// на пару (event, provider).
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_escalation_requests_nonfailed
  ON escalation_requests(event_id, provider_id) WHERE status <> 'failed'`,
		`
CREATE TABLE IF NOT EXISTS escalation_audit_log (
  id BIGSERIAL PRIMARY KEY,
  event_id UUID NOT NULL,
  request_id UUID NOT NULL,
  provider_id TEXT NOT NULL,
  action_taken TEXT NOT NULL,
  success BOOLEAN NOT NULL,
  response_time_ms BIGINT NULL,
  metadata JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_escalation_audit_log_event_id ON escalation_audit_log(event_id)`,
		`
CREATE TABLE IF NOT EXISTS manual_packets (
  id BIGSERIAL PRIMARY KEY,
  request_id UUID NOT NULL,
  event_id UUID NOT NULL,
  provider_name TEXT NOT NULL,
  contact_number TEXT NOT NULL DEFAULT '',
  emergency_type TEXT NOT NULL,
  severity TEXT NOT NULL DEFAULT '',
  lat DOUBLE PRECISION NOT NULL,
  lng DOUBLE PRECISION NOT NULL,
  address TEXT NOT NULL DEFAULT '',
  member_name TEXT NOT NULL DEFAULT '',
  member_phone TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_manual_packets_event_id ON manual_packets(event_id)`,
		`
CREATE TABLE IF NOT EXISTS acknowledgments (
  id BIGSERIAL PRIMARY KEY,
  event_id UUID NOT NULL REFERENCES emergency_events(id) ON DELETE CASCADE,
  member_id TEXT NOT NULL,
  response_type TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_acknowledgments_event_id ON acknowledgments(event_id, created_at)`,
		`
CREATE TABLE IF NOT EXISTS providers (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  contact_number TEXT NOT NULL DEFAULT '',
  endpoint_url TEXT NOT NULL DEFAULT '',
  api_key TEXT NOT NULL DEFAULT '',
  priority INT NOT NULL DEFAULT 100,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  min_lat DOUBLE PRECISION NULL,
  max_lat DOUBLE PRECISION NULL,
  min_lng DOUBLE PRECISION NULL,
  max_lng DOUBLE PRECISION NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		// Демо-провайдеры: городской Мадрид и национальный дефолт без геозоны.
		// Реальные деплои перезаписывают их своим списком.
		`
INSERT INTO providers (id, name, contact_number, priority, active, min_lat, max_lat, min_lng, max_lng)
VALUES ('madrid-samur', 'SAMUR-Protección Civil Madrid', '+34-112', 10, TRUE, 40.31, 40.56, -3.84, -3.52)
ON CONFLICT (id) DO NOTHING`,
		`
INSERT INTO providers (id, name, contact_number, priority, active)
VALUES ('es-112', '112 España', '112', 100, TRUE)
ON CONFLICT (id) DO NOTHING`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
