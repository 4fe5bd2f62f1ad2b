package models

import (
	"time"

	"github.com/pkg/errors"
)

// Статусы жизненного цикла события. Порядок монотонный:
// active -> acknowledged -> resolved, назад пути нет.
const (
	EventStatusActive       = "active"
	EventStatusAcknowledged = "acknowledged"
	EventStatusResolved     = "resolved"
)

// Типы экстренных событий.
const (
	EventTypeSOS      = "sos"
	EventTypePanic    = "panic"
	EventTypeMedical  = "medical"
	EventTypeAccident = "accident"
)

// Статусы попытки эскалации.
const (
	EscalationStatusInitiated = "initiated"
	EscalationStatusSubmitted = "submitted"
	EscalationStatusFailed    = "failed"
)

// Способ доставки эскалации провайдеру.
const (
	EscalationMethodAPI    = "api_integration"
	EscalationMethodManual = "manual_escalation"
)

// Производные статусы присутствия. Не хранятся — считаются из last_seen/paused.
const (
	PresenceStatusOnline  = "online"
	PresenceStatusIdle    = "idle"
	PresenceStatusOffline = "offline"
)

var (
	ErrInvalidTransition   = errors.New("invalid event status transition")
	ErrNoProviderAvailable = errors.New("no emergency provider available")
	ErrEventResolved       = errors.New("event already resolved")
	ErrEventNotFound       = errors.New("event not found")
	ErrValidation          = errors.New("validation failed")
)

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

type Presence struct {
	MemberID  string
	GroupID   string
	Lat       float64
	Lng       float64
	Battery   *int32
	Paused    bool
	LastSeen  time.Time
	UpdatedAt time.Time
}

type PresenceInput struct {
	MemberID  string
	GroupID   string
	Lat       float64
	Lng       float64
	Battery   *int32
	Paused    bool
	Timestamp time.Time
}

type EmergencyEvent struct {
	ID         string
	MemberID   string
	GroupID    string
	Type       string
	Status     string
	Location   Location
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedBy *string
	ResolvedAt *time.Time
}

// Provider — служба экстренного реагирования. Геозона — bounding box;
// провайдер без геозоны считается глобальным дефолтом.
type Provider struct {
	ID            string
	Name          string
	ContactNumber string
	EndpointURL   string
	APIKey        string
	// Priority: меньше = более специфичный регион (город раньше страны).
	Priority  int32
	Active    bool
	Region    *Geofence
	CreatedAt time.Time
}

type Geofence struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

func (g *Geofence) Contains(lat, lng float64) bool {
	if g == nil {
		return false
	}
	return lat >= g.MinLat && lat <= g.MaxLat && lng >= g.MinLng && lng <= g.MaxLng
}

type EscalationRequest struct {
	ID             string
	EventID        string
	ProviderID     string
	Status         string
	Method         string
	IncidentNumber *string
	ResponseTimeMS *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EscalationAuditEntry — append-only запись о попытке эскалации. Никогда не
// обновляется и не удаляется.
type EscalationAuditEntry struct {
	ID             uint64
	EventID        string
	RequestID      string
	ProviderID     string
	ActionTaken    string
	Success        bool
	ResponseTimeMS *int64
	Metadata       map[string]string
	CreatedAt      time.Time
}

// ManualPacket — структурированный пакет для ручной эскалации оператором,
// когда API-интеграция недоступна или упала.
type ManualPacket struct {
	ID            uint64
	RequestID     string
	EventID       string
	ProviderName  string
	ContactNumber string
	EmergencyType string
	Severity      string
	Location      Location
	MemberName    string
	MemberPhone   string
	Notes         string
	CreatedAt     time.Time
}

type Acknowledgment struct {
	ID           uint64
	EventID      string
	MemberID     string
	ResponseType string
	CreatedAt    time.Time
}

// Caller — явная идентичность вызывающего. Передаётся в каждую операцию ядра
// вместо неявного глобального состояния сессии.
type Caller struct {
	MemberID string
	Name     string
	Phone    string
}
