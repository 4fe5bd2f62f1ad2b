package messages

import (
	"encoding/json"
	"time"
)

// Виды нотификаций, рассылаемых подписчикам группы.
const (
	KindPresenceUpdated   = "presence_updated"
	KindEventCreated      = "event_created"
	KindEventAcknowledged = "event_acknowledged"
	KindEventResolved     = "event_resolved"
	KindEscalationUpdated = "escalation_updated"
	KindEscalationFailed  = "escalation_failed"
)

// GroupNotify — конверт нотификации. Ключ kafka-сообщения — group_id,
// чтобы порядок внутри одной группы сохранялся.
type GroupNotify struct {
	Kind    string          `json:"kind"`
	GroupID string          `json:"group_id"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PresenceUpdated struct {
	MemberID string    `json:"member_id"`
	Status   string    `json:"status"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Battery  *int32    `json:"battery,omitempty"`
	Paused   bool      `json:"paused"`
	LastSeen time.Time `json:"last_seen"`
}

type EventCreated struct {
	Event Event `json:"event"`
}

type EventAcknowledged struct {
	EventID  string `json:"event_id"`
	MemberID string `json:"member_id"`
}

// EventResolved просит клиентов снять постоянные (недиссмиссируемые) алерты
// по событию. Чисто advisory: уже доставленные людям уведомления не отзываются.
type EventResolved struct {
	EventID string `json:"event_id"`
}

type EscalationUpdated struct {
	EventID        string `json:"event_id"`
	RequestID      string `json:"request_id"`
	ProviderID     string `json:"provider_id"`
	Status         string `json:"status"`
	Method         string `json:"method"`
	IncidentNumber string `json:"incident_number,omitempty"`
}

// EscalationFailed — ни один провайдер не доступен; клиенту советуем
// звонить в местную экстренную службу напрямую.
type EscalationFailed struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

type Event struct {
	ID        string    `json:"id"`
	MemberID  string    `json:"member_id"`
	GroupID   string    `json:"group_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Location  Location  `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

func NewGroupNotify(kind, groupID string, payload any) (GroupNotify, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return GroupNotify{}, err
	}
	return GroupNotify{
		Kind:    kind,
		GroupID: groupID,
		At:      time.Now().UTC(),
		Payload: b,
	}, nil
}
