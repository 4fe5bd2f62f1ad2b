package messages

import "time"

// EventTriggered — задание воркеру на эскалацию. Имя/телефон участника едут
// в сообщении, а не читаются из сессии: ядро не трогает auth-состояние.
type EventTriggered struct {
	EventID     string    `json:"event_id"`
	GroupID     string    `json:"group_id"`
	MemberID    string    `json:"member_id"`
	Type        string    `json:"type"`
	Location    Location  `json:"location"`
	MemberName  string    `json:"member_name,omitempty"`
	MemberPhone string    `json:"member_phone,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
