package escalation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/messages"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/pkg/errors"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Runner — конвейер воркера: принимает задания на эскалацию из kafka,
// прогоняет их через Router + Executor и публикует исход в группу.
type Runner struct {
	router      *Router
	executor    *Executor
	producer    Producer
	notifyTopic string

	startedAtUnixNano int64
	totalProcessed    atomic.Int64
	totalErrors       atomic.Int64
	inFlight          atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func NewRunner(router *Router, executor *Executor, producer Producer, notifyTopic string) *Runner {
	return &Runner{
		router:            router,
		executor:          executor,
		producer:          producer,
		notifyTopic:       notifyTopic,
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

type Stats struct {
	StartedAt      time.Time `json:"startedAt"`
	TotalProcessed int64     `json:"totalProcessed"`
	TotalErrors    int64     `json:"totalErrors"`
	InFlight       int64     `json:"inFlight"`
	LastError      string    `json:"lastError,omitempty"`
}

func (r *Runner) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalProcessed: r.totalProcessed.Load(),
		TotalErrors:    r.totalErrors.Load(),
		InFlight:       r.inFlight.Load(),
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

// Handle — обработчик kafka-сообщения. Ошибка возвращается только когда
// сообщение имеет смысл доставить повторно (отказ хранилища); отменённые и
// безнадёжные задания коммитятся.
func (r *Runner) Handle(ctx context.Context, key, value []byte) error {
	var msg messages.EventTriggered
	if err := json.Unmarshal(value, &msg); err != nil {
		slog.Error("bad event trigger message", "error", err.Error())
		return nil
	}

	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	err := r.process(ctx, msg)
	r.totalProcessed.Add(1)
	if err != nil {
		r.totalErrors.Add(1)
		r.lastErrorMu.Lock()
		r.lastError = err.Error()
		r.lastErrorMu.Unlock()
		slog.Error("process escalation", "event_id", msg.EventID, "error", err.Error())
	}
	return err
}

func (r *Runner) process(ctx context.Context, msg messages.EventTriggered) error {
	loc := models.Location{Lat: msg.Location.Lat, Lng: msg.Location.Lng, Address: msg.Location.Address}

	providers, err := r.router.Select(ctx, loc)
	if errors.Is(err, models.ErrNoProviderAvailable) {
		// Единственный случай, который показываем пользователю как провал:
		// звоните в местную экстренную службу напрямую.
		r.publishNotify(ctx, msg.GroupID, messages.KindEscalationFailed, messages.EscalationFailed{
			EventID: msg.EventID,
			Reason:  "no emergency provider available, call your local emergency number directly",
		})
		return nil
	}
	if err != nil {
		return err
	}

	in := EscalateInput{
		Event: models.EmergencyEvent{
			ID:        msg.EventID,
			MemberID:  msg.MemberID,
			GroupID:   msg.GroupID,
			Type:      msg.Type,
			Status:    models.EventStatusActive,
			Location:  loc,
			CreatedAt: msg.CreatedAt,
		},
		MemberName:  msg.MemberName,
		MemberPhone: msg.MemberPhone,
		Notes:       msg.Notes,
	}

	req, err := r.executor.Escalate(ctx, in, providers[0])
	if errors.Is(err, models.ErrEventResolved) || errors.Is(err, models.ErrEventNotFound) {
		// Событие успели закрыть — новых заявок не создаём.
		slog.Info("escalation cancelled", "event_id", msg.EventID, "reason", err.Error())
		return nil
	}
	if err != nil {
		return err
	}

	out := messages.EscalationUpdated{
		EventID:    req.EventID,
		RequestID:  req.ID,
		ProviderID: req.ProviderID,
		Status:     req.Status,
		Method:     req.Method,
	}
	if req.IncidentNumber != nil {
		out.IncidentNumber = *req.IncidentNumber
	}
	r.publishNotify(ctx, msg.GroupID, messages.KindEscalationUpdated, out)
	return nil
}

func (r *Runner) publishNotify(ctx context.Context, groupID, kind string, payload any) {
	if r.producer == nil {
		return
	}
	n, err := messages.NewGroupNotify(kind, groupID, payload)
	if err != nil {
		slog.Error("build escalation notify", "kind", kind, "error", err.Error())
		return
	}
	b, _ := json.Marshal(n)
	// Kafka может быть не готова сразу после старта docker compose,
	// поэтому короткий retry.
	var pubErr error
	for i := 0; i < 10; i++ {
		if pubErr = r.producer.Publish(ctx, r.notifyTopic, []byte(groupID), b); pubErr == nil {
			return
		}
		time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
	}
	slog.Error("publish escalation notify", "kind", kind, "error", pubErr.Error())
}
