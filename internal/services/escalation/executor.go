package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateOrGetEscalationRequest(ctx context.Context, id, eventID, providerID string) (*models.EscalationRequest, bool, error)
	FinishEscalationRequest(ctx context.Context, id, status, method string, incidentNumber *string, responseTimeMS *int64) (*models.EscalationRequest, error)
	AppendAuditEntry(ctx context.Context, e *models.EscalationAuditEntry) error
	InsertManualPacket(ctx context.Context, p *models.ManualPacket) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// EscalateInput — всё, что нужно для диспатча: событие плюс идентичность
// участника (имя/телефон приходят от вызывающего, не из сессии).
type EscalateInput struct {
	Event       models.EmergencyEvent
	MemberName  string
	MemberPhone string
	Notes       string
}

type Executor struct {
	repo    Repository
	client  provider.Client
	rl      RateLimiter
	policy  Policy
	breaker *breaker

	rateLimitPerMinute int64
}

func NewExecutor(repo Repository, client provider.Client, rl RateLimiter, policy Policy) *Executor {
	policy = policy.withDefaults()
	return &Executor{
		repo:    repo,
		client:  client,
		rl:      rl,
		policy:  policy,
		breaker: newBreaker(policy.BreakerFailures, policy.BreakerCooldown),

		rateLimitPerMinute: 60,
	}
}

func (e *Executor) WithRateLimit(perMinute int64) *Executor {
	if perMinute > 0 {
		e.rateLimitPerMinute = perMinute
	}
	return e
}

// Escalate доводит событие до провайдера. Интеграционные сбои (таймаут,
// не-2xx, сеть, отсутствие endpoint) гасятся локально ручным fallback —
// наружу уходит только отказ хранилища или resolved/несуществующее событие.
// Ровно одна audit-запись на выполненную попытку, всегда после её завершения.
func (e *Executor) Escalate(ctx context.Context, in EscalateInput, p *models.Provider) (*models.EscalationRequest, error) {
	ev := in.Event

	req, created, err := e.repo.CreateOrGetEscalationRequest(ctx, uuid.NewString(), ev.ID, p.ID)
	if err != nil {
		return nil, err
	}
	if !created {
		// Не-failed заявка уже есть — диспатч не дублируем.
		return req, nil
	}

	// Превышенный лимит не валит эскалацию, а переводит её сразу в ручной
	// канал: API лежащего под нагрузкой провайдера не дёргаем.
	rateLimited := false
	if e.rl != nil && e.rateLimitPerMinute > 0 {
		key := fmt.Sprintf("rl:provider:%s:%s", p.ID, time.Now().UTC().Format("200601021504"))
		if allowed, n, rlErr := e.rl.Allow(ctx, key, e.rateLimitPerMinute, 70*time.Second); rlErr == nil && !allowed {
			rateLimited = true
			slog.Warn("provider rate limit exceeded, skipping API attempt", "provider_id", p.ID, "count", n)
		}
	}

	var res provider.DispatchResult
	var apiErr error
	start := time.Now()
	if rateLimited {
		apiErr = errors.Errorf("provider %s rate limit exceeded", p.ID)
	} else {
		res, apiErr = e.attemptAPI(ctx, p, in)
	}
	elapsed := time.Since(start).Milliseconds()

	if apiErr == nil {
		num := res.IncidentNumber
		finished, err := e.repo.FinishEscalationRequest(ctx, req.ID,
			models.EscalationStatusSubmitted, models.EscalationMethodAPI, &num, &elapsed)
		if err != nil {
			return nil, err
		}
		if err := e.repo.AppendAuditEntry(ctx, &models.EscalationAuditEntry{
			EventID:        ev.ID,
			RequestID:      req.ID,
			ProviderID:     p.ID,
			ActionTaken:    models.EscalationMethodAPI,
			Success:        true,
			ResponseTimeMS: &elapsed,
			Metadata:       map[string]string{"incident_number": num},
		}); err != nil {
			return nil, err
		}
		return finished, nil
	}

	// Fallback: собираем пакет для оператора. Сам fallback не проваливается —
	// в журнале всегда видно, что попытка была.
	slog.Warn("provider integration failed, falling back to manual escalation",
		"event_id", ev.ID, "provider_id", p.ID, "error", apiErr.Error())

	if err := e.repo.InsertManualPacket(ctx, &models.ManualPacket{
		RequestID:     req.ID,
		EventID:       ev.ID,
		ProviderName:  p.Name,
		ContactNumber: p.ContactNumber,
		EmergencyType: ev.Type,
		Severity:      severityFor(ev.Type),
		Location:      ev.Location,
		MemberName:    in.MemberName,
		MemberPhone:   in.MemberPhone,
		Notes:         in.Notes,
	}); err != nil {
		return nil, err
	}

	finished, err := e.repo.FinishEscalationRequest(ctx, req.ID,
		models.EscalationStatusSubmitted, models.EscalationMethodManual, nil, &elapsed)
	if err != nil {
		return nil, err
	}
	if err := e.repo.AppendAuditEntry(ctx, &models.EscalationAuditEntry{
		EventID:        ev.ID,
		RequestID:      req.ID,
		ProviderID:     p.ID,
		ActionTaken:    models.EscalationMethodManual,
		Success:        true,
		ResponseTimeMS: &elapsed,
		Metadata:       map[string]string{"reason": apiErr.Error()},
	}); err != nil {
		return nil, err
	}
	return finished, nil
}

func (e *Executor) attemptAPI(ctx context.Context, p *models.Provider, in EscalateInput) (provider.DispatchResult, error) {
	if e.client == nil || p.EndpointURL == "" {
		return provider.DispatchResult{}, errors.New("no integration endpoint")
	}
	if !e.breaker.Allow(p.ID, time.Now().UTC()) {
		return provider.DispatchResult{}, errors.Errorf("provider %s circuit open", p.ID)
	}

	ev := in.Event
	din := provider.DispatchInput{
		IncidentID:     ev.ID,
		EmergencyType:  ev.Type,
		Severity:       severityFor(ev.Type),
		Location:       ev.Location,
		UserName:       in.MemberName,
		UserPhone:      in.MemberPhone,
		AdditionalInfo: in.Notes,
	}

	var lastErr error
	for attempt := 0; attempt <= e.policy.Retries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
		res, err := e.client.Dispatch(actx, p, din)
		cancel()
		if err == nil {
			e.breaker.Success(p.ID)
			return res, nil
		}
		lastErr = err
	}
	e.breaker.Failure(p.ID, time.Now().UTC())
	return provider.DispatchResult{}, lastErr
}

func severityFor(eventType string) string {
	switch eventType {
	case models.EventTypeSOS, models.EventTypeMedical:
		return "critical"
	default:
		return "high"
	}
}
