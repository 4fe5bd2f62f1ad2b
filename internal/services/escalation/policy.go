package escalation

import (
	"sync"
	"time"
)

// Policy — явная политика обращения к API провайдера: ограниченный таймаут,
// одна повторная попытка, затем ручной fallback; circuit breaker на случай
// лежащего провайдера. Тестируется отдельно от HTTP-вызова.
type Policy struct {
	Timeout time.Duration // на одну попытку
	Retries int           // дополнительных попыток до fallback; 0 — дефолт, отрицательное — без повторов

	BreakerFailures int           // подряд неудач до открытия
	BreakerCooldown time.Duration // пауза до полуоткрытого состояния
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout:         5 * time.Second,
		Retries:         1,
		BreakerFailures: 3,
		BreakerCooldown: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.Retries == 0 {
		p.Retries = def.Retries
	} else if p.Retries < 0 {
		p.Retries = 0
	}
	if p.BreakerFailures <= 0 {
		p.BreakerFailures = def.BreakerFailures
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = def.BreakerCooldown
	}
	return p
}

type breakerState struct {
	fails     int
	openUntil time.Time
}

// breaker считает подряд идущие неудачи по провайдеру. Открытый breaker
// означает "не дёргаем API, сразу ручная эскалация".
type breaker struct {
	mu       sync.Mutex
	failures int
	cooldown time.Duration
	states   map[string]*breakerState
}

func newBreaker(failures int, cooldown time.Duration) *breaker {
	return &breaker{
		failures: failures,
		cooldown: cooldown,
		states:   map[string]*breakerState{},
	}
}

func (b *breaker) Allow(providerID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[providerID]
	if !ok {
		return true
	}
	if st.fails < b.failures {
		return true
	}
	// Полуоткрытое состояние: после паузы пропускаем одну пробную попытку.
	return !now.Before(st.openUntil)
}

func (b *breaker) Success(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, providerID)
}

func (b *breaker) Failure(providerID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[providerID]
	if !ok {
		st = &breakerState{}
		b.states[providerID] = st
	}
	st.fails++
	if st.fails >= b.failures {
		st.openUntil = now.Add(b.cooldown)
	}
}
