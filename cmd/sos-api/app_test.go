package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/dispatch"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/events"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/presence"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakePresenceRepo struct{}

func (fakePresenceRepo) UpsertPresence(_ context.Context, in models.PresenceInput) (*models.Presence, bool, error) {
	return &models.Presence{MemberID: in.MemberID, GroupID: in.GroupID, LastSeen: in.Timestamp}, true, nil
}
func (fakePresenceRepo) ListPresence(context.Context, string) ([]*models.Presence, error) {
	return []*models.Presence{}, nil
}

type fakeEventsRepo struct{}

func (fakeEventsRepo) CreateEvent(context.Context, *models.EmergencyEvent) error { return nil }
func (fakeEventsRepo) GetEvent(context.Context, string) (*models.EmergencyEvent, error) {
	return nil, models.ErrEventNotFound
}
func (fakeEventsRepo) ListEventsByGroup(context.Context, string, string) ([]*models.EmergencyEvent, error) {
	return []*models.EmergencyEvent{}, nil
}
func (fakeEventsRepo) TransitionEvent(context.Context, string, string, string) (*models.EmergencyEvent, bool, error) {
	return nil, false, models.ErrEventNotFound
}
func (fakeEventsRepo) ResolveEvent(context.Context, string, string) (*models.EmergencyEvent, bool, error) {
	return nil, false, models.ErrEventNotFound
}
func (fakeEventsRepo) AcknowledgeEvent(context.Context, string, string, string) (*models.Acknowledgment, bool, error) {
	return nil, false, models.ErrEventNotFound
}

type fakeConsumer struct{}

func (fakeConsumer) Consume(ctx context.Context, _ func(key, value []byte) error) error {
	<-ctx.Done()
	return ctx.Err()
}

// Первые failures вызовов падают, дальше ведёт себя как fakeConsumer.
type flakyConsumer struct {
	failures int
	calls    atomic.Int32
}

func (c *flakyConsumer) Consume(ctx context.Context, _ func(key, value []byte) error) error {
	n := c.calls.Add(1)
	if int(n) <= c.failures {
		return errors.New("kafka broker unreachable")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunSOSAPI_ServesAndStops(t *testing.T) {
	presenceSvc := presence.New(fakePresenceRepo{}, nil, "sos.group.notify", nil, 0)
	eventsSvc := events.New(fakeEventsRepo{}, nil, "sos.group.notify", "sos.event.triggered")
	hub := dispatch.NewHub(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := sosAPIOpts{
		httpAddr:      "127.0.0.1:0",
		notifyTopic:   "sos.group.notify",
		consumerGroup: "sos-api",
		onListen:      func(httpAddr string) { addrCh <- httpAddr },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- runSOSAPI(ctx, opts, presenceSvc, eventsSvc, hub, fakeConsumer{})
	}()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), `"ok"`)

	// Заодно проверяем, что доменные маршруты смонтированы.
	resp, err = http.Post("http://"+addr+"/v1/presence", "application/json",
		strings.NewReader(`{"member_id":"m1","group_id":"g1","lat":1,"lng":2}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	cancel()

	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting server to stop")
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestRunSOSAPI_RestartsDeadConsumer(t *testing.T) {
	old := consumerRestartDelay
	consumerRestartDelay = 10 * time.Millisecond
	defer func() { consumerRestartDelay = old }()

	presenceSvc := presence.New(fakePresenceRepo{}, nil, "sos.group.notify", nil, 0)
	eventsSvc := events.New(fakeEventsRepo{}, nil, "sos.group.notify", "sos.event.triggered")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &flakyConsumer{failures: 2}
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runSOSAPI(ctx, sosAPIOpts{
			httpAddr:    "127.0.0.1:0",
			notifyTopic: "sos.group.notify",
			onListen:    func(httpAddr string) { addrCh <- httpAddr },
		}, presenceSvc, eventsSvc, dispatch.NewHub(0), consumer)
	}()
	<-addrCh

	// Мост переживает падения consumer-а и поднимает его заново.
	require.Eventually(t, func() bool {
		return consumer.calls.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting server to stop")
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	}
}
