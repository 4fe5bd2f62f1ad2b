package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/config"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/messages"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider/dispatchhttp"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider/fake"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/escalation"
	"github.com/stretchr/testify/require"
)

type fakeWorkerRepo struct{}

func (fakeWorkerRepo) ListActiveProviders(context.Context) ([]*models.Provider, error) {
	return []*models.Provider{{ID: "es-112", Name: "112 España", Active: true}}, nil
}
func (fakeWorkerRepo) CreateOrGetEscalationRequest(_ context.Context, id, eventID, providerID string) (*models.EscalationRequest, bool, error) {
	return &models.EscalationRequest{ID: id, EventID: eventID, ProviderID: providerID, Status: models.EscalationStatusInitiated}, true, nil
}
func (fakeWorkerRepo) FinishEscalationRequest(_ context.Context, id, status, method string, incidentNumber *string, responseTimeMS *int64) (*models.EscalationRequest, error) {
	return &models.EscalationRequest{ID: id, Status: status, Method: method, IncidentNumber: incidentNumber}, nil
}
func (fakeWorkerRepo) AppendAuditEntry(context.Context, *models.EscalationAuditEntry) error {
	return nil
}
func (fakeWorkerRepo) InsertManualPacket(context.Context, *models.ManualPacket) error { return nil }

type noopProducer struct{}

func (noopProducer) Publish(context.Context, string, []byte, []byte) error { return nil }

type oneShotConsumer struct {
	value []byte
}

func (c oneShotConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	if c.value != nil {
		if err := handler([]byte("g1"), c.value); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestDefaultWorkerFactories_SelectProviderClient(t *testing.T) {
	f := defaultWorkerFactories()

	cfgHTTP := &config.Config{SOS: config.SOSConfig{ProviderClientMode: "http"}}
	c1 := f.newProviderClient(cfgHTTP)
	_, ok := c1.(*dispatchhttp.Client)
	require.True(t, ok)

	cfgFake := &config.Config{SOS: config.SOSConfig{ProviderClientMode: "fake"}}
	c2 := f.newProviderClient(cfgFake)
	_, ok = c2.(*fake.FakeClient)
	require.True(t, ok)

	// Пустой режим — тоже fake: без явного opt-in наружу не ходим.
	c3 := f.newProviderClient(&config.Config{})
	_, ok = c3.(*fake.FakeClient)
	require.True(t, ok)
}

func TestDefaultWorkerFactories_ProducerAndRateLimiter_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(cfg))
	require.NotNil(t, f.newRateLimiter(cfg))
}

func TestRunSOSWorker_ProcessesAndStops(t *testing.T) {
	calledClose := false

	msg, err := json.Marshal(messages.EventTriggered{
		EventID:  "ev-1",
		GroupID:  "g1",
		MemberID: "m1",
		Type:     models.EventTypeSOS,
		Location: messages.Location{Lat: 40.42, Lng: -3.70},
	})
	require.NoError(t, err)

	f := workerFactories{
		newStorage: func(*config.Config) (workerRepository, func(), error) {
			return fakeWorkerRepo{}, func() { calledClose = true }, nil
		},
		newProducer:       func(*config.Config) escalation.Producer { return noopProducer{} },
		newRateLimiter:    func(*config.Config) escalation.RateLimiter { return nil },
		newProviderClient: func(*config.Config) provider.Client { return fake.New() },
		newConsumer: func(*config.Config, string, string) kafkaConsumer {
			return oneShotConsumer{value: msg}
		},
	}

	cfg := &config.Config{
		SOS: config.SOSConfig{WorkerHTTPAddr: "127.0.0.1:0"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- RunSOSWorker(ctx, cfg, f) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting worker to stop")
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	}
	require.True(t, calledClose)
}

func TestRunWorkerHTTPServer_Stats(t *testing.T) {
	repo := fakeWorkerRepo{}
	executor := escalation.NewExecutor(repo, fake.New(), nil, escalation.Policy{})
	runner := escalation.NewRunner(escalation.NewRouter(repo), executor, noopProducer{}, "sos.group.notify")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: "127.0.0.1:0",
			onListen: func(addr string) { addrCh <- addr },
			runner:   runner,
			cfg:      &config.Config{},
		})
	}()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), "totalProcessed")

	resp, err = http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	cancel()
	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting http server to stop")
	case <-errCh:
	}
}

func TestRunWorkerHTTPServer_ManualEscalate(t *testing.T) {
	repo := fakeWorkerRepo{}
	executor := escalation.NewExecutor(repo, fake.New(), nil, escalation.Policy{})
	runner := escalation.NewRunner(escalation.NewRouter(repo), executor, noopProducer{}, "sos.group.notify")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: "127.0.0.1:0",
			onListen: func(addr string) { addrCh <- addr },
			runner:   runner,
			cfg:      &config.Config{},
		})
	}()

	addr := <-addrCh

	msg := messages.EventTriggered{
		EventID:    "evt-1",
		GroupID:    "g1",
		MemberID:   "m1",
		MemberName: "Carlos",
		Type:       string(models.EventTypeSOS),
		Location:   messages.Location{Lat: 40.4168, Lng: -3.7038},
	}
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	resp, err := http.Post("http://"+addr+"/escalate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(b), `"triggered":true`)
	require.EqualValues(t, 1, runner.Stats().TotalProcessed)

	// Без event_id перезапускать нечего.
	resp, err = http.Post("http://"+addr+"/escalate", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 400, resp.StatusCode)

	cancel()
	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting http server to stop")
	case <-errCh:
	}
}
