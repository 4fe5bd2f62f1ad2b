package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/config"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/kafka"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/cache/rediscache"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/dispatch"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/events"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/presence"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/storage/pgsos"
)

type sosAPIApp struct {
	ctx         context.Context
	cancel      context.CancelFunc
	opts        sosAPIOpts
	presenceSvc *presence.Service
	eventsSvc   *events.Service
	hub         *dispatch.Hub
	consumer    *kafka.Consumer
	producer    *kafka.Producer
	closeDB     func()
}

func mustBootstrapSOSAPI() *sosAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.SOS.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.SOS.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "sos-api"
	}
	notifyTopic := cfg.Kafka.GroupNotifyTopicName
	if notifyTopic == "" {
		notifyTopic = "sos.group.notify"
	}
	triggerTopic := cfg.Kafka.EventTriggeredTopicName
	if triggerTopic == "" {
		triggerTopic = "sos.event.triggered"
	}

	presenceTTL := time.Duration(cfg.SOS.PresenceCacheTTLSeconds) * time.Second
	if presenceTTL <= 0 {
		presenceTTL = 15 * time.Second
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, notifyTopic, consumerGroup)

	presenceSvc := presence.New(st, producer, notifyTopic, rc, presenceTTL)
	eventsSvc := events.New(st, producer, notifyTopic, triggerTopic)
	hub := dispatch.NewHub(cfg.SOS.StreamBufferSize)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &sosAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: sosAPIOpts{
			httpAddr:      httpAddr,
			notifyTopic:   notifyTopic,
			consumerGroup: consumerGroup,
		},
		presenceSvc: presenceSvc,
		eventsSvc:   eventsSvc,
		hub:         hub,
		consumer:    consumer,
		producer:    producer,
		closeDB:     st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgsos.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgsos.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *sosAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *sosAPIApp) Run() error {
	return runSOSAPI(a.ctx, a.opts, a.presenceSvc, a.eventsSvc, a.hub, a.consumer)
}
