package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/config"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/kafka"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/cache/rediscache"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider/dispatchhttp"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider/fake"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/escalation"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/storage/pgsos"
)

type workerRepository interface {
	escalation.Repository
	escalation.ProviderSource
}

type workerFactories struct {
	newStorage        func(cfg *config.Config) (repo workerRepository, closeFn func(), err error)
	newProducer       func(cfg *config.Config) escalation.Producer
	newRateLimiter    func(cfg *config.Config) escalation.RateLimiter
	newProviderClient func(cfg *config.Config) provider.Client
	newConsumer       func(cfg *config.Config, topic, group string) kafkaConsumer
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerRepository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgsos.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) escalation.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) escalation.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newProviderClient: func(cfg *config.Config) provider.Client {
			// Для демо без реальных служб реагирования — локальный fake.
			if cfg.SOS.ProviderClientMode == "http" {
				return dispatchhttp.New()
			}
			return fake.New()
		},
		newConsumer: func(cfg *config.Config, topic, group string) kafkaConsumer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
	}
}

func RunSOSWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	triggerTopic := cfg.Kafka.EventTriggeredTopicName
	if triggerTopic == "" {
		triggerTopic = "sos.event.triggered"
	}
	notifyTopic := cfg.Kafka.GroupNotifyTopicName
	if notifyTopic == "" {
		notifyTopic = "sos.group.notify"
	}
	consumerGroup := cfg.SOS.WorkerConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "sos-worker"
	}

	policy := escalation.Policy{
		Timeout:         time.Duration(cfg.SOS.ProviderTimeoutSeconds) * time.Second,
		Retries:         cfg.SOS.ProviderRetries,
		BreakerFailures: cfg.SOS.ProviderBreakerFailures,
		BreakerCooldown: time.Duration(cfg.SOS.ProviderBreakerCooldownSeconds) * time.Second,
	}
	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	client := f.newProviderClient(cfg)

	executor := escalation.NewExecutor(repo, client, rl, policy).
		WithRateLimit(int64(cfg.SOS.ProviderRateLimitPerMinute))
	runner := escalation.NewRunner(escalation.NewRouter(repo), executor, producer, notifyTopic)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: cfg.SOS.WorkerHTTPAddr,
			runner:   runner,
			cfg:      cfg,
		})
	}()

	consumer := f.newConsumer(cfg, triggerTopic, consumerGroup)
	consumeErr := make(chan error, 1)
	go func() {
		slog.Info("kafka consumer started", "topic", triggerTopic, "group", consumerGroup)
		consumeErr <- consumer.Consume(ctx, func(key, value []byte) error {
			return runner.Handle(ctx, key, value)
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-consumeErr:
		return err
	case err := <-httpErr:
		return err
	}
}
