package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/api/sosapi"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/messages"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/dispatch"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/events"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/presence"
	"github.com/go-chi/chi/v5"
)

type sosAPIOpts struct {
	httpAddr string

	notifyTopic   string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// Пауза перед перезапуском моста kafka -> hub. Переменная ради тестов.
var consumerRestartDelay = 5 * time.Second

func runSOSAPI(ctx context.Context, opts sosAPIOpts, presenceSvc *presence.Service, eventsSvc *events.Service, hub *dispatch.Hub, consumer kafkaConsumer) error {
	api := sosapi.New(presenceSvc, eventsSvc, hub)

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Get("/streamz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hub.Stats())
	})
	api.Routes(r)

	// Мост kafka -> in-process hub: нотификации доезжают до websocket-подписчиков
	// любого экземпляра api, независимо от того, кто их опубликовал. Упавший
	// consumer перезапускаем, иначе fan-out молча остановится.
	go func() {
		slog.Info("kafka consumer started", "topic", opts.notifyTopic, "group", opts.consumerGroup)
		for {
			err := consumer.Consume(ctx, func(_key, value []byte) error {
				var n messages.GroupNotify
				if err := json.Unmarshal(value, &n); err != nil {
					slog.Error("bad group notify message", "error", err.Error())
					return nil
				}
				hub.Publish(n)
				return nil
			})
			if ctx.Err() != nil {
				return
			}
			slog.Error("group notify consumer exited, restarting",
				"topic", opts.notifyTopic, "group", opts.consumerGroup, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumerRestartDelay):
			}
		}
	}()

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
