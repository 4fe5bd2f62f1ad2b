package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/config"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/messages"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/services/escalation"
	"github.com/go-chi/chi/v5"
)

type workerHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	runner *escalation.Runner
	cfg    *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

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

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.runner == nil {
			_, _ = w.Write([]byte(`{"error":"runner not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.runner.Stats())
	})

	// Ручной перезапуск эскалации оператором. Повтор безопасен: не-failed
	// заявка по паре (event, provider) переиспользуется, дублей не будет.
	r.Post("/escalate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.runner == nil {
			_, _ = w.Write([]byte(`{"error":"runner not wired"}`))
			return
		}
		var msg messages.EventTriggered
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.EventID == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"event_id is required"}`))
			return
		}
		b, _ := json.Marshal(msg)
		if err := opts.runner.Handle(r.Context(), []byte(msg.GroupID), b); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Секреты не выводим, только операционные настройки воркера.
		out := map[string]any{
			"providerClientMode":             opts.cfg.SOS.ProviderClientMode,
			"providerTimeoutSeconds":         opts.cfg.SOS.ProviderTimeoutSeconds,
			"providerRetries":                opts.cfg.SOS.ProviderRetries,
			"providerRateLimitPerMinute":     opts.cfg.SOS.ProviderRateLimitPerMinute,
			"providerBreakerFailures":        opts.cfg.SOS.ProviderBreakerFailures,
			"providerBreakerCooldownSeconds": opts.cfg.SOS.ProviderBreakerCooldownSeconds,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
