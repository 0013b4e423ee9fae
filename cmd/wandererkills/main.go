package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"wanderer-kills/internal/ingestion"
	"wanderer-kills/pkg/app"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/handlers"
	"wanderer-kills/pkg/module"
	"wanderer-kills/pkg/version"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "go.uber.org/automaxprocs"
)

func main() {
	log.Printf("🚀 WandererKills — killmail ingestion and fanout service")
	log.Printf("🏷️  Version: %s", version.GetVersionString())
	log.Printf("🖥️  GOMAXPROCS: %d (automaxprocs-adjusted)", runtime.GOMAXPROCS(0))

	ctx := context.Background()

	appCtx, err := app.InitializeApp("wandererkills")
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}
	defer appCtx.Shutdown(ctx)

	r := chi.NewRouter()
	r.Use(customLoggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	wsPath := config.GetWebSocketPath()
	timeout := middleware.Timeout(60 * time.Second)
	r.Use(func(next http.Handler) http.Handler {
		timed := timeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path == wsPath {
				next.ServeHTTP(w, req)
				return
			}
			timed.ServeHTTP(w, req)
		})
	})
	r.Use(handlers.TracingMiddleware("wandererkills"))

	r.Get("/health", handlers.SimpleHealthHandler())

	apiPrefix := config.GetAPIPrefix()

	humaConfig := huma.DefaultConfig("WandererKills API", version.Get().Version)
	humaConfig.Info.Description = "Killmail ingestion and subscription fanout over the zKillboard/ESI upstream pair"

	var api huma.API
	if apiPrefix == "" {
		api = humachi.New(r, humaConfig)
	} else {
		r.Route(apiPrefix, func(prefixRouter chi.Router) {
			api = humachi.New(prefixRouter, humaConfig)
		})
	}

	// api is already mounted under apiPrefix, so the module adds no prefix of
	// its own.
	ingestionModule := ingestion.New(appCtx.Redis, "")
	ingestionModule.RegisterUnifiedRoutes(api)
	ingestionModule.Routes(r)

	modules := []module.Module{ingestionModule}
	for _, mod := range modules {
		go mod.StartBackgroundTasks(ctx)
	}

	host := config.GetHost()
	port := app.GetPort("8080")
	srv := &http.Server{
		Addr:         host + ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("starting wandererkills server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("received shutdown signal, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		for _, mod := range modules {
			mod.Stop()
		}
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		slog.Error("module drain exceeded shutdown deadline")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	appCtx.Shutdown(shutdownCtx)
	slog.Info("wandererkills shutdown complete")
}

// customLoggerMiddleware mirrors the teacher's gateway logger: every request
// logged except health checks, to keep liveness-probe noise out of access
// logs.
func customLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		middleware.Logger(next).ServeHTTP(w, r)
	})
}
