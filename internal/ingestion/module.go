// Package ingestion composes every killmail-ingestion component (C1-C10)
// into a single pkg/module.Module: one Cache, two Gates (zkb, esi), the
// HttpFetcher/RefStream/Lookups upstream adapters, the EnrichmentPipeline,
// Store, Poller, SubscriptionManager, Broadcaster, WebhookNotifier, the
// retention Sweeper, and the websocket transport, wired the way the
// teacher's feature modules assemble their own services in NewModule.
package ingestion

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"wanderer-kills/internal/broadcaster"
	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/enrichment"
	"wanderer-kills/internal/fetcher"
	"wanderer-kills/internal/gate"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/poller"
	"wanderer-kills/internal/retention"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/subscription"
	subroutes "wanderer-kills/internal/subscription/routes"
	"wanderer-kills/internal/webhook"
	"wanderer-kills/internal/wstransport"

	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/database"
	"wanderer-kills/pkg/module"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Module is the composed killmail-ingestion service.
type Module struct {
	*module.BaseModule

	cache   cache.Cache
	zkbGate *gate.Gate
	esiGate *gate.Gate

	store       *store.Store
	broadcaster *broadcaster.Broadcaster
	webhook     *webhook.Notifier
	subs        *subscription.Manager
	pipeline    *enrichment.Pipeline
	poller      *poller.Poller
	sweeper     *retention.Sweeper
	ws          *wstransport.Hub

	basePath string
	cancel   context.CancelFunc
}

// New builds the fully-wired Module. redisClient is nil when
// CACHE_BACKEND != "redis", in which case the Cache runs in-memory.
// apiPrefix (may be "") is prepended to the subscription route paths: they
// are registered at apiPrefix+"/subscriptions" on the huma API passed to
// RegisterUnifiedRoutes, below whatever prefix that API is mounted under.
func New(redisClient *database.Redis, apiPrefix string) *Module {
	c := buildCache(redisClient)

	httpClient := &http.Client{Timeout: config.GetHTTPTimeout(), Transport: buildTransport()}

	zkbGate := gate.New(gate.Config{
		Name:             "zkb",
		BucketCapacity:   config.GetZKBBucketCapacity(),
		RefillRatePerSec: config.GetZKBRefillRate(),
		FailureThreshold: config.GetCircuitFailureThreshold(),
		ResetAfter:       config.GetCircuitResetAfter(),
		MaxQueueDepth:    config.GetGateMaxQueueDepth(),
	})
	esiGate := gate.New(gate.Config{
		Name:             "esi",
		BucketCapacity:   config.GetESIBucketCapacity(),
		RefillRatePerSec: config.GetESIRefillRate(),
		FailureThreshold: config.GetCircuitFailureThreshold(),
		ResetAfter:       config.GetCircuitResetAfter(),
		MaxQueueDepth:    config.GetGateMaxQueueDepth(),
	})

	userAgent := config.GetUserAgent()
	zkbFetcher := fetcher.New(httpClient, zkbGate, userAgent, fetcher.DefaultRetryConfig())
	esiFetcher := fetcher.New(httpClient, esiGate, userAgent, fetcher.DefaultRetryConfig())

	refStream := fetcher.NewRefStream(zkbFetcher, config.GetZKBStreamURL())
	lookups := fetcher.NewLookups(esiFetcher, c, config.GetESIBaseURL())

	st := store.New()
	bc := broadcaster.New(0)
	wh := webhook.New(httpClient, userAgent, config.GetWebhookTimeout(), config.GetWebhookQueueDepth(), config.GetWebhookWorkerCount())
	subs := subscription.New(st, c, bc, wh)

	pipeline := enrichment.New(lookups, c, config.GetWebhookWorkerCount())

	m := &Module{
		BaseModule:  module.NewBaseModule("ingestion", redisClient),
		cache:       c,
		zkbGate:     zkbGate,
		esiGate:     esiGate,
		store:       st,
		broadcaster: bc,
		webhook:     wh,
		subs:        subs,
		pipeline:    pipeline,
		basePath:    apiPrefix,
		ws:          wstransport.New(bc, wstransport.Config{AllowedOrigins: config.GetWebSocketAllowedOrigins()}),
	}

	m.poller = poller.New(refStream, pipeline, st, m.dispatch, poller.Config{
		QueueID:        config.GetZKBQueueID(uuid.NewString()),
		TTWSeconds:     10,
		FastInterval:   config.GetPollFastInterval(),
		IdleInterval:   config.GetPollIdleInterval(),
		InitialBackoff: config.GetPollInitialBackoff(),
		MaxBackoff:     config.GetPollMaxBackoff(),
		BackoffFactor:  config.GetPollBackoffFactor(),
		CutoffWindow:   time.Duration(config.GetIngestCutoffHours() * float64(time.Hour)),
		SnapshotEvery:  time.Minute,
	}, m.onStats)

	if sweeper, err := retention.New(st, config.GetStoreRetentionMaxEvents(), "@every 1m"); err != nil {
		slog.Error("failed to build retention sweeper", "error", err)
	} else {
		m.sweeper = sweeper
	}

	return m
}

// buildTransport only instruments outbound zkb/ESI requests with OTel spans
// when telemetry is enabled, matching the teacher's evegateway client.
func buildTransport() http.RoundTripper {
	if !config.GetBoolEnv("ENABLE_TELEMETRY", false) {
		return http.DefaultTransport
	}
	return otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Host
		}),
	)
}

func buildCache(redisClient *database.Redis) cache.Cache {
	ttls := map[string]time.Duration{
		cache.NamespaceCharacterInfo:       config.GetCacheTTL(cache.NamespaceCharacterInfo, 24*time.Hour),
		cache.NamespaceCorporationInfo:     config.GetCacheTTL(cache.NamespaceCorporationInfo, 24*time.Hour),
		cache.NamespaceAllianceInfo:        config.GetCacheTTL(cache.NamespaceAllianceInfo, 24*time.Hour),
		cache.NamespaceShipType:            config.GetCacheTTL(cache.NamespaceShipType, 24*time.Hour),
		cache.NamespaceGroup:               config.GetCacheTTL(cache.NamespaceGroup, 24*time.Hour),
		cache.NamespaceSystemFetchTS:       config.GetCacheTTL(cache.NamespaceSystemFetchTS, time.Hour),
		cache.NamespaceSystemActive:        config.GetCacheTTL(cache.NamespaceSystemActive, time.Hour),
		cache.NamespaceKillmail:            config.GetCacheTTL(cache.NamespaceKillmail, time.Hour),
		cache.NamespaceCharacterExtraction: config.GetCacheTTL(cache.NamespaceCharacterExtraction, time.Hour),
	}
	if redisClient != nil && config.GetCacheBackend() == "redis" {
		return cache.NewRedis(redisClient, ttls, time.Hour)
	}
	return cache.NewMemory(ttls, time.Hour)
}

// dispatch is the Poller's DispatchFunc: route one accepted killmail
// through the SubscriptionManager.
func (m *Module) dispatch(km killmail.Killmail) {
	m.subs.Dispatch(km)
}

func (m *Module) onStats(snap poller.StatsSnapshot) {
	slog.Info("poller stats",
		"received", snap.PerMinute.Received,
		"skipped", snap.PerMinute.Skipped,
		"errors", snap.PerMinute.Errors,
		"active_systems", snap.ActiveSystem,
		"cumulative_received", snap.Cumulative.Received,
	)
}

// Routes registers the raw (non-huma) websocket upgrade handler.
func (m *Module) Routes(r chi.Router) {
	r.Get(config.GetWebSocketPath(), m.ws.ServeHTTP)
}

// RegisterUnifiedRoutes registers the module's huma-based REST operations.
func (m *Module) RegisterUnifiedRoutes(api huma.API) {
	subroutes.RegisterSubscriptionRoutes(api, m.basePath+"/subscriptions", m.subs)
}

// StartBackgroundTasks runs the Poller and the retention Sweeper until ctx
// is canceled or Stop is called.
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.sweeper != nil {
		m.sweeper.Start()
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-m.StopChannel():
			cancel()
		}
	}()

	m.poller.Run(ctx)
}

// Stop drains the webhook pool and retention sweeper, then the base module.
func (m *Module) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	m.webhook.Close()
	m.zkbGate.Close()
	m.esiGate.Close()
	m.BaseModule.Stop()
}
