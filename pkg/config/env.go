package config

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// parseDurationWithDays parses a duration string with extended support for days.
// A duration string is a possibly signed sequence of
// decimal numbers, each with optional fraction and a unit suffix,
// such as "300ms", "-1.5h", "2h45m", "7d", or "1d12h".
// Valid time units are "ns", "us" (or "µs"), "ms", "s", "m", "h", "d".
func parseDurationWithDays(s string) (time.Duration, error) {
	if !strings.Contains(s, "d") {
		return time.ParseDuration(s)
	}

	dayRegex := regexp.MustCompile(`(\d+(?:\.\d+)?)d`)
	converted := dayRegex.ReplaceAllStringFunc(s, func(match string) string {
		numStr := match[:len(match)-1]
		if num, err := strconv.ParseFloat(numStr, 64); err == nil {
			hours := num * 24
			return strconv.FormatFloat(hours, 'f', -1, 64) + "h"
		}
		return match
	})

	return time.ParseDuration(converted)
}

// GetEnv returns the value of an environment variable or a default value if not set
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetBoolEnv returns the boolean value of an environment variable or a default value if not set
func GetBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetIntEnv returns the integer value of an environment variable or a default value if not set
func GetIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetFloatEnv returns the float value of an environment variable or a default value if not set
func GetFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetDurationEnv returns the duration value of an environment variable or a default value if not set.
// Accepts the extended "7d"/"1d12h" day suffix in addition to stdlib units.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := parseDurationWithDays(value)
	if err != nil {
		slog.Warn("failed to parse duration env var, using default",
			slog.String("key", key), slog.String("value", value), slog.String("error", err.Error()))
		return defaultValue
	}
	return parsed
}

// MustGetEnv returns the value of an environment variable or panics if not set
func MustGetEnv(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	panic("Required environment variable " + key + " is not set")
}

// GetAPIPrefix returns the API prefix from environment or default
func GetAPIPrefix() string {
	if prefix, exists := os.LookupEnv("API_PREFIX"); exists {
		if prefix == "" {
			return ""
		}
		if !strings.HasPrefix(prefix, "/") {
			return "/" + prefix
		}
		return prefix
	}
	return ""
}

// GetEnvIntSlice returns a slice of integers from a comma-separated environment variable
func GetEnvIntSlice(key string) []int {
	value := os.Getenv(key)
	if value == "" {
		return []int{}
	}

	parts := strings.Split(value, ",")
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if num, err := strconv.Atoi(part); err == nil {
			result = append(result, num)
		}
	}

	return result
}

// GetHost returns the host interface to bind to (default: all interfaces)
func GetHost() string {
	return GetEnv("HOST", "0.0.0.0")
}

// GetHumaPort returns the HUMA server port from environment
func GetHumaPort() string {
	return GetEnv("HUMA_PORT", "")
}

// GetHumaSeparateServer returns whether to run HUMA on a separate server
func GetHumaSeparateServer() bool {
	return GetBoolEnv("HUMA_SEPARATE_SERVER", false)
}

// GetHumaHost returns the HUMA server host interface to bind to
func GetHumaHost() string {
	return GetEnv("HUMA_HOST", GetHost())
}

// GetOpenAPIServers returns the OpenAPI servers configuration from environment variables.
// Format: OPENAPI_SERVERS="url1|description1,url2|description2"
func GetOpenAPIServers() []*OpenAPIServer {
	serversEnv := GetEnv("OPENAPI_SERVERS", "")
	if serversEnv == "" {
		return nil
	}

	var servers []*OpenAPIServer
	for _, pair := range strings.Split(serversEnv, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, "|")
		if len(parts) != 2 {
			continue
		}
		url := strings.TrimSpace(parts[0])
		description := strings.TrimSpace(parts[1])
		if url != "" && description != "" {
			servers = append(servers, &OpenAPIServer{URL: url, Description: description})
		}
	}

	return servers
}

// OpenAPIServer represents an OpenAPI server configuration
type OpenAPIServer struct {
	URL         string
	Description string
}

// --- Upstream endpoints ---

// GetZKBStreamURL returns the base URL for the killmail reference long-poll stream.
func GetZKBStreamURL() string {
	return GetEnv("ZKB_STREAM_URL", "https://zkillredisq.stream")
}

// GetESIBaseURL returns the base URL for the reference-detail (ESI-shaped) upstream.
func GetESIBaseURL() string {
	return GetEnv("ESI_BASE_URL", "https://esi.evetech.net/latest")
}

// GetUserAgent returns the User-Agent header sent on all upstream requests.
func GetUserAgent() string {
	return GetEnv("USER_AGENT", "wanderer-kills/1.0 (contact@example.com)")
}

// --- Poller cadence ---

func GetPollFastInterval() time.Duration {
	return GetDurationEnv("POLL_FAST_INTERVAL", time.Second)
}

func GetPollIdleInterval() time.Duration {
	return GetDurationEnv("POLL_IDLE_INTERVAL", 5*time.Second)
}

func GetPollInitialBackoff() time.Duration {
	return GetDurationEnv("POLL_INITIAL_BACKOFF", time.Second)
}

func GetPollMaxBackoff() time.Duration {
	return GetDurationEnv("POLL_MAX_BACKOFF", 60*time.Second)
}

func GetPollBackoffFactor() float64 {
	return GetFloatEnv("POLL_BACKOFF_FACTOR", 2.0)
}

// --- Token bucket (per upstream) ---

func GetZKBBucketCapacity() int {
	return GetIntEnv("ZKB_BUCKET_CAPACITY", 10)
}

func GetZKBRefillRate() float64 {
	return GetFloatEnv("ZKB_REFILL_RATE", 2.0)
}

func GetESIBucketCapacity() int {
	return GetIntEnv("ESI_BUCKET_CAPACITY", 20)
}

func GetESIRefillRate() float64 {
	return GetFloatEnv("ESI_REFILL_RATE", 10.0)
}

// --- Circuit breaker ---

func GetCircuitFailureThreshold() int {
	return GetIntEnv("CIRCUIT_FAILURE_THRESHOLD", 5)
}

func GetCircuitResetAfter() time.Duration {
	return GetDurationEnv("CIRCUIT_RESET_AFTER", 30*time.Second)
}

// --- Cache TTLs ---

func GetCacheTTL(namespace string, defaultValue time.Duration) time.Duration {
	key := "CACHE_TTL_" + strings.ToUpper(namespace)
	return GetDurationEnv(key, defaultValue)
}

// GetCacheBackend returns which Cache (C1) backend to use: "memory" or "redis".
func GetCacheBackend() string {
	return GetEnv("CACHE_BACKEND", "memory")
}

// --- Task timeouts ---

func GetHTTPTimeout() time.Duration {
	return GetDurationEnv("HTTP_TIMEOUT", 30*time.Second)
}

func GetLongPollTimeout() time.Duration {
	return GetDurationEnv("LONGPOLL_TIMEOUT", 5*time.Second)
}

func GetLegacyFetchTimeout() time.Duration {
	return GetDurationEnv("LEGACY_FETCH_TIMEOUT", 10*time.Second)
}

func GetWebhookTimeout() time.Duration {
	return GetDurationEnv("WEBHOOK_TIMEOUT", 10*time.Second)
}

// --- Queue depth limits ---

func GetGateMaxQueueDepth() int {
	return GetIntEnv("GATE_MAX_QUEUE_DEPTH", 500)
}

func GetWebhookQueueDepth() int {
	return GetIntEnv("WEBHOOK_QUEUE_DEPTH", 1000)
}

func GetWebhookWorkerCount() int {
	return GetIntEnv("WEBHOOK_WORKER_COUNT", 8)
}

// --- Cutoff windows ---

func GetIngestCutoffHours() float64 {
	return GetFloatEnv("INGEST_CUTOFF_HOURS", 1.0)
}

func GetPreloadCutoffHours() float64 {
	return GetFloatEnv("PRELOAD_CUTOFF_HOURS", 24.0)
}

// --- Retention ---

// GetStoreRetentionMaxEvents returns the maximum number of events retained in
// the Store before oldest-first eviction kicks in. 0 means unbounded.
func GetStoreRetentionMaxEvents() int {
	return GetIntEnv("STORE_RETENTION_MAX_EVENTS", 0)
}

// --- WebSocket transport ---

func GetWebSocketPath() string {
	return GetEnv("WEBSOCKET_PATH", "/websocket/connect")
}

func GetWebSocketAllowedOrigins() []string {
	origins := GetEnv("WEBSOCKET_ALLOWED_ORIGINS", "*")
	if origins == "" || origins == "*" {
		return nil
	}
	result := []string{}
	for _, origin := range strings.Split(origins, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			result = append(result, origin)
		}
	}
	return result
}

// GetZKBQueueID returns the stable per-instance queueID used against the RedisQ
// long-poll stream. Generated once at startup if not pinned via env.
func GetZKBQueueID(defaultID string) string {
	return GetEnv("ZKB_QUEUE_ID", defaultID)
}
