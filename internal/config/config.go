// Package config assembles the proxy's runtime configuration from CLI
// flags and environment variables, following the same env-var-first
// convention as infrastructure/config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/r3e-edge/flag-edge/infrastructure/config"
)

// Edge is the fully resolved runtime configuration for the edge proxy
// daemon.
type Edge struct {
	ListenAddr       string
	MetricsAddr      string
	UpstreamURL      string
	Tokens           []string
	TrustedTokens    map[string]string
	PollInterval     time.Duration
	StreamingEnabled bool
	DeltaCacheLength int
	MetricsInterval  time.Duration
	ValidationMode   string
	StatePath        string
	RedisURL         string
	LogLevel         string
	LogFormat        string
	StrictTLS        bool
	ShutdownTimeout  time.Duration
}

// ParseFlags builds an Edge configuration from CLI args, falling back to
// environment variables, then hardcoded defaults, for any flag not
// explicitly passed.
func ParseFlags(args []string) (*Edge, error) {
	fs := pflag.NewFlagSet("edge", pflag.ContinueOnError)

	listenAddr := fs.String("listen-addr", envOrDefault("EDGE_LISTEN_ADDR", ":3063"), "address the client/frontend API listens on")
	metricsAddr := fs.String("metrics-addr", envOrDefault("EDGE_METRICS_ADDR", ":3064"), "parsed but not used: Prometheus metrics are served by the main listener at /internal-backstage/metrics")
	upstreamURL := fs.String("upstream-url", config.GetEnv("EDGE_UPSTREAM_URL", ""), "base URL of the upstream feature provider")
	tokensCSV := fs.String("tokens", config.GetEnv("EDGE_TOKENS", ""), "comma-separated list of SDK tokens to pre-register at startup")
	trustedTokensCSV := fs.String("trusted-tokens", config.GetEnv("EDGE_TRUSTED_TOKENS", ""), "comma-separated alias=token pairs pre-validated without an upstream round trip, either {alias}={project-spec}:{environment}.{secret} or legacy {alias}={secret}@{environment}")
	pollInterval := fs.Duration("poll-interval", parseDurationDefault("EDGE_POLL_INTERVAL", 10*time.Second), "interval between upstream polls per token scope")
	streaming := fs.Bool("streaming", config.GetEnvBool("EDGE_STREAMING_ENABLED", false), "consume upstream's SSE stream instead of polling")
	deltaLength := fs.Int("delta-cache-length", config.GetEnvInt("EDGE_DELTA_CACHE_LENGTH", 100), "number of delta events retained per environment")
	metricsInterval := fs.Duration("metrics-interval", parseDurationDefault("EDGE_METRICS_INTERVAL", time.Minute), "interval between metrics batch uploads")
	defaultValidationMode := envOrDefault("EDGE_VALIDATION_MODE", "immediate")
	if config.GetEnvBool("EDGE_DEFER_TOKEN_VALIDATION", false) {
		defaultValidationMode = "deferred"
	}
	validationMode := fs.String("validation-mode", defaultValidationMode, "token validation mode: immediate or deferred (EDGE_DEFER_TOKEN_VALIDATION=true selects deferred)")
	statePath := fs.String("state-path", envOrDefault("EDGE_STATE_PATH", "./edge-state.json"), "path to the warm-start persistence file")
	redisURL := fs.String("redis-url", config.GetEnv("EDGE_REDIS_URL", ""), "Redis URL for shared warm-start persistence (overrides state-path)")
	logLevel := fs.String("log-level", envOrDefault("LOG_LEVEL", "info"), "log level")
	logFormat := fs.String("log-format", envOrDefault("LOG_FORMAT", "json"), "log format: json or text")
	strictTLS := fs.Bool("strict-tls", config.GetEnvBool("EDGE_STRICT_TLS", false), "reject non-HTTPS upstream URLs")
	shutdownTimeout := fs.Duration("shutdown-timeout", parseDurationDefault("EDGE_SHUTDOWN_TIMEOUT", 15*time.Second), "grace period for draining in-flight requests on shutdown")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	if *upstreamURL == "" {
		return nil, fmt.Errorf("config: --upstream-url (or EDGE_UPSTREAM_URL) is required")
	}

	return &Edge{
		ListenAddr:       *listenAddr,
		MetricsAddr:      *metricsAddr,
		UpstreamURL:      *upstreamURL,
		Tokens:           config.SplitAndTrimCSV(*tokensCSV),
		TrustedTokens:    parseTrustedTokensCSV(*trustedTokensCSV),
		PollInterval:     *pollInterval,
		StreamingEnabled: *streaming,
		DeltaCacheLength: *deltaLength,
		MetricsInterval:  *metricsInterval,
		ValidationMode:   strings.ToLower(strings.TrimSpace(*validationMode)),
		StatePath:        *statePath,
		RedisURL:         *redisURL,
		LogLevel:         *logLevel,
		LogFormat:        *logFormat,
		StrictTLS:        *strictTLS,
		ShutdownTimeout:  *shutdownTimeout,
	}, nil
}

// parseTrustedTokensCSV parses "alias=token,alias2=token2" into a map,
// skipping any entry missing its "=" separator rather than failing
// startup over one malformed trusted-token entry.
func parseTrustedTokensCSV(csv string) map[string]string {
	out := make(map[string]string)
	for _, entry := range config.SplitAndTrimCSV(csv) {
		idx := strings.Index(entry, "=")
		if idx <= 0 || idx == len(entry)-1 {
			continue
		}
		out[entry[:idx]] = entry[idx+1:]
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := config.GetEnv(key, ""); v != "" {
		return v
	}
	return def
}

func parseDurationDefault(key string, def time.Duration) time.Duration {
	return config.ParseDurationOrDefault(config.GetEnv(key, ""), def)
}
