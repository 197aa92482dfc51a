// Package config loads the relay's runtime configuration from environment
// variables with command-line flag overrides.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/signalmesh/relay/internal/origin"
)

const (
	envVarListenAddr      = "SIGNALMESH_LISTEN_ADDR"
	envVarMode            = "SIGNALMESH_MODE"
	envVarLogFormat       = "SIGNALMESH_LOG_FORMAT"
	envVarLogLevel        = "SIGNALMESH_LOG_LEVEL"
	envVarAllowedOrigins  = "SIGNALMESH_ALLOWED_ORIGINS"
	envVarShutdownTimeout = "SIGNALMESH_SHUTDOWN_TIMEOUT"

	// Chunk store knobs.
	envVarMaxChunksPerRoom = "SIGNALMESH_MAX_CHUNKS_PER_ROOM"
	envVarChunkRetention   = "SIGNALMESH_CHUNK_RETENTION"
	envVarSweepInterval    = "SIGNALMESH_SWEEP_INTERVAL"
	envVarMaxUploadBytes   = "SIGNALMESH_MAX_UPLOAD_BYTES"

	// WebSocket signaling hardening.
	envVarMaxSignalMessageBytes      = "SIGNALMESH_MAX_SIGNAL_MESSAGE_BYTES"
	envVarMaxSignalMessagesPerSecond = "SIGNALMESH_MAX_SIGNAL_MESSAGES_PER_SECOND"
	envVarWSPingInterval             = "SIGNALMESH_WS_PING_INTERVAL"
	envVarWSIdleTimeout              = "SIGNALMESH_WS_IDLE_TIMEOUT"

	// ICE configuration served to browser clients at GET /rtc/ice.
	envVarICEServersJSON = "SIGNALMESH_ICE_SERVERS_JSON"
	envVarStunURLs       = "SIGNALMESH_STUN_URLS"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultMaxChunksPerRoom = 600
	DefaultChunkRetention   = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultMaxUploadBytes   = 1 << 20 // 1MiB

	DefaultMaxSignalMessageBytes      = 64 * 1024
	DefaultMaxSignalMessagesPerSecond = 50
	DefaultWSPingInterval             = 20 * time.Second
	DefaultWSIdleTimeout              = 60 * time.Second
)

// DefaultStunURL matches the browser client's fallback ICE configuration.
const DefaultStunURL = "stun:stun.l.google.com:19302"

type Config struct {
	ListenAddr string
	Mode       Mode
	LogFormat  LogFormat
	LogLevel   slog.Level

	// AllowedOrigins holds normalized origins (or "*"). Empty means
	// same-host only.
	AllowedOrigins []string

	ShutdownTimeout time.Duration

	MaxChunksPerRoom int
	ChunkRetention   time.Duration
	SweepInterval    time.Duration
	MaxUploadBytes   int64

	MaxSignalMessageBytes      int64
	MaxSignalMessagesPerSecond int
	WSPingInterval             time.Duration
	WSIdleTimeout              time.Duration

	// ICEServers is served verbatim to browser clients; the relay itself
	// never opens a PeerConnection.
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load is the testable core of Load: environment access goes through lookup
// so tests can inject their own variables.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeStr := envOrDefault(lookup, envVarMode, string(ModeDev))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeStr))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeStr))

	fs := flag.NewFlagSet("signalmesh-relay", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen", listenAddr, "HTTP listen address")
	fs.StringVar(&modeStr, "mode", modeStr, "dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, ""))
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	maxChunksPerRoom, err := envIntOrDefault(lookup, envVarMaxChunksPerRoom, DefaultMaxChunksPerRoom)
	if err != nil {
		return Config{}, err
	}
	if maxChunksPerRoom <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envVarMaxChunksPerRoom, maxChunksPerRoom)
	}

	chunkRetention, err := envDurationOrDefault(lookup, envVarChunkRetention, DefaultChunkRetention)
	if err != nil {
		return Config{}, err
	}
	if chunkRetention <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %s", envVarChunkRetention, chunkRetention)
	}

	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %s", envVarSweepInterval, sweepInterval)
	}
	if sweepInterval >= chunkRetention {
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)",
			envVarSweepInterval, sweepInterval, envVarChunkRetention, chunkRetention)
	}

	maxUploadBytes, err := envIntOrDefault(lookup, envVarMaxUploadBytes, DefaultMaxUploadBytes)
	if err != nil {
		return Config{}, err
	}
	if maxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envVarMaxUploadBytes, maxUploadBytes)
	}

	maxSignalMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalMessageBytes, DefaultMaxSignalMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalMessagesPerSecond, DefaultMaxSignalMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	if wsPingInterval > 0 && wsIdleTimeout > 0 && wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)",
			envVarWSPingInterval, wsPingInterval, envVarWSIdleTimeout, wsIdleTimeout)
	}

	iceServers, err := parseICEServers(
		envOrDefault(lookup, envVarICEServersJSON, ""),
		envOrDefault(lookup, envVarStunURLs, ""),
	)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		AllowedOrigins:  allowedOrigins,
		ShutdownTimeout: shutdownTimeout,

		MaxChunksPerRoom: maxChunksPerRoom,
		ChunkRetention:   chunkRetention,
		SweepInterval:    sweepInterval,
		MaxUploadBytes:   int64(maxUploadBytes),

		MaxSignalMessageBytes:      int64(maxSignalMessageBytes),
		MaxSignalMessagesPerSecond: maxSignalMessagesPerSecond,
		WSPingInterval:             wsPingInterval,
		WSIdleTimeout:              wsIdleTimeout,

		ICEServers: iceServers,
	}, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid %s entry %q", envVarAllowedOrigins, entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// iceServerJSON is the wire shape accepted in SIGNALMESH_ICE_SERVERS_JSON,
// matching the browser's RTCIceServer dictionary.
type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts either a single URL string or an array of them, as the
// browser API does.
type urlList []string

func (u *urlList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

func parseICEServers(serversJSON, stunURLs string) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(serversJSON) != "" {
		var wire []iceServerJSON
		if err := json.Unmarshal([]byte(serversJSON), &wire); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", envVarICEServersJSON, err)
		}
		out := make([]webrtc.ICEServer, 0, len(wire))
		for i, s := range wire {
			if len(s.URLs) == 0 {
				return nil, fmt.Errorf("invalid %s: server %d has no urls", envVarICEServersJSON, i)
			}
			server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
			if s.Credential != "" {
				server.Credential = s.Credential
			}
			out = append(out, server)
		}
		return out, nil
	}

	urls := []string{DefaultStunURL}
	if strings.TrimSpace(stunURLs) != "" {
		urls = nil
		for _, u := range strings.Split(stunURLs, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
				return nil, fmt.Errorf("invalid %s entry %q: expected stun: or stuns: URL", envVarStunURLs, u)
			}
			urls = append(urls, u)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("%s is set but contains no URLs", envVarStunURLs)
		}
	}
	return []webrtc.ICEServer{{URLs: urls}}, nil
}
