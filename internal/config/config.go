package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	TurnDetectionServerVAD = "server_vad"
	TurnDetectionManual    = "manual"
)

// Config contains all runtime settings for the interview service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel    string
	LogFormat   string
	TraceStdout bool

	RealtimeProvider   string
	OpenAIAPIKey       string
	RealtimeURL        string
	RealtimeModel      string
	RealtimeVoice      string
	TranscriptionModel string

	TurnDetection        string
	VADThreshold         float64
	VADPrefixPaddingMS   int
	VADSilenceMS         int
	VADMaxSilenceMS      int
	VADSilenceStepMS     int
	MaxReconnectAttempts int
	MaxReconnectBackoff  time.Duration
	HistoryLimit         int

	SpeechThreshold      float64
	SpeechMinSpeechMS    int
	SpeechMinSilenceMS   int
	SpeechReleaseGuardMS int
	SampleRate           int

	AILatencyCorrection time.Duration

	AutoGreet     bool
	GreetDelay    time.Duration
	CheckInDelays []time.Duration

	DatabaseURL  string
	RedactPII    bool
	RecordingDir string
}

// Load reads environment variables (after a best-effort .env load) and applies safe defaults.
func Load() (Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "interviewrt"),
		LogLevel:                 envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("APP_LOG_FORMAT", "json"),
		RealtimeProvider:         strings.ToLower(envOrDefault("REALTIME_PROVIDER", "auto")),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		RealtimeURL:              envOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:            envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:            envOrDefault("REALTIME_VOICE", "alloy"),
		TranscriptionModel:       envOrDefault("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
		TurnDetection:            strings.ToLower(envOrDefault("REALTIME_TURN_DETECTION", TurnDetectionServerVAD)),
		VADThreshold:             0.5,
		VADPrefixPaddingMS:       300,
		VADSilenceMS:             800,
		VADMaxSilenceMS:          1600,
		VADSilenceStepMS:         200,
		MaxReconnectAttempts:     5,
		MaxReconnectBackoff:      30 * time.Second,
		HistoryLimit:             100,
		SpeechThreshold:          0.015,
		SpeechMinSpeechMS:        500,
		SpeechMinSilenceMS:       700,
		SpeechReleaseGuardMS:     200,
		SampleRate:               24000,
		AILatencyCorrection:      120 * time.Millisecond,
		AutoGreet:                true,
		GreetDelay:               500 * time.Millisecond,
		CheckInDelays:            []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second},
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		RecordingDir:             stringsTrimSpace("RECORDING_DIR"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.TraceStdout, err = boolFromEnv("APP_TRACE_STDOUT", cfg.TraceStdout); err != nil {
		return Config{}, err
	}
	if cfg.VADThreshold, err = floatFromEnv("REALTIME_VAD_THRESHOLD", cfg.VADThreshold); err != nil {
		return Config{}, err
	}
	if cfg.VADPrefixPaddingMS, err = intFromEnv("REALTIME_VAD_PREFIX_PADDING_MS", cfg.VADPrefixPaddingMS); err != nil {
		return Config{}, err
	}
	if cfg.VADSilenceMS, err = intFromEnv("REALTIME_VAD_SILENCE_MS", cfg.VADSilenceMS); err != nil {
		return Config{}, err
	}
	if cfg.VADMaxSilenceMS, err = intFromEnv("REALTIME_VAD_MAX_SILENCE_MS", cfg.VADMaxSilenceMS); err != nil {
		return Config{}, err
	}
	if cfg.VADSilenceStepMS, err = intFromEnv("REALTIME_VAD_SILENCE_STEP_MS", cfg.VADSilenceStepMS); err != nil {
		return Config{}, err
	}
	if cfg.MaxReconnectAttempts, err = intFromEnv("REALTIME_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts); err != nil {
		return Config{}, err
	}
	if cfg.MaxReconnectBackoff, err = durationFromEnv("REALTIME_MAX_BACKOFF", cfg.MaxReconnectBackoff); err != nil {
		return Config{}, err
	}
	if cfg.HistoryLimit, err = intFromEnv("REALTIME_HISTORY_LIMIT", cfg.HistoryLimit); err != nil {
		return Config{}, err
	}
	if cfg.SpeechThreshold, err = floatFromEnv("SPEECH_THRESHOLD", cfg.SpeechThreshold); err != nil {
		return Config{}, err
	}
	if cfg.SpeechMinSpeechMS, err = intFromEnv("SPEECH_MIN_SPEECH_MS", cfg.SpeechMinSpeechMS); err != nil {
		return Config{}, err
	}
	if cfg.SpeechMinSilenceMS, err = intFromEnv("SPEECH_MIN_SILENCE_MS", cfg.SpeechMinSilenceMS); err != nil {
		return Config{}, err
	}
	if cfg.SpeechReleaseGuardMS, err = intFromEnv("SPEECH_RELEASE_GUARD_MS", cfg.SpeechReleaseGuardMS); err != nil {
		return Config{}, err
	}
	if cfg.SampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.SampleRate); err != nil {
		return Config{}, err
	}
	if cfg.AILatencyCorrection, err = durationFromEnv("AUDIO_AI_LATENCY_CORRECTION", cfg.AILatencyCorrection); err != nil {
		return Config{}, err
	}
	if cfg.AutoGreet, err = boolFromEnv("INTERVIEW_AUTO_GREET", cfg.AutoGreet); err != nil {
		return Config{}, err
	}
	if cfg.GreetDelay, err = durationFromEnv("INTERVIEW_GREET_DELAY", cfg.GreetDelay); err != nil {
		return Config{}, err
	}
	if cfg.CheckInDelays, err = durationListFromEnv("INTERVIEW_CHECKIN_DELAYS", cfg.CheckInDelays); err != nil {
		return Config{}, err
	}
	if cfg.RedactPII, err = boolFromEnv("TRANSCRIPT_REDACT_PII", cfg.RedactPII); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch c.RealtimeProvider {
	case "auto", "openai", "mock":
	default:
		return fmt.Errorf("REALTIME_PROVIDER must be one of auto, openai, mock")
	}
	if c.RealtimeProvider == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when REALTIME_PROVIDER=openai")
	}
	switch c.TurnDetection {
	case TurnDetectionServerVAD, TurnDetectionManual:
	default:
		return fmt.Errorf("REALTIME_TURN_DETECTION must be %s or %s", TurnDetectionServerVAD, TurnDetectionManual)
	}
	if c.VADThreshold <= 0 || c.VADThreshold >= 1 {
		return fmt.Errorf("REALTIME_VAD_THRESHOLD must be in (0, 1)")
	}
	if c.VADSilenceMS < 200 {
		return fmt.Errorf("REALTIME_VAD_SILENCE_MS must be at least 200")
	}
	if c.VADMaxSilenceMS < c.VADSilenceMS {
		return fmt.Errorf("REALTIME_VAD_MAX_SILENCE_MS must be >= REALTIME_VAD_SILENCE_MS")
	}
	if c.VADSilenceStepMS <= 0 {
		return fmt.Errorf("REALTIME_VAD_SILENCE_STEP_MS must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("REALTIME_MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("REALTIME_HISTORY_LIMIT must be positive")
	}
	if c.SpeechThreshold <= 0 {
		return fmt.Errorf("SPEECH_THRESHOLD must be positive")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if len(c.CheckInDelays) == 0 {
		return fmt.Errorf("INTERVIEW_CHECKIN_DELAYS must list at least one delay")
	}
	for _, d := range c.CheckInDelays {
		if d <= 0 {
			return fmt.Errorf("INTERVIEW_CHECKIN_DELAYS entries must be positive")
		}
	}
	return nil
}

// UseMockRealtime reports whether sessions should talk to the in-process mock conversation.
func (c Config) UseMockRealtime() bool {
	switch c.RealtimeProvider {
	case "mock":
		return true
	case "openai":
		return false
	default:
		return c.OpenAIAPIKey == ""
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func durationListFromEnv(key string, fallback []time.Duration) ([]time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("%s parse error: %w", key, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
