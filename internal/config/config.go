package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Enumerated settings. Values are matched case-insensitively.
const (
	RelayModeDecode      = "decode"
	RelayModePassthrough = "passthrough"

	PersonaPolicyNone    = "none"
	PersonaPolicyPriming = "priming"
	PersonaPolicySystem  = "system"

	StreamFormatSSE  = "sse"
	StreamFormatJSON = "json"

	TrailingDiscard = "discard"
	TrailingReport  = "report"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is read once at process start and never mutated afterwards.
type Config struct {
	GeminiAPIKey    string
	ParamPrefix     string
	GeminiModel     string
	GeminiBaseURL   string
	StreamFormat    string
	MaxOutputTokens int

	RelayMode     string
	PersonaPolicy string
	PersonaTable  string
	PersonaID     string
	PersonaFile   string

	DecoderMaxBuffer   int
	DecoderTrailing    string
	UpstreamMaxRetries int
	UpstreamRetryBase  time.Duration
	RelayDeadline      time.Duration

	MaxMessageLength int
	MaxHistoryTurns  int

	ListenAddr string
	LogLevel   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("param_prefix", "")
	v.SetDefault("gemini_model", "gemini-2.0-flash")
	v.SetDefault("gemini_base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("gemini_stream_format", StreamFormatSSE)
	v.SetDefault("gemini_max_output_tokens", 0)

	v.SetDefault("relay_mode", RelayModeDecode)
	v.SetDefault("persona_policy", PersonaPolicyNone)
	v.SetDefault("persona_table", "")
	v.SetDefault("persona_id", "")
	v.SetDefault("persona_file", "")

	v.SetDefault("decoder_max_buffer", 1<<20)
	v.SetDefault("decoder_trailing", TrailingDiscard)
	v.SetDefault("upstream_max_retries", 0)
	v.SetDefault("upstream_retry_base", "200ms")
	v.SetDefault("relay_deadline", "0s")

	v.SetDefault("max_message_length", 4000)
	v.SetDefault("max_history_turns", 100)

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from the environment. If CONFIG_FILE names a YAML
// file it is read first and environment variables override its keys.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		GeminiAPIKey:    strings.TrimSpace(v.GetString("gemini_api_key")),
		ParamPrefix:     strings.TrimRight(strings.TrimSpace(v.GetString("param_prefix")), "/"),
		GeminiModel:     strings.TrimSpace(v.GetString("gemini_model")),
		GeminiBaseURL:   strings.TrimSpace(v.GetString("gemini_base_url")),
		StreamFormat:    normalize(v.GetString("gemini_stream_format")),
		MaxOutputTokens: v.GetInt("gemini_max_output_tokens"),

		RelayMode:     normalize(v.GetString("relay_mode")),
		PersonaPolicy: normalize(v.GetString("persona_policy")),
		PersonaTable:  strings.TrimSpace(v.GetString("persona_table")),
		PersonaID:     strings.TrimSpace(v.GetString("persona_id")),
		PersonaFile:   strings.TrimSpace(v.GetString("persona_file")),

		DecoderMaxBuffer:   v.GetInt("decoder_max_buffer"),
		DecoderTrailing:    normalize(v.GetString("decoder_trailing")),
		UpstreamMaxRetries: v.GetInt("upstream_max_retries"),
		UpstreamRetryBase:  v.GetDuration("upstream_retry_base"),
		RelayDeadline:      v.GetDuration("relay_deadline"),

		MaxMessageLength: v.GetInt("max_message_length"),
		MaxHistoryTurns:  v.GetInt("max_history_turns"),

		ListenAddr: strings.TrimSpace(v.GetString("listen_addr")),
		LogLevel:   normalize(v.GetString("log_level")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Validate rejects unknown enum values and impossible limits. A missing API
// key source is not an error here; requests report it instead.
func (c Config) Validate() error {
	var errs []error
	check := func(key, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s=%q (want one of %s)", key, val, strings.Join(allowed, "|")))
	}
	check("RELAY_MODE", c.RelayMode, RelayModeDecode, RelayModePassthrough)
	check("PERSONA_POLICY", c.PersonaPolicy, PersonaPolicyNone, PersonaPolicyPriming, PersonaPolicySystem)
	check("GEMINI_STREAM_FORMAT", c.StreamFormat, StreamFormatSSE, StreamFormatJSON)
	check("DECODER_TRAILING", c.DecoderTrailing, TrailingDiscard, TrailingReport)
	check("LOG_LEVEL", c.LogLevel, "debug", "info", "warn", "error")

	if c.GeminiModel == "" {
		errs = append(errs, errors.New("GEMINI_MODEL must not be empty"))
	}
	if c.DecoderMaxBuffer <= 0 {
		errs = append(errs, fmt.Errorf("DECODER_MAX_BUFFER=%d must be positive", c.DecoderMaxBuffer))
	}
	if c.UpstreamMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_MAX_RETRIES=%d must not be negative", c.UpstreamMaxRetries))
	}
	if c.RelayDeadline < 0 {
		errs = append(errs, fmt.Errorf("RELAY_DEADLINE=%s must not be negative", c.RelayDeadline))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_LENGTH=%d must be positive", c.MaxMessageLength))
	}
	if c.MaxHistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("MAX_HISTORY_TURNS=%d must not be negative", c.MaxHistoryTurns))
	}
	if c.PersonaTable != "" && c.PersonaID == "" {
		errs = append(errs, errors.New("PERSONA_ID is required when PERSONA_TABLE is set"))
	}
	if c.PersonaTable != "" && c.PersonaFile != "" {
		errs = append(errs, errors.New("PERSONA_TABLE and PERSONA_FILE are mutually exclusive"))
	}
	if c.PersonaPolicy != PersonaPolicyNone && c.PersonaTable == "" && c.PersonaFile == "" {
		errs = append(errs, fmt.Errorf("PERSONA_POLICY=%s needs PERSONA_TABLE or PERSONA_FILE", c.PersonaPolicy))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// HasCredentialSource reports whether a Gemini key can be obtained.
func (c Config) HasCredentialSource() bool {
	return c.GeminiAPIKey != "" || c.ParamPrefix != ""
}

// SlogLevel maps LOG_LEVEL onto slog levels.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
