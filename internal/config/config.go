package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Turn    TurnConfig    `yaml:"turn"`
	TTS     TTSConfig     `yaml:"tts"`
	LLM     LLMConfig     `yaml:"llm"`
	History HistoryConfig `yaml:"history"`
	Publish PublishConfig `yaml:"publish"`
	Discord DiscordConfig `yaml:"discord"`
	Logging LoggingConfig `yaml:"logging"`
	Audio   AudioConfig   `yaml:"audio"`
	Wake    WakeConfig    `yaml:"wake"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// TurnConfig holds the debounce and voice activity windows in milliseconds.
type TurnConfig struct {
	DebounceMs            int `yaml:"debounce_ms"`
	VoiceActivityWindowMs int `yaml:"voice_activity_window_ms"`
}

// TTSConfig configures the streaming synthesis backend.
type TTSConfig struct {
	URL        string  `yaml:"url"`
	AuthToken  string  `yaml:"auth_token"`
	GroupID    string  `yaml:"group_id"`
	Model      string  `yaml:"model"`
	VoiceID    string  `yaml:"voice_id"`
	SampleRate int     `yaml:"sample_rate"`
	Bitrate    int     `yaml:"bitrate"`
	Speed      float64 `yaml:"speed"`
	Vol        float64 `yaml:"vol"`
	Pitch      int     `yaml:"pitch"`
	Attempts   int     `yaml:"attempts"`
	// HeaderTimeoutMs bounds the wait for response headers only; the body
	// streams for as long as the backend keeps sending.
	HeaderTimeoutMs int `yaml:"header_timeout_ms"`
}

type LLMConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	FallbackModel string  `yaml:"fallback_model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	SystemPrompt  string  `yaml:"system_prompt"`
	TimeoutMs     int     `yaml:"timeout_ms"`
}

// HistoryConfig selects the conversation history backend.
type HistoryConfig struct {
	Backend   string `yaml:"backend"` // memory | redis
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
	TTLHours  int    `yaml:"ttl_hours"`
}

// PublishConfig points at the collaborator that receives committed turns.
type PublishConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type DiscordConfig struct {
	Token          string   `yaml:"token"`
	GuildID        string   `yaml:"guild_id"`
	VoiceChannelID string   `yaml:"voice_channel_id"`
	AllowedUserIDs []string `yaml:"allowed_user_ids"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type AudioConfig struct {
	SaveDir string `yaml:"save_dir"`
}

// WakeConfig makes spoken turns reply only when addressed. No phrases
// means every turn gets a reply.
type WakeConfig struct {
	Phrases     []string `yaml:"phrases"`
	WindowWords int      `yaml:"window_words"`
}

// Default returns a configuration with every default filled in.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Turn: TurnConfig{DebounceMs: 1200, VoiceActivityWindowMs: 4000},
		TTS: TTSConfig{
			Model:           "speech-02-turbo",
			VoiceID:         "female-shaonv",
			SampleRate:      32000,
			Bitrate:         128000,
			Speed:           1.0,
			Vol:             1.0,
			Attempts:        2,
			HeaderTimeoutMs: 10000,
		},
		LLM: LLMConfig{
			BaseURL:      "http://127.0.0.1:8000/v1",
			MaxTokens:    512,
			Temperature:  0.7,
			SystemPrompt: "You are a friendly interviewer. Ask one question at a time and keep replies short enough to be spoken aloud.",
			TimeoutMs:    20000,
		},
		History: HistoryConfig{Backend: "memory", Prefix: "voicelab", TTLHours: 24},
		Publish: PublishConfig{TimeoutMs: 5000},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overlays environment variables using lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Logging.Level)
	num("TURN_DEBOUNCE_MS", &c.Turn.DebounceMs)
	num("TURN_VOICE_WINDOW_MS", &c.Turn.VoiceActivityWindowMs)

	str("TTS_URL", &c.TTS.URL)
	str("TTS_AUTH_TOKEN", &c.TTS.AuthToken)
	str("TTS_GROUP_ID", &c.TTS.GroupID)
	str("TTS_MODEL", &c.TTS.Model)
	str("TTS_VOICE_ID", &c.TTS.VoiceID)
	num("TTS_SAMPLE_RATE", &c.TTS.SampleRate)

	str("OPENAI_BASE_URL", &c.LLM.BaseURL)
	str("OPENAI_API_KEY", &c.LLM.APIKey)
	str("OPENAI_MODEL", &c.LLM.Model)
	str("OPENAI_FALLBACK_MODEL", &c.LLM.FallbackModel)
	num("LLM_MAX_TOKENS", &c.LLM.MaxTokens)

	str("TEXT_FORWARD_URL", &c.Publish.URL)
	str("TEXT_FORWARD_AUTH_TOKEN", &c.Publish.AuthToken)

	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.History.RedisAddr = v
		c.History.Backend = "redis"
	}
	str("HISTORY_BACKEND", &c.History.Backend)

	str("DISCORD_BOT_TOKEN", &c.Discord.Token)
	str("GUILD_ID", &c.Discord.GuildID)
	str("VOICE_CHANNEL_ID", &c.Discord.VoiceChannelID)
	if v, ok := lookup("ALLOWED_USER_IDS"); ok && v != "" {
		c.Discord.AllowedUserIDs = splitList(v)
	}

	str("SAVE_AUDIO_DIR", &c.Audio.SaveDir)

	if v, ok := lookup("WAKE_PHRASES"); ok && v != "" {
		c.Wake.Phrases = splitList(v)
	}
	num("WAKE_WINDOW_WORDS", &c.Wake.WindowWords)
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Turn.Validate(); err != nil {
		return fmt.Errorf("turn config: %w", err)
	}
	if err := c.TTS.Validate(); err != nil {
		return fmt.Errorf("tts config: %w", err)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}
	if err := c.Discord.Validate(c.TTS.SampleRate); err != nil {
		return fmt.Errorf("discord config: %w", err)
	}
	if c.Wake.WindowWords < 0 {
		return fmt.Errorf("wake config: window_words must not be negative, got %d", c.Wake.WindowWords)
	}
	return nil
}

func (t *TurnConfig) Validate() error {
	if t.DebounceMs <= 0 {
		return fmt.Errorf("debounce_ms must be positive, got %d", t.DebounceMs)
	}
	if t.VoiceActivityWindowMs <= 0 {
		return fmt.Errorf("voice_activity_window_ms must be positive, got %d", t.VoiceActivityWindowMs)
	}
	return nil
}

func (t *TurnConfig) Debounce() time.Duration {
	return time.Duration(t.DebounceMs) * time.Millisecond
}

func (t *TurnConfig) VoiceActivityWindow() time.Duration {
	return time.Duration(t.VoiceActivityWindowMs) * time.Millisecond
}

func (t *TTSConfig) Validate() error {
	if t.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", t.SampleRate)
	}
	// 20ms frames must hold a whole number of samples.
	if t.SampleRate%50 != 0 {
		return fmt.Errorf("sample_rate %d does not divide into 20ms frames", t.SampleRate)
	}
	if t.Speed < 0 || t.Vol < 0 {
		return errors.New("speed and vol must not be negative")
	}
	return nil
}

func (h *HistoryConfig) Validate() error {
	switch h.Backend {
	case "memory":
	case "redis":
		if h.RedisAddr == "" {
			return errors.New("redis backend requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown backend %q", h.Backend)
	}
	if h.TTLHours < 0 {
		return fmt.Errorf("ttl_hours must not be negative, got %d", h.TTLHours)
	}
	return nil
}

// Validate rejects sample rates the Opus encoder cannot take when a voice
// channel join is configured.
func (d *DiscordConfig) Validate(sampleRate int) error {
	if !d.Enabled() {
		return nil
	}
	if d.Token == "" {
		return errors.New("token is required to join a voice channel")
	}
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
		return nil
	}
	return fmt.Errorf("sample_rate %d is not supported by opus", sampleRate)
}

// Enabled reports whether a voice channel join is configured.
func (d *DiscordConfig) Enabled() bool {
	return d.GuildID != "" && d.VoiceChannelID != ""
}
