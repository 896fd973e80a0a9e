package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/interview-voice-lab/internal/config"
	"github.com/interview-voice-lab/internal/history"
	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/session"
	"github.com/interview-voice-lab/internal/turn"
	"github.com/interview-voice-lab/internal/voice"
	"github.com/interview-voice-lab/llm"
)

// historyFactory returns a per-session store constructor and a closer for
// the shared backend.
func historyFactory(ctx context.Context, cfg config.HistoryConfig) (func(id string) history.Store, func() error, error) {
	if cfg.Backend != "redis" {
		return func(string) history.Store { return history.NewMemoryStore() }, func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	logging.Infow("bot: history backed by redis", "addr", cfg.RedisAddr, "prefix", cfg.Prefix)
	ttl := time.Duration(cfg.TTLHours) * time.Hour
	return func(id string) history.Store {
		return history.NewRedisStore(client, id, history.WithPrefix(cfg.Prefix), history.WithTTL(ttl))
	}, client.Close, nil
}

// newStreamer returns nil when no synthesis backend is configured.
func newStreamer(cfg config.TTSConfig) *voice.Streamer {
	if cfg.URL == "" {
		logging.Warnw("bot: TTS_URL not set; replies will be text only")
		return nil
	}
	synth := &voice.TTSClient{
		URL:        cfg.URL,
		AuthToken:  cfg.AuthToken,
		GroupID:    cfg.GroupID,
		Model:      cfg.Model,
		VoiceID:    cfg.VoiceID,
		Speed:      cfg.Speed,
		Vol:        cfg.Vol,
		Pitch:      cfg.Pitch,
		SampleRate: cfg.SampleRate,
		Bitrate:    cfg.Bitrate,
		Attempts:   cfg.Attempts,
		Client:     voice.NewStreamingHTTPClient(time.Duration(cfg.HeaderTimeoutMs) * time.Millisecond),
	}
	return voice.NewStreamer(synth, cfg.SampleRate)
}

func newPublisher(cfg config.PublishConfig) session.Publisher {
	if cfg.URL == "" {
		return session.NopPublisher{}
	}
	return session.NewHTTPPublisher(cfg.URL, cfg.AuthToken, time.Duration(cfg.TimeoutMs)*time.Millisecond)
}

func newCompleter(cfg config.LLMConfig) session.Completer {
	c := llm.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.FallbackModel, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	c.MaxTokensCap = cfg.MaxTokens
	return c
}

// newRegistry builds every session from the same collaborators.
func newRegistry(cfg *config.Config, newHistory func(id string) history.Store) *session.Registry {
	sessCfg := session.Config{
		Turn: turn.Config{
			Debounce:            cfg.Turn.Debounce(),
			VoiceActivityWindow: cfg.Turn.VoiceActivityWindow(),
		},
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		SaveAudioDir: cfg.Audio.SaveDir,

		WakePhrases:     cfg.Wake.Phrases,
		WakeWindowWords: cfg.Wake.WindowWords,
	}
	completer := newCompleter(cfg.LLM)
	streamer := newStreamer(cfg.TTS)
	publisher := newPublisher(cfg.Publish)
	return session.NewRegistry(func(id string) *session.Session {
		return session.New(id, sessCfg, session.Deps{
			History:   newHistory(id),
			LLM:       completer,
			Streamer:  streamer,
			Publisher: publisher,
		})
	})
}
