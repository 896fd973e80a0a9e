package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/interview-voice-lab/internal/config"
	"github.com/interview-voice-lab/internal/discord"
	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/playback"
	"github.com/interview-voice-lab/internal/session"
)

// runDiscord joins the configured voice channel and binds it to a session
// until ctx ends.
func runDiscord(ctx context.Context, cfg config.DiscordConfig, sampleRate int, reg *session.Registry) error {
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return fmt.Errorf("discordgo.New: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	dg.AddHandler(discord.NewEventLogger().Handle)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord session open: %w", err)
	}
	defer func() {
		if err := dg.Close(); err != nil {
			logging.Warnw("bot: discord session close error", "err", err)
		}
	}()

	sess, err := reg.Create("discord-" + cfg.VoiceChannelID)
	if err != nil {
		return err
	}
	resolver := discord.NewSessionResolver(dg, 0)
	adapter := discord.NewAdapter(sess, resolver, cfg.AllowedUserIDs)
	dg.AddHandler(adapter.HandleVoiceState)

	logging.Infow("bot: joining voice channel", "guild", cfg.GuildID, "channel", cfg.VoiceChannelID)
	vc, err := dg.ChannelVoiceJoin(cfg.GuildID, cfg.VoiceChannelID, false, false)
	if err != nil {
		return fmt.Errorf("voice join: %w", err)
	}
	defer func() {
		if err := vc.Disconnect(); err != nil {
			logging.Warnw("bot: voice disconnect error", "err", err)
		}
	}()
	vc.AddHandler(adapter.HandleSpeakingUpdate)

	sink, err := playback.NewDiscordSink(vc, sampleRate)
	if err != nil {
		logging.Warnw("bot: discord playback disabled", "err", err)
	} else {
		sess.SetSink(sink)
	}

	go adapter.ReceiveLoop(ctx, vc.OpusRecv)
	logging.Infow("bot: voice joined", "session_id", sess.ID(), "guild", resolver.GuildName(cfg.GuildID), "channel", resolver.ChannelName(cfg.VoiceChannelID))

	<-ctx.Done()
	return nil
}
