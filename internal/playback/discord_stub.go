//go:build !opus
// +build !opus

package playback

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"

	"github.com/interview-voice-lab/internal/voice"
)

// ErrOpusUnavailable is returned when the binary was built without libopus.
var ErrOpusUnavailable = errors.New("playback: built without the opus tag")

// DiscordSink is unavailable in builds without libopus.
type DiscordSink struct{}

func NewDiscordSink(vc *discordgo.VoiceConnection, sampleRate int) (*DiscordSink, error) {
	return nil, ErrOpusUnavailable
}

func (d *DiscordSink) WriteFrame(context.Context, voice.Frame) error { return ErrOpusUnavailable }

func (d *DiscordSink) Idle() {}
