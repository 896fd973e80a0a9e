//go:build opus
// +build opus

package playback

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/interview-voice-lab/internal/voice"
)

// maxOpusPacket is the largest packet libopus recommends for one frame.
const maxOpusPacket = 4000

// DiscordSink Opus-encodes 20ms frames and queues them on a voice
// connection. The OpusSend channel blocks, which paces the stream.
type DiscordSink struct {
	mu       sync.Mutex
	vc       *discordgo.VoiceConnection
	enc      *opus.Encoder
	rate     int
	speaking bool
}

// NewDiscordSink builds an encoder for sampleRate, which must be one of the
// Opus rates (8, 12, 16, 24 or 48 kHz).
func NewDiscordSink(vc *discordgo.VoiceConnection, sampleRate int) (*DiscordSink, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &DiscordSink{vc: vc, enc: enc, rate: sampleRate}, nil
}

func (d *DiscordSink) WriteFrame(ctx context.Context, f voice.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f.SampleRate != d.rate {
		return fmt.Errorf("frame rate %d does not match encoder rate %d", f.SampleRate, d.rate)
	}
	if !d.speaking {
		if err := d.vc.Speaking(true); err != nil {
			return fmt.Errorf("set speaking: %w", err)
		}
		d.speaking = true
	}
	pkt := make([]byte, maxOpusPacket)
	n, err := d.enc.Encode(f.Samples, pkt)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	select {
	case d.vc.OpusSend <- pkt[:n]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Idle clears the speaking indicator after a reply.
func (d *DiscordSink) Idle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.speaking {
		_ = d.vc.Speaking(false)
		d.speaking = false
	}
}
