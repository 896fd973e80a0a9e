// Package discord connects a Discord voice channel to a voice session.
//
// The adapter does not transcribe audio. It only turns signs of a user
// speaking (speaking updates and incoming voice packets) into voice activity
// marks, which hold back provisional transcripts and interrupt replies.
package discord

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/interview-voice-lab/internal/logging"
)

// silencePacketMax is the size at or below which an Opus packet is the
// comfort-noise frame Discord sends between words.
const silencePacketMax = 3

// packetMarkInterval limits how often received packets mark activity.
const packetMarkInterval = 100 * time.Millisecond

// VoiceTarget receives voice activity marks.
type VoiceTarget interface {
	VoiceActivity()
}

// Adapter maps SSRCs to users and forwards activity from allowed users.
type Adapter struct {
	target   VoiceTarget
	resolver NameResolver

	now func() time.Time

	mu         sync.Mutex
	ssrcUsers  map[uint32]string
	allow      map[string]struct{}
	lastPacket time.Time
}

// NewAdapter forwards to target. An empty allow-list admits every user.
func NewAdapter(target VoiceTarget, resolver NameResolver, allowed []string) *Adapter {
	if resolver == nil {
		resolver = NoopResolver{}
	}
	a := &Adapter{target: target, resolver: resolver, now: time.Now, ssrcUsers: make(map[uint32]string)}
	a.SetAllowedUsers(allowed)
	return a
}

// SetAllowedUsers replaces the allow-list.
func (a *Adapter) SetAllowedUsers(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allow = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		a.allow[id] = struct{}{}
	}
	logging.Infow("discord: allow-list configured", "count", len(a.allow))
}

// admits reports whether activity from uid is forwarded. Unmapped SSRCs
// are admitted; they are mapped as soon as the first speaking update
// arrives.
func (a *Adapter) admits(uid string) bool {
	if len(a.allow) == 0 || uid == "" {
		return true
	}
	_, ok := a.allow[uid]
	return ok
}

// UserForSSRC returns the user last seen speaking on ssrc.
func (a *Adapter) UserForSSRC(ssrc uint32) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ssrcUsers[ssrc]
}

// HandleSpeakingUpdate is registered on the voice connection.
func (a *Adapter) HandleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	a.mu.Lock()
	a.ssrcUsers[uint32(su.SSRC)] = su.UserID
	ok := a.admits(su.UserID)
	a.mu.Unlock()

	fields := append(logging.UserFields(su.UserID, a.resolver.UserName(su.UserID)), "ssrc", su.SSRC, "speaking", su.Speaking)
	if !ok {
		logging.Debugw("discord: ignoring speaker outside allow-list", fields...)
		return
	}
	logging.Debugw("discord: speaking update", fields...)
	if su.Speaking {
		a.target.VoiceActivity()
	}
}

// HandleVoiceState logs members joining and leaving voice channels.
func (a *Adapter) HandleVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	fields := append(logging.UserFields(vs.UserID, a.resolver.UserName(vs.UserID)), "channel_id", vs.ChannelID)
	if vs.ChannelID == "" {
		logging.Infow("discord: member left voice", fields...)
		return
	}
	fields = append(fields, "channel", a.resolver.ChannelName(vs.ChannelID))
	logging.Infow("discord: member voice state", fields...)
}

// HandlePacket marks activity for one received voice packet.
func (a *Adapter) HandlePacket(ssrc uint32, opus []byte) {
	if len(opus) <= silencePacketMax {
		return
	}
	now := a.now()
	a.mu.Lock()
	ok := a.admits(a.ssrcUsers[ssrc]) && now.Sub(a.lastPacket) >= packetMarkInterval
	if ok {
		a.lastPacket = now
	}
	a.mu.Unlock()
	if ok {
		a.target.VoiceActivity()
	}
}

// ReceiveLoop drains recv until it closes or ctx ends.
func (a *Adapter) ReceiveLoop(ctx context.Context, recv <-chan *discordgo.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-recv:
			if !ok {
				return
			}
			if p != nil {
				a.HandlePacket(p.SSRC, p.Opus)
			}
		}
	}
}
