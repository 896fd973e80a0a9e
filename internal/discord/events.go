package discord

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/interview-voice-lab/internal/logging"
)

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

// redactAny replaces values of sensitive keys in a decoded JSON value. Maps
// and slices are modified in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	default:
		return v
	}
}

// redactLarge replaces strings longer than limit bytes with a placeholder.
func redactLarge(v any, limit int) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			vv[k] = redactLarge(val, limit)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactLarge(it, limit)
		}
		return vv
	case string:
		if limit > 0 && len(vv) > limit {
			return fmt.Sprintf("<redacted %d bytes>", len(vv))
		}
		return vv
	default:
		return v
	}
}

// eventMeta is the searchable part of a gateway event.
type eventMeta struct {
	Type      string
	GuildID   string
	ChannelID string
	UserID    string
}

func metaOf(evt *discordgo.Event, decoded map[string]any) eventMeta {
	m := eventMeta{Type: evt.Type}
	switch e := evt.Struct.(type) {
	case *discordgo.VoiceStateUpdate:
		m.GuildID, m.ChannelID, m.UserID = e.GuildID, e.ChannelID, e.UserID
		return m
	case *discordgo.Ready:
		if e.User != nil {
			m.UserID = e.User.ID
		}
		return m
	case *discordgo.GuildCreate:
		m.GuildID = e.ID
		return m
	}
	if v, ok := decoded["guild_id"].(string); ok {
		m.GuildID = v
	}
	if v, ok := decoded["channel_id"].(string); ok {
		m.ChannelID = v
	}
	if v, ok := decoded["user_id"].(string); ok {
		m.UserID = v
	}
	return m
}

// EventLogger writes every gateway event at debug level with sensitive and
// oversized values redacted. Event types in Detailed keep their full
// payload; others are truncated to MaxPayload bytes.
type EventLogger struct {
	MaxPayload  int
	RedactLarge int
	Detailed    map[string]struct{}
}

func NewEventLogger() *EventLogger {
	return &EventLogger{MaxPayload: 8 * 1024, RedactLarge: 1024, Detailed: map[string]struct{}{}}
}

// Payload renders the redacted payload of evt.
func (l *EventLogger) Payload(evt *discordgo.Event) (eventMeta, string) {
	var decoded map[string]any
	if err := json.Unmarshal(evt.RawData, &decoded); err != nil {
		return metaOf(evt, nil), "<raw data omitted>"
	}
	meta := metaOf(evt, decoded)
	var v any = redactAny(decoded)

	_, detailed := l.Detailed[evt.Type]
	if detailed {
		v = redactLarge(v, l.RedactLarge)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return meta, "<unencodable>"
	}
	if !detailed && l.MaxPayload > 0 && len(b) > l.MaxPayload {
		return meta, string(b[:l.MaxPayload]) + fmt.Sprintf("<truncated %d bytes>", len(b))
	}
	return meta, string(b)
}

// Handle is registered with Session.AddHandler.
func (l *EventLogger) Handle(_ *discordgo.Session, evt *discordgo.Event) {
	meta, payload := l.Payload(evt)
	logging.Debugw("discord: gateway event", "type", meta.Type, "guild", meta.GuildID, "channel", meta.ChannelID, "user", meta.UserID, "payload", payload)
}
