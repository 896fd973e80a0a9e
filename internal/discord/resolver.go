package discord

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver provides human-friendly names for IDs when available.
type NameResolver interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// NoopResolver returns empty names. Useful in tests or to disable REST lookups.
type NoopResolver struct{}

func (NoopResolver) UserName(string) string    { return "" }
func (NoopResolver) GuildName(string) string   { return "" }
func (NoopResolver) ChannelName(string) string { return "" }

// DefaultCacheTTL is how long a resolved name is reused.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

// nameCache is a TTL map guarded by its own mutex.
type nameCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func newNameCache(ttl time.Duration, now func() time.Time) *nameCache {
	return &nameCache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

func (c *nameCache) get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	if c.now().Before(e.expiry) {
		return e.val, true
	}
	delete(c.entries, id)
	return "", false
}

func (c *nameCache) set(id, val string) {
	c.mu.Lock()
	c.entries[id] = cacheEntry{val: val, expiry: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// resolve returns a cached name or calls lookup and caches a non-empty result.
func (c *nameCache) resolve(id string, lookup func(string) string) string {
	if id == "" {
		return ""
	}
	if v, ok := c.get(id); ok {
		return v
	}
	name := lookup(id)
	if name != "" {
		c.set(id, name)
	}
	return name
}

// SessionResolver looks names up in the gateway state first and falls back
// to the REST API. Results are cached for the TTL.
type SessionResolver struct {
	s        *discordgo.Session
	users    *nameCache
	guilds   *nameCache
	channels *nameCache
}

func NewSessionResolver(s *discordgo.Session, ttl time.Duration) *SessionResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SessionResolver{
		s:        s,
		users:    newNameCache(ttl, time.Now),
		guilds:   newNameCache(ttl, time.Now),
		channels: newNameCache(ttl, time.Now),
	}
}

func (r *SessionResolver) UserName(userID string) string {
	if r.s == nil {
		return ""
	}
	return r.users.resolve(userID, func(id string) string {
		if u, err := r.s.User(id); err == nil && u != nil {
			return u.Username
		}
		return ""
	})
}

func (r *SessionResolver) GuildName(guildID string) string {
	if r.s == nil {
		return ""
	}
	return r.guilds.resolve(guildID, func(id string) string {
		if r.s.State != nil {
			if g, err := r.s.State.Guild(id); err == nil && g != nil {
				return g.Name
			}
		}
		if g, err := r.s.Guild(id); err == nil && g != nil {
			return g.Name
		}
		return ""
	})
}

func (r *SessionResolver) ChannelName(channelID string) string {
	if r.s == nil {
		return ""
	}
	return r.channels.resolve(channelID, func(id string) string {
		if r.s.State != nil {
			if c, err := r.s.State.Channel(id); err == nil && c != nil {
				return c.Name
			}
		}
		if c, err := r.s.Channel(id); err == nil && c != nil {
			return c.Name
		}
		return ""
	})
}
