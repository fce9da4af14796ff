package stream

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "veda_stream_cache_entries",
	Help: "Stream cache entries currently held for resume.",
})

// DefaultInFlightLimit bounds how long an entry that never completes is kept.
const DefaultInFlightLimit = 10 * time.Minute

// Entry 是一次助手回复的缓存进度。
type Entry struct {
	ConversationID string
	MessageID      string
	Text           string
	Done           bool
	StartedAt      time.Time
	ExpiresAt      time.Time

	// target is the connection currently entitled to live frames of this message.
	target Conn
}

// Cache keeps recent assistant output so a reconnecting client can resume.
// Accumulated text only grows until the entry is completed. Completed entries
// live for ttl; in-progress entries are kept until inFlight after they started,
// however long the gap between chunks.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	ttl      time.Duration
	inFlight time.Duration
	now      func() time.Time
}

// NewCache creates a cache whose completed entries live for ttl after their last update.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		entries:  make(map[string]*Entry),
		ttl:      ttl,
		inFlight: DefaultInFlightLimit,
		now:      time.Now,
	}
}

// WithInFlightLimit sets how long an unfinished entry may live; it never drops below ttl.
func (c *Cache) WithInFlightLimit(d time.Duration) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < c.ttl {
		d = c.ttl
	}
	c.inFlight = d
	return c
}

func cacheKey(conversationID, messageID string) string {
	return conversationID + ":" + messageID
}

// Append adds a chunk, creating the entry on first use.
func (c *Cache) Append(conversationID, messageID, chunk string) {
	c.appendChunk(conversationID, messageID, chunk, nil)
}

// appendChunk appends and returns the entry's delivery target. A new entry
// adopts conn as its target.
func (c *Cache) appendChunk(conversationID, messageID, chunk string, conn Conn) Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entry(conversationID, messageID, conn)
	if entry.Done {
		return entry.target
	}
	entry.Text += chunk
	entry.ExpiresAt = c.now().Add(c.ttl)
	return entry.target
}

// Complete marks the entry done with the authoritative final text.
func (c *Cache) Complete(conversationID, messageID, final string) {
	c.complete(conversationID, messageID, final, nil)
}

func (c *Cache) complete(conversationID, messageID, final string, conn Conn) Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entry(conversationID, messageID, conn)
	entry.Text = final
	entry.Done = true
	entry.ExpiresAt = c.now().Add(c.ttl)
	return entry.target
}

// attach hands the live frames of an unfinished entry to conn.
func (c *Cache) attach(conversationID, messageID string, conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[cacheKey(conversationID, messageID)]; ok && !entry.Done {
		entry.target = conn
	}
}

// entry returns the entry for key, creating it when missing. An unfinished
// entry is never replaced, so its text only grows. Callers hold c.mu.
func (c *Cache) entry(conversationID, messageID string, conn Conn) *Entry {
	key := cacheKey(conversationID, messageID)
	entry, ok := c.entries[key]
	if ok && (!entry.Done || !c.expired(entry)) {
		return entry
	}
	now := c.now()
	entry = &Entry{
		ConversationID: conversationID,
		MessageID:      messageID,
		StartedAt:      now,
		ExpiresAt:      now.Add(c.ttl),
		target:         conn,
	}
	c.entries[key] = entry
	cacheEntries.Set(float64(len(c.entries)))
	return entry
}

// Get returns a copy of a live entry. Expired entries are dropped on read.
func (c *Cache) Get(conversationID, messageID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(conversationID, messageID)
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.expired(entry) {
		delete(c.entries, key)
		cacheEntries.Set(float64(len(c.entries)))
		return Entry{}, false
	}
	out := *entry
	out.target = nil
	return out, true
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if c.expired(entry) {
			delete(c.entries, key)
			removed++
		}
	}
	cacheEntries.Set(float64(len(c.entries)))
	return removed
}

// Len reports the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps on every interval tick until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Debug().Str("component", "stream_cache").Int("evicted", n).Msg("swept expired entries")
			}
		}
	}
}

func (c *Cache) expired(e *Entry) bool {
	if !e.Done {
		return !c.now().Before(e.StartedAt.Add(c.inFlight))
	}
	return !c.now().Before(e.ExpiresAt)
}
