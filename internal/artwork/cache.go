package artwork

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mpdmirror/internal/protocol"
)

// maxImageSize bounds a single image transfer. Covers above this are broken
// files, not art.
const maxImageSize = 32 << 20

// DefaultNegativeTTL is how long a confirmed miss is remembered.
const DefaultNegativeTTL = 10 * time.Minute

// Executor runs one command against the server. The session supervisor
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error)
}

// Cache fetches artwork on demand and keeps completed entries forever (the
// content identity changes when the artwork does, so entries never go stale).
// Concurrent requests for the same key share one fetch, and misses are
// negative-cached for a TTL.
type Cache struct {
	exec   Executor
	negTTL time.Duration
	group  singleflight.Group

	// now is replaceable in tests.
	now func() time.Time

	mu       sync.RWMutex
	entries  map[Key]*Entry
	negative map[Key]time.Time
}

// NewCache creates a cache. A zero negativeTTL uses DefaultNegativeTTL.
func NewCache(exec Executor, negativeTTL time.Duration) *Cache {
	if negativeTTL <= 0 {
		negativeTTL = DefaultNegativeTTL
	}
	return &Cache{
		exec:     exec,
		negTTL:   negativeTTL,
		now:      time.Now,
		entries:  make(map[Key]*Entry),
		negative: make(map[Key]time.Time),
	}
}

// Get returns the artwork for key, fetching it via uri on a miss. uri is the
// song file the server resolves the image from; for the library strategy any
// song under the key's directory works. Misses return ErrNotFound, which is
// served from the negative cache until its TTL lapses.
func (c *Cache) Get(ctx context.Context, key Key, uri string) (*Entry, error) {
	c.mu.RLock()
	entry, hit := c.entries[key]
	until, negHit := c.negative[key]
	c.mu.RUnlock()

	if hit {
		return entry, nil
	}
	if negHit && c.now().Before(until) {
		return nil, ErrNotFound
	}

	v, err, _ := c.group.Do(groupKey(key), func() (interface{}, error) {
		// Another caller may have completed the fetch between the cache
		// check and joining the flight.
		c.mu.RLock()
		entry, hit := c.entries[key]
		c.mu.RUnlock()
		if hit {
			return entry, nil
		}

		entry, err := c.fetch(ctx, key.Strategy, uri)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnsupportedEncoding) {
				c.mu.Lock()
				c.negative[key] = c.now().Add(c.negTTL)
				c.mu.Unlock()
			}
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = entry
		delete(c.negative, key)
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Clear drops every cached entry, positive and negative.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*Entry)
	c.negative = make(map[Key]time.Time)
}

// fetch runs the chunk loop: each exchange returns the declared total size
// and one binary chunk at the requested offset, until the image is complete.
func (c *Cache) fetch(ctx context.Context, strategy Strategy, uri string) (*Entry, error) {
	name, err := strategy.command()
	if err != nil {
		return nil, err
	}

	var data []byte
	size := -1
	for {
		resp, err := c.exec.Execute(ctx, protocol.Cmd(name, uri, len(data)))
		if err != nil {
			var cmdErr *protocol.CommandError
			if errors.As(err, &cmdErr) && cmdErr.Code == protocol.CodeNoExist {
				return nil, ErrNotFound
			}
			return nil, err
		}

		if size < 0 {
			declared, err := strconv.Atoi(resp.Attr("size"))
			if err != nil {
				return nil, fmt.Errorf("%s: missing size in response", name)
			}
			if declared > maxImageSize {
				return nil, fmt.Errorf("%s: declared size %d exceeds limit", name, declared)
			}
			size = declared
			data = make([]byte, 0, size)
		}

		if len(resp.Binary) == 0 {
			if len(data) >= size {
				break
			}
			return nil, fmt.Errorf("%s: empty chunk at offset %d of %d", name, len(data), size)
		}
		data = append(data, resp.Binary...)
		if len(data) > size {
			return nil, fmt.Errorf("%s: server sent %d bytes, declared %d", name, len(data), size)
		}
		if len(data) == size {
			break
		}
	}

	if size == 0 {
		return nil, ErrNotFound
	}
	mime := DetectMIME(data)
	if mime == "application/octet-stream" {
		return nil, ErrUnsupportedEncoding
	}
	return &Entry{Data: data, MIME: mime, Size: size}, nil
}

func groupKey(key Key) string {
	return string(key.Strategy) + "\x00" + key.Identity
}
