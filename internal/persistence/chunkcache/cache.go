// Package chunkcache holds serialized chunks evicted by the streaming
// manager. Entries live zstd-compressed in an in-memory LRU; overflow
// spills to an optional durable store and loads fall back to it after a
// memory miss.
package chunkcache

import (
	"container/list"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"hydrovox/internal/sim/chunk"
)

// Store is the durable tier below the in-memory cache. Implementations
// receive the zstd-compressed entry blob. Get reports a miss as
// (nil, nil).
type Store interface {
	Put(c chunk.Coord, compressed []byte, cellCount uint32, volume float32, stamp time.Time) error
	Get(c chunk.Coord) ([]byte, error)
	Delete(c chunk.Coord) error
	PruneOlderThan(cutoff time.Time) (int, error)
}

// Config tunes the cache. Zero fields take defaults; a negative FloorAge
// disables the eviction floor.
type Config struct {
	// MaxEntries caps the in-memory tier.
	MaxEntries int
	// Expiration drops entries whose serialize timestamp is older than
	// this. Zero keeps entries until evicted.
	Expiration time.Duration
	// FloorAge protects entries cached more recently than this from
	// overflow eviction while an older candidate exists.
	FloorAge time.Duration
	// Spill receives overflow evictions and serves misses.
	Spill Store
	// Logger receives the one-line warnings; nil drops them.
	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxEntries == 0 {
		c.MaxEntries = 512
	}
	if c.FloorAge == 0 {
		c.FloorAge = 5 * time.Second
	}
}

type record struct {
	coord      chunk.Coord
	compressed []byte
	cellCount  uint32
	volume     float32
	stamp      time.Time
	added      time.Time
}

// Cache is safe for concurrent use. Compression runs outside the lock;
// store round-trips run under it, matching the manager's single-threaded
// load/unload path.
type Cache struct {
	cfg Config
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu        sync.Mutex
	order     *list.List
	byCoord   map[chunk.Coord]*list.Element
	spillErrs uint64
	warned    bool
}

func New(cfg Config) (*Cache, error) {
	cfg.applyDefaults()
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Cache{
		cfg:     cfg,
		enc:     enc,
		dec:     dec,
		order:   list.New(),
		byCoord: make(map[chunk.Coord]*list.Element),
	}, nil
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// SpillErrors counts failed writes to the durable store.
func (c *Cache) SpillErrors() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spillErrs
}

// Put compresses and stores an entry, replacing any previous one for the
// coord. Overflow evicts from the cold end of the LRU, preferring the
// first entry past the floor age.
func (c *Cache) Put(e *chunk.Entry, now time.Time) {
	if e == nil {
		return
	}
	blob := c.enc.EncodeAll(e.Data, nil)
	rec := &record{
		coord:      e.Coord,
		compressed: blob,
		cellCount:  e.CellCount,
		volume:     e.Volume,
		stamp:      e.Timestamp,
		added:      now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byCoord[e.Coord]; ok {
		el.Value = rec
		c.order.MoveToFront(el)
		return
	}
	c.byCoord[e.Coord] = c.order.PushFront(rec)
	c.evictOverflow(now)
}

// Get returns the decoded entry for a coord, falling back to the durable
// store on a memory miss. Expired entries are dropped on access. A
// non-nil error means a stored entry was corrupt and has been discarded.
func (c *Cache) Get(coord chunk.Coord, now time.Time) (*chunk.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byCoord[coord]; ok {
		rec := el.Value.(*record)
		if c.expired(rec.stamp, now) {
			c.removeLocked(el, false)
			c.storeDelete(coord)
			return nil, nil
		}
		c.order.MoveToFront(el)
		e, err := c.decode(coord, rec.compressed)
		if err != nil {
			c.removeLocked(el, false)
			c.storeDelete(coord)
			return nil, err
		}
		return e, nil
	}

	if c.cfg.Spill == nil {
		return nil, nil
	}
	blob, err := c.cfg.Spill.Get(coord)
	if err != nil {
		return nil, fmt.Errorf("entry %s: store read: %w", coord, err)
	}
	if blob == nil {
		return nil, nil
	}
	e, err := c.decode(coord, blob)
	if err != nil {
		c.storeDelete(coord)
		return nil, err
	}
	if c.expired(e.Timestamp, now) {
		c.storeDelete(coord)
		return nil, nil
	}
	// Promote: the chunk is about to be live again.
	c.byCoord[coord] = c.order.PushFront(&record{
		coord:      coord,
		compressed: blob,
		cellCount:  e.CellCount,
		volume:     e.Volume,
		stamp:      e.Timestamp,
		added:      now,
	})
	c.evictOverflow(now)
	return e, nil
}

// Delete drops a coord from both tiers.
func (c *Cache) Delete(coord chunk.Coord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byCoord[coord]; ok {
		c.removeLocked(el, false)
	}
	c.storeDelete(coord)
}

// Prune drops expired entries from both tiers and returns how many went.
func (c *Cache) Prune(now time.Time) int {
	if c.cfg.Expiration <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*record).stamp, now) {
			c.removeLocked(el, false)
			dropped++
		}
		el = prev
	}
	if c.cfg.Spill != nil {
		n, err := c.cfg.Spill.PruneOlderThan(now.Add(-c.cfg.Expiration))
		if err != nil {
			c.warnOnce("chunk store prune: %v", err)
		}
		dropped += n
	}
	return dropped
}

func (c *Cache) expired(stamp, now time.Time) bool {
	return c.cfg.Expiration > 0 && now.Sub(stamp) > c.cfg.Expiration
}

func (c *Cache) evictOverflow(now time.Time) {
	for c.order.Len() > c.cfg.MaxEntries {
		cand := c.order.Back()
		if c.cfg.FloorAge > 0 {
			for el := cand; el != nil; el = el.Prev() {
				if now.Sub(el.Value.(*record).added) >= c.cfg.FloorAge {
					cand = el
					break
				}
			}
		}
		c.removeLocked(cand, true)
	}
}

func (c *Cache) removeLocked(el *list.Element, spill bool) {
	rec := el.Value.(*record)
	c.order.Remove(el)
	delete(c.byCoord, rec.coord)
	if !spill || c.cfg.Spill == nil {
		return
	}
	if err := c.cfg.Spill.Put(rec.coord, rec.compressed, rec.cellCount, rec.volume, rec.stamp); err != nil {
		c.spillErrs++
		c.warnOnce("chunk spill %s: %v", rec.coord, err)
	}
}

func (c *Cache) storeDelete(coord chunk.Coord) {
	if c.cfg.Spill == nil {
		return
	}
	if err := c.cfg.Spill.Delete(coord); err != nil {
		c.warnOnce("chunk store delete %s: %v", coord, err)
	}
}

func (c *Cache) decode(coord chunk.Coord, blob []byte) (*chunk.Entry, error) {
	raw, err := c.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("entry %s: decompress: %w", coord, err)
	}
	return chunk.DecodeEntry(coord, raw)
}

func (c *Cache) warnOnce(format string, args ...any) {
	if c.warned || c.cfg.Logger == nil {
		return
	}
	c.warned = true
	c.cfg.Logger.Printf(format, args...)
}
