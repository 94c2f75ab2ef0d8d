package chunkcache

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/fluid"
)

var base = time.Unix(1700000000, 0)

func testEntry(t *testing.T, c chunk.Coord, at time.Time) *chunk.Entry {
	t.Helper()
	ch, err := chunk.New(c, 2, 100, fluid.DefaultParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Grid().AddFluid(0, 0, 0, 0.75); err != nil {
		t.Fatalf("AddFluid: %v", err)
	}
	e := ch.Serialize(at)
	if e == nil {
		t.Fatalf("Serialize returned nil")
	}
	return e
}

type fakeStore struct {
	rows        map[chunk.Coord][]byte
	failPut     bool
	puts        int
	deletes     int
	pruneBefore time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[chunk.Coord][]byte)}
}

func (s *fakeStore) Put(c chunk.Coord, blob []byte, cellCount uint32, volume float32, stamp time.Time) error {
	if s.failPut {
		return errors.New("disk full")
	}
	s.puts++
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.rows[c] = cp
	return nil
}

func (s *fakeStore) Get(c chunk.Coord) ([]byte, error) {
	b, ok := s.rows[c]
	if !ok {
		return nil, nil
	}
	return b, nil
}

func (s *fakeStore) Delete(c chunk.Coord) error {
	s.deletes++
	delete(s.rows, c)
	return nil
}

func (s *fakeStore) PruneOlderThan(cutoff time.Time) (int, error) {
	s.pruneBefore = cutoff
	return 0, nil
}

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(Config{MaxEntries: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	coord := chunk.Coord{X: 3, Y: -1, Z: 2}
	e := testEntry(t, coord, base)
	c.Put(e, base)

	got, err := c.Get(coord, base.Add(time.Second))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("entry missing after Put")
	}
	if !bytes.Equal(got.Data, e.Data) {
		t.Fatalf("round-tripped blob differs")
	}
	if got.CellCount != e.CellCount || got.Volume != e.Volume {
		t.Fatalf("meta differs: %d/%g vs %d/%g", got.CellCount, got.Volume, e.CellCount, e.Volume)
	}

	fresh, err := chunk.New(coord, 2, 100, fluid.DefaultParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fresh.Deserialize(got); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	maxErr := fresh.Grid().Params().MaxLevel / 65535
	if d := fresh.Grid().FluidAt(0, 0, 0) - 0.75; d > maxErr || d < -maxErr {
		t.Fatalf("restored fluid off by %g", d)
	}
}

func TestOverflowSpillsAndStoreServesMisses(t *testing.T) {
	store := newFakeStore()
	c, err := New(Config{MaxEntries: 1, FloorAge: -1, Spill: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := chunk.Coord{X: 1}
	b := chunk.Coord{X: 2}
	c.Put(testEntry(t, a, base), base)
	c.Put(testEntry(t, b, base.Add(time.Second)), base.Add(time.Second))

	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if store.puts != 1 {
		t.Fatalf("store puts = %d, want 1", store.puts)
	}
	if _, ok := store.rows[a]; !ok {
		t.Fatalf("evicted entry not in store")
	}

	// A store hit promotes back into memory, pushing the other entry out.
	got, err := c.Get(a, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Get after spill: %v", err)
	}
	if got == nil || got.Coord != a {
		t.Fatalf("store fallback returned %v", got)
	}
	if _, ok := store.rows[b]; !ok {
		t.Fatalf("displaced entry not spilled")
	}
}

func TestFloorAgeEvictsColdOverFresh(t *testing.T) {
	c, err := New(Config{MaxEntries: 2, FloorAge: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := chunk.Coord{X: 1}
	b := chunk.Coord{X: 2}
	cc := chunk.Coord{X: 3}
	c.Put(testEntry(t, a, base), base)
	c.Put(testEntry(t, b, base.Add(200*time.Millisecond)), base.Add(200*time.Millisecond))
	if _, err := c.Get(a, base.Add(201*time.Millisecond)); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// The LRU tail is too fresh to evict, so the older warm entry goes.
	c.Put(testEntry(t, cc, base.Add(210*time.Millisecond)), base.Add(210*time.Millisecond))
	if got, _ := c.Get(a, base.Add(220*time.Millisecond)); got != nil {
		t.Fatalf("aged entry survived eviction")
	}
	if got, _ := c.Get(b, base.Add(220*time.Millisecond)); got == nil {
		t.Fatalf("fresh entry was evicted")
	}
	if got, _ := c.Get(cc, base.Add(220*time.Millisecond)); got == nil {
		t.Fatalf("inserted entry missing")
	}
}

func TestExpirationDropsOnAccessAndPrune(t *testing.T) {
	c, err := New(Config{MaxEntries: 8, Expiration: 10 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := chunk.Coord{X: 1}
	b := chunk.Coord{X: 2}
	c.Put(testEntry(t, a, base), base)
	c.Put(testEntry(t, b, base.Add(30*time.Second)), base.Add(30*time.Second))

	if got, err := c.Get(a, base.Add(11*time.Second)); err != nil || got != nil {
		t.Fatalf("expired entry served: %v %v", got, err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d after access drop, want 1", c.Len())
	}

	c.Put(testEntry(t, a, base), base.Add(30*time.Second))
	if dropped := c.Prune(base.Add(15 * time.Second)); dropped != 1 {
		t.Fatalf("Prune dropped %d, want 1", dropped)
	}
	if got, _ := c.Get(b, base.Add(31*time.Second)); got == nil {
		t.Fatalf("fresh entry pruned")
	}
}

func TestCorruptStoreEntryIsDiscarded(t *testing.T) {
	store := newFakeStore()
	c, err := New(Config{MaxEntries: 2, Spill: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := chunk.Coord{X: 7}

	// A checksum-corrupt blob: valid layout with one payload byte flipped,
	// compressed the same way the cache writes it.
	e := testEntry(t, a, base)
	raw := make([]byte, len(e.Data))
	copy(raw, e.Data)
	raw[len(raw)-1] ^= 0xff
	store.rows[a] = c.enc.EncodeAll(raw, nil)

	_, err = c.Get(a, base)
	if !errors.Is(err, chunk.ErrEntryChecksum) {
		t.Fatalf("Get err = %v, want checksum mismatch", err)
	}
	if store.deletes == 0 {
		t.Fatalf("corrupt entry left in store")
	}
	if got, err := c.Get(a, base); err != nil || got != nil {
		t.Fatalf("corrupt entry still reachable: %v %v", got, err)
	}
}

func TestUndecompressableStoreEntryIsDiscarded(t *testing.T) {
	store := newFakeStore()
	c, err := New(Config{MaxEntries: 2, Spill: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := chunk.Coord{X: 9}
	store.rows[a] = []byte("not zstd")

	if _, err := c.Get(a, base); err == nil {
		t.Fatalf("garbage blob decoded")
	}
	if store.deletes == 0 {
		t.Fatalf("garbage blob left in store")
	}
}

func TestSpillFailuresAreCounted(t *testing.T) {
	store := newFakeStore()
	store.failPut = true
	c, err := New(Config{MaxEntries: 1, FloorAge: -1, Spill: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put(testEntry(t, chunk.Coord{X: 1}, base), base)
	c.Put(testEntry(t, chunk.Coord{X: 2}, base), base)
	c.Put(testEntry(t, chunk.Coord{X: 3}, base), base)

	if got := c.SpillErrors(); got != 2 {
		t.Fatalf("SpillErrors = %d, want 2", got)
	}
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	store := newFakeStore()
	c, err := New(Config{MaxEntries: 4, Spill: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := chunk.Coord{X: 1}
	c.Put(testEntry(t, a, base), base)
	c.Delete(a)

	if got, err := c.Get(a, base); err != nil || got != nil {
		t.Fatalf("deleted entry reachable: %v %v", got, err)
	}
	if store.deletes == 0 {
		t.Fatalf("store delete not issued")
	}
}

func TestPruneForwardsCutoffToStore(t *testing.T) {
	store := newFakeStore()
	c, err := New(Config{MaxEntries: 4, Expiration: time.Minute, Spill: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := base.Add(10 * time.Minute)
	c.Prune(now)
	if want := now.Add(-time.Minute); !store.pruneBefore.Equal(want) {
		t.Fatalf("store cutoff = %v, want %v", store.pruneBefore, want)
	}
}
