// Package chunkdb is the durable tier below the chunk cache: serialized
// chunk entries in a single sqlite file. Writes go through one writer
// goroutine; reads hit the database directly.
package chunkdb

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"hydrovox/internal/sim/chunk"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("chunkdb: closed")

const writeQueue = 4096

type op struct {
	del       bool
	c         chunk.Coord
	blob      []byte
	checksum  uint32
	cellCount uint32
	volume    float32
	stamp     int64
}

// DB implements the cache's durable store over a sqlite file. A Put
// becomes readable once the writer goroutine lands it; a load that wins
// that race re-creates the chunk from terrain, the same outcome as a
// failed spill, which the cache already tolerates.
type DB struct {
	db *sql.DB

	// mu orders queue sends against Close; a Put that loses the race
	// gets ErrClosed instead of a send on a closed channel.
	mu     sync.RWMutex
	ch     chan op
	wg     sync.WaitGroup
	ops    sync.WaitGroup
	once   sync.Once
	closed atomic.Bool

	dropped   atomic.Uint64
	writeErrs atomic.Uint64
}

// Open creates or opens the database and starts the writer.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("chunkdb: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection for the writer, one for reads.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	d := &DB{db: db, ch: make(chan op, writeQueue)}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func initPragmas(db *sql.DB) error {
	// WAL keeps single-row inserts cheap and lets reads run beside the
	// writer's connection.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS chunks (
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			payload BLOB NOT NULL,
			checksum INTEGER NOT NULL,
			cell_count INTEGER NOT NULL,
			volume REAL NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (cx, cy, cz)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_updated ON chunks(updated_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Put queues an insert. The blob is retained until written.
func (d *DB) Put(c chunk.Coord, compressed []byte, cellCount uint32, volume float32, stamp time.Time) error {
	return d.enqueue(op{
		c:         c,
		blob:      compressed,
		checksum:  crc32.ChecksumIEEE(compressed),
		cellCount: cellCount,
		volume:    volume,
		stamp:     stamp.UnixMilli(),
	})
}

// Delete queues a row removal.
func (d *DB) Delete(c chunk.Coord) error {
	return d.enqueue(op{del: true, c: c})
}

func (d *DB) enqueue(o op) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return ErrClosed
	}
	d.ops.Add(1)
	select {
	case d.ch <- o:
		return nil
	default:
		d.ops.Done()
		d.dropped.Add(1)
		if o.del {
			return fmt.Errorf("chunkdb: write queue full, dropped delete %s", o.c)
		}
		return fmt.Errorf("chunkdb: write queue full, dropped %s", o.c)
	}
}

// Get reads a stored entry blob. A missing row is (nil, nil); a checksum
// mismatch removes the row and reports an error.
func (d *DB) Get(c chunk.Coord) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	var blob []byte
	var sum int64
	err := d.db.QueryRow(
		`SELECT payload, checksum FROM chunks WHERE cx=? AND cy=? AND cz=?`,
		c.X, c.Y, c.Z,
	).Scan(&blob, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunkdb: read %s: %w", c, err)
	}
	if crc32.ChecksumIEEE(blob) != uint32(sum) {
		_ = d.Delete(c)
		return nil, fmt.Errorf("chunkdb: entry %s: checksum mismatch", c)
	}
	return blob, nil
}

// PruneOlderThan removes rows stamped before cutoff. A write still in
// the queue can land after the prune; the cache re-checks expiry on
// read, and the next prune catches it.
func (d *DB) PruneOlderThan(cutoff time.Time) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	res, err := d.db.Exec(`DELETE FROM chunks WHERE updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("chunkdb: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Flush blocks until every queued write has landed.
func (d *DB) Flush() { d.ops.Wait() }

// Dropped counts writes rejected because the queue was full.
func (d *DB) Dropped() uint64 { return d.dropped.Load() }

// WriteErrors counts writes the database rejected.
func (d *DB) WriteErrors() uint64 { return d.writeErrs.Load() }

// Len reports the stored row count.
func (d *DB) Len() (int, error) {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close drains the write queue and closes the database.
func (d *DB) Close() error {
	var err error
	d.once.Do(func() {
		d.mu.Lock()
		d.closed.Store(true)
		close(d.ch)
		d.mu.Unlock()
		d.wg.Wait()
		err = d.db.Close()
	})
	return err
}

func (d *DB) loop() {
	insert, insErr := d.db.Prepare(`INSERT OR REPLACE INTO chunks(cx,cy,cz,payload,checksum,cell_count,volume,updated_at) VALUES(?,?,?,?,?,?,?,?)`)
	remove, delErr := d.db.Prepare(`DELETE FROM chunks WHERE cx=? AND cy=? AND cz=?`)
	defer func() {
		if insert != nil {
			_ = insert.Close()
		}
		if remove != nil {
			_ = remove.Close()
		}
	}()

	for o := range d.ch {
		var err error
		switch {
		case o.del:
			err = delErr
			if err == nil {
				_, err = remove.Exec(o.c.X, o.c.Y, o.c.Z)
			}
		default:
			err = insErr
			if err == nil {
				_, err = insert.Exec(
					o.c.X, o.c.Y, o.c.Z,
					o.blob,
					int64(o.checksum),
					int64(o.cellCount),
					float64(o.volume),
					o.stamp,
				)
			}
		}
		if err != nil {
			d.writeErrs.Add(1)
		}
		d.ops.Done()
	}
}
