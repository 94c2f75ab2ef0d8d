package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"hydrovox/internal/sim/fluid"
)

// Cache entries are a fixed little-endian layout:
//
//	header  magic(4) | version(u16) | cell_count(u32) | volume(f32) |
//	        checksum(u32) | timestamp(u64)
//	payload cell_count x { fluid(u16) | flags(u8) | counter(u8) }
//
// The checksum is CRC-32 (IEEE) over the payload bytes. Fluid is
// quantized over [0, MaxLevel]; flags pack solid/settled/source into
// bits 0..2.
const (
	entryVersion = 1
	headerSize   = 4 + 2 + 4 + 4 + 4 + 8
	cellBytes    = 4
)

var entryMagic = [4]byte{'H', 'V', 'C', 'X'}

var (
	ErrEntryFormat   = errors.New("malformed chunk entry")
	ErrEntryChecksum = errors.New("chunk entry checksum mismatch")
)

const (
	flagSolid   = 1 << 0
	flagSettled = 1 << 1
	flagSource  = 1 << 2
)

// Entry is one serialized chunk. Data holds the full header+payload
// blob; the remaining fields are decoded copies for cache policy and
// stats.
type Entry struct {
	Coord     Coord
	Data      []byte
	CellCount uint32
	Volume    float32
	Timestamp time.Time
}

func quantizeFluid(f, max float32) uint16 {
	if f <= 0 {
		return 0
	}
	if f >= max {
		return math.MaxUint16
	}
	return uint16(f/max*math.MaxUint16 + 0.5)
}

func dequantizeFluid(q uint16, max float32) float32 {
	return float32(q) / math.MaxUint16 * max
}

// Serialize packs the chunk's cells into a cache entry. The grid keeps
// its state; freeing is the caller's call.
func (ch *Chunk) Serialize(now time.Time) *Entry {
	if ch.grid == nil {
		return nil
	}
	n := ch.grid.Len()
	max := ch.grid.Params().MaxLevel

	data := make([]byte, headerSize+n*cellBytes)
	payload := data[headerSize:]
	var volume float32
	for i := 0; i < n; i++ {
		s := ch.grid.StateAt(i)
		volume += s.Fluid
		var flags byte
		if s.Solid {
			flags |= flagSolid
		}
		if s.Settled {
			flags |= flagSettled
		}
		if s.Source {
			flags |= flagSource
		}
		off := i * cellBytes
		binary.LittleEndian.PutUint16(payload[off:], quantizeFluid(s.Fluid, max))
		payload[off+2] = flags
		payload[off+3] = s.Counter
	}

	copy(data[0:4], entryMagic[:])
	binary.LittleEndian.PutUint16(data[4:], entryVersion)
	binary.LittleEndian.PutUint32(data[6:], uint32(n))
	binary.LittleEndian.PutUint32(data[10:], math.Float32bits(volume))
	binary.LittleEndian.PutUint32(data[14:], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint64(data[18:], uint64(now.Unix()))

	return &Entry{
		Coord:     ch.Coord,
		Data:      data,
		CellCount: uint32(n),
		Volume:    volume,
		Timestamp: now,
	}
}

// DecodeEntry parses and verifies a raw blob. The payload checksum and
// size are checked here so load paths can discard bad entries before
// touching a grid.
func DecodeEntry(c Coord, data []byte) (*Entry, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("entry %s: %d bytes: %w", c, len(data), ErrEntryFormat)
	}
	if !bytes.Equal(data[0:4], entryMagic[:]) {
		return nil, fmt.Errorf("entry %s: bad magic: %w", c, ErrEntryFormat)
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != entryVersion {
		return nil, fmt.Errorf("entry %s: version %d: %w", c, v, ErrEntryFormat)
	}
	count := binary.LittleEndian.Uint32(data[6:])
	payload := data[headerSize:]
	if len(payload) != int(count)*cellBytes {
		return nil, fmt.Errorf("entry %s: payload %d bytes for %d cells: %w",
			c, len(payload), count, ErrEntryFormat)
	}
	sum := binary.LittleEndian.Uint32(data[14:])
	if got := crc32.ChecksumIEEE(payload); got != sum {
		return nil, fmt.Errorf("entry %s: crc %08x want %08x: %w", c, got, sum, ErrEntryChecksum)
	}
	return &Entry{
		Coord:     c,
		Data:      data,
		CellCount: count,
		Volume:    math.Float32frombits(binary.LittleEndian.Uint32(data[10:])),
		Timestamp: time.Unix(int64(binary.LittleEndian.Uint64(data[18:])), 0),
	}, nil
}

// Deserialize restores cells from a verified entry. The entry's cell
// count must match the grid exactly.
func (ch *Chunk) Deserialize(e *Entry) error {
	if ch.grid == nil {
		return fmt.Errorf("chunk %s released: %w", ch.Coord, ErrEntryFormat)
	}
	if int(e.CellCount) != ch.grid.Len() {
		return fmt.Errorf("entry %s: %d cells for grid of %d: %w",
			e.Coord, e.CellCount, ch.grid.Len(), ErrEntryFormat)
	}
	max := ch.grid.Params().MaxLevel
	payload := e.Data[headerSize:]
	for i := 0; i < int(e.CellCount); i++ {
		off := i * cellBytes
		flags := payload[off+2]
		ch.grid.SetStateAt(i, fluid.CellState{
			Fluid:   dequantizeFluid(binary.LittleEndian.Uint16(payload[off:]), max),
			Solid:   flags&flagSolid != 0,
			Settled: flags&flagSettled != 0,
			Source:  flags&flagSource != 0,
			Counter: payload[off+3],
		})
	}
	return nil
}
