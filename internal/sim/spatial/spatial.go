// Package spatial indexes loaded chunks by their world-space centers so the
// streaming manager can answer bounds and radius queries without walking
// every chunk. Implementations are not synchronized; the manager serializes
// access the same way the chunk map is guarded.
package spatial

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/chunk"
)

// Index answers which chunks sit inside a world-space region.
type Index interface {
	Insert(c chunk.Coord, at mgl32.Vec3)
	Remove(c chunk.Coord) bool
	Update(c chunk.Coord, at mgl32.Vec3)
	QueryBounds(min, max mgl32.Vec3) []chunk.Coord
	QueryRadius(center mgl32.Vec3, radius float32) []chunk.Coord
	Len() int
}

// Linear is the small-count fallback: a flat map scanned per query. Below a
// few hundred chunks it beats the tree on both time and bookkeeping.
type Linear struct {
	points map[chunk.Coord]mgl32.Vec3
}

func NewLinear() *Linear {
	return &Linear{points: make(map[chunk.Coord]mgl32.Vec3)}
}

func (l *Linear) Insert(c chunk.Coord, at mgl32.Vec3) {
	if !finite(at) {
		return
	}
	l.points[c] = at
}

func (l *Linear) Remove(c chunk.Coord) bool {
	_, ok := l.points[c]
	delete(l.points, c)
	return ok
}

func (l *Linear) Update(c chunk.Coord, at mgl32.Vec3) {
	if !finite(at) {
		return
	}
	l.points[c] = at
}

func (l *Linear) Len() int { return len(l.points) }

func (l *Linear) QueryBounds(min, max mgl32.Vec3) []chunk.Coord {
	var out []chunk.Coord
	for c, p := range l.points {
		if inBox(p, min, max) {
			out = append(out, c)
		}
	}
	return out
}

func (l *Linear) QueryRadius(center mgl32.Vec3, radius float32) []chunk.Coord {
	if radius <= 0 {
		return nil
	}
	rr := radius * radius
	var out []chunk.Coord
	for c, p := range l.points {
		d := p.Sub(center)
		if d.Dot(d) <= rr {
			out = append(out, c)
		}
	}
	return out
}

func inBox(p, min, max mgl32.Vec3) bool {
	for a := 0; a < 3; a++ {
		if p[a] < min[a] || p[a] > max[a] {
			return false
		}
	}
	return true
}

func finite(p mgl32.Vec3) bool {
	for a := 0; a < 3; a++ {
		v := float64(p[a])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
