package spatial

import (
	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/chunk"
)

const (
	// leafCapacity is the point count at which a leaf splits; subtrees
	// that shrink back to it collapse into a leaf again.
	leafCapacity = 8
	maxDepth     = 16
	// initialHalf seeds the root cube around the first insert. The root
	// doubles outward whenever a point lands outside it, so the seed only
	// sets how soon growth starts.
	initialHalf = 4096
)

// Octree is a point octree over chunk centers. Chunks insert on load,
// leave on unload and reposition through Update. The side map keeps the
// stored position per coord so removal never needs a tree search by key.
type Octree struct {
	root  *octNode
	where map[chunk.Coord]mgl32.Vec3
}

type octItem struct {
	coord chunk.Coord
	at    mgl32.Vec3
}

type octNode struct {
	center mgl32.Vec3
	half   float32
	kids   *[8]*octNode
	items  []octItem
	count  int
}

func NewOctree() *Octree {
	return &Octree{where: make(map[chunk.Coord]mgl32.Vec3)}
}

func (t *Octree) Len() int { return len(t.where) }

func (t *Octree) Insert(c chunk.Coord, at mgl32.Vec3) {
	if !finite(at) {
		return
	}
	if _, ok := t.where[c]; ok {
		t.Update(c, at)
		return
	}
	t.where[c] = at
	if t.root == nil {
		t.root = &octNode{center: at, half: initialHalf}
	}
	for !t.root.contains(at) {
		t.grow(at)
	}
	t.root.insert(octItem{coord: c, at: at}, 0)
}

func (t *Octree) Remove(c chunk.Coord) bool {
	at, ok := t.where[c]
	if !ok {
		return false
	}
	delete(t.where, c)
	if t.root != nil {
		t.root.remove(c, at)
	}
	return true
}

func (t *Octree) Update(c chunk.Coord, at mgl32.Vec3) {
	if !finite(at) {
		return
	}
	old, ok := t.where[c]
	if !ok {
		t.Insert(c, at)
		return
	}
	if old == at {
		return
	}
	delete(t.where, c)
	if t.root != nil {
		t.root.remove(c, old)
	}
	t.Insert(c, at)
}

func (t *Octree) QueryBounds(min, max mgl32.Vec3) []chunk.Coord {
	var out []chunk.Coord
	if t.root != nil {
		t.root.queryBounds(min, max, &out)
	}
	return out
}

func (t *Octree) QueryRadius(center mgl32.Vec3, radius float32) []chunk.Coord {
	var out []chunk.Coord
	if t.root != nil && radius > 0 {
		t.root.queryRadius(center, radius*radius, &out)
	}
	return out
}

// grow doubles the root toward the target point. The old root becomes one
// octant of the new one; its cube lines up exactly because child cubes
// have half the parent extent.
func (t *Octree) grow(toward mgl32.Vec3) {
	old := t.root
	var c mgl32.Vec3
	idx := 0
	for a := 0; a < 3; a++ {
		if toward[a] >= old.center[a] {
			c[a] = old.center[a] + old.half
		} else {
			c[a] = old.center[a] - old.half
			idx |= 1 << a
		}
	}
	root := &octNode{center: c, half: old.half * 2, count: old.count}
	if old.count > 0 {
		root.kids = new([8]*octNode)
		root.kids[idx] = old
	}
	t.root = root
}

func (n *octNode) contains(p mgl32.Vec3) bool {
	for a := 0; a < 3; a++ {
		d := p[a] - n.center[a]
		if d < -n.half || d > n.half {
			return false
		}
	}
	return true
}

func (n *octNode) insert(it octItem, depth int) {
	n.count++
	if n.kids == nil {
		if len(n.items) < leafCapacity || depth >= maxDepth {
			n.items = append(n.items, it)
			return
		}
		n.split(depth)
	}
	n.child(it.at, true).insert(it, depth+1)
}

func (n *octNode) split(depth int) {
	n.kids = new([8]*octNode)
	items := n.items
	n.items = nil
	for _, it := range items {
		n.child(it.at, true).insert(it, depth+1)
	}
}

func (n *octNode) remove(c chunk.Coord, at mgl32.Vec3) bool {
	if n.kids == nil {
		for i, it := range n.items {
			if it.coord == c {
				n.items = append(n.items[:i], n.items[i+1:]...)
				n.count--
				return true
			}
		}
		return false
	}
	k := n.child(at, false)
	if k == nil || !k.remove(c, at) {
		return false
	}
	n.count--
	if n.count <= leafCapacity {
		n.collapse()
	}
	return true
}

// collapse folds a shrunken subtree back into a single leaf.
func (n *octNode) collapse() {
	items := make([]octItem, 0, n.count)
	n.gather(&items)
	n.kids = nil
	n.items = items
}

func (n *octNode) gather(out *[]octItem) {
	if n.kids == nil {
		*out = append(*out, n.items...)
		return
	}
	for _, k := range n.kids {
		if k != nil {
			k.gather(out)
		}
	}
}

// child returns the octant holding p, allocating it when asked. Points on
// an axis plane route to the high side.
func (n *octNode) child(p mgl32.Vec3, create bool) *octNode {
	idx := 0
	if p[0] >= n.center[0] {
		idx |= 1
	}
	if p[1] >= n.center[1] {
		idx |= 2
	}
	if p[2] >= n.center[2] {
		idx |= 4
	}
	k := n.kids[idx]
	if k == nil && create {
		h := n.half / 2
		c := n.center
		for a := 0; a < 3; a++ {
			if idx&(1<<a) != 0 {
				c[a] += h
			} else {
				c[a] -= h
			}
		}
		k = &octNode{center: c, half: h}
		n.kids[idx] = k
	}
	return k
}

func (n *octNode) queryBounds(min, max mgl32.Vec3, out *[]chunk.Coord) {
	if n.count == 0 || !n.overlapsBox(min, max) {
		return
	}
	if n.kids == nil {
		for _, it := range n.items {
			if inBox(it.at, min, max) {
				*out = append(*out, it.coord)
			}
		}
		return
	}
	for _, k := range n.kids {
		if k != nil {
			k.queryBounds(min, max, out)
		}
	}
}

func (n *octNode) queryRadius(center mgl32.Vec3, rr float32, out *[]chunk.Coord) {
	if n.count == 0 || n.distSqrToCube(center) > rr {
		return
	}
	if n.kids == nil {
		for _, it := range n.items {
			d := it.at.Sub(center)
			if d.Dot(d) <= rr {
				*out = append(*out, it.coord)
			}
		}
		return
	}
	for _, k := range n.kids {
		if k != nil {
			k.queryRadius(center, rr, out)
		}
	}
}

func (n *octNode) overlapsBox(min, max mgl32.Vec3) bool {
	for a := 0; a < 3; a++ {
		if n.center[a]+n.half < min[a] || n.center[a]-n.half > max[a] {
			return false
		}
	}
	return true
}

// distSqrToCube is the squared distance from p to the node's cube, zero
// when p is inside it.
func (n *octNode) distSqrToCube(p mgl32.Vec3) float32 {
	var dd float32
	for a := 0; a < 3; a++ {
		d := p[a] - n.center[a]
		if d < 0 {
			d = -d
		}
		d -= n.half
		if d > 0 {
			dd += d * d
		}
	}
	return dd
}
