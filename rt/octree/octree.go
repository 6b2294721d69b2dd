package octree

import (
	"errors"
	"fmt"
	"math"

	"github.com/gekko3d/drawbatch/rt/core"
	"github.com/go-gl/mathgl/mgl32"
)

type EntityID uint32

// NodeID addresses a node in the tree's node arena.
type NodeID int32

const NoNode NodeID = -1

// Item is an entity together with its world bounds at insert time.
type Item struct {
	ID     EntityID
	Bounds core.AABB
}

type Options struct {
	// SplitThreshold is the number of entities a leaf holds before it splits.
	SplitThreshold int
	// MaxDeepness caps the depth of the tree. The root is at deepness 0.
	MaxDeepness int
}

func DefaultOptions() Options {
	return Options{SplitThreshold: 16, MaxDeepness: 8}
}

var (
	ErrDuplicate     = errors.New("octree: entity already inserted")
	ErrInvalidBounds = errors.New("octree: invalid bounds")
)

var sqrt3 = float32(math.Sqrt(3))

// octants holds the sign of each child's offset from its parent's center.
// Children i and i+4 are diagonally opposite.
var octants = [8]mgl32.Vec3{
	{+1, +1, -1},
	{-1, +1, -1},
	{-1, +1, +1},
	{+1, +1, +1},
	{-1, -1, +1},
	{+1, -1, +1},
	{+1, -1, -1},
	{-1, -1, -1},
}

// A node has either exactly 8 children or none. Internal nodes only keep
// entities that straddle two or more children.
type node struct {
	center   mgl32.Vec3
	half     float32
	deepness int
	parent   NodeID
	children [8]NodeID
	items    []Item
}

func (n *node) leaf() bool { return n.children[0] == NoNode }

func (n *node) bounds() core.AABB { return core.CubeAABB(n.center, n.half) }

// Octree is a strict (non-loose) 8-way partition of a cubic region. Entities are
// pushed as deep as the child that fully contains them; an entity spanning
// several children stays at the owning node. Entities outside the root
// region live in an overflow list returned by every query.
//
// Not safe for concurrent Insert and query.
type Octree struct {
	opts     Options
	nodes    []node
	overflow []Item
	where    map[EntityID]NodeID
	deepest  int
}

// New creates an octree covering the cube centered at center with edge length size.
func New(center mgl32.Vec3, size float32, opts Options) *Octree {
	if size <= 0 {
		panic(fmt.Sprintf("octree: size must be positive, got %v", size))
	}
	if opts.SplitThreshold < 1 {
		opts.SplitThreshold = 1
	}
	if opts.MaxDeepness < 0 {
		opts.MaxDeepness = 0
	}
	t := &Octree{opts: opts}
	t.reset(center, size/2)
	return t
}

func (t *Octree) reset(center mgl32.Vec3, half float32) {
	t.nodes = t.nodes[:0]
	t.nodes = append(t.nodes, newNode(center, half, 0, NoNode))
	t.overflow = nil
	t.where = make(map[EntityID]NodeID)
	t.deepest = 0
}

// Reset drops every entity and node, keeping the root region and options.
func (t *Octree) Reset() {
	root := t.nodes[0]
	t.reset(root.center, root.half)
}

func newNode(center mgl32.Vec3, half float32, deepness int, parent NodeID) node {
	n := node{center: center, half: half, deepness: deepness, parent: parent}
	for i := range n.children {
		n.children[i] = NoNode
	}
	return n
}

func (t *Octree) Options() Options { return t.opts }

// Bounds is the region covered by the root node.
func (t *Octree) Bounds() core.AABB { return t.nodes[0].bounds() }

// Len is the number of entities in the tree, overflow included.
func (t *Octree) Len() int { return len(t.where) }

func (t *Octree) NodeCount() int { return len(t.nodes) }

// CurrentDeepness is the deepest level any node has reached.
func (t *Octree) CurrentDeepness() int { return t.deepest }

func (t *Octree) Insert(id EntityID, bounds core.AABB) error {
	if !bounds.Valid() {
		return fmt.Errorf("%w: entity %d min %v max %v", ErrInvalidBounds, id, bounds.Min, bounds.Max)
	}
	if _, ok := t.where[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicate, id)
	}

	item := Item{ID: id, Bounds: bounds}
	if !t.nodes[0].bounds().Contains(bounds) {
		t.overflow = append(t.overflow, item)
		t.where[id] = NoNode
		return nil
	}
	t.insertAt(0, item)
	return nil
}

// InsertAll inserts items in order. It stops at the first failure; items
// before it stay inserted.
func (t *Octree) InsertAll(items []Item) error {
	for _, it := range items {
		if err := t.Insert(it.ID, it.Bounds); err != nil {
			return err
		}
	}
	return nil
}

// insertAt places item in the deepest node under id that fully contains it.
// item must be contained in node id.
func (t *Octree) insertAt(id NodeID, item Item) {
	for !t.nodes[id].leaf() {
		c := t.childContaining(id, item.Bounds)
		if c == NoNode {
			break
		}
		id = c
	}

	n := &t.nodes[id]
	n.items = append(n.items, item)
	t.where[item.ID] = id

	if n.leaf() && len(n.items) > t.opts.SplitThreshold && n.deepness < t.opts.MaxDeepness {
		t.split(id)
	}
}

func (t *Octree) childContaining(id NodeID, b core.AABB) NodeID {
	for _, c := range t.nodes[id].children {
		if t.nodes[c].bounds().Contains(b) {
			return c
		}
	}
	return NoNode
}

// split turns leaf id into an internal node and pushes down every entity one
// child fully contains. Remaining entities keep their insertion order.
func (t *Octree) split(id NodeID) {
	parent := t.nodes[id]
	quarter := parent.half / 2
	deepness := parent.deepness + 1

	var children [8]NodeID
	for i, sign := range octants {
		children[i] = NodeID(len(t.nodes))
		center := parent.center.Add(sign.Mul(quarter))
		t.nodes = append(t.nodes, newNode(center, quarter, deepness, id))
	}
	t.deepest = max(t.deepest, deepness)

	n := &t.nodes[id]
	n.children = children
	items := n.items
	n.items = nil

	var kept []Item
	for _, it := range items {
		c := t.childContaining(id, it.Bounds)
		if c == NoNode {
			kept = append(kept, it)
			t.where[it.ID] = id
			continue
		}
		t.insertAt(c, it)
	}
	t.nodes[id].items = kept
}

// NodeVisible tests the node's bounding sphere (center, half diagonal)
// against the frustum.
func (t *Octree) NodeVisible(id NodeID, f core.Frustum) bool {
	n := &t.nodes[id]
	return f.SphereVisible(n.center, n.half*sqrt3)
}

// Visible returns every entity that may be inside the frustum: overflow
// entities first, then a depth-first walk visiting a node's own entities
// before children 0 through 7. Subtrees whose sphere is outside any plane are
// skipped. The result is a superset of the truly visible entities and its
// order only depends on insertion history.
func (t *Octree) Visible(f core.Frustum) []EntityID {
	out := make([]EntityID, 0, len(t.overflow))
	for _, it := range t.overflow {
		out = append(out, it.ID)
	}
	return t.visible(0, f, out)
}

func (t *Octree) visible(id NodeID, f core.Frustum, out []EntityID) []EntityID {
	if !t.NodeVisible(id, f) {
		return out
	}
	n := &t.nodes[id]
	for _, it := range n.items {
		out = append(out, it.ID)
	}
	if n.leaf() {
		return out
	}
	for _, c := range n.children {
		out = t.visible(c, f, out)
	}
	return out
}

// Query returns the entities whose bounds intersect b, in the same order as Visible.
func (t *Octree) Query(b core.AABB) []EntityID {
	var out []EntityID
	for _, it := range t.overflow {
		if it.Bounds.Intersects(b) {
			out = append(out, it.ID)
		}
	}
	return t.query(0, b, out)
}

func (t *Octree) query(id NodeID, b core.AABB, out []EntityID) []EntityID {
	n := &t.nodes[id]
	if !n.bounds().Intersects(b) {
		return out
	}
	for _, it := range n.items {
		if it.Bounds.Intersects(b) {
			out = append(out, it.ID)
		}
	}
	if n.leaf() {
		return out
	}
	for _, c := range n.children {
		out = t.query(c, b, out)
	}
	return out
}

// NodeInfo is a read-only view of one node.
type NodeInfo struct {
	ID       NodeID
	Parent   NodeID
	Center   mgl32.Vec3
	HalfSize float32
	Deepness int
	Leaf     bool
	Entities []EntityID
}

func (t *Octree) Root() NodeID { return 0 }

// Child returns the i-th child of id, or NoNode for a leaf.
func (t *Octree) Child(id NodeID, i int) NodeID {
	return t.nodes[id].children[i]
}

// Entities lists the entities held directly by node id.
func (t *Octree) Entities(id NodeID) []EntityID {
	items := t.nodes[id].items
	ids := make([]EntityID, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func (t *Octree) Node(id NodeID) NodeInfo {
	n := &t.nodes[id]
	return NodeInfo{
		ID:       id,
		Parent:   n.parent,
		Center:   n.center,
		HalfSize: n.half,
		Deepness: n.deepness,
		Leaf:     n.leaf(),
		Entities: t.Entities(id),
	}
}

// Overflow lists the entities that did not fit inside the root region.
func (t *Octree) Overflow() []EntityID {
	ids := make([]EntityID, len(t.overflow))
	for i, it := range t.overflow {
		ids[i] = it.ID
	}
	return ids
}

// NodeOf returns the node holding id, NoNode for overflow entities, and false
// if the entity was never inserted.
func (t *Octree) NodeOf(id EntityID) (NodeID, bool) {
	n, ok := t.where[id]
	return n, ok
}

// Walk visits nodes depth-first from the root. Returning false from fn skips
// that node's children.
func (t *Octree) Walk(fn func(n NodeInfo) bool) {
	t.walk(0, fn)
}

func (t *Octree) walk(id NodeID, fn func(n NodeInfo) bool) {
	if !fn(t.Node(id)) {
		return
	}
	if t.nodes[id].leaf() {
		return
	}
	for _, c := range t.nodes[id].children {
		t.walk(c, fn)
	}
}

// Validate checks the structural invariants of the whole tree and reports the
// first violation found.
func (t *Octree) Validate() error {
	seen := make(map[EntityID]NodeID, len(t.where))
	for _, it := range t.overflow {
		if t.nodes[0].bounds().Contains(it.Bounds) {
			return fmt.Errorf("octree: overflow entity %d fits inside the root", it.ID)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("octree: entity %d held twice", it.ID)
		}
		seen[it.ID] = NoNode
	}

	reached := 0
	if err := t.validateNode(0, NoNode, 0, seen, &reached); err != nil {
		return err
	}
	if reached != len(t.nodes) {
		return fmt.Errorf("octree: %d of %d nodes reachable from the root", reached, len(t.nodes))
	}
	if len(seen) != len(t.where) {
		return fmt.Errorf("octree: %d entities reachable, %d inserted", len(seen), len(t.where))
	}
	for id, node := range seen {
		if t.where[id] != node {
			return fmt.Errorf("octree: entity %d indexed at node %d but held by %d", id, t.where[id], node)
		}
	}
	return nil
}

func (t *Octree) validateNode(id, parent NodeID, deepness int, seen map[EntityID]NodeID, reached *int) error {
	if id < 0 || int(id) >= len(t.nodes) {
		return fmt.Errorf("octree: node %d out of range", id)
	}
	*reached++
	n := &t.nodes[id]

	if n.parent != parent {
		return fmt.Errorf("octree: node %d has parent %d, want %d", id, n.parent, parent)
	}
	if n.deepness != deepness {
		return fmt.Errorf("octree: node %d at deepness %d, want %d", id, n.deepness, deepness)
	}
	if n.deepness > t.opts.MaxDeepness {
		return fmt.Errorf("octree: node %d deepness %d exceeds max %d", id, n.deepness, t.opts.MaxDeepness)
	}

	missing := 0
	for _, c := range n.children {
		if c == NoNode {
			missing++
		}
	}
	if missing != 0 && missing != 8 {
		return fmt.Errorf("octree: node %d has %d children, want 0 or 8", id, 8-missing)
	}

	box := n.bounds()
	for _, it := range n.items {
		if !box.Contains(it.Bounds) {
			return fmt.Errorf("octree: entity %d not contained by node %d", it.ID, id)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("octree: entity %d held twice", it.ID)
		}
		seen[it.ID] = id
		if !n.leaf() && t.childContaining(id, it.Bounds) != NoNode {
			return fmt.Errorf("octree: internal node %d keeps entity %d that fits a child", id, it.ID)
		}
	}

	if n.leaf() {
		if len(n.items) > t.opts.SplitThreshold && n.deepness < t.opts.MaxDeepness {
			return fmt.Errorf("octree: leaf %d holds %d entities above threshold %d", id, len(n.items), t.opts.SplitThreshold)
		}
		return nil
	}
	for _, c := range n.children {
		if err := t.validateNode(c, id, deepness+1, seen, reached); err != nil {
			return err
		}
	}
	return nil
}
