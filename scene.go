package drawbatch

import (
	"slices"

	"github.com/gekko3d/drawbatch/rt/core"
	"github.com/gekko3d/drawbatch/rt/gpu"
	"github.com/gekko3d/drawbatch/rt/octree"
	"github.com/gekko3d/drawbatch/rt/pipeline"
	"github.com/go-gl/mathgl/mgl32"
)

// SceneDef defines the initial state of a scene.
type SceneDef struct {
	Objects []ObjectDef
}

// ObjectDef places one mesh instance.
type ObjectDef struct {
	Mesh     AssetId
	Material uint32
	Position mgl32.Vec3
	Rotation mgl32.Quat
	Scale    mgl32.Vec3
}

func (d ObjectDef) transform() core.Transform {
	t := core.At(d.Position)
	if d.Rotation != (mgl32.Quat{}) {
		t.Rotation = d.Rotation
	}
	if d.Scale != (mgl32.Vec3{}) {
		t.Scale = d.Scale
	}
	return t
}

// EntityHandle addresses a scene entity. A handle goes stale once its entity
// is despawned, even if the slot is reused.
type EntityHandle struct {
	Index      uint32
	Generation uint32
}

type Entity struct {
	Mesh        MeshAsset
	Material    uint32
	Transform   core.Transform
	WorldBounds core.AABB
}

type entitySlot struct {
	Entity
	generation uint32
	alive      bool
}

// Scene is an arena of renderable entities. The slot index of an entity is
// its octree id and its row in the GPU transform buffer.
//
// Scene is not safe for concurrent use; mutate it from the owning thread.
type Scene struct {
	slots []entitySlot
	free  []uint32
	live  int

	version uint64
	spawned []uint32
	stale   bool
}

func NewScene() *Scene {
	return &Scene{}
}

func (s *Scene) Spawn(mesh MeshAsset, material uint32, t core.Transform) EntityHandle {
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, entitySlot{})
	}

	slot := &s.slots[idx]
	slot.alive = true
	slot.Entity = Entity{
		Mesh:        mesh,
		Material:    material,
		Transform:   t,
		WorldBounds: mesh.Bounds.Transform(t.ObjectToWorld()),
	}
	s.live++
	s.version++
	s.spawned = append(s.spawned, idx)
	return EntityHandle{Index: idx, Generation: slot.generation}
}

func (s *Scene) slot(h EntityHandle) *entitySlot {
	if int(h.Index) >= len(s.slots) {
		return nil
	}
	slot := &s.slots[h.Index]
	if !slot.alive || slot.generation != h.Generation {
		return nil
	}
	return slot
}

// Despawn removes the entity. It reports false for stale handles.
func (s *Scene) Despawn(h EntityHandle) bool {
	slot := s.slot(h)
	if slot == nil {
		return false
	}
	slot.alive = false
	slot.generation++
	slot.Entity = Entity{}
	s.free = append(s.free, h.Index)
	s.live--
	s.version++
	s.stale = true
	return true
}

// SetTransform moves the entity and recomputes its world bounds.
func (s *Scene) SetTransform(h EntityHandle, t core.Transform) bool {
	slot := s.slot(h)
	if slot == nil {
		return false
	}
	slot.Transform = t
	slot.WorldBounds = slot.Mesh.Bounds.Transform(t.ObjectToWorld())
	s.version++
	s.stale = true
	return true
}

func (s *Scene) Entity(h EntityHandle) (Entity, bool) {
	slot := s.slot(h)
	if slot == nil {
		return Entity{}, false
	}
	return slot.Entity, true
}

// Len is the number of live entities.
func (s *Scene) Len() int { return s.live }

// Slots is the size of the arena, live or not.
func (s *Scene) Slots() int { return len(s.slots) }

// Version changes whenever an entity is spawned, moved or despawned.
func (s *Scene) Version() uint64 { return s.version }

// Items lists every live entity with its world bounds, in slot order.
func (s *Scene) Items() []octree.Item {
	items := make([]octree.Item, 0, s.live)
	for i := range s.slots {
		if s.slots[i].alive {
			items = append(items, octree.Item{ID: octree.EntityID(i), Bounds: s.slots[i].WorldBounds})
		}
	}
	return items
}

// takeSpawned returns the entities spawned since the last call and whether
// earlier octree entries went stale through a move or despawn.
func (s *Scene) takeSpawned() (spawned []octree.Item, stale bool) {
	for _, idx := range s.spawned {
		slot := &s.slots[idx]
		if slot.alive {
			spawned = append(spawned, octree.Item{ID: octree.EntityID(idx), Bounds: slot.WorldBounds})
		}
	}
	stale = s.stale
	s.spawned = s.spawned[:0]
	s.stale = false
	return spawned, stale
}

// Extraction is the render-side snapshot of one frame.
type Extraction struct {
	Frame pipeline.FrameExtract
	// Instances holds one entity slot per drawn instance. Each record's
	// instances start at its EntityBaseIndex.
	Instances []uint32
	// Candidates is how many entities the spatial index returned; Culled how
	// many of those the per-entity test rejected.
	Candidates int
	Culled     int
}

// Extract turns the spatial index candidates into render records, one per
// batch key, after testing each entity's world bounds against the frustum.
// Records come out in batch key order; within a record instances keep
// candidate order.
func (s *Scene) Extract(frame uint64, candidates []octree.EntityID, f core.Frustum) Extraction {
	type group struct {
		key       pipeline.BatchKey
		region    gpu.Region
		instances []uint32
	}
	groups := make(map[pipeline.BatchKey]*group)
	var order []*group

	out := Extraction{Candidates: len(candidates)}
	for _, id := range candidates {
		if int(id) >= len(s.slots) || !s.slots[id].alive {
			continue
		}
		slot := &s.slots[id]
		if !f.AABBVisible(slot.WorldBounds) {
			out.Culled++
			continue
		}
		key := pipeline.BatchKey{Mesh: slot.Mesh.Index, Material: slot.Material}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, region: slot.Mesh.Region}
			groups[key] = g
			order = append(order, g)
		}
		g.instances = append(g.instances, uint32(id))
	}

	slices.SortFunc(order, func(a, b *group) int {
		return a.key.Compare(b.key)
	})

	out.Frame = pipeline.FrameExtract{Frame: frame, Records: make([]pipeline.RenderRecord, 0, len(order))}
	for _, g := range order {
		out.Frame.Records = append(out.Frame.Records, pipeline.RenderRecord{
			Key:             g.key,
			IndexCount:      g.region.IndexCount,
			FirstIndex:      g.region.IndexOffset,
			BaseVertex:      int32(g.region.VertexOffset),
			InstanceCount:   uint32(len(g.instances)),
			EntityBaseIndex: uint32(len(out.Instances)),
		})
		out.Instances = append(out.Instances, g.instances...)
	}
	return out
}

// entityTransform is one row of the GPU transform buffer.
type entityTransform struct {
	model mgl32.Mat4
}

func (entityTransform) SizeBytes() int { return 64 }

func (t entityTransform) Serialize(c *gpu.Cursor) {
	c.PutMat4(t.model)
}

// transforms returns the model matrix of every slot. Dead slots are zero so
// they collapse to nothing if ever drawn.
func (s *Scene) transforms() []entityTransform {
	out := make([]entityTransform, len(s.slots))
	for i := range s.slots {
		if s.slots[i].alive {
			out[i].model = s.slots[i].Transform.ObjectToWorld()
		}
	}
	return out
}
