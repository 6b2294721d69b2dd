package drawbatch

import (
	"math"
	"testing"

	"github.com/gekko3d/drawbatch/rt/core"
	"github.com/gekko3d/drawbatch/rt/gpu"
	"github.com/gekko3d/drawbatch/rt/octree"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMesh(index uint32, indexOffset uint32) MeshAsset {
	return MeshAsset{
		Id:     makeAssetId(),
		Index:  index,
		Region: gpu.Region{VertexOffset: index * 24, IndexOffset: indexOffset, VertexCount: 24, IndexCount: 36},
		Bounds: core.CubeAABB(mgl32.Vec3{}, 0.5),
	}
}

// frontView looks down -Y from the origin.
func frontView() core.Frustum {
	cam := core.NewCameraState()
	cam.Position = mgl32.Vec3{}
	return cam.Frustum()
}

func allIDs(s *Scene) []octree.EntityID {
	var ids []octree.EntityID
	for _, it := range s.Items() {
		ids = append(ids, it.ID)
	}
	return ids
}

func TestScene_HandlesGoStaleOnDespawn(t *testing.T) {
	s := NewScene()
	m := testMesh(0, 0)

	a := s.Spawn(m, 0, core.At(mgl32.Vec3{1, 2, 3}))
	b := s.Spawn(m, 0, core.NewTransform())
	assert.Equal(t, 2, s.Len())

	ent, ok := s.Entity(a)
	require.True(t, ok)
	assert.Equal(t, mgl32.Vec3{0.5, 1.5, 2.5}, ent.WorldBounds.Min)

	require.True(t, s.Despawn(a))
	assert.False(t, s.Despawn(a), "double despawn")
	_, ok = s.Entity(a)
	assert.False(t, ok)

	c := s.Spawn(m, 1, core.NewTransform())
	assert.Equal(t, a.Index, c.Index, "slot reused")
	assert.NotEqual(t, a.Generation, c.Generation)
	assert.False(t, s.SetTransform(a, core.NewTransform()), "stale handle cannot move the new entity")
	assert.True(t, s.SetTransform(b, core.At(mgl32.Vec3{0, 0, 9})))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, s.Slots())
}

func TestScene_TakeSpawnedTracksStaleness(t *testing.T) {
	s := NewScene()
	m := testMesh(0, 0)

	a := s.Spawn(m, 0, core.NewTransform())
	s.Spawn(m, 0, core.NewTransform())
	spawned, stale := s.takeSpawned()
	assert.Len(t, spawned, 2)
	assert.False(t, stale)

	spawned, stale = s.takeSpawned()
	assert.Empty(t, spawned)
	assert.False(t, stale)

	v := s.Version()
	s.SetTransform(a, core.At(mgl32.Vec3{1, 0, 0}))
	assert.Greater(t, s.Version(), v)
	_, stale = s.takeSpawned()
	assert.True(t, stale)
}

func TestScene_ExtractGroupsByBatchKey(t *testing.T) {
	s := NewScene()
	cube := testMesh(0, 0)
	plane := testMesh(1, 36)

	// Spawn order interleaves batches; extraction regroups them.
	s.Spawn(plane, 0, core.At(mgl32.Vec3{0, -10, 0}))
	s.Spawn(cube, 2, core.At(mgl32.Vec3{1, -10, 0}))
	s.Spawn(cube, 0, core.At(mgl32.Vec3{2, -10, 0}))
	s.Spawn(plane, 0, core.At(mgl32.Vec3{3, -10, 0}))
	s.Spawn(cube, 0, core.At(mgl32.Vec3{4, -10, 0}))
	s.Spawn(cube, 0, core.At(mgl32.Vec3{0, 10, 0})) // behind

	ext := s.Extract(7, allIDs(s), frontView())
	assert.Equal(t, uint64(7), ext.Frame.Frame)
	assert.Equal(t, 6, ext.Candidates)
	assert.Equal(t, 1, ext.Culled)

	recs := ext.Frame.Records
	require.Len(t, recs, 3)
	assert.Equal(t, uint32(0), recs[0].Key.Mesh)
	assert.Equal(t, uint32(0), recs[0].Key.Material)
	assert.Equal(t, uint32(2), recs[0].InstanceCount)
	assert.Equal(t, uint32(2), recs[1].Key.Material)
	assert.Equal(t, uint32(1), recs[2].Key.Mesh)
	assert.Equal(t, uint32(36), recs[2].FirstIndex)
	assert.Equal(t, int32(24), recs[2].BaseVertex)

	// Instance runs are contiguous and keep candidate order.
	assert.Equal(t, []uint32{2, 4, 1, 0, 3}, ext.Instances)
	var base uint32
	for _, r := range recs {
		assert.Equal(t, base, r.EntityBaseIndex)
		base += r.InstanceCount
	}
}

func TestScene_ExtractSkipsDeadCandidates(t *testing.T) {
	s := NewScene()
	m := testMesh(0, 0)
	a := s.Spawn(m, 0, core.At(mgl32.Vec3{0, -5, 0}))
	s.Spawn(m, 0, core.At(mgl32.Vec3{1, -5, 0}))
	ids := allIDs(s)
	require.True(t, s.Despawn(a))

	ext := s.Extract(1, append(ids, 99), frontView())
	assert.Equal(t, []uint32{1}, ext.Instances)
	assert.Zero(t, ext.Culled)
}

func TestScene_TransformRows(t *testing.T) {
	s := NewScene()
	m := testMesh(0, 0)
	a := s.Spawn(m, 0, core.At(mgl32.Vec3{1, 2, 3}))
	s.Spawn(m, 0, core.NewTransform())
	require.True(t, s.Despawn(a))

	rows := s.transforms()
	require.Len(t, rows, 2)
	assert.Equal(t, mgl32.Mat4{}, rows[0].model)
	assert.Equal(t, mgl32.Ident4(), rows[1].model)
}

func TestScene_ExtractBaseVertexAtPoolLimit(t *testing.T) {
	s := NewScene()
	m := testMesh(0, 0)
	m.Region.VertexOffset = math.MaxInt32 - m.Region.VertexCount
	s.Spawn(m, 0, core.At(mgl32.Vec3{0, -5, 0}))

	ext := s.Extract(1, allIDs(s), frontView())
	require.Len(t, ext.Frame.Records, 1)
	assert.Equal(t, int32(math.MaxInt32-24), ext.Frame.Records[0].BaseVertex)
}
