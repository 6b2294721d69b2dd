package pipeline

import (
	"encoding/binary"
	"testing"

	"github.com/gekko3d/drawbatch/rt/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend  *gpu.HeadlessBackend
	pool     *gpu.VertexIndexPool
	pipeline *Pipeline
}

// inFrame runs fn with an owning-thread token over a pipeline whose pool
// holds 1000 indices.
func inFrame(t *testing.T, fn func(tok *gpu.Token, f *fixture)) {
	t.Helper()
	e := gpu.NewExecutor(nil)
	require.NoError(t, e.Tick(func(tok *gpu.Token) error {
		backend := gpu.NewHeadlessBackend()
		pool, err := gpu.NewVertexIndexPool(tok, backend, 3, 64, 64)
		require.NoError(t, err)
		_, err = pool.Allocate(100, 1000)
		require.NoError(t, err)

		p, err := New(tok, backend, pool, Options{InitialCommands: 2, EntityOffsetSlot: 1})
		require.NoError(t, err)
		fn(tok, &fixture{backend: backend, pool: pool, pipeline: p})
		return nil
	}))
}

func words(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func TestPipeline_OneCommandPerNonEmptyRecord(t *testing.T) {
	inFrame(t, func(tok *gpu.Token, f *fixture) {
		extract := FrameExtract{Frame: 1, Records: []RenderRecord{
			{Key: BatchKey{Mesh: 2}, IndexCount: 36, FirstIndex: 36, BaseVertex: 24, InstanceCount: 10, EntityBaseIndex: 0},
			{Key: BatchKey{Mesh: 1}, IndexCount: 36, FirstIndex: 0, BaseVertex: 0, InstanceCount: 0, EntityBaseIndex: 10},
			{Key: BatchKey{Mesh: 3}, IndexCount: 6, FirstIndex: 72, BaseVertex: 48, InstanceCount: 5, EntityBaseIndex: 10},
		}}
		require.NoError(t, f.pipeline.Prepare(tok, extract))

		n, err := f.pipeline.Draw(tok)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		draws := f.backend.Draws()
		require.Len(t, draws, 1, "all batches go out in one multidraw")
		assert.Equal(t, uint32(2), draws[0].DrawCount)
		assert.Equal(t, uint32(CommandStride), draws[0].Stride)
		assert.Equal(t, f.pool.Vertices().ID(), draws[0].Vertex)
		assert.Equal(t, f.pool.Indices().ID(), draws[0].Index)
		assert.Equal(t, f.pipeline.EntityOffsets().ID(), f.backend.Bound(gpu.TargetStorage, 1))

		stats := f.pipeline.Stats()
		assert.Equal(t, 3, stats.Records)
		assert.Equal(t, 2, stats.Commands)
		assert.Equal(t, 1, stats.Skipped)
		assert.Equal(t, uint64(15), stats.Instances)
		assert.Equal(t, 1, stats.DrawCalls)
	})
}

func TestPipeline_EmptyFrameSkipsDraw(t *testing.T) {
	inFrame(t, func(tok *gpu.Token, f *fixture) {
		require.NoError(t, f.pipeline.Prepare(tok, FrameExtract{Frame: 1, Records: []RenderRecord{
			{Key: BatchKey{Mesh: 1}, IndexCount: 36, InstanceCount: 0},
		}}))

		n, err := f.pipeline.Draw(tok)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, f.backend.Draws())
	})
}

func TestPipeline_CommandsSortedAndAlignedWithOffsets(t *testing.T) {
	inFrame(t, func(tok *gpu.Token, f *fixture) {
		extract := FrameExtract{Records: []RenderRecord{
			{Key: BatchKey{Mesh: 2, Material: 1}, IndexCount: 6, FirstIndex: 12, InstanceCount: 1, EntityBaseIndex: 100},
			{Key: BatchKey{Mesh: 1, Material: 9}, IndexCount: 6, FirstIndex: 6, InstanceCount: 2, EntityBaseIndex: 200},
			{Key: BatchKey{Mesh: 2, Material: 0}, IndexCount: 6, FirstIndex: 18, InstanceCount: 3, EntityBaseIndex: 300},
			{Key: BatchKey{Mesh: 1, Material: 9}, IndexCount: 6, FirstIndex: 0, InstanceCount: 4, EntityBaseIndex: 400},
		}}
		require.NoError(t, f.pipeline.Prepare(tok, extract))

		cmds := f.pipeline.Commands()
		require.Len(t, cmds, 4)
		keys := make([]BatchKey, len(cmds))
		for i, c := range cmds {
			keys[i] = c.Key
		}
		assert.Equal(t, []BatchKey{{1, 9}, {1, 9}, {2, 0}, {2, 1}}, keys)
		// Equal keys keep extract order.
		assert.Equal(t, uint32(200), cmds[0].EntityOffset)
		assert.Equal(t, uint32(400), cmds[1].EntityOffset)

		offsets, err := f.pipeline.EntityOffsets().Read(0, 16)
		require.NoError(t, err)
		assert.Equal(t, []uint32{200, 400, 300, 100}, words(offsets))

		raw, err := f.pipeline.CommandBuffer().Read(0, 4*CommandStride)
		require.NoError(t, err)
		for i, c := range cmds {
			w := words(raw[i*CommandStride : (i+1)*CommandStride])
			assert.Equal(t, []uint32{c.Count, c.InstanceCount, c.FirstIndex, uint32(c.BaseVertex), c.BaseInstance}, w)
			assert.Equal(t, c.EntityOffset, c.BaseInstance)
		}
	})
}

func TestPipeline_SmallerFrameZeroesStaleTail(t *testing.T) {
	inFrame(t, func(tok *gpu.Token, f *fixture) {
		big := FrameExtract{Frame: 1}
		for i := 0; i < 8; i++ {
			big.Records = append(big.Records, RenderRecord{
				Key: BatchKey{Mesh: uint32(i)}, IndexCount: 6, FirstIndex: uint32(i * 6), InstanceCount: 1, EntityBaseIndex: uint32(i),
			})
		}
		require.NoError(t, f.pipeline.Prepare(tok, big))
		_, err := f.pipeline.Draw(tok)
		require.NoError(t, err)

		small := FrameExtract{Frame: 2, Records: big.Records[5:7]}
		require.NoError(t, f.pipeline.Prepare(tok, small))
		n, err := f.pipeline.Draw(tok)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		assert.Equal(t, uint64(2*CommandStride), f.pipeline.CommandBuffer().Written())
		gpuCommands := f.backend.BufferData(f.pipeline.CommandBuffer().ID())
		assert.Equal(t, make([]byte, 6*CommandStride), gpuCommands[2*CommandStride:8*CommandStride])
		gpuOffsets := f.backend.BufferData(f.pipeline.EntityOffsets().ID())
		assert.Equal(t, []uint32{5, 6, 0, 0, 0, 0, 0, 0}, words(gpuOffsets[:32]))

		draws := f.backend.Draws()
		require.Len(t, draws, 2)
		assert.Len(t, draws[1].Commands, 2*CommandStride)
	})
}

func TestPipeline_GrowsPastInitialCommands(t *testing.T) {
	inFrame(t, func(tok *gpu.Token, f *fixture) {
		var extract FrameExtract
		for i := 0; i < 200; i++ {
			extract.Records = append(extract.Records, RenderRecord{
				Key: BatchKey{Mesh: uint32(i % 7), Material: uint32(i % 3)}, IndexCount: 3, FirstIndex: uint32(i * 3), InstanceCount: 1, EntityBaseIndex: uint32(i),
			})
		}
		require.NoError(t, f.pipeline.Prepare(tok, extract))
		n, err := f.pipeline.Draw(tok)
		require.NoError(t, err)
		assert.Equal(t, 200, n)
		assert.GreaterOrEqual(t, f.pipeline.CommandBuffer().Capacity(), uint64(200*CommandStride))

		// The draw consumed the grown buffer, not the released one.
		draws := f.backend.Draws()
		require.Len(t, draws, 1)
		assert.Equal(t, f.pipeline.CommandBuffer().ID(), draws[0].Indirect)
	})
}

func TestPipeline_RejectsRecordsOutsideThePool(t *testing.T) {
	inFrame(t, func(tok *gpu.Token, f *fixture) {
		err := f.pipeline.Prepare(tok, FrameExtract{Records: []RenderRecord{
			{Key: BatchKey{Mesh: 1}, IndexCount: 36, FirstIndex: 990, InstanceCount: 1},
		}})
		assert.ErrorIs(t, err, gpu.ErrCapacityMisuse)
	})
}

func TestPipeline_FailedPrepareDrawsNothing(t *testing.T) {
	inFrame(t, func(tok *gpu.Token, f *fixture) {
		require.NoError(t, f.pipeline.Prepare(tok, FrameExtract{Frame: 1, Records: []RenderRecord{
			{Key: BatchKey{Mesh: 1}, IndexCount: 36, FirstIndex: 0, InstanceCount: 3},
			{Key: BatchKey{Mesh: 2}, IndexCount: 6, FirstIndex: 36, InstanceCount: 2, EntityBaseIndex: 3},
		}}))

		// A good record ahead of one past the pool must not leak into the list.
		err := f.pipeline.Prepare(tok, FrameExtract{Frame: 2, Records: []RenderRecord{
			{Key: BatchKey{Mesh: 1}, IndexCount: 7, FirstIndex: 6, InstanceCount: 1},
			{Key: BatchKey{Mesh: 2}, IndexCount: 36, FirstIndex: 990, InstanceCount: 1},
		}})
		require.ErrorIs(t, err, gpu.ErrCapacityMisuse)
		assert.Empty(t, f.pipeline.Commands())

		n, err := f.pipeline.Draw(tok)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, f.backend.Draws())

		// The next good frame draws normally again.
		require.NoError(t, f.pipeline.Prepare(tok, FrameExtract{Frame: 3, Records: []RenderRecord{
			{Key: BatchKey{Mesh: 1}, IndexCount: 36, InstanceCount: 4},
		}}))
		n, err = f.pipeline.Draw(tok)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		raw, err := f.pipeline.CommandBuffer().Read(0, CommandStride)
		require.NoError(t, err)
		assert.Equal(t, []uint32{36, 4, 0, 0, 0}, words(raw))
	})
}

func TestBatchKey_Compare(t *testing.T) {
	assert.Negative(t, BatchKey{1, 5}.Compare(BatchKey{2, 0}))
	assert.Negative(t, BatchKey{1, 0}.Compare(BatchKey{1, 1}))
	assert.Zero(t, BatchKey{3, 3}.Compare(BatchKey{3, 3}))
	assert.Positive(t, BatchKey{2, 0}.Compare(BatchKey{1, 9}))
}
