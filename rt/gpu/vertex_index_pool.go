package gpu

import (
	"fmt"
	"math"
	"sync"
)

// Region is an arena allocation inside the global vertex and index buffers.
// Offsets are in elements (vertices, indices), not bytes.
type Region struct {
	VertexOffset uint32
	IndexOffset  uint32
	VertexCount  uint32
	IndexCount   uint32
}

// VertexIndexPool packs every mesh into one shared vertex buffer and one
// shared index buffer so a single multi-draw can reach all of them.
//
// Allocate is safe from any goroutine: one mutex guards the single cursor, so
// concurrent loaders never receive overlapping ranges. Allocations are never
// freed or compacted. Appends and binds run on the owning thread.
type VertexIndexPool struct {
	mu         sync.Mutex
	nextVertex uint64
	nextIndex  uint64

	floatsPerVertex int
	vertices        *MappedBuffer
	indices         *MappedBuffer
}

type PoolStats struct {
	Vertices         uint64
	Indices          uint64
	VertexCapacity   uint64
	IndexCapacity    uint64
	VertexBufferGrow int
	IndexBufferGrow  int
}

func NewVertexIndexPool(tok *Token, backend Backend, floatsPerVertex int, initialVertices, initialIndices int) (*VertexIndexPool, error) {
	mustHold(tok, "NewVertexIndexPool")

	if floatsPerVertex <= 0 {
		panic("gpu: vertex layout needs at least one float per vertex")
	}
	stride := uint64(floatsPerVertex) * 4

	vb, err := NewMappedBuffer(tok, backend, "global vertices", TargetVertex, uint64(initialVertices)*stride)
	if err != nil {
		return nil, err
	}
	ib, err := NewMappedBuffer(tok, backend, "global indices", TargetIndex, uint64(initialIndices)*4)
	if err != nil {
		vb.Release(tok)
		return nil, err
	}
	return &VertexIndexPool{
		floatsPerVertex: floatsPerVertex,
		vertices:        vb,
		indices:         ib,
	}, nil
}

func (p *VertexIndexPool) FloatsPerVertex() int { return p.floatsPerVertex }

// VertexStride is the size of one vertex in bytes.
func (p *VertexIndexPool) VertexStride() uint64 { return uint64(p.floatsPerVertex) * 4 }

func (p *VertexIndexPool) Vertices() *MappedBuffer { return p.vertices }
func (p *VertexIndexPool) Indices() *MappedBuffer  { return p.indices }

// Allocate reserves the next vertexCount vertices and indexCount indices.
// Successive regions are adjacent and strictly increasing. The vertex cursor
// stops at math.MaxInt32 and the index cursor at math.MaxUint32.
func (p *VertexIndexPool) Allocate(vertexCount, indexCount int) (Region, error) {
	if vertexCount < 0 || indexCount < 0 {
		return Region{}, fmt.Errorf("%w: negative allocation %d/%d", ErrCapacityMisuse, vertexCount, indexCount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	nv := p.nextVertex + uint64(vertexCount)
	ni := p.nextIndex + uint64(indexCount)
	// Indirect draws carry the vertex offset as a signed base vertex.
	if nv > math.MaxInt32 || ni > math.MaxUint32 {
		return Region{}, fmt.Errorf("%w: pool cursor overflow (%d vertices, %d indices)", ErrCapacityMisuse, nv, ni)
	}

	r := Region{
		VertexOffset: uint32(p.nextVertex),
		IndexOffset:  uint32(p.nextIndex),
		VertexCount:  uint32(vertexCount),
		IndexCount:   uint32(indexCount),
	}
	p.nextVertex = nv
	p.nextIndex = ni
	return r, nil
}

// AppendVertices writes exactly the region's vertices.
func (p *VertexIndexPool) AppendVertices(tok *Token, r Region, data []float32) error {
	if len(data) != int(r.VertexCount)*p.floatsPerVertex {
		return fmt.Errorf("%w: %d floats for %d vertices of %d floats", ErrCapacityMisuse, len(data), r.VertexCount, p.floatsPerVertex)
	}
	_, err := p.vertices.Put(tok, uint64(r.VertexOffset)*p.VertexStride(), Float32s(data))
	return err
}

// AppendIndices writes exactly the region's indices. Indices are local to the
// mesh; draws add the region's VertexOffset as base vertex.
func (p *VertexIndexPool) AppendIndices(tok *Token, r Region, indices []uint32) error {
	if len(indices) != int(r.IndexCount) {
		return fmt.Errorf("%w: %d indices for a region of %d", ErrCapacityMisuse, len(indices), r.IndexCount)
	}
	for _, i := range indices {
		if i >= r.VertexCount {
			return fmt.Errorf("%w: index %d outside region of %d vertices", ErrCapacityMisuse, i, r.VertexCount)
		}
	}
	_, err := p.indices.Put(tok, uint64(r.IndexOffset)*4, Uint32s(indices))
	return err
}

// Bind attaches the global vertex and index buffers to slot 0.
func (p *VertexIndexPool) Bind(tok *Token) error {
	if err := p.vertices.Bind(tok, 0); err != nil {
		return err
	}
	return p.indices.Bind(tok, 0)
}

// Stats reads buffer capacities unsynchronized; call it from the owning thread.
func (p *VertexIndexPool) Stats() PoolStats {
	p.mu.Lock()
	nv, ni := p.nextVertex, p.nextIndex
	p.mu.Unlock()

	return PoolStats{
		Vertices:         nv,
		Indices:          ni,
		VertexCapacity:   p.vertices.Capacity() / p.VertexStride(),
		IndexCapacity:    p.indices.Capacity() / 4,
		VertexBufferGrow: p.vertices.Grows(),
		IndexBufferGrow:  p.indices.Grows(),
	}
}

func (p *VertexIndexPool) Release(tok *Token) {
	p.vertices.Release(tok)
	p.indices.Release(tok)
}
