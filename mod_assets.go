package drawbatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gekko3d/drawbatch/rt/core"
	"github.com/gekko3d/drawbatch/rt/gpu"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type AssetId string

// MeshData is CPU-side geometry: interleaved vertices whose first three
// floats are the position, and indices local to the mesh.
type MeshData struct {
	Vertices []float32
	Indices  []uint32
}

// MeshAsset is a mesh resident in the global vertex and index pool.
type MeshAsset struct {
	Id AssetId
	// Index is the dense mesh number used as batch key.
	Index  uint32
	Region gpu.Region
	// Bounds is the local-space box around the vertex positions.
	Bounds core.AABB
}

var ErrInvalidMesh = errors.New("invalid mesh")

// AssetServer registers meshes and uploads their geometry into the shared
// pool. Loads may come from any goroutine; the upload itself always runs on
// the executor's owning thread. A mesh only becomes visible to Mesh and
// MeshByIndex once its upload has finished.
type AssetServer struct {
	exec    *gpu.Executor
	pool    *gpu.VertexIndexPool
	timeout time.Duration
	log     Logger

	mu      sync.RWMutex
	meshes  map[AssetId]MeshAsset
	byIndex []AssetId
}

func NewAssetServer(exec *gpu.Executor, pool *gpu.VertexIndexPool, timeout time.Duration, log Logger) *AssetServer {
	if log == nil {
		log = NewNopLogger()
	}
	return &AssetServer{
		exec:    exec,
		pool:    pool,
		timeout: timeout,
		log:     log,
		meshes:  make(map[AssetId]MeshAsset),
	}
}

func makeAssetId() AssetId {
	return AssetId(uuid.NewString())
}

// LoadMesh reserves pool space on the calling goroutine and blocks until the
// owning thread has uploaded the geometry. Never call it from the owning
// thread; use LoadMeshAsync there.
func (server *AssetServer) LoadMesh(ctx context.Context, data MeshData) (MeshAsset, error) {
	pending, err := server.reserve(data)
	if err != nil {
		return MeshAsset{}, err
	}
	return gpu.SubmitAndWait(ctx, server.exec, server.timeout, func(tok *gpu.Token) (MeshAsset, error) {
		return server.upload(tok, pending, data)
	})
}

// LoadMeshAsync reserves pool space and queues the upload without waiting.
// The future resolves after the next drain.
func (server *AssetServer) LoadMeshAsync(data MeshData) (*gpu.Future[MeshAsset], error) {
	pending, err := server.reserve(data)
	if err != nil {
		return nil, err
	}
	return gpu.Submit(server.exec, func(tok *gpu.Token) (MeshAsset, error) {
		return server.upload(tok, pending, data)
	}), nil
}

// LoadMeshes loads every mesh concurrently and returns them in input order.
// The first failure cancels the loads still waiting.
func (server *AssetServer) LoadMeshes(ctx context.Context, meshes []MeshData) ([]MeshAsset, error) {
	out := make([]MeshAsset, len(meshes))
	g, ctx := errgroup.WithContext(ctx)
	for i, data := range meshes {
		g.Go(func() error {
			m, err := server.LoadMesh(ctx, data)
			if err != nil {
				return fmt.Errorf("mesh %d: %w", i, err)
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type pendingMesh struct {
	id     AssetId
	region gpu.Region
	bounds core.AABB
}

func (server *AssetServer) reserve(data MeshData) (pendingMesh, error) {
	fpv := server.pool.FloatsPerVertex()
	if fpv < 3 {
		return pendingMesh{}, fmt.Errorf("%w: vertex layout of %d floats has no position", ErrInvalidMesh, fpv)
	}
	if len(data.Vertices) == 0 || len(data.Indices) == 0 {
		return pendingMesh{}, fmt.Errorf("%w: empty geometry", ErrInvalidMesh)
	}
	if len(data.Vertices)%fpv != 0 {
		return pendingMesh{}, fmt.Errorf("%w: %d floats is not a multiple of %d per vertex", ErrInvalidMesh, len(data.Vertices), fpv)
	}

	vertexCount := len(data.Vertices) / fpv
	for _, i := range data.Indices {
		if int(i) >= vertexCount {
			return pendingMesh{}, fmt.Errorf("%w: index %d past %d vertices", ErrInvalidMesh, i, vertexCount)
		}
	}

	region, err := server.pool.Allocate(vertexCount, len(data.Indices))
	if err != nil {
		return pendingMesh{}, err
	}
	return pendingMesh{
		id:     makeAssetId(),
		region: region,
		bounds: positionBounds(data.Vertices, fpv),
	}, nil
}

func (server *AssetServer) upload(tok *gpu.Token, p pendingMesh, data MeshData) (MeshAsset, error) {
	if err := server.pool.AppendVertices(tok, p.region, data.Vertices); err != nil {
		return MeshAsset{}, err
	}
	if err := server.pool.AppendIndices(tok, p.region, data.Indices); err != nil {
		return MeshAsset{}, err
	}

	server.mu.Lock()
	asset := MeshAsset{
		Id:     p.id,
		Index:  uint32(len(server.byIndex)),
		Region: p.region,
		Bounds: p.bounds,
	}
	server.meshes[asset.Id] = asset
	server.byIndex = append(server.byIndex, asset.Id)
	server.mu.Unlock()

	if server.log.DebugEnabled() {
		server.log.Debugf("mesh %s uploaded: %d vertices at %d, %d indices at %d",
			asset.Id, p.region.VertexCount, p.region.VertexOffset, p.region.IndexCount, p.region.IndexOffset)
	}
	return asset, nil
}

func (server *AssetServer) Mesh(id AssetId) (MeshAsset, bool) {
	server.mu.RLock()
	defer server.mu.RUnlock()
	m, ok := server.meshes[id]
	return m, ok
}

func (server *AssetServer) MeshByIndex(index uint32) (MeshAsset, bool) {
	server.mu.RLock()
	defer server.mu.RUnlock()
	if int(index) >= len(server.byIndex) {
		return MeshAsset{}, false
	}
	return server.meshes[server.byIndex[index]], true
}

// MeshCount is the number of uploaded meshes.
func (server *AssetServer) MeshCount() int {
	server.mu.RLock()
	defer server.mu.RUnlock()
	return len(server.byIndex)
}

func positionBounds(vertices []float32, stride int) core.AABB {
	inf := float32(1e20)
	b := core.AABB{Min: mgl32.Vec3{inf, inf, inf}, Max: mgl32.Vec3{-inf, -inf, -inf}}
	for i := 0; i+2 < len(vertices); i += stride {
		p := mgl32.Vec3{vertices[i], vertices[i+1], vertices[i+2]}
		b = b.Union(core.AABB{Min: p, Max: p})
	}
	return b
}
