package drawbatch

import (
	"errors"
	"fmt"

	"github.com/gekko3d/drawbatch/rt/core"
	"github.com/gekko3d/drawbatch/rt/gpu"
	"github.com/gekko3d/drawbatch/rt/octree"
	"github.com/gekko3d/drawbatch/rt/pipeline"
	"github.com/go-gl/mathgl/mgl32"
)

// Storage and uniform binding slots shared with the shaders.
const (
	CameraSlot       uint32 = 0
	EntityOffsetSlot uint32 = 1
	InstanceSlot     uint32 = 2
	TransformSlot    uint32 = 3
)

// FrameStats summarizes one Tick.
type FrameStats struct {
	Frame      uint64
	Tasks      uint64
	Candidates int
	Culled     int
	Instances  int
	Commands   int
	Rebuilt    bool
}

// Engine owns every rendering resource: the executor, the geometry pool, the
// draw pipeline, the spatial index, the scene and the per-instance buffers.
// Construct one per graphics context and pass it by reference.
//
// Tick, Rebuild, LoadScene and the Scene itself belong to the owning thread.
// Assets may be loaded from any goroutine.
type Engine struct {
	cfg     *Config
	log     Logger
	backend gpu.Backend

	Executor *gpu.Executor
	Pool     *gpu.VertexIndexPool
	Pipeline *pipeline.Pipeline
	Octree   *octree.Octree
	Scene    *Scene
	Assets   *AssetServer
	Camera   *core.CameraState

	profiler *Profiler

	camera     *gpu.MappedBuffer
	instances  *gpu.MappedBuffer
	transforms *gpu.MappedBuffer

	frame           uint64
	uploadedVersion uint64
	uploadedOnce    bool
	stats           FrameStats
	closed          bool
}

// NewEngine creates the GPU resources on the calling goroutine, which becomes
// the owning thread.
func NewEngine(cfg *Config, backend gpu.Backend, log Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewNopLogger()
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		backend:  backend,
		Executor: gpu.NewExecutor(log),
		Scene:    NewScene(),
		profiler: NewProfiler(),
		Camera:   core.NewCameraState(),
		Octree: octree.New(mgl32.Vec3(cfg.Octree.Center), cfg.Octree.Size, octree.Options{
			SplitThreshold: cfg.Octree.SplitThreshold,
			MaxDeepness:    cfg.Octree.MaxDeepness,
		}),
	}

	err := e.Executor.Tick(func(tok *gpu.Token) error {
		if err := e.createResources(tok); err != nil {
			e.releaseResources(tok)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}

	e.Assets = NewAssetServer(e.Executor, e.Pool, cfg.Executor.WaitTimeout, log)
	log.Infof("engine ready: %d vertices, %d indices, %d commands preallocated",
		cfg.Buffers.InitialVertices, cfg.Buffers.InitialIndices, cfg.Buffers.InitialCommands)
	return e, nil
}

func (e *Engine) createResources(tok *gpu.Token) error {
	b := e.cfg.Buffers
	pool, err := gpu.NewVertexIndexPool(tok, e.backend, VertexFloats, b.InitialVertices, b.InitialIndices)
	if err != nil {
		return err
	}
	e.Pool = pool

	e.Pipeline, err = pipeline.New(tok, e.backend, pool, pipeline.Options{
		InitialCommands:  b.InitialCommands,
		EntityOffsetSlot: EntityOffsetSlot,
	})
	if err != nil {
		return err
	}
	if e.camera, err = gpu.NewMappedBuffer(tok, e.backend, "camera", gpu.TargetUniform, 80); err != nil {
		return err
	}
	if e.instances, err = gpu.NewMappedBuffer(tok, e.backend, "instances", gpu.TargetStorage, uint64(b.InitialInstances)*4); err != nil {
		return err
	}
	if e.transforms, err = gpu.NewMappedBuffer(tok, e.backend, "transforms", gpu.TargetStorage, uint64(b.InitialInstances)*64); err != nil {
		return err
	}
	return nil
}

// releaseResources frees whatever createResources managed to build.
func (e *Engine) releaseResources(tok *gpu.Token) {
	if e.Pipeline != nil {
		e.Pipeline.Release(tok)
	}
	if e.Pool != nil {
		e.Pool.Release(tok)
	}
	for _, buf := range []*gpu.MappedBuffer{e.camera, e.instances, e.transforms} {
		if buf != nil {
			buf.Release(tok)
		}
	}
}

func (e *Engine) Config() *Config { return e.cfg }
func (e *Engine) Logger() Logger  { return e.log }

// Stats returns the counters of the last Tick.
func (e *Engine) Stats() FrameStats { return e.stats }

// Profiler holds the stage timings of the last Tick.
func (e *Engine) Profiler() *Profiler { return e.profiler }

// Spawn places a loaded mesh in the scene. The entity is indexed and drawn
// from the next Tick on.
func (e *Engine) Spawn(mesh AssetId, material uint32, t core.Transform) (EntityHandle, error) {
	m, ok := e.Assets.Mesh(mesh)
	if !ok {
		return EntityHandle{}, fmt.Errorf("spawn: mesh %s not loaded", mesh)
	}
	return e.Scene.Spawn(m, material, t), nil
}

// LoadScene spawns every object of def and rebuilds the spatial index.
func (e *Engine) LoadScene(def SceneDef) ([]EntityHandle, error) {
	handles := make([]EntityHandle, 0, len(def.Objects))
	for i, obj := range def.Objects {
		h, err := e.Spawn(obj.Mesh, obj.Material, obj.transform())
		if err != nil {
			return handles, fmt.Errorf("object %d: %w", i, err)
		}
		handles = append(handles, h)
	}
	return handles, e.Rebuild()
}

// Rebuild discards the spatial index and reinserts every live entity.
func (e *Engine) Rebuild() error {
	e.Scene.takeSpawned()
	e.Octree.Reset()
	if err := e.Octree.InsertAll(e.Scene.Items()); err != nil {
		return fmt.Errorf("rebuild octree: %w", err)
	}
	e.log.Debugf("octree rebuilt: %d entities, %d nodes, deepness %d",
		e.Octree.Len(), e.Octree.NodeCount(), e.Octree.CurrentDeepness())
	return nil
}

// syncOctree brings the index up to date with the scene. New entities are
// inserted; a move or despawn forces a full rebuild.
func (e *Engine) syncOctree() (rebuilt bool, err error) {
	spawned, stale := e.Scene.takeSpawned()
	if stale {
		return true, e.Rebuild()
	}
	if err := e.Octree.InsertAll(spawned); err != nil {
		return false, fmt.Errorf("index spawned entities: %w", err)
	}
	return false, nil
}

// Tick runs one frame on the owning thread: queued GPU tasks first, then
// culling, extraction, per-instance uploads and a single multi-draw.
func (e *Engine) Tick() (FrameStats, error) {
	if e.closed {
		return FrameStats{}, gpu.ErrExecutorClosed
	}
	before := e.Executor.Stats().Executed
	err := e.Executor.Tick(func(tok *gpu.Token) error {
		return e.renderFrame(tok)
	})
	e.stats.Tasks = e.Executor.Stats().Executed - before
	if err != nil {
		return e.stats, fmt.Errorf("frame %d: %w", e.frame, err)
	}
	return e.stats, nil
}

func (e *Engine) renderFrame(tok *gpu.Token) error {
	e.frame++
	stats := FrameStats{Frame: e.frame}
	prof := e.profiler
	prof.Reset()

	err := prof.Measure("sync", func() (err error) {
		stats.Rebuilt, err = e.syncOctree()
		return err
	})
	if err != nil {
		return err
	}

	var frustum core.Frustum
	var candidates []octree.EntityID
	prof.Measure("cull", func() error {
		frustum = e.Camera.Frustum()
		candidates = e.Octree.Visible(frustum)
		return nil
	})

	var ext Extraction
	prof.Measure("extract", func() error {
		ext = e.Scene.Extract(e.frame, candidates, frustum)
		return nil
	})
	stats.Candidates = ext.Candidates
	stats.Culled = ext.Culled
	stats.Instances = len(ext.Instances)

	if err := prof.Measure("upload", func() error { return e.uploadFrame(tok, ext.Instances) }); err != nil {
		return err
	}

	err = prof.Measure("draw", func() (err error) {
		if err := e.Pipeline.Prepare(tok, ext.Frame); err != nil {
			return err
		}
		stats.Commands, err = e.Pipeline.Draw(tok)
		return err
	})
	if err != nil {
		return err
	}

	prof.SetCount("nodes", e.Octree.NodeCount())
	prof.SetCount("instances", stats.Instances)
	prof.SetCount("commands", stats.Commands)
	e.stats = stats
	if e.log.DebugEnabled() {
		e.log.Debugf("frame %d: %d candidates, %d culled, %d instances in %d commands",
			stats.Frame, stats.Candidates, stats.Culled, stats.Instances, stats.Commands)
	}
	return nil
}

// uploadFrame writes the camera, the transforms when the scene changed and
// the visible instance list, then binds them for the draw.
func (e *Engine) uploadFrame(tok *gpu.Token, instances []uint32) error {
	if err := e.uploadCamera(tok); err != nil {
		return err
	}
	if err := e.uploadTransforms(tok); err != nil {
		return err
	}
	if _, err := e.instances.Put(tok, 0, gpu.Uint32s(instances)); err != nil {
		return fmt.Errorf("upload instances: %w", err)
	}
	if err := e.instances.Truncate(tok, uint64(len(instances))*4); err != nil {
		return err
	}
	return e.bindFrameBuffers(tok)
}

// cameraUniform matches the shader's camera block: view-projection then eye position.
type cameraUniform struct {
	viewProj mgl32.Mat4
	position mgl32.Vec3
}

func (cameraUniform) SizeBytes() int { return 80 }

func (c cameraUniform) Serialize(cur *gpu.Cursor) {
	cur.PutMat4(c.viewProj)
	cur.PutVec4(c.position, 1)
}

func (e *Engine) uploadCamera(tok *gpu.Token) error {
	u := gpu.Objects[cameraUniform]{{viewProj: e.Camera.ViewProjection(), position: e.Camera.Position}}
	if _, err := e.camera.Put(tok, 0, u); err != nil {
		return fmt.Errorf("upload camera: %w", err)
	}
	return nil
}

// uploadTransforms rewrites the transform buffer when the scene changed.
func (e *Engine) uploadTransforms(tok *gpu.Token) error {
	v := e.Scene.Version()
	if e.uploadedOnce && v == e.uploadedVersion {
		return nil
	}
	rows := e.Scene.transforms()
	if _, err := e.transforms.Put(tok, 0, gpu.Objects[entityTransform](rows)); err != nil {
		return fmt.Errorf("upload transforms: %w", err)
	}
	if err := e.transforms.Truncate(tok, uint64(len(rows))*64); err != nil {
		return err
	}
	e.uploadedVersion = v
	e.uploadedOnce = true
	return nil
}

func (e *Engine) bindFrameBuffers(tok *gpu.Token) error {
	return errors.Join(
		e.camera.Bind(tok, CameraSlot),
		e.instances.Bind(tok, InstanceSlot),
		e.transforms.Bind(tok, TransformSlot),
	)
}

// Buffers exposes the per-frame buffers for diagnostics and custom backends.
func (e *Engine) Buffers() (camera, instances, transforms *gpu.MappedBuffer) {
	return e.camera, e.instances, e.transforms
}

// Close stops accepting GPU tasks, runs the ones already queued and releases
// every buffer. The engine cannot be used afterwards.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.Executor.Close()
	return e.Executor.Tick(func(tok *gpu.Token) error {
		e.releaseResources(tok)
		e.log.Infof("engine closed after %d frames", e.frame)
		return nil
	})
}
