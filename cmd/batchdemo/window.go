package main

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/gekko3d/drawbatch"
	"github.com/gekko3d/drawbatch/rt/gpu"
	"github.com/go-gl/glfw/v3.3/glfw"
)

// The vertex stage resolves its entity through the instance slot the command
// points at. instance_index already includes the command's base instance.
const batchShaderWGSL = `
struct Camera {
	view_proj: mat4x4<f32>,
	eye: vec4<f32>,
};

@group(0) @binding(0) var<uniform> camera: Camera;
@group(0) @binding(2) var<storage, read> instances: array<u32>;
@group(0) @binding(3) var<storage, read> transforms: array<mat4x4<f32>>;

struct VertexOut {
	@builtin(position) position: vec4<f32>,
	@location(0) normal: vec3<f32>,
	@location(1) world: vec3<f32>,
};

@vertex
fn vs_main(
	@location(0) position: vec3<f32>,
	@location(1) normal: vec3<f32>,
	@builtin(instance_index) instance: u32,
) -> VertexOut {
	let model = transforms[instances[instance]];
	let world = model * vec4<f32>(position, 1.0);
	var out: VertexOut;
	out.position = camera.view_proj * world;
	out.normal = normalize((model * vec4<f32>(normal, 0.0)).xyz);
	out.world = world.xyz;
	return out;
}

@fragment
fn fs_main(in: VertexOut) -> @location(0) vec4<f32> {
	let light = normalize(vec3<f32>(0.4, 0.3, 1.0));
	let diffuse = max(dot(in.normal, light), 0.0);
	let fog = clamp(distance(in.world, camera.eye.xyz) / 200.0, 0.0, 1.0);
	let base = vec3<f32>(0.55, 0.6, 0.7) * (0.25 + 0.75 * diffuse);
	return vec4<f32>(mix(base, vec3<f32>(0.05, 0.05, 0.08), fog), 1.0);
}
`

type window struct {
	glfw    *glfw.Window
	surface *wgpu.Surface
	adapter *wgpu.Adapter
	device  *wgpu.Device
	queue   *wgpu.Queue
	config  *wgpu.SurfaceConfiguration

	pipeline *wgpu.RenderPipeline
	backend  *gpu.WgpuBackend

	bindGroup *wgpu.BindGroup
	bgBuffers [3]*wgpu.Buffer
}

func openWindow(cfg drawbatch.WindowConfig) (*window, error) {
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	gw, err := glfw.CreateWindow(cfg.Width, cfg.Height, cfg.Title, nil, nil)
	if err != nil {
		return nil, err
	}
	w := &window{glfw: gw}

	instance := wgpu.CreateInstance(nil)
	w.surface = instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(gw))
	w.adapter, err = instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: w.surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, err
	}
	// Indirect commands carry a non-zero first instance.
	w.device, err = w.adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:            "drawbatch device",
		RequiredFeatures: []wgpu.FeatureName{wgpu.FeatureNameIndirectFirstInstance},
	})
	if err != nil {
		return nil, err
	}
	w.queue = w.device.GetQueue()

	width, height := gw.GetFramebufferSize()
	caps := w.surface.GetCapabilities(w.adapter)
	w.config = &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      caps.Formats[0],
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	}
	w.surface.Configure(w.adapter, w.device, w.config)

	if err := w.createPipeline(); err != nil {
		return nil, err
	}
	w.backend = gpu.NewWgpuBackend(w.device)
	w.backend.SetBeforeDraw(w.beforeDraw)
	return w, nil
}

func (w *window) createPipeline() error {
	module, err := w.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "batch shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: batchShaderWGSL},
	})
	if err != nil {
		return err
	}
	defer module.Release()

	w.pipeline, err = w.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "batch pipeline",
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
			Buffers: []wgpu.VertexBufferLayout{{
				ArrayStride: uint64(drawbatch.VertexFloats * 4),
				StepMode:    wgpu.VertexStepModeVertex,
				Attributes: []wgpu.VertexAttribute{
					{Format: wgpu.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
					{Format: wgpu.VertexFormatFloat32x3, Offset: 12, ShaderLocation: 1},
				},
			}},
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    w.config.Format,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleList,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeBack,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	return err
}

// beforeDraw installs the pipeline and a bind group over the buffers bound
// this frame. The group is rebuilt only after a buffer grew.
func (w *window) beforeDraw(pass *wgpu.RenderPassEncoder) error {
	bufs := [3]*wgpu.Buffer{
		w.backend.Bound(gpu.TargetUniform, drawbatch.CameraSlot),
		w.backend.Bound(gpu.TargetStorage, drawbatch.InstanceSlot),
		w.backend.Bound(gpu.TargetStorage, drawbatch.TransformSlot),
	}
	for i, b := range bufs {
		if b == nil {
			return fmt.Errorf("bind group entry %d not bound", i)
		}
	}
	if w.bindGroup == nil || bufs != w.bgBuffers {
		if w.bindGroup != nil {
			w.bindGroup.Release()
		}
		bg, err := w.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Layout: w.pipeline.GetBindGroupLayout(0),
			Entries: []wgpu.BindGroupEntry{
				{Binding: drawbatch.CameraSlot, Buffer: bufs[0], Size: wgpu.WholeSize},
				{Binding: drawbatch.InstanceSlot, Buffer: bufs[1], Size: wgpu.WholeSize},
				{Binding: drawbatch.TransformSlot, Buffer: bufs[2], Size: wgpu.WholeSize},
			},
		})
		if err != nil {
			return err
		}
		w.bindGroup = bg
		w.bgBuffers = bufs
	}
	pass.SetPipeline(w.pipeline)
	pass.SetBindGroup(0, w.bindGroup, nil)
	return nil
}

func (w *window) resize(width, height int) {
	if width > 0 && height > 0 {
		w.config.Width = uint32(width)
		w.config.Height = uint32(height)
		w.surface.Configure(w.adapter, w.device, w.config)
	}
}

// frame opens a render pass around one engine Tick and presents it.
func (w *window) frame(e *drawbatch.Engine) (drawbatch.FrameStats, error) {
	next, err := w.surface.GetCurrentTexture()
	if err != nil {
		return drawbatch.FrameStats{}, err
	}
	defer next.Release()
	view, err := next.CreateView(nil)
	if err != nil {
		return drawbatch.FrameStats{}, err
	}
	defer view.Release()

	encoder, err := w.device.CreateCommandEncoder(nil)
	if err != nil {
		return drawbatch.FrameStats{}, err
	}
	defer encoder.Release()

	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: 0.05, G: 0.05, B: 0.08, A: 1},
		}},
	})
	w.backend.SetRenderPass(pass)
	stats, tickErr := e.Tick()
	w.backend.SetRenderPass(nil)
	if err := pass.End(); err != nil {
		return stats, err
	}
	if tickErr != nil {
		return stats, tickErr
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return stats, err
	}
	defer cmd.Release()
	w.queue.Submit(cmd)
	w.surface.Present()
	return stats, nil
}

func (w *window) release() {
	if w.bindGroup != nil {
		w.bindGroup.Release()
	}
	if w.pipeline != nil {
		w.pipeline.Release()
	}
	if w.surface != nil {
		w.surface.Release()
	}
	w.glfw.Destroy()
}

func runWindowed(cfg *drawbatch.Config, log *drawbatch.DefaultLogger, count int) error {
	if err := glfw.Init(); err != nil {
		return err
	}
	defer glfw.Terminate()

	w, err := openWindow(cfg.Window)
	if err != nil {
		return err
	}
	defer w.release()

	e, err := drawbatch.NewEngine(cfg, w.backend, log)
	if err != nil {
		return err
	}
	defer e.Close()

	cube, floor, err := loadAssets(e)
	if err != nil {
		return err
	}
	if err := populate(e, cube, floor, count); err != nil {
		return err
	}
	placeCamera(e.Camera)
	e.Camera.Aspect = float32(w.config.Width) / float32(w.config.Height)

	w.glfw.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		w.resize(width, height)
		if height > 0 {
			e.Camera.Aspect = float32(width) / float32(height)
		}
	})
	w.glfw.SetKeyCallback(func(gw *glfw.Window, key glfw.Key, _ int, action glfw.Action, _ glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			gw.SetShouldClose(true)
		}
	})

	last := glfw.GetTime()
	frames := 0
	for !w.glfw.ShouldClose() {
		glfw.PollEvents()

		if w.glfw.GetKey(glfw.KeyLeft) == glfw.Press {
			e.Camera.Yaw -= 0.02
		}
		if w.glfw.GetKey(glfw.KeyRight) == glfw.Press {
			e.Camera.Yaw += 0.02
		}
		if w.glfw.GetKey(glfw.KeyUp) == glfw.Press {
			e.Camera.Position = e.Camera.Position.Add(e.Camera.GetForward().Mul(0.3))
		}
		if w.glfw.GetKey(glfw.KeyDown) == glfw.Press {
			e.Camera.Position = e.Camera.Position.Sub(e.Camera.GetForward().Mul(0.3))
		}

		stats, err := w.frame(e)
		if err != nil {
			return err
		}
		frames++
		if now := glfw.GetTime(); now-last >= 1 {
			log.Infof("%.0f fps: %d instances in %d commands, %d culled",
				float64(frames)/(now-last), stats.Instances, stats.Commands, stats.Culled)
			frames = 0
			last = now
		}
	}
	return nil
}
