package gpu

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
)

// WgpuBackend drives a WebGPU device. Draws are encoded into the render pass
// installed with SetRenderPass; WebGPU has no native multi-draw, so a
// multi-draw is encoded as consecutive DrawIndexedIndirect calls over the one
// indirect buffer inside a single pass.
type WgpuBackend struct {
	device *wgpu.Device
	queue  *wgpu.Queue

	nextID  BufferID
	buffers map[BufferID]*wgpu.Buffer
	bound   map[bindPoint]BufferID

	pass *wgpu.RenderPassEncoder
	// beforeDraw runs right before a multi-draw is encoded, for the material
	// layer to set its pipeline and bind groups against the current buffers.
	beforeDraw func(pass *wgpu.RenderPassEncoder) error
}

func NewWgpuBackend(device *wgpu.Device) *WgpuBackend {
	return &WgpuBackend{
		device:  device,
		queue:   device.GetQueue(),
		buffers: make(map[BufferID]*wgpu.Buffer),
		bound:   make(map[bindPoint]BufferID),
	}
}

func usageFor(target BufferTarget) wgpu.BufferUsage {
	switch target {
	case TargetVertex:
		return wgpu.BufferUsageVertex | wgpu.BufferUsageCopyDst
	case TargetIndex:
		return wgpu.BufferUsageIndex | wgpu.BufferUsageCopyDst
	case TargetIndirect:
		return wgpu.BufferUsageIndirect | wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	case TargetUniform:
		return wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
	default:
		return wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	}
}

func (b *WgpuBackend) CreateBuffer(label string, target BufferTarget, size uint64) (BufferID, error) {
	buf, err := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label:            label,
		Size:             size,
		Usage:            usageFor(target),
		MappedAtCreation: false,
	})
	if err != nil {
		return NoBuffer, err
	}
	b.nextID++
	b.buffers[b.nextID] = buf
	return b.nextID, nil
}

func (b *WgpuBackend) WriteBuffer(id BufferID, offset uint64, data []byte) error {
	buf, ok := b.buffers[id]
	if !ok {
		return fmt.Errorf("wgpu: write to unknown buffer %d", id)
	}
	b.queue.WriteBuffer(buf, offset, data)
	return nil
}

func (b *WgpuBackend) ReleaseBuffer(id BufferID) {
	if buf, ok := b.buffers[id]; ok {
		buf.Release()
		delete(b.buffers, id)
	}
	for bp, bid := range b.bound {
		if bid == id {
			delete(b.bound, bp)
		}
	}
}

func (b *WgpuBackend) BindBuffer(target BufferTarget, slot uint32, id BufferID) error {
	buf, ok := b.buffers[id]
	if !ok {
		return fmt.Errorf("wgpu: bind of unknown buffer %d", id)
	}
	b.bound[bindPoint{target, slot}] = id

	if b.pass == nil {
		return nil
	}
	switch target {
	case TargetVertex:
		b.pass.SetVertexBuffer(slot, buf, 0, wgpu.WholeSize)
	case TargetIndex:
		b.pass.SetIndexBuffer(buf, wgpu.IndexFormatUint32, 0, wgpu.WholeSize)
	}
	return nil
}

func (b *WgpuBackend) UnbindBuffer(target BufferTarget, slot uint32) {
	delete(b.bound, bindPoint{target, slot})
}

func (b *WgpuBackend) MultiDrawIndexedIndirect(indirect BufferID, drawCount uint32, stride uint32) error {
	if b.pass == nil {
		return fmt.Errorf("wgpu: multidraw outside a render pass")
	}
	if drawCount == 0 {
		return fmt.Errorf("wgpu: zero-count multidraw")
	}
	buf, ok := b.buffers[indirect]
	if !ok {
		return fmt.Errorf("wgpu: multidraw from unknown buffer %d", indirect)
	}
	if b.beforeDraw != nil {
		if err := b.beforeDraw(b.pass); err != nil {
			return err
		}
	}
	// Vertex and index bindings may predate the pass.
	if vb, ok := b.buffers[b.bound[bindPoint{TargetVertex, 0}]]; ok {
		b.pass.SetVertexBuffer(0, vb, 0, wgpu.WholeSize)
	}
	if ib, ok := b.buffers[b.bound[bindPoint{TargetIndex, 0}]]; ok {
		b.pass.SetIndexBuffer(ib, wgpu.IndexFormatUint32, 0, wgpu.WholeSize)
	}
	for i := uint32(0); i < drawCount; i++ {
		b.pass.DrawIndexedIndirect(buf, uint64(i)*uint64(stride))
	}
	return nil
}

// SetRenderPass installs the pass draws are encoded into. Pass nil after End.
func (b *WgpuBackend) SetRenderPass(pass *wgpu.RenderPassEncoder) {
	b.pass = pass
}

func (b *WgpuBackend) SetBeforeDraw(fn func(pass *wgpu.RenderPassEncoder) error) {
	b.beforeDraw = fn
}

// Bound returns the buffer currently bound at target/slot, or nil.
func (b *WgpuBackend) Bound(target BufferTarget, slot uint32) *wgpu.Buffer {
	return b.buffers[b.bound[bindPoint{target, slot}]]
}

func (b *WgpuBackend) Buffer(id BufferID) *wgpu.Buffer {
	return b.buffers[id]
}
