package gpu

import (
	"fmt"
	"sync"
)

// HeadlessBackend is a CPU-only Backend. It keeps the contents of every buffer
// and records each multi-draw so callers can inspect what would reach a GPU.
// It backs the -headless demo mode and the package tests.
type HeadlessBackend struct {
	mu      sync.Mutex
	nextID  BufferID
	buffers map[BufferID]*headlessBuffer
	bound   map[bindPoint]BufferID
	draws   []DrawRecord

	// MaxBufferSize makes CreateBuffer fail above this many bytes. Zero means unlimited.
	MaxBufferSize uint64

	created  int
	released int
}

type headlessBuffer struct {
	label  string
	target BufferTarget
	data   []byte
}

type bindPoint struct {
	target BufferTarget
	slot   uint32
}

// DrawRecord is one MultiDrawIndexedIndirect call as seen by the backend.
type DrawRecord struct {
	Indirect  BufferID
	Vertex    BufferID
	Index     BufferID
	DrawCount uint32
	Stride    uint32
	// Commands is a copy of the indirect bytes consumed by the call.
	Commands []byte
}

func NewHeadlessBackend() *HeadlessBackend {
	return &HeadlessBackend{
		buffers: make(map[BufferID]*headlessBuffer),
		bound:   make(map[bindPoint]BufferID),
	}
}

func (h *HeadlessBackend) CreateBuffer(label string, target BufferTarget, size uint64) (BufferID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.MaxBufferSize > 0 && size > h.MaxBufferSize {
		return NoBuffer, fmt.Errorf("headless: %s buffer of %d bytes exceeds limit %d", label, size, h.MaxBufferSize)
	}
	h.nextID++
	h.buffers[h.nextID] = &headlessBuffer{label: label, target: target, data: make([]byte, size)}
	h.created++
	return h.nextID, nil
}

func (h *HeadlessBackend) WriteBuffer(id BufferID, offset uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, ok := h.buffers[id]
	if !ok {
		return fmt.Errorf("headless: write to unknown buffer %d", id)
	}
	if offset%4 != 0 || len(data)%4 != 0 {
		return fmt.Errorf("headless: unaligned write to %s at %d (%d bytes)", buf.label, offset, len(data))
	}
	if offset+uint64(len(data)) > uint64(len(buf.data)) {
		return fmt.Errorf("headless: write past end of %s: %d+%d > %d", buf.label, offset, len(data), len(buf.data))
	}
	copy(buf.data[offset:], data)
	return nil
}

func (h *HeadlessBackend) ReleaseBuffer(id BufferID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.buffers[id]; ok {
		delete(h.buffers, id)
		h.released++
	}
	for bp, bid := range h.bound {
		if bid == id {
			delete(h.bound, bp)
		}
	}
}

func (h *HeadlessBackend) BindBuffer(target BufferTarget, slot uint32, id BufferID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.buffers[id]; !ok {
		return fmt.Errorf("headless: bind of unknown buffer %d to %s[%d]", id, target, slot)
	}
	h.bound[bindPoint{target, slot}] = id
	return nil
}

func (h *HeadlessBackend) UnbindBuffer(target BufferTarget, slot uint32) {
	h.mu.Lock()
	delete(h.bound, bindPoint{target, slot})
	h.mu.Unlock()
}

func (h *HeadlessBackend) MultiDrawIndexedIndirect(indirect BufferID, drawCount uint32, stride uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if drawCount == 0 {
		return fmt.Errorf("headless: zero-count multidraw")
	}
	buf, ok := h.buffers[indirect]
	if !ok {
		return fmt.Errorf("headless: multidraw from unknown buffer %d", indirect)
	}
	vb := h.bound[bindPoint{TargetVertex, 0}]
	ib := h.bound[bindPoint{TargetIndex, 0}]
	if vb == NoBuffer || ib == NoBuffer {
		return fmt.Errorf("headless: multidraw without bound vertex/index buffers")
	}
	end := uint64(drawCount) * uint64(stride)
	if end > uint64(len(buf.data)) {
		return fmt.Errorf("headless: multidraw reads %d bytes from %s of %d", end, buf.label, len(buf.data))
	}
	h.draws = append(h.draws, DrawRecord{
		Indirect:  indirect,
		Vertex:    vb,
		Index:     ib,
		DrawCount: drawCount,
		Stride:    stride,
		Commands:  append([]byte(nil), buf.data[:end]...),
	})
	return nil
}

// BufferData returns a copy of a live buffer's contents.
func (h *HeadlessBackend) BufferData(id BufferID) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, ok := h.buffers[id]
	if !ok {
		return nil
	}
	return append([]byte(nil), buf.data...)
}

func (h *HeadlessBackend) Bound(target BufferTarget, slot uint32) BufferID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound[bindPoint{target, slot}]
}

func (h *HeadlessBackend) Draws() []DrawRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]DrawRecord(nil), h.draws...)
}

func (h *HeadlessBackend) ResetDraws() {
	h.mu.Lock()
	h.draws = h.draws[:0]
	h.mu.Unlock()
}

// LiveBuffers is the number of created buffers not yet released.
func (h *HeadlessBackend) LiveBuffers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created - h.released
}
