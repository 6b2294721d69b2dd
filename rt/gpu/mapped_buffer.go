package gpu

import (
	"fmt"
)

const minBufferCapacity = 256

// MappedBuffer is a growable buffer whose CPU mapping stays alive for the
// buffer's whole lifetime. The mapping is the source of truth: every write
// lands in it first and the touched range is then uploaded to the backend.
//
// Capacity only grows. Growth allocates a larger backend buffer, copies every
// byte written so far and releases the old one, so offsets handed out earlier
// stay valid. All mutating calls need the owning-thread token.
//
// Writing a range the GPU is still reading from an earlier submission is not
// guarded here; callers order writes before the draw that consumes them.
type MappedBuffer struct {
	backend Backend
	label   string
	target  BufferTarget

	id      BufferID
	mem     []byte
	written uint64

	bound bool
	slot  uint32
	grows int
}

func NewMappedBuffer(tok *Token, backend Backend, label string, target BufferTarget, capacity uint64) (*MappedBuffer, error) {
	mustHold(tok, "NewMappedBuffer")

	capacity = alignUp(max(capacity, minBufferCapacity))
	id, err := backend.CreateBuffer(label, target, capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s (%d bytes): %w", ErrResourceGrowth, label, capacity, err)
	}
	return &MappedBuffer{
		backend: backend,
		label:   label,
		target:  target,
		id:      id,
		mem:     make([]byte, capacity),
	}, nil
}

func (b *MappedBuffer) ID() BufferID         { return b.id }
func (b *MappedBuffer) Label() string        { return b.label }
func (b *MappedBuffer) Target() BufferTarget { return b.target }
func (b *MappedBuffer) Capacity() uint64     { return uint64(len(b.mem)) }

// Written is the high-water mark of bytes written.
func (b *MappedBuffer) Written() uint64 { return b.written }

// Grows counts reallocations since creation.
func (b *MappedBuffer) Grows() int { return b.grows }

// EnsureCapacity grows the buffer to hold at least required bytes.
// The new capacity is at least double the old one.
func (b *MappedBuffer) EnsureCapacity(tok *Token, required uint64) error {
	mustHold(tok, "EnsureCapacity")

	if required <= b.Capacity() {
		return nil
	}
	newCap := alignUp(max(required, 2*b.Capacity()))

	id, err := b.backend.CreateBuffer(b.label, b.target, newCap)
	if err != nil {
		return fmt.Errorf("%w: grow %s from %d to %d bytes: %w", ErrResourceGrowth, b.label, b.Capacity(), newCap, err)
	}

	mem := make([]byte, newCap)
	copy(mem, b.mem[:b.written])
	if b.written > 0 {
		if err := b.backend.WriteBuffer(id, 0, mem[:alignUp(b.written)]); err != nil {
			b.backend.ReleaseBuffer(id)
			return fmt.Errorf("%w: copy %s into grown buffer: %w", ErrResourceGrowth, b.label, err)
		}
	}

	if b.bound {
		if err := b.backend.BindBuffer(b.target, b.slot, id); err != nil {
			b.backend.ReleaseBuffer(id)
			return fmt.Errorf("%w: rebind %s: %w", ErrResourceGrowth, b.label, err)
		}
	}

	old := b.id
	b.id = id
	b.mem = mem
	b.grows++
	b.backend.ReleaseBuffer(old)
	return nil
}

// Put writes op at offset, growing first if the write would not fit.
// It returns the number of bytes written. Zero-length writes do nothing.
func (b *MappedBuffer) Put(tok *Token, offset uint64, op WriteOp) (int, error) {
	mustHold(tok, "Put")

	n, err := op.Len()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	end := offset + uint64(n)
	if err := b.EnsureCapacity(tok, end); err != nil {
		return 0, err
	}

	// Encode aside so a failing serializer leaves the mapping untouched.
	scratch := make([]byte, n)
	if err := op.encode(scratch); err != nil {
		return 0, err
	}
	copy(b.mem[offset:end], scratch)
	b.written = max(b.written, end)

	if err := b.upload(offset, end); err != nil {
		return 0, err
	}
	return n, nil
}

// Truncate zeroes every byte from n up to the high-water mark and lowers the
// mark to n, so no stale tail survives a smaller rewrite.
func (b *MappedBuffer) Truncate(tok *Token, n uint64) error {
	mustHold(tok, "Truncate")

	if n >= b.written {
		return nil
	}
	clear(b.mem[n:b.written])
	end := b.written
	b.written = n
	return b.upload(n, end)
}

// upload sends [from, to) to the backend widened to 4-byte boundaries.
func (b *MappedBuffer) upload(from, to uint64) error {
	lo := from &^ 3
	hi := min(alignUp(to), b.Capacity())
	if err := b.backend.WriteBuffer(b.id, lo, b.mem[lo:hi]); err != nil {
		return fmt.Errorf("upload %s [%d,%d): %w", b.label, lo, hi, err)
	}
	return nil
}

// Read returns a copy of n bytes of the mapping starting at offset.
func (b *MappedBuffer) Read(offset uint64, n int) ([]byte, error) {
	if n < 0 || offset+uint64(n) > b.Capacity() {
		return nil, fmt.Errorf("%w: read %s [%d,+%d) beyond capacity %d", ErrCapacityMisuse, b.label, offset, n, b.Capacity())
	}
	return append([]byte(nil), b.mem[offset:offset+uint64(n)]...), nil
}

// Bind attaches the buffer to slot of its target. Growth keeps it bound.
func (b *MappedBuffer) Bind(tok *Token, slot uint32) error {
	mustHold(tok, "Bind")

	if err := b.backend.BindBuffer(b.target, slot, b.id); err != nil {
		return fmt.Errorf("bind %s to %s[%d]: %w", b.label, b.target, slot, err)
	}
	b.bound = true
	b.slot = slot
	return nil
}

func (b *MappedBuffer) Unbind(tok *Token) {
	mustHold(tok, "Unbind")

	if !b.bound {
		return
	}
	b.backend.UnbindBuffer(b.target, b.slot)
	b.bound = false
}

func (b *MappedBuffer) Release(tok *Token) {
	mustHold(tok, "Release")

	b.Unbind(tok)
	if b.id != NoBuffer {
		b.backend.ReleaseBuffer(b.id)
		b.id = NoBuffer
	}
	b.mem = nil
	b.written = 0
}

func alignUp(n uint64) uint64 {
	return (n + 3) &^ 3
}
