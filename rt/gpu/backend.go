package gpu

import "fmt"

// BufferTarget is the binding point a buffer is created for.
type BufferTarget uint8

const (
	TargetVertex BufferTarget = iota
	TargetIndex
	TargetIndirect
	TargetStorage
	TargetUniform
)

func (t BufferTarget) String() string {
	switch t {
	case TargetVertex:
		return "vertex"
	case TargetIndex:
		return "index"
	case TargetIndirect:
		return "indirect"
	case TargetStorage:
		return "storage"
	case TargetUniform:
		return "uniform"
	}
	return fmt.Sprintf("target(%d)", uint8(t))
}

// BufferID names a backend buffer. Zero is never a valid buffer.
type BufferID uint32

const NoBuffer BufferID = 0

// Backend is the live graphics context. Every method must be called from the
// thread that owns the context; callers in this module hold a *Token when they do.
type Backend interface {
	CreateBuffer(label string, target BufferTarget, size uint64) (BufferID, error)
	// WriteBuffer uploads data at offset. Offset and len(data) are multiples of 4.
	WriteBuffer(id BufferID, offset uint64, data []byte) error
	ReleaseBuffer(id BufferID)
	BindBuffer(target BufferTarget, slot uint32, id BufferID) error
	UnbindBuffer(target BufferTarget, slot uint32)
	// MultiDrawIndexedIndirect draws drawCount commands laid out stride bytes
	// apart in the indirect buffer, using the bound vertex and index buffers.
	MultiDrawIndexedIndirect(indirect BufferID, drawCount uint32, stride uint32) error
}

// Logger is the subset of the engine logger the gpu package writes to.
type Logger interface {
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Errorf(string, ...any) {}
