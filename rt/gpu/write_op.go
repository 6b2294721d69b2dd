package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// WriteOp is one of the closed set of payloads a MappedBuffer accepts:
// Bytes, Float32s, Uint32s or Objects.
type WriteOp interface {
	// Len is the number of bytes the write covers.
	Len() (int, error)
	encode(dst []byte) error
}

type Bytes []byte

func (b Bytes) Len() (int, error) { return len(b), nil }

func (b Bytes) encode(dst []byte) error {
	copy(dst, b)
	return nil
}

type Float32s []float32

func (f Float32s) Len() (int, error) { return len(f) * 4, nil }

func (f Float32s) encode(dst []byte) error {
	for i, v := range f {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
	return nil
}

type Uint32s []uint32

func (u Uint32s) Len() (int, error) { return len(u) * 4, nil }

func (u Uint32s) encode(dst []byte) error {
	for i, v := range u {
		binary.LittleEndian.PutUint32(dst[i*4:], v)
	}
	return nil
}

// Serializable is a fixed-size record that writes itself through a Cursor.
type Serializable interface {
	SizeBytes() int
	Serialize(c *Cursor)
}

// Objects writes a run of same-sized records back to back.
type Objects[T Serializable] []T

func (o Objects[T]) Len() (int, error) {
	if len(o) == 0 {
		return 0, nil
	}
	per := o[0].SizeBytes()
	if per <= 0 {
		return 0, fmt.Errorf("%w: object size %d", ErrCapacityMisuse, per)
	}
	for i := 1; i < len(o); i++ {
		if s := o[i].SizeBytes(); s != per {
			return 0, fmt.Errorf("%w: object %d is %d bytes, expected %d", ErrCapacityMisuse, i, s, per)
		}
	}
	return len(o) * per, nil
}

func (o Objects[T]) encode(dst []byte) error {
	if len(o) == 0 {
		return nil
	}
	per := len(dst) / len(o)
	for i, obj := range o {
		c := Cursor{buf: dst[i*per : (i+1)*per]}
		obj.Serialize(&c)
		if c.overflow || c.pos != per {
			return fmt.Errorf("%w: object %d serialized %d bytes into a %d byte slot", ErrCapacityMisuse, i, c.pos, per)
		}
	}
	return nil
}

// Cursor is a little-endian write position inside one object's slot.
// Writing past the slot is recorded and reported by the caller, never silently dropped.
type Cursor struct {
	buf      []byte
	pos      int
	overflow bool
}

func (c *Cursor) reserve(n int) []byte {
	if c.overflow || c.pos+n > len(c.buf) {
		c.overflow = true
		c.pos += n
		return nil
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *Cursor) PutUint32(v uint32) {
	if b := c.reserve(4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}

func (c *Cursor) PutInt32(v int32) {
	c.PutUint32(uint32(v))
}

func (c *Cursor) PutFloat32(v float32) {
	c.PutUint32(math.Float32bits(v))
}

// PutVec4 writes a vec3 padded to 16 bytes with w.
func (c *Cursor) PutVec4(v mgl32.Vec3, w float32) {
	c.PutFloat32(v.X())
	c.PutFloat32(v.Y())
	c.PutFloat32(v.Z())
	c.PutFloat32(w)
}

// PutMat4 writes m column-major, as shaders expect.
func (c *Cursor) PutMat4(m mgl32.Mat4) {
	for _, v := range m {
		c.PutFloat32(v)
	}
}

// Pad skips n zero bytes.
func (c *Cursor) Pad(n int) {
	if b := c.reserve(n); b != nil {
		clear(b)
	}
}

// Written is the number of bytes written so far.
func (c *Cursor) Written() int {
	return c.pos
}
