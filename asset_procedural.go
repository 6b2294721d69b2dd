package drawbatch

import (
	"github.com/go-gl/mathgl/mgl32"
)

// VertexFloats is the vertex layout the engine uses: position then normal.
const VertexFloats = 6

// CubeMesh builds an axis-aligned cube centered at the origin with the given
// edge length. Each face has its own four vertices so normals stay flat.
func CubeMesh(size float32) MeshData {
	h := size / 2
	faces := []struct {
		normal mgl32.Vec3
		u, v   mgl32.Vec3
	}{
		{mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 1, 0}, mgl32.Vec3{0, 0, 1}},
		{mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{0, 1, 0}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{1, 0, 0}},
		{mgl32.Vec3{0, -1, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, 1}},
		{mgl32.Vec3{0, 0, 1}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 1, 0}},
		{mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0}, mgl32.Vec3{1, 0, 0}},
	}

	data := MeshData{
		Vertices: make([]float32, 0, 24*VertexFloats),
		Indices:  make([]uint32, 0, 36),
	}
	corners := [4][2]float32{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}}
	for f, face := range faces {
		center := face.normal.Mul(h)
		for _, c := range corners {
			p := center.Add(face.u.Mul(c[0] * h)).Add(face.v.Mul(c[1] * h))
			data.Vertices = append(data.Vertices, p.X(), p.Y(), p.Z(), face.normal.X(), face.normal.Y(), face.normal.Z())
		}
		base := uint32(f * 4)
		data.Indices = append(data.Indices, base, base+1, base+2, base, base+2, base+3)
	}
	return data
}

// PlaneMesh builds a size by size quad in the XY plane facing +Z, the
// engine's up axis.
func PlaneMesh(size float32) MeshData {
	h := size / 2
	return MeshData{
		Vertices: []float32{
			-h, -h, 0, 0, 0, 1,
			h, -h, 0, 0, 0, 1,
			h, h, 0, 0, 0, 1,
			-h, h, 0, 0, 0, 1,
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	}
}
