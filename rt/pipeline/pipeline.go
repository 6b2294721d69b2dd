package pipeline

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gekko3d/drawbatch/rt/gpu"
)

// CommandStride is the size of one indirect command on the GPU:
// count, instanceCount, firstIndex, baseVertex, baseInstance.
const CommandStride = 20

// BatchKey groups instances that can share one draw command.
// Keys order by mesh first, then material.
type BatchKey struct {
	Mesh     uint32
	Material uint32
}

func (k BatchKey) Compare(o BatchKey) int {
	if c := cmp.Compare(k.Mesh, o.Mesh); c != 0 {
		return c
	}
	return cmp.Compare(k.Material, o.Material)
}

// RenderRecord describes the visible instances of one batch for this frame.
type RenderRecord struct {
	Key           BatchKey
	IndexCount    uint32
	FirstIndex    uint32
	BaseVertex    int32
	InstanceCount uint32
	// EntityBaseIndex is where this batch's entries start in the per-instance
	// entity index list the shaders read.
	EntityBaseIndex uint32
}

// FrameExtract is the render-side snapshot of the scene for one frame.
type FrameExtract struct {
	Frame   uint64
	Records []RenderRecord
}

// DrawCommand is one indexed indirect draw. EntityOffset is not part of the
// GPU command; it goes to the parallel entity-offset buffer at the same slot.
type DrawCommand struct {
	Count         uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	BaseInstance  uint32

	EntityOffset uint32
	Key          BatchKey
}

func (DrawCommand) SizeBytes() int { return CommandStride }

func (c DrawCommand) Serialize(cur *gpu.Cursor) {
	cur.PutUint32(c.Count)
	cur.PutUint32(c.InstanceCount)
	cur.PutUint32(c.FirstIndex)
	cur.PutInt32(c.BaseVertex)
	cur.PutUint32(c.BaseInstance)
}

type Options struct {
	// InitialCommands sizes the command and entity-offset buffers up front.
	InitialCommands int
	// EntityOffsetSlot is the storage binding of the entity-offset buffer.
	EntityOffsetSlot uint32
}

type Stats struct {
	Frame     uint64
	Records   int
	Commands  int
	Skipped   int
	Instances uint64
	DrawCalls int
}

// Pipeline turns a frame's render records into one multi-draw. The command
// list is rebuilt from scratch each frame; command i and entity offset i
// always describe the same batch.
type Pipeline struct {
	backend gpu.Backend
	pool    *gpu.VertexIndexPool
	opts    Options

	commands *gpu.MappedBuffer
	offsets  *gpu.MappedBuffer

	list  []DrawCommand
	stats Stats
}

func New(tok *gpu.Token, backend gpu.Backend, pool *gpu.VertexIndexPool, opts Options) (*Pipeline, error) {
	n := uint64(max(opts.InitialCommands, 1))

	commands, err := gpu.NewMappedBuffer(tok, backend, "indirect commands", gpu.TargetIndirect, n*CommandStride)
	if err != nil {
		return nil, err
	}
	offsets, err := gpu.NewMappedBuffer(tok, backend, "entity offsets", gpu.TargetStorage, n*4)
	if err != nil {
		commands.Release(tok)
		return nil, err
	}
	return &Pipeline{
		backend:  backend,
		pool:     pool,
		opts:     opts,
		commands: commands,
		offsets:  offsets,
	}, nil
}

// Prepare builds this frame's commands from the extract: one command per
// record with visible instances, stably sorted by batch key, written to the
// command and entity-offset buffers. Entries left over from a larger previous
// frame are zeroed.
//
// On error nothing is prepared and the next Draw issues no call, so the
// command list never disagrees with the command and entity-offset buffers.
func (p *Pipeline) Prepare(tok *gpu.Token, extract FrameExtract) error {
	if err := p.prepare(tok, extract); err != nil {
		p.list = p.list[:0]
		return err
	}
	return nil
}

func (p *Pipeline) prepare(tok *gpu.Token, extract FrameExtract) error {
	pooled := p.pool.Stats().Indices

	p.list = p.list[:0]
	var instances uint64
	for _, r := range extract.Records {
		if r.InstanceCount == 0 {
			continue
		}
		if end := uint64(r.FirstIndex) + uint64(r.IndexCount); end > pooled {
			return fmt.Errorf("%w: batch %v reads indices up to %d of %d allocated", gpu.ErrCapacityMisuse, r.Key, end, pooled)
		}
		p.list = append(p.list, DrawCommand{
			Count:         r.IndexCount,
			InstanceCount: r.InstanceCount,
			FirstIndex:    r.FirstIndex,
			BaseVertex:    r.BaseVertex,
			BaseInstance:  r.EntityBaseIndex,
			EntityOffset:  r.EntityBaseIndex,
			Key:           r.Key,
		})
		instances += uint64(r.InstanceCount)
	}

	slices.SortStableFunc(p.list, func(a, b DrawCommand) int {
		return a.Key.Compare(b.Key)
	})

	offsets := make(gpu.Uint32s, len(p.list))
	for i, c := range p.list {
		offsets[i] = c.EntityOffset
	}

	n := uint64(len(p.list))
	if _, err := p.commands.Put(tok, 0, gpu.Objects[DrawCommand](p.list)); err != nil {
		return fmt.Errorf("write draw commands: %w", err)
	}
	if err := p.commands.Truncate(tok, n*CommandStride); err != nil {
		return err
	}
	if _, err := p.offsets.Put(tok, 0, offsets); err != nil {
		return fmt.Errorf("write entity offsets: %w", err)
	}
	if err := p.offsets.Truncate(tok, n*4); err != nil {
		return err
	}

	p.stats = Stats{
		Frame:     extract.Frame,
		Records:   len(extract.Records),
		Commands:  len(p.list),
		Skipped:   len(extract.Records) - len(p.list),
		Instances: instances,
	}
	return nil
}

// Draw binds the global geometry, the command buffer and the entity-offset
// buffer and issues a single multi-draw covering every prepared command.
// It returns the number of commands drawn; a frame with none issues no call.
func (p *Pipeline) Draw(tok *gpu.Token) (int, error) {
	n := len(p.list)
	if n == 0 {
		return 0, nil
	}

	if err := p.pool.Bind(tok); err != nil {
		return 0, err
	}
	if err := p.commands.Bind(tok, 0); err != nil {
		return 0, err
	}
	if err := p.offsets.Bind(tok, p.opts.EntityOffsetSlot); err != nil {
		return 0, err
	}
	if err := p.backend.MultiDrawIndexedIndirect(p.commands.ID(), uint32(n), CommandStride); err != nil {
		return 0, fmt.Errorf("multidraw %d commands: %w", n, err)
	}
	p.stats.DrawCalls++
	return n, nil
}

// Commands returns a copy of the commands prepared for this frame, in GPU order.
func (p *Pipeline) Commands() []DrawCommand {
	return slices.Clone(p.list)
}

func (p *Pipeline) CommandBuffer() *gpu.MappedBuffer { return p.commands }
func (p *Pipeline) EntityOffsets() *gpu.MappedBuffer { return p.offsets }

func (p *Pipeline) Stats() Stats { return p.stats }

func (p *Pipeline) Release(tok *gpu.Token) {
	p.commands.Release(tok)
	p.offsets.Release(tok)
	p.list = nil
}
