package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"runtime"

	"github.com/gekko3d/drawbatch"
	"github.com/gekko3d/drawbatch/rt/core"
	"github.com/gekko3d/drawbatch/rt/gpu"
	"github.com/go-gl/mathgl/mgl32"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	configPath := flag.String("config", "", "TOML config file (defaults apply when empty)")
	headless := flag.Bool("headless", false, "Run without a window against the recording backend")
	count := flag.Int("count", 400, "Number of cubes to spawn")
	frames := flag.Int("frames", 120, "Frames to render in headless mode")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := drawbatch.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = drawbatch.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	log, err := drawbatch.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()
	if *debug {
		log.SetDebug(true)
	}

	if *headless {
		err = runHeadless(cfg, log, *count, *frames)
	} else {
		err = runWindowed(cfg, log, *count)
	}
	if err != nil {
		log.Errorf("batchdemo: %v", err)
		os.Exit(1)
	}
}

// loadAssets uploads the demo meshes from a worker goroutine while the owning
// thread keeps ticking, the way a streaming loader would.
func loadAssets(e *drawbatch.Engine) (cube, floor drawbatch.MeshAsset, err error) {
	type result struct {
		meshes []drawbatch.MeshAsset
		err    error
	}
	done := make(chan result, 1)
	go func() {
		meshes, err := e.Assets.LoadMeshes(context.Background(), []drawbatch.MeshData{
			drawbatch.CubeMesh(1),
			drawbatch.PlaneMesh(1),
		})
		done <- result{meshes, err}
	}()

	for {
		select {
		case r := <-done:
			if r.err != nil {
				return cube, floor, r.err
			}
			return r.meshes[0], r.meshes[1], nil
		default:
			if _, err := e.Tick(); err != nil {
				return cube, floor, err
			}
		}
	}
}

// populate lays count cubes out on a square grid in front of the camera,
// over a floor plane. Materials cycle so the frame splits into batches.
func populate(e *drawbatch.Engine, cube, floor drawbatch.MeshAsset, count int) error {
	side := int(math.Ceil(math.Sqrt(float64(count))))
	spacing := float32(3)
	extent := float32(side) * spacing

	objects := make([]drawbatch.ObjectDef, 0, count+1)
	objects = append(objects, drawbatch.ObjectDef{
		Mesh:     floor.Id,
		Material: 0,
		Position: mgl32.Vec3{0, -extent / 2, -1},
		Scale:    mgl32.Vec3{extent + spacing, extent + spacing, 1},
	})
	for i := 0; i < count; i++ {
		x := float32(i%side)*spacing - extent/2
		y := -float32(i/side)*spacing - spacing
		objects = append(objects, drawbatch.ObjectDef{
			Mesh:     cube.Id,
			Material: uint32(i % 4),
			Position: mgl32.Vec3{x, y, 0},
			Rotation: mgl32.QuatRotate(float32(i)*0.3, mgl32.Vec3{0, 0, 1}),
		})
	}
	_, err := e.LoadScene(drawbatch.SceneDef{Objects: objects})
	return err
}

func placeCamera(cam *core.CameraState) {
	cam.Position = mgl32.Vec3{0, 12, 10}
	cam.Yaw = 0
	cam.Pitch = -0.35
}

func runHeadless(cfg *drawbatch.Config, log *drawbatch.DefaultLogger, count, frames int) error {
	backend := gpu.NewHeadlessBackend()
	e, err := drawbatch.NewEngine(cfg, backend, log)
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

	var drawn, culled int
	for i := 0; i < frames; i++ {
		e.Camera.Yaw = float32(i) * 2 * math.Pi / float32(max(frames, 1))
		stats, err := e.Tick()
		if err != nil {
			return err
		}
		drawn += stats.Instances
		culled += stats.Culled
		if i%30 == 0 {
			log.Infof("frame %d: %d instances in %d commands, %d of %d candidates culled",
				stats.Frame, stats.Instances, stats.Commands, stats.Culled, stats.Candidates)
			if log.DebugEnabled() {
				log.Debugf("%s", e.Profiler())
			}
		}
	}

	log.Infof("rendered %d frames: %d instances drawn, %d culled, %d draw calls recorded, %d octree nodes",
		frames, drawn, culled, len(backend.Draws()), e.Octree.NodeCount())
	return nil
}
