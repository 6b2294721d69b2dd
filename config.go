package drawbatch

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Window   WindowConfig   `toml:"window"`
	Executor ExecutorConfig `toml:"executor"`
	Buffers  BuffersConfig  `toml:"buffers"`
	Octree   OctreeConfig   `toml:"octree"`
	Logging  LoggingConfig  `toml:"logging"`
}

type WindowConfig struct {
	Title  string `toml:"title"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
}

type ExecutorConfig struct {
	// WaitTimeout bounds SubmitAndWait calls made by the asset server. Zero waits forever.
	WaitTimeout time.Duration `toml:"wait_timeout"`
}

type BuffersConfig struct {
	InitialVertices  int `toml:"initial_vertices"`
	InitialIndices   int `toml:"initial_indices"`
	InitialCommands  int `toml:"initial_commands"`
	InitialInstances int `toml:"initial_instances"`
}

type OctreeConfig struct {
	Center         [3]float32 `toml:"center"`
	Size           float32    `toml:"size"`
	SplitThreshold int        `toml:"split_threshold"`
	MaxDeepness    int        `toml:"max_deepness"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // console or json
	Name   string `toml:"name"`
}

func DefaultConfig() *Config {
	return &Config{
		Window: WindowConfig{
			Title:  "drawbatch",
			Width:  1280,
			Height: 720,
		},
		Executor: ExecutorConfig{
			WaitTimeout: 5 * time.Second,
		},
		Buffers: BuffersConfig{
			InitialVertices:  1 << 16,
			InitialIndices:   1 << 17,
			InitialCommands:  256,
			InitialInstances: 4096,
		},
		Octree: OctreeConfig{
			Size:           1024,
			SplitThreshold: 16,
			MaxDeepness:    8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Name:   "drawbatch",
		},
	}
}

// LoadConfig reads a TOML file over the defaults. Keys missing from the file
// keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		errs = append(errs, fmt.Errorf("window: size %dx%d must be positive", c.Window.Width, c.Window.Height))
	}
	if c.Executor.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("executor: negative wait_timeout %s", c.Executor.WaitTimeout))
	}
	b := c.Buffers
	if b.InitialVertices < 0 || b.InitialIndices < 0 || b.InitialCommands < 0 || b.InitialInstances < 0 {
		errs = append(errs, errors.New("buffers: initial sizes must not be negative"))
	}
	if c.Octree.Size <= 0 {
		errs = append(errs, fmt.Errorf("octree: size %v must be positive", c.Octree.Size))
	}
	if c.Octree.SplitThreshold < 1 {
		errs = append(errs, fmt.Errorf("octree: split_threshold %d must be at least 1", c.Octree.SplitThreshold))
	}
	if c.Octree.MaxDeepness < 0 {
		errs = append(errs, fmt.Errorf("octree: negative max_deepness %d", c.Octree.MaxDeepness))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
