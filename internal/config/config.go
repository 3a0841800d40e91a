package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"boxforge/internal/detection"
	"boxforge/internal/device"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TaskName      string   `yaml:"task_name"`
	TrainRoot     string   `yaml:"train_root"`
	TrainRoots    []string `yaml:"train_roots"`
	ValidRoot     string   `yaml:"valid_root"`
	ValidRoots    []string `yaml:"valid_roots"`
	Epochs        int      `yaml:"epochs"`
	BatchSize     int      `yaml:"batch_size"`
	NumWorkers    int      `yaml:"num_workers"`
	Device        string   `yaml:"device"`
	Seed          int64    `yaml:"seed"`
	Shuffle       bool     `yaml:"shuffle"`
	LearningRate  float64  `yaml:"learning_rate"`
	Momentum      float64  `yaml:"momentum"`
	GridSize      int      `yaml:"grid_size"`
	NumBoxes      int      `yaml:"num_boxes"`
	NumClasses    int      `yaml:"num_classes"`
	FeatureGrid   int      `yaml:"feature_grid"`
	IoUThreshold  *float64 `yaml:"iou_threshold"`
	ConfThreshold *float64 `yaml:"conf_threshold"`
	LogDir        string   `yaml:"log_dir"`
	LogEvery      int      `yaml:"log_every"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TaskName     string
	TrainRoot    string
	ValidRoot    string
	Epochs       int
	BatchSize    int
	NumWorkers   int
	Device       string
	Seed         int64
	LearningRate float64
	LogDir       string
	LogEvery     int
}

// Load reads and validates a Config from YAML. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.TaskName != "" {
		c.TaskName = o.TaskName
	}
	if o.TrainRoot != "" {
		c.TrainRoot = ""
		c.TrainRoots = []string{o.TrainRoot}
	}
	if o.ValidRoot != "" {
		c.ValidRoot = ""
		c.ValidRoots = []string{o.ValidRoot}
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TaskName == "" {
		return errors.New("task_name must be set")
	}
	c.TrainRoots = mergeRoot(c.TrainRoots, c.TrainRoot)
	c.ValidRoots = mergeRoot(c.ValidRoots, c.ValidRoot)
	c.TrainRoot, c.ValidRoot = "", ""
	if len(c.TrainRoots) == 0 || len(c.ValidRoots) == 0 {
		return errors.New("both train_roots and valid_roots must be provided")
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if _, err := device.Parse(c.Device); err != nil {
		return err
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	if c.GridSize <= 0 {
		c.GridSize = 7
	}
	if c.NumBoxes <= 0 {
		c.NumBoxes = 2
	}
	if c.NumClasses <= 0 {
		c.NumClasses = 20
	}
	if c.IoUThreshold == nil {
		c.IoUThreshold = float64Ptr(0.5)
	}
	if c.ConfThreshold == nil {
		c.ConfThreshold = float64Ptr(0.4)
	}
	if v := *c.IoUThreshold; v < 0 || v > 1 {
		return errors.Errorf("iou_threshold must be in [0, 1] (got %g)", v)
	}
	if v := *c.ConfThreshold; v < 0 || v > 1 {
		return errors.Errorf("conf_threshold must be in [0, 1] (got %g)", v)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}

func mergeRoot(roots []string, root string) []string {
	if root == "" {
		return roots
	}
	for _, r := range roots {
		if r == root {
			return roots
		}
	}
	return append(roots, root)
}

func float64Ptr(v float64) *float64 { return &v }

// Grid returns the detection grid layout.
func (c *Config) Grid() detection.Grid {
	return detection.Grid{S: c.GridSize, B: c.NumBoxes, C: c.NumClasses}
}

// Thresholds returns the NMS/mAP IoU threshold and the box confidence
// cut-off. Call after Validate.
func (c *Config) Thresholds() (iou, conf float64) {
	return *c.IoUThreshold, *c.ConfThreshold
}

// DeviceName returns the parsed device. Call after Validate.
func (c *Config) DeviceName() device.Device {
	d, _ := device.Parse(c.Device)
	return d
}
