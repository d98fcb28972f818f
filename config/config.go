// Package config holds the command-line configuration of a training run.
package config

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config is the immutable snapshot of run parameters. It is populated once
// by flag parsing at process start and never mutated afterwards (the one
// exception is the validation downgrade in ResolveValidation).
type Config struct {
	DataDir  string
	ModelDir string
	Device   string

	NumWorkers int

	ImageSize int
	InputSize int
	BatchSize int

	LearningRate float64
	MaxEpoch     int
	SaveInterval int

	// RunName labels the run for telemetry and checkpoint naming.
	RunName string

	Seed int64

	// EarlyStopPatience is the number of non-improving evaluations
	// tolerated before training terminates.
	EarlyStopPatience int

	// UseVal and ValInterval only apply to the validation-aware driver.
	UseVal      bool
	ValInterval int
}

// Environment variables honored for default paths, following the managed
// training platform conventions.
const (
	EnvDataDir  = "SM_CHANNEL_TRAIN"
	EnvModelDir = "SM_MODEL_DIR"
)

// Default returns the configuration defaults of the training drivers.
func Default() *Config {
	return &Config{
		DataDir:           envOr(EnvDataDir, "../input/data/ICDAR17_Korean"),
		ModelDir:          envOr(EnvModelDir, "trained_models"),
		Device:            "",
		NumWorkers:        4,
		ImageSize:         1024,
		InputSize:         512,
		BatchSize:         12,
		LearningRate:      1e-3,
		MaxEpoch:          200,
		SaveInterval:      5,
		RunName:           "Unnamed Test",
		Seed:              42,
		EarlyStopPatience: 201,
		UseVal:            true,
		ValInterval:       1,
	}
}

// RegisterFlags registers the flags shared by both drivers on fs, using the
// current field values as defaults. Call before flag parsing.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DataDir, "data_dir", c.DataDir, "Directory with the training data. Defaults to $"+EnvDataDir+".")
	fs.StringVar(&c.ModelDir, "model_dir", c.ModelDir, "Directory where checkpoints are written. Defaults to $"+EnvModelDir+".")
	fs.StringVar(&c.Device, "device", c.Device, "Device for the model backend. Empty lets the backend pick.")
	fs.IntVar(&c.NumWorkers, "num_workers", c.NumWorkers, "Number of parallel data loading workers.")
	fs.IntVar(&c.ImageSize, "image_size", c.ImageSize, "Size images are resized to before cropping.")
	fs.IntVar(&c.InputSize, "input_size", c.InputSize, "Crop size fed to the network. Must be a multiple of 32.")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "Training batch size.")
	fs.Float64Var(&c.LearningRate, "learning_rate", c.LearningRate, "Initial learning rate.")
	fs.IntVar(&c.MaxEpoch, "max_epoch", c.MaxEpoch, "Number of epochs to train.")
	fs.IntVar(&c.SaveInterval, "save_interval", c.SaveInterval, "Save a checkpoint every this many epochs.")
	fs.StringVar(&c.RunName, "wandb_name", c.RunName, "Run name for experiment tracking and checkpoint naming.")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Random seed for the run.")
	fs.IntVar(&c.EarlyStopPatience, "early_stop", c.EarlyStopPatience, "Early stopping patience, in non-improving evaluations.")
}

// RegisterValidationFlags registers the flags of the validation-aware driver.
func (c *Config) RegisterValidationFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.UseVal, "use_val", c.UseVal, "Whether to evaluate on the held-out split during training.")
	fs.IntVar(&c.ValInterval, "val_interval", c.ValInterval, "Run validation every this many epochs.")
}

// Validate checks the parsed configuration. It fails before any training
// starts.
func (c *Config) Validate() error {
	if c.InputSize%32 != 0 {
		return errors.Errorf("input_size must be a multiple of 32, got %d", c.InputSize)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxEpoch <= 0 {
		return errors.Errorf("max_epoch must be positive, got %d", c.MaxEpoch)
	}
	if c.SaveInterval <= 0 {
		return errors.Errorf("save_interval must be positive, got %d", c.SaveInterval)
	}
	return nil
}

// ValSplitPath returns the path of the validation split index file.
func (c *Config) ValSplitPath() string {
	return filepath.Join(c.DataDir, "ufo", "val.json")
}

// ResolveValidation downgrades UseVal to false, with a warning, when the
// validation split index file is absent. Missing validation data is not an
// error: training proceeds without it.
//
// It returns the effective flag.
func (c *Config) ResolveValidation() bool {
	if !c.UseVal {
		return false
	}
	if _, err := os.Stat(c.ValSplitPath()); err != nil {
		klog.Warningf("Validation split %s not found, forcing use_val=false", c.ValSplitPath())
		c.UseVal = false
	}
	return c.UseVal
}

func envOr(key, fallback string) string {
	if v, found := os.LookupEnv(key); found && v != "" {
		return v
	}
	return fallback
}
