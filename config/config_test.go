package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInputSize(t *testing.T) {
	for _, size := range []int{32, 64, 512, 1024, 2016} {
		cfg := Default()
		cfg.InputSize = size
		assert.NoErrorf(t, cfg.Validate(), "input_size=%d", size)
	}
	for _, size := range []int{1, 30, 100, 500, 513} {
		cfg := Default()
		cfg.InputSize = size
		assert.Errorf(t, cfg.Validate(), "input_size=%d", size)
	}
}

func TestValidateCounts(t *testing.T) {
	cfg := Default()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxEpoch = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SaveInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestRegisterFlags(t *testing.T) {
	cfg := Default()
	cfg.EarlyStopPatience = 20
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	cfg.RegisterValidationFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--input_size=768", "--batch_size=4", "--wandb_name=My Run", "--use_val=false",
	}))
	assert.Equal(t, 768, cfg.InputSize)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, "My Run", cfg.RunName)
	assert.False(t, cfg.UseVal)
	assert.Equal(t, 20, cfg.EarlyStopPatience, "field value is the flag default")
}

func TestEnvDefaults(t *testing.T) {
	t.Setenv(EnvDataDir, "/tmp/train-data")
	t.Setenv(EnvModelDir, "/tmp/trained")
	cfg := Default()
	assert.Equal(t, "/tmp/train-data", cfg.DataDir)
	assert.Equal(t, "/tmp/trained", cfg.ModelDir)
}

func TestResolveValidation(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.DataDir = dir
	cfg.UseVal = true

	// Index file absent: the flag is downgraded.
	assert.False(t, cfg.ResolveValidation())
	assert.False(t, cfg.UseVal)

	// Index file present: the flag is preserved.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ufo"), 0770))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ufo", "val.json"), []byte("{}"), 0660))
	cfg.UseVal = true
	assert.True(t, cfg.ResolveValidation())
	assert.True(t, cfg.UseVal)

	// Explicitly disabled stays disabled.
	cfg.UseVal = false
	assert.False(t, cfg.ResolveValidation())
}
