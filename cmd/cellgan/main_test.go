package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"cellgan/internal/config"
	"cellgan/internal/device"
	"cellgan/internal/orchestrator"
	"cellgan/internal/pipeline"
	"cellgan/internal/stylegan"
)

// execute runs the root command against a config path that does not exist,
// so every run starts from the built-in defaults.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, k := range []string{
		"CELLGAN_MODELS_DIR", "CELLGAN_BACKEND", "CELLGAN_ORT_LIB",
		"CELLGAN_GPU", "CELLGAN_WORKERS", "CELLGAN_SEED",
	} {
		t.Setenv(k, "")
	}
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"-c", filepath.Join(t.TempDir(), "absent.yaml")}, args...))
	err := root.Execute()
	return out.String(), err
}

// tinyBundle writes a small positive generator that cannot bind to DefaultArch.
func tinyBundle(t *testing.T) string {
	t.Helper()
	arch := stylegan.Arch{
		ZDim: 8, WDim: 8, InChannels: 8, ImgChannels: 3,
		MappingDepth: 2, Channels: []int{8, 4}, LeakySlope: 0.2,
	}
	g, err := stylegan.New(arch, device.New(device.WithSeed(3)))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	require.NoError(t, g.Save(path, "positive"))
	return path
}

func TestBuildLogger(t *testing.T) {
	tests := []struct {
		name    string
		lc      config.LoggingConfig
		verbose bool
		want    zapcore.Level
		wantErr bool
	}{
		{name: "default", lc: config.LoggingConfig{Format: "json"}, want: zapcore.InfoLevel},
		{name: "warn", lc: config.LoggingConfig{Level: "warn", Format: "console"}, want: zapcore.WarnLevel},
		{name: "verbose wins", lc: config.LoggingConfig{Level: "error", Format: "json"}, verbose: true, want: zapcore.DebugLevel},
		{name: "bad level", lc: config.LoggingConfig{Level: "loud", Format: "json"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := buildLogger(tt.lc, tt.verbose)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, l.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellgan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("classifier:\n  backend: tflite\n"), 0o644))

	_, err := execute(t, "-c", path, "inspect", "nothing.safetensors")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid classifier backend")
}

func TestInspectReportsForeignShapes(t *testing.T) {
	path := tinyBundle(t)

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)

	var reports []stylegan.Report
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	rep := reports[0]
	assert.Equal(t, path, rep.Path)
	assert.Equal(t, stylegan.SchemaVersion, rep.SchemaVersion)
	assert.Equal(t, "positive", rep.Variant)
	assert.Equal(t, []int{8, 8, 4}, rep.Widths)
	assert.NotEmpty(t, rep.ShapeErrors)
	assert.NotEmpty(t, rep.Missing)
}

func TestInspectMissingBundle(t *testing.T) {
	_, err := execute(t, "inspect", filepath.Join(t.TempDir(), "gone.safetensors"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGenerateValidation(t *testing.T) {
	t.Run("unknown variant", func(t *testing.T) {
		_, err := execute(t, "generate", "--variant", "neutral")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown variant")
	})
	t.Run("no images", func(t *testing.T) {
		_, err := execute(t, "generate", "-n", "0")
		assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
	})
	t.Run("variant mismatch", func(t *testing.T) {
		_, err := execute(t, "generate", "--variant", "negative", "--weights", tinyBundle(t), "-o", t.TempDir())
		assert.ErrorIs(t, err, stylegan.ErrVariantMismatch)
	})
}

func TestProcessValidation(t *testing.T) {
	t.Run("multiplier", func(t *testing.T) {
		_, err := execute(t, "process", t.TempDir(), "-m", "0")
		assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
	})
	t.Run("missing input", func(t *testing.T) {
		_, err := execute(t, "process", filepath.Join(t.TempDir(), "in.zip"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestClassifyEmptyDir(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "models", "resnet18_classifier.safetensors")
	_, err := execute(t, "weights", "init-classifier", "-o", weights)
	require.NoError(t, err)
	require.FileExists(t, weights)

	cfgPath := filepath.Join(t.TempDir(), "cellgan.yaml")
	cfg := config.DefaultConfig()
	cfg.Models.Dir = filepath.Dir(weights)
	require.NoError(t, cfg.Save(cfgPath))

	out, err := execute(t, "-c", cfgPath, "classify", t.TempDir())
	assert.ErrorIs(t, err, pipeline.ErrNoImages)

	var sum map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.EqualValues(t, 0, sum["total_images"])
}
