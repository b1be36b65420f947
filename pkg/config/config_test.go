package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pulsepipe/pkg/azimuthal"
	"pulsepipe/pkg/codec"
)

// TestDefaultConfigIsValid verifies that the compiled defaults pass validation
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	p, err := cfg.AzimuthalParams()
	if err != nil {
		t.Fatalf("AzimuthalParams: %v", err)
	}
	if diff := cmp.Diff(azimuthal.DefaultParams(), p); diff != "" {
		t.Errorf("azimuthal defaults mismatch (-want +got):\n%s", diff)
	}

	c, err := cfg.CompressionCodec()
	if err != nil || c != codec.CompressionZstd {
		t.Errorf("expected zstd compression, got %v (%v)", c, err)
	}
}

// TestLoadMissingFile verifies that a missing file yields the defaults
func TestLoadMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("missing file should give defaults (-want +got):\n%s", diff)
	}
}

// TestLoadPartialFile verifies that file values override only what they name
func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsepipe.yaml")
	content := `
pipeline:
  pulses: 4
  cadence: 250ms
  compression: lz4
responder:
  port: 7000
azimuthal:
  method: lut
  threshold:
    low: 0
    high: 1000
edges:
  sigma: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Pipeline.Pulses != 4 {
		t.Errorf("expected 4 pulses, got %d", cfg.Pipeline.Pulses)
	}
	if cfg.Pipeline.Cadence != 250*time.Millisecond {
		t.Errorf("expected cadence 250ms, got %v", cfg.Pipeline.Cadence)
	}
	if cfg.Pipeline.Height != 128 {
		t.Errorf("unset height should keep its default, got %d", cfg.Pipeline.Height)
	}
	if cfg.Responder.Port != 7000 || cfg.Responder.Hostname != "localhost" {
		t.Errorf("unexpected responder %+v", cfg.Responder)
	}
	if cfg.Edges.Sigma != 2 || cfg.Edges.HighThreshold != 0.2 {
		t.Errorf("unexpected edges %+v", cfg.Edges)
	}

	p, err := cfg.AzimuthalParams()
	if err != nil {
		t.Fatalf("AzimuthalParams: %v", err)
	}
	if p.Method != azimuthal.MethodLUT {
		t.Errorf("expected lut, got %s", p.Method)
	}
	if p.Threshold == nil || *p.Threshold != (azimuthal.Interval{Low: 0, High: 1000}) {
		t.Errorf("unexpected threshold %v", p.Threshold)
	}
}

// TestSaveAndReload verifies that a saved configuration loads back unchanged
func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pulsepipe.yaml")

	cfg := DefaultConfig()
	cfg.Pipeline.StatusInterval = 0
	cfg.Store.Kind = StoreSQLite
	cfg.Store.Path = "/var/lib/pulsepipe/config.db"
	p := azimuthal.DefaultParams()
	p.Threshold = &azimuthal.Interval{Low: -1, High: 5}
	cfg.SetAzimuthal(p)

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// TestValidateReportsEveryProblem verifies that all errors are joined
func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Width = 0
	cfg.Pipeline.DispatchCapacity = 0
	cfg.Pipeline.Compression = "gzip"
	cfg.Store.Kind = "redis"
	cfg.Azimuthal.Range = azimuthal.Interval{Low: 3, High: 1}
	cfg.Edges.LowThreshold = 0.9
	cfg.Pipeline.Pattern = "spirals"
	cfg.Store.ConnectAttempts = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"shape", "dispatchCapacity", "gzip", "redis", "spirals", "connectAttempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
	if !errors.Is(err, azimuthal.ErrInvalidConfig) {
		t.Errorf("expected azimuthal.ErrInvalidConfig in %v", err)
	}
	if !errors.Is(err, codec.ErrUnknownCompression) {
		t.Errorf("expected codec.ErrUnknownCompression in %v", err)
	}
}

// TestUnknownMethod verifies that an unknown method is a configuration error
func TestUnknownMethod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Azimuthal.Method = "fft"
	if _, err := cfg.AzimuthalParams(); err == nil {
		t.Error("expected error for unknown method")
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject unknown method")
	}
}
