package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want loopback", cfg.Server.Host)
	}
	if cfg.Executor.DefaultTimeout != 30*time.Second {
		t.Errorf("Executor.DefaultTimeout = %s, want 30s", cfg.Executor.DefaultTimeout)
	}
	if cfg.Cache.MaxVersions != 5 {
		t.Errorf("Cache.MaxVersions = %d, want 5", cfg.Cache.MaxVersions)
	}
	if cfg.Watch.Debounce != 300*time.Millisecond {
		t.Errorf("Watch.Debounce = %s, want 300ms", cfg.Watch.Debounce)
	}
	if cfg.Render.RetinaScale != 3 {
		t.Errorf("Render.RetinaScale = %g, want 3", cfg.Render.RetinaScale)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Executor.DefaultTimeout = 2 * time.Minute
			c.Executor.MaxTimeout = 1 * time.Minute
		}, true},
		{"zero default timeout", func(c *Config) { c.Executor.DefaultTimeout = 0 }, true},
		{"max_concurrent 0", func(c *Config) { c.Executor.MaxConcurrent = 0 }, true},
		{"retina scale 0", func(c *Config) { c.Render.RetinaScale = 0 }, true},
		{"max_versions 0", func(c *Config) { c.Cache.MaxVersions = 0 }, true},
		{"empty cache dir", func(c *Config) { c.Cache.Dir = "" }, true},
		{"no sketch dirs", func(c *Config) { c.Project.SketchDirs = nil }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
project:
  root: /tmp/project
  sketch_dirs: [sketches]
executor:
  default_timeout: 2s
  max_timeout: 10s
cache:
  max_versions: 3
watch:
  debounce: 150ms
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Executor.DefaultTimeout != 2*time.Second {
		t.Errorf("Executor.DefaultTimeout = %s, want 2s", cfg.Executor.DefaultTimeout)
	}
	if cfg.Cache.MaxVersions != 3 {
		t.Errorf("Cache.MaxVersions = %d, want 3", cfg.Cache.MaxVersions)
	}
	if cfg.Watch.Debounce != 150*time.Millisecond {
		t.Errorf("Watch.Debounce = %s, want 150ms", cfg.Watch.Debounce)
	}
	// Unset sections keep their defaults.
	if cfg.Render.PDFRasterizer != "pdftoppm" {
		t.Errorf("Render.PDFRasterizer = %q, want pdftoppm", cfg.Render.PDFRasterizer)
	}
	if got, want := cfg.SketchDirs(), []string{"/tmp/project/sketches"}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("SketchDirs() = %v, want %v", got, want)
	}
	if got := cfg.CacheDir(); got != "/tmp/project/.sketchbook/cache" {
		t.Errorf("CacheDir() = %q", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("SKETCHBOOK_PROJECT", "/srv/sketches")
	t.Setenv("DATABASE_URL", "postgres://localhost/sketchbook")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Project.Root != "/srv/sketches" {
		t.Errorf("Project.Root = %q", cfg.Project.Root)
	}
	if cfg.Database.DSN == "" {
		t.Error("Database.DSN not applied")
	}

	t.Setenv("PORT", "eighty")
	if err := DefaultConfig().ApplyEnv(); err == nil {
		t.Error("expected error for non-numeric PORT")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "127.0.0.1:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "::1"
	cfg.Server.Port = 3000
	want = "[::1]:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
