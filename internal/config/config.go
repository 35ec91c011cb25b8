package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Project  ProjectConfig  `yaml:"project"`
	Executor ExecutorConfig `yaml:"executor"`
	Render   RenderConfig   `yaml:"render"`
	Cache    CacheConfig    `yaml:"cache"`
	Watch    WatchConfig    `yaml:"watch"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// ProjectConfig locates the sketches served by the studio.
type ProjectConfig struct {
	Root            string   `yaml:"root"`
	SketchDirs      []string `yaml:"sketch_dirs"`      // relative to Root unless absolute
	AllowedPatterns []string `yaml:"allowed_patterns"` // glob patterns sketch names must match
}

type ExecutorConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	Python         string        `yaml:"python"` // explicit interpreter; empty means auto-detect
	MaxStdoutBytes int           `yaml:"max_stdout_bytes"`
	MaxStderrBytes int           `yaml:"max_stderr_bytes"`
}

type RenderConfig struct {
	RetinaScale     float64 `yaml:"retina_scale"`
	PDFRasterizer   string  `yaml:"pdf_rasterizer"`
	ThumbnailWidth  int     `yaml:"thumbnail_width"`
	ThumbnailHeight int     `yaml:"thumbnail_height"`
}

type CacheConfig struct {
	Dir           string        `yaml:"dir"`
	MaxVersions   int           `yaml:"max_versions"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MemoryEntries int           `yaml:"memory_entries"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader     string   `yaml:"api_key_header"`
	AllowedKeys      []string `yaml:"allowed_keys"`
	AllowedClientIPs []string `yaml:"allowed_client_ips"`
	RateLimitRPS     float64  `yaml:"rate_limit_rps"`
	RateLimitBurst   int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CONFIG_PATH or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5*time.Minute + 30*time.Second, // > max executor timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  10 << 20, // 10MB
		},
		Project: ProjectConfig{
			Root:            ".",
			SketchDirs:      []string{"sketches", "examples"},
			AllowedPatterns: []string{"*"},
		},
		Executor: ExecutorConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     5 * time.Minute,
			MaxConcurrent:  4,
			MaxStdoutBytes: 1 << 20,
			MaxStderrBytes: 256 * 1024,
		},
		Render: RenderConfig{
			RetinaScale:     3,
			PDFRasterizer:   "pdftoppm",
			ThumbnailWidth:  300,
			ThumbnailHeight: 200,
		},
		Cache: CacheConfig{
			Dir:           ".sketchbook/cache",
			MaxVersions:   5,
			MaxAge:        24 * time.Hour,
			SweepInterval: 10 * time.Minute,
			MemoryEntries: 64,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 300 * time.Millisecond,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:     "X-API-Key",
			AllowedClientIPs: []string{"127.0.0.1", "::1"},
			RateLimitRPS:     20,
			RateLimitBurst:   60,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// ApplyEnv overrides selected settings from the environment.
func (c *Config) ApplyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("PORT must be numeric, got %q", port)
		}
		c.Server.Port = p
	}
	if root := os.Getenv("SKETCHBOOK_PROJECT"); root != "" {
		c.Project.Root = root
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	return c.Validate()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Executor.DefaultTimeout <= 0 {
		return fmt.Errorf("executor.default_timeout must be positive")
	}
	if c.Executor.DefaultTimeout > c.Executor.MaxTimeout {
		return fmt.Errorf("executor.default_timeout (%s) must be <= max_timeout (%s)",
			c.Executor.DefaultTimeout, c.Executor.MaxTimeout)
	}
	if c.Executor.MaxConcurrent < 1 {
		return fmt.Errorf("executor.max_concurrent must be >= 1")
	}
	if c.Render.RetinaScale < 1 || c.Render.RetinaScale > 8 {
		return fmt.Errorf("render.retina_scale must be 1-8, got %g", c.Render.RetinaScale)
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.MaxVersions < 1 {
		return fmt.Errorf("cache.max_versions must be >= 1")
	}
	if c.Watch.Enabled && c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}
	if len(c.Project.SketchDirs) == 0 {
		return fmt.Errorf("project.sketch_dirs must list at least one directory")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Server.Host != "127.0.0.1" && c.Server.Host != "localhost" && c.Server.Host != "::1" {
		log.Warn().Str("host", c.Server.Host).Msg("studio is bound to a non-loopback address; sketches execute arbitrary code")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// SketchDirs returns the absolute sketch directories.
func (c *Config) SketchDirs() []string {
	root := c.ProjectRoot()
	dirs := make([]string, 0, len(c.Project.SketchDirs))
	for _, d := range c.Project.SketchDirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(root, d)
		}
		dirs = append(dirs, filepath.Clean(d))
	}
	return dirs
}

// ProjectRoot returns the absolute project root.
func (c *Config) ProjectRoot() string {
	root, err := filepath.Abs(c.Project.Root)
	if err != nil {
		return filepath.Clean(c.Project.Root)
	}
	return root
}

// CacheDir returns the absolute cache directory.
func (c *Config) CacheDir() string {
	if filepath.IsAbs(c.Cache.Dir) {
		return c.Cache.Dir
	}
	return filepath.Join(c.ProjectRoot(), c.Cache.Dir)
}
