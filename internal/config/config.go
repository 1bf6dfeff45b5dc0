// Package config loads rollcall settings from defaults, an optional YAML
// file, a .env file, ROLLCALL_* environment variables and command flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/liveness"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ROLLCALL_MATCHER_TOLERANCE.
const EnvPrefix = "ROLLCALL"

// DefaultDB is used when neither --db nor POSTGRES_* variables are set.
const DefaultDB = "postgres://localhost:5432/rollcall"

type Config struct {
	DB          string `mapstructure:"db"`
	Timezone    string `mapstructure:"timezone"`
	Group       string `mapstructure:"group"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Log      LogConfig      `mapstructure:"log"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Camera   CameraConfig   `mapstructure:"camera"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Matcher  MatcherConfig  `mapstructure:"matcher"`
	Session  SessionConfig  `mapstructure:"session"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EngineConfig struct {
	Python   string `mapstructure:"python"`
	Script   string `mapstructure:"script"`
	Model    string `mapstructure:"model"`
	Upsample int    `mapstructure:"upsample"`
	Count    int    `mapstructure:"count"`
}

type CameraConfig struct {
	Device   string `mapstructure:"device"`
	Format   string `mapstructure:"format"`
	Width    int    `mapstructure:"width"`
	Height   int    `mapstructure:"height"`
	FPS      int    `mapstructure:"fps"`
	Realtime bool   `mapstructure:"realtime"`
}

type LivenessConfig struct {
	EARThreshold       float64 `mapstructure:"ear_threshold"`
	MinEARChange       float64 `mapstructure:"min_ear_change"`
	ConsecFrames       int     `mapstructure:"consec_frames"`
	RequiredBlinks     int     `mapstructure:"required_blinks"`
	EARHistory         int     `mapstructure:"ear_history"`
	PositionHistory    int     `mapstructure:"position_history"`
	StabilityThreshold float64 `mapstructure:"stability_threshold"`
	IoUThreshold       float64 `mapstructure:"iou_threshold"`
	MaxMissedFrames    int     `mapstructure:"max_missed_frames"`
}

type MatcherConfig struct {
	Tolerance   float64 `mapstructure:"tolerance"`
	CropPadding float64 `mapstructure:"crop_padding"`
	MaxCropSide int     `mapstructure:"max_crop_side"`
}

type SessionConfig struct {
	Policy      string        `mapstructure:"policy"`
	MaxFrames   int           `mapstructure:"max_frames"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// SetDefaults registers every key with its default so environment
// variables can override any of them.
func SetDefaults(v *viper.Viper) {
	lc := liveness.DefaultConfig()
	mc := matcher.DefaultConfig()
	ec := worker.DefaultConfig()

	v.SetDefault("db", "")
	v.SetDefault("timezone", "Local")
	v.SetDefault("group", "")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("engine.python", ec.Python)
	v.SetDefault("engine.script", ec.Script)
	v.SetDefault("engine.model", ec.Model)
	v.SetDefault("engine.upsample", ec.Upsample)
	v.SetDefault("engine.count", 1)

	v.SetDefault("camera.device", "/dev/video0")
	v.SetDefault("camera.format", "v4l2")
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.fps", 15)
	v.SetDefault("camera.realtime", false)

	v.SetDefault("liveness.ear_threshold", lc.EARThreshold)
	v.SetDefault("liveness.min_ear_change", lc.MinEARChange)
	v.SetDefault("liveness.consec_frames", lc.ConsecFrames)
	v.SetDefault("liveness.required_blinks", lc.RequiredBlinks)
	v.SetDefault("liveness.ear_history", lc.EARHistory)
	v.SetDefault("liveness.position_history", lc.PositionHistory)
	v.SetDefault("liveness.stability_threshold", lc.StabilityThreshold)
	v.SetDefault("liveness.iou_threshold", lc.IoUThreshold)
	v.SetDefault("liveness.max_missed_frames", lc.MaxMissedFrames)

	v.SetDefault("matcher.tolerance", mc.Tolerance)
	v.SetDefault("matcher.crop_padding", mc.CropPadding)
	v.SetDefault("matcher.max_crop_side", mc.MaxCropSide)

	v.SetDefault("session.policy", "single-shot")
	v.SetDefault("session.max_frames", 0)
	v.SetDefault("session.max_duration", time.Duration(0))

	v.SetDefault("cache.ttl", 5*time.Minute)
}

// New returns a viper instance wired for rollcall: defaults, env prefix,
// dotted keys mapped to underscores.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads a .env file into the process environment. A missing
// file is not an error. Existing variables win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads an optional config file and decodes the merged settings.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.DB == "" {
		cfg.DB = DSNFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DSNFromEnv builds the connection string from POSTGRES_* variables, or
// returns DefaultDB when POSTGRES_HOST is unset.
func DSNFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return DefaultDB
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if err := c.LivenessConfig().Validate(); err != nil {
		return fmt.Errorf("liveness: %w", err)
	}
	if err := c.MatcherConfig().Validate(); err != nil {
		return fmt.Errorf("matcher: %w", err)
	}
	if c.Engine.Count < 1 {
		return fmt.Errorf("engine count must be at least 1, got %d", c.Engine.Count)
	}
	if c.Engine.Model != "hog" && c.Engine.Model != "cnn" {
		return fmt.Errorf("engine model must be hog or cnn, got %q", c.Engine.Model)
	}
	switch c.Session.Policy {
	case "single-shot", "continuous":
	default:
		return fmt.Errorf("session policy must be single-shot or continuous, got %q", c.Session.Policy)
	}
	if c.Session.MaxFrames < 0 || c.Session.MaxDuration < 0 {
		return errors.New("session limits must not be negative")
	}
	return nil
}

// Location resolves the time zone that decides attendance dates.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) LivenessConfig() liveness.Config {
	l := c.Liveness
	return liveness.Config{
		EARThreshold:       l.EARThreshold,
		MinEARChange:       l.MinEARChange,
		ConsecFrames:       l.ConsecFrames,
		RequiredBlinks:     l.RequiredBlinks,
		EARHistory:         l.EARHistory,
		PositionHistory:    l.PositionHistory,
		StabilityThreshold: l.StabilityThreshold,
		IoUThreshold:       l.IoUThreshold,
		MaxMissedFrames:    l.MaxMissedFrames,
	}
}

func (c *Config) MatcherConfig() matcher.Config {
	return matcher.Config{
		Tolerance:   c.Matcher.Tolerance,
		CropPadding: c.Matcher.CropPadding,
		MaxCropSide: c.Matcher.MaxCropSide,
	}
}

func (c *Config) EngineConfig() worker.Config {
	return worker.Config{
		Python:   c.Engine.Python,
		Script:   c.Engine.Script,
		Model:    c.Engine.Model,
		Upsample: c.Engine.Upsample,
	}
}

func (c *Config) DeviceConfig() capture.DeviceConfig {
	return capture.DeviceConfig{
		Device:   c.Camera.Device,
		Format:   c.Camera.Format,
		Width:    c.Camera.Width,
		Height:   c.Camera.Height,
		FPS:      c.Camera.FPS,
		Realtime: c.Camera.Realtime,
		Live:     true,
	}
}

func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format}
}
