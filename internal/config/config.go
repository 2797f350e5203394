// Package config loads server settings from .env, an optional config file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Browser backends
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Config holds all server settings
type Config struct {
	Port          int
	RecordingsDir string

	DefaultWidth    int
	DefaultHeight   int
	DefaultDuration int

	Display string

	Browser   BrowserConfig
	Page      PageConfig
	Capture   CaptureConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type BrowserConfig struct {
	Backend      string
	ChromePath   string
	Image        string
	ImageChrome  string
	Headless     bool
	DebugPort    int
	ReadyTimeout time.Duration
}

type PageConfig struct {
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
}

type CaptureConfig struct {
	FFmpegPath   string
	Margin       time.Duration
	AudioEnabled bool
	AudioSource  string
	AudioDevice  string
	AudioSink    string
}

type RateLimitConfig struct {
	PerHour int
	Burst   int
}

type LogConfig struct {
	Level       string
	Development bool
}

// LoadDotEnv loads a .env file from the working directory. A missing file
// is reported as fs.ErrNotExist.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 3000)
	v.SetDefault("RECORDINGS_DIR", "/recordings")
	v.SetDefault("OUTPUT_VIDEO_WIDTH", 1280)
	v.SetDefault("OUTPUT_VIDEO_HEIGHT", 720)
	v.SetDefault("DEFAULT_DURATION", 10)
	v.SetDefault("DISPLAY", ":1")

	v.SetDefault("BROWSER_BACKEND", BackendProcess)
	v.SetDefault("CHROME_PATH", "/opt/google/chrome/google-chrome")
	v.SetDefault("BROWSER_IMAGE", "zenika/alpine-chrome:latest")
	v.SetDefault("BROWSER_IMAGE_CHROME", "chromium-browser")
	v.SetDefault("BROWSER_HEADLESS", false)
	v.SetDefault("DEBUG_PORT", 9222)
	v.SetDefault("DISPLAY_READY_TIMEOUT", 10*time.Second)

	v.SetDefault("NAVIGATION_TIMEOUT", 30*time.Second)
	v.SetDefault("SETTLE_DELAY", 2*time.Second)

	v.SetDefault("FFMPEG_PATH", "ffmpeg")
	v.SetDefault("CAPTURE_MARGIN", 5*time.Second)
	v.SetDefault("AUDIO_ENABLED", true)
	v.SetDefault("AUDIO_SOURCE", "pulse")
	v.SetDefault("AUDIO_DEVICE", "default")
	v.SetDefault("AUDIO_SINK", "recorder")

	v.SetDefault("RATE_LIMIT_PER_HOUR", 60)
	v.SetDefault("RATE_LIMIT_BURST", 5)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)
}

// Load reads cfgFile (if set) and the environment into a Config
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{
		Port:            v.GetInt("PORT"),
		RecordingsDir:   v.GetString("RECORDINGS_DIR"),
		DefaultWidth:    v.GetInt("OUTPUT_VIDEO_WIDTH"),
		DefaultHeight:   v.GetInt("OUTPUT_VIDEO_HEIGHT"),
		DefaultDuration: v.GetInt("DEFAULT_DURATION"),
		Display:         v.GetString("DISPLAY"),
		Browser: BrowserConfig{
			Backend:      v.GetString("BROWSER_BACKEND"),
			ChromePath:   v.GetString("CHROME_PATH"),
			Image:        v.GetString("BROWSER_IMAGE"),
			ImageChrome:  v.GetString("BROWSER_IMAGE_CHROME"),
			Headless:     v.GetBool("BROWSER_HEADLESS"),
			DebugPort:    v.GetInt("DEBUG_PORT"),
			ReadyTimeout: v.GetDuration("DISPLAY_READY_TIMEOUT"),
		},
		Page: PageConfig{
			NavigationTimeout: v.GetDuration("NAVIGATION_TIMEOUT"),
			SettleDelay:       v.GetDuration("SETTLE_DELAY"),
		},
		Capture: CaptureConfig{
			FFmpegPath:   v.GetString("FFMPEG_PATH"),
			Margin:       v.GetDuration("CAPTURE_MARGIN"),
			AudioEnabled: v.GetBool("AUDIO_ENABLED"),
			AudioSource:  v.GetString("AUDIO_SOURCE"),
			AudioDevice:  v.GetString("AUDIO_DEVICE"),
			AudioSink:    v.GetString("AUDIO_SINK"),
		},
		RateLimit: RateLimitConfig{
			PerHour: v.GetInt("RATE_LIMIT_PER_HOUR"),
			Burst:   v.GetInt("RATE_LIMIT_BURST"),
		},
		Log: LogConfig{
			Level:       v.GetString("LOG_LEVEL"),
			Development: v.GetBool("LOG_DEVELOPMENT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.Browser.DebugPort <= 0 || c.Browser.DebugPort > 65535 {
		return fmt.Errorf("DEBUG_PORT must be between 1 and 65535, got %d", c.Browser.DebugPort)
	}
	if c.DefaultWidth <= 0 || c.DefaultHeight <= 0 {
		return fmt.Errorf("OUTPUT_VIDEO_WIDTH and OUTPUT_VIDEO_HEIGHT must be positive")
	}
	if c.DefaultDuration <= 0 {
		return fmt.Errorf("DEFAULT_DURATION must be positive")
	}
	if c.RecordingsDir == "" {
		return fmt.Errorf("RECORDINGS_DIR is required")
	}
	switch c.Browser.Backend {
	case BackendProcess, BackendDocker:
	default:
		return fmt.Errorf("BROWSER_BACKEND must be %q or %q, got %q", BackendProcess, BackendDocker, c.Browser.Backend)
	}
	switch c.Capture.AudioSource {
	case "pulse", "alsa":
	default:
		return fmt.Errorf("AUDIO_SOURCE must be pulse or alsa, got %q", c.Capture.AudioSource)
	}
	if c.Browser.ReadyTimeout <= 0 || c.Page.NavigationTimeout <= 0 {
		return fmt.Errorf("DISPLAY_READY_TIMEOUT and NAVIGATION_TIMEOUT must be positive")
	}
	if c.RateLimit.PerHour <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_HOUR and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
