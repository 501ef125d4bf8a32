package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	IamToken string `mapstructure:"iam_token"`
	FolderID string `mapstructure:"folder_id"`
	Language string `mapstructure:"language"`

	SampleRate      float64 `mapstructure:"sample_rate"`
	FramesPerBuffer int     `mapstructure:"frames_per_buffer"`

	AgentURL       string        `mapstructure:"agent_url"`
	SessionFile    string        `mapstructure:"session_file"`
	TypingSpeed    time.Duration `mapstructure:"typing_speed"`
	MaxHistorySize int           `mapstructure:"max_history"`

	LiveViewAddr string `mapstructure:"liveview_addr"`
	FrameRate    int    `mapstructure:"frame_rate"`
	CanvasWidth  int    `mapstructure:"canvas_width"`
	CanvasHeight int    `mapstructure:"canvas_height"`

	LogLevel string `mapstructure:"log_level"`
	LogDev   bool   `mapstructure:"log_dev"`
}

// RecognitionConfigured reports whether speech recognition credentials exist.
func (c *Config) RecognitionConfigured() bool {
	return c.IamToken != "" && c.FolderID != ""
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("iam_token", "")
	v.SetDefault("folder_id", "")
	v.SetDefault("language", "en-US")
	v.SetDefault("sample_rate", 16000)
	v.SetDefault("frames_per_buffer", 512)
	v.SetDefault("agent_url", "http://localhost:8000")
	v.SetDefault("session_file", defaultSessionFile())
	v.SetDefault("typing_speed", 30*time.Millisecond)
	v.SetDefault("max_history", 10)
	v.SetDefault("liveview_addr", "")
	v.SetDefault("frame_rate", 60)
	v.SetDefault("canvas_width", 600)
	v.SetDefault("canvas_height", 100)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_dev", false)
}

// LoadConfig reads .env (if present), then the optional voicetutor.yaml, then
// environment variables such as IAM_TOKEN and FOLDER_ID.
func LoadConfig(v *viper.Viper, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)
	v.SetConfigName("voicetutor")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "voicetutor"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Keys map to upper-case env names, e.g. iam_token -> IAM_TOKEN.
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("sample_rate must be positive, got %v", c.SampleRate)
	case c.FramesPerBuffer <= 0:
		return fmt.Errorf("frames_per_buffer must be positive, got %d", c.FramesPerBuffer)
	case c.FrameRate <= 0:
		return fmt.Errorf("frame_rate must be positive, got %d", c.FrameRate)
	case c.CanvasWidth <= 0 || c.CanvasHeight <= 0:
		return fmt.Errorf("canvas size must be positive, got %dx%d", c.CanvasWidth, c.CanvasHeight)
	}
	return nil
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".voicetutor-session"
	}
	return filepath.Join(dir, "voicetutor", "session")
}
