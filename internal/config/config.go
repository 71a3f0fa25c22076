package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	Port string

	// Storage
	DataDir   string
	DBPath    string
	OutputDir string

	// Scheduler
	MaxConcurrent int
	JobTTL        time.Duration
	FileTTL       time.Duration
	SweepInterval time.Duration

	// External tools
	FFmpegPath    string
	SeparatorPath string
	AudioBitrate  int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// fileConfig is the optional YAML overlay. Empty fields keep the default.
type fileConfig struct {
	Port          string `yaml:"port"`
	DataDir       string `yaml:"data_dir"`
	DBPath        string `yaml:"db_path"`
	OutputDir     string `yaml:"output_dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	JobTTL        string `yaml:"job_ttl"`
	FileTTL       string `yaml:"file_ttl"`
	SweepInterval string `yaml:"sweep_interval"`
	FFmpegPath    string `yaml:"ffmpeg"`
	SeparatorPath string `yaml:"separator"`
	AudioBitrate  int    `yaml:"audio_bitrate"`
	LogFile       string `yaml:"log_file"`
	LogLevel      string `yaml:"log_level"`
}

// Load reads configuration from defaults, the optional YAML file named by
// TUBEMP3_CONFIG, and environment variables, in that order.
func Load() (Config, error) {
	var fc fileConfig
	if path := os.Getenv("TUBEMP3_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return load(fc)
}

func load(fc fileConfig) (Config, error) {
	dataDir := getEnv("TUBEMP3_DATA_DIR", orDefault(fc.DataDir, "./data"))

	cfg := Config{
		Port:          getEnv("PORT", orDefault(fc.Port, "8080")),
		DataDir:       dataDir,
		DBPath:        getEnv("TUBEMP3_DB_PATH", orDefault(fc.DBPath, filepath.Join(dataDir, "tubemp3.db"))),
		OutputDir:     getEnv("TUBEMP3_OUTPUT_DIR", orDefault(fc.OutputDir, filepath.Join(dataDir, "uploads"))),
		FFmpegPath:    getEnv("TUBEMP3_FFMPEG", orDefault(fc.FFmpegPath, "ffmpeg")),
		SeparatorPath: getEnv("TUBEMP3_SEPARATOR", orDefault(fc.SeparatorPath, "demucs")),
		LogFile:       getEnv("TUBEMP3_LOG_FILE", fc.LogFile),
		LogLevel:      parseLogLevel(getEnv("TUBEMP3_LOG_LEVEL", orDefault(fc.LogLevel, "INFO"))),
	}

	var err error
	if cfg.MaxConcurrent, err = getInt("TUBEMP3_MAX_CONCURRENT", fc.MaxConcurrent, 3); err != nil {
		return Config{}, err
	}
	if cfg.AudioBitrate, err = getInt("TUBEMP3_AUDIO_BITRATE", fc.AudioBitrate, 192); err != nil {
		return Config{}, err
	}
	if cfg.JobTTL, err = getDuration("TUBEMP3_JOB_TTL", fc.JobTTL, time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.FileTTL, err = getDuration("TUBEMP3_FILE_TTL", fc.FileTTL, 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = getDuration("TUBEMP3_SWEEP_INTERVAL", fc.SweepInterval, 15*time.Minute); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Validate rejects values the scheduler cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent must be positive, got %d", c.MaxConcurrent))
	}
	if c.AudioBitrate <= 0 {
		errs = append(errs, fmt.Errorf("audio bitrate must be positive, got %d", c.AudioBitrate))
	}
	if c.JobTTL <= 0 {
		errs = append(errs, fmt.Errorf("job ttl must be positive, got %s", c.JobTTL))
	}
	if c.FileTTL <= 0 {
		errs = append(errs, fmt.Errorf("file ttl must be positive, got %s", c.FileTTL))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output dir must not be empty"))
	} else if filepath.Clean(filepath.Dir(c.DBPath)) == filepath.Clean(c.OutputDir) {
		errs = append(errs, errors.New("database must not live in the output dir"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func orDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, fileVal, defaultVal int) (int, error) {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}
	if fileVal != 0 {
		return fileVal, nil
	}
	return defaultVal, nil
}

func getDuration(key, fileVal string, defaultVal time.Duration) (time.Duration, error) {
	val := getEnv(key, fileVal)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
