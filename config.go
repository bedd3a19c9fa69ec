package clubsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config errors.
var (
	ErrViewerRequired    = errors.New("viewer id is required")
	ErrCachePathRequired = errors.New("cache path is required")
)

// Config carries everything the engine needs from the embedding app.
// Engine timings (debounce delays, retry schedule, batch window) are
// deliberately not configurable.
type Config struct {
	// ViewerID is the identity of the current viewer.
	ViewerID string `mapstructure:"viewer_id"`

	// CachePath is where the local unread/read database lives. Use
	// ":memory:" for an ephemeral cache.
	CachePath string `mapstructure:"cache_path"`

	Remote  RemoteConfig `mapstructure:"remote"`
	Logging LogConfig    `mapstructure:"logging"`
}

// RemoteConfig locates the hosted message store. Empty URLs disable the
// corresponding surface (useful in tests with injected fakes).
type RemoteConfig struct {
	// BaseURL is the root of the request/response persistence API.
	BaseURL string `mapstructure:"base_url"`

	// FeedURL is the websocket push-feed endpoint.
	FeedURL string `mapstructure:"feed_url"`

	// Token is the bearer credential for both surfaces.
	Token string `mapstructure:"token"`
}

// LogConfig selects logging behavior. Empty values leave the host
// application's logger configuration untouched.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a config with the local cache under the user cache
// directory.
func DefaultConfig() Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = "."
	}
	return Config{
		CachePath: filepath.Join(cacheDir, "clubsync", "unread.db"),
	}
}

// Validate checks the config for required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ViewerID) == "" {
		return ErrViewerRequired
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return ErrCachePathRequired
	}
	return nil
}

// LoadConfig loads configuration with precedence defaults < config file <
// environment (CLUBSYNC_*). An empty path searches the working directory
// and $HOME/.config/clubsync for clubsync.yaml; a missing file is only an
// error when a path was given explicitly.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("viewer_id", defaults.ViewerID)
	v.SetDefault("cache_path", defaults.CachePath)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.feed_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.format", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("clubsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "clubsync"))
		}
	}

	v.SetEnvPrefix("CLUBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return Config{}, fmt.Errorf("failed to load config file: %w", err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.CachePath = expandTilde(cfg.CachePath)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
