package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDownloadPath = "/downloads"
	DefaultHTTPAddr     = ":8080"
	DefaultMQTTPrefix   = "unifi/protect-downloader"
	DefaultNATSSubject  = "unifi.protect.motion"
	DefaultPadding      = 2 * time.Second
)

var ErrMissingConfig = errors.New("missing required configuration")

// NVRConfig holds connection details for the Protect console.
type NVRConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DownloadConfig controls where and how clips are exported.
type DownloadConfig struct {
	Path        string        `yaml:"path"`
	PaddingPre  time.Duration `yaml:"padding_pre"`
	PaddingPost time.Duration `yaml:"padding_post"`
	MaxRetries  int           `yaml:"max_retries"`
}

type MQTTConfig struct {
	Host   string `yaml:"host"`
	Prefix string `yaml:"prefix"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Config is the full runtime configuration. Values come from the YAML file
// first and are then overridden by the environment.
type Config struct {
	NVR               NVRConfig      `yaml:"nvr"`
	Cameras           []string       `yaml:"cameras"`
	PreferSmartMotion bool           `yaml:"prefer_smart_motion"`
	Download          DownloadConfig `yaml:"download"`
	MQTT              MQTTConfig     `yaml:"mqtt"`
	NATS              NATSConfig     `yaml:"nats"`
	RedisAddr         string         `yaml:"redis_addr"`
	DatabaseURL       string         `yaml:"database_url"`
	HTTPAddr          string         `yaml:"http_addr"`
	LogLevel          string         `yaml:"log_level"`

	// Path of the YAML file the config was read from, empty when env only.
	File string `yaml:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		PreferSmartMotion: true,
		Download: DownloadConfig{
			Path:        DefaultDownloadPath,
			PaddingPre:  DefaultPadding,
			PaddingPost: DefaultPadding,
		},
		MQTT:     MQTTConfig{Prefix: DefaultMQTTPrefix},
		NATS:     NATSConfig{Subject: DefaultNATSSubject},
		HTTPAddr: DefaultHTTPAddr,
		LogLevel: "info",
	}
}

// LoadEnv loads environment variables from local .env files when present.
func LoadEnv(logger logrus.FieldLogger) {
	for _, file := range []string{".env", ".env.local"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		if logger != nil {
			logger.Debugf("Loaded env file %s", file)
		}
	}
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.File = path
	return nil
}

func (c *Config) applyEnv() {
	c.NVR.Host = GetEnv("UNIFI_HOST", c.NVR.Host)
	c.NVR.Username = GetEnv("UNIFI_USER", c.NVR.Username)
	c.NVR.Password = GetEnv("UNIFI_PASS", c.NVR.Password)

	if v := os.Getenv("CAMERAS"); v != "" {
		c.Cameras = SplitList(v)
	}
	c.PreferSmartMotion = GetEnvBool("PREFER_SMART_MOTION", c.PreferSmartMotion)

	c.Download.Path = GetEnv("DOWNLOAD_PATH", c.Download.Path)
	c.Download.PaddingPre = GetEnvDuration("DOWNLOAD_PADDING_PRE", c.Download.PaddingPre)
	c.Download.PaddingPost = GetEnvDuration("DOWNLOAD_PADDING_POST", c.Download.PaddingPost)
	c.Download.MaxRetries = GetEnvInt("DOWNLOAD_MAX_RETRIES", c.Download.MaxRetries)

	c.MQTT.Host = GetEnv("MQTT_HOST", c.MQTT.Host)
	c.MQTT.Prefix = GetEnv("MQTT_PREFIX", c.MQTT.Prefix)
	c.NATS.URL = GetEnv("NATS_URL", c.NATS.URL)
	c.NATS.Subject = GetEnv("NATS_SUBJECT", c.NATS.Subject)

	c.RedisAddr = GetEnv("REDIS_ADDR", c.RedisAddr)
	c.DatabaseURL = GetEnv("DATABASE_URL", c.DatabaseURL)
	c.HTTPAddr = GetEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = GetEnv("LOG_LEVEL", c.LogLevel)
}

// reloadableEnv lists the environment variables that shadow settings the
// running service picks up on a config file reload.
var reloadableEnv = []string{"CAMERAS", "PREFER_SMART_MOTION"}

// ShadowedByEnv returns the reloadable settings currently pinned by the
// environment. File edits to those keys have no effect.
func ShadowedByEnv() []string {
	var out []string
	for _, key := range reloadableEnv {
		if os.Getenv(key) != "" {
			out = append(out, key)
		}
	}
	return out
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	var missing []string
	if c.NVR.Host == "" {
		missing = append(missing, "UNIFI_HOST")
	}
	if c.NVR.Username == "" {
		missing = append(missing, "UNIFI_USER")
	}
	if c.NVR.Password == "" {
		missing = append(missing, "UNIFI_PASS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	if c.Download.PaddingPre < 0 || c.Download.PaddingPost < 0 {
		return fmt.Errorf("download padding must not be negative")
	}
	return nil
}

// SplitList splits a comma separated list, trimming blanks.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration accepts Go duration strings ("5s") or bare seconds ("5").
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
