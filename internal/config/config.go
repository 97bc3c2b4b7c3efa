package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port           int           `koanf:"port"`
	Debug          bool          `koanf:"debug"`
	MaxBodyBytes   int64         `koanf:"maxbodybytes"`
	MaxConcurrent  int           `koanf:"maxconcurrent"`
	MaxImages      int           `koanf:"maximages"`
	RequestTimeout time.Duration `koanf:"requesttimeout"`
}

// AuthConfig names where the bearer secret comes from.
type AuthConfig struct {
	SecretEnv string `koanf:"secretenv"`
}

// ModelConfig related to the reconstruction model
type ModelConfig struct {
	Path          string `koanf:"path"`
	Metadata      string `koanf:"metadata"`
	CacheDir      string `koanf:"cachedir"`
	Library       string `koanf:"library"`
	Device        string `koanf:"device"`
	DeviceID      int    `koanf:"deviceid"`
	HalfPrecision bool   `koanf:"halfprecision"`
	Preload       bool   `koanf:"preload"`
}

// ImageConfig controls image normalization
type ImageConfig struct {
	TargetSize int     `koanf:"targetsize"`
	PatchSize  int     `koanf:"patchsize"`
	MaxPixels  int64   `koanf:"maxpixels"`
	MaxAspect  float64 `koanf:"maxaspect"`
}

// AppConfig defines the whole service configuration
type AppConfig struct {
	Server ServerConfig `koanf:"server"`
	Auth   AuthConfig   `koanf:"auth"`
	Model  ModelConfig  `koanf:"model"`
	Image  ImageConfig  `koanf:"image"`
}

var defaults = map[string]any{
	"server.port":           8080,
	"server.debug":          false,
	"server.maxbodybytes":   256 << 20,
	"server.maxconcurrent":  1,
	"server.maximages":      0,
	"server.requesttimeout": "600s",
	"auth.secretenv":        "VGGT_APP_SECRET",
	"model.path":            "models/vggt.onnx",
	"model.metadata":        "models/model_metadata.json",
	"model.cachedir":        "",
	"model.library":         "",
	"model.device":          "cuda",
	"model.deviceid":        0,
	"model.halfprecision":   true,
	"model.preload":         true,
	"image.targetsize":      518,
	"image.patchsize":       14,
	"image.maxpixels":       64 << 20,
	"image.maxaspect":       16.0,
}

// Load reads defaults, then the YAML file at filePath (skipped when it does not
// exist), then CFG_ prefixed environment variables.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, errors.Wrap(err, "loading defaults")
	}

	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
				return nil, errors.Wrapf(err, "loading %s", filePath)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat %s", filePath)
		}
	}

	if err := k.Load(env.Provider("CFG_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
	}), nil); err != nil {
		return nil, errors.Wrap(err, "loading environment")
	}

	// PORT is honoured for hosts that only inject that variable.
	if port := os.Getenv("PORT"); port != "" {
		if err := k.Load(confmap.Provider(map[string]any{"server.port": port}, "."), nil); err != nil {
			return nil, errors.Wrap(err, "loading PORT")
		}
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a request.
func Validate(cfg *AppConfig) error {
	if cfg.Image.PatchSize <= 0 {
		return errors.Errorf("image.patchsize must be positive, got %d", cfg.Image.PatchSize)
	}
	if cfg.Image.TargetSize <= 0 || cfg.Image.TargetSize%cfg.Image.PatchSize != 0 {
		return errors.Errorf("image.targetsize %d must be a positive multiple of image.patchsize %d",
			cfg.Image.TargetSize, cfg.Image.PatchSize)
	}
	if cfg.Image.MaxPixels < 0 || cfg.Image.MaxAspect < 0 {
		return errors.New("image.maxpixels and image.maxaspect must not be negative")
	}
	switch cfg.Model.Device {
	case "cuda", "cpu":
	default:
		return errors.Errorf("model.device must be cuda or cpu, got %q", cfg.Model.Device)
	}
	if cfg.Server.MaxConcurrent < 1 {
		return errors.Errorf("server.maxconcurrent must be at least 1, got %d", cfg.Server.MaxConcurrent)
	}
	return nil
}

// Secret returns the bearer secret from the configured environment variable.
func (c *AppConfig) Secret() (string, error) {
	secret := os.Getenv(c.Auth.SecretEnv)
	if secret == "" {
		return "", errors.Errorf("environment variable %s is empty", c.Auth.SecretEnv)
	}
	return secret, nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("file", defaultConfigPath, "configuration file")
}
