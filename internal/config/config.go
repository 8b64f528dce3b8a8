// Package config loads the service configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// APIKeyEnv supplies the Deepgram key when the file leaves it empty.
const APIKeyEnv = "DEEPGRAM_API_KEY"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	HTTP     HTTPConfig     `yaml:"http"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Capture  CaptureConfig  `yaml:"capture"`
	OCR      OCRConfig      `yaml:"ocr"`
	Redis    RedisConfig    `yaml:"redis"`
	Output   OutputConfig   `yaml:"output"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig is the AudioSocket listener. Port 0 disables it.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// HTTPConfig is the API listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr           string   `yaml:"addr" validate:"omitempty,hostname_port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DeepgramConfig struct {
	APIKey         string        `yaml:"api_key" validate:"required"`
	LiveURL        string        `yaml:"live_url" validate:"omitempty,url"`
	UploadURL      string        `yaml:"upload_url" validate:"omitempty,url"`
	Model          string        `yaml:"model"`
	Language       string        `yaml:"language"`
	Punctuate      bool          `yaml:"punctuate"`
	SmartFormat    bool          `yaml:"smart_format"`
	InterimResults bool          `yaml:"interim_results"`
	KeepAlive      time.Duration `yaml:"keepalive" validate:"gte=0"`
}

type CaptureConfig struct {
	Mode          string        `yaml:"mode" validate:"omitempty,oneof=streaming batch"`
	ChunkInterval time.Duration `yaml:"chunk_interval" validate:"gte=0"`
	MaxDuration   time.Duration `yaml:"max_duration" validate:"gte=0"`
	DrainTimeout  time.Duration `yaml:"drain_timeout" validate:"gte=0"`
}

// OCRConfig points at the Tesseract sidecar. An empty URL disables OCR.
type OCRConfig struct {
	URL           string        `yaml:"url" validate:"omitempty,url"`
	Language      string        `yaml:"language"`
	MaxImageBytes int           `yaml:"max_image_bytes" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
}

// RedisConfig enables notification publishing when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db" validate:"gte=0"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type OutputConfig struct {
	Dir         string `yaml:"dir"`
	SessionLogs bool   `yaml:"session_logs"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Load reads .env files (missing ones are ignored), then the YAML file at
// path with ${VAR} references expanded, applies defaults and validates. An
// empty path skips the file and relies on defaults and the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Deepgram.APIKey == "" {
		c.Deepgram.APIKey = os.Getenv(APIKeyEnv)
	}
	if c.Deepgram.Model == "" {
		c.Deepgram.Model = "nova-2"
	}
	if c.Deepgram.Language == "" {
		c.Deepgram.Language = "en-US"
	}
	if c.Capture.Mode == "" {
		c.Capture.Mode = "streaming"
	}
	if c.Capture.ChunkInterval == 0 {
		c.Capture.ChunkInterval = 250 * time.Millisecond
	}
	if c.Capture.DrainTimeout == 0 {
		c.Capture.DrainTimeout = 3 * time.Second
	}
	if c.OCR.Language == "" {
		c.OCR.Language = "eng"
	}
	if c.OCR.MaxImageBytes == 0 {
		c.OCR.MaxImageBytes = 5 << 20
	}
	if c.OCR.Timeout == 0 {
		c.OCR.Timeout = 30 * time.Second
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "transcriber:session:"
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.InvalidInput("invalid configuration", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperr.InvalidInput("invalid configuration: "+strings.Join(msgs, "; "), err)
}

func fieldMessage(fe validator.FieldError) string {
	// Namespace is Config.deepgram.api_key; drop the root type.
	name := fe.Namespace()
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	switch fe.Tag() {
	case "required":
		if name == "deepgram.api_key" {
			return name + " is required (or set " + APIKeyEnv + ")"
		}
		return name + " is required"
	case "oneof":
		return name + " must be one of: " + fe.Param()
	case "url":
		return name + " must be a URL"
	case "hostname_port":
		return name + " must be host:port"
	case "gte", "lte":
		return name + " is out of range"
	default:
		return name + " is invalid"
	}
}
