package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/segbox/internal/worker"
)

// Config is the resolved runtime configuration. Load fills it from the
// environment; cobra flags in cmd/ may override fields before Validate.
type Config struct {
	Port           string        `validate:"required,numeric"`
	UploadDir      string        `validate:"required"`
	MaxFileSize    int64         `validate:"gt=0"`
	RequestTimeout time.Duration `validate:"gt=0"`
	RateLimit      float64       `validate:"gt=0"`
	RateBurst      int           `validate:"gt=0"`

	LogLevel string `validate:"oneof=trace debug info warn error"`
	LogFile  string

	// DatabaseURL enables the image catalog when set.
	DatabaseURL string

	Worker WorkerConfig
}

type WorkerConfig struct {
	Executable     string            `validate:"required"`
	Script         string
	Checkpoints    map[string]string `validate:"required,min=1,dive,keys,required,endkeys,required"`
	DefaultVariant string
	OutputDir      string        `validate:"required"`
	Device         string        `validate:"oneof=cpu gpu"`
	GPUSelector    string        `validate:"required"`
	Timeout        time.Duration `validate:"gt=0"`
	GracePeriod    time.Duration `validate:"gte=0"`
}

// ModelRegistry is the on-disk format of MODELS_FILE.
//
//	default: medsam
//	models:
//	  medsam: work_dir/MedSAM/medsam_vit_b.pth
//	  lite: work_dir/LiteMedSAM/lite_medsam.pth
type ModelRegistry struct {
	Default string            `yaml:"default"`
	Models  map[string]string `yaml:"models"`
}

// Load reads an optional .env file, then the environment, then the optional
// model registry file.
func Load() (*Config, error) {
	// A missing .env is fine; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Port:           getEnv("PORT", "3000"),
		UploadDir:      getEnv("UPLOAD_DIR", "uploads"),
		MaxFileSize:    getEnvInt64("MAX_FILE_SIZE", 5*1024*1024),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 5*time.Minute),
		RateLimit:      getEnvFloat("RATE_LIMIT", 5),
		RateBurst:      int(getEnvInt64("RATE_BURST", 10)),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        os.Getenv("LOG_FILE"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		Worker: WorkerConfig{
			Executable:     getEnv("WORKER_EXECUTABLE", "python3"),
			Script:         getEnv("WORKER_SCRIPT", "medsam_api.py"),
			Checkpoints:    map[string]string{"medsam": getEnv("CHECKPOINT", "work_dir/MedSAM/medsam_vit_b.pth")},
			DefaultVariant: os.Getenv("MODEL_VARIANT"),
			OutputDir:      getEnv("OUTPUT_DIR", "output"),
			Device:         getEnv("DEVICE", "cpu"),
			GPUSelector:    getEnv("GPU_SELECTOR", "cuda:0"),
			Timeout:        getEnvDuration("WORKER_TIMEOUT", 2*time.Minute),
			GracePeriod:    getEnvDuration("WORKER_GRACE", 5*time.Second),
		},
	}

	if path := os.Getenv("MODELS_FILE"); path != "" {
		if err := cfg.LoadModels(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadModels replaces the checkpoint table with the contents of a registry file.
func (c *Config) LoadModels(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read model registry: %w", err)
	}
	var reg ModelRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("failed to parse model registry %s: %w", path, err)
	}
	if len(reg.Models) == 0 {
		return fmt.Errorf("model registry %s lists no models", path)
	}
	c.Worker.Checkpoints = reg.Models
	if reg.Default != "" {
		c.Worker.DefaultVariant = reg.Default
	}
	return nil
}

// Validate checks the configuration after flags have been applied.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if v := c.Worker.DefaultVariant; v != "" {
		if _, ok := c.Worker.Checkpoints[v]; !ok {
			return fmt.Errorf("invalid configuration: default model %q has no checkpoint", v)
		}
	}
	return nil
}

// GatewayConfig converts the worker section into what the gateway takes.
func (c *Config) GatewayConfig() worker.Config {
	return worker.Config{
		Executable:     c.Worker.Executable,
		Script:         c.Worker.Script,
		Checkpoints:    c.Worker.Checkpoints,
		DefaultVariant: c.Worker.DefaultVariant,
		OutputDir:      c.Worker.OutputDir,
		Device:         c.Worker.Device,
		GPUSelector:    c.Worker.GPUSelector,
		Timeout:        c.Worker.Timeout,
		GracePeriod:    c.Worker.GracePeriod,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if n, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}
