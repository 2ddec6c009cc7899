package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorageDriverS3     = "s3"
	StorageDriverLocal  = "local"
	StorageDriverMemory = "memory"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	S3      S3Config
	Redis   RedisConfig
	App     AppConfig
}

type ServerConfig struct {
	Host string
	Port string
}

type StorageConfig struct {
	Driver    string
	LocalRoot string
}

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
	Region          string
}

// RedisConfig configures cache-state persistence. An empty Addr keeps the
// state in memory only.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type AppConfig struct {
	FormatsFile       string
	DefaultExtension  string
	SourcePrefix      string
	DerivedPrefix     string
	MaxUploadSize     int64
	AllowedExtensions []string
	PipelineTimeout   time.Duration
}

func Load() (*Config, error) {
	// Missing env files are fine.
	_ = godotenv.Load(".env", ".env.local")

	v := viper.New()

	v.SetDefault("SERVER_HOST", "localhost")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("STORAGE_DRIVER", StorageDriverLocal)
	v.SetDefault("STORAGE_LOCAL_ROOT", "./uploads")
	v.SetDefault("S3_ENDPOINT", "localhost:9000")
	v.SetDefault("S3_ACCESS_KEY_ID", "minioadmin")
	v.SetDefault("S3_SECRET_ACCESS_KEY", "minioadmin")
	v.SetDefault("S3_USE_SSL", false)
	v.SetDefault("S3_BUCKET_NAME", "images")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "fileupload:cachestate:")
	v.SetDefault("APP_FORMATS_FILE", "./formats.yaml")
	v.SetDefault("APP_DEFAULT_EXTENSION", "jpg")
	v.SetDefault("APP_SOURCE_PREFIX", "sources/")
	v.SetDefault("APP_DERIVED_PREFIX", "derived/")
	v.SetDefault("APP_MAX_UPLOAD_SIZE", 10*1024*1024) // 10MB
	v.SetDefault("APP_ALLOWED_EXTENSIONS", []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp"})
	v.SetDefault("APP_PIPELINE_TIMEOUT", 30*time.Second)

	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetString("SERVER_PORT"),
		},
		Storage: StorageConfig{
			Driver:    strings.ToLower(v.GetString("STORAGE_DRIVER")),
			LocalRoot: v.GetString("STORAGE_LOCAL_ROOT"),
		},
		S3: S3Config{
			Endpoint:        v.GetString("S3_ENDPOINT"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			UseSSL:          v.GetBool("S3_USE_SSL"),
			BucketName:      v.GetString("S3_BUCKET_NAME"),
			Region:          v.GetString("S3_REGION"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("REDIS_ADDR"),
			Password:  v.GetString("REDIS_PASSWORD"),
			DB:        v.GetInt("REDIS_DB"),
			KeyPrefix: v.GetString("REDIS_KEY_PREFIX"),
		},
		App: AppConfig{
			FormatsFile:       v.GetString("APP_FORMATS_FILE"),
			DefaultExtension:  strings.ToLower(strings.TrimPrefix(v.GetString("APP_DEFAULT_EXTENSION"), ".")),
			SourcePrefix:      v.GetString("APP_SOURCE_PREFIX"),
			DerivedPrefix:     v.GetString("APP_DERIVED_PREFIX"),
			MaxUploadSize:     v.GetInt64("APP_MAX_UPLOAD_SIZE"),
			AllowedExtensions: v.GetStringSlice("APP_ALLOWED_EXTENSIONS"),
			PipelineTimeout:   v.GetDuration("APP_PIPELINE_TIMEOUT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverS3:
		if c.S3.BucketName == "" {
			return fmt.Errorf("config: S3_BUCKET_NAME is required for the s3 driver")
		}
	case StorageDriverLocal:
		if c.Storage.LocalRoot == "" {
			return fmt.Errorf("config: STORAGE_LOCAL_ROOT is required for the local driver")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("config: unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}

	if c.App.SourcePrefix == c.App.DerivedPrefix {
		return fmt.Errorf("config: source and derived prefixes must differ")
	}
	if c.App.PipelineTimeout < 0 {
		return fmt.Errorf("config: APP_PIPELINE_TIMEOUT must not be negative")
	}

	return nil
}
