package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultStreetViewURL = "https://maps.googleapis.com/maps/api/streetview"

type HTTPConfig struct {
	Host string
	Port int
}

type StreetViewConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type DetectorConfig struct {
	URL     string
	Timeout time.Duration
}

type MediaConfig struct {
	Root        string
	URL         string
	DatasetRoot string
}

type R2Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	PublicBaseURL string
}

func (c R2Config) Configured() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

type Config struct {
	Environment string
	LogLevel    string
	HTTP        HTTPConfig
	StreetView  StreetViewConfig
	Detector    DetectorConfig
	Media       MediaConfig
	R2          R2Config
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()

	_ = v.ReadInConfig()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		StreetView: StreetViewConfig{
			BaseURL: v.GetString("STREETVIEW_URL"),
			APIKey:  strings.TrimSpace(v.GetString("STREETVIEW_API_KEY")),
			Timeout: v.GetDuration("STREETVIEW_TIMEOUT"),
		},
		Detector: DetectorConfig{
			URL:     strings.TrimRight(v.GetString("DETECTOR_URL"), "/"),
			Timeout: v.GetDuration("DETECTOR_TIMEOUT"),
		},
		Media: MediaConfig{
			Root:        v.GetString("MEDIA_ROOT"),
			URL:         v.GetString("MEDIA_URL"),
			DatasetRoot: v.GetString("DATASET_ROOT"),
		},
		R2: R2Config{
			Endpoint:      strings.TrimSpace(v.GetString("R2_ENDPOINT")),
			AccessKey:     strings.TrimSpace(v.GetString("R2_ACCESS_KEY_ID")),
			SecretKey:     strings.TrimSpace(v.GetString("R2_SECRET_ACCESS_KEY")),
			Bucket:        strings.TrimSpace(v.GetString("R2_BUCKET")),
			Region:        strings.TrimSpace(v.GetString("R2_REGION")),
			PublicBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("R2_PUBLIC_BASE_URL")), "/"),
		},
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StreetView.BaseURL == "" {
		cfg.StreetView.BaseURL = defaultStreetViewURL
	}
	if cfg.StreetView.Timeout <= 0 {
		cfg.StreetView.Timeout = 15 * time.Second
	}
	if cfg.Detector.URL == "" {
		cfg.Detector.URL = "http://localhost:5000"
	}
	if cfg.Detector.Timeout <= 0 {
		cfg.Detector.Timeout = 60 * time.Second
	}
	if cfg.Media.Root == "" {
		cfg.Media.Root = "./media"
	}
	if cfg.Media.URL == "" {
		cfg.Media.URL = "/media/"
	}
	if !strings.HasSuffix(cfg.Media.URL, "/") {
		cfg.Media.URL += "/"
	}
	if cfg.Media.DatasetRoot == "" {
		cfg.Media.DatasetRoot = "./dataset_collection"
	}
	if cfg.R2.Region == "" {
		cfg.R2.Region = "auto"
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.StreetView.APIKey == "" {
		return fmt.Errorf("STREETVIEW_API_KEY is required")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be 1-65535, got %d", cfg.HTTP.Port)
	}
	return nil
}
