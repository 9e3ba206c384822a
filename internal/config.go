package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type ModelConfig struct {
	ID          string  `yaml:"id"`
	Device      string  `yaml:"device"`
	Endpoint    string  `yaml:"endpoint"`
	WeightsURL  string  `yaml:"weights_url,omitempty"`
	WeightsSum  string  `yaml:"weights_sha256,omitempty"`
	Temperature float64 `yaml:"temperature"`
}

type DetectionSettings struct {
	Threshold        float32       `yaml:"threshold"`
	SustainedMs      int           `yaml:"sustained_ms"`
	CountdownSeconds int           `yaml:"countdown_seconds"`
	FrameInterval    time.Duration `yaml:"frame_interval"`
	CaptureQuality   float64       `yaml:"capture_quality"`
}

type LabelsConfig struct {
	File string `yaml:"file"`
}

type UploadConfig struct {
	URL         string `yaml:"url,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
}

type Config struct {
	Model     ModelConfig       `yaml:"model"`
	Detection DetectionSettings `yaml:"detection"`
	Labels    LabelsConfig      `yaml:"labels"`
	Steps     []StepSpec        `yaml:"steps,omitempty"`
	Upload    UploadConfig      `yaml:"upload,omitempty"`
	Log       LogConfig         `yaml:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			ID:          DefaultModelID,
			Device:      string(DeviceAuto),
			Endpoint:    "http://localhost:5000",
			Temperature: DefaultTemperature,
		},
		Detection: DetectionSettings{
			Threshold:        0.5,
			SustainedMs:      1000,
			CountdownSeconds: 3,
			FrameInterval:    DefaultFrameInterval,
			CaptureQuality:   DefaultCaptureQuality,
		},
		Labels: LabelsConfig{
			File: "labels.json",
		},
		Upload: UploadConfig{
			MaxAttempts: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) Params() DetectionParams {
	return DetectionParams{
		Threshold:        c.Detection.Threshold,
		SustainedMs:      c.Detection.SustainedMs,
		CountdownSeconds: c.Detection.CountdownSeconds,
	}
}

// LabelsPath resolves the label file relative to the scope directory.
func (c *Config) LabelsPath(scope Scope) string {
	if filepath.IsAbs(c.Labels.File) {
		return c.Labels.File
	}
	return filepath.Join(scope.SpotPath, c.Labels.File)
}

func (c *Config) Validate() error {
	if c.Model.ID == "" {
		return setupErr("config", fmt.Errorf("model.id is required"))
	}
	if _, err := ParseDevice(c.Model.Device); err != nil {
		return setupErr("config", err)
	}
	if c.Model.Temperature <= 0 {
		return setupErr("config", fmt.Errorf("model.temperature must be positive, got %v", c.Model.Temperature))
	}
	d := c.Detection
	if d.Threshold < 0 || d.Threshold > 1 {
		return setupErr("config", fmt.Errorf("detection.threshold %v outside [0,1]", d.Threshold))
	}
	if d.SustainedMs <= 0 {
		return setupErr("config", fmt.Errorf("detection.sustained_ms must be positive, got %d", d.SustainedMs))
	}
	if d.CountdownSeconds < 0 {
		return setupErr("config", fmt.Errorf("detection.countdown_seconds must not be negative, got %d", d.CountdownSeconds))
	}
	if d.FrameInterval <= 0 {
		return setupErr("config", fmt.Errorf("detection.frame_interval must be positive, got %s", d.FrameInterval))
	}
	for i, s := range c.Steps {
		if s.Target == "" {
			return setupErr("config", fmt.Errorf("steps[%d].target is required", i))
		}
		if s.Threshold != nil && (*s.Threshold < 0 || *s.Threshold > 1) {
			return setupErr("config", fmt.Errorf("steps[%d].threshold %v outside [0,1]", i, *s.Threshold))
		}
	}
	return nil
}

func LoadConfig(scope Scope) (*Config, error) {
	path := scope.ConfigPath()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

func SaveConfig(scope Scope, cfg *Config) error {
	path := scope.ConfigPath()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
