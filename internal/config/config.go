package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cdpnethar/internal/logger"
	"cdpnethar/pkg/domain"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	DevTools struct {
		URL string `yaml:"url"`
	} `yaml:"devtools"`

	Capture struct {
		AttachWorkers int `yaml:"attachWorkers"`
		BodyWorkers   int `yaml:"bodyWorkers"`
		MinIdleMS     int `yaml:"minIdleMS"`
		MaxIdleWaitMS int `yaml:"maxIdleWaitMS"`
	} `yaml:"capture"`

	Filter domain.FilterOptions `yaml:"filter"`

	Storage struct {
		Prefix string `yaml:"prefix"`
	} `yaml:"storage"`

	Log struct {
		Level      string   `yaml:"level"`
		Writer     []string `yaml:"writer"`
		File       string   `yaml:"file"`
		MaxSizeMB  int      `yaml:"maxSizeMB"`
		MaxBackups int      `yaml:"maxBackups"`
		MaxAgeDays int      `yaml:"maxAgeDays"`
	} `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.DevTools.URL = "http://127.0.0.1:9222"
	c.Capture.AttachWorkers = 4
	c.Capture.BodyWorkers = 8
	c.Capture.MaxIdleWaitMS = 5000
	c.Storage.Prefix = "cdpnethar_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File = "cdpnethar.log"
	c.Log.MaxSizeMB = 50
	c.Log.MaxBackups = 3
	c.Log.MaxAgeDays = 7
	return c
}

// Load 在默认配置之上读取 YAML 文件，path 为空时直接返回默认配置
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.DevTools.URL == "" {
		return errors.New("devtools.url is required")
	}
	if c.Capture.AttachWorkers < 1 {
		return fmt.Errorf("capture.attachWorkers must be >= 1, got %d", c.Capture.AttachWorkers)
	}
	if c.Capture.BodyWorkers < 1 {
		return fmt.Errorf("capture.bodyWorkers must be >= 1, got %d", c.Capture.BodyWorkers)
	}
	if c.Capture.MinIdleMS < 0 || c.Capture.MaxIdleWaitMS < 0 {
		return fmt.Errorf("capture idle wait must be >= 0, got minIdleMS=%d maxIdleWaitMS=%d", c.Capture.MinIdleMS, c.Capture.MaxIdleWaitMS)
	}
	return nil
}

// LoggerOptions 转换为日志配置
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Log.Level,
		Writer:     c.Log.Writer,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// CaptureConfig 转换为单次捕获配置
func (c *Config) CaptureConfig() domain.CaptureConfig {
	return domain.CaptureConfig{
		DevToolsURL:   c.DevTools.URL,
		AttachWorkers: c.Capture.AttachWorkers,
		BodyWorkers:   c.Capture.BodyWorkers,
		Filter:        c.Filter,
		MinIdle:       time.Duration(c.Capture.MinIdleMS) * time.Millisecond,
		MaxIdleWait:   time.Duration(c.Capture.MaxIdleWaitMS) * time.Millisecond,
	}
}
