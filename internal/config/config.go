// Package config loads the explicit run configuration. Decoding is strict:
// an unknown key is a typo, not an extension point.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/subpipe/internal/export"
	"github.com/John-Robertt/subpipe/internal/fetch"
	"github.com/John-Robertt/subpipe/internal/middleware"
	"github.com/John-Robertt/subpipe/internal/pipeline"
	"github.com/John-Robertt/subpipe/internal/selector"
)

type Config struct {
	Sources []pipeline.Source  `yaml:"sources"`
	Target  string             `yaml:"target"`
	Stages  []middleware.Stage `yaml:"middleware,omitempty"`
	Rules   []selector.Rule    `yaml:"rules,omitempty"`

	Fetch       Fetch     `yaml:"fetch,omitempty"`
	Normalize   Normalize `yaml:"normalize,omitempty"`
	Concurrency int       `yaml:"concurrency,omitempty"`

	// CacheDir enables the persistent fetch cache. Empty keeps the cache in
	// memory for the duration of the run.
	CacheDir string `yaml:"cache_dir,omitempty"`
}

type Fetch struct {
	// Timeout is a Go duration string, e.g. "15s".
	Timeout     string `yaml:"timeout,omitempty"`
	MaxBytes    int64  `yaml:"max_bytes,omitempty"`
	MaxAttempts uint   `yaml:"max_attempts,omitempty"`
	UserAgent   string `yaml:"user_agent,omitempty"`
}

type Normalize struct {
	// ErrorRatio in (0, 1]; see the normalizer's escalation rule.
	ErrorRatio float64 `yaml:"error_ratio,omitempty"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document with strict field checking.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("配置缺少 sources")
	}
	for i, s := range c.Sources {
		if s.URL == "" {
			return fmt.Errorf("sources 第 %d 项缺少 url", i+1)
		}
	}
	if _, ok := export.ParseTarget(c.Target); !ok {
		return fmt.Errorf("未知的 target：%q", c.Target)
	}
	if c.Fetch.Timeout != "" {
		if _, err := time.ParseDuration(c.Fetch.Timeout); err != nil {
			return fmt.Errorf("fetch.timeout 不是合法的时长: %w", err)
		}
	}
	if r := c.Normalize.ErrorRatio; r < 0 || r > 1 {
		return fmt.Errorf("normalize.error_ratio 必须在 (0, 1] 内（0 表示默认），得到 %v", r)
	}
	return nil
}

// Pipeline maps the file-level configuration onto the orchestrator's input.
func (c *Config) Pipeline() pipeline.Config {
	target, _ := export.ParseTarget(c.Target)
	return pipeline.Config{
		Sources:     c.Sources,
		Stages:      c.Stages,
		Rules:       c.Rules,
		Target:      target,
		Concurrency: c.Concurrency,
		ErrorRatio:  c.Normalize.ErrorRatio,
	}
}

// FetchOptions maps the fetch section onto fetcher options; zero values keep
// the fetcher defaults.
func (c *Config) FetchOptions() fetch.Options {
	opt := fetch.Options{
		MaxBytes:    c.Fetch.MaxBytes,
		MaxAttempts: c.Fetch.MaxAttempts,
		UserAgent:   c.Fetch.UserAgent,
	}
	if c.Fetch.Timeout != "" {
		// Validated in Parse.
		opt.Timeout, _ = time.ParseDuration(c.Fetch.Timeout)
	}
	return opt
}
