package main

import (
	"os"
	"sync"
	"time"

	"github.com/puyokura/cmppaccount/flow"
	"github.com/puyokura/cmppaccount/model"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Host                string        `yaml:"host"`
	Component           string        `yaml:"component"`
	SettleDelay         time.Duration `yaml:"settle_delay"`    // wait before asking for registration status
	RequestTimeout      time.Duration `yaml:"request_timeout"` // negative disables timeouts
	NotificationSeconds int           `yaml:"notification_seconds"`
	LandingState        string        `yaml:"landing_state"`
	LogFile             string        `yaml:"log_file"`
	mu                  sync.RWMutex
	configFile          string
}

func NewConfig(filename string) *Config {
	if filename == "" {
		filename = "client.yaml"
	}
	return &Config{
		configFile: filename,
		// Defaults
		Host:                "localhost",
		Component:           model.Component,
		SettleDelay:         2 * time.Second,
		RequestTimeout:      30 * time.Second,
		NotificationSeconds: int(flow.NoticeDuration / time.Second),
		LandingState:        flow.DefaultLandingState,
		LogFile:             "logs/client.log",
	}
}

func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.configFile); os.IsNotExist(err) {
		return c.saveInternal()
	}

	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}

	return c.saveInternal()
}

func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveInternal()
}

func (c *Config) saveInternal() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

// SetHost remembers the last host connected to.
func (c *Config) SetHost(host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Host == host {
		return nil
	}
	c.Host = host
	return c.saveInternal()
}

func (c *Config) host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Host
}

func (c *Config) noticeDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.NotificationSeconds <= 0 {
		return flow.NoticeDuration
	}
	return time.Duration(c.NotificationSeconds) * time.Second
}
