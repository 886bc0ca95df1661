package main

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Host              string        `yaml:"host"`
	Port              string        `yaml:"port"`
	AllowRegistration bool          `yaml:"allow_registration"`
	NoVerify          bool          `yaml:"no_verify"` // create accounts directly instead of inviting
	CaptchaDelay      time.Duration `yaml:"captcha_delay"`
	MinPasswordLength int           `yaml:"min_password_length"`
	AttemptsPerMinute int           `yaml:"attempts_per_minute"`
	UsersFile         string        `yaml:"users_file"`
	EnrollmentsFile   string        `yaml:"enrollments_file"`
	LogFile           string        `yaml:"log_file"`
	mu                sync.RWMutex
	configFile        string
}

func NewConfig(filename string) *Config {
	if filename == "" {
		filename = "server.yaml"
	}
	return &Config{
		configFile: filename,
		// Defaults
		Host:              "localhost",
		Port:              "8999",
		AllowRegistration: true,
		NoVerify:          true,
		CaptchaDelay:      3 * time.Second,
		MinPasswordLength: 5,
		AttemptsPerMinute: 10,
		UsersFile:         "users.json",
		EnrollmentsFile:   "enrollments.json",
		LogFile:           "logs/server.log",
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

	// Write back so new fields show up with their defaults
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

func (c *Config) RegistrationOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AllowRegistration
}

func (c *Config) SetRegistration(open bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AllowRegistration = open
	return c.saveInternal()
}

func (c *Config) Verify() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.NoVerify
}

func (c *Config) captchaDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CaptchaDelay
}

func (c *Config) minPasswordLength() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MinPasswordLength
}

func (c *Config) attemptsPerMinute() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AttemptsPerMinute
}
