// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
)

// Config holds all application configuration values.
type Config struct {
	// I2C / device
	I2CBus          string // periph i2creg name, "" = first available
	I2CAddr         uint16
	I2CSpeedKHz     int
	UseSimBus       bool
	ExpectedWhoAmI  byte // 0 disables the identity check
	LaxInit         bool // log wake/configure write errors instead of failing
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	AccelRange       int
	ComputeMagnitude bool

	// Producer
	SamplePeriodMS int
	ReadTimeoutMS  int
	QueueCapacity  int
	TelemetryEvery int

	// Logging
	LogLevel string

	// MQTT
	MQTTBroker           string // empty disables MQTT
	MQTTClientIDProducer string
	MQTTClientIDConsole  string

	// Topics
	TopicAccel      string
	TopicAccelScale string

	// Web Server
	WebServerPort int // 0 disables

	// Display
	DisplayEnabled        bool
	DisplayUpdateInterval int // milliseconds

	// Serial forwarder
	SerialForwardPort string // empty disables
	SerialForwardBaud int

	// Register debug tool
	RegisterDebugPort          int
	RegisterDebugAllowedRanges string // "0x1C,0x6B" or "0x19-0x1D,0x6B"
}

// Package-level singleton, set once by InitGlobal and read through Get.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		I2CAddr:        0x68,
		I2CSpeedKHz:    400,
		ExpectedWhoAmI: 0x70,

		SamplePeriodMS: 10,
		ReadTimeoutMS:  100,
		QueueCapacity:  10,
		TelemetryEvery: 100,

		LogLevel: "info",

		MQTTClientIDProducer: "accel-producer",
		MQTTClientIDConsole:  "accel-console",
		TopicAccel:           "inertial/accel",
		TopicAccelScale:      "inertial/accel/scale",

		WebServerPort: 8080,

		DisplayUpdateInterval: 200,

		SerialForwardBaud: 115200,

		RegisterDebugPort:          8081,
		RegisterDebugAllowedRanges: "0x1C,0x6B",
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads KEY=VALUE lines on top of Default(). Blank lines and lines
// starting with '#' are skipped.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// I2C / device
	case "I2C_BUS":
		c.I2CBus = value
	case "I2C_ADDR":
		var v int
		v, err = toUintInRange(value, 0xFFFF)
		c.I2CAddr = uint16(v)
	case "I2C_SPEED_KHZ":
		c.I2CSpeedKHz, err = cast.ToIntE(value)
	case "USE_SIM_BUS":
		c.UseSimBus, err = cast.ToBoolE(value)
	case "EXPECTED_WHO_AM_I":
		var v int
		v, err = toUintInRange(value, 0xFF)
		c.ExpectedWhoAmI = byte(v)
	case "LAX_INIT":
		c.LaxInit, err = cast.ToBoolE(value)
	case "ACCEL_RANGE":
		c.AccelRange, err = cast.ToIntE(value)
	case "COMPUTE_MAGNITUDE":
		c.ComputeMagnitude, err = cast.ToBoolE(value)

	// Producer
	case "SAMPLE_PERIOD_MS":
		c.SamplePeriodMS, err = cast.ToIntE(value)
	case "READ_TIMEOUT_MS":
		c.ReadTimeoutMS, err = cast.ToIntE(value)
	case "QUEUE_CAPACITY":
		c.QueueCapacity, err = cast.ToIntE(value)
	case "TELEMETRY_EVERY":
		c.TelemetryEvery, err = cast.ToIntE(value)

	case "LOG_LEVEL":
		c.LogLevel = strings.ToLower(value)

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value

	// Topics
	case "TOPIC_ACCEL":
		c.TopicAccel = value
	case "TOPIC_ACCEL_SCALE":
		c.TopicAccelScale = value

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = cast.ToIntE(value)

	// Display
	case "DISPLAY_ENABLED":
		c.DisplayEnabled, err = cast.ToBoolE(value)
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = cast.ToIntE(value)

	// Serial forwarder
	case "SERIAL_FORWARD_PORT":
		c.SerialForwardPort = value
	case "SERIAL_FORWARD_BAUD":
		c.SerialForwardBaud, err = cast.ToIntE(value)

	// Register debug
	case "REGISTER_DEBUG_PORT":
		c.RegisterDebugPort, err = cast.ToIntE(value)
	case "REGISTER_DEBUG_ALLOWED_RANGES":
		c.RegisterDebugAllowedRanges = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return nil
}

// validate checks value ranges.
func (c *Config) validate() error {
	if c.I2CAddr == 0 || c.I2CAddr > 0x7F {
		return fmt.Errorf("I2C_ADDR must be a 7-bit address, got 0x%X", c.I2CAddr)
	}
	if c.I2CSpeedKHz <= 0 {
		return fmt.Errorf("I2C_SPEED_KHZ must be positive, got %d", c.I2CSpeedKHz)
	}
	if c.AccelRange < 0 || c.AccelRange > 3 {
		return fmt.Errorf("ACCEL_RANGE must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", c.AccelRange)
	}
	if c.SamplePeriodMS <= 0 {
		return fmt.Errorf("SAMPLE_PERIOD_MS must be positive, got %d", c.SamplePeriodMS)
	}
	if c.ReadTimeoutMS <= 0 {
		return fmt.Errorf("READ_TIMEOUT_MS must be positive, got %d", c.ReadTimeoutMS)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.TelemetryEvery < 0 {
		return fmt.Errorf("TELEMETRY_EVERY must not be negative, got %d", c.TelemetryEvery)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.MQTTBroker != "" && c.TopicAccel == "" {
		return fmt.Errorf("TOPIC_ACCEL is required when MQTT_BROKER is set")
	}
	if c.WebServerPort < 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT out of range: %d", c.WebServerPort)
	}
	if c.DisplayEnabled && c.DisplayUpdateInterval <= 0 {
		return fmt.Errorf("DISPLAY_UPDATE_INTERVAL must be positive, got %d", c.DisplayUpdateInterval)
	}
	if c.SerialForwardPort != "" && c.SerialForwardBaud <= 0 {
		return fmt.Errorf("SERIAL_FORWARD_BAUD is required when SERIAL_FORWARD_PORT is set")
	}
	return nil
}

func (c *Config) SamplePeriod() time.Duration {
	return time.Duration(c.SamplePeriodMS) * time.Millisecond
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}

// InitGlobal initializes the global configuration from file.
// Only the first call has an effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// toUintInRange parses a decimal or 0x-prefixed value and checks it fits in
// 0..hi before the caller narrows it.
func toUintInRange(value string, hi int) (int, error) {
	v, err := cast.ToIntE(value)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > hi {
		return 0, fmt.Errorf("out of range 0-0x%X", hi)
	}
	return v, nil
}
