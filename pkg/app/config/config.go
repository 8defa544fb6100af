package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/womat/debug"
	"gopkg.in/yaml.v2"
)

// Config holds the application configuration.
// Config defines the struct of global config and the struct of the configuration file
type Config struct {
	Thermometer ThermometerConfig `yaml:"thermometer"`
	Flag        FlagConfig        `yaml:"-"`
	Debug       DebugConfig       `yaml:"debug"`
	Webserver   WebserverConfig   `yaml:"webserver"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// FlagConfig defines the configured flags (parameters)
type FlagConfig struct {
	ConfigFile string
	LogLevel   string
}

// ThermometerConfig defines the peripheral and the connection timing.
// The *Int fields hold the value in seconds as written in the config
// file; LoadConfig converts them into durations.
type ThermometerConfig struct {
	Address           string        `yaml:"address"`
	Characteristic    string        `yaml:"characteristic"`
	ConnectTimeoutInt int           `yaml:"connecttimeout"`
	ConnectTimeout    time.Duration `yaml:"-"`
	RetryIntervalInt  int           `yaml:"retryinterval"`
	RetryInterval     time.Duration `yaml:"-"`
	LivenessWindowInt int           `yaml:"livenesswindow"`
	LivenessWindow    time.Duration `yaml:"-"`
	PollIntervalInt   int           `yaml:"pollinterval"`
	PollInterval      time.Duration `yaml:"-"`
}

// WebserverConfig defines the struct of the webserver and webservice configuration and configuration file
type WebserverConfig struct {
	URL         string          `yaml:"url"`
	Webservices map[string]bool `yaml:"webservices"`
}

// MQTTConfig defines the struct of the mqtt client configuration and configuration file
type MQTTConfig struct {
	Connection string `yaml:"connection"`
	Topic      string `yaml:"topic"`
}

// DebugConfig defines the struct of the debug configuration and configuration file
type DebugConfig struct {
	File       io.WriteCloser `yaml:"-"`
	Flag       int            `yaml:"-"`
	FlagString string         `yaml:"flag"`
	FileString string         `yaml:"file"`
}

func NewConfig() *Config {
	return &Config{
		Thermometer: ThermometerConfig{
			ConnectTimeoutInt: 20,
			RetryIntervalInt:  60,
			LivenessWindowInt: 60,
			PollIntervalInt:   30,
		},
		Flag: FlagConfig{},
		Debug: DebugConfig{
			FileString: "stderr",
			FlagString: "standard",
		},
		Webserver: WebserverConfig{
			URL: "http://0.0.0.0:4000",
			Webservices: map[string]bool{
				"version": true,
				"health":  true,
				"reading": true,
			},
		},
		MQTT: MQTTConfig{
			Connection: "tcp://127.0.0.1:1883",
			Topic:      "home/thermometer",
		},
	}
}

func (c *Config) LoadConfig() error {
	if err := c.readConfigFile(); err != nil {
		return fmt.Errorf("error reading config file %q: %w", c.Flag.ConfigFile, err)
	}

	if c.Flag.LogLevel != "" {
		c.Debug.FlagString = c.Flag.LogLevel
	}
	if err := c.setDebugConfig(); err != nil {
		return fmt.Errorf("unable to open debug file %q: %w", c.Debug.FileString, err)
	}

	if c.Thermometer.Address == "" {
		return fmt.Errorf("no thermometer address configured")
	}

	c.Thermometer.ConnectTimeout = time.Duration(c.Thermometer.ConnectTimeoutInt) * time.Second
	c.Thermometer.RetryInterval = time.Duration(c.Thermometer.RetryIntervalInt) * time.Second
	c.Thermometer.LivenessWindow = time.Duration(c.Thermometer.LivenessWindowInt) * time.Second
	c.Thermometer.PollInterval = time.Duration(c.Thermometer.PollIntervalInt) * time.Second

	return nil
}

func (c *Config) readConfigFile() error {
	file, err := os.Open(c.Flag.ConfigFile)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	decoder := yaml.NewDecoder(file)
	if err = decoder.Decode(c); err != nil {
		return err
	}

	return nil
}

func (c *Config) setDebugConfig() (err error) {
	// defines Debug section of global.Config
	switch c.Debug.FlagString {
	case "trace", "full":
		c.Debug.Flag = debug.Full
	case "debug":
		c.Debug.Flag = debug.Warning | debug.Info | debug.Error | debug.Fatal | debug.Debug
	case "standard":
		c.Debug.Flag = debug.Standard
	}

	switch c.Debug.FileString {
	case "stderr":
		c.Debug.File = os.Stderr
	case "stdout":
		c.Debug.File = os.Stdout
	default:
		if c.Debug.File, err = os.OpenFile(c.Debug.FileString, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666); err != nil {
			return
		}
	}

	return
}
