package swd

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Config is the persisted probe configuration.
type Config struct {
	Settings   Settings
	BinaryPort int
	BinaryOn   bool
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Settings:   DefaultSettings(),
		BinaryPort: BinaryPort,
		BinaryOn:   true,
	}
}

// LoadConfig reads an ini configuration file. A missing file yields the
// defaults, a malformed one is an error.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("could not load config %v : %w", path, err)
	}

	target := file.Section("target")
	if key, err := target.GetKey("speed_khz"); err == nil {
		khz, err := key.Uint()
		if err != nil {
			return nil, fmt.Errorf("invalid speed_khz : %w", err)
		}
		config.Settings.Speed = SpeedFromKHz(uint32(khz))
	}
	config.Settings.AutoConnect = target.Key("auto_connect").MustBool(config.Settings.AutoConnect)
	config.Settings.Keepalive = target.Key("keepalive").MustBool(config.Settings.Keepalive)
	config.Settings.Refresh = target.Key("refresh").MustBool(config.Settings.Refresh)

	binary := file.Section("binary")
	config.BinaryOn = binary.Key("enabled").MustBool(config.BinaryOn)
	config.BinaryPort = binary.Key("port").MustInt(config.BinaryPort)

	return config, nil
}

// Save writes the configuration back as ini.
func (c *Config) Save(path string) error {
	file := ini.Empty()

	target := file.Section("target")
	target.Key("speed_khz").SetValue(fmt.Sprintf("%d", c.Settings.Speed.KHz()))
	target.Key("auto_connect").SetValue(fmt.Sprintf("%v", c.Settings.AutoConnect))
	target.Key("keepalive").SetValue(fmt.Sprintf("%v", c.Settings.Keepalive))
	target.Key("refresh").SetValue(fmt.Sprintf("%v", c.Settings.Refresh))

	binary := file.Section("binary")
	binary.Key("enabled").SetValue(fmt.Sprintf("%v", c.BinaryOn))
	binary.Key("port").SetValue(fmt.Sprintf("%d", c.BinaryPort))

	return file.SaveTo(path)
}
