package swd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Nil(t, err)
	assert.Equal(t, SpeedTurbo, config.Settings.Speed)
	assert.True(t, config.Settings.AutoConnect)
	assert.Equal(t, BinaryPort, config.BinaryPort)
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goswd.ini")

	config := DefaultConfig()
	config.Settings.Speed = SpeedMedium
	config.Settings.AutoConnect = false
	config.BinaryPort = 9000
	assert.Nil(t, config.Save(path))

	loaded, err := LoadConfig(path)
	assert.Nil(t, err)
	assert.Equal(t, SpeedMedium, loaded.Settings.Speed)
	assert.False(t, loaded.Settings.AutoConnect)
	assert.True(t, loaded.Settings.Keepalive)
	assert.Equal(t, 9000, loaded.BinaryPort)
}

func TestConfigParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goswd.ini")
	content := `[target]
speed_khz = 500
keepalive = false

[binary]
enabled = false
port = 5000
`
	assert.Nil(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	assert.Nil(t, err)
	assert.Equal(t, SpeedSlow, config.Settings.Speed)
	assert.False(t, config.Settings.Keepalive)
	assert.True(t, config.Settings.AutoConnect)
	assert.False(t, config.BinaryOn)
	assert.Equal(t, 5000, config.BinaryPort)
}
