package bootcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: tcp://broker.local:1883
  client_id_prefix: dali-
  topic: lights/lab
  connect_timeout: 5s
hardware:
  switches: 2
  buttons: 4
  dimmers: 2
  selector_positions: 4
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "tcp://broker.local:1883", cfg.MQTT.Broker)
	require.Equal(t, "lights/lab", cfg.MQTT.Topic)
	require.Equal(t, 5*time.Second, cfg.MQTT.ConnectTimeout.Duration)
	require.Equal(t, 2, cfg.Hardware.Switches)
	require.False(t, cfg.Remote())

	// Defaults fill in the file locations.
	require.Equal(t, "config.cbor", cfg.Files.Config)
	require.Equal(t, "config.cbor~", cfg.Files.Backup)
	require.Equal(t, "nvram.bin", cfg.Files.NVRAM)
}

func TestLoadRemote(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: tcp://broker.local:1883
  topic: lights/annex
  remote_topic: lights/lab/remote
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Remote())
}

func TestLoadRejectsMissingBroker(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  topic: lights/lab\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingTopic(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: tcp://b:1883\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: tcp://b:1883
  topic: t
  keep_alive: soon
`)
	_, err := Load(path)
	require.Error(t, err)
}
