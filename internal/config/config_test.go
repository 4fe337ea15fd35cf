package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netmgr.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `
netmgr:
  log:
    level: debug
  egress:
    max_frames: 64
    policy: reject-new
  interfaces:
    - name: eth0
      mac: "02:00:00:00:00:01"
      addresses: ["10.0.0.1/24", "fe80::1/64"]
    - name: eth1
      mac: "02:00:00:00:00:02"
      addresses: ["10.0.0.2/24"]
  trace:
    enabled: true
    path: /tmp/cable.pcap
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Log.Appenders, 1)
	assert.Equal(t, "console", cfg.Log.Appenders[0].Type)

	assert.Equal(t, engine.DefaultMTU, cfg.Link.MTU)
	assert.Equal(t, engine.EgressConfig{MaxFrames: 64, Policy: engine.RejectNew}, cfg.Egress.ToEngine())
	assert.True(t, cfg.Trace.Enabled)
	assert.Equal(t, "/tmp/cable.pcap", cfg.Trace.Path)
	assert.Equal(t, 64, cfg.Driver.MaxInflightFrames)

	require.Len(t, cfg.Interfaces, 2)
	mac, err := cfg.Interfaces[0].HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, "02:00:00:00:00:01", mac.String())
	a, err := cfg.Interfaces[0].ToAddressConfig()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.1/24"),
		netip.MustParsePrefix("fe80::1/64"),
	}, a.Prefixes)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NETMGR_LOG_LEVEL", "warn")
	t.Setenv("NETMGR_DRIVER_MAX_INFLIGHT_FRAMES", "8")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Driver.MaxInflightFrames)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		target  error
	}{
		{
			name:    "log level",
			content: "netmgr:\n  log:\n    level: loud\n",
			target:  core.ErrConfigInvalid,
		},
		{
			name:    "egress policy",
			content: "netmgr:\n  egress:\n    policy: drop-random\n",
			target:  core.ErrConfigInvalid,
		},
		{
			name:    "small mtu",
			content: "netmgr:\n  link:\n    mtu: 100\n",
			target:  core.ErrConfigInvalid,
		},
		{
			name:    "unnamed interface",
			content: "netmgr:\n  interfaces:\n    - mac: \"02:00:00:00:00:01\"\n",
			target:  core.ErrConfigInvalid,
		},
		{
			name: "duplicate name",
			content: "netmgr:\n  interfaces:\n" +
				"    - {name: eth0, mac: \"02:00:00:00:00:01\"}\n" +
				"    - {name: eth0, mac: \"02:00:00:00:00:02\"}\n",
			target: core.ErrConfigInvalid,
		},
		{
			name:    "multicast mac",
			content: "netmgr:\n  interfaces:\n    - {name: eth0, mac: \"01:00:5e:00:00:01\"}\n",
			target:  core.ErrInvalidHardwareAddr,
		},
		{
			name:    "bad address",
			content: "netmgr:\n  interfaces:\n    - {name: eth0, mac: \"02:00:00:00:00:01\", addresses: [\"10.0.0.1\"]}\n",
			target:  core.ErrInvalidAddress,
		},
		{
			name:    "trace without path",
			content: "netmgr:\n  trace:\n    enabled: true\n    path: \"\"\n",
			target:  core.ErrConfigInvalid,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.target), "got %v", err)
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, engine.DefaultMTU, cfg.Link.MTU)
	assert.Equal(t, string(engine.DropOldest), cfg.Egress.Policy)
	assert.False(t, cfg.Trace.Enabled)
	assert.Empty(t, cfg.Interfaces)
	assert.NoError(t, cfg.ValidateAndApplyDefaults())
}

func TestDumpLoads(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	out, err := Dump(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "netmgr:")

	again, err := Load(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg.Interfaces, again.Interfaces)
	assert.Equal(t, cfg.Egress, again.Egress)
	assert.Equal(t, cfg.Driver, again.Driver)
}
