package loopback

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netmgr/internal/config"
	"firestige.xyz/netmgr/internal/log"
)

func run(t *testing.T, cfg *config.Config, opts Options) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return Run(ctx, cfg, opts, log.Discard())
}

func TestRunDemoPair(t *testing.T) {
	res, err := run(t, config.Default(), Options{Bytes: 100_000})
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:7"), res.Server)
	assert.Equal(t, 100_000, res.Sent)
	assert.Equal(t, 100_000, res.Received)
	require.Len(t, res.Interfaces, 2)
	for _, info := range res.Interfaces {
		assert.NotZero(t, info.Stats.TxFrames)
		assert.NotZero(t, info.Stats.RxFrames)
		assert.Zero(t, info.FailedFrames)
	}
}

func TestRunEmptyExchange(t *testing.T) {
	res, err := run(t, config.Default(), Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Received)
}

func TestRunWritesTrace(t *testing.T) {
	cfg := config.Default()
	cfg.Trace.Enabled = true
	cfg.Trace.Path = filepath.Join(t.TempDir(), "loopback.pcap")

	res, err := run(t, cfg, Options{Bytes: 5000, Chunk: 1000, Port: 9000})
	require.NoError(t, err)
	assert.NotZero(t, res.TracedFrames)

	st, err := os.Stat(cfg.Trace.Path)
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(5000))
}

func TestRunRejectsDisjointInterfaces(t *testing.T) {
	cfg := config.Default()
	cfg.Interfaces = []config.InterfaceConfig{
		{Name: "a", MAC: "02:00:00:00:00:0a", Addresses: []string{"10.0.0.1/24"}},
		{Name: "b", MAC: "02:00:00:00:00:0b", Addresses: []string{"10.1.0.1/24"}},
	}
	_, err := run(t, cfg, Options{Bytes: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share no subnet")
}

func TestRunExportsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := run(t, config.Default(), Options{Bytes: 2000, Registerer: reg})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]float64)
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
		byName[mf.GetName()] = sum
	}
	assert.Equal(t, float64(2), byName["netmgr_interfaces"])
	assert.NotZero(t, byName["netmgr_interface_tx_frames_total"])
	assert.Zero(t, byName["netmgr_interface_failed_frames_total"])
}
