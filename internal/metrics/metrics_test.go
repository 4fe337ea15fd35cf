package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netmgr/internal/engine"
	"firestige.xyz/netmgr/internal/log"
	"firestige.xyz/netmgr/internal/netdriver"
)

type fakeSource struct {
	infos []netdriver.InterfaceInfo
	stray int
}

func (f fakeSource) Interfaces() []netdriver.InterfaceInfo { return f.infos }
func (f fakeSource) StrayResponses() int                   { return f.stray }

var twoInterfaces = fakeSource{
	infos: []netdriver.InterfaceInfo{
		{ID: 1, Owner: 2, InflightFrames: 3, FailedFrames: 1, Stats: engine.Stats{RxFrames: 10, TxFrames: 12}},
		{ID: 2, Owner: 2, Stats: engine.Stats{RxFrames: 12, RxFiltered: 2, TxFrames: 10, EgressDropped: 4}},
	},
	stray: 5,
}

func TestCollector(t *testing.T) {
	c := NewCollector(twoInterfaces)

	// 7 series per interface plus two globals
	assert.Equal(t, 16, testutil.CollectAndCount(c))

	expected := `
# HELP netmgr_interface_rx_frames_total Frames injected into the interface
# TYPE netmgr_interface_rx_frames_total counter
netmgr_interface_rx_frames_total{interface="1",owner="2"} 10
netmgr_interface_rx_frames_total{interface="2",owner="2"} 12
# HELP netmgr_interface_inflight_frames Outbound frames awaiting a hardware answer
# TYPE netmgr_interface_inflight_frames gauge
netmgr_interface_inflight_frames{interface="1",owner="2"} 3
netmgr_interface_inflight_frames{interface="2",owner="2"} 0
# HELP netmgr_stray_responses_total Responses that matched no outstanding frame
# TYPE netmgr_stray_responses_total counter
netmgr_stray_responses_total 5
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"netmgr_interface_rx_frames_total",
		"netmgr_interface_inflight_frames",
		"netmgr_stray_responses_total",
	))
}

func TestCollectorEmpty(t *testing.T) {
	assert.Equal(t, 2, testutil.CollectAndCount(NewCollector(fakeSource{})))
}

func TestServerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(twoInterfaces)))

	s := NewServer("127.0.0.1:0", "", reg, log.Discard())
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `netmgr_interface_egress_dropped_total{interface="2",owner="2"} 4`)
	assert.Contains(t, string(body), "netmgr_interfaces 2")
}

func TestStopBeforeStart(t *testing.T) {
	s := NewServer(":0", "/m", prometheus.NewRegistry(), log.Discard())
	assert.Nil(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))
}
