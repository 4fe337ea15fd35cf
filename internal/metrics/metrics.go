// Package metrics exports network driver state as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/netmgr/internal/netdriver"
)

// Source is the driver view the collector reads on every scrape.
type Source interface {
	Interfaces() []netdriver.InterfaceInfo
	StrayResponses() int
}

var ifaceLabels = []string{"interface", "owner"}

var (
	rxFramesDesc = prometheus.NewDesc(
		"netmgr_interface_rx_frames_total",
		"Frames injected into the interface",
		ifaceLabels, nil,
	)
	rxFilteredDesc = prometheus.NewDesc(
		"netmgr_interface_rx_filtered_total",
		"Frames rejected by the ingress filter",
		ifaceLabels, nil,
	)
	rxDroppedDesc = prometheus.NewDesc(
		"netmgr_interface_rx_dropped_total",
		"Frames accepted by the filter but not processed",
		ifaceLabels, nil,
	)
	txFramesDesc = prometheus.NewDesc(
		"netmgr_interface_tx_frames_total",
		"Frames queued for transmission",
		ifaceLabels, nil,
	)
	egressDroppedDesc = prometheus.NewDesc(
		"netmgr_interface_egress_dropped_total",
		"Frames discarded because the egress queue was full",
		ifaceLabels, nil,
	)
	failedFramesDesc = prometheus.NewDesc(
		"netmgr_interface_failed_frames_total",
		"Outbound frames the hardware answered with an error or never answered",
		ifaceLabels, nil,
	)
	inflightDesc = prometheus.NewDesc(
		"netmgr_interface_inflight_frames",
		"Outbound frames awaiting a hardware answer",
		ifaceLabels, nil,
	)
	interfacesDesc = prometheus.NewDesc(
		"netmgr_interfaces",
		"Registered interfaces",
		nil, nil,
	)
	strayDesc = prometheus.NewDesc(
		"netmgr_stray_responses_total",
		"Responses that matched no outstanding frame",
		nil, nil,
	)
)

// Collector implements prometheus.Collector over a driver.
type Collector struct {
	src Source
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		rxFramesDesc, rxFilteredDesc, rxDroppedDesc, txFramesDesc,
		egressDroppedDesc, failedFramesDesc, inflightDesc, interfacesDesc, strayDesc,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	infos := c.src.Interfaces()
	for _, info := range infos {
		labels := []string{strconv.FormatUint(uint64(info.ID), 10), strconv.FormatUint(uint64(info.Owner), 10)}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}
		counter(rxFramesDesc, info.Stats.RxFrames)
		counter(rxFilteredDesc, info.Stats.RxFiltered)
		counter(rxDroppedDesc, info.Stats.RxDropped)
		counter(txFramesDesc, info.Stats.TxFrames)
		counter(egressDroppedDesc, info.Stats.EgressDropped)
		counter(failedFramesDesc, info.FailedFrames)
		ch <- prometheus.MustNewConstMetric(inflightDesc, prometheus.GaugeValue, float64(info.InflightFrames), labels...)
	}
	ch <- prometheus.MustNewConstMetric(interfacesDesc, prometheus.GaugeValue, float64(len(infos)))
	ch <- prometheus.MustNewConstMetric(strayDesc, prometheus.CounterValue, float64(c.src.StrayResponses()))
}
