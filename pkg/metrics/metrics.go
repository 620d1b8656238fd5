// Package metrics exposes per-stream and gateway-wide gauges as a
// prometheus.Collector, sampled from the stream manager on each scrape
// rather than pushed from the hot path.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/satpi/satpi-go/pkg/dvbapi"
	"github.com/satpi/satpi-go/pkg/session"
)

// Collector walks the stream manager on Collect; it holds no per-stream
// state of its own, so streams starting and stopping need no
// registration dance.
type Collector struct {
	manager *session.Manager
	dvbapi  *dvbapi.Client // nil when decryption is disabled

	streamActive    *prometheus.Desc
	frontendState   *prometheus.Desc
	packetsSent     *prometheus.Desc
	octetsSent      *prometheus.Desc
	tsPackets       *prometheus.Desc
	ccErrors        *prometheus.Desc
	signalLock      *prometheus.Desc
	signalSNR       *prometheus.Desc
	signalBER       *prometheus.Desc
	dvbapiConnected *prometheus.Desc
}

// NewCollector builds a Collector over the manager; cw may be nil.
func NewCollector(manager *session.Manager, cw *dvbapi.Client) *Collector {
	streamLabels := []string{"stream"}
	return &Collector{
		manager: manager,
		dvbapi:  cw,
		streamActive: prometheus.NewDesc("satpi_stream_active",
			"1 when a client session owns this stream", streamLabels, nil),
		frontendState: prometheus.NewDesc("satpi_frontend_state",
			"Frontend lifecycle state (0=closed 1=open 2=tuned 3=streaming 4=retuning)", streamLabels, nil),
		packetsSent: prometheus.NewDesc("satpi_rtp_packets_sent_total",
			"RTP packets sent on this stream", streamLabels, nil),
		octetsSent: prometheus.NewDesc("satpi_rtp_octets_sent_total",
			"RTP payload octets sent on this stream", streamLabels, nil),
		tsPackets: prometheus.NewDesc("satpi_ts_packets_total",
			"Transport-stream packets read on this stream", streamLabels, nil),
		ccErrors: prometheus.NewDesc("satpi_ts_continuity_errors_total",
			"Continuity-counter errors observed on this stream", streamLabels, nil),
		signalLock: prometheus.NewDesc("satpi_frontend_has_lock",
			"1 when the frontend last reported FE_HAS_LOCK", streamLabels, nil),
		signalSNR: prometheus.NewDesc("satpi_frontend_snr",
			"Frontend signal-to-noise reading, driver units", streamLabels, nil),
		signalBER: prometheus.NewDesc("satpi_frontend_bit_error_rate",
			"Frontend bit error rate reading, driver units", streamLabels, nil),
		dvbapiConnected: prometheus.NewDesc("satpi_dvbapi_connected",
			"1 when the control-word provider connection is up", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streamActive
	ch <- c.frontendState
	ch <- c.packetsSent
	ch <- c.octetsSent
	ch <- c.tsPackets
	ch <- c.ccErrors
	ch <- c.signalLock
	ch <- c.signalSNR
	ch <- c.signalBER
	ch <- c.dvbapiConnected
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.manager.Streams() {
		label := strconv.Itoa(st.ID)

		active := 0.0
		if st.Active() {
			active = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.streamActive, prometheus.GaugeValue, active, label)
		ch <- prometheus.MustNewConstMetric(c.frontendState, prometheus.GaugeValue,
			float64(st.Frontend.State()), label)

		packets, octets := st.Counters()
		ch <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(packets), label)
		ch <- prometheus.MustNewConstMetric(c.octetsSent, prometheus.CounterValue, float64(octets), label)

		tsCount, ccErrs := st.Frontend.Pids().Totals()
		ch <- prometheus.MustNewConstMetric(c.tsPackets, prometheus.CounterValue, float64(tsCount), label)
		ch <- prometheus.MustNewConstMetric(c.ccErrors, prometheus.CounterValue, float64(ccErrs), label)

		signal := st.Frontend.LastSignal()
		lock := 0.0
		if signal.HasLock {
			lock = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.signalLock, prometheus.GaugeValue, lock, label)
		ch <- prometheus.MustNewConstMetric(c.signalSNR, prometheus.GaugeValue, float64(signal.SNR), label)
		ch <- prometheus.MustNewConstMetric(c.signalBER, prometheus.GaugeValue, float64(signal.BitErrRate), label)
	}

	if c.dvbapi != nil {
		connected := 0.0
		if c.dvbapi.Connected() {
			connected = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.dvbapiConnected, prometheus.GaugeValue, connected)
	}
}
