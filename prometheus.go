package rtprx

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promMaxRequestsInFlight = 10
	promEnableOpenMetrics   = true
)

// Metrics exports the stream quality counters to Prometheus. One instance
// is shared by all streams of a receiver; series are split by SSRC.
type Metrics struct {
	packets     *prometheus.CounterVec
	recovered   *prometheus.CounterVec
	samplesLost *prometheus.CounterVec
	gaps        *prometheus.CounterVec
	noWallclock *prometheus.CounterVec
	parseErrors prometheus.Counter
}

// NewMetrics registers the counters with the given registerer. Pass nil for
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtprx_packets_total",
			Help: "Packets delivered downstream in sequence order",
		}, []string{"ssrc"}),
		recovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtprx_packets_recovered_total",
			Help: "Packets delivered after arriving out of order",
		}, []string{"ssrc"}),
		samplesLost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtprx_samples_lost_total",
			Help: "Samples lost, attributed from timestamp deltas",
		}, []string{"ssrc", "source"}),
		gaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtprx_gaps_total",
			Help: "Discontinuity events by classified source",
		}, []string{"ssrc", "source"}),
		noWallclock: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtprx_wallclock_indeterminate_total",
			Help: "Units emitted without a usable time reference",
		}, []string{"ssrc"}),
		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtprx_parse_errors_total",
			Help: "Datagrams rejected for malformed headers",
		}),
	}

	return m
}

// ObserveUnit accounts one delivered unit.
func (m *Metrics) ObserveUnit(u Unit) {
	ssrc := strconv.FormatUint(uint64(u.SSRC), 10)

	m.packets.WithLabelValues(ssrc).Inc()

	if u.Recovered {
		m.recovered.WithLabelValues(ssrc).Inc()
	}

	if !u.WallclockValid {
		m.noWallclock.WithLabelValues(ssrc).Inc()
	}
}

// ObserveGap accounts one discontinuity event.
func (m *Metrics) ObserveGap(e GapEvent) {
	ssrc := strconv.FormatUint(uint64(e.SSRC), 10)
	source := e.Source.String()

	m.gaps.WithLabelValues(ssrc, source).Inc()

	if e.SampleCountLost > 0 {
		m.samplesLost.WithLabelValues(ssrc, source).Add(float64(e.SampleCountLost))
	}
}

// ObserveParseError accounts one rejected datagram.
func (m *Metrics) ObserveParseError() {
	m.parseErrors.Inc()
}

// StartMetricsServer registers the Prometheus handler at the given path and
// serves it on the given address in a background goroutine.
func StartMetricsServer(listen, path string) error {
	if !validateListenAddress(listen) {
		return fmt.Errorf("invalid metrics listen address %q", listen)
	}

	if !validateMetricsPath(path) {
		return fmt.Errorf("invalid metrics path %q", path)
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   promEnableOpenMetrics,
			MaxRequestsInFlight: promMaxRequestsInFlight,
		},
	))

	Logger.Infof("prometheus metrics listening on %s%s", listen, path)

	go func() {
		if err := http.ListenAndServe(listen, mux); err != nil {
			Logger.WithError(err).Error("metrics server failed")
		}
	}()

	return nil
}

// validateListenAddress checks that the address can be listened on. Both
// IPv4 ("127.0.0.1:9000") and IPv6 ("[::1]:9000", ":9000") forms pass.
func validateListenAddress(addr string) bool {
	if addr == "" {
		return false
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	if port == "" {
		return false
	}

	// Empty host means all interfaces.
	if host == "" {
		return true
	}

	if ip := net.ParseIP(host); ip != nil {
		return true
	}

	// Might be a hostname; the actual listen will fail if it is not.
	return true
}

// validateMetricsPath checks that the path is a sane HTTP path.
func validateMetricsPath(path string) bool {
	if path == "" {
		return false
	}

	if !strings.HasPrefix(path, "/") {
		return false
	}

	if len(path) > 50 {
		return false
	}

	if strings.ContainsAny(path, " \t\r\n") {
		return false
	}

	return true
}
