package api

import (
	"strconv"

	"divera/internal/coordinator"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "divera"

// Collector exposes coordinator state as Prometheus metrics. Values are
// read at scrape time.
type Collector struct {
	coordinators []*coordinator.Coordinator

	up           *prometheus.Desc
	polls        *prometheus.Desc
	failures     *prometheus.Desc
	duration     *prometheus.Desc
	lastSuccess  *prometheus.Desc
	authFailed   *prometheus.Desc
	userStatusID *prometheus.Desc
}

// NewCollector creates a collector over coordinators.
func NewCollector(coordinators []*coordinator.Coordinator) *Collector {
	labels := []string{"ucr_id", "cluster"}
	return &Collector{
		coordinators: coordinators,
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "up"),
			"Whether the last poll of the membership succeeded.", labels, nil),
		polls: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "polls_total"),
			"Polls attempted.", labels, nil),
		failures: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "poll_failures_total"),
			"Polls that failed.", labels, nil),
		duration: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "poll_duration_seconds"),
			"Duration of the last poll.", labels, nil),
		lastSuccess: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "last_success_timestamp_seconds"),
			"Unix time of the last successful poll.", labels, nil),
		authFailed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "auth_failed"),
			"Whether the access key was rejected.", labels, nil),
		userStatusID: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "user_status_id"),
			"Current user status id.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.polls
	ch <- c.failures
	ch <- c.duration
	ch <- c.lastSuccess
	ch <- c.authFailed
	ch <- c.userStatusID
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, co := range c.coordinators {
		snap := co.Snapshot()
		cluster, _ := snap.ClusterNameFromUCR(co.UCRID())
		labels := []string{strconv.Itoa(co.UCRID()), cluster}
		stats := co.Stats()

		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, boolValue(co.Available()), labels...)
		ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(stats.Polls), labels...)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.Failures), labels...)
		ch <- prometheus.MustNewConstMetric(c.duration, prometheus.GaugeValue, stats.LastDuration.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(c.authFailed, prometheus.GaugeValue, boolValue(co.AuthFailed()), labels...)
		if !stats.LastSuccess.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, float64(stats.LastSuccess.Unix()), labels...)
		}
		if id, err := snap.UserStatusID(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.userStatusID, prometheus.GaugeValue, float64(id), labels...)
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
