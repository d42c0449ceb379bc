package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sitescan/notifier/internal/store"
	"go.uber.org/zap"
)

type jobStatsCollector struct {
	store           store.Store
	totalJobs       *prometheus.Desc
	totalOwners     *prometheus.Desc
	jobsByStatus    *prometheus.Desc
	jobsByAppStatus *prometheus.Desc
}

func newJobStatsCollector(s store.Store) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_jobs_%s", notifier, name)
	}

	return &jobStatsCollector{
		store: s,
		totalJobs: prometheus.NewDesc(
			fqName("total"),
			"Total number of stored jobs.",
			nil,
			prometheus.Labels{},
		),
		totalOwners: prometheus.NewDesc(
			fqName("owners_total"),
			"Total number of identities owning at least one job.",
			nil,
			prometheus.Labels{},
		),
		jobsByStatus: prometheus.NewDesc(
			fqName("by_status"),
			"Stored jobs by job status",
			[]string{"status"},
			prometheus.Labels{},
		),
		jobsByAppStatus: prometheus.NewDesc(
			fqName("by_app_status"),
			"Stored jobs by connection status",
			[]string{"app_status"},
			prometheus.Labels{},
		),
	}
}

// RegisterJobStatsCollector exposes the store content on the default registry.
func RegisterJobStatsCollector(s store.Store) error {
	return prometheus.Register(newJobStatsCollector(s))
}

func (c *jobStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalJobs
	ch <- c.totalOwners
	ch <- c.jobsByStatus
	ch <- c.jobsByAppStatus
}

// Collect implements Collector.
func (c *jobStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.store.Statistics(context.Background())
	if err != nil {
		zap.S().Named("job_collector").Errorf("failed to collect job statistics: %s", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.totalJobs, prometheus.GaugeValue, float64(stats.Total))
	ch <- prometheus.MustNewConstMetric(c.totalOwners, prometheus.GaugeValue, float64(stats.TotalOwners))

	for status, total := range stats.ByStatus {
		ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(total), status)
	}

	for status, total := range stats.ByAppStatus {
		ch <- prometheus.MustNewConstMetric(c.jobsByAppStatus, prometheus.GaugeValue, float64(total), status)
	}
}
