package delivery

import "github.com/prometheus/client_golang/prometheus"

// Collector exports optimizer metrics to Prometheus on scrape.
type Collector struct {
	opt *Optimizer

	messages    *prometheus.Desc
	batches     *prometheus.Desc
	cache       *prometheus.Desc
	avgResponse *prometheus.Desc
	connections *prometheus.Desc
	cacheSize   *prometheus.Desc
	openBatches *prometheus.Desc
}

// NewCollector describes the optimizer's metrics under namespace.
func NewCollector(namespace string, opt *Optimizer) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "delivery", name), help, labels, nil)
	}
	return &Collector{
		opt:         opt,
		messages:    desc("messages_total", "Outbound messages accepted, by dispatch mode", "mode"),
		batches:     desc("batches_flushed_total", "Batches flushed to clients"),
		cache:       desc("cache_lookups_total", "Response cache lookups, by result", "result"),
		avgResponse: desc("response_time_avg_ms", "Rolling average response time in milliseconds"),
		connections: desc("connections_active", "Pooled connection records"),
		cacheSize:   desc("cache_entries", "Response cache entries"),
		openBatches: desc("batches_pending", "Batches waiting to flush"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.batches
	ch <- c.cache
	ch <- c.avgResponse
	ch <- c.connections
	ch <- c.cacheSize
	ch <- c.openBatches
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.opt.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(s.ImmediateDispatches), "immediate")
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(s.MessagesProcessed-s.ImmediateDispatches), "batched")
	ch <- prometheus.MustNewConstMetric(c.batches, prometheus.CounterValue, float64(s.BatchesFlushed))
	ch <- prometheus.MustNewConstMetric(c.cache, prometheus.CounterValue, float64(s.CacheHits), "hit")
	ch <- prometheus.MustNewConstMetric(c.cache, prometheus.CounterValue, float64(s.CacheMisses), "miss")
	ch <- prometheus.MustNewConstMetric(c.avgResponse, prometheus.GaugeValue, s.AvgResponseTimeMs)
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(s.CacheSize))
	ch <- prometheus.MustNewConstMetric(c.openBatches, prometheus.GaugeValue, float64(s.ActiveBatches))
}
