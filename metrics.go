package txkv

// metrics.go exports Statistics to Prometheus.

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// prometheusCollector reads a Statistics on every scrape.
type prometheusCollector struct {
	stats      Statistics
	tickers    [TickerEnumMax]*prometheus.Desc
	histograms [HistogramEnumMax]*prometheus.Desc
}

// NewPrometheusCollector returns a collector that exposes every ticker as
// a counter and every histogram as a summary with count and sum. Metric
// names are the ticker and histogram names with dots replaced by
// underscores, prefixed by namespace when it is not empty.
//
//	reg.MustRegister(txkv.NewPrometheusCollector("myapp", env.Statistics()))
func NewPrometheusCollector(namespace string, stats Statistics) prometheus.Collector {
	c := &prometheusCollector{stats: stats}
	for i := range TickerEnumMax {
		c.tickers[i] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", metricName(i.String())+"_total"),
			"txkv ticker "+i.String(), nil, nil)
	}
	for i := range HistogramEnumMax {
		c.histograms[i] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", metricName(i.String())),
			"txkv histogram "+i.String(), nil, nil)
	}
	return c
}

func metricName(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

// Describe implements prometheus.Collector.
func (c *prometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.tickers {
		ch <- d
	}
	for _, d := range c.histograms {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *prometheusCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		return
	}
	for i := range TickerEnumMax {
		ch <- prometheus.MustNewConstMetric(c.tickers[i], prometheus.CounterValue,
			float64(c.stats.GetTickerCount(i)))
	}
	for i := range HistogramEnumMax {
		data := c.stats.GetHistogramData(i)
		ch <- prometheus.MustNewConstSummary(c.histograms[i], data.Count, float64(data.Sum), nil)
	}
}
