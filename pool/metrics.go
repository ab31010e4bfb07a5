package pool

import "github.com/prometheus/client_golang/prometheus"

// Collector exports pool statistics to prometheus. Register one per pool:
//
//	prometheus.MustRegister(pool.NewCollector("orders", p))
type Collector struct {
	pool *Pool

	readConns  *prometheus.Desc
	writeConns *prometheus.Desc
	idleRead   *prometheus.Desc
	idleWrite  *prometheus.Desc
	timeouts   *prometheus.Desc
	reaped     *prometheus.Desc
}

func NewCollector(name string, p *Pool) *Collector {
	labels := prometheus.Labels{"pool": name}
	return &Collector{
		pool: p,
		readConns: prometheus.NewDesc("mysql_pool_read_connections",
			"Live read connections.", nil, labels),
		writeConns: prometheus.NewDesc("mysql_pool_write_connections",
			"Live write connections.", nil, labels),
		idleRead: prometheus.NewDesc("mysql_pool_idle_read_connections",
			"Idle read connections waiting in the pool.", nil, labels),
		idleWrite: prometheus.NewDesc("mysql_pool_idle_write_connections",
			"Idle write connections waiting in the pool.", nil, labels),
		timeouts: prometheus.NewDesc("mysql_pool_acquire_timeouts_total",
			"Acquisition timeouts.", nil, labels),
		reaped: prometheus.NewDesc("mysql_pool_reaped_total",
			"Connections closed by the reaper.", nil, labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readConns
	ch <- c.writeConns
	ch <- c.idleRead
	ch <- c.idleWrite
	ch <- c.timeouts
	ch <- c.reaped
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.readConns, prometheus.GaugeValue, float64(s.ReadConnections))
	ch <- prometheus.MustNewConstMetric(c.writeConns, prometheus.GaugeValue, float64(s.WriteConnections))
	ch <- prometheus.MustNewConstMetric(c.idleRead, prometheus.GaugeValue, float64(s.IdleRead))
	ch <- prometheus.MustNewConstMetric(c.idleWrite, prometheus.GaugeValue, float64(s.IdleWrite))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.TimeoutsTotal))
	ch <- prometheus.MustNewConstMetric(c.reaped, prometheus.CounterValue, float64(s.ReapedTotal))
}

var _ prometheus.Collector = (*Collector)(nil)
