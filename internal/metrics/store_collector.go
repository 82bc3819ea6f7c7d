package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/contentpipe/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// HistoryCounter is the slice of the invocation store the collector reads.
type HistoryCounter interface {
	Count(ctx context.Context, stage domain.Stage) (int64, error)
}

type storeCollector struct {
	store  HistoryCounter
	rdb    *redis.Client
	logger *slog.Logger

	historyDesc *prometheus.Desc
	locksDesc   *prometheus.Desc
}

func newStoreCollector(store HistoryCounter, rdb *redis.Client, logger *slog.Logger) *storeCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &storeCollector{
		store:  store,
		rdb:    rdb,
		logger: logger,
		historyDesc: prometheus.NewDesc(
			"contentpipe_history_records",
			"Invocation records currently retained, by stage.",
			[]string{"stage"},
			nil,
		),
		locksDesc: prometheus.NewDesc(
			"contentpipe_output_locks_held",
			"Output-directory leases currently held in redis.",
			nil,
			nil,
		),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.historyDesc
	ch <- c.locksDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	// Keep store reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if c.store != nil {
		for _, s := range domain.Stages {
			n, err := c.store.Count(ctx, s)
			if err != nil {
				c.logger.Warn("prometheus history collector failed", "stage", s, "err", err)
				return
			}
			emitGauge(ch, c.historyDesc, float64(n), string(s))
		}
	}

	if c.rdb == nil {
		return
	}
	var held int64
	iter := c.rdb.Scan(ctx, 0, "contentpipe:lock:*", 100).Iterator()
	for iter.Next(ctx) {
		held++
	}
	if err := iter.Err(); err != nil && err != redis.Nil {
		c.logger.Warn("prometheus lock collector failed", "err", err)
		return
	}
	emitGauge(ch, c.locksDesc, float64(held))
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerStoreCollectorOnce sync.Once

// RegisterStoreCollector exposes history and lock gauges. rdb may be nil
// when leases are process-local.
func RegisterStoreCollector(store HistoryCounter, rdb *redis.Client, logger *slog.Logger) {
	registerStoreCollectorOnce.Do(func() {
		prometheus.MustRegister(newStoreCollector(store, rdb, logger))
	})
}
