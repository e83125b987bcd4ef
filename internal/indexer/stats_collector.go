package indexer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const statCollectionIntervalDefault = 60 * time.Second

var ErrFailedToRegisterStats = errors.New("failed to register stats collector")

type processorStats struct {
	queuedForExecutionGauge prometheus.Gauge
	unexecutedGauge         prometheus.Gauge
}

func newProcessorStats() *processorStats {
	return &processorStats{
		queuedForExecutionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_queued_for_execution",
			Help: "Number of transactions currently queued for execution",
		}),
		unexecutedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_unexecuted_count",
			Help: "Number of transactions in the unexecuted graph",
		}),
	}
}

// StartCollectStats exports the graph counters as prometheus gauges until
// ctx is cancelled.
func (ix *Indexer) StartCollectStats(ctx context.Context) error {
	stats := newProcessorStats()

	err := registerStats(stats.queuedForExecutionGauge, stats.unexecutedGauge)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(statCollectionIntervalDefault)

	go func() {
		defer func() {
			ticker.Stop()
			unregisterStats(stats.queuedForExecutionGauge, stats.unexecutedGauge)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats.queuedForExecutionGauge.Set(float64(ix.NumQueuedForExecution()))
				stats.unexecutedGauge.Set(float64(ix.NumUnexecuted()))
			}
		}
	}()

	return nil
}

func registerStats(collectors ...prometheus.Collector) error {
	for _, collector := range collectors {
		err := prometheus.Register(collector)
		if err != nil {
			return errors.Join(ErrFailedToRegisterStats, err)
		}
	}
	return nil
}

func unregisterStats(collectors ...prometheus.Collector) {
	for _, collector := range collectors {
		_ = prometheus.Unregister(collector)
	}
}

// LogStats writes the current graph counters, useful at startup.
func (ix *Indexer) LogStats(logger *slog.Logger) {
	logger.Info("Indexer stats",
		slog.Int("unexecuted", ix.NumUnexecuted()),
		slog.Int("queued", ix.NumQueuedForExecution()))
}
