package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/model"
)

// DefaultMetricsSubject is where snapshots are published unless configured
// otherwise
const DefaultMetricsSubject = "metrics.scheduler"

// MetricsCollector counts finished task runs and samples host metrics. It
// satisfies scheduler.RunObserver.
type MetricsCollector struct {
	logger     *zap.Logger
	nc         *nats.Conn
	subject    string
	instanceID string
	interval   time.Duration
	mu         sync.RWMutex
	metrics    map[string]*model.TaskStats
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMetricsCollector creates a new metrics collector. nc may be nil, in which
// case snapshots are only logged.
func NewMetricsCollector(nc *nats.Conn, subject, instanceID string, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if subject == "" {
		subject = DefaultMetricsSubject
	}
	return &MetricsCollector{
		logger:     logger.Named("metrics-collector"),
		nc:         nc,
		subject:    subject,
		instanceID: instanceID,
		interval:   interval,
		metrics:    make(map[string]*model.TaskStats),
		stop:       make(chan struct{}),
	}
}

// ObserveRun records a finished run
func (c *MetricsCollector) ObserveRun(_ context.Context, run *model.TaskRun) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.metrics[run.TaskID]
	if !ok {
		stats = &model.TaskStats{TaskID: run.TaskID}
		c.metrics[run.TaskID] = stats
	}

	stats.Runs++
	switch run.Status {
	case model.RunStatusFailed:
		stats.Failures++
	case model.RunStatusTimedOut:
		stats.Timeouts++
	case model.RunStatusCanceled:
		stats.Cancellations++
	}
	stats.LastStatus = run.Status
	stats.LastDuration = run.Duration
	stats.LastRunAt = run.StartedAt
}

// Start starts the metrics collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collectMetrics()
		}
	}
}

// Snapshot samples host metrics and copies the task counters
func (c *MetricsCollector) Snapshot() (*model.MetricsSnapshot, error) {
	// a zero interval compares against the previous call instead of blocking
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return nil, err
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	snapshot := &model.MetricsSnapshot{
		InstanceID:  c.instanceID,
		Timestamp:   time.Now(),
		MemoryUsage: memInfo.UsedPercent,
	}
	if len(cpuPercent) > 0 {
		snapshot.CPUUsage = cpuPercent[0]
	}

	for _, stats := range c.GetMetrics() {
		snapshot.Tasks = append(snapshot.Tasks, stats)
	}
	sort.Slice(snapshot.Tasks, func(i, j int) bool {
		return snapshot.Tasks[i].TaskID < snapshot.Tasks[j].TaskID
	})

	return snapshot, nil
}

// collectMetrics logs a snapshot and publishes it when connected to NATS
func (c *MetricsCollector) collectMetrics() {
	snapshot, err := c.Snapshot()
	if err != nil {
		c.logger.Error("Failed to collect host metrics", zap.Error(err))
		return
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int("task_count", len(snapshot.Tasks)))

	if c.nc == nil {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if err := c.nc.Publish(c.subject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
	}
}

// GetMetrics returns a copy of the per-task counters
func (c *MetricsCollector) GetMetrics() map[string]*model.TaskStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	metrics := make(map[string]*model.TaskStats, len(c.metrics))
	for id, stats := range c.metrics {
		copied := *stats
		metrics[id] = &copied
	}
	return metrics
}
