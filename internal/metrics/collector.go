package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/models"
	"github.com/TheGojiOG/LocalSM/internal/server"
)

// Source lists the registered servers
type Source interface {
	List() []server.InstanceInfo
}

// HostMetrics summarizes the machine the servers run on
type HostMetrics struct {
	MemoryTotal     uint64    `json:"memory_total"`
	MemoryAvailable uint64    `json:"memory_available"`
	MemoryPercent   float64   `json:"memory_percent"`
	Timestamp       time.Time `json:"timestamp"`
}

type Collector struct {
	source    Source
	db        *sql.DB
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	mu          sync.Mutex
	latest      map[string]models.InstanceMetrics
	procs       map[string]*process.Process
	lastCleanup time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewCollector(cfg config.MetricsConfig, db *sql.DB, source Source) *Collector {
	interval := time.Duration(cfg.DefaultInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		source:    source,
		db:        db,
		interval:  interval,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		now:       time.Now,
		latest:    make(map[string]models.InstanceMetrics),
		procs:     make(map[string]*process.Process),
		stopCh:    make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CollectOnce(ctx)
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// CollectOnce samples every running server and prunes old rows
func (c *Collector) CollectOnce(ctx context.Context) {
	now := c.now()
	running := make(map[string]bool)

	for _, info := range c.source.List() {
		if !info.Running || info.PID <= 0 {
			continue
		}
		running[info.ID] = true

		sample, err := c.sample(ctx, info.ID, int32(info.PID), now)
		if err != nil {
			log.Printf("[Metrics] Failed to sample %s (pid %d): %v", info.Name, info.PID, err)
			continue
		}

		c.mu.Lock()
		c.latest[info.ID] = sample
		c.mu.Unlock()

		if err := c.recordMetrics(ctx, sample); err != nil {
			log.Printf("[Metrics] Failed to store sample for %s: %v", info.Name, err)
		}
	}

	c.mu.Lock()
	for id := range c.latest {
		if !running[id] {
			delete(c.latest, id)
			delete(c.procs, id)
		}
	}
	c.mu.Unlock()

	c.cleanupOldMetrics(ctx, now)
}

// Latest returns the most recent sample of a running server
func (c *Collector) Latest(serverID string) (models.InstanceMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sample, ok := c.latest[serverID]
	return sample, ok
}

// History returns stored samples newer than since, newest first
func (c *Collector) History(ctx context.Context, serverID string, since time.Time, limit int) ([]models.InstanceMetrics, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT server_id, timestamp, pid, cpu_percent, memory_rss, memory_percent, num_threads
		FROM instance_metrics
		WHERE server_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, serverID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	samples := make([]models.InstanceMetrics, 0)
	for rows.Next() {
		var m models.InstanceMetrics
		if err := rows.Scan(&m.ServerID, &m.Timestamp, &m.PID, &m.CPUPercent, &m.MemoryRSS, &m.MemoryPercent, &m.NumThreads); err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

// Host reports machine-wide memory usage
func (c *Collector) Host(ctx context.Context) (HostMetrics, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostMetrics{}, err
	}
	return HostMetrics{
		MemoryTotal:     vm.Total,
		MemoryAvailable: vm.Available,
		MemoryPercent:   vm.UsedPercent,
		Timestamp:       c.now(),
	}, nil
}

func (c *Collector) sample(ctx context.Context, serverID string, pid int32, now time.Time) (models.InstanceMetrics, error) {
	proc, err := c.process(ctx, serverID, pid)
	if err != nil {
		return models.InstanceMetrics{}, err
	}

	// Percent(0) measures against the previous call on the same handle
	cpu, err := proc.PercentWithContext(ctx, 0)
	if err != nil {
		return models.InstanceMetrics{}, err
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return models.InstanceMetrics{}, err
	}
	memPercent, _ := proc.MemoryPercentWithContext(ctx)
	threads, _ := proc.NumThreadsWithContext(ctx)

	return models.InstanceMetrics{
		ServerID:      serverID,
		PID:           pid,
		CPUPercent:    cpu,
		MemoryRSS:     memInfo.RSS,
		MemoryPercent: memPercent,
		NumThreads:    threads,
		Timestamp:     now.UTC(),
	}, nil
}

func (c *Collector) process(ctx context.Context, serverID string, pid int32) (*process.Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if proc, ok := c.procs[serverID]; ok && proc.Pid == pid {
		return proc, nil
	}
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	c.procs[serverID] = proc
	return proc, nil
}

func (c *Collector) recordMetrics(ctx context.Context, m models.InstanceMetrics) error {
	if c.db == nil {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO instance_metrics (server_id, timestamp, pid, cpu_percent, memory_rss, memory_percent, num_threads)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ServerID, m.Timestamp, m.PID, m.CPUPercent, int64(m.MemoryRSS), m.MemoryPercent, m.NumThreads)
	return err
}

func (c *Collector) cleanupOldMetrics(ctx context.Context, now time.Time) {
	if c.db == nil || c.retention <= 0 {
		return
	}

	if !c.lastCleanup.IsZero() && now.Sub(c.lastCleanup) < 6*time.Hour {
		return
	}

	cutoff := now.Add(-c.retention).UTC()
	if _, err := c.db.ExecContext(ctx, "DELETE FROM instance_metrics WHERE timestamp < ?", cutoff); err != nil {
		log.Printf("[Metrics] Cleanup failed: %v", err)
		return
	}
	c.lastCleanup = now
}
