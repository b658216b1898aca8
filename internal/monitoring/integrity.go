package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/security"
)

// Probe checks one component. A nil error means healthy.
type Probe func(ctx context.Context) error

// IntegrityConfig sets the host probe thresholds.
type IntegrityConfig struct {
	HostProbes      bool          `mapstructure:"host_probes"`
	MemoryCritical  float64       `mapstructure:"memory_critical_percent"`
	DiskPath        string        `mapstructure:"disk_path"`
	DiskCritical    float64       `mapstructure:"disk_critical_percent"`
	LoadPerCPULimit float64       `mapstructure:"load_per_cpu_limit"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
}

type registeredProbe struct {
	core  bool
	probe Probe
}

// IntegrityChecker runs registered component probes and derives an overall
// health status. Core components failing make the system CRITICAL.
type IntegrityChecker struct {
	logger *zap.Logger
	config IntegrityConfig

	mu     sync.RWMutex
	probes map[string]registeredProbe
	last   security.IntegrityReport
}

// NewIntegrityChecker creates a checker. With HostProbes set, non-core
// memory, disk and load probes are registered.
func NewIntegrityChecker(logger *zap.Logger, config IntegrityConfig) *IntegrityChecker {
	if config.MemoryCritical <= 0 {
		config.MemoryCritical = 95
	}
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	if config.DiskCritical <= 0 {
		config.DiskCritical = 95
	}
	if config.LoadPerCPULimit <= 0 {
		config.LoadPerCPULimit = 4
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}

	c := &IntegrityChecker{
		logger: logger,
		config: config,
		probes: make(map[string]registeredProbe),
	}
	if config.HostProbes {
		c.Register("memory", false, c.memoryProbe)
		c.Register("disk", false, c.diskProbe)
		c.Register("load", false, c.loadProbe)
	}
	return c
}

// Register adds or replaces a probe.
func (c *IntegrityChecker) Register(name string, core bool, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = registeredProbe{core: core, probe: probe}
}

// Components returns the registered probe names, sorted.
func (c *IntegrityChecker) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckSystemIntegrity runs every probe and returns the report.
func (c *IntegrityChecker) CheckSystemIntegrity(ctx context.Context) security.IntegrityReport {
	c.mu.RLock()
	probes := make(map[string]registeredProbe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	components := make(map[string]bool, len(probes))
	core := make(map[string]bool)
	for name, p := range probes {
		if p.core {
			core[name] = true
		}
		err := c.run(ctx, name, p.probe)
		components[name] = err == nil
		if err != nil {
			c.logger.Warn("Integrity probe failed",
				zap.String("component", name),
				zap.Bool("core", p.core),
				zap.Error(err),
			)
		}
	}

	report := security.IntegrityReport{
		Components: components,
		Status:     security.DeriveHealth(components, core),
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	c.logger.Info("System integrity checked", zap.String("status", string(report.Status)))
	return report
}

// Last returns the most recent report.
func (c *IntegrityChecker) Last() security.IntegrityReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *IntegrityChecker) run(ctx context.Context, name string, probe Probe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe %s panicked: %v", name, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()
	return probe(ctx)
}

func (c *IntegrityChecker) memoryProbe(ctx context.Context) error {
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to read memory stats: %w", err)
	}
	if vmem.UsedPercent >= c.config.MemoryCritical {
		return fmt.Errorf("memory usage %.1f%% exceeds %.1f%%", vmem.UsedPercent, c.config.MemoryCritical)
	}
	return nil
}

func (c *IntegrityChecker) diskProbe(ctx context.Context) error {
	usage, err := disk.UsageWithContext(ctx, c.config.DiskPath)
	if err != nil {
		return fmt.Errorf("failed to read disk usage: %w", err)
	}
	if usage.UsedPercent >= c.config.DiskCritical {
		return fmt.Errorf("disk usage %.1f%% on %s exceeds %.1f%%", usage.UsedPercent, c.config.DiskPath, c.config.DiskCritical)
	}
	return nil
}

func (c *IntegrityChecker) loadProbe(ctx context.Context) error {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to read load average: %w", err)
	}
	limit := c.config.LoadPerCPULimit * float64(runtime.NumCPU())
	if avg.Load5 > limit {
		return fmt.Errorf("load average %.2f exceeds %.2f", avg.Load5, limit)
	}
	return nil
}
