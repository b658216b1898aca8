package detection

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/security"
)

// Host scan rule names.
const (
	RulePortScan          = "PORT_SCAN"
	RuleConnectionAnomaly = "CONNECTION_ANOMALY"
)

// Connection is one row of the host connection table.
type Connection struct {
	LocalPort uint32
	RemoteIP  string
	Status    string
}

// ConnectionSource lists current connections.
type ConnectionSource interface {
	Connections(ctx context.Context) ([]Connection, error)
}

// HostConnections reads the connection table through gopsutil.
type HostConnections struct{}

// Connections implements ConnectionSource.
func (HostConnections) Connections(ctx context.Context) ([]Connection, error) {
	stats, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	conns := make([]Connection, 0, len(stats))
	for _, s := range stats {
		if s.Raddr.IP == "" {
			continue
		}
		conns = append(conns, Connection{
			LocalPort: s.Laddr.Port,
			RemoteIP:  s.Raddr.IP,
			Status:    s.Status,
		})
	}
	return conns, nil
}

// ScanConfig tunes the host connection scanner.
type ScanConfig struct {
	Interval time.Duration
	// Window is how long a remote's probed ports are remembered.
	Window time.Duration
	// PortThreshold is the distinct local port count above which a remote
	// is reported as scanning.
	PortThreshold int
	// MinConnections is the floor below which totals are never anomalous.
	MinConnections int
	// Sigma is the number of standard deviations above the mean that marks
	// an anomalous connection total.
	Sigma   float64
	History int
}

// DefaultScanConfig returns the default scan tuning.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Interval:       30 * time.Second,
		Window:         time.Minute,
		PortThreshold:  10,
		MinConnections: 200,
		Sigma:          3,
		History:        120,
	}
}

type probe struct {
	ports    map[uint32]time.Time
	reported bool
}

// ConnectionScanner applies the port-scan heuristic and a connection-count
// anomaly test to the host connection table.
type ConnectionScanner struct {
	logger    *zap.Logger
	clk       clock.Clock
	source    ConnectionSource
	responder security.Responder
	config    ScanConfig

	mu      sync.Mutex
	probes  map[string]*probe
	history []float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionScanner creates a scanner.
func NewConnectionScanner(logger *zap.Logger, clk clock.Clock, source ConnectionSource, responder security.Responder, config ScanConfig) *ConnectionScanner {
	def := DefaultScanConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.PortThreshold <= 0 {
		config.PortThreshold = def.PortThreshold
	}
	if config.Sigma <= 0 {
		config.Sigma = def.Sigma
	}
	if config.History <= 0 {
		config.History = def.History
	}
	if source == nil {
		source = HostConnections{}
	}

	return &ConnectionScanner{
		logger:    logger,
		clk:       clk,
		source:    source,
		responder: responder,
		config:    config,
		probes:    make(map[string]*probe),
	}
}

// ScanOnce reads the connection table once and returns the detections raised.
func (s *ConnectionScanner) ScanOnce(ctx context.Context) ([]security.Detection, error) {
	conns, err := s.source.Connections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read connections: %w", err)
	}

	now := s.clk.Now()
	var detections []security.Detection

	s.mu.Lock()
	total := 0
	for _, c := range conns {
		ip := net.ParseIP(c.RemoteIP)
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		total++

		p, ok := s.probes[c.RemoteIP]
		if !ok {
			p = &probe{ports: make(map[uint32]time.Time)}
			s.probes[c.RemoteIP] = p
		}
		p.ports[c.LocalPort] = now
	}

	for remote, p := range s.probes {
		for port, seen := range p.ports {
			if now.Sub(seen) > s.config.Window {
				delete(p.ports, port)
			}
		}
		if len(p.ports) == 0 {
			delete(s.probes, remote)
			continue
		}
		if len(p.ports) > s.config.PortThreshold && !p.reported {
			p.reported = true
			detections = append(detections, security.Detection{
				Source:    remote,
				Rule:      RulePortScan,
				Severity:  security.SeverityHigh,
				Detail:    fmt.Sprintf("%d distinct ports within %s", len(p.ports), s.config.Window),
				Timestamp: now,
			})
		}
	}

	if len(s.history) >= 10 && total >= s.config.MinConnections {
		mean, std := stat.MeanStdDev(s.history, nil)
		if float64(total) > mean+s.config.Sigma*std {
			detections = append(detections, security.Detection{
				Source:    security.SystemSource,
				Rule:      RuleConnectionAnomaly,
				Severity:  security.SeverityMedium,
				Detail:    fmt.Sprintf("%d connections (mean %.1f, stddev %.1f)", total, mean, std),
				Timestamp: now,
			})
		}
	}
	s.history = append(s.history, float64(total))
	if len(s.history) > s.config.History {
		s.history = s.history[len(s.history)-s.config.History:]
	}
	s.mu.Unlock()

	for _, d := range detections {
		s.logger.Warn("Host scan detection",
			zap.String("source", d.Source),
			zap.String("rule", d.Rule),
			zap.String("detail", d.Detail),
		)
		if s.responder != nil {
			s.responder.Handle(d)
		}
	}
	return detections, nil
}

// Start runs ScanOnce on the configured interval.
func (s *ConnectionScanner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.logger.Info("Starting connection scanner", zap.Duration("interval", s.config.Interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scanCtx, done := context.WithTimeout(ctx, s.config.Interval)
				if _, err := s.ScanOnce(scanCtx); err != nil {
					s.logger.Warn("Connection scan failed", zap.Error(err))
				}
				done()
			}
		}
	}()
}

// Stop halts the scanner.
func (s *ConnectionScanner) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
