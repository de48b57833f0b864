// Package monitor coordinates the two-phase monitoring protocol: optional
// association-id discovery while target hosts join the network, followed by
// concurrent passive captures on every monitor host.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wlantb/wtb/internal/capture"
	"github.com/wlantb/wtb/internal/errors"
	"github.com/wlantb/wtb/internal/fleet"
	"github.com/wlantb/wtb/internal/wifi"
	"golang.org/x/sync/errgroup"
)

// DefaultInterface is the monitor-mode interface captures run on when the
// config does not name one.
const DefaultInterface = "mon0"

// DefaultDiscoveryWindow bounds the discovery capture. Targets must join the
// network within this window for their association responses to be seen.
const DefaultDiscoveryWindow = 15 * time.Second

// Config describes one monitoring run. Consumed exactly once by Start.
type Config struct {
	// SSID of the network to monitor.
	SSID string
	// BSSID of the network to monitor.
	BSSID string
	// Password optionally authenticates targets when they join the network.
	Password string

	// Monitors are the host ids that will perform the monitoring.
	Monitors []string
	// Targets are the host ids to monitor.
	Targets []string

	// Interface is the monitor-mode interface name, DefaultInterface if empty.
	Interface string

	// Duration of the captures, enforced remotely by the capture tool.
	Duration time.Duration

	// OutputDir, if set, receives one <host-id>.pcapng per monitor host.
	// Created recursively if missing. Empty means capture to memory.
	OutputDir string

	// DiscoverAssociations gathers the association ids of the target hosts
	// and assigns each one to a monitor radio before capturing. Requires a
	// monitor driver that supports manual AID assignment.
	DiscoverAssociations bool

	// FrequencyMHz/BandwidthMHz tune the monitor radios before capturing.
	// Zero frequency leaves the radios untouched.
	FrequencyMHz uint32
	BandwidthMHz uint32

	// DiscoveryWindow bounds the discovery capture, DefaultDiscoveryWindow
	// if zero.
	DiscoveryWindow time.Duration
}

func (c *Config) iface() string {
	if c.Interface == "" {
		return DefaultInterface
	}
	return c.Interface
}

// Monitor is a live monitoring run: one in-flight capture per monitor host.
// Terminal states are "completed with per-host results" and "aborted".
type Monitor struct {
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	results map[string]*capture.Capture
}

// Start resolves the configured hosts, runs discovery if requested, and
// launches one capture per monitor host concurrently. It returns a live
// Monitor immediately after the captures have been launched.
//
// Any failure before launch (unknown host id, output directory problem,
// radio tuning, discovery) aborts the whole start; no capture is attempted.
func Start(ctx context.Context, reg *fleet.Registry, cfg Config) (*Monitor, error) {
	monitors, err := reg.GetMany(cfg.Monitors)
	if err != nil {
		return nil, err
	}
	targets, err := reg.GetMany(cfg.Targets)
	if err != nil {
		return nil, err
	}

	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrMonitor,
				"Could not create output directory", "")
		}
	}

	if cfg.FrequencyMHz != 0 {
		for _, h := range monitors {
			if err := wifi.SetChannel(ctx, h, cfg.iface(), cfg.FrequencyMHz, cfg.BandwidthMHz); err != nil {
				return nil, err
			}
		}
	}

	if cfg.DiscoverAssociations {
		if err := discoverAssociations(ctx, monitors, targets, &cfg); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)

	m := &Monitor{
		cancel:  cancel,
		group:   group,
		results: make(map[string]*capture.Capture, len(monitors)),
	}

	logrus.WithField("monitors", len(monitors)).Info("Starting monitor")

	for _, h := range monitors {
		h := h
		group.Go(func() error {
			outputPath := ""
			if cfg.OutputDir != "" {
				outputPath = filepath.Join(cfg.OutputDir, h.ID+".pcapng")
			}

			cap, err := capture.Run(runCtx, h, capture.Config{
				Interface:  cfg.iface(),
				Stop:       capture.StopAfter(cfg.Duration),
				OutputPath: outputPath,
			})
			if err != nil {
				return err
			}

			m.mu.Lock()
			m.results[h.ID] = cap
			m.mu.Unlock()
			return nil
		})
	}

	return m, nil
}

// Wait blocks until every launched capture completes and returns the
// per-host captures. The aggregation is all-or-nothing: if any capture
// failed, Wait fails with that error and successful siblings' results are
// discarded rather than returned as partial success.
func (m *Monitor) Wait() (map[string]*capture.Capture, error) {
	err := m.group.Wait()
	m.cancel()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrMonitor,
			"A capture task returned an error", "")
	}

	logrus.Info("Monitor complete")

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results, nil
}

// Abort immediately cancels every in-flight capture, killing the remote
// capture processes, and discards the results. A subsequent Wait reports
// the cancellation as an error.
func (m *Monitor) Abort() {
	m.cancel()
}
